package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "swarmd.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8000
  extra: true
llm:
  provider: anthropic
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Compaction.StructuralEventThreshold != 700 {
		t.Errorf("StructuralEventThreshold = %d, want 700", cfg.Compaction.StructuralEventThreshold)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("LLM.Provider = %q, want anthropic", cfg.LLM.Provider)
	}
}

func TestLoadValidatesProvider(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8000
llm:
  provider: bogus
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "llm.provider") {
		t.Fatalf("expected llm.provider error, got %v", err)
	}
}

func TestLoadRequiresServerPort(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: anthropic
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error for missing server.port")
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	os.Setenv("SWARMD_TEST_API_KEY", "sk-test-123")
	defer os.Unsetenv("SWARMD_TEST_API_KEY")

	path := writeConfig(t, `
server:
  port: 8000
llm:
  provider: anthropic
  anthropic:
    api_key: ${SWARMD_TEST_API_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.Anthropic.APIKey != "sk-test-123" {
		t.Errorf("Anthropic.APIKey = %q, want sk-test-123", cfg.LLM.Anthropic.APIKey)
	}
}

func TestJSONSchemaIncludesKnownFields(t *testing.T) {
	raw, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	if !strings.Contains(string(raw), "structural_event_threshold") {
		t.Errorf("schema missing structural_event_threshold field")
	}
}
