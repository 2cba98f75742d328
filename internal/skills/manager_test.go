package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeSkill(t *testing.T, dir, id, name, description, body string) {
	t.Helper()
	skillDir := filepath.Join(dir, id)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", skillDir, err)
	}
	content := "---\nname: " + name + "\ndescription: " + description + "\n---\n\n" + body + "\n"
	if err := os.WriteFile(filepath.Join(skillDir, SkillFilename), []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func TestDiscoverSkipsInvalidAndListsValid(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "web-search", "web-search", "search the web", "Use this to search.")
	if err := os.MkdirAll(filepath.Join(dir, "broken"), 0o755); err != nil {
		t.Fatalf("mkdir broken: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken", SkillFilename), []byte("no frontmatter here\n"), 0o644); err != nil {
		t.Fatalf("write broken manifest: %v", err)
	}

	m := NewManager(dir)
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	list := m.List()
	if len(list) != 1 {
		t.Fatalf("expected 1 valid skill, got %d: %+v", len(list), list)
	}
	if list[0].ID != "web-search" {
		t.Errorf("unexpected skill listed: %+v", list[0])
	}
}

func TestDiscoverOnMissingDirYieldsEmptyList(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "does-not-exist"))
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover on missing dir should not error: %v", err)
	}
	if got := m.List(); len(got) != 0 {
		t.Errorf("expected no skills, got %d", len(got))
	}
}

func TestActivateReturnsNotFoundForUnknownID(t *testing.T) {
	m := NewManager(t.TempDir())
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if _, err := m.Activate("nonexistent"); err == nil {
		t.Fatal("expected ErrSkillNotFound")
	} else if _, ok := err.(*ErrSkillNotFound); !ok {
		t.Errorf("expected *ErrSkillNotFound, got %T: %v", err, err)
	}
}

func TestActivateCompactorIsSpecialCased(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, CompactorSkillID, "compactor", "forces compaction", "Forces an immediate compaction.")

	m := NewManager(dir)
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	result, tools, err := m.ActivateTools(CompactorSkillID)
	if err != nil {
		t.Fatalf("ActivateTools: %v", err)
	}
	if !result.IsCompactor {
		t.Error("expected IsCompactor to be true for the canonical compactor skill")
	}
	if len(tools) != 0 {
		t.Errorf("expected no tools appended for the compactor special case, got %d", len(tools))
	}
	if result.Body == "" {
		t.Error("expected the full instruction body to be populated")
	}
}

func TestActivateToolsWithNoRegisteredFactoryReturnsNoTools(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "no-tools-skill", "no-tools-skill", "has no tool factory", "Just instructions, no tools.")

	m := NewManager(dir)
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	result, tools, err := m.ActivateTools("no-tools-skill")
	if err != nil {
		t.Fatalf("ActivateTools: %v", err)
	}
	if result.IsCompactor {
		t.Error("did not expect IsCompactor for a non-compactor skill")
	}
	if len(tools) != 0 {
		t.Errorf("expected zero tools, got %d", len(tools))
	}
}
