// Package config loads and validates the node's YAML configuration: one
// top-level Config struct composed of per-concern sub-structs, env-var
// expansion before YAML parse, strict unknown-field rejection via
// yaml.Decoder.KnownFields.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete node configuration, loaded once at startup from a
// YAML file named on the command line.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Node       NodeConfig       `yaml:"node"`
	Registry   RegistryConfig   `yaml:"registry"`
	Session    SessionConfig    `yaml:"session"`
	Compaction CompactionConfig `yaml:"compaction"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Skills     SkillsConfig     `yaml:"skills"`
	LLM        LLMConfig        `yaml:"llm"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServerConfig configures the HTTP facade.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NodeConfig identifies this node and where its per-node state lives.
type NodeConfig struct {
	DataDir  string `yaml:"data_dir"`
	SelfHost string `yaml:"self_host"`
}

// RegistryConfig configures the shared service-discovery table.
type RegistryConfig struct {
	DSN             string        `yaml:"dsn"`
	RegisterTimeout time.Duration `yaml:"register_timeout"`
}

// SessionConfig configures the session store and busy-lock
// polling.
type SessionConfig struct {
	DataDir            string        `yaml:"data_dir"`
	UrgentPollInterval time.Duration `yaml:"urgent_poll_interval"`
	UrgentPollTimeout  time.Duration `yaml:"urgent_poll_timeout"`
}

// CompactionConfig exposes the compaction trigger knobs as configuration
// rather than hardcoded constants.
type CompactionConfig struct {
	StructuralEventThreshold int `yaml:"structural_event_threshold"`
	MinEventsForCompaction   int `yaml:"min_events_for_compaction"`
}

// DispatchConfig configures outbound peer HTTP behavior.
type DispatchConfig struct {
	ChatTimeout     time.Duration `yaml:"chat_timeout"`
	RegistryTimeout time.Duration `yaml:"registry_timeout"`
	JWTSigningKey   string        `yaml:"jwt_signing_key"`

	// ClusterAppName is the app_name every node in the swarm shares on
	// outbound dispatch_task/dispatch_batch requests,
	// distinct from whatever app_name the original top-level user request
	// carried.
	ClusterAppName string `yaml:"cluster_app_name"`

	// CallerIdentity is reported as user_id on outbound peer requests so a
	// worker's history attributes the sub-session to the leader node that
	// spawned it.
	CallerIdentity string `yaml:"caller_identity"`
}

// SkillsConfig configures skill discovery.
type SkillsConfig struct {
	Dir       string `yaml:"dir"`
	HotReload bool   `yaml:"hot_reload"`
}

// LLMConfig selects and configures the model provider(s).
type LLMConfig struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	AuxiliaryModel string `yaml:"auxiliary_model"`
	ContextWindow  int    `yaml:"context_window"`

	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Bedrock   BedrockConfig   `yaml:"bedrock"`
}

type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
}

type BedrockConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// LoggingConfig configures structured logging (ambient stack).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig configures the node's OpenTelemetry exporter. An empty
// Endpoint runs the node against the no-op global tracer (observability.
// NewTracer's documented default), so tracing is opt-in per deployment.
type TracingConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	EnableInsecure bool    `yaml:"enable_insecure"`
}

// Default returns a Config with every field set to the value the node runs
// with if the YAML file omits it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    180 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Node: NodeConfig{DataDir: "./data"},
		Registry: RegistryConfig{
			DSN:             "./data/registry.db",
			RegisterTimeout: 5 * time.Second,
		},
		Session: SessionConfig{
			DataDir:            "./data",
			UrgentPollInterval: 100 * time.Millisecond,
			UrgentPollTimeout:  2 * time.Second,
		},
		Compaction: CompactionConfig{
			StructuralEventThreshold: 700,
			MinEventsForCompaction:   10,
		},
		Dispatch: DispatchConfig{
			ChatTimeout:     180 * time.Second,
			RegistryTimeout: 5 * time.Second,
			ClusterAppName:  "swarm_cluster",
			CallerIdentity:  "node",
		},
		Skills: SkillsConfig{Dir: "./skills"},
		LLM: LLMConfig{
			Provider:      "anthropic",
			ContextWindow: 200_000,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Tracing: TracingConfig{ServiceName: "swarmd", SamplingRate: 1.0},
	}
}

// Load reads path, expands ${VAR}/$VAR environment references, and decodes
// into Default()'s base config with KnownFields enforcement so a typo'd key
// fails loudly instead of silently defaulting.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants Load cannot express through YAML
// decoding alone.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("config: server.port must be set")
	}
	if c.Compaction.MinEventsForCompaction <= 0 {
		return fmt.Errorf("config: compaction.min_events_for_compaction must be > 0")
	}
	if c.Compaction.StructuralEventThreshold <= c.Compaction.MinEventsForCompaction {
		return fmt.Errorf("config: compaction.structural_event_threshold must exceed min_events_for_compaction")
	}
	switch c.LLM.Provider {
	case "anthropic", "openai", "bedrock":
	default:
		return fmt.Errorf("config: llm.provider must be one of anthropic|openai|bedrock, got %q", c.LLM.Provider)
	}
	return nil
}
