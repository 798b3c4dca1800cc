package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/orbit/tools"
	"goa.design/orbit/tools/builtin"
)

type (
	// Config is the orbitd configuration file. Backends are optional:
	// without a Redis address the worker uses in-process streams, locks and
	// caches; without a Mongo URI it uses in-memory stores; without a
	// Temporal host it runs workflows in process. Production deployments set
	// all three.
	Config struct {
		HTTP     HTTPConfig     `yaml:"http"`
		Redis    RedisConfig    `yaml:"redis"`
		Mongo    MongoConfig    `yaml:"mongo"`
		Temporal TemporalConfig `yaml:"temporal"`
		Model    ModelConfig    `yaml:"model"`
		Session  SessionConfig  `yaml:"session"`
		Sandbox  SandboxConfig  `yaml:"sandbox"`
		Tools    ToolsConfig    `yaml:"tools"`
		HITL     HITLConfig     `yaml:"hitl"`
	}

	// HTTPConfig configures the health and debug endpoint listener.
	HTTPConfig struct {
		Addr string `yaml:"addr"`
	}

	// RedisConfig configures the stream broker, distributed locks and the
	// tool result cache.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// MongoConfig configures the durable stores.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// TemporalConfig configures the workflow engine.
	TemporalConfig struct {
		HostPort  string `yaml:"host_port"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
	}

	// ModelConfig selects and throttles the LLM provider. The API key is
	// never stored in the file; APIKeyEnv names the environment variable
	// that carries it.
	ModelConfig struct {
		Provider   string  `yaml:"provider"`
		Name       string  `yaml:"name"`
		APIKeyEnv  string  `yaml:"api_key_env"`
		InitialTPM float64 `yaml:"initial_tpm"`
		MaxTPM     float64 `yaml:"max_tpm"`
	}

	// SessionConfig tunes the turn processor.
	SessionConfig struct {
		SystemPrompt        string  `yaml:"system_prompt"`
		Temperature         float64 `yaml:"temperature"`
		MaxTokens           int     `yaml:"max_tokens"`
		MaxSteps            int     `yaml:"max_steps"`
		CompactTokenLimit   int     `yaml:"compact_token_limit"`
		PersistDeltas       bool    `yaml:"persist_deltas"`
		PromptTokenCost     float64 `yaml:"prompt_token_cost"`
		CompletionTokenCost float64 `yaml:"completion_token_cost"`
	}

	// SandboxConfig configures the Docker-backed project sandboxes.
	SandboxConfig struct {
		Enabled      bool     `yaml:"enabled"`
		Image        string   `yaml:"image"`
		ProjectRoot  string   `yaml:"project_root"`
		AdoptOrphans bool     `yaml:"adopt_orphans"`
		MaxOrphanAge duration `yaml:"max_orphan_age"`
	}

	// ToolsConfig configures the tool executor and optional built-ins.
	ToolsConfig struct {
		AllowCommandExecution bool     `yaml:"allow_command_execution"`
		Denied                []string `yaml:"denied"`
		CallTimeout           duration `yaml:"call_timeout"`
		WebScrape             bool     `yaml:"web_scrape"`
	}

	// HITLConfig configures human-in-the-loop requests.
	HITLConfig struct {
		DefaultTimeout duration `yaml:"default_timeout"`
	}

	// duration parses YAML scalars with time.ParseDuration.
	duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = duration(parsed)
	return nil
}

func defaultConfig() *Config {
	return &Config{
		HTTP:     HTTPConfig{Addr: ":8080"},
		Mongo:    MongoConfig{Database: "orbit"},
		Temporal: TemporalConfig{Namespace: "default", TaskQueue: "orbit-sessions"},
		Model: ModelConfig{
			Provider:  "anthropic",
			APIKeyEnv: "ANTHROPIC_API_KEY",
		},
		Sandbox: SandboxConfig{
			MaxOrphanAge: duration(24 * time.Hour),
		},
		Tools: ToolsConfig{
			CallTimeout: duration(tools.DefaultCallTimeout),
		},
		HITL: HITLConfig{
			DefaultTimeout: duration(builtin.DefaultHITLTimeout),
		},
	}
}

// loadConfig returns the defaults overlaid with the YAML file at path. An
// empty path returns the defaults unchanged.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Model.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("model provider must be anthropic or openai, got %q", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model name is required")
	}
	if c.Temporal.TaskQueue == "" {
		return fmt.Errorf("temporal task queue is required")
	}
	if c.Sandbox.Enabled && c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox image is required when sandboxes are enabled")
	}
	return nil
}
