// Package config loads runtime configuration from defaults, a TOML
// file, and environment variables, in that order (env wins).
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	Graph     GraphConfig     `toml:"graph"`
	Tracing   TracingConfig   `toml:"tracing"`
	Queue     QueueConfig     `toml:"queue"`
	Assistant AssistantConfig `toml:"assistant"`
	Search    SearchConfig    `toml:"search"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
}

type DatabaseConfig struct {
	// Driver selects the store backend: "sqlite" or "postgres".
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type SandboxConfig struct {
	// Mode is one of "docker", "subprocess", "disabled".
	Mode          string `toml:"mode"`
	Image         string `toml:"image"`
	PythonBin     string `toml:"python_bin"`
	TimeoutSec    int    `toml:"timeout_sec"`
	MemoryLimitMB int    `toml:"memory_limit_mb"`
	DockerHost    string `toml:"docker_host"`
	TLSCAFile     string `toml:"tls_ca_file"`
	TLSCertFile   string `toml:"tls_cert_file"`
	TLSKeyFile    string `toml:"tls_key_file"`
}

type GraphConfig struct {
	CheckpointingEnabled bool `toml:"checkpointing_enabled"`
}

type TracingConfig struct {
	Enabled    bool    `toml:"enabled"`
	Backend    string  `toml:"backend"`
	SampleRate float64 `toml:"sample_rate"`
	RedactPII  bool    `toml:"redact_pii"`

	Pricing map[string]PricingEntry `toml:"pricing"`
}

type PricingEntry struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

type QueueConfig struct {
	// Backend is "local" or "redis".
	Backend       string `toml:"backend"`
	MaxConcurrent int    `toml:"max_concurrent"`
	MaxRetries    int    `toml:"max_retries"`
}

type AssistantConfig struct {
	Model               string   `toml:"model"`
	Temperature         float64  `toml:"temperature"`
	TokenBudget         int      `toml:"token_budget"`
	MaxIterations       int      `toml:"max_iterations"`
	MaxToolCalls        int      `toml:"max_tool_calls"`
	CostLimitUSD        float64  `toml:"cost_limit_usd"`
	MaxParallelTools    int      `toml:"max_parallel_tools"`
	EnablePlanning      bool     `toml:"enable_planning"`
	EnableReflection    bool     `toml:"enable_reflection"`
	ReflectionThreshold float64  `toml:"reflection_threshold"`
	EnabledTools        []string `toml:"enabled_tools"`
	AllowedPaths        []string `toml:"allowed_paths"`
	KnowledgeBases      []string `toml:"knowledge_bases"`
}

type SearchConfig struct {
	APIKey   string `toml:"api_key"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM:      LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "mantle.db"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Sandbox: SandboxConfig{
			Mode:          "docker",
			Image:         "python:3.12-slim",
			PythonBin:     "python3",
			TimeoutSec:    30,
			MemoryLimitMB: 256,
		},
		Graph: GraphConfig{CheckpointingEnabled: false},
		Tracing: TracingConfig{
			Enabled:    true,
			Backend:    "local",
			SampleRate: 1.0,
			RedactPII:  true,
		},
		Queue: QueueConfig{Backend: "local", MaxConcurrent: 2, MaxRetries: 3},
		Assistant: AssistantConfig{
			Model:               "gpt-4o-mini",
			Temperature:         0.2,
			TokenBudget:         100_000,
			MaxIterations:       10,
			MaxToolCalls:        15,
			CostLimitUSD:        1.0,
			MaxParallelTools:    3,
			EnablePlanning:      true,
			EnableReflection:    true,
			ReflectionThreshold: 7.0,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "mantle.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("MANTLE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("MANTLE_POSTGRES_URL"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("MANTLE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MANTLE_SEARCH_API_KEY"); v != "" {
		cfg.Search.APIKey = v
	}
	if v := os.Getenv("SANDBOX_MODE"); v != "" {
		cfg.Sandbox.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("ENABLE_LANGGRAPH_CHECKPOINTING"); v != "" {
		cfg.Graph.CheckpointingEnabled = parseBool(v, cfg.Graph.CheckpointingEnabled)
	}
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v, cfg.Tracing.Enabled)
	}
	if v := os.Getenv("TRACING_BACKEND"); v != "" {
		cfg.Tracing.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("TRACING_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil && rate >= 0 && rate <= 1 {
			cfg.Tracing.SampleRate = rate
		}
	}
	if v := os.Getenv("TRACING_REDACT_PII"); v != "" {
		cfg.Tracing.RedactPII = parseBool(v, cfg.Tracing.RedactPII)
	}

	return cfg
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.ToLower(s))
	if err != nil {
		return fallback
	}
	return b
}
