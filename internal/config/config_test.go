package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Sandbox.Mode != "docker" {
		t.Errorf("Sandbox.Mode = %q, want docker", cfg.Sandbox.Mode)
	}
	if cfg.Tracing.Backend != "local" || !cfg.Tracing.RedactPII {
		t.Errorf("Tracing defaults = %+v", cfg.Tracing)
	}
	if cfg.Assistant.MaxIterations != 10 || cfg.Assistant.CostLimitUSD != 1.0 {
		t.Errorf("Assistant defaults = %+v", cfg.Assistant)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mantle.toml")
	content := `
[llm]
provider = "anthropic"
model = "claude-haiku-3-5"

[sandbox]
mode = "subprocess"
timeout_sec = 10

[tracing]
backend = "otlp"
sample_rate = 0.25

[assistant]
max_iterations = 4
enabled_tools = ["web_search", "file_read"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}

	cfg := Load(path)
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.Model != "claude-haiku-3-5" {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.Sandbox.Mode != "subprocess" || cfg.Sandbox.TimeoutSec != 10 {
		t.Errorf("Sandbox = %+v", cfg.Sandbox)
	}
	if cfg.Tracing.Backend != "otlp" || cfg.Tracing.SampleRate != 0.25 {
		t.Errorf("Tracing = %+v", cfg.Tracing)
	}
	if cfg.Assistant.MaxIterations != 4 || len(cfg.Assistant.EnabledTools) != 2 {
		t.Errorf("Assistant = %+v", cfg.Assistant)
	}
	// Untouched sections keep defaults.
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite default", cfg.Database.Driver)
	}
}

func TestEnvOverridesWin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mantle.toml")
	if err := os.WriteFile(path, []byte("[sandbox]\nmode = \"docker\"\n"), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}

	t.Setenv("SANDBOX_MODE", "DISABLED")
	t.Setenv("TRACING_ENABLED", "false")
	t.Setenv("TRACING_SAMPLE_RATE", "0.5")
	t.Setenv("ENABLE_LANGGRAPH_CHECKPOINTING", "true")

	cfg := Load(path)
	if cfg.Sandbox.Mode != "disabled" {
		t.Errorf("Sandbox.Mode = %q, want disabled from env", cfg.Sandbox.Mode)
	}
	if cfg.Tracing.Enabled {
		t.Error("Tracing.Enabled = true, want false from env")
	}
	if cfg.Tracing.SampleRate != 0.5 {
		t.Errorf("SampleRate = %v, want 0.5 from env", cfg.Tracing.SampleRate)
	}
	if !cfg.Graph.CheckpointingEnabled {
		t.Error("CheckpointingEnabled = false, want true from env")
	}
}

func TestBadEnvValuesKeepDefaults(t *testing.T) {
	t.Setenv("TRACING_SAMPLE_RATE", "nine")
	t.Setenv("TRACING_ENABLED", "maybe")

	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Tracing.SampleRate != 1.0 {
		t.Errorf("SampleRate = %v, want default kept", cfg.Tracing.SampleRate)
	}
	if !cfg.Tracing.Enabled {
		t.Error("Enabled = false, want default kept for unparsable env")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if cfg.LLM.Provider != "openai" {
		t.Errorf("LLM.Provider = %q, want default", cfg.LLM.Provider)
	}
}
