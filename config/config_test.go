package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LLM.Provider != "mock" {
		t.Errorf("expected default provider mock, got %s", cfg.LLM.Provider)
	}
	if cfg.Engine.MaxAgentsPerWorkflow != 4 {
		t.Errorf("expected default max agents 4, got %d", cfg.Engine.MaxAgentsPerWorkflow)
	}
	if cfg.Engine.GlobalAgentLimit != 64 {
		t.Errorf("expected default global agent limit 64, got %d", cfg.Engine.GlobalAgentLimit)
	}
	if cfg.Engine.Debounce != 3*time.Second {
		t.Errorf("expected default debounce 3s, got %s", cfg.Engine.Debounce)
	}
	if !cfg.Bus.Embedded {
		t.Error("expected embedded bus by default")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "unknown provider",
			modify:  func(c *Config) { c.LLM.Provider = "cohere" },
			wantErr: true,
		},
		{
			name:    "missing model",
			modify:  func(c *Config) { c.LLM.Model = "" },
			wantErr: true,
		},
		{
			name:    "temperature too high",
			modify:  func(c *Config) { c.LLM.Temperature = 1.1 },
			wantErr: true,
		},
		{
			name:    "zero workflow concurrency",
			modify:  func(c *Config) { c.Engine.MaxConcurrentWorkflows = 0 },
			wantErr: true,
		},
		{
			name:    "global limit below per-workflow limit",
			modify:  func(c *Config) { c.Engine.GlobalAgentLimit = 2 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "hook-secret")
	t.Setenv("BUS_URL", "nats://bus:4222")
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("LLM_MODEL", "claude-sonnet-4")
	t.Setenv("MAX_CONCURRENT_WORKFLOWS", "16")
	t.Setenv("MAX_AGENTS_PER_WORKFLOW", "6")
	t.Setenv("DEBOUNCE_MS", "1500")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.App.WebhookSecret != "hook-secret" {
		t.Errorf("webhook secret not applied, got %q", cfg.App.WebhookSecret)
	}
	if cfg.Bus.URL != "nats://bus:4222" || cfg.Bus.Embedded {
		t.Errorf("bus url not applied: url=%q embedded=%v", cfg.Bus.URL, cfg.Bus.Embedded)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.Model != "claude-sonnet-4" {
		t.Errorf("llm env not applied: %s/%s", cfg.LLM.Provider, cfg.LLM.Model)
	}
	if cfg.Engine.MaxConcurrentWorkflows != 16 {
		t.Errorf("expected 16 concurrent workflows, got %d", cfg.Engine.MaxConcurrentWorkflows)
	}
	if cfg.Engine.MaxAgentsPerWorkflow != 6 {
		t.Errorf("expected 6 agents per workflow, got %d", cfg.Engine.MaxAgentsPerWorkflow)
	}
	if cfg.Engine.Debounce != 1500*time.Millisecond {
		t.Errorf("expected 1.5s debounce, got %s", cfg.Engine.Debounce)
	}
	if cfg.Realtime.AuthSecret != "hook-secret" {
		t.Errorf("realtime auth secret should default to webhook secret, got %q", cfg.Realtime.AuthSecret)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pullsmith.yaml")
	content := `
llm:
  provider: openai
  model: gpt-4o
engine:
  max_concurrent_workflows: 3
  debounce: 5s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4o" {
		t.Errorf("file values not loaded: %s/%s", cfg.LLM.Provider, cfg.LLM.Model)
	}
	if cfg.Engine.Debounce != 5*time.Second {
		t.Errorf("expected 5s debounce, got %s", cfg.Engine.Debounce)
	}
	// Unset fields keep defaults.
	if cfg.Engine.MaxAgentsPerWorkflow != 4 {
		t.Errorf("expected default max agents 4, got %d", cfg.Engine.MaxAgentsPerWorkflow)
	}
}

func TestMergePrecedence(t *testing.T) {
	base := DefaultConfig()
	override := &Config{}
	override.LLM.Provider = "anthropic"
	override.Bus.URL = "nats://other:4222"

	base.Merge(override)

	if base.LLM.Provider != "anthropic" {
		t.Errorf("merge did not override provider, got %s", base.LLM.Provider)
	}
	if base.Bus.Embedded {
		t.Error("setting a bus url should disable the embedded server")
	}
	if base.LLM.Model != "mock-reviewer" {
		t.Errorf("merge clobbered unset field, got %s", base.LLM.Model)
	}
}
