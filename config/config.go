// Package config provides configuration loading and management for pullsmith.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pullsmith configuration.
type Config struct {
	App      AppConfig      `yaml:"app"`
	HTTP     HTTPConfig     `yaml:"http"`
	Bus      BusConfig      `yaml:"bus"`
	LLM      LLMConfig      `yaml:"llm"`
	Forge    ForgeConfig    `yaml:"forge"`
	Engine   EngineConfig   `yaml:"engine"`
	Realtime RealtimeConfig `yaml:"realtime"`
}

// AppConfig holds provider-app identity and webhook credentials.
type AppConfig struct {
	// ID is the provider app identifier.
	ID string `yaml:"id"`
	// PrivateKey is the PEM-encoded app private key.
	PrivateKey string `yaml:"private_key"`
	// WebhookSecret is the shared secret for webhook HMAC verification.
	WebhookSecret string `yaml:"webhook_secret"`
	// Development enables detailed error messages in responses.
	Development bool `yaml:"development"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	// Addr is the listen address (default ":8080").
	Addr string `yaml:"addr"`
	// ReposFile is the path to the per-repository rules file.
	ReposFile string `yaml:"repos_file"`
}

// BusConfig configures the NATS connection.
type BusConfig struct {
	// URL is the NATS server URL (empty = use embedded server).
	URL string `yaml:"url"`
	// DBURL is the NATS cluster used for persistence buckets.
	// Empty means the same cluster as URL.
	DBURL string `yaml:"db_url"`
	// Embedded indicates whether to run an in-process server.
	Embedded bool `yaml:"embedded"`
}

// LLMConfig configures the LLM client.
type LLMConfig struct {
	// Provider selects the LLM provider: openai, anthropic, or mock.
	Provider string `yaml:"provider"`
	// Model is the model identifier sent to the provider.
	Model string `yaml:"model"`
	// MaxTokens caps a single completion.
	MaxTokens int `yaml:"max_tokens"`
	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `yaml:"temperature"`
	// Timeout is the maximum time to wait for a completion.
	Timeout time.Duration `yaml:"timeout"`
	// WorkflowBudget is the aggregate token budget for one workflow.
	WorkflowBudget int `yaml:"workflow_budget"`
}

// ForgeConfig configures the code-hosting provider client.
type ForgeConfig struct {
	// BaseURL is the provider REST endpoint.
	BaseURL string `yaml:"base_url"`
	// Token is the API token used for requests.
	Token string `yaml:"token"`
	// InstallationID identifies the app installation. Callers set it
	// explicitly; components never fall back to the environment.
	InstallationID string `yaml:"installation_id"`
}

// EngineConfig configures the workflow engine.
type EngineConfig struct {
	// MaxConcurrentWorkflows bounds parallel workflow execution per instance.
	MaxConcurrentWorkflows int `yaml:"max_concurrent_workflows"`
	// MaxAgentsPerWorkflow bounds parallel agents inside one workflow.
	MaxAgentsPerWorkflow int `yaml:"max_agents_per_workflow"`
	// GlobalAgentLimit bounds parallel agents across all workflows.
	GlobalAgentLimit int `yaml:"global_agent_limit"`
	// Debounce coalesces repeat events for the same head sha.
	Debounce time.Duration `yaml:"debounce"`
}

// RealtimeConfig configures the WebSocket fan-out.
type RealtimeConfig struct {
	// AuthSecret signs and verifies connection tokens.
	// Defaults to the webhook secret when empty.
	AuthSecret string `yaml:"auth_secret"`
	// HeartbeatInterval is the ping cadence for idle connections.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:      ":8080",
			ReposFile: "repos.yaml",
		},
		Bus: BusConfig{
			URL:      "",
			Embedded: true,
		},
		LLM: LLMConfig{
			Provider:       "mock",
			Model:          "mock-reviewer",
			MaxTokens:      4096,
			Temperature:    0.2,
			Timeout:        3 * time.Minute,
			WorkflowBudget: 100000,
		},
		Engine: EngineConfig{
			MaxConcurrentWorkflows: 8,
			MaxAgentsPerWorkflow:   4,
			GlobalAgentLimit:       64,
			Debounce:               3 * time.Second,
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval: 30 * time.Second,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic", "mock":
	default:
		return fmt.Errorf("llm.provider must be openai, anthropic, or mock, got %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("llm.temperature must be between 0 and 1")
	}
	if c.Engine.MaxConcurrentWorkflows < 1 {
		return fmt.Errorf("engine.max_concurrent_workflows must be at least 1")
	}
	if c.Engine.MaxAgentsPerWorkflow < 1 {
		return fmt.Errorf("engine.max_agents_per_workflow must be at least 1")
	}
	if c.Engine.GlobalAgentLimit < c.Engine.MaxAgentsPerWorkflow {
		return fmt.Errorf("engine.global_agent_limit must be >= engine.max_agents_per_workflow")
	}
	if c.Engine.Debounce < 0 {
		return fmt.Errorf("engine.debounce must not be negative")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.App.ID != "" {
		c.App.ID = other.App.ID
	}
	if other.App.PrivateKey != "" {
		c.App.PrivateKey = other.App.PrivateKey
	}
	if other.App.WebhookSecret != "" {
		c.App.WebhookSecret = other.App.WebhookSecret
	}
	if other.App.Development {
		c.App.Development = true
	}

	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}
	if other.HTTP.ReposFile != "" {
		c.HTTP.ReposFile = other.HTTP.ReposFile
	}

	if other.Bus.URL != "" {
		c.Bus.URL = other.Bus.URL
		c.Bus.Embedded = false
	}
	if other.Bus.DBURL != "" {
		c.Bus.DBURL = other.Bus.DBURL
	}

	if other.LLM.Provider != "" {
		c.LLM.Provider = other.LLM.Provider
	}
	if other.LLM.Model != "" {
		c.LLM.Model = other.LLM.Model
	}
	if other.LLM.MaxTokens != 0 {
		c.LLM.MaxTokens = other.LLM.MaxTokens
	}
	if other.LLM.Temperature != 0 {
		c.LLM.Temperature = other.LLM.Temperature
	}
	if other.LLM.Timeout != 0 {
		c.LLM.Timeout = other.LLM.Timeout
	}
	if other.LLM.WorkflowBudget != 0 {
		c.LLM.WorkflowBudget = other.LLM.WorkflowBudget
	}

	if other.Forge.BaseURL != "" {
		c.Forge.BaseURL = other.Forge.BaseURL
	}
	if other.Forge.Token != "" {
		c.Forge.Token = other.Forge.Token
	}
	if other.Forge.InstallationID != "" {
		c.Forge.InstallationID = other.Forge.InstallationID
	}

	if other.Engine.MaxConcurrentWorkflows != 0 {
		c.Engine.MaxConcurrentWorkflows = other.Engine.MaxConcurrentWorkflows
	}
	if other.Engine.MaxAgentsPerWorkflow != 0 {
		c.Engine.MaxAgentsPerWorkflow = other.Engine.MaxAgentsPerWorkflow
	}
	if other.Engine.GlobalAgentLimit != 0 {
		c.Engine.GlobalAgentLimit = other.Engine.GlobalAgentLimit
	}
	if other.Engine.Debounce != 0 {
		c.Engine.Debounce = other.Engine.Debounce
	}

	if other.Realtime.AuthSecret != "" {
		c.Realtime.AuthSecret = other.Realtime.AuthSecret
	}
	if other.Realtime.HeartbeatInterval != 0 {
		c.Realtime.HeartbeatInterval = other.Realtime.HeartbeatInterval
	}
}

// ApplyEnv overlays recognized environment variables onto the config.
// Environment values take precedence over file values.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("APP_ID"); v != "" {
		c.App.ID = v
	}
	if v := os.Getenv("APP_PRIVATE_KEY"); v != "" {
		c.App.PrivateKey = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		c.App.WebhookSecret = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("BUS_URL"); v != "" {
		c.Bus.URL = v
		c.Bus.Embedded = false
	}
	if v := os.Getenv("DB_URL"); v != "" {
		c.Bus.DBURL = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("FORGE_BASE_URL"); v != "" {
		c.Forge.BaseURL = v
	}
	if v := os.Getenv("FORGE_TOKEN"); v != "" {
		c.Forge.Token = v
	}
	if v := os.Getenv("FORGE_INSTALLATION_ID"); v != "" {
		c.Forge.InstallationID = v
	}
	if v := os.Getenv("MAX_CONCURRENT_WORKFLOWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.MaxConcurrentWorkflows = n
		}
	}
	if v := os.Getenv("MAX_AGENTS_PER_WORKFLOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.MaxAgentsPerWorkflow = n
		}
	}
	if v := os.Getenv("DEBOUNCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Engine.Debounce = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("WS_AUTH_SECRET"); v != "" {
		c.Realtime.AuthSecret = v
	}
	if c.Realtime.AuthSecret == "" {
		c.Realtime.AuthSecret = c.App.WebhookSecret
	}
}
