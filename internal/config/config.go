// Package config loads the engine configuration from YAML or JSON5
// files with $include resolution, environment expansion, defaults, and
// validation.
package config

import (
	"fmt"
	"time"

	"github.com/haasonsaas/conductor/internal/mcp"
)

// Config is the root configuration for the engine.
type Config struct {
	Version       int                 `yaml:"version"`
	Engine        EngineConfig        `yaml:"engine"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Permissions   PermissionsConfig   `yaml:"permissions"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	MCP           mcp.Config          `yaml:"mcp"`
	Relay         RelayConfig         `yaml:"relay"`
	Observability ObservabilityConfig `yaml:"observability"`
	Tools         ToolsConfig         `yaml:"tools"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// EngineConfig holds turn execution parameters.
type EngineConfig struct {
	Model                string        `yaml:"model"`
	SystemPrompt         string        `yaml:"system_prompt"`
	MaxTokens            int           `yaml:"max_tokens"`
	Temperature          float32       `yaml:"temperature"`
	MaxToolRounds        int           `yaml:"max_tool_rounds"`
	ContextWindow        int           `yaml:"context_window"`
	MaxConcurrentTools   int           `yaml:"max_concurrent_tools"`
	ToolTimeout          time.Duration `yaml:"tool_timeout"`
	EnableThinking       bool          `yaml:"enable_thinking"`
	ThinkingBudgetTokens int           `yaml:"thinking_budget_tokens"`
}

// ProvidersConfig selects the default provider and carries per-provider
// settings passed to the provider registry.
type ProvidersConfig struct {
	Default  string                       `yaml:"default"`
	Settings map[string]map[string]string `yaml:"settings"`
}

// PermissionsConfig selects the grant store backend.
type PermissionsConfig struct {
	// Store is one of sqlite, file, postgres, memory.
	Store string `yaml:"store"`
	Path  string `yaml:"path"`
	DSN   string `yaml:"dsn"`
}

// SessionsConfig selects the session store and retention sweep.
type SessionsConfig struct {
	// Store is one of sqlite, memory.
	Store string      `yaml:"store"`
	Path  string      `yaml:"path"`
	Sweep SweepConfig `yaml:"sweep"`
}

// SweepConfig controls the session retention sweeper.
type SweepConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Schedule  string        `yaml:"schedule"`
	Retention time.Duration `yaml:"retention"`
}

// RelayConfig configures the websocket event relay.
type RelayConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	// OTLPEndpoint is the otlp grpc collector address. Empty disables
	// trace export.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr"`
}

// ToolsConfig configures the built-in tools.
type ToolsConfig struct {
	// ReadRoot confines the read_file tool. Empty disables it.
	ReadRoot      string        `yaml:"read_root"`
	FetchMaxBytes int64         `yaml:"fetch_max_bytes"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, merges, and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no file
// input, suitable for flag-only CLI runs.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with the engine defaults.
func (c *Config) ApplyDefaults() {
	if c.Version == 0 {
		c.Version = CurrentVersion
	}
	if c.Engine.MaxTokens == 0 {
		c.Engine.MaxTokens = 4096
	}
	if c.Engine.MaxToolRounds == 0 {
		c.Engine.MaxToolRounds = 12
	}
	if c.Engine.ContextWindow == 0 {
		c.Engine.ContextWindow = 200000
	}
	if c.Engine.MaxConcurrentTools == 0 {
		c.Engine.MaxConcurrentTools = 12
	}
	if c.Engine.ToolTimeout == 0 {
		c.Engine.ToolTimeout = 60 * time.Second
	}
	if c.Providers.Default == "" {
		c.Providers.Default = "anthropic"
	}
	if c.Permissions.Store == "" {
		c.Permissions.Store = "sqlite"
	}
	if c.Sessions.Store == "" {
		c.Sessions.Store = "sqlite"
	}
	if c.Sessions.Sweep.Schedule == "" {
		c.Sessions.Sweep.Schedule = "0 3 * * *"
	}
	if c.Sessions.Sweep.Retention == 0 {
		c.Sessions.Sweep.Retention = 30 * 24 * time.Hour
	}
	if c.Relay.Addr == "" {
		c.Relay.Addr = ":8787"
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "conductor"
	}
	if c.Tools.FetchMaxBytes == 0 {
		c.Tools.FetchMaxBytes = 1 << 20
	}
	if c.Tools.FetchTimeout == 0 {
		c.Tools.FetchTimeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

var validStores = map[string]map[string]bool{
	"permissions": {"sqlite": true, "file": true, "postgres": true, "memory": true},
	"sessions":    {"sqlite": true, "memory": true},
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}
	if !validStores["permissions"][c.Permissions.Store] {
		return fmt.Errorf("permissions.store: unknown store %q", c.Permissions.Store)
	}
	if c.Permissions.Store == "postgres" && c.Permissions.DSN == "" {
		return fmt.Errorf("permissions.dsn is required for the postgres store")
	}
	if !validStores["sessions"][c.Sessions.Store] {
		return fmt.Errorf("sessions.store: unknown store %q", c.Sessions.Store)
	}
	if c.Relay.Enabled && c.Relay.JWTSecret == "" {
		return fmt.Errorf("relay.jwt_secret is required when the relay is enabled")
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	if err := c.MCP.Validate(); err != nil {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}
