package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/mcp"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Engine.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want 4096", cfg.Engine.MaxTokens)
	}
	if cfg.Engine.MaxToolRounds != 12 {
		t.Errorf("MaxToolRounds = %d, want 12", cfg.Engine.MaxToolRounds)
	}
	if cfg.Engine.ContextWindow != 200000 {
		t.Errorf("ContextWindow = %d, want 200000", cfg.Engine.ContextWindow)
	}
	if cfg.Providers.Default != "anthropic" {
		t.Errorf("Providers.Default = %q", cfg.Providers.Default)
	}
	if cfg.Sessions.Sweep.Retention != 30*24*time.Hour {
		t.Errorf("Sweep.Retention = %v", cfg.Sessions.Sweep.Retention)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "conductor.yaml", `
version: 1
engine:
  model: claude-sonnet-4-20250514
  max_tokens: 2048
providers:
  default: openai
  settings:
    openai:
      api_key: sk-test
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.Model != "claude-sonnet-4-20250514" {
		t.Errorf("Model = %q", cfg.Engine.Model)
	}
	if cfg.Engine.MaxTokens != 2048 {
		t.Errorf("MaxTokens = %d", cfg.Engine.MaxTokens)
	}
	if cfg.Providers.Settings["openai"]["api_key"] != "sk-test" {
		t.Errorf("provider settings = %v", cfg.Providers.Settings)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q", cfg.Logging.Level)
	}
	// Unset sections fall back to defaults.
	if cfg.Engine.MaxToolRounds != 12 {
		t.Errorf("MaxToolRounds = %d, want default 12", cfg.Engine.MaxToolRounds)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "conductor.json5", `{
    // comments are allowed
    version: 1,
    engine: {model: "gpt-4o"},
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.Model != "gpt-4o" {
		t.Errorf("Model = %q", cfg.Engine.Model)
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("CONDUCTOR_TEST_KEY", "sk-from-env")
	dir := t.TempDir()
	path := writeFile(t, dir, "conductor.yaml", `
version: 1
providers:
  settings:
    anthropic:
      api_key: ${CONDUCTOR_TEST_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Providers.Settings["anthropic"]["api_key"]; got != "sk-from-env" {
		t.Errorf("api_key = %q, want sk-from-env", got)
	}
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
version: 1
engine:
  model: base-model
  max_tokens: 1000
logging:
  level: warn
`)
	path := writeFile(t, dir, "conductor.yaml", `
$include: base.yaml
engine:
  model: override-model
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	// The including file wins; untouched keys come from the include.
	if cfg.Engine.Model != "override-model" {
		t.Errorf("Model = %q, want override-model", cfg.Engine.Model)
	}
	if cfg.Engine.MaxTokens != 1000 {
		t.Errorf("MaxTokens = %d, want 1000 from include", cfg.Engine.MaxTokens)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, want warn from include", cfg.Logging.Level)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")

	if _, err := LoadRaw(path); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("LoadRaw() error = %v, want include cycle", err)
	}
}

func TestLoadUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "conductor.yaml", `
version: 1
engin:
  model: typo
`)

	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown top-level key")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "unknown permission store",
			mutate:  func(c *Config) { c.Permissions.Store = "redis" },
			wantErr: "permissions.store",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Permissions.Store = "postgres" },
			wantErr: "permissions.dsn",
		},
		{
			name:    "unknown session store",
			mutate:  func(c *Config) { c.Sessions.Store = "s3" },
			wantErr: "sessions.store",
		},
		{
			name:    "relay without secret",
			mutate:  func(c *Config) { c.Relay.Enabled = true },
			wantErr: "relay.jwt_secret",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "logging.level",
		},
		{
			name:    "bad mcp server",
			mutate:  func(c *Config) { c.MCP.Servers = append(c.MCP.Servers, mcp.ServerConfig{Command: "cmd"}) },
			wantErr: "mcp:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	for _, want := range []string{"engine", "providers", "sessions", "relay"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("schema missing %q section", want)
		}
	}
}
