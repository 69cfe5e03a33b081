package tools

import (
	"time"

	"github.com/haasonsaas/conductor/internal/agent"
)

// Config controls which built-in tools are registered and how.
type Config struct {
	// ReadRoot confines read_file. Empty disables the tool.
	ReadRoot      string
	FetchMaxBytes int64
	FetchTimeout  time.Duration
}

// RegisterBuiltins adds the built-in tools to the registry. read_file is
// only registered when a read root is configured.
func RegisterBuiltins(registry *agent.ToolRegistry, cfg Config) {
	registry.Register(NewClockTool())
	registry.Register(NewCalcTool())
	registry.Register(NewFetchTool(FetchConfig{MaxBytes: cfg.FetchMaxBytes, Timeout: cfg.FetchTimeout}))
	if cfg.ReadRoot != "" {
		registry.Register(NewReadFileTool(cfg.ReadRoot))
	}
}
