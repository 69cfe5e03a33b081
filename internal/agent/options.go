package agent

import (
	"log/slog"

	"github.com/haasonsaas/conductor/internal/conversation"
	"github.com/haasonsaas/conductor/internal/permission"
)

// TurnConfig configures turn execution: model parameters, round limits,
// context budgeting, permissions, and event delivery.
type TurnConfig struct {
	// Model selects the provider model. Empty uses the provider default.
	Model string

	// SystemPrompt is prepended to every model call.
	SystemPrompt string

	// MaxTokens caps the model response length.
	// Default: 4096
	MaxTokens int

	// Temperature adjusts sampling. Zero leaves the provider default.
	Temperature float32

	// MaxToolRounds limits tool-use round-trips per turn.
	// Default: 12
	MaxToolRounds int

	// ContextWindow is the model context size used for window selection.
	// Default: 200000
	ContextWindow int

	// Estimator counts tokens for window selection. Nil uses
	// conversation.CharacterEstimator.
	Estimator conversation.Estimator

	// ExecutorConfig configures the parallel tool executor.
	ExecutorConfig *ExecutorConfig

	// Authorizer checks tool calls against the grant store.
	// Nil executes every call without permission checks.
	Authorizer *permission.Authorizer

	// Resolver carries pending approvals to an approver. When the
	// authorizer requires approval and no resolver is set, the call is
	// denied.
	Resolver *permission.Resolver

	// Sink receives agent events. Nil discards them.
	Sink EventSink

	// EnableThinking requests extended thinking from providers that
	// support it.
	EnableThinking bool

	// ThinkingBudgetTokens caps thinking output when enabled.
	ThinkingBudgetTokens int

	// Logger receives turn diagnostics.
	Logger *slog.Logger
}

// DefaultTurnConfig returns the baseline turn configuration.
func DefaultTurnConfig() *TurnConfig {
	return &TurnConfig{
		MaxTokens:     4096,
		MaxToolRounds: 12,
		ContextWindow: 200000,
		Logger:        slog.Default(),
	}
}

func sanitizeTurnConfig(config *TurnConfig) *TurnConfig {
	if config == nil {
		return DefaultTurnConfig()
	}
	cfg := *config
	defaults := DefaultTurnConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaults.MaxToolRounds
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = defaults.ContextWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}
	return &cfg
}
