package providers

import (
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conductor/internal/agent"
)

// openRouterBaseURL is the OpenAI-compatible endpoint OpenRouter exposes.
const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterConfig holds configuration for the OpenRouter backend, which
// fronts 200+ models from multiple vendors behind the Chat Completions
// protocol. Model IDs use the "vendor/model" form.
type OpenRouterConfig struct {
	// APIKey is the OpenRouter API key (required).
	APIKey string

	// DefaultModel is used when the request doesn't specify one
	// (default: openai/gpt-4o).
	DefaultModel string

	// MaxRetries for transient failures before first output (default: 3).
	MaxRetries int
}

// NewOpenRouterProvider creates a provider routed through OpenRouter.
//
// Example:
//
//	provider, err := NewOpenRouterProvider(OpenRouterConfig{
//	    APIKey:       os.Getenv("OPENROUTER_API_KEY"),
//	    DefaultModel: "anthropic/claude-3-opus",
//	})
func NewOpenRouterProvider(cfg OpenRouterConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openrouter: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "openai/gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = openRouterBaseURL

	// OpenRouter fronts far more models than this; the catalog lists
	// commonly used ones.
	catalog := []agent.Model{
		{ID: "openai/gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
		{ID: "anthropic/claude-3-opus", Name: "Claude 3 Opus", ContextSize: 200000, SupportsVision: true},
		{ID: "anthropic/claude-3-haiku", Name: "Claude 3 Haiku", ContextSize: 200000, SupportsVision: true},
		{ID: "google/gemini-pro", Name: "Gemini Pro", ContextSize: 32000, SupportsVision: false},
		{ID: "meta-llama/llama-3-70b-instruct", Name: "Llama 3 70B", ContextSize: 8192, SupportsVision: false},
		{ID: "mistralai/mixtral-8x7b-instruct", Name: "Mixtral 8x7B", ContextSize: 32768, SupportsVision: false},
	}

	return newCompatProvider(clientCfg, "openrouter", cfg.DefaultModel, cfg.MaxRetries, catalog), nil
}
