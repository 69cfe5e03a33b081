package providers

import (
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conductor/internal/agent"
)

// OllamaConfig holds configuration for a local Ollama server, reached via
// its OpenAI-compatible endpoint. No API key is needed; the client sends a
// placeholder token because the protocol requires a bearer header.
type OllamaConfig struct {
	// BaseURL is the Ollama server address (default: http://localhost:11434).
	BaseURL string

	// DefaultModel is used when the request doesn't specify one
	// (default: llama3.2).
	DefaultModel string

	// MaxRetries for transient failures before first output (default: 3).
	MaxRetries int
}

// NewOllamaProvider creates a provider for a local Ollama server.
func NewOllamaProvider(cfg OllamaConfig) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "llama3.2"
	}

	clientCfg := openai.DefaultConfig("ollama")
	clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/") + "/v1"

	// Installed models vary per host; the catalog lists common pulls.
	catalog := []agent.Model{
		{ID: "llama3.2", Name: "Llama 3.2", ContextSize: 128000, SupportsVision: false},
		{ID: "llama3.1", Name: "Llama 3.1", ContextSize: 128000, SupportsVision: false},
		{ID: "mistral", Name: "Mistral 7B", ContextSize: 32768, SupportsVision: false},
		{ID: "qwen2.5", Name: "Qwen 2.5", ContextSize: 32768, SupportsVision: false},
	}

	return newCompatProvider(clientCfg, "ollama", cfg.DefaultModel, cfg.MaxRetries, catalog)
}
