package providers

import (
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conductor/internal/agent"
)

// AzureOpenAIConfig holds configuration for the Azure OpenAI backend.
//
// Azure OpenAI speaks the Chat Completions protocol with a different URL
// structure and authentication, so the backend shares the OpenAI provider
// implementation and differs only in client configuration.
type AzureOpenAIConfig struct {
	// Endpoint is the Azure OpenAI resource endpoint (required).
	// Format: https://{resource-name}.openai.azure.com
	Endpoint string

	// APIKey is the Azure OpenAI API key (required).
	APIKey string

	// APIVersion is the API version to use (default: 2024-02-15-preview).
	APIVersion string

	// DefaultModel is the deployment name used when the request doesn't
	// specify one. Azure routes by deployment name, not model ID.
	DefaultModel string

	// MaxRetries for transient failures before first output (default: 3).
	MaxRetries int
}

// NewAzureOpenAIProvider creates a provider for Azure OpenAI Service.
//
// Example:
//
//	provider, err := NewAzureOpenAIProvider(AzureOpenAIConfig{
//	    Endpoint:     "https://my-resource.openai.azure.com",
//	    APIKey:       os.Getenv("AZURE_OPENAI_API_KEY"),
//	    DefaultModel: "gpt-4o-deployment",
//	})
func NewAzureOpenAIProvider(cfg AzureOpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("azure: endpoint is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("azure: API key is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-02-15-preview"
	}

	clientCfg := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	clientCfg.APIVersion = cfg.APIVersion

	// Deployments are custom-named; the catalog lists common patterns.
	catalog := []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o (Azure)", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo (Azure)", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-35-turbo", Name: "GPT-3.5 Turbo (Azure)", ContextSize: 16385, SupportsVision: false},
	}

	return newCompatProvider(clientCfg, "azure", cfg.DefaultModel, cfg.MaxRetries, catalog), nil
}
