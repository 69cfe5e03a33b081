package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/conductor/internal/agent"
)

// Factory constructs a provider from its resolved settings. Settings carry
// whatever the backend needs (api_key, region, base_url); unknown keys are
// ignored by convention.
type Factory func(settings map[string]string) (agent.LLMProvider, error)

// Registry maps provider names to factories. The CLI registers the built-in
// backends at startup and resolves the configured one by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Registering a duplicate name is an
// error so a misconfigured build fails loudly instead of shadowing a backend.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	if factory == nil {
		return fmt.Errorf("provider factory for %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Get returns the factory registered under name.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	return factory, ok
}

// Build resolves name and constructs the provider in one step.
func (r *Registry) Build(name string, settings map[string]string) (agent.LLMProvider, error) {
	factory, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (registered: %v)", name, r.Names())
	}
	return factory(settings)
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry with all built-in backends registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	// Registration of built-ins cannot collide.
	_ = r.Register("anthropic", func(settings map[string]string) (agent.LLMProvider, error) {
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       settings["api_key"],
			BaseURL:      settings["base_url"],
			DefaultModel: settings["model"],
		})
	})
	_ = r.Register("bedrock", func(settings map[string]string) (agent.LLMProvider, error) {
		return NewBedrockProvider(BedrockConfig{
			Region:          settings["region"],
			AccessKeyID:     settings["access_key_id"],
			SecretAccessKey: settings["secret_access_key"],
			SessionToken:    settings["session_token"],
			DefaultModel:    settings["model"],
		})
	})
	_ = r.Register("openai", func(settings map[string]string) (agent.LLMProvider, error) {
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:       settings["api_key"],
			BaseURL:      settings["base_url"],
			DefaultModel: settings["model"],
		})
	})
	_ = r.Register("gemini", func(settings map[string]string) (agent.LLMProvider, error) {
		return NewGeminiProvider(GeminiConfig{
			APIKey:       settings["api_key"],
			DefaultModel: settings["model"],
		})
	})
	_ = r.Register("azure", func(settings map[string]string) (agent.LLMProvider, error) {
		return NewAzureOpenAIProvider(AzureOpenAIConfig{
			Endpoint:     settings["endpoint"],
			APIKey:       settings["api_key"],
			APIVersion:   settings["api_version"],
			DefaultModel: settings["model"],
		})
	})
	_ = r.Register("openrouter", func(settings map[string]string) (agent.LLMProvider, error) {
		return NewOpenRouterProvider(OpenRouterConfig{
			APIKey:       settings["api_key"],
			DefaultModel: settings["model"],
		})
	})
	_ = r.Register("ollama", func(settings map[string]string) (agent.LLMProvider, error) {
		return NewOllamaProvider(OllamaConfig{
			BaseURL:      settings["base_url"],
			DefaultModel: settings["model"],
		}), nil
	})

	return r
}
