package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/agent/toolconv"
	"github.com/haasonsaas/conductor/internal/backoff"
	"github.com/haasonsaas/conductor/pkg/models"
)

// OpenAIProvider implements agent.LLMProvider for the OpenAI Chat
// Completions API and any compatible endpoint reachable via BaseURL.
// The Azure OpenAI, OpenRouter, and Ollama backends reuse this
// implementation with their own client configuration and provider name.
//
// The API streams bare text deltas with no block boundaries and delivers
// tool calls as fragments keyed by index, so the pump accumulates tool
// call fragments and synthesizes the block protocol with a blockWriter:
// text deltas flow through live, completed tool calls are flushed as
// whole blocks when the stream ends.
//
// Thread Safety:
// OpenAIProvider is safe for concurrent use across multiple goroutines.
type OpenAIProvider struct {
	client       *openai.Client
	name         string
	defaultModel string
	maxRetries   int
	policy       backoff.BackoffPolicy
	models       []agent.Model
}

// OpenAIConfig holds configuration for the OpenAI provider.
type OpenAIConfig struct {
	// APIKey is the OpenAI API authentication key (required).
	APIKey string

	// BaseURL overrides the API endpoint, which makes the provider work
	// against OpenAI-compatible servers. Leave empty for api.openai.com.
	BaseURL string

	// DefaultModel is used when the request doesn't specify one
	// (default: gpt-4o).
	DefaultModel string

	// MaxRetries for transient failures before first output (default: 3).
	MaxRetries int
}

// NewOpenAIProvider creates an OpenAI provider with the given configuration.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return newCompatProvider(clientCfg, "openai", cfg.DefaultModel, cfg.MaxRetries, openAIModels()), nil
}

// newCompatProvider builds a provider over any Chat Completions compatible
// endpoint. The shared pump and conversion logic lives here; the named
// constructors differ only in client configuration and model catalog.
func newCompatProvider(clientCfg openai.ClientConfig, name, defaultModel string, maxRetries int, catalog []agent.Model) *OpenAIProvider {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		name:         name,
		defaultModel: defaultModel,
		maxRetries:   maxRetries,
		policy:       backoff.DefaultPolicy(),
		models:       catalog,
	}
}

func openAIModels() []agent.Model {
	return []agent.Model{
		{
			ID:             "gpt-4o",
			Name:           "GPT-4o",
			ContextSize:    128000,
			SupportsVision: true,
		},
		{
			ID:             "gpt-4o-mini",
			Name:           "GPT-4o mini",
			ContextSize:    128000,
			SupportsVision: true,
		},
		{
			ID:             "gpt-4-turbo",
			Name:           "GPT-4 Turbo",
			ContextSize:    128000,
			SupportsVision: true,
		},
		{
			ID:             "gpt-3.5-turbo",
			Name:           "GPT-3.5 Turbo",
			ContextSize:    16385,
			SupportsVision: false,
		},
	}
}

// Name returns the provider identifier used for routing and logging.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Models returns the models this backend advertises.
func (p *OpenAIProvider) Models() []agent.Model {
	return p.models
}

// SupportsTools indicates whether this provider supports tool/function calling.
func (p *OpenAIProvider) SupportsTools() bool {
	return true
}

// Complete sends a completion request and returns a streaming response channel.
//
// Conversion failures are returned synchronously; transport errors, retries,
// and stream processing surface on the channel. Transient failures are
// retried with backoff only while no chunk has been delivered.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	chatReq := p.buildRequest(req, model)

	chunks := make(chan *agent.CompletionChunk)

	go func() {
		defer close(chunks)

		send := func(chunk *agent.CompletionChunk) bool {
			select {
			case chunks <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		attempt := func() (bool, error) {
			stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
			if err != nil {
				return false, p.wrapError(err, model)
			}
			defer stream.Close()
			return p.pump(ctx, stream, send, model)
		}

		if err := runWithRetry(ctx, p.policy, p.maxRetries, attempt); err != nil {
			send(&agent.CompletionChunk{Err: err})
		}
	}()

	return chunks, nil
}

// partialToolCall accumulates the fragments of one streamed tool call.
// The API sends the ID and name in the first fragment and the argument
// JSON split across the rest, all keyed by index.
type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

// pump consumes the chat completion stream and re-emits it as chunks.
// Text flows through the writer as it arrives; tool calls are flushed
// in index order once the stream reports its finish reason, since their
// argument JSON is only complete then.
func (p *OpenAIProvider) pump(ctx context.Context, stream *openai.ChatCompletionStream, send func(*agent.CompletionChunk) bool, model string) (bool, error) {
	delivered := false
	writer := newBlockWriter(func(chunk *agent.CompletionChunk) bool {
		if !send(chunk) {
			return false
		}
		delivered = true
		return true
	})

	toolCalls := make(map[int]*partialToolCall)
	stopReason := agent.StopUnknown
	var usage *models.TokenUsage

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			return delivered, p.wrapError(err, model)
		}

		// With IncludeUsage set, the final frame has no choices and
		// carries the aggregate token counts.
		if response.Usage != nil {
			usage = &models.TokenUsage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if !writer.text(choice.Delta.Content) {
				return delivered, ctx.Err()
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			partial := toolCalls[index]
			if partial == nil {
				partial = &partialToolCall{}
				toolCalls[index] = partial
			}
			if tc.ID != "" {
				partial.id = tc.ID
			}
			if tc.Function.Name != "" {
				partial.name = tc.Function.Name
			}
			partial.args.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason != "" {
			stopReason = mapOpenAIStop(choice.FinishReason)
		}
	}

	indices := make([]int, 0, len(toolCalls))
	for index := range toolCalls {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	for _, index := range indices {
		partial := toolCalls[index]
		if partial.id == "" || partial.name == "" {
			continue
		}
		input := partial.args.String()
		if input == "" {
			input = "{}"
		}
		if !writer.toolCall(partial.id, partial.name, []byte(input)) {
			return delivered, ctx.Err()
		}
	}

	if !writer.done(stopReason, usage, nil) {
		return delivered, ctx.Err()
	}
	return delivered, nil
}

// buildRequest converts the internal request into a streaming chat request.
func (p *OpenAIProvider) buildRequest(req *agent.CompletionRequest, model string) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toolconv.ToOpenAITools(req.Tools)
	}
	return chatReq
}

// convertOpenAIMessages converts conversation history to the chat format.
// The system prompt becomes the first message; tool results each become a
// separate message with role "tool" linked by tool call ID.
func convertOpenAIMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			// Carried in the system prompt above.
			continue

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, oaiMsg)

		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	return result
}

// mapOpenAIStop translates the API's finish_reason into the internal enum.
func mapOpenAIStop(reason openai.FinishReason) agent.StopReason {
	switch reason {
	case openai.FinishReasonStop:
		return agent.StopEndTurn
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return agent.StopToolUse
	case openai.FinishReasonLength:
		return agent.StopMaxTokens
	case openai.FinishReasonContentFilter:
		return agent.StopContentFiltered
	default:
		return agent.StopUnknown
	}
}

// wrapError converts SDK errors into classified ProviderErrors.
func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError(p.name, model, err).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError(p.name, model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return NewProviderError(p.name, model, fmt.Errorf("request failed: %w", err))
}
