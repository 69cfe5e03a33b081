package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"
	"sync/atomic"

	"google.golang.org/genai"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/agent/toolconv"
	"github.com/haasonsaas/conductor/internal/backoff"
	"github.com/haasonsaas/conductor/pkg/models"
)

// GeminiProvider implements agent.LLMProvider for Google's Gemini API via
// the Gen AI SDK. The stream is a Go iterator of whole responses: text
// arrives in fragments but function calls arrive complete, so the pump
// synthesizes the block protocol with a blockWriter and emits each call as
// a single tool_use block. The API provides no tool call IDs; the provider
// generates them.
//
// Thread Safety:
// GeminiProvider is safe for concurrent use across multiple goroutines.
type GeminiProvider struct {
	client       *genai.Client
	defaultModel string
	maxRetries   int
	policy       backoff.BackoffPolicy
	callSeq      atomic.Uint64
}

// GeminiConfig holds configuration for the Gemini provider.
type GeminiConfig struct {
	// APIKey is the Google AI API authentication key (required).
	// Obtain from: https://aistudio.google.com/apikey
	APIKey string

	// DefaultModel is used when the request doesn't specify one
	// (default: gemini-2.0-flash).
	DefaultModel string

	// MaxRetries for transient failures before first output (default: 3).
	MaxRetries int
}

// NewGeminiProvider creates a Gemini provider with the given configuration.
func NewGeminiProvider(cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	return &GeminiProvider{
		client:       client,
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		policy:       backoff.DefaultPolicy(),
	}, nil
}

// Name returns the provider identifier used for routing and logging.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Models returns the list of available Gemini models with their capabilities.
func (p *GeminiProvider) Models() []agent.Model {
	return []agent.Model{
		{
			ID:             "gemini-2.0-flash",
			Name:           "Gemini 2.0 Flash",
			ContextSize:    1000000,
			SupportsVision: true,
		},
		{
			ID:             "gemini-2.0-flash-lite",
			Name:           "Gemini 2.0 Flash Lite",
			ContextSize:    1000000,
			SupportsVision: true,
		},
		{
			ID:             "gemini-1.5-pro",
			Name:           "Gemini 1.5 Pro",
			ContextSize:    2000000,
			SupportsVision: true,
		},
		{
			ID:             "gemini-1.5-flash",
			Name:           "Gemini 1.5 Flash",
			ContextSize:    1000000,
			SupportsVision: true,
		},
	}
}

// SupportsTools indicates whether this provider supports tool/function calling.
func (p *GeminiProvider) SupportsTools() bool {
	return true
}

// Complete sends a completion request and returns a streaming response channel.
//
// Conversion failures are returned synchronously; transport errors, retries,
// and stream processing surface on the channel. Transient failures are
// retried with backoff only while no chunk has been delivered.
func (p *GeminiProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	contents, err := convertGeminiMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to convert messages: %w", err)
	}
	config := p.buildConfig(req)

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
			streamIter := p.client.Models.GenerateContentStream(ctx, model, contents, config)
			return p.pump(ctx, streamIter, send, model)
		}

		if err := runWithRetry(ctx, p.policy, p.maxRetries, attempt); err != nil {
			send(&agent.CompletionChunk{Err: err})
		}
	}()

	return chunks, nil
}

// pump consumes the response iterator and re-emits it as chunks. Usage and
// finish reason ride the responses themselves; the last observed values win
// because the SDK repeats aggregates on every frame.
func (p *GeminiProvider) pump(ctx context.Context, streamIter iter.Seq2[*genai.GenerateContentResponse, error], send func(*agent.CompletionChunk) bool, model string) (bool, error) {
	delivered := false
	writer := newBlockWriter(func(chunk *agent.CompletionChunk) bool {
		if !send(chunk) {
			return false
		}
		delivered = true
		return true
	})

	stopReason := agent.StopEndTurn
	sawToolCall := false
	var usage *models.TokenUsage

	for resp, err := range streamIter {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if err != nil {
			return delivered, p.wrapError(err, model)
		}
		if resp == nil {
			continue
		}

		if resp.UsageMetadata != nil {
			usage = &models.TokenUsage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil {
				continue
			}
			if candidate.FinishReason != "" {
				stopReason = mapGeminiStop(candidate.FinishReason)
			}
			if candidate.Content == nil {
				continue
			}

			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}

				if part.Text != "" {
					emit := writer.text
					if part.Thought {
						emit = writer.thinking
					}
					if !emit(part.Text) {
						return delivered, ctx.Err()
					}
				}

				if part.FunctionCall != nil {
					argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						argsJSON = []byte("{}")
					}
					sawToolCall = true
					if !writer.toolCall(p.nextCallID(part.FunctionCall.Name), part.FunctionCall.Name, argsJSON) {
						return delivered, ctx.Err()
					}
				}
			}
		}
	}

	// The API reports STOP even when the model requested function calls.
	if sawToolCall && stopReason == agent.StopEndTurn {
		stopReason = agent.StopToolUse
	}

	if !writer.done(stopReason, usage, nil) {
		return delivered, ctx.Err()
	}
	return delivered, nil
}

// buildConfig builds the generation config from the internal request.
func (p *GeminiProvider) buildConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{
				{Text: req.System},
			},
		}
	}

	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}

	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(req.Temperature)
	}

	if len(req.Tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(req.Tools)
	}

	return config
}

// convertGeminiMessages converts conversation history to Gemini contents.
// Assistant tool calls become function call parts; tool results become
// function response parts on the user side, with the function name recovered
// from the originating call.
func convertGeminiMessages(messages []models.Message) ([]*genai.Content, error) {
	callNames := make(map[string]string)
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			callNames[tc.ID] = tc.Name
		}
	}

	var result []*genai.Content

	for _, msg := range messages {
		// System prompts are carried via SystemInstruction in the config.
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{
				Text: msg.Content,
			})
		}

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &args); err != nil {
					return nil, fmt.Errorf("tool call %s has invalid input: %w", tc.ID, err)
				}
			}
			if args == nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					Name: tc.Name,
					Args: args,
				},
			})
		}

		for _, tr := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{
					"result": tr.Content,
					"error":  tr.IsError,
				}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     callNames[tr.ToolCallID],
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result, nil
}

// mapGeminiStop translates the candidate finish reason into the internal enum.
func mapGeminiStop(reason genai.FinishReason) agent.StopReason {
	switch reason {
	case genai.FinishReasonStop:
		return agent.StopEndTurn
	case genai.FinishReasonMaxTokens:
		return agent.StopMaxTokens
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
		return agent.StopContentFiltered
	default:
		return agent.StopUnknown
	}
}

// nextCallID generates an ID for a function call, since the API doesn't
// provide one. IDs only need to be unique within a conversation.
func (p *GeminiProvider) nextCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, p.callSeq.Add(1))
}

// wrapError converts SDK errors into classified ProviderErrors. The SDK
// surfaces API failures as generic errors, so the status is recovered from
// the error text.
func (p *GeminiProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	providerErr := NewProviderError("gemini", model, err)

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "401"), strings.Contains(errMsg, "unauthenticated"):
		providerErr = providerErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(errMsg, "403"), strings.Contains(errMsg, "permission denied"):
		providerErr = providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(errMsg, "404"), strings.Contains(errMsg, "not found"):
		providerErr = providerErr.WithStatus(http.StatusNotFound)
	case strings.Contains(errMsg, "429"), strings.Contains(errMsg, "resource exhausted"):
		providerErr = providerErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(errMsg, "500"), strings.Contains(errMsg, "internal"):
		providerErr = providerErr.WithStatus(http.StatusInternalServerError)
	case strings.Contains(errMsg, "503"), strings.Contains(errMsg, "unavailable"):
		providerErr = providerErr.WithStatus(http.StatusServiceUnavailable)
	}

	return providerErr
}
