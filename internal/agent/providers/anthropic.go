// Package providers implements LLM provider integrations for the Conductor agent engine.
//
// This package provides production-ready implementations of the agent.LLMProvider interface
// for Anthropic Claude, AWS Bedrock, OpenAI-compatible endpoints, and Google Gemini. Each
// provider handles the complexities of its vendor API — streaming, retries, tool conversion,
// error classification — and normalizes the output to the block-addressed chunk protocol
// the stream accumulator expects.
//
// Key Features:
//   - Streaming responses normalized to ordered content blocks
//   - Automatic retry with exponential backoff and jitter, before first output only
//   - Tool/function calling support for agentic workflows
//   - Rate-limit observation from response headers (never fed into retry decisions)
//   - Structured error classification shared across backends
//
// Example Usage:
//
//	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
//	    APIKey:       os.Getenv("ANTHROPIC_API_KEY"),
//	    DefaultModel: "claude-sonnet-4-20250514",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	chunks, err := provider.Complete(ctx, &agent.CompletionRequest{
//	    System:    "You are a helpful assistant.",
//	    Messages:  []models.Message{{Role: models.RoleUser, Content: "Hello!"}},
//	    MaxTokens: 1024,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for chunk := range chunks {
//	    if chunk.Err != nil {
//	        log.Printf("stream error: %v", chunk.Err)
//	        break
//	    }
//	    if chunk.Kind == agent.ChunkTextDelta {
//	        fmt.Print(chunk.Delta)
//	    }
//	}
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/agent/toolconv"
	"github.com/haasonsaas/conductor/internal/backoff"
	"github.com/haasonsaas/conductor/pkg/models"
)

// maxEmptyStreamEvents is the maximum number of consecutive empty events before
// treating the stream as malformed. This protects against streams that flood with
// empty events, which could otherwise cause excessive CPU usage and memory pressure.
// Based on patterns from sashabaranov/go-openai stream_reader implementation.
const maxEmptyStreamEvents = 300

const (
	// minThinkingBudget is the smallest extended-thinking budget the API accepts.
	minThinkingBudget = 1024

	// defaultThinkingBudget is applied when thinking is enabled without a budget.
	defaultThinkingBudget = 10000
)

// AnthropicProvider implements agent.LLMProvider for Anthropic's Messages API.
//
// Streaming responses pass the API's own content block indices straight
// through to chunks, since Anthropic's SSE protocol is already block
// addressed. Rate-limit headers observed on responses are captured by a
// client middleware and attached to the final chunk of each stream.
//
// Thread Safety:
// AnthropicProvider is safe for concurrent use across multiple goroutines.
type AnthropicProvider struct {
	// client is the underlying Anthropic SDK client used for API calls.
	client anthropic.Client

	// maxRetries is the retry budget for transient failures before any
	// output has been delivered. Total tries = maxRetries+1.
	maxRetries int

	// policy shapes the backoff between retries.
	policy backoff.BackoffPolicy

	// defaultModel is used when CompletionRequest.Model is empty.
	defaultModel string

	// nonStreaming switches Complete to the synchronous Messages API,
	// synthesizing the chunk sequence from the full response body.
	nonStreaming bool

	mu        sync.Mutex
	rateLimit *agent.RateLimit
}

// AnthropicConfig holds configuration parameters for creating an AnthropicProvider.
//
// All fields except APIKey are optional and default to sensible values.
type AnthropicConfig struct {
	// APIKey is the Anthropic API authentication key (required).
	// Obtain from: https://console.anthropic.com/
	APIKey string

	// BaseURL overrides the default Anthropic API base URL.
	// Example: "https://api.anthropic.com/"
	BaseURL string

	// MaxRetries sets the retry budget for transient failures (optional).
	// Default: 3. Retries happen only before the first chunk is delivered.
	MaxRetries int

	// DefaultModel sets the model used when the request doesn't specify one.
	// Default: "claude-sonnet-4-20250514"
	DefaultModel string

	// DisableStreaming switches to the synchronous Messages API. The chunk
	// sequence is synthesized from the response body, so consumers observe
	// the same protocol either way.
	DisableStreaming bool
}

// NewAnthropicProvider creates an Anthropic provider with the given configuration.
//
// The constructor validates the configuration, applies defaults, and installs
// a client middleware that records rate-limit headers from every response.
//
// Errors:
//   - "anthropic: API key is required": When config.APIKey is empty.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}

	if config.MaxRetries <= 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	p := &AnthropicProvider{
		maxRetries:   config.MaxRetries,
		policy:       backoff.DefaultPolicy(),
		defaultModel: config.DefaultModel,
		nonStreaming: config.DisableStreaming,
	}

	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMiddleware(p.captureRateLimit),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	p.client = anthropic.NewClient(options...)

	return p, nil
}

// Name returns the provider identifier used for routing and logging.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Models returns the list of available Claude models with their capabilities.
func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{
			ID:             "claude-sonnet-4-20250514",
			Name:           "Claude Sonnet 4",
			ContextSize:    200000,
			SupportsVision: true,
		},
		{
			ID:             "claude-opus-4-20250514",
			Name:           "Claude Opus 4",
			ContextSize:    200000,
			SupportsVision: true,
		},
		{
			ID:             "claude-3-5-sonnet-20241022",
			Name:           "Claude 3.5 Sonnet",
			ContextSize:    200000,
			SupportsVision: true,
		},
		{
			ID:             "claude-3-5-haiku-20241022",
			Name:           "Claude 3.5 Haiku",
			ContextSize:    200000,
			SupportsVision: true,
		},
		{
			ID:             "claude-3-opus-20240229",
			Name:           "Claude 3 Opus",
			ContextSize:    200000,
			SupportsVision: true,
		},
		{
			ID:             "claude-3-haiku-20240307",
			Name:           "Claude 3 Haiku",
			ContextSize:    200000,
			SupportsVision: true,
		},
	}
}

// SupportsTools indicates whether this provider supports tool/function calling.
// All current Claude models support tool use.
func (p *AnthropicProvider) SupportsTools() bool {
	return true
}

// Complete sends a completion request to Claude and returns a streaming response channel.
//
// Request conversion failures are returned synchronously. Everything after
// that — transport errors, retries, stream processing — surfaces on the
// channel, either as content chunks ending in a done chunk or as a single
// chunk with Err set. The channel is always closed when the call finishes.
//
// Retry Behavior:
// Transient failures (rate limit, 5xx, network, timeout) are retried with
// exponential backoff and jitter, but only while no chunk has been delivered.
// Once output flows, a mid-stream failure surfaces as the stream error;
// partial responses are never silently restarted.
//
// Chunk Protocol:
//   - block_start opens content block N (text, thinking, or tool_use)
//   - text_delta / thinking_delta / input_json_delta append to block N
//   - block_stop closes block N
//   - done carries the stop reason, token usage, and rate-limit snapshot
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.getModel(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

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
			if p.nonStreaming {
				return p.completeOnce(ctx, params, send, model)
			}
			stream := p.client.Messages.NewStreaming(ctx, params)
			return p.pump(ctx, stream, send, model)
		}

		if err := runWithRetry(ctx, p.policy, p.maxRetries, attempt); err != nil {
			send(&agent.CompletionChunk{Err: err})
		}
	}()

	return chunks, nil
}

// pump consumes the SSE stream and re-emits it as chunks. It reports whether
// any chunk reached the consumer, which gates the caller's retry decision.
//
// Anthropic's events are already block addressed, so indices pass through
// unchanged: content_block_start at index i becomes a block_start chunk at
// index i, and so on. Usage arrives split across message_start (input) and
// message_delta (output); the stop reason rides message_delta.
func (p *AnthropicProvider) pump(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], send func(*agent.CompletionChunk) bool, model string) (bool, error) {
	delivered := false
	emit := func(chunk *agent.CompletionChunk) bool {
		if !send(chunk) {
			return false
		}
		delivered = true
		return true
	}

	var usage models.TokenUsage
	stopReason := agent.StopUnknown
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			start := event.AsContentBlockStart()
			chunk := &agent.CompletionChunk{
				Kind:      agent.ChunkBlockStart,
				Index:     int(start.Index),
				BlockType: agent.BlockText,
			}
			switch start.ContentBlock.Type {
			case "thinking":
				chunk.BlockType = agent.BlockThinking
			case "tool_use":
				toolUse := start.ContentBlock.AsToolUse()
				chunk.BlockType = agent.BlockToolUse
				chunk.ToolID = toolUse.ID
				chunk.ToolName = toolUse.Name
			}
			if !emit(chunk) {
				return delivered, ctx.Err()
			}
			processed = true

		case "content_block_delta":
			deltaEvent := event.AsContentBlockDelta()
			index := int(deltaEvent.Index)

			switch deltaEvent.Delta.Type {
			case "text_delta":
				if deltaEvent.Delta.Text != "" {
					if !emit(&agent.CompletionChunk{
						Kind:  agent.ChunkTextDelta,
						Index: index,
						Delta: deltaEvent.Delta.Text,
					}) {
						return delivered, ctx.Err()
					}
					processed = true
				}

			case "thinking_delta":
				if deltaEvent.Delta.Thinking != "" {
					if !emit(&agent.CompletionChunk{
						Kind:  agent.ChunkThinkingDelta,
						Index: index,
						Delta: deltaEvent.Delta.Thinking,
					}) {
						return delivered, ctx.Err()
					}
					processed = true
				}

			case "input_json_delta":
				if deltaEvent.Delta.PartialJSON != "" {
					if !emit(&agent.CompletionChunk{
						Kind:  agent.ChunkInputJSONDelta,
						Index: index,
						Delta: deltaEvent.Delta.PartialJSON,
					}) {
						return delivered, ctx.Err()
					}
					processed = true
				}

			case "signature_delta":
				// Thinking signature; carried by the API but not surfaced.
				processed = true
			}

		case "content_block_stop":
			stop := event.AsContentBlockStop()
			if !emit(&agent.CompletionChunk{
				Kind:  agent.ChunkBlockStop,
				Index: int(stop.Index),
			}) {
				return delivered, ctx.Err()
			}
			processed = true

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
			}
			if reason := string(messageDelta.Delta.StopReason); reason != "" {
				stopReason = mapAnthropicStop(reason)
			}
			processed = true

		case "message_stop":
			if !emit(&agent.CompletionChunk{
				Kind:       agent.ChunkDone,
				StopReason: stopReason,
				Usage:      &usage,
				RateLimit:  p.lastRateLimit(),
			}) {
				return delivered, ctx.Err()
			}
			return delivered, nil

		case "error":
			return delivered, p.wrapError(errors.New("anthropic stream error"), model)
		}

		// Malformed stream protection: track consecutive empty events.
		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				return delivered, p.wrapError(
					fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEvents),
					model,
				)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return delivered, p.wrapError(err, model)
	}
	return delivered, p.wrapError(errors.New("stream ended before message_stop"), model)
}

// completeOnce is the non-streaming path. It calls the synchronous Messages
// API and replays the response body as the standard chunk sequence, so the
// consumer cannot tell the two modes apart except by delta granularity.
func (p *AnthropicProvider) completeOnce(ctx context.Context, params anthropic.MessageNewParams, send func(*agent.CompletionChunk) bool, model string) (bool, error) {
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return false, p.wrapError(err, model)
	}

	delivered := false
	writer := newBlockWriter(func(chunk *agent.CompletionChunk) bool {
		if !send(chunk) {
			return false
		}
		delivered = true
		return true
	})

	for _, block := range msg.Content {
		ok := true
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			ok = writer.text(b.Text)
		case anthropic.ThinkingBlock:
			ok = writer.thinking(b.Thinking)
		case anthropic.ToolUseBlock:
			ok = writer.toolCall(b.ID, b.Name, json.RawMessage(b.Input))
		}
		if !ok {
			return delivered, ctx.Err()
		}
	}

	usage := models.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	if !writer.done(mapAnthropicStop(string(msg.StopReason)), &usage, p.lastRateLimit()) {
		return delivered, ctx.Err()
	}
	return delivered, nil
}

// buildParams converts the internal request into Anthropic API parameters.
func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}

	// System prompt is separate from messages in the Anthropic API.
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}

	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	if req.EnableThinking {
		budgetTokens := int64(req.ThinkingBudgetTokens)
		if budgetTokens < minThinkingBudget {
			budgetTokens = defaultThinkingBudget
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budgetTokens)
	}

	return params, nil
}

// convertAnthropicMessages converts conversation history to Anthropic's
// message format. Tool results ride user messages; tool calls ride
// assistant messages as tool_use blocks.
func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		// System messages are handled separately in params.System.
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				tr.ToolCallID,
				tr.Content,
				tr.IsError,
			))
		}

		for _, tc := range msg.ToolCalls {
			input := map[string]any{}
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("tool call %s has invalid input: %w", tc.ID, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages in Anthropic.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

// mapAnthropicStop translates the API's stop_reason into the internal enum.
func mapAnthropicStop(reason string) agent.StopReason {
	switch reason {
	case "end_turn":
		return agent.StopEndTurn
	case "tool_use":
		return agent.StopToolUse
	case "max_tokens":
		return agent.StopMaxTokens
	case "stop_sequence":
		return agent.StopSequence
	case "pause_turn":
		return agent.StopPauseTurn
	case "refusal":
		return agent.StopContentFiltered
	default:
		return agent.StopUnknown
	}
}

// captureRateLimit is a client middleware that records rate-limit headers
// from every response. The snapshot is observational only; retry decisions
// never read it.
func (p *AnthropicProvider) captureRateLimit(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	resp, err := next(req)
	if resp != nil {
		if rl := parseAnthropicRateLimit(resp.Header); rl != nil {
			p.mu.Lock()
			p.rateLimit = rl
			p.mu.Unlock()
		}
	}
	return resp, err
}

func (p *AnthropicProvider) lastRateLimit() *agent.RateLimit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rateLimit
}

// parseAnthropicRateLimit reads the anthropic-ratelimit-* response headers.
// Returns nil when the requests-remaining header is absent, so callers see
// a nil RateLimit rather than a zero-valued one.
func parseAnthropicRateLimit(h http.Header) *agent.RateLimit {
	remaining := h.Get("anthropic-ratelimit-requests-remaining")
	if remaining == "" {
		return nil
	}

	rl := &agent.RateLimit{}
	if n, err := strconv.Atoi(remaining); err == nil {
		rl.RemainingRequests = n
	}
	if tokens := h.Get("anthropic-ratelimit-tokens-remaining"); tokens != "" {
		if n, err := strconv.Atoi(tokens); err == nil {
			rl.RemainingTokens = n
		}
	}
	if reset := h.Get("anthropic-ratelimit-requests-reset"); reset != "" {
		if t, err := time.Parse(time.RFC3339, reset); err == nil {
			rl.ResetAt = t
		}
	}
	return rl
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapError converts SDK errors into classified ProviderErrors. API errors
// carry their status and the structured payload; everything else is
// classified from its text.
func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError("anthropic", model, err).WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message != "" {
			providerErr = providerErr.WithMessage(message)
		}
		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError("anthropic", model, err)
}
