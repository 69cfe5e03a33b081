package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of each vendor API (Anthropic, AWS
// Bedrock, OpenAI, Gemini) while presenting a unified streaming interface to
// the turn controller.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple goroutines may
// call Complete() simultaneously for different requests.
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response. The channel
	// is closed when the stream ends; a chunk with Err set terminates it.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for an LLM completion request.
//
// Example:
//
//	req := &CompletionRequest{
//	    Model:     "claude-sonnet-4-20250514",
//	    System:    "You are a helpful coding assistant.",
//	    Messages:  []models.Message{
//	        {Role: models.RoleUser, Content: "Write a hello world in Go"},
//	    },
//	    MaxTokens: 1024,
//	}
type CompletionRequest struct {
	// Model specifies which LLM model to use. If empty, the provider's
	// default model is used.
	Model string `json:"model"`

	// System is the system prompt. Handled separately from messages in most
	// LLM APIs.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools defines available tools the LLM can request to execute.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// MaxTokens limits the maximum length of the generated response.
	// If 0 or negative, the provider's default is used.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature adjusts sampling randomness when > 0.
	Temperature float32 `json:"temperature,omitempty"`

	// EnableThinking enables extended thinking mode for supported models.
	EnableThinking bool `json:"enable_thinking,omitempty"`

	// ThinkingBudgetTokens sets the token budget for extended thinking.
	// Only used when EnableThinking is true.
	ThinkingBudgetTokens int `json:"thinking_budget_tokens,omitempty"`
}

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	// Name is the function name exposed to the model.
	Name string `json:"name"`

	// Description helps the model decide when to call the tool.
	Description string `json:"description"`

	// Schema is the JSON Schema for the tool's input.
	Schema json.RawMessage `json:"schema"`
}

// ChunkKind discriminates the streaming chunk variants.
type ChunkKind string

const (
	// ChunkBlockStart opens a new content block at Index.
	ChunkBlockStart ChunkKind = "block_start"

	// ChunkTextDelta appends text to the open block at Index.
	ChunkTextDelta ChunkKind = "text_delta"

	// ChunkThinkingDelta appends reasoning text to the open block at Index.
	ChunkThinkingDelta ChunkKind = "thinking_delta"

	// ChunkInputJSONDelta appends tool-input JSON to the open block at Index.
	ChunkInputJSONDelta ChunkKind = "input_json_delta"

	// ChunkBlockStop closes the block at Index.
	ChunkBlockStop ChunkKind = "block_stop"

	// ChunkDone terminates the stream with the stop reason and usage.
	ChunkDone ChunkKind = "done"
)

// BlockType identifies what a content block holds.
type BlockType string

const (
	// BlockText is plain response text.
	BlockText BlockType = "text"

	// BlockThinking is extended-thinking text.
	BlockThinking BlockType = "thinking"

	// BlockToolUse is a tool call whose input streams as JSON fragments.
	BlockToolUse BlockType = "tool_use"
)

// CompletionChunk is a single event in a streaming LLM response.
//
// Block-addressed chunks (start, deltas, stop) carry Index, the zero-based
// position of the content block they belong to. The accumulator enforces
// that blocks open in order and that deltas only target the open block;
// providers that cannot guarantee this surface a protocol error downstream.
type CompletionChunk struct {
	// Kind discriminates the variant.
	Kind ChunkKind `json:"kind"`

	// Index addresses the content block for block-scoped kinds.
	Index int `json:"index,omitempty"`

	// BlockType is set on ChunkBlockStart.
	BlockType BlockType `json:"block_type,omitempty"`

	// ToolID and ToolName are set on ChunkBlockStart for tool_use blocks.
	ToolID   string `json:"tool_id,omitempty"`
	ToolName string `json:"tool_name,omitempty"`

	// Delta carries the text fragment for delta kinds.
	Delta string `json:"delta,omitempty"`

	// StopReason is set on ChunkDone.
	StopReason StopReason `json:"stop_reason,omitempty"`

	// Usage is set on ChunkDone.
	Usage *models.TokenUsage `json:"usage,omitempty"`

	// RateLimit carries provider rate-limit headers when available. Purely
	// observational; it never alters engine behavior.
	RateLimit *RateLimit `json:"rate_limit,omitempty"`

	// Err terminates the stream abnormally.
	Err error `json:"-"`
}

// StopReason is why the model stopped generating.
type StopReason string

const (
	// StopEndTurn means the model finished its response.
	StopEndTurn StopReason = "end_turn"

	// StopToolUse means the model is requesting tool execution.
	StopToolUse StopReason = "tool_use"

	// StopMaxTokens means generation hit the output token limit.
	StopMaxTokens StopReason = "max_tokens"

	// StopContentFiltered means the provider filtered the response.
	StopContentFiltered StopReason = "content_filtered"

	// StopSequence means a configured stop sequence matched.
	StopSequence StopReason = "stop_sequence"

	// StopPauseTurn means a long-running turn paused and should continue.
	StopPauseTurn StopReason = "pause_turn"

	// StopUnknown is an unrecognized provider stop reason.
	StopUnknown StopReason = "unknown"
)

// RateLimit is the provider's rate-limit state as reported on a response.
type RateLimit struct {
	// RemainingRequests is how many requests remain in the current window.
	RemainingRequests int `json:"remaining_requests"`

	// RemainingTokens is how many tokens remain in the current window.
	RemainingTokens int `json:"remaining_tokens,omitempty"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at,omitempty"`
}

// CompletionResponse is a fully accumulated model response.
type CompletionResponse struct {
	// Text is the concatenated response text across text blocks.
	Text string `json:"text,omitempty"`

	// Thinking is the concatenated extended-thinking text.
	Thinking string `json:"thinking,omitempty"`

	// ToolCalls are the assembled tool requests in block order.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// StopReason is why generation stopped.
	StopReason StopReason `json:"stop_reason"`

	// Usage is the token accounting for this call.
	Usage models.TokenUsage `json:"usage"`

	// RateLimit is the last rate-limit observation, if any.
	RateLimit *RateLimit `json:"rate_limit,omitempty"`
}

// IsEmpty reports whether the response carries no text, thinking, or calls.
func (r *CompletionResponse) IsEmpty() bool {
	return r.Text == "" && r.Thinking == "" && len(r.ToolCalls) == 0
}

// Model describes an available LLM model and its capabilities.
type Model struct {
	// ID is the API identifier for the model.
	ID string `json:"id"`

	// Name is the human-readable model name.
	Name string `json:"name"`

	// ContextSize is the maximum token context window.
	ContextSize int `json:"context_size"`

	// SupportsVision indicates if the model can process images.
	SupportsVision bool `json:"supports_vision"`
}

// Tool defines the interface for executable agent tools.
//
// Implementing a Tool:
//
//	type Clock struct{}
//
//	func (c *Clock) Name() string { return "clock" }
//
//	func (c *Clock) Description() string {
//	    return "Returns the current time in a given timezone"
//	}
//
//	func (c *Clock) Schema() json.RawMessage {
//	    return json.RawMessage(`{
//	        "type": "object",
//	        "properties": {
//	            "tz": {"type": "string", "description": "IANA timezone name"}
//	        }
//	    }`)
//	}
//
//	func (c *Clock) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
//	    var input struct{ TZ string `json:"tz"` }
//	    json.Unmarshal(params, &input)
//	    return &ToolResult{Content: now(input.TZ)}, nil
//	}
type Tool interface {
	// Name returns the tool name for LLM function calling.
	// Must be a valid function name (alphanumeric, underscores).
	Name() string

	// Description returns a natural language description of what the tool does.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given JSON parameters.
	// Returns the tool output or an error.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output from a tool execution.
//
// Errors are also communicated via ToolResult with IsError=true, allowing
// the model to handle failures gracefully.
type ToolResult struct {
	// Content is the tool's output (text, JSON, etc.)
	Content string `json:"content"`

	// IsError indicates this result represents an error condition
	IsError bool `json:"is_error,omitempty"`
}

// Definition builds the wire description for a registered tool.
func Definition(t Tool) ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Schema:      t.Schema(),
	}
}
