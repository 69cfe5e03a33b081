package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single entry in conversation history. Assistant messages may
// carry tool calls; tool messages carry the matching results.
type Message struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id,omitempty"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// HasToolCalls reports whether the message requests any tool executions.
func (m *Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// HasToolResults reports whether the message carries tool outputs.
func (m *Message) HasToolResults() bool {
	return len(m.ToolResults) > 0
}

// ToolCallIDs returns the IDs of all tool calls in the message.
func (m *Message) ToolCallIDs() []string {
	if len(m.ToolCalls) == 0 {
		return nil
	}
	ids := make([]string, len(m.ToolCalls))
	for i, tc := range m.ToolCalls {
		ids[i] = tc.ID
	}
	return ids
}

// ResultFor returns the result for the given tool call ID, if present.
func (m *Message) ResultFor(toolCallID string) (ToolResult, bool) {
	for _, tr := range m.ToolResults {
		if tr.ToolCallID == toolCallID {
			return tr, true
		}
	}
	return ToolResult{}, false
}

// TokenUsage tracks token consumption for a model call or an entire turn.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage from another call into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}
