// Package models provides domain types for the Conductor agent engine.
package models

import (
	"time"
)

// AgentEvent is the unified event model for streaming and hooks.
// It provides a single event stream that drives UIs, logging, and relays.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence for ordering guarantees across goroutines
type AgentEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type AgentEventType `json:"type"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within a turn for ordering guarantees.
	Sequence uint64 `json:"seq"`

	// TurnID identifies the turn (Run call).
	TurnID string `json:"turn_id,omitempty"`

	// Round is the 0-based tool round-trip within the turn.
	Round int `json:"round,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Stream     *StreamEventPayload     `json:"stream,omitempty"`
	Tool       *ToolEventPayload       `json:"tool,omitempty"`
	Permission *PermissionEventPayload `json:"permission,omitempty"`
	Error      *ErrorEventPayload      `json:"error,omitempty"`
	Stats      *StatsEventPayload      `json:"stats,omitempty"`
	Context    *ContextEventPayload    `json:"context,omitempty"`
	Session    *SessionEventPayload    `json:"session,omitempty"`
}

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	// Turn lifecycle
	AgentEventTurnStarted   AgentEventType = "turn.started"
	AgentEventTurnFinished  AgentEventType = "turn.finished"
	AgentEventTurnError     AgentEventType = "turn.error"
	AgentEventTurnCancelled AgentEventType = "turn.cancelled" // Explicit context cancellation

	// Model streaming
	AgentEventModelStarted   AgentEventType = "model.started"
	AgentEventModelDelta     AgentEventType = "model.delta"
	AgentEventModelCompleted AgentEventType = "model.completed"

	// Tool execution
	AgentEventToolStarted  AgentEventType = "tool.started"
	AgentEventToolFinished AgentEventType = "tool.finished"

	// Authorization
	AgentEventPermissionRequired AgentEventType = "permission.required"
	AgentEventPermissionResolved AgentEventType = "permission.resolved"

	// Context window diagnostics
	AgentEventContextPacked AgentEventType = "context.packed"

	// Session persistence
	AgentEventSessionSaved   AgentEventType = "session.saved"
	AgentEventSessionResumed AgentEventType = "session.resumed"
)

// StreamEventPayload represents model streaming deltas and completion metadata.
type StreamEventPayload struct {
	// Delta is the incremental text (token-by-token or chunked).
	Delta string `json:"delta,omitempty"`

	// BlockIndex is the content block the delta belongs to.
	BlockIndex int `json:"block_index,omitempty"`

	// Thinking marks the delta as reasoning text rather than response text.
	Thinking bool `json:"thinking,omitempty"`

	// Final is optional final text on completion events.
	Final string `json:"final,omitempty"`

	// Provider/Model for debugging (optional).
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// StopReason for completion events.
	StopReason string `json:"stop_reason,omitempty"`

	// Token counts (optional; not all providers supply them).
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// ToolEventPayload describes tool calls and their outcomes.
// ArgsJSON is opaque to avoid coupling to tool schemas.
type ToolEventPayload struct {
	// CallID identifies this specific tool invocation.
	CallID string `json:"call_id,omitempty"`

	// Name is the tool name.
	Name string `json:"name,omitempty"`

	// ArgsJSON is the raw JSON arguments (for started events).
	ArgsJSON []byte `json:"args_json,omitempty"`

	// For finished events:
	Success bool          `json:"success,omitempty"`
	Result  string        `json:"result,omitempty"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
}

// PermissionEventPayload describes an authorization request or resolution.
type PermissionEventPayload struct {
	// ProposalID identifies the pending approval request.
	ProposalID string `json:"proposal_id,omitempty"`

	// CallID is the tool call awaiting authorization.
	CallID string `json:"call_id,omitempty"`

	// Tool is the tool name.
	Tool string `json:"tool,omitempty"`

	// Signature is the canonical call signature being authorized.
	Signature string `json:"signature,omitempty"`

	// Resolution records how the request was resolved
	// (approve_once, trust_call, trust_tool, deny).
	Resolution string `json:"resolution,omitempty"`

	// Reason carries a denial reason when present.
	Reason string `json:"reason,omitempty"`
}

// ErrorEventPayload standardizes errors for streaming and relays.
type ErrorEventPayload struct {
	// Message is the error description (required).
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Retriable indicates if the operation can be retried.
	Retriable bool `json:"retriable,omitempty"`

	// Err is the original error (runtime only, not serialized).
	// Used to preserve error types for errors.Is/errors.As.
	Err error `json:"-"`
}

// StatsEventPayload carries turn statistics as an event.
type StatsEventPayload struct {
	Turn *TurnStats `json:"turn,omitempty"`
}

// TurnStats is an aggregated summary of one turn.
// Derived from the event stream for observability.
type TurnStats struct {
	// TurnID identifies this turn.
	TurnID string `json:"turn_id,omitempty"`

	// Timing
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	WallTime   time.Duration `json:"wall_time,omitempty"`

	// Counts
	Rounds     int `json:"rounds,omitempty"`
	ModelCalls int `json:"model_calls,omitempty"`
	ToolCalls  int `json:"tool_calls,omitempty"`

	// Tool metrics
	ToolWallTime time.Duration `json:"tool_wall_time,omitempty"`

	// Model metrics
	ModelWallTime time.Duration `json:"model_wall_time,omitempty"`
	InputTokens   int           `json:"input_tokens,omitempty"`
	OutputTokens  int           `json:"output_tokens,omitempty"`

	// Context window metrics
	ContextPacks    int `json:"context_packs,omitempty"`
	DroppedMessages int `json:"dropped_messages,omitempty"`

	// Authorization metrics
	Approvals int `json:"approvals,omitempty"`
	Denials   int `json:"denials,omitempty"`

	// Reliability signals
	Cancelled     bool `json:"cancelled,omitempty"`
	DroppedEvents int  `json:"dropped_events,omitempty"`

	// Error count
	Errors int `json:"errors,omitempty"`
}

// ContextEventPayload contains context window diagnostics.
// It explains how much of history fit the token budget.
type ContextEventPayload struct {
	BudgetTokens int `json:"budget_tokens"`
	UsedTokens   int `json:"used_tokens"`

	// Message counts by category
	Candidates int `json:"candidates"` // Total messages before windowing
	Included   int `json:"included"`   // Messages included
	Dropped    int `json:"dropped"`    // Messages dropped

	// OverBudget indicates the newest message alone exceeded the budget.
	OverBudget bool `json:"over_budget,omitempty"`
}

// SessionEventPayload describes session save/resume events.
type SessionEventPayload struct {
	Directory string `json:"directory,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Messages  int    `json:"messages,omitempty"`
}
