package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for agent operations
var (
	// ErrNoProvider indicates no LLM provider is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool doesn't exist
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution
	ErrToolPanic = errors.New("tool panicked")
)

// ErrorCode categorizes agent errors for retry logic and error handling.
type ErrorCode string

const (
	// CodeProtocol indicates the provider stream violated the wire protocol
	// (out-of-order block index, delta for a closed block, duplicate start).
	CodeProtocol ErrorCode = "protocol"

	// CodeTransientProvider indicates a provider failure that may succeed on
	// retry (rate limit, overload, network).
	CodeTransientProvider ErrorCode = "transient_provider"

	// CodeValidation indicates tool input failed schema validation.
	CodeValidation ErrorCode = "validation"

	// CodeToolExecution indicates a tool failed while running.
	CodeToolExecution ErrorCode = "tool_execution"

	// CodePermissionDenied indicates a tool call was denied.
	CodePermissionDenied ErrorCode = "permission_denied"

	// CodeTurnLimit indicates the turn exceeded its tool-round budget.
	CodeTurnLimit ErrorCode = "turn_limit"

	// CodeCancelled indicates the turn was cancelled.
	CodeCancelled ErrorCode = "cancelled"

	// CodeEmptyResponse indicates the model produced no usable output.
	CodeEmptyResponse ErrorCode = "empty_response"

	// CodeMaxTokens indicates generation stopped at the output token limit.
	CodeMaxTokens ErrorCode = "max_tokens"

	// CodeContentFiltered indicates the provider filtered the response.
	CodeContentFiltered ErrorCode = "content_filtered"

	// CodeUnexpectedStop indicates an unrecognized stop reason.
	CodeUnexpectedStop ErrorCode = "unexpected_stop"

	// CodeToolNotFound indicates the model called an unregistered tool.
	CodeToolNotFound ErrorCode = "tool_not_found"

	// CodeSession indicates a session persistence failure.
	CodeSession ErrorCode = "session"
)

// Retryable returns true if this error code suggests retrying may succeed.
// Only transient provider failures are retried.
func (c ErrorCode) Retryable() bool {
	return c == CodeTransientProvider
}

// AgentError is a categorized engine error. The code drives retry and
// dispatch decisions; the wrapped cause is preserved for errors.Is checks.
type AgentError struct {
	// Code categorizes the error
	Code ErrorCode

	// Message is the human-readable error message
	Message string

	// Err is the underlying error
	Err error
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *AgentError) Unwrap() error {
	return e.Err
}

// NewAgentError creates an error with the given code and message.
func NewAgentError(code ErrorCode, message string) *AgentError {
	return &AgentError{Code: code, Message: message}
}

// WrapError wraps a cause with a code, keeping the cause for errors.Is.
func WrapError(code ErrorCode, cause error, message string) *AgentError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &AgentError{Code: code, Message: message, Err: cause}
}

// NewProtocolError creates a protocol violation error.
func NewProtocolError(format string, args ...any) *AgentError {
	return &AgentError{Code: CodeProtocol, Message: fmt.Sprintf(format, args...)}
}

// NewTransientError wraps a retryable provider failure.
func NewTransientError(cause error) *AgentError {
	return WrapError(CodeTransientProvider, cause, "")
}

// NewPermissionDenied creates a denial error with the given reason.
func NewPermissionDenied(tool, reason string) *AgentError {
	return &AgentError{
		Code:    CodePermissionDenied,
		Message: fmt.Sprintf("permission denied for tool %q: %s", tool, reason),
	}
}

// AsAgentError extracts an AgentError from an error chain.
func AsAgentError(err error) (*AgentError, bool) {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr, true
	}
	return nil, false
}

// CodeOf returns the error's code, classifying plain errors by content.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if agentErr, ok := AsAgentError(err); ok {
		return agentErr.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancelled
	}
	if isTransientProviderError(err) {
		return CodeTransientProvider
	}
	return ""
}

// IsRetryable checks whether an error should trigger a provider retry.
// Protocol violations, validation failures, and auth errors never retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if agentErr, ok := AsAgentError(err); ok {
		return agentErr.Code.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return isTransientProviderError(err)
}

// isTransientProviderError determines transience from the error content.
func isTransientProviderError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	// Rate limit patterns
	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return true
	}

	// Overload patterns
	if strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "capacity") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "unavailable") ||
		strings.Contains(errStr, "internal server error") {
		return true
	}

	// Network patterns
	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "unexpected eof") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "timed out") {
		return true
	}

	return false
}

// ToolErrorType categorizes tool execution errors.
type ToolErrorType string

const (
	// ToolErrorNotFound indicates the tool doesn't exist
	ToolErrorNotFound ToolErrorType = "not_found"

	// ToolErrorInvalidInput indicates invalid parameters were passed
	ToolErrorInvalidInput ToolErrorType = "invalid_input"

	// ToolErrorTimeout indicates the tool timed out
	ToolErrorTimeout ToolErrorType = "timeout"

	// ToolErrorPermission indicates the call was denied
	ToolErrorPermission ToolErrorType = "permission"

	// ToolErrorExecution indicates a runtime error during execution
	ToolErrorExecution ToolErrorType = "execution"

	// ToolErrorPanic indicates the tool panicked
	ToolErrorPanic ToolErrorType = "panic"
)

// ToolError represents a structured error from a single tool execution.
type ToolError struct {
	// Type categorizes the error
	Type ToolErrorType

	// ToolName is the name of the tool that failed
	ToolName string

	// ToolCallID is the ID of the tool call that failed
	ToolCallID string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))

	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a ToolError with automatic classification from the cause.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{
		ToolName: toolName,
		Cause:    cause,
		Type:     ToolErrorExecution,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
	}
	return err
}

// WithType sets the error type.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	return e
}

// WithToolCallID sets the tool call ID for correlating errors with calls.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithMessage sets a custom human-readable error message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// classifyToolError determines the error type from the error content.
func classifyToolError(err error) ToolErrorType {
	if err == nil {
		return ToolErrorExecution
	}

	if errors.Is(err, ErrToolNotFound) {
		return ToolErrorNotFound
	}
	if errors.Is(err, ErrToolTimeout) {
		return ToolErrorTimeout
	}
	if errors.Is(err, ErrToolPanic) {
		return ToolErrorPanic
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") {
		return ToolErrorTimeout
	}
	if strings.Contains(errStr, "permission") ||
		strings.Contains(errStr, "denied") {
		return ToolErrorPermission
	}
	if strings.Contains(errStr, "invalid") ||
		strings.Contains(errStr, "validation") ||
		strings.Contains(errStr, "required") {
		return ToolErrorInvalidInput
	}

	return ToolErrorExecution
}

// GetToolError extracts a ToolError from an error chain.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}
