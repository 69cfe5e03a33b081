package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorReason categorizes a provider failure. The retry loop uses it to
// separate transient conditions from permanent ones.
type ErrorReason string

const (
	// ReasonRateLimit indicates throttling (HTTP 429, provider throttle codes).
	ReasonRateLimit ErrorReason = "rate_limit"

	// ReasonTimeout indicates a request or connection timeout.
	ReasonTimeout ErrorReason = "timeout"

	// ReasonServerError indicates server-side failure (HTTP 5xx).
	ReasonServerError ErrorReason = "server_error"

	// ReasonNetwork indicates a transport-level failure before a response.
	ReasonNetwork ErrorReason = "network"

	// ReasonAuth indicates authentication failure (HTTP 401, 403).
	ReasonAuth ErrorReason = "auth"

	// ReasonQuota indicates payment or quota exhaustion (HTTP 402).
	ReasonQuota ErrorReason = "quota"

	// ReasonInvalidRequest indicates a client-side error (HTTP 400, 413).
	ReasonInvalidRequest ErrorReason = "invalid_request"

	// ReasonModelUnavailable indicates the requested model does not exist
	// or is not accessible.
	ReasonModelUnavailable ErrorReason = "model_unavailable"

	// ReasonContentFilter indicates the response was blocked by safety
	// filtering.
	ReasonContentFilter ErrorReason = "content_filter"

	// ReasonUnknown is an unclassified failure. Not retried.
	ReasonUnknown ErrorReason = "unknown"
)

// Retryable reports whether another attempt could plausibly succeed.
// Only transient classes retry; auth, quota, validation, and model errors
// fail the call immediately.
func (r ErrorReason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError, ReasonNetwork:
		return true
	default:
		return false
	}
}

// ProviderError is a structured failure from an LLM backend. It carries the
// classification the retry loop needs plus the request context useful when
// debugging against provider support.
type ProviderError struct {
	// Reason categorizes the failure for retry decisions.
	Reason ErrorReason

	// Provider is the backend name ("anthropic", "bedrock", ...).
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, if one was observed.
	Status int

	// Code is the provider-specific error code, if one was reported.
	Code string

	// Message is the human-readable error message.
	Message string

	// RequestID is the provider's request ID, when available.
	RequestID string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps a raw backend error, classifying it from its text.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = Classify(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it. Status codes
// are more reliable than message text, so this overrides the text-based
// classification.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Reason = classifyStatus(status)
	return e
}

// WithCode records a provider-specific error code and reclassifies when the
// code is recognized.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithMessage records the provider's human-readable error message.
func (e *ProviderError) WithMessage(message string) *ProviderError {
	e.Message = message
	return e
}

// WithRequestID records the provider's request ID.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// Classify inspects an error's text and returns the best-matching reason.
// SDK errors that do not expose structured status codes still carry the
// status in their message, so string matching covers them.
func Classify(err error) ErrorReason {
	if err == nil {
		return ReasonUnknown
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") {
		return ReasonTimeout
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttling") ||
		strings.Contains(errStr, "throttled") ||
		strings.Contains(errStr, "429") {
		return ReasonRateLimit
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "unexpected eof") {
		return ReasonNetwork
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return ReasonAuth
	}

	if strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "402") {
		return ReasonQuota
	}

	if strings.Contains(errStr, "content_filter") ||
		strings.Contains(errStr, "content policy") ||
		strings.Contains(errStr, "safety") ||
		strings.Contains(errStr, "blocked") {
		return ReasonContentFilter
	}

	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "unavailable") {
		return ReasonModelUnavailable
	}

	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return ReasonServerError
	}

	return ReasonUnknown
}

func classifyStatus(status int) ErrorReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonQuota
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusRequestEntityTooLarge:
		// Oversized payloads never shrink on retry.
		return ReasonInvalidRequest
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyCode(code string) ErrorReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "throttlingexception", "toomanyrequestsexception":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key", "accessdeniedexception":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonQuota
	case "model_not_found", "model_not_available", "resourcenotfoundexception":
		return ReasonModelUnavailable
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "server_error", "internal_error", "overloaded_error",
		"serviceunavailableexception", "internalserverexception", "modelnotreadyexception":
		return ReasonServerError
	case "invalid_request_error", "validationexception":
		return ReasonInvalidRequest
	case "modeltimeoutexception":
		return ReasonTimeout
	default:
		return ReasonUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable reports whether an error is worth another attempt. Structured
// provider errors use their recorded reason; raw errors are classified from
// their text.
func IsRetryable(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.Retryable()
	}
	return Classify(err).Retryable()
}
