package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/famulus-ai/famulus/internal/agent"
)

// Reason categorizes a provider request failure at the client boundary
// so the core matches on a typed variant instead of message text.
type Reason string

const (
	ReasonContextOverflow Reason = "context_overflow"
	ReasonTimeout         Reason = "timeout"
	ReasonRateLimit       Reason = "rate_limit"
	ReasonAuth            Reason = "auth"
	ReasonUnavailable     Reason = "unavailable"
	ReasonServerError     Reason = "server_error"
	ReasonInvalidRequest  Reason = "invalid_request"
	ReasonUnknown         Reason = "unknown"
)

// Error is a structured failure from a model provider.
type Error struct {
	// Reason drives retry and fallback decisions.
	Reason Reason

	// Provider and Model identify the failing client.
	Provider string
	Model    string

	// Status is the HTTP status, when applicable.
	Status int

	// Message is the provider's human-readable error text.
	Message string

	// Cause is the underlying error.
	Cause error
}

func (e *Error) Error() string {
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
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error { return e.Cause }

// TurnCategory maps the provider reason onto the turn error taxonomy.
func (e *Error) TurnCategory() agent.Category {
	switch e.Reason {
	case ReasonContextOverflow:
		return agent.CategoryContextOverflow
	case ReasonTimeout:
		return agent.CategoryTimeout
	case ReasonRateLimit:
		return agent.CategoryRateLimit
	case ReasonAuth:
		return agent.CategoryAuth
	case ReasonUnavailable, ReasonServerError:
		return agent.CategoryUnavailable
	default:
		return agent.CategoryUnknown
	}
}

var _ agent.CategorizedError = (*Error)(nil)

// NewError wraps cause with a classified reason.
func NewError(provider, model string, cause error) *Error {
	e := &Error{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = classifyMessage(cause.Error())
	}
	return e
}

// WithStatus sets the HTTP status and reclassifies from it. Status
// classification wins over message classification.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	if reason := classifyStatus(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

func classifyStatus(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ReasonTimeout
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound || status == http.StatusServiceUnavailable:
		return ReasonUnavailable
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// classifyMessage is the fallback for errors that never carried a
// status (connection failures, SDK-side timeouts).
func classifyMessage(msg string) Reason {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "context length") ||
		strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "too many tokens"):
		return ReasonContextOverflow
	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timed out"):
		return ReasonTimeout
	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests"):
		return ReasonRateLimit
	case strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "authentication"):
		return ReasonAuth
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "unavailable"):
		return ReasonUnavailable
	}
	return ReasonUnknown
}

// AsError extracts a provider Error from a chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
