package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Category classifies a failed turn for the error event sent to the
// client and for the router's retry decision.
type Category string

const (
	CategoryAborted         Category = "aborted"
	CategoryContextOverflow Category = "context_overflow"
	CategoryTimeout         Category = "timeout"
	CategoryRateLimit       Category = "rate_limit"
	CategoryAuth            Category = "auth"
	CategoryUnavailable     Category = "unavailable"
	CategoryUnknown         Category = "unknown"
)

// Retriable reports whether the category warrants one fallback retry
// on the alternate client. Only reachability and timeout failures do;
// auth and quota failures would fail identically.
func (c Category) Retriable() bool {
	return c == CategoryUnavailable || c == CategoryTimeout
}

// CategorizedError is implemented by errors that know their own turn
// category. Provider errors carry typed reasons, so classification
// never has to fall back to message text for them.
type CategorizedError interface {
	error
	TurnCategory() Category
}

// TurnError is the failure of one user turn.
type TurnError struct {
	Category Category
	Message  string
	Err      error
}

func (e *TurnError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("turn failed (%s): %s", e.Category, e.Message)
	}
	return fmt.Sprintf("turn failed (%s): %v", e.Category, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

func (e *TurnError) TurnCategory() Category { return e.Category }

// NewTurnError wraps err with its classified category.
func NewTurnError(err error) *TurnError {
	return &TurnError{Category: Classify(err), Err: err}
}

// Classify maps an error to a turn category. Typed errors from the
// provider layer are matched first; raw errors fall back to substring
// inspection of the message.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var ce CategorizedError
	if errors.As(err, &ce) {
		return ce.TurnCategory()
	}

	if errors.Is(err, context.Canceled) {
		return CategoryAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context length") ||
		strings.Contains(msg, "context window") ||
		strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "too many tokens"):
		return CategoryContextOverflow
	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timed out"):
		return CategoryTimeout
	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429"):
		return CategoryRateLimit
	case strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403"):
		return CategoryAuth
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "connection reset"):
		return CategoryUnavailable
	}
	return CategoryUnknown
}

// ErrNoModelAvailable is returned by the router when no client answers
// its availability probe. It carries the unavailable category so the
// gateway surfaces it like any other reachability failure.
var ErrNoModelAvailable error = &TurnError{
	Category: CategoryUnavailable,
	Message:  "no model available",
}
