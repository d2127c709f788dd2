package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// typedErr simulates a provider error carrying its own category.
type typedErr struct {
	category Category
	msg      string
}

func (e *typedErr) Error() string          { return e.msg }
func (e *typedErr) TurnCategory() Category { return e.category }

func TestClassifyPrefersTypedCategory(t *testing.T) {
	// The message mentions a timeout, but the typed category wins.
	err := fmt.Errorf("round failed: %w", &typedErr{category: CategoryAuth, msg: "request timed out"})
	if got := Classify(err); got != CategoryAuth {
		t.Errorf("Classify = %s, want auth", got)
	}
}

func TestClassifyContextErrors(t *testing.T) {
	if got := Classify(context.Canceled); got != CategoryAborted {
		t.Errorf("Canceled = %s, want aborted", got)
	}
	if got := Classify(context.DeadlineExceeded); got != CategoryTimeout {
		t.Errorf("DeadlineExceeded = %s, want timeout", got)
	}
}

func TestClassifySubstringFallback(t *testing.T) {
	cases := []struct {
		msg  string
		want Category
	}{
		{"dial tcp 127.0.0.1:11434: connection refused", CategoryUnavailable},
		{"Post \"https://api\": no such host", CategoryUnavailable},
		{"request timed out after 30s", CategoryTimeout},
		{"429 Too Many Requests", CategoryRateLimit},
		{"rate_limit_error: slow down", CategoryRateLimit},
		{"401 unauthorized", CategoryAuth},
		{"invalid api key provided", CategoryAuth},
		{"prompt is too long: 210000 tokens", CategoryContextOverflow},
		{"this model's maximum context length is 32768", CategoryContextOverflow},
		{"something inexplicable", CategoryUnknown},
	}
	for _, tc := range cases {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestRetriable(t *testing.T) {
	retriable := []Category{CategoryUnavailable, CategoryTimeout}
	for _, c := range retriable {
		if !c.Retriable() {
			t.Errorf("%s should be retriable", c)
		}
	}
	terminal := []Category{CategoryAborted, CategoryContextOverflow, CategoryRateLimit, CategoryAuth, CategoryUnknown}
	for _, c := range terminal {
		if c.Retriable() {
			t.Errorf("%s should not be retriable", c)
		}
	}
}

func TestTurnErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTurnError(cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap lost the cause")
	}
	if err.Category != CategoryUnavailable {
		t.Errorf("Category = %s, want unavailable", err.Category)
	}

	var ce CategorizedError
	if !errors.As(fmt.Errorf("outer: %w", err), &ce) {
		t.Fatal("TurnError not visible through wrapping")
	}
	if ce.TurnCategory() != CategoryUnavailable {
		t.Errorf("TurnCategory = %s", ce.TurnCategory())
	}
}
