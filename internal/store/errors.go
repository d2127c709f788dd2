package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TransientError wraps a store failure that may succeed on retry
// (lock contention, busy database, interrupted I/O). The adapters
// retry these internally before surfacing them.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("store: %s: %v (transient)", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a store failure caused by data shape or logic
// (constraint violations, scan errors, missing rows where required).
// Callers surface these; they are never retried mid-turn.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ErrNotFound is returned for lookups of missing rows.
var ErrNotFound = errors.New("store: not found")

// IsTransient reports whether err is retriable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classify wraps a raw driver error as transient or permanent based on
// the failure mode. SQLite reports contention as "busy" or "locked".
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "busy") ||
		strings.Contains(msg, "locked") ||
		strings.Contains(msg, "interrupted") ||
		strings.Contains(msg, "i/o") {
		return &TransientError{Op: op, Err: err}
	}
	return &PermanentError{Op: op, Err: err}
}

const (
	maxRetries   = 3
	retryBackoff = 50 * time.Millisecond
)

// withRetry runs fn, retrying transient failures up to maxRetries times
// with exponential backoff. Permanent errors return immediately.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		backoff := retryBackoff * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}
