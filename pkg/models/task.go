package models

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a background task.
// Transitions: pending -> running -> {completed, failed, cancelled};
// there are no back-transitions.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the task status is final.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Task is one background job run by the task queue. The queue is
// in-process and non-durable; a crash loses in-flight tasks.
type Task struct {
	// ID is the unique task identifier.
	ID string `json:"id"`

	// Type selects the registered handler.
	Type string `json:"type"`

	// Payload is the handler input.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`

	// Result holds the handler output on completion.
	Result string `json:"result,omitempty"`

	// Error holds the failure message on failed tasks.
	Error string `json:"error,omitempty"`

	// CreatedAt and UpdatedAt are UTC timestamps.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Skill is a configured capability manifest. Skills declare actions
// that are surfaced to models as tools under the skill's plugin
// namespace.
type Skill struct {
	// Name is the unique skill identifier (lowercase, hyphens allowed).
	Name string `json:"name" yaml:"name"`

	// Domain groups skills by subject area for lookup.
	Domain string `json:"domain" yaml:"domain"`

	// Description explains what the skill does.
	Description string `json:"description" yaml:"description"`

	// Manifest is the raw YAML manifest body.
	Manifest string `json:"manifest,omitempty" yaml:"-"`

	// UsageCount tracks how often the skill's actions were invoked.
	UsageCount int `json:"usage_count" yaml:"-"`

	// CreatedAt and UpdatedAt are UTC timestamps.
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}
