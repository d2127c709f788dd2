package models

import "time"

// WorkKind identifies the kind of long-running activity a work item
// represents.
type WorkKind string

const (
	WorkAgentRun WorkKind = "agent_run"
	WorkPlan     WorkKind = "plan"
	WorkPlanStep WorkKind = "plan_step"
	WorkSubAgent WorkKind = "sub_agent"
	WorkTask     WorkKind = "task"
	WorkReminder WorkKind = "reminder"
)

// WorkStatus is the lifecycle state of a work item.
type WorkStatus string

const (
	WorkPending   WorkStatus = "pending"
	WorkRunning   WorkStatus = "running"
	WorkCompleted WorkStatus = "completed"
	WorkFailed    WorkStatus = "failed"
	WorkCancelled WorkStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal statuses are
// never overwritten.
func (s WorkStatus) IsTerminal() bool {
	switch s {
	case WorkCompleted, WorkFailed, WorkCancelled:
		return true
	default:
		return false
	}
}

// WorkItem is the registry representation of any long-running activity
// the user can observe: agent runs, plans, tasks, reminders. ParentID
// forms a forest (plans own steps, runs own sub-agents).
type WorkItem struct {
	// ID is the unique work item identifier.
	ID string `json:"id"`

	// Kind classifies the activity.
	Kind WorkKind `json:"kind"`

	// Title is a short human-readable description.
	Title string `json:"title"`

	// Status is the current lifecycle state.
	Status WorkStatus `json:"status"`

	// ParentID links to the owning item, if any.
	ParentID string `json:"parent_id,omitempty"`

	// ConversationID links the item to a conversation, if any.
	ConversationID string `json:"conversation_id,omitempty"`

	// Metadata holds arbitrary item metadata.
	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt and UpdatedAt are UTC timestamps.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
