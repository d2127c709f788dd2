// Package store provides typed persistence for conversations, messages,
// rolling summaries, skills, background tasks, work items, settings,
// and the tool audit log.
//
// Two implementations exist: SQLite (the production store) and Memory
// (used in tests and by components that need a scratch store). Both
// enforce the same invariants: message ordering is total by timestamp,
// deleting a conversation deletes its messages and summary, and task
// statuses never transition backwards.
package store

import (
	"context"
	"time"

	"github.com/famulus-ai/famulus/pkg/models"
)

// Store is the persistence contract consumed by the runtime core.
type Store interface {
	// Conversations.
	CreateConversation(ctx context.Context, title string) (*models.Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	RenameConversation(ctx context.Context, id, title string) error
	// DeleteConversation removes the conversation, its messages, and
	// its summary in one transaction.
	DeleteConversation(ctx context.Context, id string) error

	// Messages. AppendMessage assigns the ID and a monotonic CreatedAt
	// when unset. RecentMessages returns up to limit of the newest
	// messages in chronological order.
	AppendMessage(ctx context.Context, msg *models.Message) error
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)

	// Rolling summaries. GetSummary returns nil when none exists.
	GetSummary(ctx context.Context, conversationID string) (*models.Summary, error)
	SaveSummary(ctx context.Context, summary *models.Summary) error

	// Skills.
	SaveSkill(ctx context.Context, skill *models.Skill) error
	ListSkills(ctx context.Context) ([]*models.Skill, error)
	FindSkillsByDomain(ctx context.Context, domain string) ([]*models.Skill, error)
	IncrementSkillUsage(ctx context.Context, name string) error
	DeleteSkill(ctx context.Context, name string) error

	// Background tasks.
	CreateTask(ctx context.Context, task *models.Task) error
	UpdateTask(ctx context.Context, task *models.Task) error
	ListTasks(ctx context.Context, limit int) ([]*models.Task, error)

	// Work items (durable mirror of the work registry).
	UpsertWorkItem(ctx context.Context, item *models.WorkItem) error
	UpdateWorkItemStatus(ctx context.Context, id string, status models.WorkStatus) error
	ListWorkItems(ctx context.Context, kind models.WorkKind, limit int) ([]*models.WorkItem, error)

	// Tool audit log and usage aggregates.
	RecordToolCall(ctx context.Context, rec *models.ToolCallRecord) error
	ListToolCalls(ctx context.Context, limit int) ([]*models.ToolCallRecord, error)
	RecordUsage(ctx context.Context, modelTag string, tokensIn, tokensOut int) error
	UsageByModel(ctx context.Context, since time.Time) ([]models.UsageStat, error)

	// Settings (string key/value; the config registry owns typing and
	// encryption). SetSettings applies all pairs atomically.
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	SetSettings(ctx context.Context, values map[string]string) error
	ListSettings(ctx context.Context) (map[string]string, error)

	// Ping runs a raw query for health checks.
	Ping(ctx context.Context) error

	Close() error
}
