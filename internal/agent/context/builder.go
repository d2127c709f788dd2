// Package context assembles the message list for one turn: rolling
// summary, recent window, and the new user message. It also decides
// when the summary is stale and schedules its refresh in the
// background.
package context

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/famulus-ai/famulus/internal/store"
	"github.com/famulus-ai/famulus/internal/tasks"
	"github.com/famulus-ai/famulus/pkg/models"
)

const (
	// RecentWindow is how many recent messages ride along verbatim.
	RecentWindow = 20

	// SummaryThreshold is the conversation length at which a rolling
	// summary starts being maintained.
	SummaryThreshold = 30

	// SummaryRefreshGap is how many messages may fall between the
	// summary's coverage and the recent window before a refresh.
	SummaryRefreshGap = 20
)

// TaskSummarize is the task type for background summary refresh.
const TaskSummarize = "summarize_conversation"

// Builder assembles turn context from the store.
type Builder struct {
	store  store.Store
	queue  *tasks.Queue
	logger *slog.Logger
}

// NewBuilder creates a context builder. queue may be nil in tests;
// summarization is then skipped.
func NewBuilder(st store.Store, queue *tasks.Queue, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		store:  st,
		queue:  queue,
		logger: logger.With("component", "context"),
	}
}

// Build returns the message list for a turn: optional summary pair,
// up to RecentWindow recent messages, then the new user message. The
// new message is not yet persisted; the caller appends it after the
// turn is accepted.
func (b *Builder) Build(ctx context.Context, conversationID string, userMessage string) ([]*models.Message, error) {
	total, err := b.store.CountMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	recent, err := b.store.RecentMessages(ctx, conversationID, RecentWindow)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}

	out := make([]*models.Message, 0, len(recent)+3)

	var summary *models.Summary
	if total > RecentWindow {
		summary, err = b.store.GetSummary(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("get summary: %w", err)
		}
		if summary != nil {
			// Synthetic pair: the summary rides as an exchange so both
			// provider message formats accept it.
			out = append(out,
				&models.Message{
					Role:    models.RoleUser,
					Content: "Background: summarize what we have discussed so far.",
				},
				&models.Message{
					Role:    models.RoleAssistant,
					Content: summary.Text,
				},
			)
		}
	}

	out = append(out, recent...)
	out = append(out, &models.Message{
		Role:           models.RoleUser,
		ConversationID: conversationID,
		Content:        userMessage,
	})

	b.maybeScheduleSummary(ctx, conversationID, total, summary)
	return out, nil
}

// maybeScheduleSummary refreshes the rolling summary when the
// conversation is long enough and the existing summary has fallen too
// far behind the recent window. Never blocks the turn.
func (b *Builder) maybeScheduleSummary(ctx context.Context, conversationID string, total int, summary *models.Summary) {
	if b.queue == nil || total < SummaryThreshold {
		return
	}
	if summary != nil && total-summary.MessagesCovered-RecentWindow < SummaryRefreshGap {
		return
	}

	payload, err := json.Marshal(summarizePayload{ConversationID: conversationID})
	if err != nil {
		b.logger.Warn("summary payload marshal failed", "error", err)
		return
	}
	id, err := b.queue.Submit(ctx, TaskSummarize, payload)
	if err != nil {
		b.logger.Warn("summary task submit failed", "conversation_id", conversationID, "error", err)
		return
	}
	b.logger.Debug("scheduled summary refresh", "conversation_id", conversationID, "task_id", id, "total", total)
}

// EstimateTokens approximates the prompt's token count: one token per
// four characters plus a per-message role overhead.
func EstimateTokens(messages []*models.Message, system string) int {
	total := len(system) / 4
	for _, m := range messages {
		total += len(m.Text()) / 4
		for _, blk := range m.Blocks {
			total += len(blk.Input) / 4
			total += len(blk.Content) / 4
		}
		total += 4
	}
	return total
}

// CheckBudget logs a warning when the estimate crosses 80% of the
// client's window. The turn proceeds either way; mid-loop overflow is
// handled by tool-result truncation.
func (b *Builder) CheckBudget(messages []*models.Message, system string, contextWindow int) {
	estimate := EstimateTokens(messages, system)
	if contextWindow > 0 && estimate*10 >= contextWindow*8 {
		b.logger.Warn("context estimate near window",
			"estimated_tokens", estimate,
			"context_window", contextWindow)
	}
}
