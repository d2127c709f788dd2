package context

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/famulus-ai/famulus/internal/agent"
	"github.com/famulus-ai/famulus/internal/store"
	"github.com/famulus-ai/famulus/internal/tasks"
	"github.com/famulus-ai/famulus/pkg/models"
)

// summarizeDirective instructs the model what a rolling summary holds.
const summarizeDirective = "Summarize the conversation below for use as background context. " +
	"Extract topics, decisions, facts, and the current state. " +
	"Use bullet points. Keep it under 300 words."

// summarizeTimeout bounds one summary generation.
const summarizeTimeout = 60 * time.Second

type summarizePayload struct {
	ConversationID string `json:"conversation_id"`
}

// ClientPicker supplies the cheapest available model client at
// execution time. Summaries never need the expensive model.
type ClientPicker interface {
	Cheapest(ctx context.Context) agent.ModelClient
}

// NewSummarizeHandler returns the task handler that refreshes a
// conversation's rolling summary.
func NewSummarizeHandler(st store.Store, picker ClientPicker) tasks.Handler {
	return func(ctx context.Context, payload json.RawMessage) (string, error) {
		var p summarizePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", fmt.Errorf("decode payload: %w", err)
		}
		if p.ConversationID == "" {
			return "", errors.New("conversation_id is required")
		}

		ctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
		defer cancel()

		total, err := st.CountMessages(ctx, p.ConversationID)
		if err != nil {
			return "", fmt.Errorf("count messages: %w", err)
		}
		covered := total - RecentWindow
		if covered <= 0 {
			return "nothing to summarize", nil
		}

		// Everything older than the recent window: read the whole
		// conversation and drop the tail.
		all, err := st.RecentMessages(ctx, p.ConversationID, total)
		if err != nil {
			return "", fmt.Errorf("read messages: %w", err)
		}
		if len(all) <= RecentWindow {
			return "nothing to summarize", nil
		}
		old := all[:len(all)-RecentWindow]

		client := picker.Cheapest(ctx)
		if client == nil {
			return "", agent.ErrNoModelAvailable
		}

		resp, err := client.Chat(ctx, &agent.ChatRequest{
			System: summarizeDirective,
			Messages: []*models.Message{{
				Role:    models.RoleUser,
				Content: renderTranscript(old),
			}},
		})
		if err != nil {
			return "", fmt.Errorf("summarize with %s: %w", client.Name(), err)
		}
		text := strings.TrimSpace(resp.Content)
		if text == "" {
			return "", errors.New("model returned an empty summary")
		}

		if err := st.SaveSummary(ctx, &models.Summary{
			ConversationID:  p.ConversationID,
			Text:            text,
			MessagesCovered: covered,
		}); err != nil {
			return "", fmt.Errorf("save summary: %w", err)
		}
		return fmt.Sprintf("summarized %d messages", covered), nil
	}
}

// renderTranscript flattens messages into a plain-text transcript for
// the summarization prompt.
func renderTranscript(messages []*models.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		text := m.Text()
		if text == "" {
			continue
		}
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String()
}
