package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/famulus-ai/famulus/internal/config"
	"github.com/famulus-ai/famulus/pkg/models"
)

// buildSystemPrompt assembles the per-turn system prompt from the
// configured persona tone and the tools available this turn.
func buildSystemPrompt(tone string, tools []models.ToolDefinition, now time.Time) string {
	lines := make([]string, 0, 8)

	lines = append(lines, "You are Famulus, a personal assistant running on the user's own machine.")

	switch tone {
	case config.ToneProfessional:
		lines = append(lines, "Keep a professional register: precise, neutral, no filler.")
	case config.ToneCasual:
		lines = append(lines, "Keep the tone casual and friendly; contractions are fine.")
	case config.ToneTechnical:
		lines = append(lines, "Assume a technical reader: be exact and prefer terminology over analogy.")
	default:
		lines = append(lines, "Keep a balanced tone: warm but direct.")
	}

	if len(tools) > 0 {
		names := make([]string, 0, len(tools))
		for _, t := range tools {
			names = append(names, t.WireName())
		}
		lines = append(lines, fmt.Sprintf("Tools available this turn: %s. Call a tool when it materially improves the answer; otherwise answer directly.", strings.Join(names, ", ")))
	}

	lines = append(lines, fmt.Sprintf("Current date: %s.", now.UTC().Format("Monday, 2 January 2006")))
	lines = append(lines, "Be concise, direct, and ask clarifying questions when requirements are ambiguous.")

	return strings.TrimSpace(strings.Join(lines, "\n"))
}
