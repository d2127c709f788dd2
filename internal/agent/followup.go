package agent

import (
	"fmt"
	"strings"

	"github.com/famulus-ai/famulus/pkg/models"
)

// followupFormat selects how a round's tool calls and results are
// appended to the running message list. The variant is fixed once per
// turn from (native tools enabled, client kind).
type followupFormat int

const (
	// formatHostedNative uses provider-neutral blocks: one assistant
	// message with tool_use blocks, one user message with tool_result
	// blocks.
	formatHostedNative followupFormat = iota

	// formatLocalNative uses tool-role messages; the local provider
	// rewrites them into its tool_calls wire shape.
	formatLocalNative

	// formatLegacyText inlines results as plain text for models without
	// tool-call support.
	formatLegacyText
)

// pickFormat chooses the follow-up variant for the turn.
func pickFormat(useNativeTools bool, kind Kind) followupFormat {
	if !useNativeTools {
		return formatLegacyText
	}
	if kind == KindLocal {
		return formatLocalNative
	}
	return formatHostedNative
}

// appendFollowup appends the round's assistant turn and tool results to
// msgs in the selected format and returns the extended slice.
func appendFollowup(msgs []*models.Message, format followupFormat, round int, text string, calls []*models.ToolCall, results []*models.ToolResult) []*models.Message {
	switch format {
	case formatLocalNative:
		return appendLocalNative(msgs, text, calls, results)
	case formatLegacyText:
		return appendLegacyText(msgs, round, text, results)
	default:
		return appendHostedNative(msgs, text, calls, results)
	}
}

func appendHostedNative(msgs []*models.Message, text string, calls []*models.ToolCall, results []*models.ToolResult) []*models.Message {
	blocks := make([]models.ContentBlock, 0, len(calls)+1)
	if text != "" {
		blocks = append(blocks, models.ContentBlock{Type: models.BlockText, Text: text})
	}
	for _, call := range calls {
		blocks = append(blocks, models.ContentBlock{
			Type:  models.BlockToolUse,
			ID:    call.ID,
			Name:  call.Name,
			Input: call.Input,
		})
	}
	msgs = append(msgs, &models.Message{Role: models.RoleAssistant, Blocks: blocks})

	resultBlocks := make([]models.ContentBlock, 0, len(results))
	for _, res := range results {
		resultBlocks = append(resultBlocks, models.ContentBlock{
			Type:      models.BlockToolResult,
			ToolUseID: res.ToolCallID,
			Content:   res.Content,
			IsError:   res.IsError,
		})
	}
	return append(msgs, &models.Message{Role: models.RoleUser, Blocks: resultBlocks})
}

func appendLocalNative(msgs []*models.Message, text string, calls []*models.ToolCall, results []*models.ToolResult) []*models.Message {
	blocks := make([]models.ContentBlock, 0, len(calls)+1)
	if text != "" {
		blocks = append(blocks, models.ContentBlock{Type: models.BlockText, Text: text})
	}
	for _, call := range calls {
		blocks = append(blocks, models.ContentBlock{
			Type:  models.BlockToolUse,
			ID:    call.ID,
			Name:  call.Name,
			Input: call.Input,
		})
	}
	msgs = append(msgs, &models.Message{Role: models.RoleAssistant, Blocks: blocks})

	// One tool-role message per result; the provider maps ToolUseID back
	// to the originating call.
	for _, res := range results {
		msgs = append(msgs, &models.Message{
			Role: models.RoleTool,
			Blocks: []models.ContentBlock{{
				Type:      models.BlockToolResult,
				ToolUseID: res.ToolCallID,
				Content:   res.Content,
				IsError:   res.IsError,
			}},
		})
	}
	return msgs
}

func appendLegacyText(msgs []*models.Message, round int, text string, results []*models.ToolResult) []*models.Message {
	if text == "" {
		text = "(requesting tool results)"
	}
	msgs = append(msgs, &models.Message{Role: models.RoleAssistant, Content: text})

	var sb strings.Builder
	fmt.Fprintf(&sb, "[Tool Results — Round %d]\n", round)
	for _, res := range results {
		status := "ok"
		if res.IsError {
			status = "error"
		}
		fmt.Fprintf(&sb, "%s (%s):\n%s\n\n", res.ToolName, status, res.Content)
	}
	sb.WriteString("Use these results to continue.")
	return append(msgs, &models.Message{Role: models.RoleUser, Content: sb.String()})
}
