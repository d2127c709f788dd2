package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single entry in a conversation. Content carries plain
// text; Blocks carries structured content (text, tool_use, tool_result)
// when a turn involved tool calls. Ordering within a conversation is by
// CreatedAt only; the store assigns monotonic timestamps.
type Message struct {
	// ID is the unique message identifier.
	ID string `json:"id"`

	// ConversationID references the owning conversation.
	ConversationID string `json:"conversation_id"`

	// Role is who authored the message.
	Role Role `json:"role"`

	// Content is the plain text body. Empty when Blocks is used.
	Content string `json:"content,omitempty"`

	// Blocks holds structured content blocks, in order.
	Blocks []ContentBlock `json:"blocks,omitempty"`

	// ModelTag records which model client produced an assistant message.
	ModelTag string `json:"model,omitempty"`

	// TokensIn and TokensOut are the token counts reported by the
	// provider for the turn that produced this message.
	TokensIn  int `json:"tokens_in,omitempty"`
	TokensOut int `json:"tokens_out,omitempty"`

	// CreatedAt is the monotonic creation time (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// Text returns the message's textual content, concatenating text
// blocks when structured content is present.
func (m *Message) Text() string {
	if m.Content != "" || len(m.Blocks) == 0 {
		return m.Content
	}
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// BlockType discriminates the structured content block variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one provider-neutral structured content block.
// Only the fields relevant to Type are populated.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text body for BlockText.
	Text string `json:"text,omitempty"`

	// Tool use fields for BlockToolUse.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Tool result fields for BlockToolResult.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}
