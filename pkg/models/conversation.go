// Package models holds the domain types shared across the runtime:
// conversations, messages, tools, tasks, and work items.
package models

import "time"

// Conversation is a titled thread of messages. It owns its messages
// and at most one rolling summary; deleting the conversation deletes
// both.
type Conversation struct {
	// ID is the stable conversation identifier.
	ID string `json:"id"`

	// Title is the human-readable name. Auto-titled from the first
	// user message until renamed.
	Title string `json:"title"`

	// CreatedAt and UpdatedAt are UTC timestamps. UpdatedAt moves on
	// every appended message.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary is the rolling summary of a conversation's oldest messages.
// Together with the recent window it forms a valid substitute context.
type Summary struct {
	// ConversationID references the summarized conversation.
	ConversationID string `json:"conversation_id"`

	// Text is the summary body, at most 300 words.
	Text string `json:"text"`

	// MessagesCovered is how many of the oldest messages the text
	// covers.
	MessagesCovered int `json:"messages_covered"`

	// CreatedAt is when the summary was generated (UTC).
	CreatedAt time.Time `json:"created_at"`
}
