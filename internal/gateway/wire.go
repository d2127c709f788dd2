package gateway

import (
	"github.com/famulus-ai/famulus/pkg/models"
)

// EventType tags a server-to-client event.
type EventType string

const (
	EventSessionInfo         EventType = "session_info"
	EventStreamStart         EventType = "stream_start"
	EventStreamChunk         EventType = "stream_chunk"
	EventStreamEnd           EventType = "stream_end"
	EventToolStatus          EventType = "tool_status"
	EventMessage             EventType = "message"
	EventSystem              EventType = "system"
	EventError               EventType = "error"
	EventConversationSet     EventType = "conversation_set"
	EventConversationRenamed EventType = "conversation_renamed"
	EventPing                EventType = "ping"
	EventWorkItemUpdate      EventType = "work_item_update"
)

// Event is one server-to-client frame. Each event type populates a
// subset of the fields; the rest are omitted from the wire.
type Event struct {
	Type EventType `json:"type"`

	// Content carries stream deltas, persisted message bodies, and
	// system notices.
	Content string `json:"content,omitempty"`

	// Model names the client serving the stream ("local", "hosted").
	Model string `json:"model,omitempty"`

	// ConvID and Title describe conversation events.
	ConvID string `json:"conv_id,omitempty"`
	Title  string `json:"title,omitempty"`

	// SessionID rides on session_info.
	SessionID string `json:"session_id,omitempty"`

	// Item is the payload of work_item_update; Status mirrors
	// item.status for clients that only track state.
	Item   *models.WorkItem `json:"item,omitempty"`
	Status string           `json:"status,omitempty"`

	// Tool and Count describe tool_status progress.
	Tool  string `json:"tool,omitempty"`
	Count int    `json:"count,omitempty"`

	// Category and Message describe error events.
	Category string `json:"category,omitempty"`
	Message  string `json:"message,omitempty"`

	// Queued marks events that accumulated while the session was
	// suspended and were delivered on reconnection.
	Queued bool `json:"queued,omitempty"`
}

// Client-to-server message types.
const (
	msgText            = "text"
	msgAbort           = "abort"
	msgSetModel        = "set_model"
	msgSetConversation = "set_conversation"
	msgPong            = "pong"
)

// clientMessage is the inbound tagged union. Unknown types and
// unparseable frames produce a protocol error event; the session
// stays live.
type clientMessage struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	ConvID string `json:"conv_id,omitempty"`
	Model  string `json:"model,omitempty"`
}

// categoryProtocol tags error events caused by malformed client
// messages. Turn failures use the agent error categories instead.
const categoryProtocol = "protocol"
