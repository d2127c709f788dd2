// Package agent contains the model client contract, the turn error
// taxonomy, and the tool loop executor that drives one user turn
// against a selected model.
package agent

import (
	"context"

	"github.com/famulus-ai/famulus/pkg/models"
)

// Kind distinguishes client variants where behavior genuinely differs
// (context budget, tool-call wire format, synthesis forcing).
type Kind string

const (
	// KindLocal is an HTTP client against a local inference server.
	KindLocal Kind = "local"

	// KindHosted is a paid API with native tool-use blocks.
	KindHosted Kind = "hosted"
)

// ModelClient is the uniform interface over provider variants.
//
// Implementations must be safe for concurrent use; multiple turns may
// stream through the same client simultaneously.
type ModelClient interface {
	// Name returns the routing name ("local", "hosted").
	Name() string

	// Kind returns the client variant.
	Kind() Kind

	// ContextWindow returns the model's token window.
	ContextWindow() int

	// Available reports reachability. Implementations cache the probe
	// result briefly so the router can call this on every turn.
	Available(ctx context.Context) bool

	// Chat sends the request and returns the complete response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatStream sends the request and returns a channel of chunks.
	// The channel is closed after a Done or Error chunk. Cancelling
	// ctx terminates the stream.
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan Chunk, error)
}

// ChatRequest carries one model call. Providers translate Messages and
// Tools into their own wire format.
type ChatRequest struct {
	// Messages is the conversation in chronological order.
	Messages []*models.Message

	// System is the system prompt, handled out of band by providers.
	System string

	// Tools lists callable tools. Empty disables tool calling for the
	// round (the loop clears it to force synthesis).
	Tools []models.ToolDefinition

	// MaxTokens bounds the response; 0 uses the provider default.
	MaxTokens int
}

// ChatResponse is the non-streaming result.
type ChatResponse struct {
	Content   string
	ModelTag  string
	TokensIn  int
	TokensOut int
}

// Chunk is one element of a streaming response. Exactly one of Text,
// ToolCall, Done, or Error is meaningful per chunk; token counts ride
// on the Done chunk.
type Chunk struct {
	// Text is a partial response delta.
	Text string

	// ToolCall is a complete tool execution request.
	ToolCall *models.ToolCall

	// Done marks successful end of stream.
	Done bool

	// InputTokens and OutputTokens are set on the Done chunk.
	InputTokens  int
	OutputTokens int

	// Error terminates the stream.
	Error error
}
