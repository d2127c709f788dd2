package models

import "time"

// ToolCallRecord is one entry in the tool audit log. The invoker
// records every call, its duration, and its outcome.
type ToolCallRecord struct {
	// ID is the unique record identifier.
	ID string `json:"id"`

	// ToolName is the namespaced tool name.
	ToolName string `json:"tool_name"`

	// Plugin is the owning plugin.
	Plugin string `json:"plugin"`

	// Duration is how long the handler ran.
	Duration time.Duration `json:"duration"`

	// Success is false for handler errors, policy denials, and limits.
	Success bool `json:"success"`

	// Error is the bounded failure message, if any.
	Error string `json:"error,omitempty"`

	// CalledAt is when the call started (UTC).
	CalledAt time.Time `json:"called_at"`
}

// UsageStat aggregates token usage per model tag.
type UsageStat struct {
	// ModelTag identifies the model client that answered.
	ModelTag string `json:"model"`

	// Turns is the number of turns answered by this model.
	Turns int `json:"turns"`

	// TokensIn and TokensOut are summed token counts.
	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`
}
