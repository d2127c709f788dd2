package models

import (
	"encoding/json"
	"strings"
)

// ToolParam describes one parameter of a tool.
type ToolParam struct {
	// Name is the parameter name.
	Name string `json:"name" yaml:"name"`

	// Type is the JSON-schema type (string, integer, number, boolean).
	Type string `json:"type" yaml:"type"`

	// Description explains the parameter to the model.
	Description string `json:"description" yaml:"description"`

	// Required marks the parameter as mandatory.
	Required bool `json:"required" yaml:"required"`

	// IsPath flags the parameter as a filesystem path subject to the
	// owning plugin's allow-list.
	IsPath bool `json:"is_path,omitempty" yaml:"is_path"`
}

// ToolDefinition describes a callable tool. Definitions are globally
// unique under the composite key Plugin + "__" + Name.
type ToolDefinition struct {
	// Name is the tool name within its plugin.
	Name string `json:"name"`

	// Plugin is the owning plugin namespace (e.g. "core", "skill_notes").
	Plugin string `json:"plugin"`

	// Description explains what the tool does and when to use it.
	Description string `json:"description"`

	// Params is the ordered parameter list.
	Params []ToolParam `json:"params"`
}

// WireName returns the namespaced name transmitted to providers.
func (d ToolDefinition) WireName() string {
	return d.Plugin + "__" + d.Name
}

// InputSchema returns the JSON-schema object describing the tool's
// parameters, suitable for either provider wire format.
func (d ToolDefinition) InputSchema() map[string]any {
	properties := make(map[string]any, len(d.Params))
	var required []string
	for _, p := range d.Params {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		properties[p.Name] = map[string]any{
			"type":        typ,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// SplitWireName splits a namespaced tool name into plugin and tool.
// A name without a namespace maps to the "core" plugin.
func SplitWireName(wire string) (plugin, name string) {
	if i := strings.Index(wire, "__"); i > 0 {
		return wire[:i], wire[i+2:]
	}
	return "core", wire
}

// ToolCall is a single tool invocation requested by a model.
type ToolCall struct {
	// ID is the provider-assigned (or synthesized) call identifier.
	ID string `json:"id"`

	// Name is the namespaced tool name as emitted by the model.
	Name string `json:"name"`

	// Input is the raw JSON parameter payload.
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of executing one ToolCall. A result is
// produced for every call regardless of internal failure.
type ToolResult struct {
	// ToolCallID references the originating call.
	ToolCallID string `json:"tool_call_id"`

	// ToolName is the namespaced tool name.
	ToolName string `json:"tool_name"`

	// Content is the textual result, or the error message when IsError.
	Content string `json:"content"`

	// IsError marks the result as a failure.
	IsError bool `json:"is_error,omitempty"`
}
