// Package tools holds the tool registry and the invoker that executes
// tool calls with policy, rate-limit, path, and schema checks.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/famulus-ai/famulus/pkg/models"
)

// Handler executes one tool call with decoded parameters.
type Handler func(ctx context.Context, params map[string]any) (string, error)

// Policy may refuse a call before execution. A non-nil error denies
// with the error text as the reason.
type Policy func(params map[string]any) error

// Tool bundles a definition with its handler and per-tool knobs.
type Tool struct {
	// Def is the wire-visible definition.
	Def models.ToolDefinition

	// Handler executes the call.
	Handler Handler

	// Policy is consulted before execution. Optional.
	Policy Policy

	// Timeout overrides the invoker's default per-call budget.
	Timeout time.Duration

	// RateLimit overrides the default calls-per-window limit for this
	// tool. Zero keeps the default.
	RateLimit int
}

// Registry indexes tools by wire name. Native plugins register at
// startup; skill-backed tools come and go as manifests change.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. The wire name must be unique; the parameter
// schema is compiled once here.
func (r *Registry) Register(t *Tool) error {
	wire := t.Def.WireName()
	if t.Def.Name == "" || t.Def.Plugin == "" {
		return fmt.Errorf("tools: definition for %q missing name or plugin", wire)
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: %s has no handler", wire)
	}

	raw, err := json.Marshal(t.Def.InputSchema())
	if err != nil {
		return fmt.Errorf("tools: marshal schema for %s: %w", wire, err)
	}
	schema, err := jsonschema.CompileString(wire+".schema.json", string(raw))
	if err != nil {
		return fmt.Errorf("tools: compile schema for %s: %w", wire, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[wire]; exists {
		return fmt.Errorf("tools: %s already registered", wire)
	}
	r.tools[wire] = t
	r.schemas[wire] = schema
	return nil
}

// Unregister removes all tools of one plugin. Used when a skill
// manifest is removed or replaced.
func (r *Registry) Unregister(plugin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for wire, t := range r.tools {
		if t.Def.Plugin == plugin {
			delete(r.tools, wire)
			delete(r.schemas, wire)
		}
	}
}

// Lookup resolves a wire name.
func (r *Registry) Lookup(wire string) (*Tool, *jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[wire]
	if !ok {
		return nil, nil, false
	}
	return t, r.schemas[wire], true
}

// Definitions returns all registered definitions, for export to
// provider wire formats.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Def)
	}
	return defs
}
