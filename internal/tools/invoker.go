package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/famulus-ai/famulus/internal/ratelimit"
	"github.com/famulus-ai/famulus/internal/store"
	"github.com/famulus-ai/famulus/pkg/models"
)

const (
	// defaultToolTimeout bounds one handler invocation.
	defaultToolTimeout = 30 * time.Second

	// maxErrorLength bounds error text fed back to the model.
	maxErrorLength = 500
)

// InvokerConfig configures the execution pipeline.
type InvokerConfig struct {
	// AllowedDirs is the path allow-list applied to parameters flagged
	// as paths. Empty denies all path parameters.
	AllowedDirs []string

	// RateLimit is the default per-tool calls-per-minute budget.
	RateLimit int
}

// Invoker executes tool calls. Every call produces a ToolResult;
// internal failures become results with IsError set so the loop can
// feed them back to the model.
type Invoker struct {
	registry *Registry
	limiter  *ratelimit.Limiter
	store    store.Store
	logger   *slog.Logger
	allowed  []string
}

// NewInvoker creates an invoker over the registry. store records the
// audit trail and may be nil in tests.
func NewInvoker(registry *Registry, st store.Store, cfg InvokerConfig, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 60
	}
	allowed := make([]string, 0, len(cfg.AllowedDirs))
	for _, dir := range cfg.AllowedDirs {
		if abs, err := filepath.Abs(dir); err == nil {
			allowed = append(allowed, abs)
		}
	}
	inv := &Invoker{
		registry: registry,
		limiter:  ratelimit.NewLimiter(ratelimit.Config{Limit: limit, Window: time.Minute, Enabled: true}),
		store:    st,
		logger:   logger.With("component", "tools"),
		allowed:  allowed,
	}
	return inv
}

// Invoke runs one tool call through the pipeline: resolve, policy,
// rate limit, path allow-list, schema validation, handler with time
// budget, audit record.
func (inv *Invoker) Invoke(ctx context.Context, call *models.ToolCall) *models.ToolResult {
	started := time.Now()
	plugin, _ := models.SplitWireName(call.Name)

	tool, schema, ok := inv.registry.Lookup(call.Name)
	if !ok {
		return inv.finish(ctx, call, plugin, started, "", fmt.Errorf("unknown tool %q", call.Name))
	}

	params, err := decodeParams(call.Input)
	if err != nil {
		return inv.finish(ctx, call, plugin, started, "", fmt.Errorf("invalid parameters: %v", err))
	}

	if tool.Policy != nil {
		if err := tool.Policy(params); err != nil {
			return inv.finish(ctx, call, plugin, started, "", fmt.Errorf("denied by policy: %v", err))
		}
	}

	if tool.RateLimit > 0 {
		inv.limiter.SetOverride(call.Name, tool.RateLimit)
	}
	if !inv.limiter.Allow(call.Name) {
		retry := inv.limiter.RetryAfter(call.Name).Round(time.Second)
		return inv.finish(ctx, call, plugin, started, "",
			fmt.Errorf("rate limit exceeded for %s, retry in %s", call.Name, retry))
	}

	if err := inv.checkPaths(tool.Def, params); err != nil {
		return inv.finish(ctx, call, plugin, started, "", err)
	}

	if err := schema.Validate(params); err != nil {
		return inv.finish(ctx, call, plugin, started, "", fmt.Errorf("parameters failed validation: %v", err))
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	content, err := inv.run(callCtx, tool, params)
	return inv.finish(ctx, call, plugin, started, content, err)
}

// run executes the handler with panic recovery.
func (inv *Invoker) run(ctx context.Context, tool *Tool, params map[string]any) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			inv.logger.Error("tool handler panicked",
				"tool", tool.Def.WireName(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return tool.Handler(ctx, params)
}

// checkPaths enforces the allow-list on parameters the definition
// flags as filesystem paths.
func (inv *Invoker) checkPaths(def models.ToolDefinition, params map[string]any) error {
	for _, p := range def.Params {
		if !p.IsPath {
			continue
		}
		raw, ok := params[p.Name]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("parameter %s must be a path string", p.Name)
		}
		abs, err := filepath.Abs(s)
		if err != nil {
			return fmt.Errorf("parameter %s: %v", p.Name, err)
		}
		if !inv.pathAllowed(abs) {
			return fmt.Errorf("path %s is outside the allowed directories", abs)
		}
		params[p.Name] = abs
	}
	return nil
}

func (inv *Invoker) pathAllowed(abs string) bool {
	for _, dir := range inv.allowed {
		if abs == dir || strings.HasPrefix(abs, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// finish converts the outcome into a ToolResult and records the audit
// row. Error text is bounded before it reaches the model.
func (inv *Invoker) finish(ctx context.Context, call *models.ToolCall, plugin string, started time.Time, content string, err error) *models.ToolResult {
	duration := time.Since(started)
	result := &models.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    content,
	}
	if err != nil {
		msg := err.Error()
		if len(msg) > maxErrorLength {
			msg = msg[:maxErrorLength]
		}
		result.Content = msg
		result.IsError = true
		inv.logger.Warn("tool call failed", "tool", call.Name, "duration", duration, "error", msg)
	} else {
		inv.logger.Debug("tool call completed", "tool", call.Name, "duration", duration)
	}

	if inv.store != nil {
		_, name := models.SplitWireName(call.Name)
		rec := &models.ToolCallRecord{
			ToolName: name,
			Plugin:   plugin,
			Duration: duration,
			Success:  err == nil,
		}
		if err != nil {
			rec.Error = result.Content
		}
		if recErr := inv.store.RecordToolCall(ctx, rec); recErr != nil {
			inv.logger.Warn("tool audit record failed", "tool", call.Name, "error", recErr)
		}
	}
	return result
}

func decodeParams(input json.RawMessage) (map[string]any, error) {
	if len(input) == 0 {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}
