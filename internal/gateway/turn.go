package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/famulus-ai/famulus/internal/agent"
	agentctx "github.com/famulus-ai/famulus/internal/agent/context"
	"github.com/famulus-ai/famulus/internal/agent/routing"
	"github.com/famulus-ai/famulus/internal/config"
	"github.com/famulus-ai/famulus/internal/observability"
	"github.com/famulus-ai/famulus/internal/store"
	"github.com/famulus-ai/famulus/internal/tools"
	"github.com/famulus-ai/famulus/internal/work"
	"github.com/famulus-ai/famulus/pkg/models"
)

// defaultConversationTitle names auto-created conversations until the
// first successful turn derives a real title.
const defaultConversationTitle = "New conversation"

// apologyText is persisted when a turn fails before producing any
// output, so the conversation records that the question went
// unanswered.
const apologyText = "Sorry, I ran into a problem and couldn't finish answering. Please try again."

// Runner executes user turns: it resolves the conversation, builds
// context, routes to a model, drives the tool loop, and persists the
// outcome. One Runner serves all sessions; per-session serialization
// happens on the session's turn mutex.
type Runner struct {
	store    store.Store
	config   *config.Registry
	builder  *agentctx.Builder
	registry *tools.Registry
	invoker  agent.ToolInvoker
	work     *work.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger

	// router is swapped atomically when model settings change.
	// In-flight turns keep the router they loaded.
	router atomic.Pointer[routing.Router]
}

// NewRunner wires a turn runner. metrics may be nil in tests.
func NewRunner(st store.Store, cfg *config.Registry, builder *agentctx.Builder, registry *tools.Registry, invoker agent.ToolInvoker, wk *work.Registry, metrics *observability.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics != nil {
		invoker = &meteredInvoker{inner: invoker, metrics: metrics}
	}
	return &Runner{
		store:    st,
		config:   cfg,
		builder:  builder,
		registry: registry,
		invoker:  invoker,
		work:     wk,
		metrics:  metrics,
		logger:   logger.With("component", "turn"),
	}
}

// SetRouter installs the router used by subsequent turns.
func (r *Runner) SetRouter(rt *routing.Router) { r.router.Store(rt) }

// Router returns the current router, or nil before SetRouter.
func (r *Runner) Router() *routing.Router { return r.router.Load() }

// RunTurn executes one user turn on the session. Turns on the same
// session are serialized; the session lock is held from turn start
// until after the final persistence.
func (r *Runner) RunTurn(ctx context.Context, s *Session, text, convID string) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setCancelTurn(cancel)
	defer s.setCancelTurn(nil)

	started := time.Now()

	conv, created, err := r.resolveConversation(ctx, s, convID)
	if err != nil {
		s.protocolError(err.Error())
		return
	}
	if created {
		s.Enqueue(Event{Type: EventConversationSet, ConvID: conv.ID, Title: conv.Title})
	}

	item, err := r.work.Register(ctx, &models.WorkItem{
		Kind:           models.WorkAgentRun,
		Title:          titleFromMessage(text),
		ConversationID: conv.ID,
	})
	if err != nil {
		r.logger.Error("work item registration failed", "error", err)
		s.Enqueue(Event{Type: EventError, Category: string(agent.Classify(err)), Message: "could not start turn"})
		return
	}
	if err := r.work.UpdateStatus(ctx, item.ID, models.WorkRunning); err != nil {
		r.logger.Warn("work item update failed", "id", item.ID, "error", err)
	}

	emitter := &turnEmitter{session: s, convID: conv.ID}

	result, err := r.executeTurn(ctx, s, conv, text, emitter)
	if err != nil {
		r.failTurn(ctx, s, conv, item.ID, err, emitter, started)
		return
	}

	bg := context.WithoutCancel(ctx)
	assistant := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        result.Text,
		ModelTag:       result.ModelTag,
		TokensIn:       result.TokensIn,
		TokensOut:      result.TokensOut,
	}
	if err := r.store.AppendMessage(bg, assistant); err != nil {
		r.logger.Error("assistant message persist failed", "conversation_id", conv.ID, "error", err)
	}
	if err := r.store.RecordUsage(bg, result.ModelTag, result.TokensIn, result.TokensOut); err != nil {
		r.logger.Warn("usage record failed", "error", err)
	}
	if err := r.work.UpdateStatus(bg, item.ID, models.WorkCompleted); err != nil {
		r.logger.Warn("work item update failed", "id", item.ID, "error", err)
	}
	r.maybeRename(bg, s, conv, text)

	if r.metrics != nil {
		r.metrics.RecordTurn(result.ModelTag, "completed", time.Since(started).Seconds(), result.TokensIn, result.TokensOut, result.Rounds)
	}
	r.logger.Info("turn completed",
		"conversation_id", conv.ID,
		"model", result.ModelTag,
		"rounds", result.Rounds,
		"tool_calls", result.ToolCalls,
		"duration", time.Since(started))
}

// executeTurn runs the model side of the turn: context assembly, user
// message persistence, routing, and the tool loop, with one fallback
// retry when the failure is retriable and nothing was streamed yet.
func (r *Runner) executeTurn(ctx context.Context, s *Session, conv *models.Conversation, text string, emitter *turnEmitter) (*agent.Result, error) {
	// Context is built before the user message is persisted so the
	// recent window cannot include it twice.
	messages, err := r.builder.Build(ctx, conv.ID, text)
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	userMsg := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        text,
	}
	if err := r.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	router := r.router.Load()
	if router == nil {
		return nil, agent.ErrNoModelAvailable
	}
	client, err := router.Select(ctx, text, s.ForceModel())
	if err != nil {
		return nil, err
	}

	defs := r.registry.Definitions()
	system := buildSystemPrompt(r.config.Get(config.KeyPersonaTone), defs, time.Now())
	r.builder.CheckBudget(messages, system, client.ContextWindow())

	cfg := agent.LoopConfig{
		UseNativeTools: r.config.Get(config.KeyToolCallingMode) == config.ToolModeNative,
	}

	result, err := agent.NewLoop(client, r.invoker, emitter, defs, cfg, r.logger).Run(ctx, messages, system)
	if err == nil {
		return result, nil
	}

	if agent.Classify(err).Retriable() && !emitter.sawOutput() {
		if fb := router.Fallback(ctx, client); fb != nil {
			r.logger.Warn("turn failed, retrying on fallback",
				"failed", client.Name(), "fallback", fb.Name(), "error", err)
			return agent.NewLoop(fb, r.invoker, emitter, defs, cfg, r.logger).Run(ctx, messages, system)
		}
	}
	return nil, err
}

// failTurn surfaces a turn failure: typed error event after the
// stream closed, work item to failed (cancelled for aborts), and an
// apology message when the user saw no output at all.
func (r *Runner) failTurn(ctx context.Context, s *Session, conv *models.Conversation, itemID string, err error, emitter *turnEmitter, started time.Time) {
	te := asTurnError(err)
	bg := context.WithoutCancel(ctx)

	message := te.Message
	if message == "" && te.Err != nil {
		message = te.Err.Error()
	}
	s.Enqueue(Event{Type: EventError, Category: string(te.Category), Message: message})

	status := models.WorkFailed
	outcome := "failed"
	if te.Category == agent.CategoryAborted {
		status = models.WorkCancelled
		outcome = "aborted"
	}
	if uerr := r.work.UpdateStatus(bg, itemID, status); uerr != nil {
		r.logger.Warn("work item update failed", "id", itemID, "error", uerr)
	}

	// An aborted turn was stopped on purpose; only real failures that
	// produced nothing earn the apology.
	if !emitter.sawOutput() && te.Category != agent.CategoryAborted {
		apology := &models.Message{
			ConversationID: conv.ID,
			Role:           models.RoleAssistant,
			Content:        apologyText,
		}
		if perr := r.store.AppendMessage(bg, apology); perr != nil {
			r.logger.Warn("apology persist failed", "error", perr)
		} else {
			s.Enqueue(Event{Type: EventMessage, ConvID: conv.ID, Content: apologyText})
		}
	}

	if r.metrics != nil {
		model := emitter.model
		if model == "" {
			model = "none"
		}
		r.metrics.RecordTurn(model, outcome, time.Since(started).Seconds(), 0, 0, 0)
		r.metrics.RecordError("turn", string(te.Category))
	}
	r.logger.Error("turn failed",
		"conversation_id", conv.ID,
		"category", te.Category,
		"error", err,
		"duration", time.Since(started))
}

// resolveConversation picks the turn's conversation: the explicit
// conv_id from the message, the session's current one, or a fresh
// auto-created conversation.
func (r *Runner) resolveConversation(ctx context.Context, s *Session, explicit string) (conv *models.Conversation, created bool, err error) {
	id := explicit
	if id == "" {
		id = s.ConversationID()
	}
	if id != "" {
		conv, err = r.store.GetConversation(ctx, id)
		if err != nil {
			return nil, false, fmt.Errorf("unknown conversation %q", id)
		}
		s.setConversationID(conv.ID)
		return conv, false, nil
	}

	conv, err = r.store.CreateConversation(ctx, defaultConversationTitle)
	if err != nil {
		return nil, false, fmt.Errorf("create conversation: %v", err)
	}
	s.setConversationID(conv.ID)
	r.logger.Info("conversation created", "conversation_id", conv.ID)
	return conv, true, nil
}

// maybeRename gives an auto-created conversation its real title after
// its first successful turn.
func (r *Runner) maybeRename(ctx context.Context, s *Session, conv *models.Conversation, text string) {
	if conv.Title != defaultConversationTitle {
		return
	}
	title := titleFromMessage(text)
	if err := r.store.RenameConversation(ctx, conv.ID, title); err != nil {
		r.logger.Warn("conversation rename failed", "conversation_id", conv.ID, "error", err)
		return
	}
	s.Enqueue(Event{Type: EventConversationRenamed, ConvID: conv.ID, Title: title})
}

// SetModel records a per-session model override. An empty name clears
// it; unknown names are rejected without touching the override.
func (r *Runner) SetModel(s *Session, name string) {
	if name == "" {
		s.setForceModel("")
		s.Enqueue(Event{Type: EventSystem, Content: "model override cleared"})
		return
	}
	if router := r.router.Load(); router != nil {
		known := false
		for _, c := range router.Clients() {
			if c.Name() == name {
				known = true
				break
			}
		}
		if !known {
			s.protocolError(fmt.Sprintf("unknown model %q", name))
			return
		}
	}
	s.setForceModel(name)
	s.Enqueue(Event{Type: EventSystem, Content: "model set to " + name, Model: name})
}

// SetConversation switches the session's current conversation.
func (r *Runner) SetConversation(ctx context.Context, s *Session, id string) {
	if id == "" {
		s.protocolError("set_conversation requires conv_id")
		return
	}
	conv, err := r.store.GetConversation(ctx, id)
	if err != nil {
		s.protocolError(fmt.Sprintf("unknown conversation %q", id))
		return
	}
	s.setConversationID(conv.ID)
	s.Enqueue(Event{Type: EventConversationSet, ConvID: conv.ID, Title: conv.Title})
}

// turnEmitter adapts loop events onto the session queue and remembers
// whether the turn produced visible output, which gates both the
// fallback retry and the apology message. A turn runs on a single
// goroutine, so the fields need no locking.
type turnEmitter struct {
	session *Session
	convID  string
	model   string
	output  bool
}

func (e *turnEmitter) StreamStart(model string) {
	e.model = model
	e.session.Enqueue(Event{Type: EventStreamStart, Model: model, ConvID: e.convID})
}

func (e *turnEmitter) StreamChunk(text string) {
	e.output = true
	e.session.Enqueue(Event{Type: EventStreamChunk, Content: text})
}

func (e *turnEmitter) StreamEnd() {
	e.session.Enqueue(Event{Type: EventStreamEnd})
}

func (e *turnEmitter) ToolStatus(tool, status string, count int) {
	e.session.Enqueue(Event{Type: EventToolStatus, Tool: tool, Status: status, Count: count})
}

func (e *turnEmitter) sawOutput() bool { return e.output }

// asTurnError normalizes any error into a TurnError for uniform
// category and message access.
func asTurnError(err error) *agent.TurnError {
	var te *agent.TurnError
	if errors.As(err, &te) {
		return te
	}
	return &agent.TurnError{Category: agent.Classify(err), Err: err}
}

// titleFromMessage derives a short title from the user's text.
func titleFromMessage(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	const max = 60
	if utf8.RuneCountInString(title) <= max {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}

// meteredInvoker wraps the tool invoker with execution metrics.
type meteredInvoker struct {
	inner   agent.ToolInvoker
	metrics *observability.Metrics
}

func (m *meteredInvoker) Invoke(ctx context.Context, call *models.ToolCall) *models.ToolResult {
	start := time.Now()
	res := m.inner.Invoke(ctx, call)
	status := "ok"
	if res != nil && res.IsError {
		status = "error"
	}
	m.metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
	return res
}
