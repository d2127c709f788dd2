package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/famulus-ai/famulus/internal/agent"
	agentctx "github.com/famulus-ai/famulus/internal/agent/context"
	"github.com/famulus-ai/famulus/internal/agent/routing"
	"github.com/famulus-ai/famulus/internal/config"
	"github.com/famulus-ai/famulus/internal/store"
	"github.com/famulus-ai/famulus/internal/tools"
	"github.com/famulus-ai/famulus/internal/work"
	"github.com/famulus-ai/famulus/pkg/models"
)

// scriptClient replays a fixed chunk script per round. Turns run on
// the calling goroutine, so the request log needs no locking.
type scriptClient struct {
	name      string
	kind      agent.Kind
	window    int
	streamErr error
	rounds    [][]agent.Chunk
	reqs      []agent.ChatRequest
}

func (s *scriptClient) Name() string     { return s.name }
func (s *scriptClient) Kind() agent.Kind { return s.kind }

func (s *scriptClient) ContextWindow() int {
	if s.window == 0 {
		return 32000
	}
	return s.window
}

func (s *scriptClient) Available(context.Context) bool { return true }

func (s *scriptClient) Chat(context.Context, *agent.ChatRequest) (*agent.ChatResponse, error) {
	return nil, errors.New("scriptClient: Chat not scripted")
}

func (s *scriptClient) ChatStream(_ context.Context, req *agent.ChatRequest) (<-chan agent.Chunk, error) {
	s.reqs = append(s.reqs, *req)
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	var script []agent.Chunk
	if i := len(s.reqs) - 1; i < len(s.rounds) {
		script = s.rounds[i]
	} else {
		script = []agent.Chunk{{Done: true}}
	}
	ch := make(chan agent.Chunk, len(script))
	for _, c := range script {
		ch <- c
	}
	close(ch)
	return ch, nil
}

// hangingClient emits one chunk and leaves the stream open, so only
// cancellation can end the turn.
type hangingClient struct {
	streaming chan struct{}
}

func (h *hangingClient) Name() string                   { return "local" }
func (h *hangingClient) Kind() agent.Kind               { return agent.KindLocal }
func (h *hangingClient) ContextWindow() int             { return 32000 }
func (h *hangingClient) Available(context.Context) bool { return true }

func (h *hangingClient) Chat(context.Context, *agent.ChatRequest) (*agent.ChatResponse, error) {
	return nil, errors.New("hangingClient: Chat not scripted")
}

func (h *hangingClient) ChatStream(context.Context, *agent.ChatRequest) (<-chan agent.Chunk, error) {
	ch := make(chan agent.Chunk, 1)
	ch <- agent.Chunk{Text: "partial "}
	close(h.streaming)
	return ch, nil
}

type harness struct {
	store  store.Store
	config *config.Registry
	work   *work.Registry
	runner *Runner
	hub    *Hub
}

func newHarness(t *testing.T, clients ...agent.ModelClient) *harness {
	t.Helper()

	st := store.NewMemory()
	cipher, err := config.LoadOrCreateCipher(filepath.Join(t.TempDir(), "secret.key"))
	if err != nil {
		t.Fatalf("LoadOrCreateCipher: %v", err)
	}
	cfg, err := config.NewRegistry(context.Background(), st, cipher, discardLogger())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(cfg.Close)

	registry := tools.NewRegistry()
	registerTestTools(t, registry)
	invoker := tools.NewInvoker(registry, st, tools.InvokerConfig{}, discardLogger())

	wk := work.NewRegistry(st, discardLogger())
	t.Cleanup(wk.Close)

	builder := agentctx.NewBuilder(st, nil, discardLogger())

	runner := NewRunner(st, cfg, builder, registry, invoker, wk, nil, discardLogger())
	runner.SetRouter(routing.NewRouter(routing.Config{}, clients, discardLogger()))

	return &harness{
		store:  st,
		config: cfg,
		work:   wk,
		runner: runner,
		hub:    bareHub(runner),
	}
}

func (h *harness) session() *Session {
	return newSession("test-session", h.hub, discardLogger())
}

func registerTestTools(t *testing.T, reg *tools.Registry) {
	t.Helper()
	testTools := []*tools.Tool{
		{
			Def: models.ToolDefinition{Plugin: "core", Name: "clock_now", Description: "Current time"},
			Handler: func(context.Context, map[string]any) (string, error) {
				return "2026-08-25T12:00:00Z", nil
			},
		},
		{
			Def: models.ToolDefinition{
				Plugin:      "core",
				Name:        "web_fetch",
				Description: "Fetch a URL",
				Params: []models.ToolParam{
					{Name: "url", Type: "string", Description: "URL to fetch", Required: true},
				},
			},
			Handler: func(context.Context, map[string]any) (string, error) {
				return "Example Domain", nil
			},
		},
	}
	for _, tool := range testTools {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("register %s: %v", tool.Def.WireName(), err)
		}
	}
}

func filterEvents(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func indexOf(events []Event, typ EventType) int {
	for i, ev := range events {
		if ev.Type == typ {
			return i
		}
	}
	return -1
}

func streamedText(events []Event) string {
	var b strings.Builder
	for _, ev := range filterEvents(events, EventStreamChunk) {
		b.WriteString(ev.Content)
	}
	return b.String()
}

func workItems(t *testing.T, st store.Store) []*models.WorkItem {
	t.Helper()
	items, err := st.ListWorkItems(context.Background(), models.WorkAgentRun, 10)
	if err != nil {
		t.Fatalf("ListWorkItems: %v", err)
	}
	return items
}

func TestComplexTurnRoutesHosted(t *testing.T) {
	local := &scriptClient{name: "local", kind: agent.KindLocal,
		rounds: [][]agent.Chunk{{{Text: "local answer"}, {Done: true}}}}
	hosted := &scriptClient{name: "hosted", kind: agent.KindHosted, window: 200000,
		rounds: [][]agent.Chunk{{
			{Text: "Detailed analysis of the tradeoffs."},
			{Done: true, InputTokens: 40, OutputTokens: 12},
		}}}
	h := newHarness(t, local, hosted)
	s := h.session()

	h.runner.RunTurn(context.Background(), s,
		"Analyze the tradeoffs between microservices and monoliths in detail, with examples.", "")

	events := drainEvents(s)
	if events[0].Type != EventConversationSet || events[0].Title != defaultConversationTitle {
		t.Fatalf("first event = %+v, want conversation_set %q", events[0], defaultConversationTitle)
	}
	convID := events[0].ConvID

	starts := filterEvents(events, EventStreamStart)
	if len(starts) != 1 || starts[0].Model != "hosted" {
		t.Fatalf("stream_start = %+v, want one with model hosted", starts)
	}
	if got := streamedText(events); got != "Detailed analysis of the tradeoffs." {
		t.Errorf("streamed text = %q", got)
	}
	if ends := filterEvents(events, EventStreamEnd); len(ends) != 1 {
		t.Errorf("stream_end count = %d, want 1", len(ends))
	}

	renames := filterEvents(events, EventConversationRenamed)
	if len(renames) != 1 || !strings.HasPrefix(renames[0].Title, "Analyze the tradeoffs") {
		t.Fatalf("conversation_renamed = %+v", renames)
	}
	conv, err := h.store.GetConversation(context.Background(), convID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Title != renames[0].Title {
		t.Errorf("stored title = %q, event title = %q", conv.Title, renames[0].Title)
	}

	msgs, err := h.store.RecentMessages(context.Background(), convID, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("persisted roles = %+v, want user then assistant", msgs)
	}
	if msgs[1].ModelTag != "hosted" || msgs[1].TokensIn != 40 || msgs[1].TokensOut != 12 {
		t.Errorf("assistant message = tag %q in %d out %d", msgs[1].ModelTag, msgs[1].TokensIn, msgs[1].TokensOut)
	}

	items := workItems(t, h.store)
	if len(items) != 1 || items[0].Status != models.WorkCompleted {
		t.Fatalf("work items = %+v, want one completed", items)
	}
	if len(local.reqs) != 0 {
		t.Errorf("local client received %d requests, want 0", len(local.reqs))
	}
}

func TestGreetingRoutesLocal(t *testing.T) {
	local := &scriptClient{name: "local", kind: agent.KindLocal,
		rounds: [][]agent.Chunk{{{Text: "Hey there!"}, {Done: true, InputTokens: 3, OutputTokens: 4}}}}
	hosted := &scriptClient{name: "hosted", kind: agent.KindHosted, window: 200000}
	h := newHarness(t, local, hosted)
	s := h.session()

	h.runner.RunTurn(context.Background(), s, "hi", "")

	events := drainEvents(s)
	starts := filterEvents(events, EventStreamStart)
	if len(starts) != 1 || starts[0].Model != "local" {
		t.Fatalf("stream_start = %+v, want model local", starts)
	}
	if len(hosted.reqs) != 0 {
		t.Errorf("hosted client received %d requests, want 0", len(hosted.reqs))
	}

	msgs, _ := h.store.RecentMessages(context.Background(), s.ConversationID(), 10)
	if len(msgs) != 2 || msgs[1].ModelTag != "local" {
		t.Fatalf("assistant message not tagged local: %+v", msgs)
	}
}

func TestToolLoopTurn(t *testing.T) {
	hosted := &scriptClient{name: "hosted", kind: agent.KindHosted, window: 200000,
		rounds: [][]agent.Chunk{
			{
				{ToolCall: &models.ToolCall{ID: "t1", Name: "core__web_fetch", Input: json.RawMessage(`{"url":"https://example.com"}`)}},
				{ToolCall: &models.ToolCall{ID: "t2", Name: "core__clock_now", Input: json.RawMessage(`{}`)}},
				{Done: true, InputTokens: 50, OutputTokens: 20},
			},
			{
				{Text: "example.com shows Example Domain; the local time is 2026-08-25T12:00:00Z."},
				{Done: true, InputTokens: 80, OutputTokens: 25},
			},
		}}
	h := newHarness(t, hosted)
	s := h.session()

	h.runner.RunTurn(context.Background(), s, "What's on example.com and what's the local time?", "")

	events := drainEvents(s)
	statuses := filterEvents(events, EventToolStatus)
	if len(statuses) != 3 {
		t.Fatalf("tool_status events = %+v, want 3", statuses)
	}
	if statuses[0].Tool != "core__web_fetch" || statuses[0].Status != "running" {
		t.Errorf("first tool_status = %+v", statuses[0])
	}
	if statuses[1].Tool != "core__clock_now" || statuses[1].Status != "running" {
		t.Errorf("second tool_status = %+v", statuses[1])
	}
	if statuses[2].Status != "complete" || statuses[2].Count != 2 {
		t.Errorf("third tool_status = %+v, want complete count 2", statuses[2])
	}

	if ends := filterEvents(events, EventStreamEnd); len(ends) != 1 {
		t.Errorf("stream_end count = %d, want 1", len(ends))
	}
	if len(hosted.reqs) != 2 {
		t.Fatalf("model calls = %d, want 2", len(hosted.reqs))
	}

	audit, err := h.store.ListToolCalls(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListToolCalls: %v", err)
	}
	if len(audit) != 2 {
		t.Fatalf("audit records = %d, want 2", len(audit))
	}
	for _, rec := range audit {
		if !rec.Success {
			t.Errorf("audit record %s failed: %s", rec.ToolName, rec.Error)
		}
	}
}

func TestCancelledTurn(t *testing.T) {
	client := &hangingClient{streaming: make(chan struct{})}
	h := newHarness(t, client)
	s := h.session()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.runner.RunTurn(context.Background(), s, "tell me everything", "")
	}()

	<-client.streaming
	s.abortTurn()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not stop after abort")
	}

	events := drainEvents(s)
	if n := len(filterEvents(events, EventStreamChunk)); n > 1 {
		t.Errorf("stream_chunk count after abort = %d, want at most 1", n)
	}
	endIdx := indexOf(events, EventStreamEnd)
	errIdx := indexOf(events, EventError)
	if endIdx == -1 || errIdx == -1 || errIdx < endIdx {
		t.Fatalf("want stream_end before error, got order %v", events)
	}
	if got := events[errIdx].Category; got != string(agent.CategoryAborted) {
		t.Errorf("error category = %q, want aborted", got)
	}

	items := workItems(t, h.store)
	if len(items) != 1 || items[0].Status != models.WorkCancelled {
		t.Fatalf("work items = %+v, want one cancelled", items)
	}

	// No apology for a user-initiated stop.
	msgs, _ := h.store.RecentMessages(context.Background(), s.ConversationID(), 10)
	if len(msgs) != 1 || msgs[0].Role != models.RoleUser {
		t.Fatalf("persisted messages = %+v, want just the user message", msgs)
	}
}

func TestFallbackRetryOnUnavailable(t *testing.T) {
	hosted := &scriptClient{name: "hosted", kind: agent.KindHosted, window: 200000,
		streamErr: errors.New("connection refused")}
	local := &scriptClient{name: "local", kind: agent.KindLocal,
		rounds: [][]agent.Chunk{{{Text: "fallback answer"}, {Done: true}}}}
	h := newHarness(t, local, hosted)
	s := h.session()

	h.runner.RunTurn(context.Background(), s,
		"Compare the architectural tradeoffs of event sourcing versus CRUD in detail, with examples.", "")

	events := drainEvents(s)
	starts := filterEvents(events, EventStreamStart)
	if len(starts) != 2 || starts[0].Model != "hosted" || starts[1].Model != "local" {
		t.Fatalf("stream_start sequence = %+v, want hosted then local", starts)
	}
	if ends := filterEvents(events, EventStreamEnd); len(ends) != 2 {
		t.Errorf("stream_end count = %d, want 2", len(ends))
	}
	if errs := filterEvents(events, EventError); len(errs) != 0 {
		t.Errorf("error events = %+v, want none after successful fallback", errs)
	}

	msgs, _ := h.store.RecentMessages(context.Background(), s.ConversationID(), 10)
	if len(msgs) != 2 || msgs[1].ModelTag != "local" || msgs[1].Content != "fallback answer" {
		t.Fatalf("assistant message = %+v, want fallback answer tagged local", msgs)
	}
	items := workItems(t, h.store)
	if len(items) != 1 || items[0].Status != models.WorkCompleted {
		t.Fatalf("work items = %+v, want one completed", items)
	}
}

func TestFailedTurnPersistsApology(t *testing.T) {
	client := &scriptClient{name: "hosted", kind: agent.KindHosted, window: 200000,
		streamErr: errors.New("401 unauthorized")}
	h := newHarness(t, client)
	s := h.session()

	h.runner.RunTurn(context.Background(), s, "hello", "")

	events := drainEvents(s)
	errs := filterEvents(events, EventError)
	if len(errs) != 1 || errs[0].Category != string(agent.CategoryAuth) {
		t.Fatalf("error events = %+v, want one auth error", errs)
	}
	messages := filterEvents(events, EventMessage)
	if len(messages) != 1 || messages[0].Content != apologyText {
		t.Fatalf("message events = %+v, want the apology", messages)
	}

	msgs, _ := h.store.RecentMessages(context.Background(), s.ConversationID(), 10)
	if len(msgs) != 2 || msgs[1].Content != apologyText {
		t.Fatalf("persisted messages = %+v, want user then apology", msgs)
	}
	items := workItems(t, h.store)
	if len(items) != 1 || items[0].Status != models.WorkFailed {
		t.Fatalf("work items = %+v, want one failed", items)
	}
}

func TestUnknownConversationRejected(t *testing.T) {
	client := &scriptClient{name: "local", kind: agent.KindLocal}
	h := newHarness(t, client)
	s := h.session()

	h.runner.RunTurn(context.Background(), s, "hello", "no-such-conversation")

	events := drainEvents(s)
	if len(events) != 1 || events[0].Category != categoryProtocol {
		t.Fatalf("events = %+v, want a single protocol error", events)
	}
	if items := workItems(t, h.store); len(items) != 0 {
		t.Errorf("work items = %+v, want none", items)
	}
	if len(client.reqs) != 0 {
		t.Errorf("model received %d requests, want 0", len(client.reqs))
	}
}

func TestSetModelOverride(t *testing.T) {
	local := &scriptClient{name: "local", kind: agent.KindLocal,
		rounds: [][]agent.Chunk{{{Text: "local"}, {Done: true}}}}
	hosted := &scriptClient{name: "hosted", kind: agent.KindHosted, window: 200000,
		rounds: [][]agent.Chunk{{{Text: "hosted"}, {Done: true}}}}
	h := newHarness(t, local, hosted)
	s := h.session()

	h.runner.SetModel(s, "hosted")
	h.runner.RunTurn(context.Background(), s, "hi", "")

	events := drainEvents(s)
	if sys := filterEvents(events, EventSystem); len(sys) != 1 || sys[0].Model != "hosted" {
		t.Fatalf("system events = %+v, want set_model acknowledgement", sys)
	}
	starts := filterEvents(events, EventStreamStart)
	if len(starts) != 1 || starts[0].Model != "hosted" {
		t.Fatalf("stream_start = %+v, want forced hosted", starts)
	}

	h.runner.SetModel(s, "bogus")
	events = drainEvents(s)
	if len(events) != 1 || events[0].Category != categoryProtocol {
		t.Fatalf("events = %+v, want protocol error for unknown model", events)
	}
	if got := s.ForceModel(); got != "hosted" {
		t.Errorf("force model = %q, want unchanged %q", got, "hosted")
	}

	h.runner.SetModel(s, "")
	if got := s.ForceModel(); got != "" {
		t.Errorf("force model after clear = %q, want empty", got)
	}
}

func TestSetConversationSwitches(t *testing.T) {
	client := &scriptClient{name: "local", kind: agent.KindLocal,
		rounds: [][]agent.Chunk{{{Text: "noted"}, {Done: true}}}}
	h := newHarness(t, client)
	s := h.session()

	conv, err := h.store.CreateConversation(context.Background(), "Projects")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	h.runner.SetConversation(context.Background(), s, conv.ID)
	h.runner.RunTurn(context.Background(), s, "add a task", "")

	events := drainEvents(s)
	sets := filterEvents(events, EventConversationSet)
	if len(sets) != 1 || sets[0].ConvID != conv.ID || sets[0].Title != "Projects" {
		t.Fatalf("conversation_set events = %+v, want exactly one for %q", sets, conv.ID)
	}

	msgs, _ := h.store.RecentMessages(context.Background(), conv.ID, 10)
	if len(msgs) != 2 {
		t.Fatalf("messages in %q = %d, want 2", conv.ID, len(msgs))
	}

	// An existing title is never overwritten by auto-titling.
	got, _ := h.store.GetConversation(context.Background(), conv.ID)
	if got.Title != "Projects" {
		t.Errorf("title = %q, want Projects", got.Title)
	}
}

func TestTurnsSerializePerSession(t *testing.T) {
	client := &scriptClient{name: "local", kind: agent.KindLocal,
		rounds: [][]agent.Chunk{
			{{Text: "first answer"}, {Done: true}},
			{{Text: "second answer"}, {Done: true}},
		}}
	h := newHarness(t, client)
	s := h.session()

	done := make(chan struct{}, 2)
	for _, text := range []string{"first question", "second question"} {
		text := text
		go func() {
			h.runner.RunTurn(context.Background(), s, text, "")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("turns did not finish")
		}
	}

	events := drainEvents(s)
	var order []string
	for _, ev := range events {
		if ev.Type == EventStreamStart || ev.Type == EventStreamEnd {
			order = append(order, string(ev.Type))
		}
	}
	want := []string{"stream_start", "stream_end", "stream_start", "stream_end"}
	if len(order) != len(want) {
		t.Fatalf("stream events = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("stream events interleaved: %v", order)
		}
	}

	convs, err := h.store.ListConversations(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1 shared by both turns", len(convs))
	}
	msgs, _ := h.store.RecentMessages(context.Background(), convs[0].ID, 10)
	if len(msgs) != 4 {
		t.Errorf("messages = %d, want 4", len(msgs))
	}
}
