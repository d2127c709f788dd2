package agent

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/famulus-ai/famulus/pkg/models"
)

const (
	// MaxRounds caps tool rounds per turn. The circuit breaker may add
	// one forced synthesis call beyond it.
	MaxRounds = 5

	// flushInterval is how often buffered stream text is flushed to the
	// session.
	flushInterval = 100 * time.Millisecond
)

// Emitter receives turn events in order. The session implementation
// feeds its outbound queue; tests capture the sequence.
type Emitter interface {
	StreamStart(model string)
	StreamChunk(text string)
	StreamEnd()
	// ToolStatus reports tool progress: ("name", "running", 0) per call,
	// then ("", "complete", n) after the round's invocations.
	ToolStatus(tool, status string, count int)
}

// ToolInvoker executes one tool call. Always returns a result.
type ToolInvoker interface {
	Invoke(ctx context.Context, call *models.ToolCall) *models.ToolResult
}

// LoopConfig tunes one executor.
type LoopConfig struct {
	// UseNativeTools selects block-based tool calling over legacy text.
	UseNativeTools bool

	// MaxTokens bounds each model response; 0 uses the provider default.
	MaxTokens int
}

// Result is the outcome of one completed turn.
type Result struct {
	// Text is the final assistant response.
	Text string

	// ModelTag names the client that answered.
	ModelTag string

	// TokensIn and TokensOut accumulate across rounds.
	TokensIn  int
	TokensOut int

	// Rounds is how many model calls ran.
	Rounds int

	// ToolCalls counts invoked tools across the turn.
	ToolCalls int
}

// Loop drives one user turn: stream a round, execute tool calls,
// format results back into the transcript, repeat until the model
// answers with text only, the round cap is hit, or the circuit breaker
// trips.
type Loop struct {
	client  ModelClient
	invoker ToolInvoker
	emitter Emitter
	tools   []models.ToolDefinition
	cfg     LoopConfig
	logger  *slog.Logger
}

// NewLoop creates an executor for one turn.
func NewLoop(client ModelClient, invoker ToolInvoker, emitter Emitter, tools []models.ToolDefinition, cfg LoopConfig, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		client:  client,
		invoker: invoker,
		emitter: emitter,
		tools:   tools,
		cfg:     cfg,
		logger:  logger.With("component", "loop", "model", clientName(client)),
	}
}

func clientName(c ModelClient) string {
	if c == nil {
		return ""
	}
	return c.Name()
}

// roundOutcome is what one streamed round produced.
type roundOutcome struct {
	text      string
	toolCalls []*models.ToolCall
	tokensIn  int
	tokensOut int
}

// Run executes the turn. Exactly one StreamEnd is emitted for the
// StreamStart, on every path including errors and cancellation.
func (l *Loop) Run(ctx context.Context, messages []*models.Message, system string) (*Result, error) {
	format := pickFormat(l.cfg.UseNativeTools, l.client.Kind())

	running := make([]*models.Message, len(messages))
	copy(running, messages)

	result := &Result{ModelTag: l.client.Name()}
	var prevTools []string
	var lastText string
	started := false
	endStream := func() {
		if started {
			l.emitter.StreamEnd()
			started = false
		}
	}
	defer endStream()

	for round := 1; round <= MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, &TurnError{Category: CategoryAborted, Message: "turn cancelled", Err: err}
		}

		// Local models over-chain tool calls; force synthesis from the
		// second round on.
		tools := l.tools
		if l.client.Kind() == KindLocal && round >= 2 {
			tools = nil
		}

		if !started {
			l.emitter.StreamStart(l.client.Name())
			started = true
		}

		outcome, err := l.streamRound(ctx, running, system, tools)
		if err != nil {
			return nil, err
		}
		result.Rounds++
		result.TokensIn += outcome.tokensIn
		result.TokensOut += outcome.tokensOut
		if outcome.text != "" {
			lastText = outcome.text
		}

		if len(outcome.toolCalls) == 0 {
			result.Text = lastText
			return result, nil
		}

		results := l.invokeAll(ctx, outcome.toolCalls)
		result.ToolCalls += len(results)
		if err := ctx.Err(); err != nil {
			return nil, &TurnError{Category: CategoryAborted, Message: "turn cancelled", Err: err}
		}

		truncateResults(results, l.client.ContextWindow())
		running = appendFollowup(running, format, round, outcome.text, outcome.toolCalls, results)

		names := toolNames(outcome.toolCalls)
		if sameMultiset(names, prevTools) {
			l.logger.Warn("repeated tool round, forcing synthesis", "tools", names)
			return l.synthesize(ctx, running, system, result, lastText)
		}
		prevTools = names
	}

	// Round cap reached with tool calls still pending: answer with the
	// most recent text rather than spending another model call.
	l.logger.Warn("round cap reached, using last response text", "rounds", result.Rounds)
	result.Text = lastText
	return result, nil
}

// synthesize runs one final round with tools suppressed and returns
// its text, falling back to the last text seen.
func (l *Loop) synthesize(ctx context.Context, messages []*models.Message, system string, result *Result, lastText string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TurnError{Category: CategoryAborted, Message: "turn cancelled", Err: err}
	}
	outcome, err := l.streamRound(ctx, messages, system, nil)
	if err != nil {
		return nil, err
	}
	result.Rounds++
	result.TokensIn += outcome.tokensIn
	result.TokensOut += outcome.tokensOut
	result.Text = outcome.text
	if result.Text == "" {
		result.Text = lastText
	}
	return result, nil
}

// streamRound consumes one chat_stream call. Text is buffered and
// flushed every flushInterval, or immediately when the first tool_use
// arrives.
func (l *Loop) streamRound(ctx context.Context, messages []*models.Message, system string, tools []models.ToolDefinition) (*roundOutcome, error) {
	stream, err := l.client.ChatStream(ctx, &ChatRequest{
		Messages:  messages,
		System:    system,
		Tools:     tools,
		MaxTokens: l.cfg.MaxTokens,
	})
	if err != nil {
		return nil, NewTurnError(err)
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	outcome := &roundOutcome{}
	var buffer string
	flush := func() {
		if buffer != "" {
			l.emitter.StreamChunk(buffer)
			outcome.text += buffer
			buffer = ""
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil, &TurnError{Category: CategoryAborted, Message: "turn cancelled", Err: ctx.Err()}
		case <-ticker.C:
			flush()
		case chunk, ok := <-stream:
			if !ok {
				flush()
				return outcome, nil
			}
			switch {
			case chunk.Error != nil:
				flush()
				return nil, NewTurnError(chunk.Error)
			case chunk.Done:
				flush()
				outcome.tokensIn = chunk.InputTokens
				outcome.tokensOut = chunk.OutputTokens
			case chunk.ToolCall != nil:
				flush()
				outcome.toolCalls = append(outcome.toolCalls, chunk.ToolCall)
			default:
				buffer += chunk.Text
			}
		}
	}
}

// invokeAll executes the round's tool calls sequentially in declared
// order and reports progress on the session.
func (l *Loop) invokeAll(ctx context.Context, calls []*models.ToolCall) []*models.ToolResult {
	results := make([]*models.ToolResult, 0, len(calls))
	for _, call := range calls {
		l.emitter.ToolStatus(call.Name, "running", 0)
		results = append(results, l.invoker.Invoke(ctx, call))
	}
	l.emitter.ToolStatus("", "complete", len(results))
	return results
}

func toolNames(calls []*models.ToolCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	sort.Strings(names)
	return names
}

// sameMultiset compares two sorted name lists.
func sameMultiset(a, b []string) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
