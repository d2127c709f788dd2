// Package providers contains the model client implementations.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/famulus-ai/famulus/internal/agent"
	"github.com/famulus-ai/famulus/internal/agent/toolconv"
	"github.com/famulus-ai/famulus/pkg/models"
)

// ollamaWindow is the token window assumed for local models.
const ollamaWindow = 32000

// OllamaConfig configures the local client.
type OllamaConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Ollama is the local model client, speaking Ollama's NDJSON chat
// protocol with OpenAI-style function wrappers for tools.
type Ollama struct {
	client *http.Client
	base   string
	model  string
	logger *slog.Logger
	avail  *availCache
}

var _ agent.ModelClient = (*Ollama)(nil)

// NewOllama creates the local client.
func NewOllama(cfg OllamaConfig, logger *slog.Logger) *Ollama {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Ollama{
		client: &http.Client{Timeout: timeout},
		base:   base,
		model:  strings.TrimSpace(cfg.Model),
		logger: logger.With("provider", "ollama"),
	}
	o.avail = newAvailCache(o.probe)
	return o
}

func (o *Ollama) Name() string       { return "local" }
func (o *Ollama) Kind() agent.Kind   { return agent.KindLocal }
func (o *Ollama) ContextWindow() int { return ollamaWindow }

// Available probes the server's tag listing, cached briefly.
func (o *Ollama) Available(ctx context.Context) bool {
	return o.avail.available(ctx)
}

func (o *Ollama) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, o.base+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	return resp.StatusCode == http.StatusOK
}

// Chat sends a non-streaming request.
func (o *Ollama) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	body, err := o.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp ollamaChatResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, NewError("ollama", o.model, fmt.Errorf("decode response: %w", err))
	}
	if resp.ErrorText != "" {
		return nil, NewError("ollama", o.model, errors.New(resp.ErrorText))
	}
	content := ""
	if resp.Message != nil {
		content = resp.Message.Content
	}
	return &agent.ChatResponse{
		Content:   content,
		ModelTag:  o.Name(),
		TokensIn:  resp.PromptEvalCount,
		TokensOut: resp.EvalCount,
	}, nil
}

// ChatStream sends a streaming request and decodes NDJSON chunks.
func (o *Ollama) ChatStream(ctx context.Context, req *agent.ChatRequest) (<-chan agent.Chunk, error) {
	body, err := o.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	chunks := make(chan agent.Chunk)
	go o.stream(ctx, body, chunks)
	return chunks, nil
}

func (o *Ollama) do(ctx context.Context, req *agent.ChatRequest, stream bool) (io.ReadCloser, error) {
	if o.model == "" {
		return nil, NewError("ollama", "", errors.New("model is required"))
	}

	payload := ollamaChatRequest{
		Model:    o.model,
		Stream:   stream,
		Messages: buildOllamaMessages(req),
	}
	if len(req.Tools) > 0 {
		payload.Tools = toolconv.ToOpenAITools(req.Tools)
	}
	if req.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError("ollama", o.model, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.base+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewError("ollama", o.model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		o.avail.invalidate()
		return nil, NewError("ollama", o.model, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, NewError("ollama", o.model,
			fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).
			WithStatus(resp.StatusCode)
	}
	return resp.Body, nil
}

func (o *Ollama) stream(ctx context.Context, body io.ReadCloser, out chan<- agent.Chunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	emitted := map[string]struct{}{}
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- agent.Chunk{Error: ctx.Err()}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			out <- agent.Chunk{Error: NewError("ollama", o.model, fmt.Errorf("decode response: %w", err))}
			return
		}
		if resp.ErrorText != "" {
			out <- agent.Chunk{Error: NewError("ollama", o.model, errors.New(resp.ErrorText))}
			return
		}
		if resp.Message != nil {
			if resp.Message.Content != "" {
				out <- agent.Chunk{Text: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				callID := strings.TrimSpace(tc.ID)
				if callID == "" {
					callID = toolCallKey(tc)
					if callID == "" {
						callID = uuid.NewString()
					}
				}
				// Ollama repeats tool calls across NDJSON lines.
				if _, ok := emitted[callID]; ok {
					continue
				}
				emitted[callID] = struct{}{}
				call := &models.ToolCall{
					ID:    callID,
					Name:  strings.TrimSpace(tc.Function.Name),
					Input: json.RawMessage(`{}`),
				}
				if len(tc.Function.Arguments) > 0 {
					call.Input = tc.Function.Arguments
				}
				out <- agent.Chunk{ToolCall: call}
			}
		}
		if resp.Done {
			out <- agent.Chunk{
				Done:         true,
				InputTokens:  resp.PromptEvalCount,
				OutputTokens: resp.EvalCount,
			}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- agent.Chunk{Error: NewError("ollama", o.model, err)}
		return
	}
	// Body ended without a done marker; treat as a clean end.
	out <- agent.Chunk{Done: true}
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []openai.Tool       `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	ErrorText       string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// buildOllamaMessages flattens block-structured messages into Ollama's
// flat roles. Assistant tool_use blocks become a tool_calls array with
// type=function and stringified arguments; tool_result blocks become
// one tool-role message each, named after the originating call.
func buildOllamaMessages(req *agent.ChatRequest) []ollamaChatMessage {
	out := make([]ollamaChatMessage, 0, len(req.Messages)+1)

	// Map call ids to tool names so tool-role messages can carry them.
	toolNames := map[string]string{}
	for _, msg := range req.Messages {
		for _, b := range msg.Blocks {
			if b.Type == models.BlockToolUse && b.ID != "" {
				toolNames[b.ID] = b.Name
			}
		}
	}

	if system := strings.TrimSpace(req.System); system != "" {
		out = append(out, ollamaChatMessage{Role: "system", Content: system})
	}

	for _, msg := range req.Messages {
		role := string(msg.Role)
		if role == "" {
			role = "user"
		}
		switch models.Role(role) {
		case models.RoleAssistant:
			m := ollamaChatMessage{Role: role, Content: msg.Text()}
			for _, b := range msg.Blocks {
				if b.Type != models.BlockToolUse {
					continue
				}
				args := b.Input
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				id := b.ID
				if id == "" {
					id = uuid.NewString()
				}
				m.ToolCalls = append(m.ToolCalls, ollamaToolCall{
					ID:   id,
					Type: "function",
					Function: ollamaToolFunction{
						Name:      b.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, m)
		case models.RoleTool:
			emitted := false
			for _, b := range msg.Blocks {
				if b.Type != models.BlockToolResult {
					continue
				}
				out = append(out, ollamaChatMessage{
					Role:     "tool",
					Content:  b.Content,
					ToolName: toolNames[b.ToolUseID],
				})
				emitted = true
			}
			if !emitted {
				out = append(out, ollamaChatMessage{Role: role, Content: msg.Text()})
			}
		default:
			content := msg.Text()
			// User messages may also carry tool_result blocks when the
			// caller used the hosted follow-up shape.
			var results []string
			for _, b := range msg.Blocks {
				if b.Type == models.BlockToolResult {
					results = append(results, b.Content)
				}
			}
			if len(results) > 0 {
				for _, r := range results {
					out = append(out, ollamaChatMessage{Role: "tool", Content: r})
				}
				if content == "" {
					continue
				}
			}
			out = append(out, ollamaChatMessage{Role: role, Content: content})
		}
	}
	return out
}

func toolCallKey(tc ollamaToolCall) string {
	if id := strings.TrimSpace(tc.ID); id != "" {
		return id
	}
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}
