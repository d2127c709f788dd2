package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/famulus-ai/famulus/internal/agent"
	"github.com/famulus-ai/famulus/internal/agent/toolconv"
	"github.com/famulus-ai/famulus/pkg/models"
)

// anthropicWindow is the hosted model's token window.
const anthropicWindow = 200000

// defaultMaxTokens bounds a response when the request does not.
const defaultMaxTokens = 4096

// AnthropicConfig configures the hosted client.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
	RetryDelay time.Duration
}

// Anthropic is the hosted model client. It streams Server-Sent Events
// through the official SDK and supports native tool-use blocks.
type Anthropic struct {
	client     anthropic.Client
	apiKey     string
	model      string
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

var _ agent.ModelClient = (*Anthropic)(nil)

// NewAnthropic creates the hosted client. The API key may be empty;
// the client then reports itself unavailable.
func NewAnthropic(cfg AnthropicConfig, logger *slog.Logger) *Anthropic {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if logger == nil {
		logger = slog.Default()
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:     anthropic.NewClient(options...),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger.With("provider", "anthropic"),
	}
}

func (a *Anthropic) Name() string       { return "hosted" }
func (a *Anthropic) Kind() agent.Kind   { return agent.KindHosted }
func (a *Anthropic) ContextWindow() int { return anthropicWindow }

// Available reports whether credentials are configured. The hosted API
// is not probed; every probe would be a billable request.
func (a *Anthropic) Available(context.Context) bool {
	return strings.TrimSpace(a.apiKey) != ""
}

// Chat sends a non-streaming request.
func (a *Anthropic) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.wrapError(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &agent.ChatResponse{
		Content:   text.String(),
		ModelTag:  a.Name(),
		TokensIn:  int(msg.Usage.InputTokens),
		TokensOut: int(msg.Usage.OutputTokens),
	}, nil
}

// ChatStream sends a streaming request. Stream creation is retried
// with exponential backoff for transient failures.
func (a *Anthropic) ChatStream(ctx context.Context, req *agent.ChatRequest) (<-chan agent.Chunk, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan agent.Chunk)
	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		for attempt := 0; attempt <= a.maxRetries; attempt++ {
			stream = a.client.Messages.NewStreaming(ctx, params)
			if stream.Err() == nil {
				break
			}
			wrapped := a.wrapError(stream.Err())
			pe, _ := AsError(wrapped)
			if pe == nil || (pe.Reason != ReasonRateLimit && pe.Reason != ReasonServerError && pe.Reason != ReasonTimeout) {
				chunks <- agent.Chunk{Error: wrapped}
				return
			}
			if attempt == a.maxRetries {
				chunks <- agent.Chunk{Error: fmt.Errorf("anthropic: max retries exceeded: %w", wrapped)}
				return
			}
			backoff := a.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			a.logger.Warn("stream creation failed, retrying", "attempt", attempt+1, "backoff", backoff, "error", wrapped)
			select {
			case <-ctx.Done():
				chunks <- agent.Chunk{Error: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}

		a.processStream(stream, chunks)
	}()
	return chunks, nil
}

func (a *Anthropic) buildParams(req *agent.ChatRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, NewError("anthropic", a.model, err)
		}
		params.Tools = tools
	}
	return params, nil
}

// maxEmptyStreamEvents guards against a malformed stream flooding
// empty events.
const maxEmptyStreamEvents = 300

func (a *Anthropic) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- agent.Chunk) {
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	emptyEvents := 0

	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- agent.Chunk{Text: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				input := currentToolInput.String()
				if input == "" {
					input = "{}"
				}
				currentToolCall.Input = json.RawMessage(input)
				chunks <- agent.Chunk{ToolCall: currentToolCall}
				currentToolCall = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			chunks <- agent.Chunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return

		case "error":
			chunks <- agent.Chunk{Error: a.wrapError(errors.New("anthropic stream error"))}
			return
		}

		if processed {
			emptyEvents = 0
		} else if emptyEvents++; emptyEvents >= maxEmptyStreamEvents {
			chunks <- agent.Chunk{Error: a.wrapError(fmt.Errorf("stream malformed: %d consecutive empty events", emptyEvents))}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- agent.Chunk{Error: a.wrapError(err)}
	}
}

// convertAnthropicMessages maps block-structured messages to Anthropic
// content blocks. System messages are filtered; the system prompt is
// carried out of band.
func convertAnthropicMessages(messages []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, b := range msg.Blocks {
			switch b.Type {
			case models.BlockText:
				if b.Text != "" {
					content = append(content, anthropic.NewTextBlock(b.Text))
				}
			case models.BlockToolUse:
				var input map[string]any
				if len(b.Input) > 0 {
					if err := json.Unmarshal(b.Input, &input); err != nil {
						return nil, fmt.Errorf("invalid tool input for %s: %w", b.Name, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case models.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Anthropic) wrapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe := NewError("anthropic", a.model, err).WithStatus(apiErr.StatusCode)
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
				pe.Message = payload.Error.Message
				// The API reports prompt overflow as invalid_request.
				if strings.Contains(strings.ToLower(payload.Error.Message), "prompt is too long") {
					pe.Reason = ReasonContextOverflow
				}
			}
		}
		return pe
	}
	return NewError("anthropic", a.model, err)
}
