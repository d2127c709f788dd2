package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/famulus-ai/famulus/internal/store"
	"github.com/famulus-ai/famulus/pkg/models"
)

func echoTool(name string) *Tool {
	return &Tool{
		Def: models.ToolDefinition{
			Name:        name,
			Plugin:      "test",
			Description: "echoes its input",
			Params: []models.ToolParam{
				{Name: "text", Type: "string", Description: "text to echo", Required: true},
			},
		},
		Handler: func(_ context.Context, params map[string]any) (string, error) {
			s, _ := params["text"].(string)
			return "echo: " + s, nil
		},
	}
}

func call(name, input string) *models.ToolCall {
	return &models.ToolCall{ID: "call-1", Name: name, Input: json.RawMessage(input)}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(echoTool("echo")); err == nil {
		t.Error("duplicate registration accepted")
	}
}

func TestUnregisterRemovesPlugin(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("one")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(echoTool("two")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Unregister("test")
	if _, _, ok := r.Lookup("test__one"); ok {
		t.Error("test__one survived Unregister")
	}
	if len(r.Definitions()) != 0 {
		t.Errorf("Definitions = %d entries, want 0", len(r.Definitions()))
	}
}

func TestInvokeSuccess(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	inv := NewInvoker(r, nil, InvokerConfig{}, nil)

	res := inv.Invoke(context.Background(), call("test__echo", `{"text":"hi"}`))
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}
	if res.Content != "echo: hi" {
		t.Errorf("Content = %q", res.Content)
	}
	if res.ToolCallID != "call-1" {
		t.Errorf("ToolCallID = %q", res.ToolCallID)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	inv := NewInvoker(NewRegistry(), nil, InvokerConfig{}, nil)
	res := inv.Invoke(context.Background(), call("nope__missing", `{}`))
	if !res.IsError || !strings.Contains(res.Content, "unknown tool") {
		t.Errorf("result = %+v", res)
	}
}

func TestInvokeRejectsMissingRequiredParam(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	inv := NewInvoker(r, nil, InvokerConfig{}, nil)

	res := inv.Invoke(context.Background(), call("test__echo", `{}`))
	if !res.IsError || !strings.Contains(res.Content, "validation") {
		t.Errorf("result = %+v", res)
	}
}

func TestInvokePolicyDenies(t *testing.T) {
	r := NewRegistry()
	tool := echoTool("guarded")
	tool.Policy = func(params map[string]any) error {
		return fmt.Errorf("not during quiet hours")
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}
	inv := NewInvoker(r, nil, InvokerConfig{}, nil)

	res := inv.Invoke(context.Background(), call("test__guarded", `{"text":"x"}`))
	if !res.IsError || !strings.Contains(res.Content, "denied by policy") {
		t.Errorf("result = %+v", res)
	}
}

func TestInvokeRateLimitPerTool(t *testing.T) {
	r := NewRegistry()
	tool := echoTool("limited")
	tool.RateLimit = 2
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}
	inv := NewInvoker(r, nil, InvokerConfig{}, nil)

	for i := 0; i < 2; i++ {
		if res := inv.Invoke(context.Background(), call("test__limited", `{"text":"x"}`)); res.IsError {
			t.Fatalf("call %d failed: %s", i, res.Content)
		}
	}
	res := inv.Invoke(context.Background(), call("test__limited", `{"text":"x"}`))
	if !res.IsError || !strings.Contains(res.Content, "rate limit") {
		t.Errorf("result = %+v", res)
	}
}

func TestInvokePathAllowList(t *testing.T) {
	allowed := t.TempDir()
	inside := filepath.Join(allowed, "ok.txt")
	if err := os.WriteFile(inside, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r := NewRegistry()
	if err := RegisterBuiltins(r, true); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	inv := NewInvoker(r, nil, InvokerConfig{AllowedDirs: []string{allowed}}, nil)

	res := inv.Invoke(context.Background(), call("fs__read_file", fmt.Sprintf(`{"path":%q}`, inside)))
	if res.IsError || res.Content != "hello" {
		t.Errorf("inside read = %+v", res)
	}

	res = inv.Invoke(context.Background(), call("fs__read_file", fmt.Sprintf(`{"path":%q}`, outside)))
	if !res.IsError || !strings.Contains(res.Content, "outside the allowed directories") {
		t.Errorf("outside read = %+v", res)
	}
}

func TestInvokeRecoversFromPanic(t *testing.T) {
	r := NewRegistry()
	tool := echoTool("boom")
	tool.Handler = func(context.Context, map[string]any) (string, error) {
		panic("kaboom")
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}
	inv := NewInvoker(r, nil, InvokerConfig{}, nil)

	res := inv.Invoke(context.Background(), call("test__boom", `{"text":"x"}`))
	if !res.IsError || !strings.Contains(res.Content, "panicked") {
		t.Errorf("result = %+v", res)
	}
}

func TestInvokeEnforcesTimeout(t *testing.T) {
	r := NewRegistry()
	tool := echoTool("slow")
	tool.Timeout = 30 * time.Millisecond
	tool.Handler = func(ctx context.Context, _ map[string]any) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
			return "too late", nil
		}
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}
	inv := NewInvoker(r, nil, InvokerConfig{}, nil)

	res := inv.Invoke(context.Background(), call("test__slow", `{"text":"x"}`))
	if !res.IsError || !strings.Contains(res.Content, "deadline") {
		t.Errorf("result = %+v", res)
	}
}

func TestInvokeTruncatesLongErrors(t *testing.T) {
	r := NewRegistry()
	tool := echoTool("verbose")
	tool.Handler = func(context.Context, map[string]any) (string, error) {
		return "", fmt.Errorf("%s", strings.Repeat("x", 2000))
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}
	inv := NewInvoker(r, nil, InvokerConfig{}, nil)

	res := inv.Invoke(context.Background(), call("test__verbose", `{"text":"x"}`))
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if len(res.Content) > maxErrorLength {
		t.Errorf("error length = %d, want <= %d", len(res.Content), maxErrorLength)
	}
}

func TestInvokeRecordsAudit(t *testing.T) {
	st := store.NewMemory()
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	inv := NewInvoker(r, st, InvokerConfig{}, nil)

	inv.Invoke(context.Background(), call("test__echo", `{"text":"ok"}`))
	inv.Invoke(context.Background(), call("test__echo", `{}`))

	recs, err := st.ListToolCalls(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListToolCalls: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	// Newest first: the failing validation call.
	if recs[0].Success {
		t.Error("newest record should be the failed call")
	}
	if recs[1].Plugin != "test" || recs[1].ToolName != "echo" || !recs[1].Success {
		t.Errorf("oldest record = %+v", recs[1])
	}
}

func TestBuiltinClockNow(t *testing.T) {
	out, err := clockNow(context.Background(), nil)
	if err != nil {
		t.Fatalf("clockNow: %v", err)
	}
	if !strings.Contains(out, fmt.Sprint(time.Now().Year())) {
		t.Errorf("clockNow = %q, missing year", out)
	}
}

func TestBuiltinListDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "a"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	out, err := listDir(context.Background(), map[string]any{"path": dir})
	if err != nil {
		t.Fatalf("listDir: %v", err)
	}
	lines := strings.Split(out, "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "a") || lines[1] != "b.txt" {
		t.Errorf("listDir = %q", out)
	}
}
