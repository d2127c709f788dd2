package observability

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Info("should be suppressed")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be suppressed") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn record missing")
	}
}

func TestNewLoggerJSONDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})
	logger.Info("hello", "k", "v")

	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("default format is not JSON: %q", buf.String())
	}
}

func TestRedactsAPIKeysFromAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "text", Output: &buf})

	key := "sk-ant-api03-" + strings.Repeat("x", 40)
	logger.Info("provider request failed", "detail", "api_key="+key)

	out := buf.String()
	if strings.Contains(out, key) {
		t.Fatalf("api key leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("no redaction marker in %q", out)
	}
}

func TestRedactsSecretsFromErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "text", Output: &buf})

	err := errors.New("401 unauthorized: bearer eyJhbGciOiJIUzI1NiIsInR5cCI6")
	logger.Error("turn failed", "error", err)

	out := buf.String()
	if strings.Contains(out, "eyJhbGciOiJIUzI1NiIsInR5cCI6") {
		t.Fatalf("token leaked: %s", out)
	}
}

func TestRedactLeavesOrdinaryTextAlone(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "text", Output: &buf})

	logger.Info("turn complete", "model", "hosted", "rounds", 2)

	out := buf.String()
	if strings.Contains(out, "[REDACTED]") {
		t.Errorf("ordinary record was redacted: %q", out)
	}
	if !strings.Contains(out, "model=hosted") {
		t.Errorf("attribute missing: %q", out)
	}
}

func TestLogLevelFromString(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := LogLevelFromString(tc.in); got != tc.want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
