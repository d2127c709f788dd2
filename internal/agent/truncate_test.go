package agent

import (
	"fmt"
	"strings"
	"testing"

	"github.com/famulus-ai/famulus/pkg/models"
)

func TestResultBudget(t *testing.T) {
	cases := []struct {
		name    string
		window  int
		results int
		want    int
	}{
		{"local window two results", 32000, 2, 19200},
		{"local window one result", 32000, 1, 38400},
		{"hosted window caps at hard max", 200000, 1, 100000},
		{"tiny window floors at min keep", 1000, 4, 2000},
		{"zero results treated as one", 32000, 0, 38400},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := resultBudget(tc.window, tc.results); got != tc.want {
				t.Errorf("resultBudget(%d, %d) = %d, want %d", tc.window, tc.results, got, tc.want)
			}
		})
	}
}

func TestTruncateMiddleShortUnchanged(t *testing.T) {
	s := "short output"
	if got := truncateMiddle(s, 2000); got != s {
		t.Errorf("truncateMiddle changed a short string: %q", got)
	}
}

func TestTruncateMiddleSnapsToLines(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 400; i++ {
		fmt.Fprintf(&sb, "line %03d: %s\n", i, strings.Repeat("x", 89))
	}
	s := sb.String() // 400 lines, 100 bytes each

	got := truncateMiddle(s, 4000)
	if len(got) >= len(s) {
		t.Fatalf("nothing truncated: %d bytes", len(got))
	}
	if len(got) > 4200 {
		t.Errorf("result is %d bytes, want near the 4000 budget", len(got))
	}
	if !strings.Contains(got, "characters truncated") {
		t.Error("missing truncation marker")
	}
	if !strings.HasPrefix(got, "line 000: ") {
		t.Errorf("head not preserved: %q", got[:20])
	}
	if !strings.HasSuffix(got, "line 399: "+strings.Repeat("x", 89)+"\n") {
		t.Error("tail not preserved")
	}

	// Both sides of the marker must land on line boundaries.
	i := strings.Index(got, "\n[... ")
	j := strings.Index(got, " ...]\n")
	if i < 0 || j < 0 {
		t.Fatal("marker not newline-delimited")
	}
	head := got[:i]
	tail := got[j+len(" ...]\n"):]
	if !strings.HasSuffix(head, strings.Repeat("x", 89)) {
		t.Errorf("head ends mid-line: %q", head[len(head)-20:])
	}
	if !strings.HasPrefix(tail, "line ") {
		t.Errorf("tail starts mid-line: %q", tail[:20])
	}
}

func TestTruncateMiddleNoNewlines(t *testing.T) {
	s := strings.Repeat("a", 10000)
	got := truncateMiddle(s, 4000)
	if !strings.HasPrefix(got, strings.Repeat("a", 2000)) {
		t.Error("head shorter than half the budget")
	}
	if !strings.HasSuffix(got, strings.Repeat("a", 2000)) {
		t.Error("tail shorter than half the budget")
	}
	if !strings.Contains(got, "[... 6000 characters truncated ...]") {
		t.Errorf("marker = %q", got[1990:2060])
	}
}

func TestTruncateResults(t *testing.T) {
	big := &models.ToolResult{ToolName: "core__web_fetch", Content: strings.Repeat("b", 50000)}
	small := &models.ToolResult{ToolName: "core__clock_now", Content: "2026-08-25T12:00:00Z"}
	truncateResults([]*models.ToolResult{big, small}, 32000)

	if len(big.Content) > 19300 {
		t.Errorf("big result kept %d bytes, want within the 19200 budget", len(big.Content))
	}
	if !strings.Contains(big.Content, "characters truncated") {
		t.Error("big result missing marker")
	}
	if small.Content != "2026-08-25T12:00:00Z" {
		t.Errorf("small result modified: %q", small.Content)
	}
}
