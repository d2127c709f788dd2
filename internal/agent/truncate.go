package agent

import (
	"fmt"
	"strings"

	"github.com/famulus-ai/famulus/pkg/models"
)

const (
	// truncateMinKeep is the floor of the per-result character budget.
	truncateMinKeep = 2000

	// truncateHardMax is the ceiling of the per-result budget.
	truncateHardMax = 100000
)

// resultBudget computes the per-result character budget for one round:
// 30% of the window (in characters) split across the round's results,
// clamped to [truncateMinKeep, truncateHardMax].
func resultBudget(contextWindow, numResults int) int {
	if numResults <= 0 {
		numResults = 1
	}
	budget := contextWindow * 4 * 3 / 10 / numResults
	if budget > truncateHardMax {
		budget = truncateHardMax
	}
	if budget < truncateMinKeep {
		budget = truncateMinKeep
	}
	return budget
}

// truncateResults bounds each tool result to the round's budget.
func truncateResults(results []*models.ToolResult, contextWindow int) {
	budget := resultBudget(contextWindow, len(results))
	for _, res := range results {
		res.Content = truncateMiddle(res.Content, budget)
	}
}

// truncateMiddle removes the middle of s so that roughly budget
// characters remain, keeping the head and tail. Split points snap to
// newline boundaries when one is nearby.
func truncateMiddle(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	keep := budget / 2
	head := snapToNewline(s, keep, false)
	tail := snapToNewline(s, len(s)-keep, true)
	if tail <= head {
		tail = len(s) - keep
		head = keep
	}
	removed := tail - head
	return s[:head] + fmt.Sprintf("\n[... %d characters truncated ...]\n", removed) + s[tail:]
}

// snapToNewline moves pos to a nearby newline so truncation does not
// cut a line in half. forward searches toward the end of the string.
func snapToNewline(s string, pos int, forward bool) int {
	const slack = 200
	if forward {
		limit := pos + slack
		if limit > len(s) {
			limit = len(s)
		}
		if i := strings.IndexByte(s[pos:limit], '\n'); i >= 0 {
			return pos + i + 1
		}
		return pos
	}
	start := pos - slack
	if start < 0 {
		start = 0
	}
	if i := strings.LastIndexByte(s[start:pos], '\n'); i >= 0 {
		return start + i
	}
	return pos
}
