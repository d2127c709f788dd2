package routing

import (
	"regexp"
	"strings"
)

var (
	fencedCode    = regexp.MustCompile("```")
	analysisVerbs = regexp.MustCompile(`(?i)\b(analyze|analyse|design|refactor|compare|evaluate|optimi[sz]e|architect|debug)\b|explain (the )?tradeoffs?`)
	multiStep     = regexp.MustCompile(`(?i)\b(step[- ]by[- ]step|first\b.*\bthen|plan\b|workflow|pipeline|in detail|comprehensive)\b`)
	greetingOnly  = regexp.MustCompile(`(?i)^(hi|hey|hello|yo|sup|good (morning|afternoon|evening)|thanks|thank you|ok|okay)[\s!,.?]*$`)
)

const (
	complexityBase = 50
	triggerWeight  = 10
)

// Complexity scores the latest user message in [0, 100]. Higher scores
// route to the hosted model.
func Complexity(content string) int {
	content = strings.TrimSpace(content)
	score := complexityBase

	if len(content) >= 500 {
		score += triggerWeight
	}
	if fencedCode.MatchString(content) {
		score += triggerWeight
	}
	if strings.Count(content, "?") >= 3 {
		score += triggerWeight
	}
	if analysisVerbs.MatchString(content) {
		score += triggerWeight
	}
	if multiStep.MatchString(content) {
		score += triggerWeight
	}

	if len(content) < 60 {
		score -= triggerWeight
	}
	if greetingOnly.MatchString(content) {
		score -= triggerWeight
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
