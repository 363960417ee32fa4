// Package statuscomment renders the human-readable triage status comments
// posted to the issue tracker, and parses them back out of an issue's
// comment history. Parsing is the reconciliation fallback for deployments
// without the workflow store: read-only, best-effort, degrading to "no
// triage info" when no recognizable marker exists.
package statuscomment

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/triagekit/autotriage/internal/triage"
)

// Heading markers identifying a status comment. The scanner keys off these,
// so rendering and parsing must stay in sync.
const (
	MarkerInProgress = "Triage In Progress"
	MarkerAssessment = "Triage Assessment"
)

// Confidence emoji+text pairs embedded in assessment comments.
var confidenceBadges = map[triage.Level]string{
	triage.LevelLow:    "🔴 Low confidence",
	triage.LevelMedium: "🟡 Medium confidence",
	triage.LevelHigh:   "🟢 High confidence",
}

// taskLinkPattern matches the fixed "[View task](url)" link embedded in
// status comments.
var taskLinkPattern = regexp.MustCompile(`\[View task\]\((https?://[^\s)]+)\)`)

// InProgress renders the comment posted when a triage task starts.
func InProgress(taskURL string) string {
	var b strings.Builder
	b.WriteString("## 🔍 " + MarkerInProgress + "\n\n")
	b.WriteString("An automated triage of this issue has started.\n")
	if taskURL != "" {
		fmt.Fprintf(&b, "\n[View task](%s)\n", taskURL)
	}
	return b.String()
}

// Assessment renders the comment posted when a triage task completes with a
// structured result: scope, a metrics table, reasoning, suggested approach,
// optional blockers, and a link to the external task.
func Assessment(r triage.Result, taskURL string) string {
	var b strings.Builder
	b.WriteString("## 📋 " + MarkerAssessment + "\n\n")

	if r.Scope != "" {
		b.WriteString(r.Scope + "\n\n")
	}

	b.WriteString("| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Complexity | %s |\n", r.Complexity)
	fmt.Fprintf(&b, "| Estimated effort | %s |\n", r.EstimatedEffort)
	fmt.Fprintf(&b, "| Confidence | %s |\n", confidenceBadges[r.ConfidenceScore])
	fmt.Fprintf(&b, "| Needs human input | %s |\n", yesNo(r.RequiresHumanInput))

	if r.ConfidenceReasoning != "" {
		b.WriteString("\n**Reasoning**\n\n" + r.ConfidenceReasoning + "\n")
	}
	if r.SuggestedApproach != "" {
		b.WriteString("\n**Suggested approach**\n\n" + r.SuggestedApproach + "\n")
	}
	if len(r.Blockers) > 0 {
		b.WriteString("\n**Blockers**\n\n")
		for _, blocker := range r.Blockers {
			b.WriteString("- " + blocker + "\n")
		}
	}
	if taskURL != "" {
		fmt.Fprintf(&b, "\n[View task](%s)\n", taskURL)
	}
	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// Info is the triage status recovered from an issue's comment history.
type Info struct {
	// InProgress is true when the newest marker is an in-progress comment.
	InProgress bool
	// Confidence is the level parsed from an assessment comment's badge,
	// empty when unknown.
	Confidence triage.Level
	// TaskURL is the external task link, when present.
	TaskURL string
}

// Scan walks comment bodies in the order given (callers pass newest first)
// and returns the triage info from the first recognizable status comment.
// Returns ok=false when no marker is found; it never fails.
func Scan(bodies []string) (Info, bool) {
	for _, body := range bodies {
		if strings.Contains(body, MarkerInProgress) {
			return Info{InProgress: true, TaskURL: extractTaskURL(body)}, true
		}
		if strings.Contains(body, MarkerAssessment) {
			return Info{
				Confidence: extractConfidence(body),
				TaskURL:    extractTaskURL(body),
			}, true
		}
	}
	return Info{}, false
}

func extractTaskURL(body string) string {
	if m := taskLinkPattern.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}

func extractConfidence(body string) triage.Level {
	for level, badge := range confidenceBadges {
		if strings.Contains(body, badge) {
			return level
		}
	}
	return ""
}
