// Package triage defines the shared vocabulary for triage outcomes: the
// structured result produced by a triage task and the ordinal
// low/medium/high levels used for complexity and confidence.
package triage

// Level is an ordinal rating used for complexity and confidence scores.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Ordinal returns the numeric rank of the level (low=1, medium=2, high=3).
// Unknown levels rank 0, below every valid level.
func (l Level) Ordinal() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	default:
		return 0
	}
}

// Valid returns true if l is one of the recognized levels.
func (l Level) Valid() bool {
	return l.Ordinal() > 0
}

// Result is the structured outcome of a completed triage task.
type Result struct {
	Scope               string   `json:"scope"`
	Complexity          Level    `json:"complexity"`
	EstimatedEffort     string   `json:"estimated_effort"`
	ConfidenceScore     Level    `json:"confidence_score"`
	ConfidenceReasoning string   `json:"confidence_reasoning"`
	SuggestedApproach   string   `json:"suggested_approach"`
	Blockers            []string `json:"blockers,omitempty"`
	RequiresHumanInput  bool     `json:"requires_human_input"`
}
