// Package gate decides whether a completed triage should automatically
// escalate to PR generation. It is pure policy: no I/O, no side effects.
package gate

import "github.com/triagekit/autotriage/internal/triage"

// Settings are the per-user automation preferences the gate evaluates.
type Settings struct {
	AutoPREnabled         bool
	PRConfidenceThreshold triage.Level
}

// ShouldAutoAdvance returns true when a completed triage may escalate to PR
// generation without human involvement: auto-PR is enabled, the triage
// confidence meets the configured threshold, and the triage did not flag the
// issue as needing human input.
func ShouldAutoAdvance(s Settings, r triage.Result) bool {
	if !s.AutoPREnabled {
		return false
	}
	if r.RequiresHumanInput {
		return false
	}
	return r.ConfidenceScore.Ordinal() >= s.PRConfidenceThreshold.Ordinal()
}
