package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/triagekit/autotriage/internal/triage"
)

// GetAutomationSettings returns the settings for a user. Users with no
// stored row get the defaults: automation disabled, threshold high.
func (db *DB) GetAutomationSettings(userID string) (AutomationSettings, error) {
	row := db.conn.QueryRow(`
		SELECT user_id, auto_triage_enabled, auto_pr_enabled, pr_confidence_threshold, updated_at
		FROM automation_settings WHERE user_id = ?`, userID)

	var s AutomationSettings
	var autoTriage, autoPR int
	var threshold, updatedAt string
	err := row.Scan(&s.UserID, &autoTriage, &autoPR, &threshold, &updatedAt)
	if err == sql.ErrNoRows {
		return AutomationSettings{
			UserID:                userID,
			PRConfidenceThreshold: triage.LevelHigh,
		}, nil
	}
	if err != nil {
		return AutomationSettings{}, fmt.Errorf("getting automation settings: %w", err)
	}
	s.AutoTriageEnabled = autoTriage != 0
	s.AutoPREnabled = autoPR != 0
	s.PRConfidenceThreshold = triage.Level(threshold)
	s.UpdatedAt = parseTime(updatedAt)
	return s, nil
}

// SaveAutomationSettings inserts or replaces the settings row for a user.
func (db *DB) SaveAutomationSettings(s AutomationSettings) error {
	if !s.PRConfidenceThreshold.Valid() {
		return fmt.Errorf("invalid confidence threshold: %q", s.PRConfidenceThreshold)
	}
	_, err := db.conn.Exec(`
		INSERT INTO automation_settings (user_id, auto_triage_enabled, auto_pr_enabled, pr_confidence_threshold, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			auto_triage_enabled = excluded.auto_triage_enabled,
			auto_pr_enabled = excluded.auto_pr_enabled,
			pr_confidence_threshold = excluded.pr_confidence_threshold,
			updated_at = excluded.updated_at`,
		s.UserID, boolToInt(s.AutoTriageEnabled), boolToInt(s.AutoPREnabled),
		string(s.PRConfidenceThreshold), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("saving automation settings: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
