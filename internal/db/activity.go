package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogActivity appends a transition record for an issue. The log is
// append-only: entries are never mutated or deleted.
func (db *DB) LogActivity(owner, repo string, issueNumber int, eventType, fromStatus, toStatus, detail string) error {
	_, err := db.conn.Exec(`
		INSERT INTO activity_log (id, owner, repo, issue_number, event_type, from_status, to_status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), owner, repo, issueNumber,
		eventType, fromStatus, toStatus, detail, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("logging activity: %w", err)
	}
	return nil
}

// ListActivity returns the transition history for an issue, newest first.
func (db *DB) ListActivity(owner, repo string, issueNumber int, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(`
		SELECT id, owner, repo, issue_number, event_type, from_status, to_status, detail, created_at
		FROM activity_log
		WHERE owner = ? AND repo = ? AND issue_number = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		owner, repo, issueNumber, limit)
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var createdAt string
		err := rows.Scan(&e.ID, &e.Owner, &e.Repo, &e.IssueNumber,
			&e.EventType, &e.FromStatus, &e.ToStatus, &e.Detail, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning activity entry: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
