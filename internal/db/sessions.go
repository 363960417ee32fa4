package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/triagekit/autotriage/internal/triage"
)

const sessionColumns = `id, owner, repo, issue_number, task_id, task_url, status, result_json, created_at, updated_at`

// CreateTriageSession inserts a new session row. The task_id must be globally
// unique; inserting a duplicate returns a constraint error.
func (db *DB) CreateTriageSession(s TriageSession) (TriageSession, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	resultJSON, err := encodeResult(s.Result)
	if err != nil {
		return TriageSession{}, err
	}

	_, err = db.conn.Exec(`
		INSERT INTO triage_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Owner, s.Repo, s.IssueNumber, s.TaskID, s.TaskURL,
		s.Status, resultJSON, formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		return TriageSession{}, fmt.Errorf("creating triage session: %w", err)
	}
	return s, nil
}

// TriageSessionPatch holds the mutable fields of a session. Nil fields are
// left unchanged.
type TriageSessionPatch struct {
	Status *string
	Result *triage.Result
}

// UpdateTriageSession applies a patch to the session identified by taskID.
func (db *DB) UpdateTriageSession(taskID string, patch TriageSessionPatch) error {
	var sets []string
	var args []any

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.Result != nil {
		resultJSON, err := encodeResult(patch.Result)
		if err != nil {
			return err
		}
		sets = append(sets, "result_json = ?")
		args = append(args, resultJSON)
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(time.Now()), taskID)

	result, err := db.conn.Exec(
		`UPDATE triage_sessions SET `+strings.Join(sets, ", ")+` WHERE task_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating triage session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("triage session not found for task %s", taskID)
	}
	return nil
}

// GetTriageSessionByTaskID returns the session for the given external task
// ID. A missing row is a normal outcome: ok is false and err is nil.
func (db *DB) GetTriageSessionByTaskID(taskID string) (TriageSession, bool, error) {
	row := db.conn.QueryRow(`
		SELECT `+sessionColumns+` FROM triage_sessions WHERE task_id = ?`, taskID)
	return scanSessionRow(row)
}

// GetLatestTriageSession returns the most recently created session for the
// issue, or ok=false if the issue has never been triaged. Among sessions
// sharing a creation timestamp, insertion order (rowid) breaks the tie
// rather than assuming timestamps are strictly ordered.
func (db *DB) GetLatestTriageSession(owner, repo string, issueNumber int) (TriageSession, bool, error) {
	row := db.conn.QueryRow(`
		SELECT `+sessionColumns+` FROM triage_sessions
		WHERE owner = ? AND repo = ? AND issue_number = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		owner, repo, issueNumber)
	return scanSessionRow(row)
}

// GetLatestTriageSessionsBatch returns the latest session per issue number.
// Issues with no sessions are omitted from the map.
func (db *DB) GetLatestTriageSessionsBatch(owner, repo string, issueNumbers []int) (map[int]TriageSession, error) {
	result := make(map[int]TriageSession)
	if len(issueNumbers) == 0 {
		return result, nil
	}

	placeholders := make([]string, len(issueNumbers))
	args := []any{owner, repo}
	for i, n := range issueNumbers {
		placeholders[i] = "?"
		args = append(args, n)
	}

	rows, err := db.conn.Query(`
		SELECT `+sessionColumns+` FROM triage_sessions
		WHERE owner = ? AND repo = ? AND issue_number IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY created_at DESC, rowid DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing triage sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		// Rows arrive newest-first; keep only the first per issue.
		if _, seen := result[s.IssueNumber]; !seen {
			result[s.IssueNumber] = s
		}
	}
	return result, rows.Err()
}

func encodeResult(r *triage.Result) (string, error) {
	if r == nil {
		return "", nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encoding triage result: %w", err)
	}
	return string(data), nil
}

func decodeResult(s string) (*triage.Result, error) {
	if s == "" {
		return nil, nil
	}
	var r triage.Result
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, fmt.Errorf("decoding triage result: %w", err)
	}
	return &r, nil
}

func scanSession(rows *sql.Rows) (TriageSession, error) {
	var s TriageSession
	var resultJSON, createdAt, updatedAt string
	err := rows.Scan(&s.ID, &s.Owner, &s.Repo, &s.IssueNumber, &s.TaskID,
		&s.TaskURL, &s.Status, &resultJSON, &createdAt, &updatedAt)
	if err != nil {
		return TriageSession{}, fmt.Errorf("scanning triage session: %w", err)
	}
	s.Result, err = decodeResult(resultJSON)
	if err != nil {
		return TriageSession{}, err
	}
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return s, nil
}

func scanSessionRow(row *sql.Row) (TriageSession, bool, error) {
	var s TriageSession
	var resultJSON, createdAt, updatedAt string
	err := row.Scan(&s.ID, &s.Owner, &s.Repo, &s.IssueNumber, &s.TaskID,
		&s.TaskURL, &s.Status, &resultJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return TriageSession{}, false, nil
	}
	if err != nil {
		return TriageSession{}, false, fmt.Errorf("getting triage session: %w", err)
	}
	s.Result, err = decodeResult(resultJSON)
	if err != nil {
		return TriageSession{}, false, err
	}
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return s, true, nil
}
