package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const workflowColumns = `owner, repo, issue_number, status, triage_task_id, triage_task_url, pr_task_id, pr_task_url, pr_url, created_at, updated_at`

// UpsertWorkflow inserts or replaces the workflow row keyed by
// (owner, repo, issue_number). Replaying the same record is idempotent:
// there is always exactly one row per key and the last write wins. The
// original created_at is preserved on replace.
func (db *DB) UpsertWorkflow(w IssueWorkflow) (IssueWorkflow, error) {
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	_, err := db.conn.Exec(`
		INSERT INTO issue_workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, repo, issue_number) DO UPDATE SET
			status = excluded.status,
			triage_task_id = excluded.triage_task_id,
			triage_task_url = excluded.triage_task_url,
			pr_task_id = excluded.pr_task_id,
			pr_task_url = excluded.pr_task_url,
			pr_url = excluded.pr_url,
			updated_at = excluded.updated_at`,
		w.Owner, w.Repo, w.IssueNumber, w.Status,
		w.TriageTaskID, w.TriageTaskURL, w.PRTaskID, w.PRTaskURL, w.PRURL,
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
	)
	if err != nil {
		return IssueWorkflow{}, fmt.Errorf("upserting workflow: %w", err)
	}

	stored, ok, err := db.GetWorkflow(w.Owner, w.Repo, w.IssueNumber)
	if err != nil {
		return IssueWorkflow{}, err
	}
	if !ok {
		return IssueWorkflow{}, fmt.Errorf("workflow missing after upsert: %s/%s#%d", w.Owner, w.Repo, w.IssueNumber)
	}
	return stored, nil
}

// WorkflowPatch holds the mutable workflow fields. Nil fields are left
// unchanged.
type WorkflowPatch struct {
	Status        *string
	TriageTaskID  *string
	TriageTaskURL *string
	PRTaskID      *string
	PRTaskURL     *string
	PRURL         *string
}

// UpdateWorkflow applies a patch to an existing workflow row. A missing row
// is an error here; use UpsertWorkflow to create one.
func (db *DB) UpdateWorkflow(owner, repo string, issueNumber int, patch WorkflowPatch) error {
	var sets []string
	var args []any

	add := func(column string, v *string) {
		if v != nil {
			sets = append(sets, column+" = ?")
			args = append(args, *v)
		}
	}
	add("status", patch.Status)
	add("triage_task_id", patch.TriageTaskID)
	add("triage_task_url", patch.TriageTaskURL)
	add("pr_task_id", patch.PRTaskID)
	add("pr_task_url", patch.PRTaskURL)
	add("pr_url", patch.PRURL)
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(time.Now()), owner, repo, issueNumber)

	result, err := db.conn.Exec(`
		UPDATE issue_workflows SET `+strings.Join(sets, ", ")+`
		WHERE owner = ? AND repo = ? AND issue_number = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating workflow: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("workflow not found: %s/%s#%d", owner, repo, issueNumber)
	}
	return nil
}

// GetWorkflow returns the workflow row for the issue. A missing row is a
// normal outcome: ok is false and err is nil.
func (db *DB) GetWorkflow(owner, repo string, issueNumber int) (IssueWorkflow, bool, error) {
	row := db.conn.QueryRow(`
		SELECT `+workflowColumns+` FROM issue_workflows
		WHERE owner = ? AND repo = ? AND issue_number = ?`,
		owner, repo, issueNumber)

	var w IssueWorkflow
	var createdAt, updatedAt string
	err := row.Scan(&w.Owner, &w.Repo, &w.IssueNumber, &w.Status,
		&w.TriageTaskID, &w.TriageTaskURL, &w.PRTaskID, &w.PRTaskURL, &w.PRURL,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return IssueWorkflow{}, false, nil
	}
	if err != nil {
		return IssueWorkflow{}, false, fmt.Errorf("getting workflow: %w", err)
	}
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return w, true, nil
}

// GetWorkflowsBatch returns workflow rows keyed by issue number. Issues with
// no row are omitted from the map.
func (db *DB) GetWorkflowsBatch(owner, repo string, issueNumbers []int) (map[int]IssueWorkflow, error) {
	result := make(map[int]IssueWorkflow)
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
		SELECT `+workflowColumns+` FROM issue_workflows
		WHERE owner = ? AND repo = ? AND issue_number IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var w IssueWorkflow
		var createdAt, updatedAt string
		err := rows.Scan(&w.Owner, &w.Repo, &w.IssueNumber, &w.Status,
			&w.TriageTaskID, &w.TriageTaskURL, &w.PRTaskID, &w.PRTaskURL, &w.PRURL,
			&createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow: %w", err)
		}
		w.CreatedAt = parseTime(createdAt)
		w.UpdatedAt = parseTime(updatedAt)
		result[w.IssueNumber] = w
	}
	return result, rows.Err()
}
