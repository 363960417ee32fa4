// Package db is the SQLite-backed workflow store. It holds the full history
// of triage sessions, one canonical workflow row per tracked issue, per-user
// automation settings, and an append-only activity log of workflow
// transitions.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/triagekit/autotriage/internal/triage"

	_ "modernc.org/sqlite"
)

type DB struct {
	conn *sql.DB
}

// TriageSession is one record per triage task ever created for an issue.
// Multiple sessions may exist per (owner, repo, issue_number); the
// most-recently-created one is authoritative. Sessions are never deleted.
type TriageSession struct {
	ID          string
	Owner       string
	Repo        string
	IssueNumber int
	TaskID      string
	TaskURL     string
	Status      string
	Result      *triage.Result
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IssueWorkflow is the single canonical lifecycle record per
// (owner, repo, issue_number). Writes go through UpsertWorkflow, which
// replaces rather than appends.
type IssueWorkflow struct {
	Owner         string
	Repo          string
	IssueNumber   int
	Status        string
	TriageTaskID  string
	TriageTaskURL string
	PRTaskID      string
	PRTaskURL     string
	PRURL         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AutomationSettings holds a user's automation preferences.
type AutomationSettings struct {
	UserID                string
	AutoTriageEnabled     bool
	AutoPREnabled         bool
	PRConfidenceThreshold triage.Level
	UpdatedAt             time.Time
}

// ActivityEntry records a single workflow transition for an issue.
type ActivityEntry struct {
	ID          string
	Owner       string
	Repo        string
	IssueNumber int
	EventType   string
	FromStatus  string
	ToStatus    string
	Detail      string
	CreatedAt   time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS triage_sessions (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	issue_number INTEGER NOT NULL,
	task_id TEXT NOT NULL UNIQUE,
	task_url TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	result_json TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_triage_sessions_issue
	ON triage_sessions (owner, repo, issue_number, created_at);

CREATE TABLE IF NOT EXISTS issue_workflows (
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	issue_number INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'new',
	triage_task_id TEXT NOT NULL DEFAULT '',
	triage_task_url TEXT NOT NULL DEFAULT '',
	pr_task_id TEXT NOT NULL DEFAULT '',
	pr_task_url TEXT NOT NULL DEFAULT '',
	pr_url TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (owner, repo, issue_number)
);

CREATE TABLE IF NOT EXISTS automation_settings (
	user_id TEXT PRIMARY KEY,
	auto_triage_enabled INTEGER NOT NULL DEFAULT 0,
	auto_pr_enabled INTEGER NOT NULL DEFAULT 0,
	pr_confidence_threshold TEXT NOT NULL DEFAULT 'high',
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS activity_log (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	issue_number INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activity_log_issue
	ON activity_log (owner, repo, issue_number, created_at);
`

func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(home, ".autotriage")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "autotriage.db"), nil
}

func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// timeFormat is the timestamp encoding used in all tables. The fractional
// part is zero-padded to a fixed width so stored TEXT timestamps sort
// lexicographically in chronological order; RFC3339Nano trims trailing
// zeros, which would rank ".5" after ".52" under ORDER BY.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
