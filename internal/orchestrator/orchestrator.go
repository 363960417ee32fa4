// Package orchestrator is the workflow state machine. It consumes task
// status polled from the agent service, the confidence gate, and the
// workflow store, and decides each issue's next lifecycle state plus the
// side effects: starting new tasks, persisting state, posting status
// comments.
//
// There is no scheduler here. State lives entirely in the store and callers
// drive progress: each webhook delivery or poll runs one reconciliation
// pass. Two concurrent pollers for the same issue can both observe a triage
// completion and both create a PR task; the upsert keeps the workflow row
// consistent (last write wins) but the duplicate external task is a known,
// accepted gap rather than an excluded one.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/triagekit/autotriage/internal/agent"
	"github.com/triagekit/autotriage/internal/db"
	"github.com/triagekit/autotriage/internal/gate"
	"github.com/triagekit/autotriage/internal/statuscomment"
	"github.com/triagekit/autotriage/internal/triage"
)

// WorkflowStatus is a state in the issue lifecycle. An issue with no
// workflow row is treated as StatusNew. StatusPR is terminal for automated
// transitions; StatusFailed is reachable from any non-terminal state.
type WorkflowStatus string

const (
	StatusNew                   WorkflowStatus = "new"
	StatusTriaged               WorkflowStatus = "triaged"
	StatusProcessing            WorkflowStatus = "processing"
	StatusAwaitingInstructions  WorkflowStatus = "awaiting_instructions"
	StatusPR                    WorkflowStatus = "pr"
	StatusFailed                WorkflowStatus = "failed"
)

// Triage session statuses.
const (
	SessionPending    = "pending"
	SessionInProgress = "in_progress"
	SessionCompleted  = "completed"
	SessionFailed     = "failed"
)

// TaskKind distinguishes the two task families during reconciliation.
type TaskKind string

const (
	KindTriage TaskKind = "triage"
	KindPR     TaskKind = "pr"
)

// ItemKey identifies a tracked issue.
type ItemKey struct {
	Owner       string
	Repo        string
	IssueNumber int
}

func (k ItemKey) String() string {
	return fmt.Sprintf("%s/%s#%d", k.Owner, k.Repo, k.IssueNumber)
}

// Item is a tracked issue plus the context a triage task needs.
type Item struct {
	Key   ItemKey
	Title string
	Body  string
}

// AgentClient creates and queries external agent tasks.
type AgentClient interface {
	CreateTriageTask(ctx context.Context, item agent.Item, repo agent.RepoRef) (agent.TaskHandle, error)
	CreatePRTask(ctx context.Context, item agent.Item, repo agent.RepoRef, result triage.Result) (agent.TaskHandle, error)
	GetTask(ctx context.Context, id string) (agent.TaskStatus, error)
}

// Commenter posts status comments on the issue tracker. Posting is always
// best-effort: failures are logged and never fail the triggering operation.
type Commenter interface {
	PostIssueComment(ctx context.Context, owner, repo string, number int, body string) error
}

// Notifier is told about workflow transitions (e.g. a WebSocket hub).
type Notifier interface {
	WorkflowChanged(key ItemKey, status WorkflowStatus)
}

// Orchestrator drives issue workflows. Commenter and Notifier are optional.
type Orchestrator struct {
	store     *db.DB
	agent     AgentClient
	commenter Commenter
	notifier  Notifier
	logger    *slog.Logger
}

// Config holds the orchestrator's collaborators.
type Config struct {
	Store     *db.DB
	Agent     AgentClient
	Commenter Commenter
	Notifier  Notifier
	Logger    *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     cfg.Store,
		agent:     cfg.Agent,
		commenter: cfg.Commenter,
		notifier:  cfg.Notifier,
		logger:    logger,
	}
}

// Status returns the issue's current workflow row. Issues with no row report
// StatusNew.
func (o *Orchestrator) Status(key ItemKey) (WorkflowStatus, db.IssueWorkflow, error) {
	wf, ok, err := o.store.GetWorkflow(key.Owner, key.Repo, key.IssueNumber)
	if err != nil {
		return "", db.IssueWorkflow{}, err
	}
	if !ok {
		return StatusNew, db.IssueWorkflow{}, nil
	}
	return WorkflowStatus(wf.Status), wf, nil
}

// StartTriage creates a triage task and records a new triage session.
//
// Task creation is not idempotent at the agent client, so duplicate triggers
// (webhook redelivery, double-click, concurrent poll) are deduplicated here:
// when the latest session is still active and force is false, it is returned
// as-is and no new task is created. force is the manual re-triage path; it
// always creates a fresh task and session, keeping the old session for
// history. The abandoned task is not cancelled.
func (o *Orchestrator) StartTriage(ctx context.Context, item Item, force bool) (db.TriageSession, error) {
	key := item.Key

	if !force {
		latest, ok, err := o.store.GetLatestTriageSession(key.Owner, key.Repo, key.IssueNumber)
		if err != nil {
			return db.TriageSession{}, err
		}
		if ok && (latest.Status == SessionPending || latest.Status == SessionInProgress) {
			o.logger.Info("triage already active, skipping",
				"item", key.String(), "task_id", latest.TaskID)
			return latest, nil
		}
	}

	handle, err := o.agent.CreateTriageTask(ctx,
		agent.Item{Number: key.IssueNumber, Title: item.Title, Body: item.Body},
		agent.RepoRef{Owner: key.Owner, Repo: key.Repo})
	if err != nil {
		o.markFailed(key, fmt.Sprintf("creating triage task: %v", err))
		return db.TriageSession{}, fmt.Errorf("creating triage task: %w", err)
	}

	session, err := o.store.CreateTriageSession(db.TriageSession{
		Owner:       key.Owner,
		Repo:        key.Repo,
		IssueNumber: key.IssueNumber,
		TaskID:      handle.ID,
		TaskURL:     handle.URL,
		Status:      SessionInProgress,
	})
	if err != nil {
		return db.TriageSession{}, err
	}

	o.logActivity(key, "triage_started", "", "", "Triage task "+handle.ID+" created")
	o.postComment(ctx, key, statuscomment.InProgress(handle.URL))

	o.logger.Info("triage started", "item", key.String(), "task_id", handle.ID)
	return session, nil
}

// Reconciliation is the outcome of one reconciliation pass.
type Reconciliation struct {
	TaskStatus     agent.Status
	Result         *triage.Result
	WorkflowStatus WorkflowStatus
	PRURL          string
	// Done reports whether the polled task reached a terminal outcome for
	// its kind; callers stop polling when true.
	Done bool
}

// Reconcile runs one reconciliation pass for the given task. When kind is
// empty it is inferred from the stored rows: a task id recorded as the
// workflow's PR task reconciles as a PR task, anything else as triage.
// userID selects whose automation settings gate auto-escalation.
func (o *Orchestrator) Reconcile(ctx context.Context, key ItemKey, taskID, userID string, kind TaskKind) (Reconciliation, error) {
	if kind == "" {
		k, err := o.inferKind(key, taskID)
		if err != nil {
			return Reconciliation{}, err
		}
		kind = k
	}

	switch kind {
	case KindTriage:
		return o.reconcileTriage(ctx, key, taskID, userID)
	case KindPR:
		return o.reconcilePR(ctx, key, taskID)
	default:
		return Reconciliation{}, fmt.Errorf("unknown task kind: %q", kind)
	}
}

func (o *Orchestrator) inferKind(key ItemKey, taskID string) (TaskKind, error) {
	wf, ok, err := o.store.GetWorkflow(key.Owner, key.Repo, key.IssueNumber)
	if err != nil {
		return "", err
	}
	if ok && wf.PRTaskID == taskID {
		return KindPR, nil
	}
	return KindTriage, nil
}

// reconcileTriage applies one observation of a triage task's status.
func (o *Orchestrator) reconcileTriage(ctx context.Context, key ItemKey, taskID, userID string) (Reconciliation, error) {
	ts, err := o.agent.GetTask(ctx, taskID)
	if err != nil {
		// Best-effort failed transition; the original error still goes
		// back to the caller.
		o.markFailed(key, fmt.Sprintf("polling triage task %s: %v", taskID, err))
		return Reconciliation{}, fmt.Errorf("polling triage task: %w", err)
	}

	switch {
	case ts.Status == agent.StatusStopped && ts.Result != nil:
		return o.completeTriage(ctx, key, taskID, userID, *ts.Result)

	case ts.Status.Terminal():
		// Stopped without a structured result is indistinguishable from a
		// task that died mid-flight; both fail the workflow.
		status := SessionFailed
		if err := o.store.UpdateTriageSession(taskID, db.TriageSessionPatch{Status: &status}); err != nil {
			o.logger.Warn("updating failed triage session", "task_id", taskID, "error", err)
		}
		wfStatus, err := o.transition(key, StatusFailed, "triage_failed",
			"Triage task "+taskID+" ended without a result", nil)
		if err != nil {
			return Reconciliation{}, err
		}
		return Reconciliation{TaskStatus: ts.Status, WorkflowStatus: wfStatus, Done: true}, nil

	default:
		// running or blocked: triage is still underway.
		status := SessionInProgress
		if err := o.store.UpdateTriageSession(taskID, db.TriageSessionPatch{Status: &status}); err != nil {
			o.logger.Warn("updating triage session", "task_id", taskID, "error", err)
		}
		current, _, err := o.Status(key)
		if err != nil {
			return Reconciliation{}, err
		}
		return Reconciliation{TaskStatus: ts.Status, WorkflowStatus: current}, nil
	}
}

// completeTriage persists a completed triage and runs the confidence gate:
// gate pass escalates straight to a PR task, gate fail parks the workflow at
// triaged until a human advances it.
func (o *Orchestrator) completeTriage(ctx context.Context, key ItemKey, taskID, userID string, result triage.Result) (Reconciliation, error) {
	completed := SessionCompleted
	if err := o.store.UpdateTriageSession(taskID, db.TriageSessionPatch{
		Status: &completed,
		Result: &result,
	}); err != nil {
		return Reconciliation{}, err
	}

	session, ok, err := o.store.GetTriageSessionByTaskID(taskID)
	if err != nil {
		return Reconciliation{}, err
	}
	if !ok {
		return Reconciliation{}, fmt.Errorf("triage session missing for task %s", taskID)
	}

	settings, err := o.store.GetAutomationSettings(userID)
	if err != nil {
		return Reconciliation{}, err
	}

	o.postComment(ctx, key, statuscomment.Assessment(result, session.TaskURL))

	if gate.ShouldAutoAdvance(gate.Settings{
		AutoPREnabled:         settings.AutoPREnabled,
		PRConfidenceThreshold: settings.PRConfidenceThreshold,
	}, result) {
		handle, err := o.agent.CreatePRTask(ctx,
			agent.Item{Number: key.IssueNumber},
			agent.RepoRef{Owner: key.Owner, Repo: key.Repo}, result)
		if err != nil {
			o.markFailed(key, fmt.Sprintf("creating PR task: %v", err))
			return Reconciliation{}, fmt.Errorf("creating PR task: %w", err)
		}

		wfStatus, err := o.transition(key, StatusProcessing, "pr_task_started",
			"PR task "+handle.ID+" created", func(w *db.IssueWorkflow) {
				w.TriageTaskID = taskID
				w.TriageTaskURL = session.TaskURL
				w.PRTaskID = handle.ID
				w.PRTaskURL = handle.URL
			})
		if err != nil {
			return Reconciliation{}, err
		}
		o.logger.Info("triage complete, auto-advancing to PR",
			"item", key.String(), "pr_task_id", handle.ID,
			"confidence", result.ConfidenceScore)
		return Reconciliation{
			TaskStatus:     agent.StatusStopped,
			Result:         &result,
			WorkflowStatus: wfStatus,
			Done:           true,
		}, nil
	}

	wfStatus, err := o.transition(key, StatusTriaged, "triage_completed",
		"Triage complete, awaiting manual PR start", func(w *db.IssueWorkflow) {
			w.TriageTaskID = taskID
			w.TriageTaskURL = session.TaskURL
		})
	if err != nil {
		return Reconciliation{}, err
	}
	o.logger.Info("triage complete, gate declined auto-advance",
		"item", key.String(), "confidence", result.ConfidenceScore,
		"requires_human_input", result.RequiresHumanInput)
	return Reconciliation{
		TaskStatus:     agent.StatusStopped,
		Result:         &result,
		WorkflowStatus: wfStatus,
		Done:           true,
	}, nil
}

// StartPR manually escalates a triaged issue to PR generation. The latest
// triage session must be completed with a structured result. An already
// running PR task is returned as-is rather than duplicated.
func (o *Orchestrator) StartPR(ctx context.Context, key ItemKey) (agent.TaskHandle, error) {
	wf, ok, err := o.store.GetWorkflow(key.Owner, key.Repo, key.IssueNumber)
	if err != nil {
		return agent.TaskHandle{}, err
	}
	if ok && WorkflowStatus(wf.Status) == StatusProcessing && wf.PRTaskID != "" {
		o.logger.Info("PR task already active, skipping",
			"item", key.String(), "task_id", wf.PRTaskID)
		return agent.TaskHandle{ID: wf.PRTaskID, URL: wf.PRTaskURL}, nil
	}

	session, ok, err := o.store.GetLatestTriageSession(key.Owner, key.Repo, key.IssueNumber)
	if err != nil {
		return agent.TaskHandle{}, err
	}
	if !ok || session.Status != SessionCompleted || session.Result == nil {
		return agent.TaskHandle{}, fmt.Errorf("no completed triage for %s", key.String())
	}

	handle, err := o.agent.CreatePRTask(ctx,
		agent.Item{Number: key.IssueNumber},
		agent.RepoRef{Owner: key.Owner, Repo: key.Repo}, *session.Result)
	if err != nil {
		o.markFailed(key, fmt.Sprintf("creating PR task: %v", err))
		return agent.TaskHandle{}, fmt.Errorf("creating PR task: %w", err)
	}

	if _, err := o.transition(key, StatusProcessing, "pr_task_started",
		"PR task "+handle.ID+" created manually", func(w *db.IssueWorkflow) {
			w.TriageTaskID = session.TaskID
			w.TriageTaskURL = session.TaskURL
			w.PRTaskID = handle.ID
			w.PRTaskURL = handle.URL
		}); err != nil {
		return agent.TaskHandle{}, err
	}

	o.logger.Info("PR task started", "item", key.String(), "task_id", handle.ID)
	return handle, nil
}

// reconcilePR applies one observation of a PR task's status.
func (o *Orchestrator) reconcilePR(ctx context.Context, key ItemKey, taskID string) (Reconciliation, error) {
	ts, err := o.agent.GetTask(ctx, taskID)
	if err != nil {
		o.markFailed(key, fmt.Sprintf("polling PR task %s: %v", taskID, err))
		return Reconciliation{}, fmt.Errorf("polling PR task: %w", err)
	}

	switch {
	case ts.PRURL != "":
		wfStatus, err := o.transition(key, StatusPR, "pr_opened",
			"Pull request opened: "+ts.PRURL, func(w *db.IssueWorkflow) {
				w.PRURL = ts.PRURL
			})
		if err != nil {
			return Reconciliation{}, err
		}
		o.logger.Info("PR opened", "item", key.String(), "pr_url", ts.PRURL)
		return Reconciliation{TaskStatus: ts.Status, WorkflowStatus: wfStatus, PRURL: ts.PRURL, Done: true}, nil

	case ts.Status == agent.StatusBlocked:
		wfStatus, err := o.transition(key, StatusAwaitingInstructions, "pr_blocked",
			"PR task "+taskID+" is blocked awaiting instructions", nil)
		if err != nil {
			return Reconciliation{}, err
		}
		return Reconciliation{TaskStatus: ts.Status, WorkflowStatus: wfStatus}, nil

	case ts.Status.Terminal():
		wfStatus, err := o.transition(key, StatusFailed, "pr_failed",
			"PR task "+taskID+" ended without a pull request", nil)
		if err != nil {
			return Reconciliation{}, err
		}
		return Reconciliation{TaskStatus: ts.Status, WorkflowStatus: wfStatus, Done: true}, nil

	default:
		current, _, err := o.Status(key)
		if err != nil {
			return Reconciliation{}, err
		}
		return Reconciliation{TaskStatus: ts.Status, WorkflowStatus: current}, nil
	}
}

// transition upserts the workflow row to the new status, preserving fields
// the mutate callback doesn't touch, then logs the activity entry and
// notifies listeners.
func (o *Orchestrator) transition(key ItemKey, to WorkflowStatus, eventType, detail string, mutate func(*db.IssueWorkflow)) (WorkflowStatus, error) {
	wf, ok, err := o.store.GetWorkflow(key.Owner, key.Repo, key.IssueNumber)
	if err != nil {
		return "", err
	}
	from := StatusNew
	if ok {
		from = WorkflowStatus(wf.Status)
	} else {
		wf = db.IssueWorkflow{Owner: key.Owner, Repo: key.Repo, IssueNumber: key.IssueNumber}
	}

	wf.Status = string(to)
	if mutate != nil {
		mutate(&wf)
	}

	if _, err := o.store.UpsertWorkflow(wf); err != nil {
		return "", err
	}

	o.logActivity(key, eventType, string(from), string(to), detail)
	if o.notifier != nil {
		o.notifier.WorkflowChanged(key, to)
	}
	return to, nil
}

// markFailed is the best-effort failure write used when a task-service call
// errors out. It upserts the workflow row to failed, creating one for issues
// whose very first attempt died; re-triage enters failed issues through the
// normal force-free path. Errors here are logged, never returned: the
// original service error is what the caller must see.
func (o *Orchestrator) markFailed(key ItemKey, detail string) {
	wf, ok, err := o.store.GetWorkflow(key.Owner, key.Repo, key.IssueNumber)
	if err != nil {
		o.logger.Warn("reading workflow for failure write", "item", key.String(), "error", err)
		return
	}
	if ok && WorkflowStatus(wf.Status) == StatusPR {
		// pr is terminal for automated transitions.
		return
	}
	if _, err := o.transition(key, StatusFailed, "service_error", detail, nil); err != nil {
		o.logger.Warn("writing failed workflow status", "item", key.String(), "error", err)
	}
}

func (o *Orchestrator) logActivity(key ItemKey, eventType, from, to, detail string) {
	if err := o.store.LogActivity(key.Owner, key.Repo, key.IssueNumber, eventType, from, to, detail); err != nil {
		o.logger.Warn("logging activity", "item", key.String(), "error", err)
	}
}

// postComment posts a status comment when a commenter is configured.
// Failures are logged and never fail the calling operation.
func (o *Orchestrator) postComment(ctx context.Context, key ItemKey, body string) {
	if o.commenter == nil {
		return
	}
	if err := o.commenter.PostIssueComment(ctx, key.Owner, key.Repo, key.IssueNumber, body); err != nil {
		o.logger.Warn("posting status comment", "item", key.String(), "error", err)
	}
}
