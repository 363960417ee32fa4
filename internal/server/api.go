package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/triagekit/autotriage/internal/agent"
	"github.com/triagekit/autotriage/internal/db"
	"github.com/triagekit/autotriage/internal/orchestrator"
	"github.com/triagekit/autotriage/internal/statuscomment"
	"github.com/triagekit/autotriage/internal/triage"
)

var (
	errMissingCredentials = errors.New("no credentials provided")
	errInvalidToken       = errors.New("invalid token")
)

type apiHandler struct {
	db           *db.DB
	orch         *orchestrator.Orchestrator
	auth         Authenticator
	triageSource TriageInfoSource
	startAt      time.Time
	logger       *slog.Logger
}

// apiError is the consistent error response format.
type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

// userIDKey carries the authenticated user through the request context.
type userIDKey struct{}

// authed wraps a handler with authentication. Rejection happens before the
// wrapped handler runs, so no side effect precedes a 401.
func (h *apiHandler) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.auth == nil {
			writeError(w, http.StatusInternalServerError, "authentication is not configured")
			return
		}
		userID, err := h.auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	}
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey{}).(string)
	return id
}

func (h *apiHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.startAt).Seconds()),
	})
}

// repoRequest is the repository block shared by trigger requests.
type repoRequest struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

type startTriageRequest struct {
	Repository repoRequest `json:"repository"`
	Issue      struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	} `json:"issue"`
	Force bool `json:"force"`
}

type taskHandleResponse struct {
	TaskID  string `json:"task_id"`
	TaskURL string `json:"task_url"`
}

func (h *apiHandler) handleStartTriage(w http.ResponseWriter, r *http.Request) {
	var req startTriageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Repository.Owner == "" || req.Repository.Repo == "" || req.Issue.Number <= 0 {
		writeError(w, http.StatusBadRequest, "repository owner, repo, and issue number are required")
		return
	}

	session, err := h.orch.StartTriage(r.Context(), orchestrator.Item{
		Key: orchestrator.ItemKey{
			Owner:       req.Repository.Owner,
			Repo:        req.Repository.Repo,
			IssueNumber: req.Issue.Number,
		},
		Title: req.Issue.Title,
		Body:  req.Issue.Body,
	}, req.Force)
	if err != nil {
		h.logger.Error("starting triage", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, taskHandleResponse{TaskID: session.TaskID, TaskURL: session.TaskURL})
}

type startPRRequest struct {
	Repository  repoRequest `json:"repository"`
	IssueNumber int         `json:"issue_number"`
}

func (h *apiHandler) handleStartPR(w http.ResponseWriter, r *http.Request) {
	var req startPRRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Repository.Owner == "" || req.Repository.Repo == "" || req.IssueNumber <= 0 {
		writeError(w, http.StatusBadRequest, "repository owner, repo, and issue number are required")
		return
	}

	handle, err := h.orch.StartPR(r.Context(), orchestrator.ItemKey{
		Owner:       req.Repository.Owner,
		Repo:        req.Repository.Repo,
		IssueNumber: req.IssueNumber,
	})
	if err != nil {
		h.logger.Error("starting PR task", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, taskHandleResponse{TaskID: handle.ID, TaskURL: handle.URL})
}

type reconcileRequest struct {
	TaskID      string `json:"task_id"`
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	IssueNumber int    `json:"issue_number"`
	// Kind is "triage" or "pr"; inferred from stored rows when omitted.
	Kind string `json:"kind,omitempty"`
}

type reconcileResponse struct {
	Status         agent.Status   `json:"status"`
	Result         *triage.Result `json:"structured_result,omitempty"`
	WorkflowStatus string         `json:"workflow_status"`
	PRURL          string         `json:"pr_url,omitempty"`
	Done           bool           `json:"done"`
}

func (h *apiHandler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == "" || req.Owner == "" || req.Repo == "" || req.IssueNumber <= 0 {
		writeError(w, http.StatusBadRequest, "task_id, owner, repo, and issue_number are required")
		return
	}

	rec, err := h.orch.Reconcile(r.Context(),
		orchestrator.ItemKey{Owner: req.Owner, Repo: req.Repo, IssueNumber: req.IssueNumber},
		req.TaskID, callerID(r), orchestrator.TaskKind(req.Kind))
	if err != nil {
		h.logger.Error("reconciling task", "task_id", req.TaskID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, reconcileResponse{
		Status:         rec.TaskStatus,
		Result:         rec.Result,
		WorkflowStatus: string(rec.WorkflowStatus),
		PRURL:          rec.PRURL,
		Done:           rec.Done,
	})
}

type workflowResponse struct {
	Owner          string      `json:"owner"`
	Repo           string      `json:"repo"`
	IssueNumber    int         `json:"issue_number"`
	WorkflowStatus string      `json:"workflow_status"`
	TriageTaskID   string      `json:"triage_task_id,omitempty"`
	TriageTaskURL  string      `json:"triage_task_url,omitempty"`
	PRTaskID       string      `json:"pr_task_id,omitempty"`
	PRTaskURL      string      `json:"pr_task_url,omitempty"`
	PRURL          string      `json:"pr_url,omitempty"`
	Triage         *TriageInfo `json:"triage,omitempty"`
}

func workflowFromDB(w db.IssueWorkflow) workflowResponse {
	return workflowResponse{
		Owner:          w.Owner,
		Repo:           w.Repo,
		IssueNumber:    w.IssueNumber,
		WorkflowStatus: w.Status,
		TriageTaskID:   w.TriageTaskID,
		TriageTaskURL:  w.TriageTaskURL,
		PRTaskID:       w.PRTaskID,
		PRTaskURL:      w.PRTaskURL,
		PRURL:          w.PRURL,
	}
}

// pathKey extracts the (owner, repo, number) triple from the request path.
func pathKey(r *http.Request) (string, string, int, bool) {
	owner := r.PathValue("owner")
	repo := r.PathValue("repo")
	number, err := strconv.Atoi(r.PathValue("number"))
	if owner == "" || repo == "" || err != nil || number <= 0 {
		return "", "", 0, false
	}
	return owner, repo, number, true
}

func (h *apiHandler) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	owner, repo, number, ok := pathKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid issue path")
		return
	}

	status, wf, err := h.orch.Status(orchestrator.ItemKey{Owner: owner, Repo: repo, IssueNumber: number})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read workflow")
		return
	}

	resp := workflowFromDB(wf)
	resp.Owner, resp.Repo, resp.IssueNumber = owner, repo, number
	resp.WorkflowStatus = string(status)

	if h.triageSource != nil {
		info, found, err := h.triageSource.LatestTriageInfo(r.Context(), owner, repo, number)
		if err != nil {
			h.logger.Warn("reading triage info", "error", err)
		} else if found {
			resp.Triage = &info
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	repo := r.URL.Query().Get("repo")
	numbers, err := parseNumbers(r.URL.Query().Get("numbers"))
	if owner == "" || repo == "" || err != nil {
		writeError(w, http.StatusBadRequest, "owner, repo, and numbers are required")
		return
	}

	workflows, err := h.db.GetWorkflowsBatch(owner, repo, numbers)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}
	sessions, err := h.db.GetLatestTriageSessionsBatch(owner, repo, numbers)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list triage sessions")
		return
	}

	// Keys with no record at all are omitted, never filled with sentinels.
	// An issue with a triage session but no workflow row yet (first triage
	// in flight) is included as implicit-new so callers can render it.
	result := make(map[string]workflowResponse)
	for number, wf := range workflows {
		result[strconv.Itoa(number)] = workflowFromDB(wf)
	}
	for number, session := range sessions {
		key := strconv.Itoa(number)
		resp, ok := result[key]
		if !ok {
			resp = workflowResponse{
				Owner:          owner,
				Repo:           repo,
				IssueNumber:    number,
				WorkflowStatus: string(orchestrator.StatusNew),
			}
		}
		info := TriageInfo{Status: session.Status, TaskURL: session.TaskURL, Result: session.Result}
		if session.Result != nil {
			info.Confidence = session.Result.ConfidenceScore
		}
		resp.Triage = &info
		result[key] = resp
	}

	writeJSON(w, http.StatusOK, result)
}

func parseNumbers(raw string) ([]int, error) {
	if raw == "" {
		return nil, errors.New("empty numbers")
	}
	parts := strings.Split(raw, ",")
	numbers := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			return nil, errors.New("invalid issue number")
		}
		numbers = append(numbers, n)
	}
	return numbers, nil
}

type activityResponse struct {
	EventType  string    `json:"event_type"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

func (h *apiHandler) handleListActivity(w http.ResponseWriter, r *http.Request) {
	owner, repo, number, ok := pathKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid issue path")
		return
	}

	entries, err := h.db.ListActivity(owner, repo, number, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list activity")
		return
	}

	result := make([]activityResponse, len(entries))
	for i, e := range entries {
		result[i] = activityResponse{
			EventType:  e.EventType,
			FromStatus: e.FromStatus,
			ToStatus:   e.ToStatus,
			Detail:     e.Detail,
			CreatedAt:  e.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, result)
}

type settingsPayload struct {
	AutoTriageEnabled     bool         `json:"auto_triage_enabled"`
	AutoPREnabled         bool         `json:"auto_pr_enabled"`
	PRConfidenceThreshold triage.Level `json:"pr_confidence_threshold"`
}

func (h *apiHandler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.db.GetAutomationSettings(callerID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read settings")
		return
	}
	writeJSON(w, http.StatusOK, settingsPayload{
		AutoTriageEnabled:     settings.AutoTriageEnabled,
		AutoPREnabled:         settings.AutoPREnabled,
		PRConfidenceThreshold: settings.PRConfidenceThreshold,
	})
}

func (h *apiHandler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.PRConfidenceThreshold.Valid() {
		writeError(w, http.StatusBadRequest, "pr_confidence_threshold must be low, medium, or high")
		return
	}

	if err := h.db.SaveAutomationSettings(db.AutomationSettings{
		UserID:                callerID(r),
		AutoTriageEnabled:     req.AutoTriageEnabled,
		AutoPREnabled:         req.AutoPREnabled,
		PRConfidenceThreshold: req.PRConfidenceThreshold,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// CommentTriageSource adapts the comment-scan fallback reader to the triage
// read interface. Selected by configuration for deployments without the
// workflow store; it never overrides the store-backed path implicitly.
type CommentTriageSource struct {
	Reader *statuscomment.Reader
}

// LatestTriageInfo implements TriageInfoSource.
func (c *CommentTriageSource) LatestTriageInfo(ctx context.Context, owner, repo string, number int) (TriageInfo, bool, error) {
	info, ok, err := c.Reader.LatestTriageInfo(ctx, owner, repo, number)
	if err != nil || !ok {
		return TriageInfo{}, false, err
	}
	status := "completed"
	if info.InProgress {
		status = "in_progress"
	}
	return TriageInfo{
		Status:     status,
		Confidence: info.Confidence,
		TaskURL:    info.TaskURL,
	}, true, nil
}
