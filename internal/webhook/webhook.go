// Package webhook ingests events from the issue tracker. It verifies the
// HMAC-SHA256 signature over the exact raw payload bytes before any JSON
// decoding, then turns issue and comment events into orchestrator commands.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/triagekit/autotriage/internal/db"
	"github.com/triagekit/autotriage/internal/orchestrator"
)

// Headers carrying the payload signature and event type.
const (
	SignatureHeader = "X-Signature"
	EventHeader     = "X-GitHub-Event"
)

// RetriggerPhrase re-runs triage when it appears (case-insensitively) in an
// issue comment.
const RetriggerPhrase = "/retriage"

// Verify reports whether signature is a valid "sha256="-prefixed hex
// HMAC-SHA256 of payload under secret. The comparison is constant-time. An
// absent or malformed signature verifies false; it never panics.
func Verify(payload []byte, signature string, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	encoded, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	provided, err := hex.DecodeString(encoded)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(provided, mac.Sum(nil))
}

// TriageStarter starts triage for an issue.
type TriageStarter interface {
	StartTriage(ctx context.Context, item orchestrator.Item, force bool) (db.TriageSession, error)
}

// Handler is the inbound webhook HTTP handler.
type Handler struct {
	secret       []byte
	orch         TriageStarter
	repoPatterns []string
	logger       *slog.Logger
}

// Config holds webhook handler configuration.
type Config struct {
	// Secret is the shared HMAC secret. Required.
	Secret string
	// Orchestrator receives start-triage commands.
	Orchestrator TriageStarter
	// RepoPatterns is an optional allowlist of "owner/repo" glob patterns
	// (doublestar syntax). Empty means all repositories are accepted.
	RepoPatterns []string
	Logger       *slog.Logger
}

// New creates a webhook Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		secret:       []byte(cfg.Secret),
		orch:         cfg.Orchestrator,
		repoPatterns: cfg.RepoPatterns,
		logger:       logger,
	}
}

// Payload shapes. Both event families share the issue and repository blocks.
type issueRef struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

type repositoryRef struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type issueEvent struct {
	Action     string        `json:"action"`
	Issue      issueRef      `json:"issue"`
	Repository repositoryRef `json:"repository"`
}

type commentEvent struct {
	Action  string `json:"action"`
	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
	Issue      issueRef      `json:"issue"`
	Repository repositoryRef `json:"repository"`
}

type response struct {
	Status string `json:"status"`
}

// ServeHTTP handles POSTed webhook deliveries. Verification runs over the
// exact request bytes; decoding the JSON first and re-serializing it for
// verification would not be byte-stable and is deliberately avoided.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.respond(w, http.StatusInternalServerError, "failed to read payload")
		return
	}

	if !Verify(payload, r.Header.Get(SignatureHeader), h.secret) {
		h.logger.Warn("webhook signature verification failed")
		h.respond(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	switch r.Header.Get(EventHeader) {
	case "issues":
		h.handleIssueEvent(r.Context(), w, payload)
	case "issue_comment":
		h.handleCommentEvent(r.Context(), w, payload)
	default:
		h.respond(w, http.StatusOK, "event ignored")
	}
}

func (h *Handler) handleIssueEvent(ctx context.Context, w http.ResponseWriter, payload []byte) {
	var ev issueEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		h.respond(w, http.StatusInternalServerError, "malformed issue event")
		return
	}

	if ev.Action != "opened" && ev.Action != "edited" {
		h.respond(w, http.StatusOK, "action ignored")
		return
	}
	h.startTriage(ctx, w, ev.Repository, ev.Issue)
}

func (h *Handler) handleCommentEvent(ctx context.Context, w http.ResponseWriter, payload []byte) {
	var ev commentEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		h.respond(w, http.StatusInternalServerError, "malformed comment event")
		return
	}

	if !strings.Contains(strings.ToLower(ev.Comment.Body), RetriggerPhrase) {
		h.respond(w, http.StatusOK, "comment ignored")
		return
	}
	h.startTriage(ctx, w, ev.Repository, ev.Issue)
}

func (h *Handler) startTriage(ctx context.Context, w http.ResponseWriter, repo repositoryRef, issue issueRef) {
	owner := repo.Owner.Login
	if !h.repoAllowed(owner, repo.Name) {
		h.logger.Info("repository not in allowlist, ignoring",
			"owner", owner, "repo", repo.Name)
		h.respond(w, http.StatusOK, "repository ignored")
		return
	}

	item := orchestrator.Item{
		Key: orchestrator.ItemKey{
			Owner:       owner,
			Repo:        repo.Name,
			IssueNumber: issue.Number,
		},
		Title: issue.Title,
		Body:  issue.Body,
	}

	if _, err := h.orch.StartTriage(ctx, item, false); err != nil {
		h.logger.Error("starting triage from webhook",
			"item", item.Key.String(), "error", err)
		h.respond(w, http.StatusInternalServerError, "failed to start triage")
		return
	}

	h.respond(w, http.StatusOK, "triage started")
}

func (h *Handler) repoAllowed(owner, repo string) bool {
	if len(h.repoPatterns) == 0 {
		return true
	}
	full := owner + "/" + repo
	for _, pattern := range h.repoPatterns {
		if ok, err := doublestar.Match(pattern, full); err == nil && ok {
			return true
		}
	}
	return false
}

func (h *Handler) respond(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response{Status: msg})
}
