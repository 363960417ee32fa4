// Package server exposes the HTTP API: the inbound webhook, manual triage
// and PR triggers, task reconciliation polls, workflow and settings reads,
// and a WebSocket feed of workflow transitions.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/triagekit/autotriage/internal/db"
	"github.com/triagekit/autotriage/internal/orchestrator"
	"github.com/triagekit/autotriage/internal/triage"
)

// Authenticator identifies the caller of an API request. The session
// mechanism itself lives outside this core; implementations adapt whatever
// the deployment uses.
type Authenticator interface {
	// Authenticate returns the caller's user ID, or an error when the
	// request carries no valid credentials.
	Authenticate(r *http.Request) (string, error)
}

// TriageInfo is the read model for an issue's latest triage, served either
// from the workflow store or from the comment-scan fallback.
type TriageInfo struct {
	Status     string         `json:"status"`
	Confidence triage.Level   `json:"confidence,omitempty"`
	TaskURL    string         `json:"task_url,omitempty"`
	Result     *triage.Result `json:"result,omitempty"`
}

// TriageInfoSource reads the latest triage status for an issue.
type TriageInfoSource interface {
	LatestTriageInfo(ctx context.Context, owner, repo string, number int) (TriageInfo, bool, error)
}

// Config holds server configuration.
type Config struct {
	// DB is the workflow store.
	DB *db.DB
	// Orchestrator drives workflow transitions.
	Orchestrator *orchestrator.Orchestrator
	// Webhook handles inbound tracker events. Optional; when nil the
	// webhook route is not registered.
	Webhook http.Handler
	// Hub is the WebSocket hub. Optional.
	Hub *Hub
	// Auth authenticates API callers. Required for the non-webhook routes.
	Auth Authenticator
	// TriageSource overrides the store-backed triage read path (the
	// comment-scan fallback). When nil, reads come from DB.
	TriageSource TriageInfoSource
	Logger       *slog.Logger
}

// Server wraps the autotriage HTTP server.
type Server struct {
	mux      *http.ServeMux
	listener net.Listener
}

// New creates a Server bound to the given address (e.g. "127.0.0.1:7870").
// It does not start serving; call Serve() for that.
func New(addr string, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	s := &Server{mux: mux, listener: ln}
	s.registerRoutes(cfg)
	return s, nil
}

// Addr returns the listener's address (useful when binding to :0 in tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve starts accepting connections. It blocks until the listener is closed.
func (s *Server) Serve() error {
	return http.Serve(s.listener, s.mux)
}

// Close shuts down the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) registerRoutes(cfg Config) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	api := &apiHandler{
		db:           cfg.DB,
		orch:         cfg.Orchestrator,
		auth:         cfg.Auth,
		triageSource: cfg.TriageSource,
		startAt:      time.Now(),
		logger:       logger,
	}
	if api.triageSource == nil && cfg.DB != nil {
		api.triageSource = &storeTriageSource{db: cfg.DB}
	}

	// The webhook authenticates via its HMAC signature, not the API auth.
	if cfg.Webhook != nil {
		s.mux.Handle("POST /api/webhooks/github", cfg.Webhook)
	}

	s.mux.HandleFunc("GET /api/status", api.handleStatus)

	s.mux.HandleFunc("POST /api/triage", api.authed(api.handleStartTriage))
	s.mux.HandleFunc("POST /api/pr", api.authed(api.handleStartPR))
	s.mux.HandleFunc("POST /api/reconcile", api.authed(api.handleReconcile))
	s.mux.HandleFunc("GET /api/workflows/{owner}/{repo}/{number}", api.authed(api.handleGetWorkflow))
	s.mux.HandleFunc("GET /api/workflows", api.authed(api.handleListWorkflows))
	s.mux.HandleFunc("GET /api/activity/{owner}/{repo}/{number}", api.authed(api.handleListActivity))
	s.mux.HandleFunc("GET /api/settings", api.authed(api.handleGetSettings))
	s.mux.HandleFunc("PUT /api/settings", api.authed(api.handlePutSettings))

	if cfg.Hub != nil {
		s.mux.HandleFunc("GET /api/ws", cfg.Hub.ServeWS)
	}
}

// StaticTokenAuth authenticates requests whose Authorization header carries
// a fixed bearer token, mapping them all to one user identity. It is the
// standalone-deployment stand-in for a real session collaborator.
type StaticTokenAuth struct {
	Token  string
	UserID string
}

// Authenticate implements Authenticator.
func (a StaticTokenAuth) Authenticate(r *http.Request) (string, error) {
	if a.Token == "" {
		return "", errMissingCredentials
	}
	if r.Header.Get("Authorization") != "Bearer "+a.Token {
		return "", errInvalidToken
	}
	return a.UserID, nil
}

// storeTriageSource is the authoritative store-backed triage read path.
type storeTriageSource struct {
	db *db.DB
}

func (s *storeTriageSource) LatestTriageInfo(_ context.Context, owner, repo string, number int) (TriageInfo, bool, error) {
	session, ok, err := s.db.GetLatestTriageSession(owner, repo, number)
	if err != nil || !ok {
		return TriageInfo{}, false, err
	}
	info := TriageInfo{
		Status:  session.Status,
		TaskURL: session.TaskURL,
		Result:  session.Result,
	}
	if session.Result != nil {
		info.Confidence = session.Result.ConfidenceScore
	}
	return info, true, nil
}
