package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/triagekit/autotriage/internal/agent"
	"github.com/triagekit/autotriage/internal/db"
	"github.com/triagekit/autotriage/internal/github"
	"github.com/triagekit/autotriage/internal/orchestrator"
	"github.com/triagekit/autotriage/internal/statuscomment"
	"github.com/triagekit/autotriage/internal/triage"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// fakeAgent implements the orchestrator's agent client. The task status is
// mutex-guarded so tests can swap it while the server goroutine reads it.
type fakeAgent struct {
	mu     sync.Mutex
	status agent.TaskStatus
}

func (f *fakeAgent) setStatus(s agent.TaskStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeAgent) CreateTriageTask(context.Context, agent.Item, agent.RepoRef) (agent.TaskHandle, error) {
	return agent.TaskHandle{ID: "triage-task", URL: "https://tasks.example/triage-task"}, nil
}

func (f *fakeAgent) CreatePRTask(context.Context, agent.Item, agent.RepoRef, triage.Result) (agent.TaskHandle, error) {
	return agent.TaskHandle{ID: "pr-task", URL: "https://tasks.example/pr-task"}, nil
}

func (f *fakeAgent) GetTask(context.Context, string) (agent.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

type testEnv struct {
	store  *db.DB
	agent  *fakeAgent
	server *Server
	base   string
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := testDB(t)
	fa := &fakeAgent{status: agent.TaskStatus{Status: agent.StatusRunning}}
	orch := orchestrator.New(orchestrator.Config{Store: store, Agent: fa})

	srv, err := New("127.0.0.1:0", Config{
		DB:           store,
		Orchestrator: orch,
		Auth:         StaticTokenAuth{Token: "test-token", UserID: "tester"},
	})
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	return &testEnv{
		store:  store,
		agent:  fa,
		server: srv,
		base:   "http://" + srv.Addr(),
		token:  "test-token",
	}
}

func (e *testEnv) request(t *testing.T, method, path string, body any, authed bool) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.base+path, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	return resp, raw
}

func triageRequestBody(number int) map[string]any {
	return map[string]any{
		"repository": map[string]any{"owner": "acme", "repo": "widgets"},
		"issue":      map[string]any{"number": number, "title": "widget is broken", "body": "it crashes"},
	}
}

func TestStatusEndpoint_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)

	resp, raw := env.request(t, "GET", "/api/status", nil, false)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected status payload: %v", body)
	}
}

func TestAuthedEndpoints_RejectMissingToken(t *testing.T) {
	env := newTestEnv(t)

	paths := []struct {
		method, path string
	}{
		{"POST", "/api/triage"},
		{"POST", "/api/pr"},
		{"POST", "/api/reconcile"},
		{"GET", "/api/workflows/acme/widgets/7"},
		{"GET", "/api/workflows?owner=acme&repo=widgets&numbers=7"},
		{"GET", "/api/activity/acme/widgets/7"},
		{"GET", "/api/settings"},
		{"PUT", "/api/settings"},
	}
	for _, p := range paths {
		resp, _ := env.request(t, p.method, p.path, nil, false)
		if resp.StatusCode != 401 {
			t.Errorf("%s %s: expected 401, got %d", p.method, p.path, resp.StatusCode)
		}
	}
}

func TestRejection_HappensBeforeSideEffects(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.request(t, "POST", "/api/triage", triageRequestBody(7), false)
	if resp.StatusCode != 401 {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if _, ok, err := env.store.GetLatestTriageSession("acme", "widgets", 7); err != nil || ok {
		t.Errorf("expected no session after rejected request, ok=%v err=%v", ok, err)
	}
}

func TestStartTriage_ReturnsTaskHandle(t *testing.T) {
	env := newTestEnv(t)

	resp, raw := env.request(t, "POST", "/api/triage", triageRequestBody(7), true)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var handle struct {
		TaskID  string `json:"task_id"`
		TaskURL string `json:"task_url"`
	}
	if err := json.Unmarshal(raw, &handle); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if handle.TaskID != "triage-task" || handle.TaskURL == "" {
		t.Errorf("unexpected handle: %+v", handle)
	}
}

func TestStartTriage_MissingFields_BadRequest(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.request(t, "POST", "/api/triage", map[string]any{
		"issue": map[string]any{"number": 7},
	}, true)
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestReconcile_RunningTask(t *testing.T) {
	env := newTestEnv(t)
	env.request(t, "POST", "/api/triage", triageRequestBody(7), true)

	resp, raw := env.request(t, "POST", "/api/reconcile", map[string]any{
		"task_id": "triage-task", "owner": "acme", "repo": "widgets", "issue_number": 7,
	}, true)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var rec struct {
		Status         string `json:"status"`
		WorkflowStatus string `json:"workflow_status"`
		Done           bool   `json:"done"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if rec.Status != "running" || rec.Done {
		t.Errorf("unexpected reconciliation: %+v", rec)
	}
}

func TestReconcile_CompletedTriage_ReturnsStructuredResult(t *testing.T) {
	env := newTestEnv(t)
	env.request(t, "POST", "/api/triage", triageRequestBody(7), true)

	env.agent.setStatus(agent.TaskStatus{
		Status: agent.StatusStopped,
		Result: &triage.Result{
			Scope:           "Fix the loader",
			Complexity:      triage.LevelLow,
			ConfidenceScore: triage.LevelHigh,
		},
	})

	resp, raw := env.request(t, "POST", "/api/reconcile", map[string]any{
		"task_id": "triage-task", "owner": "acme", "repo": "widgets", "issue_number": 7,
	}, true)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var rec struct {
		Result         *triage.Result `json:"structured_result"`
		WorkflowStatus string         `json:"workflow_status"`
		Done           bool           `json:"done"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !rec.Done || rec.Result == nil || rec.Result.Scope != "Fix the loader" {
		t.Errorf("unexpected reconciliation: %+v", rec)
	}
	// Default settings leave automation off.
	if rec.WorkflowStatus != "triaged" {
		t.Errorf("expected triaged, got %q", rec.WorkflowStatus)
	}
}

func TestGetWorkflow_UnknownIssue_ReportsNew(t *testing.T) {
	env := newTestEnv(t)

	resp, raw := env.request(t, "GET", "/api/workflows/acme/widgets/99", nil, true)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var wf struct {
		WorkflowStatus string      `json:"workflow_status"`
		Triage         *TriageInfo `json:"triage"`
	}
	if err := json.Unmarshal(raw, &wf); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if wf.WorkflowStatus != "new" {
		t.Errorf("expected new, got %q", wf.WorkflowStatus)
	}
	if wf.Triage != nil {
		t.Errorf("expected no triage info, got %+v", wf.Triage)
	}
}

func TestGetWorkflow_IncludesLatestTriage(t *testing.T) {
	env := newTestEnv(t)
	env.request(t, "POST", "/api/triage", triageRequestBody(7), true)

	resp, raw := env.request(t, "GET", "/api/workflows/acme/widgets/7", nil, true)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var wf struct {
		Triage *TriageInfo `json:"triage"`
	}
	if err := json.Unmarshal(raw, &wf); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if wf.Triage == nil || wf.Triage.Status != "in_progress" {
		t.Errorf("expected in-progress triage info, got %+v", wf.Triage)
	}
}

func TestListWorkflows_OmitsUnknownIssues(t *testing.T) {
	env := newTestEnv(t)
	env.request(t, "POST", "/api/triage", triageRequestBody(7), true)
	// Give issue 7 a workflow row via a reconcile that fails the task.
	env.agent.setStatus(agent.TaskStatus{Status: agent.StatusError})
	env.request(t, "POST", "/api/reconcile", map[string]any{
		"task_id": "triage-task", "owner": "acme", "repo": "widgets", "issue_number": 7,
	}, true)

	resp, raw := env.request(t, "GET", "/api/workflows?owner=acme&repo=widgets&numbers=7,8,9", nil, true)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var result map[string]workflowResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if _, ok := result["7"]; !ok {
		t.Error("expected issue 7 in batch response")
	}
	for _, absent := range []string{"8", "9"} {
		if _, ok := result[absent]; ok {
			t.Errorf("expected issue %s omitted, got %+v", absent, result[absent])
		}
	}
}

func TestListWorkflows_IncludesSessionOnlyIssues(t *testing.T) {
	env := newTestEnv(t)
	// First triage in flight: a session exists but no workflow row yet.
	env.request(t, "POST", "/api/triage", triageRequestBody(7), true)

	resp, raw := env.request(t, "GET", "/api/workflows?owner=acme&repo=widgets&numbers=7,8", nil, true)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var result map[string]workflowResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	entry, ok := result["7"]
	if !ok {
		t.Fatal("expected session-only issue 7 in batch response")
	}
	if entry.WorkflowStatus != "new" {
		t.Errorf("expected implicit-new workflow status, got %q", entry.WorkflowStatus)
	}
	if entry.Owner != "acme" || entry.IssueNumber != 7 {
		t.Errorf("unexpected entry identity: %+v", entry)
	}
	if entry.Triage == nil || entry.Triage.Status != "in_progress" {
		t.Errorf("expected in-progress triage info, got %+v", entry.Triage)
	}
	if _, ok := result["8"]; ok {
		t.Error("expected issue 8 with no record to stay omitted")
	}
}

func TestListWorkflows_BadNumbers_BadRequest(t *testing.T) {
	env := newTestEnv(t)

	for _, query := range []string{
		"?owner=acme&repo=widgets",
		"?owner=acme&repo=widgets&numbers=x",
		"?repo=widgets&numbers=7",
	} {
		resp, _ := env.request(t, "GET", "/api/workflows"+query, nil, true)
		if resp.StatusCode != 400 {
			t.Errorf("%s: expected 400, got %d", query, resp.StatusCode)
		}
	}
}

func TestActivityEndpoint_NewestFirst(t *testing.T) {
	env := newTestEnv(t)
	env.request(t, "POST", "/api/triage", triageRequestBody(7), true)
	env.agent.setStatus(agent.TaskStatus{Status: agent.StatusError})
	env.request(t, "POST", "/api/reconcile", map[string]any{
		"task_id": "triage-task", "owner": "acme", "repo": "widgets", "issue_number": 7,
	}, true)

	resp, raw := env.request(t, "GET", "/api/activity/acme/widgets/7", nil, true)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var entries []struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected at least two entries, got %d", len(entries))
	}
	if entries[0].EventType != "triage_failed" {
		t.Errorf("expected newest entry first, got %q", entries[0].EventType)
	}
}

func TestSettings_DefaultsThenRoundtrip(t *testing.T) {
	env := newTestEnv(t)

	resp, raw := env.request(t, "GET", "/api/settings", nil, true)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var settings settingsPayload
	if err := json.Unmarshal(raw, &settings); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if settings.AutoPREnabled || settings.PRConfidenceThreshold != triage.LevelHigh {
		t.Errorf("unexpected defaults: %+v", settings)
	}

	update := settingsPayload{AutoPREnabled: true, PRConfidenceThreshold: triage.LevelMedium}
	resp, _ = env.request(t, "PUT", "/api/settings", update, true)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	_, raw = env.request(t, "GET", "/api/settings", nil, true)
	if err := json.Unmarshal(raw, &settings); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !settings.AutoPREnabled || settings.PRConfidenceThreshold != triage.LevelMedium {
		t.Errorf("expected saved settings back, got %+v", settings)
	}
}

func TestPutSettings_InvalidThreshold_BadRequest(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.request(t, "PUT", "/api/settings", map[string]any{
		"pr_confidence_threshold": "extreme",
	}, true)
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestStaticTokenAuth(t *testing.T) {
	auth := StaticTokenAuth{Token: "secret", UserID: "alice"}

	req, _ := http.NewRequest("GET", "/", nil)
	if _, err := auth.Authenticate(req); err == nil {
		t.Error("expected error for missing header")
	}

	req.Header.Set("Authorization", "Bearer wrong")
	if _, err := auth.Authenticate(req); err == nil {
		t.Error("expected error for wrong token")
	}

	req.Header.Set("Authorization", "Bearer secret")
	userID, err := auth.Authenticate(req)
	if err != nil || userID != "alice" {
		t.Errorf("expected alice, got %q err=%v", userID, err)
	}

	empty := StaticTokenAuth{}
	if _, err := empty.Authenticate(req); err == nil {
		t.Error("expected unconfigured auth to reject")
	}
}

// fakeLister feeds canned comments to the comment-scan fallback.
type fakeLister struct {
	comments []github.Comment
}

func (f *fakeLister) ListIssueComments(context.Context, string, string, int) ([]github.Comment, error) {
	return f.comments, nil
}

func TestCommentTriageSource_MapsScanResults(t *testing.T) {
	result := triage.Result{
		Scope:           "Fix the loader",
		Complexity:      triage.LevelLow,
		ConfidenceScore: triage.LevelHigh,
	}
	lister := &fakeLister{comments: []github.Comment{
		{Body: statuscomment.Assessment(result, "https://tasks.example/t1")},
	}}
	source := &CommentTriageSource{Reader: statuscomment.NewReader(lister)}

	info, ok, err := source.LatestTriageInfo(context.Background(), "acme", "widgets", 7)
	if err != nil || !ok {
		t.Fatalf("expected triage info, ok=%v err=%v", ok, err)
	}
	if info.Status != "completed" || info.Confidence != triage.LevelHigh {
		t.Errorf("unexpected info: %+v", info)
	}

	lister.comments = []github.Comment{{Body: statuscomment.InProgress("https://tasks.example/t2")}}
	info, ok, err = source.LatestTriageInfo(context.Background(), "acme", "widgets", 7)
	if err != nil || !ok {
		t.Fatalf("expected triage info, ok=%v err=%v", ok, err)
	}
	if info.Status != "in_progress" {
		t.Errorf("expected in_progress, got %q", info.Status)
	}

	lister.comments = nil
	_, ok, err = source.LatestTriageInfo(context.Background(), "acme", "widgets", 7)
	if err != nil || ok {
		t.Errorf("expected absent info without error, ok=%v err=%v", ok, err)
	}
}

func TestServerAddr_ReportsBoundPort(t *testing.T) {
	env := newTestEnv(t)
	addr := env.server.Addr()
	if !strings.HasPrefix(addr, "127.0.0.1:") || strings.HasSuffix(addr, ":0") {
		t.Errorf("expected a concrete bound address, got %q", addr)
	}
}
