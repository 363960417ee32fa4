// Package agent is a typed client for the external agent task service that
// performs issue triage and PR generation. The client performs no retries;
// any non-success response surfaces as an *UnavailableError and recovery is
// the caller's responsibility.
//
// Task creation is not idempotent at this level: calling a create method
// twice creates two external tasks. The orchestrator is responsible for
// keeping at most one active task of each kind per issue.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/triagekit/autotriage/internal/triage"
)

// ErrNoAPIKey is returned when the client is used without a configured API
// key. Missing credentials are a configuration error, detected at first use.
var ErrNoAPIKey = errors.New("agent task service API key is not configured")

// UnavailableError reports a non-success response from the task service.
type UnavailableError struct {
	StatusCode int
	Body       string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("task service unavailable: status %d: %s", e.StatusCode, e.Body)
}

// Status is the task lifecycle status reported by the external service.
type Status string

const (
	StatusRunning Status = "running"
	StatusBlocked Status = "blocked"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Terminal returns true when the service will not advance the task further.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// Item identifies the tracked issue a task operates on.
type Item struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// RepoRef identifies the repository a task operates on.
type RepoRef struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

// TaskHandle identifies a created task.
type TaskHandle struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// TaskStatus is the current state of a task as reported by the service.
type TaskStatus struct {
	Status Status         `json:"status"`
	Result *triage.Result `json:"structured_result,omitempty"`
	PRURL  string         `json:"pr_url,omitempty"`
}

// Client is a typed client for the agent task service over JSON/HTTP.
type Client struct {
	apiKey     string
	httpClient *http.Client
	endpoint   string
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the task service base URL (useful for testing).
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a new task service client authenticating with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
		endpoint:   "https://api.agenttasks.dev",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// createTaskRequest is the JSON body for task creation.
type createTaskRequest struct {
	Kind         string         `json:"kind"`
	Repository   RepoRef        `json:"repository"`
	Issue        Item           `json:"issue"`
	TriageResult *triage.Result `json:"triage_result,omitempty"`
}

// CreateTriageTask starts a new triage task for the given issue.
func (c *Client) CreateTriageTask(ctx context.Context, item Item, repo RepoRef) (TaskHandle, error) {
	return c.createTask(ctx, createTaskRequest{
		Kind:       "triage",
		Repository: repo,
		Issue:      item,
	})
}

// CreatePRTask starts a new PR-generation task for the given issue, seeded
// with the structured result of a completed triage.
func (c *Client) CreatePRTask(ctx context.Context, item Item, repo RepoRef, result triage.Result) (TaskHandle, error) {
	return c.createTask(ctx, createTaskRequest{
		Kind:         "pr",
		Repository:   repo,
		Issue:        item,
		TriageResult: &result,
	})
}

func (c *Client) createTask(ctx context.Context, reqBody createTaskRequest) (TaskHandle, error) {
	var handle TaskHandle
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", reqBody, &handle); err != nil {
		return TaskHandle{}, err
	}
	if handle.ID == "" {
		return TaskHandle{}, fmt.Errorf("task service returned no task id")
	}
	return handle, nil
}

// GetTask returns the current status of a task.
func (c *Client) GetTask(ctx context.Context, id string) (TaskStatus, error) {
	var status TaskStatus
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+id, nil, &status); err != nil {
		return TaskStatus{}, err
	}
	return status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.apiKey == "" {
		return ErrNoAPIKey
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding task request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reqBody)
	if err != nil {
		return fmt.Errorf("building task request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling task service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading task service response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UnavailableError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding task service response: %w", err)
	}
	return nil
}
