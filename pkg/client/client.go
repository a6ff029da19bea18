// Package client is the Go SDK for the foreman HTTP API. It wraps the
// work and planning endpoints with typed calls and consumes the event
// stream with automatic reconnects.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/forgeline/foreman/pkg/types"
)

// defaultHTTPTimeout is the per-request timeout. Streaming requests use
// a separate client without one.
const defaultHTTPTimeout = 15 * time.Second

// APIError is a non-2xx response from the server, carrying the decoded
// error message when the body had one.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Option customizes the client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// Client talks to one foreman server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a client for the given base URL, without a trailing slash.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session is the server's snapshot of a work session.
type Session struct {
	WorkID        string      `json:"workId"`
	IssueID       string      `json:"issueId"`
	ProjectPath   string      `json:"projectPath,omitempty"`
	Status        string      `json:"status"`
	StatusMessage string      `json:"statusMessage,omitempty"`
	Progress      int         `json:"progress"`
	Events        []StepEvent `json:"events"`
	TotalEvents   int64       `json:"totalEvents"`
	StartTime     int64       `json:"startTime"`
	EndTime       int64       `json:"endTime,omitempty"`
	Error         *WorkError  `json:"error,omitempty"`
	Result        *WorkResult `json:"result,omitempty"`
	LastSeq       int64       `json:"lastSeq"`
}

// Terminal reports whether the session has finished.
func (s Session) Terminal() bool {
	switch s.Status {
	case "complete", "error", "cancelled":
		return true
	}
	return false
}

// StepEvent is one entry in a session's step log.
type StepEvent struct {
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// WorkError is a failure recorded against a session.
type WorkError struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	CanRetry    bool   `json:"canRetry"`
}

// WorkResult is a finished session's outcome.
type WorkResult struct {
	Success      bool     `json:"success"`
	Summary      string   `json:"summary"`
	FilesChanged []string `json:"filesChanged,omitempty"`
	DurationMs   int64    `json:"durationMs"`
}

// AgentInfo describes one pool member.
type AgentInfo struct {
	ID                 string `json:"id"`
	Role               string `json:"role"`
	Busy               bool   `json:"busy"`
	CurrentWorkID      string `json:"currentWorkId,omitempty"`
	AssignedAt         int64  `json:"assignedAt,omitempty"`
	TotalWorkProcessed int64  `json:"totalWorkProcessed"`
}

// PoolStatus is the agent pool snapshot.
type PoolStatus struct {
	Agents []AgentInfo `json:"agents"`
	Stats  struct {
		TotalWorkers  int `json:"totalWorkers"`
		ActiveWorkers int `json:"activeWorkers"`
		IdleWorkers   int `json:"idleWorkers"`
	} `json:"stats"`
}

// PlannedTask is one task from an issue breakdown.
type PlannedTask struct {
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
	Estimate int    `json:"estimate,omitempty"`
}

// StartWork asks the server to begin automated work on an issue.
func (c *Client) StartWork(ctx context.Context, req types.StartWorkRequest) (types.StartWorkResponse, error) {
	var resp types.StartWorkResponse
	err := c.doJSON(ctx, http.MethodPost, "/work/start", req, &resp)
	return resp, err
}

// WorkStatus fetches the active session for an issue.
func (c *Client) WorkStatus(ctx context.Context, issueID string) (Session, error) {
	var sess Session
	err := c.doJSON(ctx, http.MethodGet, "/work/status/"+issueID, nil, &sess)
	return sess, err
}

// WorkSession fetches a session by work id, finished ones included.
func (c *Client) WorkSession(ctx context.Context, workID string) (Session, error) {
	var sess Session
	err := c.doJSON(ctx, http.MethodGet, "/work/session/"+workID, nil, &sess)
	return sess, err
}

// ActiveWork lists sessions that have not finished yet.
func (c *Client) ActiveWork(ctx context.Context) ([]Session, error) {
	var resp struct {
		Sessions []Session `json:"sessions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/work/active", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// CancelWork cancels the active session for an issue.
func (c *Client) CancelWork(ctx context.Context, issueID string) (types.CancelWorkResponse, error) {
	var resp types.CancelWorkResponse
	err := c.doJSON(ctx, http.MethodPost, "/work/cancel/"+issueID, nil, &resp)
	return resp, err
}

// PoolStatus fetches the agent pool snapshot.
func (c *Client) PoolStatus(ctx context.Context) (PoolStatus, error) {
	var resp PoolStatus
	err := c.doJSON(ctx, http.MethodGet, "/planning/pool/status", nil, &resp)
	return resp, err
}

// Breakdown asks the planner to split an issue into tasks.
func (c *Client) Breakdown(ctx context.Context, issueID string) ([]PlannedTask, error) {
	var resp struct {
		Tasks []PlannedTask `json:"tasks"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/planning/breakdown", types.BreakdownRequest{IssueID: issueID}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Health fetches the server health report.
func (c *Client) Health(ctx context.Context) (types.HealthResponse, error) {
	var resp types.HealthResponse
	err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &resp)
	return resp, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	raw, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("server URL not set")
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

func decodeAPIError(status int, body []byte) error {
	var parsed types.ErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return &APIError{StatusCode: status, Message: parsed.Error}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: msg}
}
