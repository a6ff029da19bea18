package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/foreman/internal/agent"
	"github.com/forgeline/foreman/internal/eventbus"
	"github.com/forgeline/foreman/internal/orchestrator"
	"github.com/forgeline/foreman/internal/pool"
	"github.com/forgeline/foreman/internal/tracker"
	"github.com/forgeline/foreman/internal/work"
)

type launcherFunc func(ctx context.Context, workDir string) (agent.Session, error)

func (f launcherFunc) Launch(ctx context.Context, workDir string) (agent.Session, error) {
	return f(ctx, workDir)
}

// stubTracker is just enough tracker for handler tests.
type stubTracker struct {
	mu     sync.Mutex
	issues map[string]tracker.Issue
}

func newStubTracker(issues ...tracker.Issue) *stubTracker {
	s := &stubTracker{issues: make(map[string]tracker.Issue)}
	for _, issue := range issues {
		s.issues[issue.ID] = issue
	}
	return s
}

func (s *stubTracker) GetIssue(ctx context.Context, issueID string) (tracker.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[issueID]
	if !ok {
		return tracker.Issue{}, fmt.Errorf("%w: %s", tracker.ErrIssueNotFound, issueID)
	}
	return issue, nil
}

func (s *stubTracker) UpdateStatus(ctx context.Context, issueID, status string) error {
	return nil
}

func (s *stubTracker) AddComment(ctx context.Context, issueID, message string) error {
	return nil
}

func (s *stubTracker) CloseIssue(ctx context.Context, issueID string) error {
	return nil
}

type testServer struct {
	router *gin.Engine
	orch   *orchestrator.Orchestrator
	store  *work.Store
	agents *pool.Pool
}

func newTestServer(t *testing.T, trk tracker.Tracker, script func(prompt string, emit func(agent.Event))) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := eventbus.New()
	t.Cleanup(bus.Close)
	store := work.NewStore(bus)
	agents := pool.New(2, pool.WithPlannerQueueCap(0))
	t.Cleanup(agents.Close)

	launcher := launcherFunc(func(ctx context.Context, workDir string) (agent.Session, error) {
		f := agent.NewFake()
		if script != nil {
			f.Script(script)
		}
		return f, nil
	})

	orch := orchestrator.New(store, agents, launcher, trk, orchestrator.Options{
		WorkTimeout: 2 * time.Second,
		PollEvery:   2 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	workHandler := NewWorkHandler(orch)
	planningHandler := NewPlanningHandler(orch, agents)
	healthHandler := NewHealthHandler("test")

	router := gin.New()
	router.POST("/work/start", workHandler.StartWork)
	router.GET("/work/status/:issueId", workHandler.WorkStatus)
	router.GET("/work/session/:workId", workHandler.WorkSession)
	router.GET("/work/active", workHandler.ActiveWork)
	router.POST("/work/cancel/:issueId", workHandler.CancelWork)
	router.GET("/planning/pool/status", planningHandler.PoolStatus)
	router.POST("/planning/breakdown", planningHandler.Breakdown)
	router.GET("/healthz", healthHandler.Healthz)

	return &testServer{router: router, orch: orch, store: store, agents: agents}
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) waitTerminal(t *testing.T, workID string) work.Session {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := ts.store.Session(workID)
		require.NoError(t, err)
		if sess.Status.Terminal() {
			return sess
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("session never settled")
	return work.Session{}
}

func finishQuickly(prompt string, emit func(agent.Event)) {
	emit(agent.Event{Type: agent.EventTextDelta, Text: "done"})
	emit(agent.Event{Type: agent.EventAgentEnd, Text: "SUMMARY\nHandled.\n"})
}

func TestStartWorkEndpoint(t *testing.T) {
	ts := newTestServer(t, newStubTracker(), finishQuickly)

	w := ts.do(http.MethodPost, "/work/start", `{"issue_id": "I-1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		WorkID string `json:"workId"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.WorkID)
	// The acknowledgment is always "started", regardless of how far the
	// session has advanced by the time the response is written.
	require.Equal(t, "started", resp.Status)

	final := ts.waitTerminal(t, resp.WorkID)
	require.Equal(t, work.StatusComplete, final.Status)
}

func TestStartWorkEndpointValidation(t *testing.T) {
	ts := newTestServer(t, newStubTracker(), finishQuickly)

	w := ts.do(http.MethodPost, "/work/start", `{"project_path": "/tmp"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "IssueID")

	w = ts.do(http.MethodPost, "/work/start", `{not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartWorkEndpointConflict(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	ts := newTestServer(t, newStubTracker(), func(prompt string, emit func(agent.Event)) {
		<-release
	})

	w := ts.do(http.MethodPost, "/work/start", `{"issue_id": "I-2"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodPost, "/work/start", `{"issue_id": "I-2"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "already active")
}

func TestWorkStatusEndpoint(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	ts := newTestServer(t, newStubTracker(), func(prompt string, emit func(agent.Event)) {
		<-release
	})

	w := ts.do(http.MethodPost, "/work/start", `{"issue_id": "I-3"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodGet, "/work/status/I-3", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sess work.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	require.Equal(t, "I-3", sess.IssueID)

	w = ts.do(http.MethodGet, "/work/status/unknown", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkSessionEndpointServesFinishedWork(t *testing.T) {
	ts := newTestServer(t, newStubTracker(), finishQuickly)

	w := ts.do(http.MethodPost, "/work/start", `{"issue_id": "I-4"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		WorkID string `json:"workId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	ts.waitTerminal(t, resp.WorkID)

	// The status endpoint no longer knows the issue...
	w = ts.do(http.MethodGet, "/work/status/I-4", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	// ...but the session endpoint still serves the finished record.
	w = ts.do(http.MethodGet, "/work/session/"+resp.WorkID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var sess work.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	require.Equal(t, work.StatusComplete, sess.Status)
	require.NotNil(t, sess.Result)
	require.Equal(t, "Handled.", sess.Result.Summary)

	w = ts.do(http.MethodGet, "/work/session/nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestActiveWorkEndpoint(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	ts := newTestServer(t, newStubTracker(), func(prompt string, emit func(agent.Event)) {
		<-release
	})

	w := ts.do(http.MethodGet, "/work/active", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"count":0`)

	ts.do(http.MethodPost, "/work/start", `{"issue_id": "I-5"}`)
	ts.do(http.MethodPost, "/work/start", `{"issue_id": "I-6"}`)

	w = ts.do(http.MethodGet, "/work/active", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sessions []work.Session `json:"sessions"`
		Count    int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	require.Len(t, resp.Sessions, 2)
}

func TestCancelWorkEndpoint(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	ts := newTestServer(t, newStubTracker(), func(prompt string, emit func(agent.Event)) {
		<-release
	})

	w := ts.do(http.MethodPost, "/work/start", `{"issue_id": "I-7"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var started struct {
		WorkID string `json:"workId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))

	w = ts.do(http.MethodPost, "/work/cancel/I-7", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"success":true`)
	require.Contains(t, w.Body.String(), `"status":"cancelled"`)
	require.Contains(t, w.Body.String(), started.WorkID)

	final := ts.waitTerminal(t, started.WorkID)
	require.Equal(t, work.StatusCancelled, final.Status)

	// A second cancel finds nothing active.
	w = ts.do(http.MethodPost, "/work/cancel/I-7", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "no active work")
}

func TestPoolStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, newStubTracker(), finishQuickly)

	w := ts.do(http.MethodGet, "/planning/pool/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Agents []pool.Agent `json:"agents"`
		Stats  pool.Stats   `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Agents, 3)
	require.Equal(t, pool.RolePlanning, resp.Agents[0].Role)
	require.Equal(t, 2, resp.Stats.TotalWorkers)
	require.Equal(t, 2, resp.Stats.IdleWorkers)
}

func TestBreakdownEndpoint(t *testing.T) {
	trk := newStubTracker(tracker.Issue{ID: "I-8", Title: "Split the loader"})
	ts := newTestServer(t, trk, func(prompt string, emit func(agent.Event)) {
		emit(agent.Event{Type: agent.EventAgentEnd, Text: `{"tasks": [{"title": "a"}, {"title": "b"}]}`})
	})

	w := ts.do(http.MethodPost, "/planning/breakdown", `{"issue_id": "I-8"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"count":2`)

	w = ts.do(http.MethodPost, "/planning/breakdown", `{"issue_id": "unknown"}`)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(http.MethodPost, "/planning/breakdown", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBreakdownEndpointUnparseablePlan(t *testing.T) {
	trk := newStubTracker(tracker.Issue{ID: "I-9", Title: "Anything"})
	ts := newTestServer(t, trk, func(prompt string, emit func(agent.Event)) {
		emit(agent.Event{Type: agent.EventAgentEnd, Text: "I would rather write prose."})
	})

	w := ts.do(http.MethodPost, "/planning/breakdown", `{"issue_id": "I-9"}`)
	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHealthzEndpoint(t *testing.T) {
	ts := newTestServer(t, newStubTracker(), finishQuickly)

	w := ts.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
	require.Contains(t, w.Body.String(), `"version":"test"`)
}
