package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgeline/foreman/internal/agent"
	"github.com/forgeline/foreman/internal/eventbus"
	"github.com/forgeline/foreman/internal/pool"
	"github.com/forgeline/foreman/internal/tracker"
	"github.com/forgeline/foreman/internal/work"
)

type fakeTracker struct {
	mu       sync.Mutex
	issues   map[string]tracker.Issue
	statuses []string
	comments []string
	closed   []string

	updateErr  error
	getErr     error
	commentErr error
	closeErr   error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{issues: make(map[string]tracker.Issue)}
}

func (f *fakeTracker) addIssue(issue tracker.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues[issue.ID] = issue
}

func (f *fakeTracker) GetIssue(ctx context.Context, issueID string) (tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return tracker.Issue{}, f.getErr
	}
	issue, ok := f.issues[issueID]
	if !ok {
		return tracker.Issue{}, fmt.Errorf("%w: %s", tracker.ErrIssueNotFound, issueID)
	}
	return issue, nil
}

func (f *fakeTracker) UpdateStatus(ctx context.Context, issueID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.statuses = append(f.statuses, issueID+":"+status)
	return nil
}

func (f *fakeTracker) AddComment(ctx context.Context, issueID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commentErr != nil {
		return f.commentErr
	}
	f.comments = append(f.comments, message)
	return nil
}

func (f *fakeTracker) CloseIssue(ctx context.Context, issueID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closed = append(f.closed, issueID)
	return nil
}

func (f *fakeTracker) recordedStatuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses...)
}

func (f *fakeTracker) recordedComments() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments...)
}

func (f *fakeTracker) closedIssues() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

// scriptLauncher hands out fake agent sessions running the given script.
type scriptLauncher struct {
	mu       sync.Mutex
	script   func(prompt string, emit func(agent.Event))
	err      error
	sessions []*agent.Fake
}

func (l *scriptLauncher) Launch(ctx context.Context, workDir string) (agent.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	f := agent.NewFake()
	if l.script != nil {
		f.Script(l.script)
	}
	l.sessions = append(l.sessions, f)
	return f, nil
}

func (l *scriptLauncher) last() *agent.Fake {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sessions) == 0 {
		return nil
	}
	return l.sessions[len(l.sessions)-1]
}

func fastOptions() Options {
	return Options{WorkTimeout: 2 * time.Second, PollEvery: 2 * time.Millisecond}
}

func newRig(t *testing.T, launcher agent.Launcher, trk tracker.Tracker, opts Options) (*Orchestrator, *work.Store, *pool.Pool) {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	store := work.NewStore(bus)
	agents := pool.New(2)
	t.Cleanup(agents.Close)

	o := New(store, agents, launcher, trk, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o, store, agents
}

func waitForTerminal(t *testing.T, store *work.Store, workID string) work.Session {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := store.Session(workID)
		require.NoError(t, err)
		if sess.Status.Terminal() {
			return sess
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("session never reached a terminal status")
	return work.Session{}
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartWorkDrivesToCompletion(t *testing.T) {
	launcher := &scriptLauncher{script: func(prompt string, emit func(agent.Event)) {
		emit(agent.Event{Type: agent.EventTextDelta, Text: "Looking at the handler."})
		emit(agent.Event{Type: agent.EventToolStart, Tool: "Edit", Input: map[string]any{"file_path": "cmd/api/main.go"}})
		emit(agent.Event{Type: agent.EventToolEnd, Tool: "Edit"})
		emit(agent.Event{Type: agent.EventAgentEnd, Text: "SUMMARY\nFixed the nil check in the handler.\n"})
	}}
	trk := newFakeTracker()
	trk.addIssue(tracker.Issue{ID: "I-1", Title: "Fix crash", Body: "Server panics on empty payload."})
	o, store, _ := newRig(t, launcher, trk, fastOptions())

	sess, err := o.StartWork(context.Background(), "I-1", StartOptions{ProjectPath: "/tmp/repo"})
	require.NoError(t, err)
	require.Equal(t, work.StatusStarting, sess.Status)

	final := waitForTerminal(t, store, sess.WorkID)
	require.Equal(t, work.StatusComplete, final.Status)
	require.Equal(t, 100, final.Progress)
	require.NotNil(t, final.Result)
	require.True(t, final.Result.Success)
	require.Equal(t, "Fixed the nil check in the handler.", final.Result.Summary)
	require.Equal(t, []string{"cmd/api/main.go"}, final.Result.FilesChanged)

	require.Equal(t, []string{"I-1:in_progress"}, trk.recordedStatuses())
	require.Equal(t, []string{"I-1"}, trk.closedIssues())
	comments := trk.recordedComments()
	require.Len(t, comments, 1)
	require.Contains(t, comments[0], "Fixed the nil check in the handler.")
	require.Contains(t, comments[0], "cmd/api/main.go")

	// The prompt carries the issue text, not just the id.
	prompts := launcher.last().Prompts()
	require.Len(t, prompts, 1)
	require.Contains(t, prompts[0], "Fix crash")
	require.Contains(t, prompts[0], "empty payload")
}

func TestStatusEventOrder(t *testing.T) {
	launcher := &scriptLauncher{script: func(prompt string, emit func(agent.Event)) {
		emit(agent.Event{Type: agent.EventTextDelta, Text: "done"})
		emit(agent.Event{Type: agent.EventAgentEnd, Text: "done"})
	}}
	trk := newFakeTracker()
	o, store, _ := newRig(t, launcher, trk, fastOptions())

	sub := store.SubscribeChan(64)
	defer sub.Close()

	sess, err := o.StartWork(context.Background(), "I-2", StartOptions{})
	require.NoError(t, err)
	waitForTerminal(t, store, sess.WorkID)

	var statuses []string
	var last string
	deadline := time.After(2 * time.Second)
collect:
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				break collect
			}
			last = ev.Type
			if ev.Type == eventbus.TypeStatus {
				statuses = append(statuses, ev.Data["status"].(string))
			}
			if ev.Type == eventbus.TypeComplete {
				break collect
			}
		case <-deadline:
			t.Fatal("no completion event observed")
		}
	}
	require.Equal(t, []string{string(work.StatusThinking), string(work.StatusWorking)}, statuses)
	require.Equal(t, eventbus.TypeComplete, last)
}

func TestStartWorkConflict(t *testing.T) {
	release := make(chan struct{})
	launcher := &scriptLauncher{script: func(prompt string, emit func(agent.Event)) {
		<-release
		emit(agent.Event{Type: agent.EventAgentEnd, Text: "done"})
	}}
	trk := newFakeTracker()
	o, store, _ := newRig(t, launcher, trk, fastOptions())

	sess, err := o.StartWork(context.Background(), "I-3", StartOptions{})
	require.NoError(t, err)

	_, err = o.StartWork(context.Background(), "I-3", StartOptions{})
	require.ErrorIs(t, err, work.ErrConflict)

	close(release)
	waitForTerminal(t, store, sess.WorkID)

	// The issue is free again once the first session settles.
	_, err = o.StartWork(context.Background(), "I-3", StartOptions{})
	require.NoError(t, err)
}

func TestTrackerClaimFailureFailsWork(t *testing.T) {
	launcher := &scriptLauncher{}
	trk := newFakeTracker()
	trk.updateErr = fmt.Errorf("tracker unreachable")
	o, store, agents := newRig(t, launcher, trk, fastOptions())

	sess, err := o.StartWork(context.Background(), "I-4", StartOptions{})
	require.NoError(t, err)

	final := waitForTerminal(t, store, sess.WorkID)
	require.Equal(t, work.StatusError, final.Status)
	require.NotNil(t, final.Error)
	require.Contains(t, final.Error.Message, "claiming issue failed")
	require.True(t, final.Error.CanRetry)

	// No agent was ever borrowed for it.
	require.Equal(t, 0, agents.Stats().ActiveWorkers)
	require.Nil(t, launcher.last())
}

func TestAgentLaunchFailureFailsWork(t *testing.T) {
	launcher := &scriptLauncher{err: fmt.Errorf("binary not found")}
	trk := newFakeTracker()
	o, store, agents := newRig(t, launcher, trk, fastOptions())

	sess, err := o.StartWork(context.Background(), "I-5", StartOptions{})
	require.NoError(t, err)

	final := waitForTerminal(t, store, sess.WorkID)
	require.Equal(t, work.StatusError, final.Status)
	require.Contains(t, final.Error.Message, "agent launch failed")
	waitUntil(t, func() bool { return agents.Stats().ActiveWorkers == 0 }, "worker release")
}

func TestWorkTimeout(t *testing.T) {
	launcher := &scriptLauncher{script: func(prompt string, emit func(agent.Event)) {
		emit(agent.Event{Type: agent.EventTextDelta, Text: "still going"})
		// Never ends.
	}}
	trk := newFakeTracker()
	o, store, _ := newRig(t, launcher, trk, Options{WorkTimeout: 50 * time.Millisecond, PollEvery: 2 * time.Millisecond})

	sess, err := o.StartWork(context.Background(), "I-6", StartOptions{})
	require.NoError(t, err)

	final := waitForTerminal(t, store, sess.WorkID)
	require.Equal(t, work.StatusError, final.Status)
	require.Contains(t, final.Error.Message, "timed out after")
	require.Equal(t, 100, final.Progress)
}

func TestPerRequestTimeoutOverride(t *testing.T) {
	launcher := &scriptLauncher{script: func(prompt string, emit func(agent.Event)) {}}
	trk := newFakeTracker()
	o, store, _ := newRig(t, launcher, trk, Options{WorkTimeout: time.Hour, PollEvery: 2 * time.Millisecond})

	sess, err := o.StartWork(context.Background(), "I-7", StartOptions{Timeout: 40 * time.Millisecond})
	require.NoError(t, err)

	final := waitForTerminal(t, store, sess.WorkID)
	require.Equal(t, work.StatusError, final.Status)
	require.Contains(t, final.Error.Message, "timed out")
}

func TestAgentErrorFailsWork(t *testing.T) {
	launcher := &scriptLauncher{script: func(prompt string, emit func(agent.Event)) {
		emit(agent.Event{Type: agent.EventTextDelta, Text: "starting"})
		emit(agent.Event{Type: agent.EventError, Err: "engine exploded"})
	}}
	trk := newFakeTracker()
	o, store, _ := newRig(t, launcher, trk, fastOptions())

	sess, err := o.StartWork(context.Background(), "I-8", StartOptions{})
	require.NoError(t, err)

	final := waitForTerminal(t, store, sess.WorkID)
	require.Equal(t, work.StatusError, final.Status)
	require.Equal(t, "engine exploded", final.Error.Message)

	comments := trk.recordedComments()
	require.Len(t, comments, 1)
	require.Contains(t, comments[0], "Automated work failed")
}

func TestCancelWorkAbandonsDriveLoop(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	launcher := &scriptLauncher{script: func(prompt string, emit func(agent.Event)) {
		emit(agent.Event{Type: agent.EventTextDelta, Text: "working"})
		<-release
	}}
	trk := newFakeTracker()
	o, store, agents := newRig(t, launcher, trk, fastOptions())

	sess, err := o.StartWork(context.Background(), "I-9", StartOptions{})
	require.NoError(t, err)
	waitUntil(t, func() bool {
		current, err := store.Session(sess.WorkID)
		return err == nil && current.Status == work.StatusWorking
	}, "working status")

	cancelled, err := o.CancelWork("I-9")
	require.NoError(t, err)
	require.Equal(t, sess.WorkID, cancelled.WorkID)

	final := waitForTerminal(t, store, sess.WorkID)
	require.Equal(t, work.StatusCancelled, final.Status)

	// The drive loop notices and hands its worker back without waiting for
	// the agent.
	waitUntil(t, func() bool { return agents.Stats().ActiveWorkers == 0 }, "worker release")
	require.True(t, launcher.last().Closed())
}

func TestCancelWorkWithoutActiveSession(t *testing.T) {
	o, _, _ := newRig(t, &scriptLauncher{}, newFakeTracker(), fastOptions())
	_, err := o.CancelWork("missing")
	require.ErrorIs(t, err, work.ErrNotFound)
}

func TestFinishAfterCancelSkipsTracker(t *testing.T) {
	trk := newFakeTracker()
	o, store, _ := newRig(t, &scriptLauncher{}, trk, fastOptions())

	sess, err := store.CreateSession("I-70", "")
	require.NoError(t, err)
	require.NoError(t, store.Cancel(sess.WorkID))

	// The agent ended normally, but the cancel won the race: no comment,
	// no issue close, and the session stays cancelled.
	st := newDriveState()
	st.markDone("SUMMARY\nLanded anyway.\n")
	o.finish(context.Background(), st, sess.WorkID, "I-70")

	require.Empty(t, trk.recordedComments())
	require.Empty(t, trk.closedIssues())

	final, err := store.Session(sess.WorkID)
	require.NoError(t, err)
	require.Equal(t, work.StatusCancelled, final.Status)
	require.Nil(t, final.Result)
}

func TestCompletionSurvivesTrackerFailures(t *testing.T) {
	launcher := &scriptLauncher{script: func(prompt string, emit func(agent.Event)) {
		emit(agent.Event{Type: agent.EventAgentEnd, Text: "SUMMARY\nDone.\n"})
	}}
	trk := newFakeTracker()
	trk.commentErr = fmt.Errorf("comment rejected")
	trk.closeErr = fmt.Errorf("close rejected")
	o, store, _ := newRig(t, launcher, trk, fastOptions())

	sess, err := o.StartWork(context.Background(), "I-10", StartOptions{})
	require.NoError(t, err)

	final := waitForTerminal(t, store, sess.WorkID)
	require.Equal(t, work.StatusComplete, final.Status)
	require.Equal(t, "Done.", final.Result.Summary)
}

func TestShutdownSettlesRunningWork(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	launcher := &scriptLauncher{script: func(prompt string, emit func(agent.Event)) {
		<-release
	}}
	trk := newFakeTracker()
	o, store, _ := newRig(t, launcher, trk, fastOptions())

	sess, err := o.StartWork(context.Background(), "I-11", StartOptions{})
	require.NoError(t, err)
	waitUntil(t, func() bool {
		current, err := store.Session(sess.WorkID)
		return err == nil && current.Status == work.StatusWorking
	}, "working status")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	final, err := store.Session(sess.WorkID)
	require.NoError(t, err)
	require.Equal(t, work.StatusError, final.Status)
	require.Contains(t, final.Error.Message, "shut down")

	_, err = o.StartWork(context.Background(), "I-12", StartOptions{})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestTranslationProducesSteps(t *testing.T) {
	launcher := &scriptLauncher{script: func(prompt string, emit func(agent.Event)) {
		emit(agent.Event{Type: agent.EventTextDelta, Text: "inspecting"})
		emit(agent.Event{Type: agent.EventToolStart, Tool: "Edit", Input: map[string]any{"file_path": "pkg/a.go"}})
		emit(agent.Event{Type: agent.EventToolEnd, Tool: "Edit", Err: "permission denied"})
		emit(agent.Event{Type: agent.EventToolStart, Tool: "Bash", Input: map[string]any{"command": "go test"}})
		emit(agent.Event{Type: agent.EventToolEnd, Tool: "Bash"})
		emit(agent.Event{Type: agent.EventAgentEnd, Text: "done"})
	}}
	trk := newFakeTracker()
	o, store, _ := newRig(t, launcher, trk, fastOptions())

	sess, err := o.StartWork(context.Background(), "I-13", StartOptions{})
	require.NoError(t, err)
	final := waitForTerminal(t, store, sess.WorkID)

	var types []string
	for _, step := range final.Events {
		types = append(types, step.Type)
	}
	require.Equal(t, []string{
		work.StepTextDelta,
		work.StepToolCall,
		work.StepToolError,
		work.StepToolCall,
	}, types)

	edit := final.Events[1]
	require.Equal(t, "Edit", edit.Metadata["tool"])
	require.Equal(t, "pkg/a.go", edit.Metadata["file_path"])
	require.Equal(t, "permission denied", final.Events[2].Content)

	// Only tool calls that touched files count as changed files.
	require.Equal(t, []string{"pkg/a.go"}, final.Result.FilesChanged)
}

func TestSyntheticProgress(t *testing.T) {
	timeout := 100 * time.Second
	require.Equal(t, 10, syntheticProgress(0, timeout))
	require.Equal(t, 50, syntheticProgress(50*time.Second, timeout))
	require.Equal(t, 90, syntheticProgress(100*time.Second, timeout))
	require.Equal(t, 90, syntheticProgress(400*time.Second, timeout))
}

func TestBuildPrompt(t *testing.T) {
	full := buildPrompt(tracker.Issue{ID: "I-20", Title: "Add retry", Body: "Retries are missing on 503s."})
	require.Contains(t, full, "I-20")
	require.Contains(t, full, "Add retry")
	require.Contains(t, full, "503s")
	require.Contains(t, full, "SUMMARY")

	bare := buildPrompt(tracker.Issue{ID: "I-21"})
	require.Contains(t, bare, "Work on issue I-21.")
	require.NotContains(t, bare, ": \n")
}

func TestWorkStatusAndActiveWork(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	launcher := &scriptLauncher{script: func(prompt string, emit func(agent.Event)) {
		<-release
	}}
	trk := newFakeTracker()
	o, store, _ := newRig(t, launcher, trk, fastOptions())

	sess, err := o.StartWork(context.Background(), "I-30", StartOptions{})
	require.NoError(t, err)

	got, err := o.WorkStatus("I-30")
	require.NoError(t, err)
	require.Equal(t, sess.WorkID, got.WorkID)

	_, err = o.WorkStatus("elsewhere")
	require.ErrorIs(t, err, work.ErrNotFound)

	active := o.ActiveWork()
	require.Len(t, active, 1)
	require.Equal(t, sess.WorkID, active[0].WorkID)

	byID, err := o.Session(sess.WorkID)
	require.NoError(t, err)
	require.Equal(t, "I-30", byID.IssueID)

	require.NoError(t, store.Cancel(sess.WorkID))
}

func TestWorkerReleasedAfterCompletion(t *testing.T) {
	launcher := &scriptLauncher{script: func(prompt string, emit func(agent.Event)) {
		emit(agent.Event{Type: agent.EventAgentEnd, Text: "done"})
	}}
	trk := newFakeTracker()
	o, store, agents := newRig(t, launcher, trk, fastOptions())

	for i := 0; i < 5; i++ {
		issueID := fmt.Sprintf("I-4%d", i)
		sess, err := o.StartWork(context.Background(), issueID, StartOptions{})
		require.NoError(t, err)
		waitForTerminal(t, store, sess.WorkID)
	}
	waitUntil(t, func() bool { return agents.Stats().ActiveWorkers == 0 }, "all workers idle")

	var processed int64
	for _, a := range agents.Agents() {
		if a.Role == pool.RoleWorker {
			processed += a.TotalWorkProcessed
		}
	}
	require.EqualValues(t, 5, processed)
}

func TestSummaryFallsBackToDeltas(t *testing.T) {
	// agent_end without text: the accumulated deltas become the summary
	// source.
	launcher := &scriptLauncher{script: func(prompt string, emit func(agent.Event)) {
		emit(agent.Event{Type: agent.EventTextDelta, Text: "First I looked around.\n\n"})
		emit(agent.Event{Type: agent.EventTextDelta, Text: "Then I renamed the flag."})
		emit(agent.Event{Type: agent.EventAgentEnd})
	}}
	trk := newFakeTracker()
	o, store, _ := newRig(t, launcher, trk, fastOptions())

	sess, err := o.StartWork(context.Background(), "I-50", StartOptions{})
	require.NoError(t, err)
	final := waitForTerminal(t, store, sess.WorkID)
	require.Equal(t, "Then I renamed the flag.", final.Result.Summary)
}

func TestStartWorkValidation(t *testing.T) {
	o, _, _ := newRig(t, &scriptLauncher{}, newFakeTracker(), fastOptions())
	_, err := o.StartWork(context.Background(), "", StartOptions{})
	require.ErrorIs(t, err, work.ErrValidation)
}
