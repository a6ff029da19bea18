// Package orchestrator drives work sessions end to end: it claims the
// issue in the tracker, borrows an agent from the pool, feeds the agent a
// prompt built from the issue, translates the agent's raw events into work
// session updates, and settles the session as complete, failed, or
// abandoned after cancellation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forgeline/foreman/internal/agent"
	"github.com/forgeline/foreman/internal/pool"
	"github.com/forgeline/foreman/internal/tracker"
	"github.com/forgeline/foreman/internal/work"
	"github.com/forgeline/foreman/pkg/logger"
)

const (
	defaultWorkTimeout = 5 * time.Minute
	defaultPollEvery   = 100 * time.Millisecond

	// Synthetic progress held while the agent works: the bar ramps from
	// rampFloor to rampCeiling over the timeout window, the last stretch
	// is reserved for completion.
	rampFloor   = 10
	rampCeiling = 90
)

// ErrShuttingDown is returned for new work during shutdown.
var ErrShuttingDown = errors.New("orchestrator shutting down")

// Options tune an Orchestrator.
type Options struct {
	// WorkTimeout bounds one work session. Zero means 5 minutes.
	WorkTimeout time.Duration
	// PollEvery is the drive loop tick. Zero means 100ms.
	PollEvery time.Duration
}

// StartOptions carry per-request knobs.
type StartOptions struct {
	ProjectPath string
	// Timeout overrides the orchestrator default when > 0.
	Timeout time.Duration
}

// Orchestrator coordinates the store, the pool, the agent, and the tracker.
type Orchestrator struct {
	store    *work.Store
	pool     *pool.Pool
	launcher agent.Launcher
	tracker  tracker.Tracker

	timeout   time.Duration
	pollEvery time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// New wires an orchestrator. All collaborators are required.
func New(store *work.Store, agentPool *pool.Pool, launcher agent.Launcher, trk tracker.Tracker, opts Options) *Orchestrator {
	timeout := opts.WorkTimeout
	if timeout <= 0 {
		timeout = defaultWorkTimeout
	}
	pollEvery := opts.PollEvery
	if pollEvery <= 0 {
		pollEvery = defaultPollEvery
	}
	return &Orchestrator{
		store:     store,
		pool:      agentPool,
		launcher:  launcher,
		tracker:   trk,
		timeout:   timeout,
		pollEvery: pollEvery,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// StartWork registers a session for the issue and starts driving it in the
// background. Conflicts and validation problems surface here synchronously;
// everything that happens later is captured in the session itself.
func (o *Orchestrator) StartWork(ctx context.Context, issueID string, opts StartOptions) (work.Session, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return work.Session{}, ErrShuttingDown
	}
	o.mu.Unlock()

	sess, err := o.store.CreateSession(issueID, opts.ProjectPath)
	if err != nil {
		return work.Session{}, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = o.timeout
	}

	driveCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[sess.WorkID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.cancels, sess.WorkID)
			o.mu.Unlock()
		}()
		o.drive(driveCtx, sess, timeout)
	}()

	logger.Infof("[orchestrator] started work %s for issue %s (timeout %s)", sess.WorkID, issueID, timeout)
	return sess, nil
}

// CancelWork marks the issue's active session cancelled. The agent is not
// interrupted; the drive loop notices and abandons on its next tick.
func (o *Orchestrator) CancelWork(issueID string) (work.Session, error) {
	sess, err := o.store.ActiveByIssue(issueID)
	if err != nil {
		return work.Session{}, err
	}
	if err := o.store.Cancel(sess.WorkID); err != nil {
		return work.Session{}, err
	}
	return sess, nil
}

// WorkStatus returns the active session for the issue.
func (o *Orchestrator) WorkStatus(issueID string) (work.Session, error) {
	return o.store.ActiveByIssue(issueID)
}

// Session returns any session, active or finished, by work id.
func (o *Orchestrator) Session(workID string) (work.Session, error) {
	return o.store.Session(workID)
}

// ActiveWork returns all running sessions.
func (o *Orchestrator) ActiveWork() []work.Session {
	return o.store.ActiveSessions()
}

// Shutdown stops accepting work, cancels all drive loops, and waits for
// them to settle their sessions or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for workID, cancel := range o.cancels {
		logger.Debugf("[orchestrator] cancelling drive loop for %s", workID)
		cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drive loops still running: %w", ctx.Err())
	}
}

// drive runs one work session start to finish.
func (o *Orchestrator) drive(ctx context.Context, sess work.Session, timeout time.Duration) {
	workID, issueID := sess.WorkID, sess.IssueID

	// Claiming the issue must succeed; an unreachable tracker at this
	// point fails the work before any agent is spent on it.
	if err := o.tracker.UpdateStatus(ctx, issueID, tracker.StatusInProgress); err != nil {
		o.failWork(ctx, workID, issueID, fmt.Sprintf("claiming issue failed: %v", err))
		return
	}

	agentID, err := o.pool.AssignWorker(ctx, workID)
	if err != nil {
		o.failWork(ctx, workID, issueID, fmt.Sprintf("no agent available: %v", err))
		return
	}
	defer o.pool.ReleaseWorker(agentID)

	if o.bailIfSettled(workID) {
		return
	}

	session, err := o.launcher.Launch(ctx, sess.ProjectPath)
	if err != nil {
		o.failWork(ctx, workID, issueID, fmt.Sprintf("agent launch failed: %v", err))
		return
	}
	defer session.Close()

	o.store.UpdateStatus(workID, work.StatusThinking, "reading the issue")

	issue, err := o.tracker.GetIssue(ctx, issueID)
	if err != nil {
		// The issue body is an enrichment; the id alone still makes a
		// workable prompt.
		logger.Warnf("[orchestrator] could not load issue %s: %v", issueID, err)
		issue = tracker.Issue{ID: issueID}
	}

	st := newDriveState()
	unsubscribe := session.Subscribe(o.translate(st, workID))
	defer unsubscribe()

	if o.bailIfSettled(workID) {
		return
	}

	if err := session.Prompt(ctx, buildPrompt(issue)); err != nil {
		o.failWork(ctx, workID, issueID, fmt.Sprintf("prompting agent failed: %v", err))
		return
	}

	o.store.UpdateStatus(workID, work.StatusWorking, "agent working")
	o.poll(ctx, st, workID, issueID, timeout)
}

// poll watches the drive state until the agent finishes, the work times
// out, the session is settled from outside, or the orchestrator shuts down.
func (o *Orchestrator) poll(ctx context.Context, st *driveState, workID, issueID string, timeout time.Duration) {
	start := time.Now()
	ticker := time.NewTicker(o.pollEvery)
	defer ticker.Stop()

	lastProgress := 0
	for {
		select {
		case <-st.done:
			o.finish(ctx, st, workID, issueID)
			return
		case <-ctx.Done():
			o.failWork(context.Background(), workID, issueID, "orchestrator shut down before the work finished")
			return
		case <-ticker.C:
			if msg, failed := st.failure(); failed {
				o.failWork(ctx, workID, issueID, msg)
				return
			}
			if o.bailIfSettled(workID) {
				return
			}
			elapsed := time.Since(start)
			if elapsed >= timeout {
				o.failWork(ctx, workID, issueID, fmt.Sprintf("work timed out after %s", timeout))
				return
			}
			if pct := syntheticProgress(elapsed, timeout); pct > lastProgress {
				lastProgress = pct
				o.store.UpdateProgress(workID, pct, "agent working")
			}
		}
	}
}

// bailIfSettled reports whether the session reached a terminal state
// through some other path (cancellation, mostly). The in-flight agent call
// is deliberately left alone; only our observation stops.
func (o *Orchestrator) bailIfSettled(workID string) bool {
	sess, err := o.store.Session(workID)
	if err != nil {
		logger.Warnf("[orchestrator] session %s vanished: %v", workID, err)
		return true
	}
	if sess.Status.Terminal() {
		logger.Infof("[orchestrator] session %s settled as %s, abandoning drive loop", workID, sess.Status)
		return true
	}
	return false
}

// finish settles a successful run: summarize, report back to the tracker,
// then complete the session. A cancellation that landed after the agent
// ended skips the tracker entirely. Tracker failures at this stage degrade
// to log lines; the work itself succeeded.
func (o *Orchestrator) finish(ctx context.Context, st *driveState, workID, issueID string) {
	if o.bailIfSettled(workID) {
		return
	}

	summary := Summarize(st.finalText())
	files := st.filesChanged()

	if err := o.tracker.AddComment(ctx, issueID, buildCompletionComment(summary, files)); err != nil {
		logger.Warnf("[orchestrator] completion comment for %s failed: %v", issueID, err)
	}
	if err := o.tracker.CloseIssue(ctx, issueID); err != nil {
		logger.Warnf("[orchestrator] closing issue %s failed: %v", issueID, err)
	}

	if err := o.store.Complete(workID, true, summary, files); err != nil {
		logger.Errorf("[orchestrator] completing session %s failed: %v", workID, err)
	}
}

// failWork settles a failed run and leaves a best-effort note on the issue.
func (o *Orchestrator) failWork(ctx context.Context, workID, issueID, msg string) {
	if err := o.store.Fail(workID, msg, false, true); err != nil {
		logger.Errorf("[orchestrator] failing session %s failed: %v", workID, err)
	}
	if err := o.tracker.AddComment(ctx, issueID, "Automated work failed: "+msg); err != nil {
		logger.Warnf("[orchestrator] failure comment for %s failed: %v", issueID, err)
	}
}

// translate converts raw agent events into work session updates.
func (o *Orchestrator) translate(st *driveState, workID string) func(agent.Event) {
	return func(ev agent.Event) {
		switch ev.Type {
		case agent.EventTextDelta:
			st.appendText(ev.Text)
			o.store.AddStep(workID, work.StepTextDelta, ev.Text, nil)
		case agent.EventToolStart:
			meta := map[string]any{"tool": ev.Tool}
			if path := filePathFromInput(ev.Input); path != "" {
				meta["file_path"] = path
				st.recordFile(path)
			}
			o.store.AddStep(workID, work.StepToolCall, ev.Tool, meta)
		case agent.EventToolEnd:
			if ev.Err != "" {
				o.store.AddStep(workID, work.StepToolError, ev.Err, map[string]any{"tool": ev.Tool})
			}
		case agent.EventAgentEnd:
			st.markDone(ev.Text)
		case agent.EventError:
			st.markFailed(ev.Err)
		default:
			logger.Debugf("[orchestrator] unhandled agent event %q for %s", ev.Type, workID)
		}
	}
}

func syntheticProgress(elapsed, timeout time.Duration) int {
	if timeout <= 0 {
		return rampFloor
	}
	pct := rampFloor + int(float64(rampCeiling-rampFloor)*float64(elapsed)/float64(timeout))
	if pct > rampCeiling {
		pct = rampCeiling
	}
	return pct
}

func buildPrompt(issue tracker.Issue) string {
	var b strings.Builder
	if issue.Title != "" {
		fmt.Fprintf(&b, "Work on issue %s: %s\n", issue.ID, issue.Title)
	} else {
		fmt.Fprintf(&b, "Work on issue %s.\n", issue.ID)
	}
	if issue.Body != "" {
		b.WriteString("\n")
		b.WriteString(issue.Body)
		b.WriteString("\n")
	}
	b.WriteString("\nMake the change, keep it minimal, and finish with a SUMMARY block describing what you did.")
	return b.String()
}

// driveState is the mutable side channel between the agent callback and
// the poll loop.
type driveState struct {
	mu        sync.Mutex
	text      strings.Builder
	files     map[string]struct{}
	resultTxt string
	errMsg    string
	failed    bool

	done     chan struct{}
	doneOnce sync.Once
}

func newDriveState() *driveState {
	return &driveState{
		files: make(map[string]struct{}),
		done:  make(chan struct{}),
	}
}

func (st *driveState) appendText(text string) {
	st.mu.Lock()
	st.text.WriteString(text)
	st.mu.Unlock()
}

func (st *driveState) recordFile(path string) {
	st.mu.Lock()
	st.files[path] = struct{}{}
	st.mu.Unlock()
}

func (st *driveState) markDone(result string) {
	st.mu.Lock()
	st.resultTxt = result
	st.mu.Unlock()
	st.doneOnce.Do(func() { close(st.done) })
}

func (st *driveState) markFailed(msg string) {
	st.mu.Lock()
	if !st.failed {
		st.failed = true
		if msg == "" {
			msg = "agent reported an error"
		}
		st.errMsg = msg
	}
	st.mu.Unlock()
}

func (st *driveState) failure() (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.errMsg, st.failed
}

// finalText prefers the agent's explicit result; accumulated deltas are
// the fallback.
func (st *driveState) finalText() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	if strings.TrimSpace(st.resultTxt) != "" {
		return st.resultTxt
	}
	return st.text.String()
}

func (st *driveState) filesChanged() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, len(st.files))
	for path := range st.files {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}
