// Package work holds the in-memory work session registry. Sessions are the
// single source of truth for everything a client can observe about running
// work; they are not persisted and do not survive a restart.
package work

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/forgeline/foreman/internal/eventbus"
	"github.com/forgeline/foreman/pkg/logger"
	"github.com/forgeline/foreman/pkg/types"
)

const (
	// maxStepEvents bounds the per-session step log. Older entries rotate
	// out; TotalEvents keeps counting.
	maxStepEvents = 50

	terminalRetention = 24 * time.Hour
	sweepInterval     = 10 * time.Minute
)

// Store is the in-memory session registry. All mutations are serialized per
// session; events are published to the bus while the session is locked, so
// per-session publish order always matches sequence order and nothing is
// ever published after a session turns terminal.
type Store struct {
	bus *eventbus.Bus

	mu        sync.RWMutex
	sessions  map[string]*session // workId -> state
	active    map[string]string   // issueId -> workId, non-terminal only
	createSeq int64
}

type session struct {
	mu      sync.Mutex
	created int64 // store-wide creation order
	data    Session
}

// NewStore creates an empty registry publishing to bus.
func NewStore(bus *eventbus.Bus) *Store {
	return &Store{
		bus:      bus,
		sessions: make(map[string]*session),
		active:   make(map[string]string),
	}
}

// CreateSession registers new work for an issue. The check for existing
// active work and the insert happen under one lock, so two concurrent calls
// for the same issue cannot both succeed.
func (s *Store) CreateSession(issueID, projectPath string) (Session, error) {
	if issueID == "" {
		return Session{}, fmt.Errorf("%w: issue id is required", ErrValidation)
	}

	now := time.Now().UnixMilli()
	sess := &session{
		data: Session{
			WorkID:      types.NewWorkID(),
			IssueID:     issueID,
			ProjectPath: projectPath,
			Status:      StatusStarting,
			StartTime:   now,
			Events:      make([]StepEvent, 0, maxStepEvents),
		},
	}

	s.mu.Lock()
	if workID, ok := s.active[issueID]; ok {
		s.mu.Unlock()
		return Session{}, fmt.Errorf("%w %s (work %s)", ErrConflict, issueID, workID)
	}
	s.createSeq++
	sess.created = s.createSeq
	s.sessions[sess.data.WorkID] = sess
	s.active[issueID] = sess.data.WorkID
	s.mu.Unlock()

	logger.Infof("[work] created session %s for issue %s", sess.data.WorkID, issueID)
	return sess.data.snapshot(), nil
}

// Session returns a copy of the session with the given work id.
func (s *Store) Session(workID string) (Session, error) {
	sess, err := s.lookup(workID)
	if err != nil {
		return Session{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.data.snapshot(), nil
}

// ActiveByIssue returns the non-terminal session for the issue, if any.
func (s *Store) ActiveByIssue(issueID string) (Session, error) {
	s.mu.RLock()
	workID, ok := s.active[issueID]
	s.mu.RUnlock()
	if !ok {
		return Session{}, fmt.Errorf("%w: no active work for issue %s", ErrNotFound, issueID)
	}
	return s.Session(workID)
}

// LatestByIssue returns the issue's most recent session: the active one
// while work is in flight, otherwise the newest finished session still
// retained. Stream replay resolves issue ids through it so a client that
// reconnects right after the work ends still sees the terminal event.
func (s *Store) LatestByIssue(issueID string) (Session, error) {
	if sess, err := s.ActiveByIssue(issueID); err == nil {
		return sess, nil
	}

	s.mu.RLock()
	candidates := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		candidates = append(candidates, sess)
	}
	s.mu.RUnlock()

	var (
		latest  Session
		created int64
		found   bool
	)
	for _, sess := range candidates {
		sess.mu.Lock()
		if sess.data.IssueID == issueID && (!found || sess.created > created) {
			latest = sess.data.snapshot()
			created = sess.created
			found = true
		}
		sess.mu.Unlock()
	}
	if !found {
		return Session{}, fmt.Errorf("%w: no sessions for issue %s", ErrNotFound, issueID)
	}
	return latest, nil
}

// ActiveSessions returns copies of every non-terminal session, ordered by
// start time.
func (s *Store) ActiveSessions() []Session {
	s.mu.RLock()
	ids := make([]string, 0, len(s.active))
	for _, workID := range s.active {
		ids = append(ids, workID)
	}
	s.mu.RUnlock()

	out := make([]Session, 0, len(ids))
	for _, workID := range ids {
		if sess, err := s.Session(workID); err == nil && !sess.Status.Terminal() {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].WorkID < out[j].WorkID
	})
	return out
}

// UpdateStatus moves the session to a new non-terminal status. Updates on
// terminal sessions are ignored. Terminal targets are rejected; use
// Complete, Fail, or Cancel for those.
func (s *Store) UpdateStatus(workID string, status Status, message string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	if status.Terminal() {
		return fmt.Errorf("%w: status %q is set through Complete, Fail, or Cancel", ErrValidation, status)
	}
	sess, err := s.lookup(workID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.data.Status.Terminal() {
		logger.Debugf("[work] session %s is %s, ignoring status update to %s", workID, sess.data.Status, status)
		return nil
	}
	if !validStatusChanges[sess.data.Status][status] {
		return fmt.Errorf("%w: cannot move status from %s to %s", ErrValidation, sess.data.Status, status)
	}

	sess.data.Status = status
	sess.data.StatusMessage = message
	sess.data.statusSeq = sess.nextSeqLocked()
	s.publishLocked(sess, eventbus.Event{
		Type: eventbus.TypeStatus,
		Seq:  sess.data.statusSeq,
		Data: map[string]any{"status": string(status), "message": message},
	})
	return nil
}

// UpdateProgress records forward progress, clamped to [0, 100]. Progress is
// monotonic: regressions and no-ops are ignored, terminal sessions too.
func (s *Store) UpdateProgress(workID string, progress int, message string) error {
	sess, err := s.lookup(workID)
	if err != nil {
		return err
	}

	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.data.Status.Terminal() {
		return nil
	}
	if progress < sess.data.Progress {
		logger.Tracef("[work] session %s progress %d behind current %d, ignoring", workID, progress, sess.data.Progress)
		return nil
	}

	sess.data.Progress = progress
	sess.data.progressSeq = sess.nextSeqLocked()
	s.publishLocked(sess, eventbus.Event{
		Type: eventbus.TypeProgress,
		Seq:  sess.data.progressSeq,
		Data: map[string]any{"progress": progress, "message": message},
	})
	return nil
}

// AddStep appends an entry to the session's bounded step log.
func (s *Store) AddStep(workID, stepType, content string, metadata map[string]any) error {
	sess, err := s.lookup(workID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.data.Status.Terminal() {
		return nil
	}

	step := StepEvent{
		Seq:       sess.nextSeqLocked(),
		Type:      stepType,
		Content:   content,
		Metadata:  metadata,
		Timestamp: time.Now().UnixMilli(),
	}
	if len(sess.data.Events) >= maxStepEvents {
		copy(sess.data.Events, sess.data.Events[1:])
		sess.data.Events[len(sess.data.Events)-1] = step
	} else {
		sess.data.Events = append(sess.data.Events, step)
	}
	sess.data.TotalEvents++

	s.publishLocked(sess, eventbus.Event{
		Type: eventbus.TypeStep,
		Seq:  step.Seq,
		Data: map[string]any{"stepType": stepType, "content": content, "metadata": metadata},
	})
	return nil
}

// Complete finishes the session with a result. Progress is forced to 100.
// Calling any terminal operation on an already terminal session is a no-op.
func (s *Store) Complete(workID string, success bool, summary string, filesChanged []string) error {
	sess, err := s.lookup(workID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.data.Status.Terminal() {
		return nil
	}

	now := time.Now().UnixMilli()
	result := &WorkResult{
		Success:      success,
		Summary:      summary,
		FilesChanged: append([]string(nil), filesChanged...),
		DurationMs:   now - sess.data.StartTime,
	}
	sess.data.Status = StatusComplete
	sess.data.Progress = 100
	sess.data.EndTime = now
	sess.data.Result = result

	seq := sess.nextSeqLocked()
	sess.data.statusSeq = seq
	sess.data.progressSeq = seq
	s.releaseIssue(sess.data.IssueID, workID)
	s.publishLocked(sess, eventbus.Event{
		Type: eventbus.TypeComplete,
		Seq:  seq,
		Data: map[string]any{
			"success":      result.Success,
			"summary":      result.Summary,
			"filesChanged": result.FilesChanged,
			"durationMs":   result.DurationMs,
		},
	})
	logger.Infof("[work] session %s complete (success=%t, %d files)", workID, success, len(result.FilesChanged))
	return nil
}

// Fail finishes the session with an error. Progress is forced to 100 so
// clients render a settled bar next to the failure.
func (s *Store) Fail(workID, message string, recoverable, canRetry bool) error {
	sess, err := s.lookup(workID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.data.Status.Terminal() {
		return nil
	}

	now := time.Now().UnixMilli()
	sess.data.Status = StatusError
	sess.data.Progress = 100
	sess.data.EndTime = now
	sess.data.Error = &WorkError{Message: message, Recoverable: recoverable, CanRetry: canRetry}

	seq := sess.nextSeqLocked()
	sess.data.statusSeq = seq
	sess.data.progressSeq = seq
	s.releaseIssue(sess.data.IssueID, workID)
	s.publishLocked(sess, eventbus.Event{
		Type: eventbus.TypeError,
		Seq:  seq,
		Data: map[string]any{"message": message, "recoverable": recoverable, "canRetry": canRetry},
	})
	logger.Warnf("[work] session %s failed: %s", workID, message)
	return nil
}

// Cancel marks the session cancelled. The cancellation is advisory: any
// in-flight collaborator call keeps running, the drive loop notices the
// terminal state on its next tick and abandons the session.
func (s *Store) Cancel(workID string) error {
	sess, err := s.lookup(workID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.data.Status.Terminal() {
		return nil
	}

	sess.data.Status = StatusCancelled
	sess.data.EndTime = time.Now().UnixMilli()

	seq := sess.nextSeqLocked()
	sess.data.statusSeq = seq
	s.releaseIssue(sess.data.IssueID, workID)
	s.publishLocked(sess, eventbus.Event{
		Type: eventbus.TypeStatus,
		Seq:  seq,
		Data: map[string]any{"status": string(StatusCancelled)},
	})
	logger.Infof("[work] session %s cancelled", workID)
	return nil
}

// Replay builds the catch-up event sequence for a session: latest status,
// latest progress, the retained step log in order, and the terminal event
// if the session already finished. The returned threshold is the highest
// sequence number covered; live events at or below it are duplicates.
func (s *Store) Replay(workID string) (events []eventbus.Event, threshold int64, err error) {
	sess, err := s.lookup(workID)
	if err != nil {
		return nil, 0, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	d := &sess.data
	now := time.Now().UnixMilli()

	events = append(events, eventbus.Event{
		Type:      eventbus.TypeStatus,
		IssueID:   d.IssueID,
		WorkID:    d.WorkID,
		Seq:       d.statusSeq,
		Timestamp: now,
		Data:      map[string]any{"status": string(d.Status), "message": d.StatusMessage},
	})
	events = append(events, eventbus.Event{
		Type:      eventbus.TypeProgress,
		IssueID:   d.IssueID,
		WorkID:    d.WorkID,
		Seq:       d.progressSeq,
		Timestamp: now,
		Data:      map[string]any{"progress": d.Progress},
	})
	for _, step := range d.Events {
		events = append(events, eventbus.Event{
			Type:      eventbus.TypeStep,
			IssueID:   d.IssueID,
			WorkID:    d.WorkID,
			Seq:       step.Seq,
			Timestamp: step.Timestamp,
			Data:      map[string]any{"stepType": step.Type, "content": step.Content, "metadata": step.Metadata},
		})
	}
	switch d.Status {
	case StatusComplete:
		if r := d.Result; r != nil {
			events = append(events, eventbus.Event{
				Type:      eventbus.TypeComplete,
				IssueID:   d.IssueID,
				WorkID:    d.WorkID,
				Seq:       d.LastSeq,
				Timestamp: now,
				Data: map[string]any{
					"success":      r.Success,
					"summary":      r.Summary,
					"filesChanged": r.FilesChanged,
					"durationMs":   r.DurationMs,
				},
			})
		}
	case StatusError:
		if e := d.Error; e != nil {
			events = append(events, eventbus.Event{
				Type:      eventbus.TypeError,
				IssueID:   d.IssueID,
				WorkID:    d.WorkID,
				Seq:       d.LastSeq,
				Timestamp: now,
				Data:      map[string]any{"message": e.Message, "recoverable": e.Recoverable, "canRetry": e.CanRetry},
			})
		}
	}
	return events, d.LastSeq, nil
}

// Subscribe registers a callback for every event the store publishes.
func (s *Store) Subscribe(fn func(eventbus.Event)) (unsubscribe func()) {
	return s.bus.Subscribe(fn)
}

// SubscribeChan registers a channel subscriber on the underlying bus.
func (s *Store) SubscribeChan(capacity int) *eventbus.Subscription {
	return s.bus.SubscribeChan(capacity)
}

// StartSweeper evicts terminal sessions that finished more than a day ago.
// It returns once ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.sweep(time.Now().Add(-terminalRetention).UnixMilli()); n > 0 {
					logger.Debugf("[work] swept %d finished sessions", n)
				}
			}
		}
	}()
}

// sweep never holds the store lock while taking a session lock; terminal
// ops lock in the opposite order.
func (s *Store) sweep(cutoffMs int64) int {
	s.mu.RLock()
	candidates := make(map[string]*session, len(s.sessions))
	for workID, sess := range s.sessions {
		candidates[workID] = sess
	}
	s.mu.RUnlock()

	var expired []string
	for workID, sess := range candidates {
		sess.mu.Lock()
		if sess.data.Status.Terminal() && sess.data.EndTime > 0 && sess.data.EndTime < cutoffMs {
			expired = append(expired, workID)
		}
		sess.mu.Unlock()
	}
	if len(expired) == 0 {
		return 0
	}

	s.mu.Lock()
	for _, workID := range expired {
		delete(s.sessions, workID)
	}
	s.mu.Unlock()
	return len(expired)
}

func (s *Store) lookup(workID string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[workID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workID)
	}
	return sess, nil
}

// releaseIssue frees the issue for new work. Called with the session lock
// held, right before the terminal event is published.
func (s *Store) releaseIssue(issueID, workID string) {
	s.mu.Lock()
	if s.active[issueID] == workID {
		delete(s.active, issueID)
	}
	s.mu.Unlock()
}

// publishLocked stamps identity fields and publishes. The caller holds the
// session mutex, which is what keeps publish order equal to seq order.
func (s *Store) publishLocked(sess *session, event eventbus.Event) {
	event.ID = types.NewEventID()
	event.IssueID = sess.data.IssueID
	event.WorkID = sess.data.WorkID
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	s.bus.Publish(event)
}

func (sess *session) nextSeqLocked() int64 {
	sess.data.LastSeq++
	return sess.data.LastSeq
}

// snapshot deep-copies the parts a caller could mutate.
func (d *Session) snapshot() Session {
	out := *d
	out.Events = make([]StepEvent, len(d.Events))
	copy(out.Events, d.Events)
	for i := range out.Events {
		if md := out.Events[i].Metadata; md != nil {
			cp := make(map[string]any, len(md))
			for k, v := range md {
				cp[k] = v
			}
			out.Events[i].Metadata = cp
		}
	}
	if d.Error != nil {
		e := *d.Error
		out.Error = &e
	}
	if d.Result != nil {
		r := *d.Result
		r.FilesChanged = append([]string(nil), d.Result.FilesChanged...)
		out.Result = &r
	}
	return out
}
