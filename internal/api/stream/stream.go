// Package stream pushes live work events to clients over SSE and plain
// WebSocket. Both transports speak the same protocol: a connected event
// first, then a replay of the targeted session's current state, then live
// events filtered to the requested issue or work id.
package stream

import (
	"time"

	"github.com/forgeline/foreman/internal/eventbus"
	"github.com/forgeline/foreman/internal/work"
)

const (
	defaultKeepAlive   = 15 * time.Second
	defaultMaxLifetime = 30 * time.Minute

	// subscriberBuffer is the per-connection event buffer. A client that
	// cannot drain this many events starts losing the oldest ones.
	subscriberBuffer = 256
)

// Options tune a gateway. Zero values select the defaults.
type Options struct {
	// KeepAlive is the heartbeat interval for idle connections.
	KeepAlive time.Duration
	// MaxLifetime caps one connection; clients reconnect and replay.
	MaxLifetime time.Duration
}

func (o Options) withDefaults() Options {
	if o.KeepAlive <= 0 {
		o.KeepAlive = defaultKeepAlive
	}
	if o.MaxLifetime <= 0 {
		o.MaxLifetime = defaultMaxLifetime
	}
	return o
}

// eventFilter decides which live events a connection receives. Events at or
// below a replayed session's threshold are duplicates of the replay and are
// dropped.
type eventFilter struct {
	issueID    string
	workID     string
	thresholds map[string]int64
}

func (f *eventFilter) admit(ev eventbus.Event) bool {
	if f.issueID != "" && ev.IssueID != f.issueID {
		return false
	}
	if f.workID != "" && ev.WorkID != f.workID {
		return false
	}
	if ev.Seq > 0 && ev.Seq <= f.thresholds[ev.WorkID] {
		return false
	}
	return true
}

// prepareReplay resolves which session the connection should catch up on
// and builds its replay. A work id wins over an issue id; an issue id picks
// that issue's most recent session, finished ones included. No target or a
// vanished session means no replay, live events only.
func prepareReplay(store *work.Store, issueID, workID string) ([]eventbus.Event, *eventFilter) {
	filter := &eventFilter{
		issueID:    issueID,
		workID:     workID,
		thresholds: make(map[string]int64),
	}

	target := workID
	if target == "" && issueID != "" {
		if sess, err := store.LatestByIssue(issueID); err == nil {
			target = sess.WorkID
		}
	}
	if target == "" {
		return nil, filter
	}

	events, threshold, err := store.Replay(target)
	if err != nil {
		return nil, filter
	}
	filter.thresholds[target] = threshold
	return events, filter
}
