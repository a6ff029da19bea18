package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/foreman/internal/eventbus"
	"github.com/forgeline/foreman/internal/work"
)

type sseFrame struct {
	id      string
	event   string
	data    string
	comment string
}

func (f sseFrame) decode(t *testing.T) eventbus.Event {
	t.Helper()
	var ev eventbus.Event
	require.NoError(t, json.Unmarshal([]byte(f.data), &ev))
	return ev
}

func readFrame(t *testing.T, r *bufio.Reader) (sseFrame, error) {
	t.Helper()
	var frame sseFrame
	got := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return frame, err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if got {
				return frame, nil
			}
		case strings.HasPrefix(line, ": "):
			frame.comment = strings.TrimPrefix(line, ": ")
			got = true
		case strings.HasPrefix(line, "id: "):
			frame.id = strings.TrimPrefix(line, "id: ")
			got = true
		case strings.HasPrefix(line, "event: "):
			frame.event = strings.TrimPrefix(line, "event: ")
			got = true
		case strings.HasPrefix(line, "data: "):
			frame.data = strings.TrimPrefix(line, "data: ")
			got = true
		}
	}
}

func mustFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	frame, err := readFrame(t, r)
	require.NoError(t, err)
	return frame
}

func newSSERig(t *testing.T, opts Options) (*work.Store, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := eventbus.New()
	t.Cleanup(bus.Close)
	store := work.NewStore(bus)

	router := gin.New()
	router.GET("/work/events", NewSSEGateway(store, opts).HandleEvents)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return store, srv.URL + "/work/events"
}

func openSSE(t *testing.T, url string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body)
}

func TestSSEConnectedFirstFrame(t *testing.T) {
	_, url := newSSERig(t, Options{})
	r := openSSE(t, url)

	// The greeting is a bare marker: type and timestamp, nothing else.
	frame := mustFrame(t, r)
	require.Equal(t, eventbus.TypeConnected, frame.event)
	require.Empty(t, frame.id)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(frame.data), &payload))
	require.Equal(t, "connected", payload["type"])
	require.Contains(t, payload, "timestamp")
	require.Len(t, payload, 2)
}

func TestSSEReplayThenLiveWithoutDuplicates(t *testing.T) {
	store, url := newSSERig(t, Options{})

	sess, err := store.CreateSession("I-1", "")
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(sess.WorkID, work.StatusThinking, "reading"))
	require.NoError(t, store.UpdateProgress(sess.WorkID, 30, "going"))
	require.NoError(t, store.AddStep(sess.WorkID, work.StepTextDelta, "one", nil))
	require.NoError(t, store.AddStep(sess.WorkID, work.StepTextDelta, "two", nil))

	r := openSSE(t, url+"?issue_id=I-1")
	require.Equal(t, eventbus.TypeConnected, mustFrame(t, r).event)

	var seqs []int64

	status := mustFrame(t, r)
	require.Equal(t, eventbus.TypeStatus, status.event)
	statusEv := status.decode(t)
	require.Equal(t, "thinking", statusEv.Data["status"])
	seqs = append(seqs, statusEv.Seq)

	progress := mustFrame(t, r).decode(t)
	require.EqualValues(t, 30, progress.Data["progress"])
	seqs = append(seqs, progress.Seq)

	stepOne := mustFrame(t, r).decode(t)
	require.Equal(t, "one", stepOne.Data["content"])
	seqs = append(seqs, stepOne.Seq)

	stepTwo := mustFrame(t, r).decode(t)
	require.Equal(t, "two", stepTwo.Data["content"])
	seqs = append(seqs, stepTwo.Seq)

	// Events published after the replay arrive exactly once.
	require.NoError(t, store.AddStep(sess.WorkID, work.StepTextDelta, "three", nil))
	stepThree := mustFrame(t, r).decode(t)
	require.Equal(t, "three", stepThree.Data["content"])
	seqs = append(seqs, stepThree.Seq)

	require.NoError(t, store.Complete(sess.WorkID, true, "did it", nil))
	completeFrame := mustFrame(t, r)
	require.Equal(t, eventbus.TypeComplete, completeFrame.event)
	seqs = append(seqs, completeFrame.decode(t).Seq)

	seen := make(map[int64]bool)
	for i, seq := range seqs {
		require.False(t, seen[seq], "duplicate seq %d", seq)
		seen[seq] = true
		if i > 0 {
			require.Greater(t, seq, seqs[i-1], "sequence must increase")
		}
	}
}

func TestSSEFiltersByIssue(t *testing.T) {
	store, url := newSSERig(t, Options{})

	a, err := store.CreateSession("I-A", "")
	require.NoError(t, err)
	b, err := store.CreateSession("I-B", "")
	require.NoError(t, err)

	r := openSSE(t, url+"?issue_id=I-A")
	require.Equal(t, eventbus.TypeConnected, mustFrame(t, r).event)
	// Replay of I-A's fresh session: current status and progress.
	require.Equal(t, eventbus.TypeStatus, mustFrame(t, r).event)
	require.Equal(t, eventbus.TypeProgress, mustFrame(t, r).event)

	// An event for the other issue, then one for ours. Only ours shows up.
	require.NoError(t, store.UpdateStatus(b.WorkID, work.StatusThinking, "b moves"))
	require.NoError(t, store.UpdateStatus(a.WorkID, work.StatusThinking, "a moves"))

	next := mustFrame(t, r).decode(t)
	require.Equal(t, "I-A", next.IssueID)
	require.Equal(t, "a moves", next.Data["message"])
}

func TestSSEWorkIDServesFinishedSession(t *testing.T) {
	store, url := newSSERig(t, Options{})

	sess, err := store.CreateSession("I-2", "")
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(sess.WorkID, work.StatusThinking, ""))
	require.NoError(t, store.Complete(sess.WorkID, true, "all done", []string{"x.go"}))

	r := openSSE(t, url+"?work_id="+sess.WorkID)
	require.Equal(t, eventbus.TypeConnected, mustFrame(t, r).event)

	status := mustFrame(t, r).decode(t)
	require.Equal(t, "complete", status.Data["status"])

	progress := mustFrame(t, r).decode(t)
	require.EqualValues(t, 100, progress.Data["progress"])

	complete := mustFrame(t, r)
	require.Equal(t, eventbus.TypeComplete, complete.event)
	ev := complete.decode(t)
	require.Equal(t, true, ev.Data["success"])
	require.Equal(t, "all done", ev.Data["summary"])
}

func TestSSEIssueIDServesFinishedSession(t *testing.T) {
	store, url := newSSERig(t, Options{})

	sess, err := store.CreateSession("I-3", "")
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(sess.WorkID, work.StatusThinking, ""))
	require.NoError(t, store.Complete(sess.WorkID, true, "wrapped up", nil))

	// A watcher reconnecting by issue id after the work finished still
	// gets the full replay, terminal event included.
	r := openSSE(t, url+"?issue_id=I-3")
	require.Equal(t, eventbus.TypeConnected, mustFrame(t, r).event)

	status := mustFrame(t, r).decode(t)
	require.Equal(t, "complete", status.Data["status"])

	progress := mustFrame(t, r).decode(t)
	require.EqualValues(t, 100, progress.Data["progress"])

	complete := mustFrame(t, r)
	require.Equal(t, eventbus.TypeComplete, complete.event)
	require.Equal(t, "wrapped up", complete.decode(t).Data["summary"])
}

func TestSSEKeepAlive(t *testing.T) {
	_, url := newSSERig(t, Options{KeepAlive: 25 * time.Millisecond})
	r := openSSE(t, url)

	require.Equal(t, eventbus.TypeConnected, mustFrame(t, r).event)
	frame := mustFrame(t, r)
	require.Equal(t, "keep-alive", frame.comment)
}

func TestSSELifetimeCap(t *testing.T) {
	_, url := newSSERig(t, Options{MaxLifetime: 40 * time.Millisecond})
	r := openSSE(t, url)

	require.Equal(t, eventbus.TypeConnected, mustFrame(t, r).event)

	var sawGoodbye bool
	for {
		frame, err := readFrame(t, r)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		if strings.Contains(frame.comment, "stream lifetime reached") {
			sawGoodbye = true
		}
	}
	require.True(t, sawGoodbye)
}
