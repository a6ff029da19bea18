package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Event is one frame from the server event stream.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	IssueID   string         `json:"issueId,omitempty"`
	WorkID    string         `json:"workId,omitempty"`
	Seq       int64          `json:"seq,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Stream event types.
const (
	EventStatus    = "status"
	EventProgress  = "progress"
	EventStep      = "step"
	EventError     = "error"
	EventComplete  = "complete"
	EventConnected = "connected"
)

const (
	// defaultStallTimeout forces a reconnect when neither events nor
	// keep-alive comments arrive for this long.
	defaultStallTimeout = 2 * time.Minute

	streamBackoffBase = 500 * time.Millisecond
	streamBackoffMax  = 15 * time.Second
)

// StreamOptions scope an event stream. Setting WorkID pins the stream to
// one session; setting only IssueID follows whatever session is active
// for that issue. Neither set means the full event firehose.
type StreamOptions struct {
	IssueID string
	WorkID  string

	// StallTimeout overrides the reconnect-on-silence threshold.
	StallTimeout time.Duration
}

// ErrStopStream can be returned from a stream handler to end StreamEvents
// without an error.
var ErrStopStream = errors.New("stop stream")

// StreamEvents consumes the server's SSE endpoint and calls fn for every
// event. It reconnects on transport failures with capped exponential
// backoff and drops events already seen before a reconnect. It returns
// when ctx ends, fn returns an error, or the server rejects the request
// outright.
func (c *Client) StreamEvents(ctx context.Context, opts StreamOptions, fn func(Event) error) error {
	stall := opts.StallTimeout
	if stall <= 0 {
		stall = defaultStallTimeout
	}

	var lastSeq int64
	attempt := 0
	for {
		delivered, err := c.streamOnce(ctx, opts, stall, &lastSeq, fn)
		switch {
		case err == nil || errors.Is(err, ErrStopStream):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case isPermanentStreamErr(err):
			return err
		case !errors.Is(err, errStreamEnded):
			// Handler errors end the stream.
			return err
		}

		if delivered {
			attempt = 0
		}
		select {
		case <-time.After(streamBackoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
		attempt++
	}
}

// FollowWork streams one session's events and returns once a terminal
// event arrives. The handler sees every event, terminal one included.
func (c *Client) FollowWork(ctx context.Context, workID string, fn func(Event) error) error {
	return c.StreamEvents(ctx, StreamOptions{WorkID: workID}, func(ev Event) error {
		if err := fn(ev); err != nil {
			return err
		}
		if ev.Terminal() {
			return ErrStopStream
		}
		return nil
	})
}

// Terminal reports whether the event ends its work session.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventComplete, EventError:
		return true
	case EventStatus:
		status, _ := e.Data["status"].(string)
		return status == "cancelled"
	}
	return false
}

// errStreamEnded marks a retryable connection loss.
var errStreamEnded = errors.New("stream ended")

func isPermanentStreamErr(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode < 500
}

// streamOnce runs a single SSE connection. It reports whether any event
// was delivered and wraps connection loss in errStreamEnded.
func (c *Client) streamOnce(ctx context.Context, opts StreamOptions, stall time.Duration, lastSeq *int64, fn func(Event) error) (bool, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, c.baseURL+"/work/events"+streamQuery(opts), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// Streaming must not inherit the per-request timeout.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errStreamEnded, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, decodeAPIError(resp.StatusCode, body)
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-connCtx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	stallTimer := time.NewTimer(stall)
	defer stallTimer.Stop()

	delivered := false
	var data strings.Builder
	var id string
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case <-stallTimer.C:
			return delivered, fmt.Errorf("%w: no data for %s", errStreamEnded, stall)
		case err := <-readErr:
			if err == nil {
				err = io.EOF
			}
			return delivered, fmt.Errorf("%w: %v", errStreamEnded, err)
		case line := <-lines:
			if !stallTimer.Stop() {
				<-stallTimer.C
			}
			stallTimer.Reset(stall)

			switch {
			case line == "":
				if data.Len() == 0 {
					continue
				}
				var ev Event
				if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
					data.Reset()
					id = ""
					continue
				}
				if ev.ID == "" {
					ev.ID = id
				}
				data.Reset()
				id = ""

				if ev.Seq > 0 {
					if ev.Seq <= *lastSeq {
						continue
					}
					*lastSeq = ev.Seq
				}
				delivered = true
				if err := fn(ev); err != nil {
					return delivered, err
				}
			case strings.HasPrefix(line, ":"):
				// Keep-alive comment, nothing to deliver.
			case strings.HasPrefix(line, "id:"):
				id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			case strings.HasPrefix(line, "data:"):
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}
	}
}

func streamQuery(opts StreamOptions) string {
	q := url.Values{}
	if opts.WorkID != "" {
		q.Set("work_id", opts.WorkID)
	}
	if opts.IssueID != "" {
		q.Set("issue_id", opts.IssueID)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// streamBackoff returns the reconnect delay for the given attempt with
// jitter of up to 25% added.
func streamBackoff(attempt int) time.Duration {
	delay := streamBackoffBase
	for i := 0; i < attempt && delay < streamBackoffMax; i++ {
		delay *= 2
	}
	if delay > streamBackoffMax {
		delay = streamBackoffMax
	}
	return delay + time.Duration(rand.Int63n(int64(delay/4)))
}
