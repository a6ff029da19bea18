package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forgeline/foreman/internal/eventbus"
	"github.com/forgeline/foreman/internal/work"
	"github.com/forgeline/foreman/pkg/logger"
	"github.com/forgeline/foreman/pkg/types"
)

// SSEGateway streams work events as server-sent events.
type SSEGateway struct {
	store       *work.Store
	keepAlive   time.Duration
	maxLifetime time.Duration
}

func NewSSEGateway(store *work.Store, opts Options) *SSEGateway {
	opts = opts.withDefaults()
	return &SSEGateway{
		store:       store,
		keepAlive:   opts.KeepAlive,
		maxLifetime: opts.MaxLifetime,
	}
}

// HandleEvents handles GET /work/events. Query parameters issue_id and
// work_id narrow the stream; without them every work event is delivered.
func (g *SSEGateway) HandleEvents(c *gin.Context) {
	issueID := c.Query("issue_id")
	workID := c.Query("work_id")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	clientID := types.NewEventID()

	// Subscribe before snapshotting the replay so no event can fall into
	// the gap between the two.
	sub := g.store.SubscribeChan(subscriberBuffer)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			sub.Close()
			logger.Infof("[stream] sse client %s disconnected", clientID)
		})
	}
	defer cleanup()

	logger.Infof("[stream] sse client %s connected (issue=%q work=%q)", clientID, issueID, workID)

	// The greeting carries only its type and timestamp.
	g.writeEvent(c, eventbus.Event{
		Type:      eventbus.TypeConnected,
		Timestamp: time.Now().UnixMilli(),
	})

	replay, filter := prepareReplay(g.store, issueID, workID)
	for _, ev := range replay {
		g.writeEvent(c, ev)
	}

	keepAlive := time.NewTicker(g.keepAlive)
	defer keepAlive.Stop()
	lifetime := time.NewTimer(g.maxLifetime)
	defer lifetime.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lifetime.C:
			g.writeComment(c, "stream lifetime reached, reconnect")
			return
		case <-keepAlive.C:
			g.writeComment(c, "keep-alive")
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if !filter.admit(ev) {
				continue
			}
			g.writeEvent(c, ev)
		}
	}
}

func (g *SSEGateway) writeEvent(c *gin.Context, ev eventbus.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("[stream] marshaling %s event: %v", ev.Type, err)
		return
	}
	if ev.ID != "" {
		fmt.Fprintf(c.Writer, "id: %s\n", ev.ID)
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, payload)
	c.Writer.Flush()
}

func (g *SSEGateway) writeComment(c *gin.Context, comment string) {
	fmt.Fprintf(c.Writer, ": %s\n\n", comment)
	c.Writer.Flush()
}
