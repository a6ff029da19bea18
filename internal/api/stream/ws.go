package stream

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/forgeline/foreman/internal/eventbus"
	"github.com/forgeline/foreman/internal/work"
	"github.com/forgeline/foreman/pkg/logger"
	"github.com/forgeline/foreman/pkg/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 45 * time.Second
	pingPeriod = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin policy is enforced by the CORS layer.
	},
}

// WSGateway mirrors the SSE stream over a plain WebSocket for clients that
// cannot consume server-sent events.
type WSGateway struct {
	store       *work.Store
	maxLifetime time.Duration
}

func NewWSGateway(store *work.Store, opts Options) *WSGateway {
	opts = opts.withDefaults()
	return &WSGateway{store: store, maxLifetime: opts.MaxLifetime}
}

// HandleEvents handles GET /work/events/ws with the same query parameters
// as the SSE endpoint. Each event is one JSON text message.
func (g *WSGateway) HandleEvents(c *gin.Context) {
	issueID := c.Query("issue_id")
	workID := c.Query("work_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[stream] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	clientID := types.NewEventID()
	sub := g.store.SubscribeChan(subscriberBuffer)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			sub.Close()
			logger.Infof("[stream] ws client %s disconnected", clientID)
		})
	}
	defer cleanup()

	logger.Infof("[stream] ws client %s connected (issue=%q work=%q)", clientID, issueID, workID)

	// The read pump discards client messages and surfaces disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debugf("[stream] ws client %s read error: %v", clientID, err)
				}
				return
			}
		}
	}()

	// The greeting carries only its type and timestamp.
	if !g.write(conn, eventbus.Event{
		Type:      eventbus.TypeConnected,
		Timestamp: time.Now().UnixMilli(),
	}) {
		return
	}

	replay, filter := prepareReplay(g.store, issueID, workID)
	for _, ev := range replay {
		if !g.write(conn, ev) {
			return
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	lifetime := time.NewTimer(g.maxLifetime)
	defer lifetime.Stop()

	for {
		select {
		case <-done:
			return
		case <-lifetime.C:
			deadline := time.Now().Add(writeWait)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream lifetime reached"), deadline)
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if !filter.admit(ev) {
				continue
			}
			if !g.write(conn, ev) {
				return
			}
		}
	}
}

func (g *WSGateway) write(conn *websocket.Conn, ev eventbus.Event) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ev); err != nil {
		logger.Debugf("[stream] ws write failed: %v", err)
		return false
	}
	return true
}
