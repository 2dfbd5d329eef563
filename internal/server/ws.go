// ============================================================================
// WebSocket Stream Endpoint
// Responsibility: Upgrade stream requests, read the subscribe handshake,
// and pump frames from the stream manager to the client until the terminal
// frame, a disconnect, or backpressure tears the subscription down
// ============================================================================

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/visvikbharti/stickforstats-sub000/internal/stream"
)

const (
	// handshakeTimeout bounds how long we wait for the subscribe message.
	handshakeTimeout = 10 * time.Second

	// frameWriteTimeout bounds one frame write. A subscriber that cannot
	// drain within it is disconnected rather than allowed to stall the
	// whole stream.
	frameWriteTimeout = 5 * time.Second

	// defaultStreamIdleTimeout closes a subscriber that has produced no
	// traffic, not even a pong, for this long.
	defaultStreamIdleTimeout = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsSink adapts a websocket connection to the stream manager's sink
// contract. Send errors (including write-deadline expiry) end the
// subscription.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(f stream.Frame) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(f)
}

func (s *Server) handleStream(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	// The first client frame must be a subscribe.
	if err := ws.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return
	}
	var msg stream.ClientMessage
	if err := ws.ReadJSON(&msg); err != nil {
		log.Debug("stream handshake failed", "error", err)
		return
	}
	if msg.Action != stream.ActionSubscribe || msg.JobID == "" {
		writeClose(ws, websocket.ClosePolicyViolation, "first message must subscribe to a job")
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Liveness: any client traffic, including a pong, extends the idle
	// window. A subscriber that goes silent past it is disconnected.
	idle := s.streamIdle
	ws.SetReadDeadline(time.Now().Add(idle))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(idle))
	})

	// Reader loop: acks are advisory, unsubscribe and disconnects end the
	// subscription. Read-deadline expiry ends it too.
	go func() {
		defer cancel()
		for {
			var m stream.ClientMessage
			if err := ws.ReadJSON(&m); err != nil {
				return
			}
			ws.SetReadDeadline(time.Now().Add(idle))
			if m.Action == stream.ActionUnsubscribe {
				return
			}
		}
	}()

	// Ping loop. WriteControl is safe alongside the sink's frame writes.
	go func() {
		ticker := time.NewTicker(idle / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(frameWriteTimeout)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	log.Debug("stream subscriber connected", "jobID", msg.JobID, "resumeAfter", msg.LastDeliveredSeq)

	err = s.streams.Subscribe(ctx, msg.JobID, msg.LastDeliveredSeq, &wsSink{conn: ws})
	switch {
	case err == nil:
		writeClose(ws, websocket.CloseNormalClosure, "stream complete")
	case errors.Is(err, stream.ErrUnknownJob):
		writeClose(ws, websocket.ClosePolicyViolation, "unknown job")
	case errors.Is(err, stream.ErrSlowSubscriber):
		log.Warn("stream subscriber dropped for backpressure", "jobID", msg.JobID)
	case errors.Is(err, context.Canceled):
		// Client went away or unsubscribed.
	default:
		log.Error("stream subscription failed", "jobID", msg.JobID, "error", err)
	}
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(frameWriteTimeout)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}
