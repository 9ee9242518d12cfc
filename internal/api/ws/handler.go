// Package ws streams session events to the frontend over WebSocket
// and accepts input and resize messages on the same connection.
package ws

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fosslife/termillion/internal/infrastructure/logging"
	"github.com/fosslife/termillion/internal/infrastructure/monitoring"
	"github.com/fosslife/termillion/internal/pty"
	"github.com/fosslife/termillion/internal/shared/id"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The desktop shell serves the frontend from a custom scheme, so
	// origin checks happen at the CORS layer instead.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ClientMessage is an inbound frame from the frontend.
type ClientMessage struct {
	Type string `json:"type"`
	// Data carries base64 input bytes for "input" messages.
	Data string `json:"data,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
}

// Handler upgrades stream requests and bridges session events onto
// the socket.
type Handler struct {
	registry *pty.Registry
	metrics  *monitoring.Metrics
	logger   *logging.Logger
}

// NewHandler creates a WebSocket stream handler. metrics may be nil.
func NewHandler(registry *pty.Registry, metrics *monitoring.Metrics, logger *logging.Logger) *Handler {
	return &Handler{
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}
}

// Stream handles GET /stream/:id. The connection becomes the session's
// consumer: prior output is replayed, then live events follow in order
// until the session exits or the socket closes.
func (h *Handler) Stream(c *gin.Context) {
	sid := id.SessionID(c.Param("id"))

	if _, err := h.registry.Info(sid); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("session_id", sid.String()),
			zap.Error(err),
		)
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}

	connID := uuid.NewString()
	h.logger.Info("stream attached",
		zap.String("session_id", sid.String()),
		zap.String("conn_id", connID),
		zap.String("remote", conn.RemoteAddr().String()),
	)

	consumer := newConsumer(conn, h.metrics)
	if err := h.registry.Attach(sid, consumer); err != nil {
		// Session exited between the info check and the attach.
		return
	}
	defer h.registry.Detach(sid, consumer)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go ping(conn, stop)

	h.readLoop(sid, conn, consumer)

	h.logger.Info("stream detached",
		zap.String("session_id", sid.String()),
		zap.String("conn_id", connID),
	)
}

// ping keeps the connection's read deadline fed. WriteControl is safe
// to call concurrently with the consumer's data writes.
func ping(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readLoop processes inbound frames until the socket closes.
func (h *Handler) readLoop(sid id.SessionID, conn *websocket.Conn, consumer *wsConsumer) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error",
					zap.String("session_id", sid.String()),
					zap.Error(err),
				)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.logger.Debug("malformed client message",
				zap.String("session_id", sid.String()),
				zap.Error(err),
			)
			continue
		}
		if h.metrics != nil {
			h.metrics.RecordWSMessage("in", msg.Type)
		}

		switch msg.Type {
		case "input":
			data, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				continue
			}
			if err := h.registry.Write(sid, data); err != nil {
				if errors.Is(err, pty.ErrSessionNotFound) {
					return
				}
			}
		case "resize":
			if err := h.registry.Resize(sid, msg.Rows, msg.Cols); err != nil {
				if errors.Is(err, pty.ErrSessionNotFound) {
					return
				}
			}
		case "ping":
			consumer.writeJSON(map[string]string{"event": "pong"})
		}
	}
}

// wsConsumer adapts a WebSocket connection to the session consumer
// interface. Deliver runs on the session's dispatch goroutine while
// pong replies come from the read loop, so writes are serialized by a
// mutex.
type wsConsumer struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	metrics *monitoring.Metrics
}

func newConsumer(conn *websocket.Conn, metrics *monitoring.Metrics) *wsConsumer {
	return &wsConsumer{conn: conn, metrics: metrics}
}

// Deliver pushes one session event as a JSON frame. Write failures are
// swallowed; the read loop notices the dead socket and detaches.
func (w *wsConsumer) Deliver(ev pty.Event) {
	if w.metrics != nil {
		w.metrics.RecordWSMessage("out", string(ev.Type))
	}
	w.writeJSON(ev)
}

func (w *wsConsumer) writeJSON(v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = w.conn.WriteJSON(v)
}
