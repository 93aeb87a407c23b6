package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"taskbridge/internal/logging"
	"taskbridge/internal/server/app"
)

const (
	// writeWait bounds a single frame write to a client.
	writeWait = 10 * time.Second
	// pongWait is how long a client may stay silent before the read side
	// gives up; pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize bounds inbound client frames; clients only send small
	// subscribe/unsubscribe messages.
	maxMessageSize = 4096
)

// WSHandler upgrades streaming connections and speaks the subscribe protocol.
type WSHandler struct {
	streams  *app.StreamManager
	upgrader websocket.Upgrader
	logger   logging.Logger
}

// NewWSHandler creates a new websocket handler.
func NewWSHandler(streams *app.StreamManager) *WSHandler {
	return &WSHandler{
		streams: streams,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logging.NewComponentLogger("WSHandler"),
	}
}

// clientMessage is what clients send: subscribe/unsubscribe to a task id.
type clientMessage struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

// HandleStream handles GET /api/stream.
func (h *WSHandler) HandleStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}

	connID := fmt.Sprintf("conn-%s", uuid.New().String())
	send := h.streams.AddConnection(connID)
	h.logger.Info("Stream opened: %s from %s", connID, c.ClientIP())

	go h.writePump(conn, send)
	h.readLoop(conn, connID)
}

// readLoop dispatches client messages until the connection drops, then
// cascades cleanup through the stream manager.
func (h *WSHandler) readLoop(conn *websocket.Conn, connID string) {
	defer func() {
		h.streams.RemoveConnection(connID)
		_ = conn.Close()
		h.logger.Info("Stream closed: %s", connID)
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Stream %s read error: %v", connID, err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.streams.NotifyError(connID, "malformed message")
			continue
		}

		switch msg.Type {
		case "subscribe":
			if msg.TaskID == "" {
				h.streams.NotifyError(connID, "task_id is required")
				continue
			}
			h.streams.Subscribe(connID, msg.TaskID)
		case "unsubscribe":
			if msg.TaskID == "" {
				h.streams.NotifyError(connID, "task_id is required")
				continue
			}
			h.streams.Unsubscribe(connID, msg.TaskID)
		default:
			h.streams.NotifyError(connID, fmt.Sprintf("unknown message type '%s'", msg.Type))
		}
	}
}

// writePump serializes all writes to the socket: outbound frames from the
// stream manager plus keepalive pings. It exits when the manager closes the
// send channel or a write fails.
func (h *WSHandler) writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
