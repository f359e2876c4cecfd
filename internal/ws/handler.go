package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // room for base64 encoded overlay frames
	CheckOrigin: func(r *http.Request) bool {
		// Single-user local service; origin checks are left to the
		// reverse proxy if one is deployed.
		return true
	},
}

// Handler upgrades HTTP connections and parks them in the hub.
type Handler struct {
	hub *Hub
}

// NewHandler creates a websocket handler backed by the hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP upgrades the request and registers the client.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	h.hub.register(conn)
	go h.readPump(conn)
}

// readPump keeps the connection alive with pings and detects client
// disconnects. Clients are not expected to send application messages.
func (h *Handler) readPump(conn *websocket.Conn) {
	defer func() {
		h.hub.unregister(conn)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	go func() {
		for range ticker.C {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.log.Debug().Err(err).Msg("ws read error")
			}
			break
		}
	}
}
