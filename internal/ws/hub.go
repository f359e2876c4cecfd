// Package ws pushes refresh results, spotlight events and notices to
// browser clients over websocket.
package ws

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"spotcam/internal/metrics"
	"spotcam/internal/pipeline"
)

const writeWait = 10 * time.Second

// Hub fans event-bus traffic out to connected websocket clients. There
// is a single session, so clients form one flat set keyed by connection.
type Hub struct {
	clients map[*websocket.Conn]string // conn -> client id
	mu      sync.RWMutex
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]string),
		log:     log,
		metrics: m,
	}
}

// Attach subscribes the hub to the event bus. Returns an unsubscribe
// function covering all three topics.
func (h *Hub) Attach(bus *pipeline.EventBus) func() {
	unResults := bus.Subscribe(h)
	unNotices := bus.SubscribeNotices(h)
	unSpots := bus.SubscribeSpotlights(h)
	return func() {
		unResults()
		unNotices()
		unSpots()
	}
}

// OnRefreshResult implements pipeline.ResultHandler.
func (h *Hub) OnRefreshResult(result *pipeline.RefreshResult) {
	if !h.hasClients() {
		return
	}
	frame := ""
	if len(result.Overlay) > 0 {
		frame = base64.StdEncoding.EncodeToString(result.Overlay)
	}
	h.broadcast(newCandidatesMessage(result, frame))
}

// OnNotice implements pipeline.NoticeHandler.
func (h *Hub) OnNotice(notice pipeline.Notice) {
	if !h.hasClients() {
		return
	}
	h.broadcast(&NoticeMessage{Type: "notice", Notice: notice})
}

// OnSpotlight implements pipeline.SpotlightHandler.
func (h *Hub) OnSpotlight(event pipeline.SpotlightEvent) {
	if !h.hasClients() {
		return
	}
	h.broadcast(&SpotlightMessage{Type: "spotlight", Event: event})
}

func (h *Hub) register(conn *websocket.Conn) string {
	id := uuid.NewString()

	h.mu.Lock()
	h.clients[conn] = id
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.WSClients.Store(uint64(n))
	h.log.Debug().Str("client", id).Int("clients", n).Msg("ws client registered")
	return id
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	id, ok := h.clients[conn]
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	h.metrics.WSClients.Store(uint64(n))
	h.log.Debug().Str("client", id).Int("clients", n).Msg("ws client unregistered")
}

func (h *Hub) hasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal ws message")
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Debug().Err(err).Msg("ws write failed, dropping client")
			h.unregister(conn)
			conn.Close()
		}
	}
}
