package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nshruti113/ddos-mitigator/internal/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// message is the envelope written to websocket clients.
type message struct {
	Type    string `json:"type"`
	Level   string `json:"level,omitempty"`
	Payload any    `json:"payload"`
}

// Hub tracks websocket clients and broadcasts engine events to them. It
// implements engine.Sink.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger.With(zap.String("component", "ws-hub")),
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// HandleWebSocket upgrades the request and keeps the client registered until
// its connection fails.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.clients[conn] = &sync.Mutex{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", zap.String("remote", conn.RemoteAddr().String()))

	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// HandleEvent broadcasts ev to every connected client.
func (h *Hub) HandleEvent(_ context.Context, ev models.Event) error {
	h.Broadcast(message{Type: "event", Level: ev.Level(), Payload: ev})
	return nil
}

// Broadcast writes msg to all clients. Failed clients are closed; their read
// loop unregisters them.
func (h *Hub) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("websocket marshal failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, wmu := range h.clients {
		wmu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		wmu.Unlock()
		if err != nil {
			h.logger.Debug("websocket write failed", zap.Error(err))
			conn.Close()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.Close()
	}
}
