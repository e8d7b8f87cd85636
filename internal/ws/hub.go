// Package ws fans bus events out to WebSocket connections. Each connection
// carries its own mutable channel set; delivery stays inside the caller's
// tenant.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/events"
)

// Hub tracks live connections and hands each one a bus subscription.
type Hub struct {
	bus         *events.Bus
	idleTimeout time.Duration
	logger      *zap.Logger
	upgrader    websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewHub(bus *events.Bus, idleTimeout time.Duration, logger *zap.Logger) *Hub {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	return &Hub{
		bus:         bus,
		idleTimeout: idleTimeout,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth already happened; the API key is the access control.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[*Client]struct{}{},
	}
}

// Serve upgrades the request and runs the connection until it drops. The
// connection starts subscribed to every mirrored channel for its tenant.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, rc domain.RequestContext) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return domain.Invalidf("websocket upgrade: %v", err)
	}

	sub := h.bus.Subscribe(rc.TenantID, events.DefaultSubscriberBuffer, mirroredTypes()...)
	c := newClient(conn, sub, h, rc.TenantID, h.logger)

	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected",
		zap.String("tenant_id", rc.TenantID.String()),
		zap.Int("total", total))

	c.sendControl(serverMessage{Type: msgConnected, Channels: c.channelList()})

	go c.writePump()
	c.readPump()
	return nil
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client disconnected", zap.Int("total", total))
}

// ClientCount reports live connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every connection. Pumps unwind as their reads fail.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
