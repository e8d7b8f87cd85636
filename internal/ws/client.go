package ws

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/events"
)

const (
	msgConnected   = "connected"
	msgEvent       = "event"
	msgPong        = "pong"
	msgSubscribed  = "subscribed"
	msgError       = "error"
	maxMessageSize = 1024
	writeTimeout   = 10 * time.Second
)

// clientMessage is an inbound control frame.
type clientMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

// serverMessage is an outbound frame, either a bus event or a control reply.
type serverMessage struct {
	Type      string        `json:"type"`
	Channel   string        `json:"channel,omitempty"`
	Channels  []string      `json:"channels,omitempty"`
	Event     *domain.Event `json:"event,omitempty"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

func channelTypes() map[string]domain.EventType {
	types := map[string]domain.EventType{}
	for _, t := range []domain.EventType{
		domain.EventMemoryCreated,
		domain.EventMemoryUpdated,
		domain.EventMemoryDeleted,
		domain.EventEmbeddingComplete,
	} {
		types[t.Channel()] = t
	}
	return types
}

func mirroredTypes() []domain.EventType {
	var out []domain.EventType
	for _, t := range channelTypes() {
		out = append(out, t)
	}
	return out
}

// Client is one WebSocket connection with its tenant-scoped bus subscription.
type Client struct {
	conn   *websocket.Conn
	sub    *events.Subscription
	hub    *Hub
	tenant uuid.UUID
	logger *zap.Logger

	control chan serverMessage

	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool
}

func newClient(conn *websocket.Conn, sub *events.Subscription, hub *Hub, tenant uuid.UUID, logger *zap.Logger) *Client {
	channels := map[string]struct{}{}
	for name := range channelTypes() {
		channels[name] = struct{}{}
	}
	return &Client{
		conn:     conn,
		sub:      sub,
		hub:      hub,
		tenant:   tenant,
		logger:   logger,
		control:  make(chan serverMessage, 8),
		channels: channels,
	}
}

func (c *Client) channelList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for name := range c.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// setChannels applies an add or remove of channel names and pushes the
// resulting type set down to the bus subscription. Unknown names are ignored.
func (c *Client) setChannels(names []string, add bool) []string {
	known := channelTypes()

	c.mu.Lock()
	for _, name := range names {
		if _, ok := known[name]; !ok {
			continue
		}
		if add {
			c.channels[name] = struct{}{}
		} else {
			delete(c.channels, name)
		}
	}
	types := make([]domain.EventType, 0, len(c.channels))
	for name := range c.channels {
		types = append(types, known[name])
	}
	c.mu.Unlock()

	if len(types) == 0 {
		// An empty filter would mean "everything"; pin to an impossible type
		// so an unsubscribed connection receives nothing.
		c.sub.SetTypes(domain.EventType("none"))
	} else {
		c.sub.SetTypes(types...)
	}
	return c.channelList()
}

func (c *Client) sendControl(m serverMessage) {
	m.Timestamp = time.Now().UTC()
	select {
	case c.control <- m:
	default:
	}
}

// close cancels the subscription and shuts the connection. The closed sub
// channel unwinds the write pump; the dead conn unwinds the read pump.
func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.sub.Cancel()
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("close websocket", zap.Error(err))
	}
	c.hub.remove(c)
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.idleTimeout))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.idleTimeout))

		switch msg.Type {
		case "subscribe":
			c.sendControl(serverMessage{Type: msgSubscribed, Channels: c.setChannels(msg.Channels, true)})
		case "unsubscribe":
			c.sendControl(serverMessage{Type: msgSubscribed, Channels: c.setChannels(msg.Channels, false)})
		case "ping":
			c.sendControl(serverMessage{Type: msgPong})
		default:
			c.sendControl(serverMessage{Type: msgError, Message: "unknown message type"})
		}
	}
}

func (c *Client) writePump() {
	// Pings go out well inside the idle window so a healthy peer never
	// trips the read deadline.
	ticker := time.NewTicker(c.hub.idleTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case e, ok := <-c.sub.C():
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(serverMessage{
				Type:      msgEvent,
				Channel:   e.Type.Channel(),
				Event:     &e,
				Timestamp: time.Now().UTC(),
			}); err != nil {
				c.logger.Debug("websocket write", zap.Error(err))
				return
			}

		case m := <-c.control:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(m); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
