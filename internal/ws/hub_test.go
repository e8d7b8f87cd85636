package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/events"
)

func dialTestHub(t *testing.T, hub *Hub, tenant uuid.UUID) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, domain.RequestContext{TenantID: tenant, UserID: uuid.New()})
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m serverMessage
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestConnectSendsWelcome(t *testing.T) {
	hub := NewHub(events.NewBus(nil, zap.NewNop()), time.Minute, zap.NewNop())
	conn := dialTestHub(t, hub, uuid.New())

	m := readFrame(t, conn)
	assert.Equal(t, msgConnected, m.Type)
	assert.Contains(t, m.Channels, "memories:created")
	assert.Contains(t, m.Channels, "memories:embedding_complete")
}

func TestEventFanOut(t *testing.T) {
	bus := events.NewBus(nil, zap.NewNop())
	hub := NewHub(bus, time.Minute, zap.NewNop())
	tenant := uuid.New()
	conn := dialTestHub(t, hub, tenant)
	readFrame(t, conn) // welcome

	bus.Publish(context.Background(), domain.NewEvent(domain.EventMemoryCreated, tenant, map[string]any{"memory_id": uuid.NewString()}))

	m := readFrame(t, conn)
	assert.Equal(t, msgEvent, m.Type)
	assert.Equal(t, "memories:created", m.Channel)
	require.NotNil(t, m.Event)
	assert.Equal(t, tenant, m.Event.TenantID)
}

func TestOtherTenantEventNotDelivered(t *testing.T) {
	bus := events.NewBus(nil, zap.NewNop())
	hub := NewHub(bus, time.Minute, zap.NewNop())
	tenant := uuid.New()
	conn := dialTestHub(t, hub, tenant)
	readFrame(t, conn) // welcome

	bus.Publish(context.Background(), domain.NewEvent(domain.EventMemoryCreated, uuid.New(), nil))
	// This one is ours and proves the stream stayed open.
	bus.Publish(context.Background(), domain.NewEvent(domain.EventMemoryDeleted, tenant, nil))

	m := readFrame(t, conn)
	assert.Equal(t, "memories:deleted", m.Channel)
}

func TestUnsubscribeNarrowsChannels(t *testing.T) {
	bus := events.NewBus(nil, zap.NewNop())
	hub := NewHub(bus, time.Minute, zap.NewNop())
	tenant := uuid.New()
	conn := dialTestHub(t, hub, tenant)
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "unsubscribe", Channels: []string{"memories:created"}}))
	ack := readFrame(t, conn)
	assert.Equal(t, msgSubscribed, ack.Type)
	assert.NotContains(t, ack.Channels, "memories:created")

	bus.Publish(context.Background(), domain.NewEvent(domain.EventMemoryCreated, tenant, nil))
	bus.Publish(context.Background(), domain.NewEvent(domain.EventMemoryUpdated, tenant, nil))

	m := readFrame(t, conn)
	assert.Equal(t, "memories:updated", m.Channel)
}

func TestPingGetsPong(t *testing.T) {
	hub := NewHub(events.NewBus(nil, zap.NewNop()), time.Minute, zap.NewNop())
	conn := dialTestHub(t, hub, uuid.New())
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "ping"}))
	assert.Equal(t, msgPong, readFrame(t, conn).Type)
}

func TestShutdownClosesClients(t *testing.T) {
	bus := events.NewBus(nil, zap.NewNop())
	hub := NewHub(bus, time.Minute, zap.NewNop())
	conn := dialTestHub(t, hub, uuid.New())
	readFrame(t, conn) // welcome

	hub.Shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m serverMessage
	err := conn.ReadJSON(&m)
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
