package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventMemoryCreated      EventType = "memory.created"
	EventMemoryUpdated      EventType = "memory.updated"
	EventMemoryDeleted      EventType = "memory.deleted"
	EventEmbeddingComplete  EventType = "memory.embedding_complete"
	EventTenantUserJoined   EventType = "tenant.user_joined"
	EventTenantUserLeft     EventType = "tenant.user_left"
	EventTaskFailed         EventType = "task.failed"
)

// Channel returns the cross-process channel name an event type is mirrored on,
// or "" when the type stays in-process.
func (t EventType) Channel() string {
	switch t {
	case EventMemoryCreated:
		return "memories:created"
	case EventMemoryUpdated:
		return "memories:updated"
	case EventMemoryDeleted:
		return "memories:deleted"
	case EventEmbeddingComplete:
		return "memories:embedding_complete"
	}
	return ""
}

type Event struct {
	ID        uuid.UUID      `json:"id"`
	Type      EventType      `json:"type"`
	TenantID  uuid.UUID      `json:"tenant_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

func NewEvent(t EventType, tenantID uuid.UUID, data map[string]any) Event {
	return Event{
		ID:        uuid.New(),
		Type:      t,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
