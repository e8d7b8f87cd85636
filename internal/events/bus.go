// Package events carries mutation events from the core to in-process
// subscribers and, through an optional redis bridge, to peer processes.
package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/domain"
)

// DefaultSubscriberBuffer is the channel depth for a subscription that does
// not ask for its own.
const DefaultSubscriberBuffer = 64

// Subscription is one subscriber's view of the bus. The type filter is
// mutable; an empty filter means every event type.
type Subscription struct {
	id     uint64
	tenant uuid.UUID
	ch     chan domain.Event
	bus    *Bus

	mu     sync.RWMutex
	types  map[domain.EventType]struct{}
	closed bool
}

// C is the delivery channel. It is closed when the subscription is cancelled.
func (s *Subscription) C() <-chan domain.Event { return s.ch }

// SetTypes replaces the type filter. No arguments clears the filter so the
// subscription receives every type again.
func (s *Subscription) SetTypes(types ...domain.EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(types) == 0 {
		s.types = nil
		return
	}
	s.types = make(map[domain.EventType]struct{}, len(types))
	for _, t := range types {
		s.types[t] = struct{}{}
	}
}

// AddTypes narrows an unfiltered subscription, or widens a filtered one.
func (s *Subscription) AddTypes(types ...domain.EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.types == nil {
		s.types = make(map[domain.EventType]struct{}, len(types))
	}
	for _, t := range types {
		s.types[t] = struct{}{}
	}
}

// RemoveTypes drops types from the filter. Removing from an unfiltered
// subscription has no effect.
func (s *Subscription) RemoveTypes(types ...domain.EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.types == nil {
		return
	}
	for _, t := range types {
		delete(s.types, t)
	}
}

// Cancel removes the subscription from the bus and closes its channel.
// Safe to call more than once.
func (s *Subscription) Cancel() {
	s.bus.remove(s.id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *Subscription) deliver(e domain.Event, logger *zap.Logger) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	if s.tenant != uuid.Nil && e.TenantID != s.tenant {
		return
	}
	if s.types != nil {
		if _, ok := s.types[e.Type]; !ok {
			return
		}
	}
	select {
	case s.ch <- e:
	default:
		logger.Warn("subscriber buffer full, dropping event",
			zap.Uint64("subscription_id", s.id),
			zap.String("event_type", string(e.Type)))
	}
}

// bridgeEnvelope wraps an event on the wire so a process can recognize and
// skip its own mirrored messages.
type bridgeEnvelope struct {
	Origin string       `json:"origin"`
	Event  domain.Event `json:"event"`
}

// Bus is the in-process event fan-out. Publishing never blocks on a slow
// subscriber; a full buffer drops the event for that subscriber only.
type Bus struct {
	origin string
	bridge domain.PubSubBridge
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// NewBus builds a bus. bridge may be nil for single-process deployments.
func NewBus(bridge domain.PubSubBridge, logger *zap.Logger) *Bus {
	return &Bus{
		origin: uuid.NewString(),
		bridge: bridge,
		logger: logger,
		subs:   map[uint64]*Subscription{},
	}
}

// Subscribe registers a subscriber scoped to a tenant. A Nil tenant receives
// events from every tenant; an empty type list receives every type.
func (b *Bus) Subscribe(tenantID uuid.UUID, buffer int, types ...domain.EventType) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	s := &Subscription{
		tenant: tenantID,
		ch:     make(chan domain.Event, buffer),
		bus:    b,
	}
	if len(types) > 0 {
		s.types = make(map[domain.EventType]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()
	return s
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers an event to local subscribers and mirrors it across the
// bridge when its type has a cross-process channel.
func (b *Bus) Publish(ctx context.Context, e domain.Event) {
	b.Inject(e)

	channel := e.Type.Channel()
	if b.bridge == nil || channel == "" {
		return
	}
	payload, err := json.Marshal(bridgeEnvelope{Origin: b.origin, Event: e})
	if err != nil {
		b.logger.Warn("marshal bridge envelope", zap.Error(err))
		return
	}
	if err := b.bridge.Publish(ctx, channel, payload); err != nil {
		b.logger.Warn("bridge publish failed",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// Inject delivers an event to local subscribers only. Delivery iterates a
// snapshot of the registry so subscribing mid-broadcast is safe.
func (b *Bus) Inject(e domain.Event) {
	b.mu.RLock()
	snapshot := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	for _, s := range snapshot {
		s.deliver(e, b.logger)
	}
}

// MirroredChannels lists the bridge channels the bus mirrors.
func MirroredChannels() []string {
	return []string{
		domain.EventMemoryCreated.Channel(),
		domain.EventMemoryUpdated.Channel(),
		domain.EventMemoryDeleted.Channel(),
		domain.EventEmbeddingComplete.Channel(),
	}
}

// StartMirror subscribes to the bridge and reinjects remote events into the
// local bus. It returns a stop function. Messages published by this process
// are recognized by origin and skipped.
func (b *Bus) StartMirror(ctx context.Context) (func(), error) {
	if b.bridge == nil {
		return func() {}, nil
	}
	msgs, stop, err := b.bridge.Subscribe(ctx, MirroredChannels()...)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range msgs {
			var env bridgeEnvelope
			if err := json.Unmarshal(m.Payload, &env); err != nil {
				b.logger.Warn("malformed bridge message",
					zap.String("channel", m.Channel),
					zap.Error(err))
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			b.Inject(env.Event)
		}
	}()

	return func() {
		stop()
		<-done
	}, nil
}
