package events

import (
	"sync"

	"go.uber.org/zap"
)

// Event names published by the collaboration core.
const (
	EventUserJoined         = "user_joined"
	EventUserLeft           = "user_left"
	EventModelShared        = "model_shared"
	EventModelUpdate        = "model_update"
	EventAnnotationAdded    = "annotation_added"
	EventAnnotationResolved = "annotation_resolved"
	EventCursorUpdate       = "cursor_update"
	EventSelectionUpdate    = "selection_update"
	EventViewportUpdate     = "viewport_update"
	EventStatusUpdate       = "status_update"
	EventConflictDetected   = "conflict_detected"
	EventConnectionStatus   = "connection_status"
	EventSessionTimeout     = "session_timeout"
)

// Handler consumes a published event payload.
type Handler func(payload any)

type subscriber struct {
	id      int64
	handler Handler
}

// Bus fans events out synchronously to subscribers in registration order.
// A panicking handler is isolated so the remaining handlers still run.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscriber
	nextID      int64
	logger      *zap.Logger
}

// NewBus constructs an event bus. A nil logger is replaced with a nop logger.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[string][]subscriber),
		logger:      logger,
	}
}

// Subscribe registers a handler for the named event and returns a cancel
// function that removes the registration.
func (b *Bus) Subscribe(event string, handler Handler) func() {
	if event == "" || handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[event] = append(b.subscribers[event], subscriber{id: id, handler: handler})
	b.mu.Unlock()
	return func() {
		b.unsubscribe(event, id)
	}
}

// Publish delivers the payload to every handler registered for the event,
// in registration order. Delivery is synchronous.
func (b *Bus) Publish(event string, payload any) {
	if event == "" {
		return
	}
	b.mu.RLock()
	registered := b.subscribers[event]
	copies := make([]subscriber, len(registered))
	copy(copies, registered)
	b.mu.RUnlock()

	for _, entry := range copies {
		b.deliver(event, entry, payload)
	}
}

func (b *Bus) deliver(event string, entry subscriber, payload any) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", event),
				zap.Int64("subscriber_id", entry.id),
				zap.Any("panic", recovered))
		}
	}()
	entry.handler(payload)
}

func (b *Bus) unsubscribe(event string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	registered := b.subscribers[event]
	for index, entry := range registered {
		if entry.id == id {
			b.subscribers[event] = append(registered[:index:index], registered[index+1:]...)
			break
		}
	}
	if len(b.subscribers[event]) == 0 {
		delete(b.subscribers, event)
	}
}
