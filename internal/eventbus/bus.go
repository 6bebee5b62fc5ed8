package eventbus

import (
	"context"
	"errors"
	"reflect"
	"sync"
)

// Handler handles a published event.
type Handler func(ctx context.Context, event any) error

// Bus delivers events to subscribed handlers.
type Bus interface {
	Publish(ctx context.Context, event any) error
	Subscribe(eventType string, handler Handler) (unsubscribe func())
}

var (
	// ErrNilEvent is returned when a nil event is published.
	ErrNilEvent = errors.New("eventbus: nil event")
	// ErrInvalidEventType is returned when the event type cannot be determined.
	ErrInvalidEventType = errors.New("eventbus: invalid event type")
)

type subscription struct {
	id      uint64
	handler Handler
}

// InMemoryBus dispatches synchronously on the publishing goroutine.
type InMemoryBus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]subscription
}

// NewInMemoryBus constructs a new in-memory bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{handlers: make(map[string][]subscription)}
}

// Publish dispatches an event to all handlers of its type. Every handler
// runs; the first error is returned.
func (b *InMemoryBus) Publish(ctx context.Context, event any) error {
	if event == nil {
		return ErrNilEvent
	}
	eventType := TypeName(event)
	if eventType == "" {
		return ErrInvalidEventType
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[eventType]...)
	b.mu.RUnlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.handler(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Subscribe registers a handler for an event type name.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) func() {
	if eventType == "" || handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(eventType, id) })
	}
}

func (b *InMemoryBus) remove(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[eventType]
	for i, sub := range subs {
		if sub.id == id {
			b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// On subscribes a typed handler.
func On[T any](b Bus, handler func(ctx context.Context, event T) error) func() {
	return b.Subscribe(TypeOf[T](), func(ctx context.Context, event any) error {
		evt, ok := event.(T)
		if !ok {
			return ErrInvalidEventType
		}
		return handler(ctx, evt)
	})
}

// TypeName returns the fully-qualified type name for an event instance.
func TypeName(event any) string {
	if event == nil {
		return ""
	}
	t := reflect.TypeOf(event)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.String()
}

// TypeOf returns the fully-qualified type name for a type parameter.
func TypeOf[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}
