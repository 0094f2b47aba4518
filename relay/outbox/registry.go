package outbox

import (
	"context"
	"fmt"
	"sync"
)

// Handler performs the side effect for one topic.
type Handler interface {
	// Topic identifies the topic this handler serves.
	Topic() Topic
	// Handle performs the side effect for a record. Errors wrapped with
	// Permanent dead-letter the record immediately.
	Handle(ctx context.Context, record *Record) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	For Topic
	Fn  func(ctx context.Context, record *Record) error
}

func (h HandlerFunc) Topic() Topic { return h.For }

func (h HandlerFunc) Handle(ctx context.Context, record *Record) error {
	return h.Fn(ctx, record)
}

// Registry maps the closed topic enumeration to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Topic]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Topic]Handler)}
}

// Register adds a handler for its topic.
func (r *Registry) Register(handler Handler) error {
	if handler == nil {
		return ErrHandlerRequired
	}

	topic := handler.Topic()
	if !topic.IsValid() {
		return fmt.Errorf("%w: %q", ErrTopicUnknown, topic)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[topic]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, topic)
	}

	r.handlers[topic] = handler

	return nil
}

// Resolve returns the handler for a topic.
//
//nolint:ireturn
func (r *Registry) Resolve(topic Topic) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerMissing, topic)
	}

	return handler, nil
}

// ValidateComplete fails when any topic the outbox can produce has no
// handler. Call it at startup, before accepting work.
func (r *Registry) ValidateComplete() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, topic := range AllTopics() {
		if _, ok := r.handlers[topic]; !ok {
			return fmt.Errorf("%w: %s", ErrHandlerMissing, topic)
		}
	}

	return nil
}
