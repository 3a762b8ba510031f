// Package events provides the in-process domain event bus: a middleware
// chain (used to append every event to the durable log) followed by
// concurrent fan-out to subscribed handlers with per-handler failure
// isolation.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/inkstone-app/inkstone/internal/model"
)

// Handler consumes one published event. Handlers are best-effort: a failing
// or panicking handler is reported and isolated, never aborting siblings or
// the publisher.
type Handler func(ctx context.Context, e model.DomainEvent) error

// Middleware runs before fan-out, in registration order. A middleware error
// aborts the publish: the durable log write is a middleware, and an event
// that cannot be logged is not delivered.
type Middleware func(ctx context.Context, e model.DomainEvent) error

// ErrorFunc receives handler failures. It must be safe for concurrent use.
type ErrorFunc func(eventType model.EventType, err error)

// Bus is a bounded subscription registry with explicit unsubscribe handles.
// Constructed once at bootstrap and passed down; there is no package-level
// instance.
type Bus struct {
	logger  *slog.Logger
	onError ErrorFunc

	mu          sync.RWMutex
	middlewares []Middleware
	subs        map[model.EventType]map[int]Handler
	nextID      int
}

// NewBus creates an empty bus. onError may be nil, in which case handler
// failures are only logged.
func NewBus(logger *slog.Logger, onError ErrorFunc) *Bus {
	return &Bus{
		logger:  logger,
		onError: onError,
		subs:    make(map[model.EventType]map[int]Handler),
	}
}

// Use appends a middleware to the chain. Call during wiring, before any
// Publish.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, mw)
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe handle.
func (b *Bus) Subscribe(t model.EventType, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[t] == nil {
		b.subs[t] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[t][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[t], id)
	}
}

// Publish runs the middleware chain, then dispatches the event to every
// handler registered for its type concurrently. It returns once all handlers
// for this call have settled; handler side effects are not transactional
// with whatever write triggered the event (at-least-once, no rollback
// coupling).
func (b *Bus) Publish(ctx context.Context, e model.DomainEvent) error {
	b.mu.RLock()
	middlewares := b.middlewares
	handlers := make([]Handler, 0, len(b.subs[e.EventType]))
	for _, h := range b.subs[e.EventType] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, mw := range middlewares {
		if err := mw(ctx, e); err != nil {
			return fmt.Errorf("events: middleware for %s: %w", e.EventType, err)
		}
	}

	if len(handlers) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.dispatch(ctx, e, h)
		}()
	}
	wg.Wait()
	return nil
}

// dispatch runs one handler, converting panics to reported errors.
func (b *Bus) dispatch(ctx context.Context, e model.DomainEvent, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.report(e.EventType, fmt.Errorf("events: handler panic for %s: %v", e.EventType, r))
		}
	}()
	if err := h(ctx, e); err != nil {
		b.report(e.EventType, fmt.Errorf("events: handler for %s: %w", e.EventType, err))
	}
}

func (b *Bus) report(t model.EventType, err error) {
	b.logger.Warn("events: handler failed", "event_type", string(t), "error", err)
	if b.onError != nil {
		b.onError(t, err)
	}
}
