// Package events provides the in-process event bus that connects billing
// services. Publishing is synchronous so a state change and its reactions
// (retry scheduling, dunning, notifications) complete in one call chain.
package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is a published domain event.
type Event struct {
	// Name is the event name (e.g. "payment.failed").
	Name string

	// Payload is one of the billing event structs.
	Payload any

	// At is the publish time.
	At time.Time
}

// Handler processes an event.
type Handler func(ctx context.Context, event Event) error

// Bus is a publish/subscribe event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   zerolog.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewBus creates a new event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets the time source used to stamp events.
func (b *Bus) WithClock(now func() time.Time) *Bus {
	b.now = now
	return b
}

// Subscribe registers a handler. Supported patterns:
//   - "payment.failed" exact match
//   - "payment.*" every payment event
//   - "*" every event
func (b *Bus) Subscribe(pattern string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[pattern] = append(b.handlers[pattern], handler)
}

// Publish delivers the event to all matching handlers in registration order,
// exact subscribers first. Handler errors and panics are logged and do not
// stop delivery. Handlers may publish further events.
func (b *Bus) Publish(ctx context.Context, name string, payload any) {
	event := Event{Name: name, Payload: payload, At: b.now()}

	b.logger.Debug().Str("event", name).Msg("event published")

	for _, handler := range b.match(name) {
		if err := b.call(ctx, handler, event); err != nil {
			b.logger.Error().
				Err(err).
				Str("event", name).
				Msg("event handler error")
		}
	}
}

// PublishAsync delivers the event on a goroutine. Wait blocks until every
// async delivery has finished.
func (b *Bus) PublishAsync(ctx context.Context, name string, payload any) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.Publish(context.WithoutCancel(ctx), name, payload)
	}()
}

// Wait blocks until all PublishAsync deliveries complete.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// HasSubscribers reports whether any handler matches the event name.
func (b *Bus) HasSubscribers(name string) bool {
	return len(b.match(name)) > 0
}

func (b *Bus) match(name string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []Handler
	matched = append(matched, b.handlers[name]...)
	if prefix, _, ok := strings.Cut(name, "."); ok {
		matched = append(matched, b.handlers[prefix+".*"]...)
	}
	matched = append(matched, b.handlers["*"]...)
	return matched
}

func (b *Bus) call(ctx context.Context, handler Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}
