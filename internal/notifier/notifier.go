// Package notifier delivers resource lifecycle events from the API layer to
// the convergence controller.
package notifier

import (
	"context"
	"errors"
	"sync"

	"github.com/yairfalse/anchor/internal/telemetry"
	"github.com/yairfalse/anchor/pkg/resource"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("notifier closed")

// Handler receives published events. It must not block for long.
type Handler func(resource.Event)

// Notifier publishes resource events to its subscribers.
type Notifier interface {
	// Publish delivers ev to every current subscriber.
	Publish(ctx context.Context, ev resource.Event) error

	// Subscribe registers h and returns a function that removes it.
	Subscribe(h Handler) (cancel func())

	// Close releases the backend.
	Close() error
}

// Memory is an in-process Notifier. Publish calls every handler
// synchronously, so a published event is delivered before Publish returns.
type Memory struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
	closed   bool
	logger   *telemetry.Logger
}

// NewMemory creates an in-process notifier.
func NewMemory() *Memory {
	return &Memory{
		handlers: make(map[int]Handler),
		logger:   telemetry.NewLogger("notifier"),
	}
}

// Publish delivers ev to all subscribers.
func (m *Memory) Publish(_ context.Context, ev resource.Event) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}

	m.logger.Debug().
		Str("event", string(ev.Type)).
		Str("resource", ev.Resource.Name().String()).
		Int("subscribers", len(handlers)).
		Msg("published event")
	return nil
}

// Subscribe registers h.
func (m *Memory) Subscribe(h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.handlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.handlers, id)
			m.mu.Unlock()
		})
	}
}

// Close drops all subscribers. Later publishes fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.handlers = make(map[int]Handler)
	return nil
}

// Multi publishes to several notifiers.
type Multi struct {
	notifiers []Notifier
}

// NewMulti creates a notifier that fans out to all of notifiers.
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

// Publish sends to every notifier and joins their errors.
func (m *Multi) Publish(ctx context.Context, ev resource.Event) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe subscribes h to every notifier.
func (m *Multi) Subscribe(h Handler) func() {
	cancels := make([]func(), 0, len(m.notifiers))
	for _, n := range m.notifiers {
		cancels = append(cancels, n.Subscribe(h))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

// Close closes every notifier and joins their errors.
func (m *Multi) Close() error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
