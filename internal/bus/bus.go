// Package bus is a synchronous, typed publish/subscribe dispatcher.
//
// Handlers for a kind run in registration order on the publishing
// goroutine. A handler that publishes further events sees them delivered
// before it returns, so delivery is depth-first.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gyaneshwarpardhi/fluxwatch/internal/event"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/metrics"
)

// Handler consumes one event. A returned error is reported by Publish.
type Handler func(ctx context.Context, ev event.Event) error

// Policy decides what Publish does after a handler fails.
type Policy int

const (
	// ContinueOnError delivers to the remaining handlers and reports all failures.
	ContinueOnError Policy = iota
	// StopOnError returns at the first failing handler.
	StopOnError
)

// ParsePolicy maps "continue" / "stop" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "continue":
		return ContinueOnError, nil
	case "stop":
		return StopOnError, nil
	}
	return ContinueOnError, fmt.Errorf("unknown bus policy %q", s)
}

// HandlerError wraps a failure from the n-th handler of a kind.
type HandlerError struct {
	Kind  event.Kind
	Index int
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler #%d: %v", e.Kind, e.Index, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Bus maps event kinds to ordered handler lists.
type Bus struct {
	mu       sync.RWMutex
	handlers map[event.Kind][]Handler
	policy   Policy
}

// New creates an empty Bus with the given failure policy.
func New(policy Policy) *Bus {
	return &Bus{
		handlers: make(map[event.Kind][]Handler),
		policy:   policy,
	}
}

// Subscribe appends h to the handlers of kind. Registering the same
// handler twice yields two invocations.
func (b *Bus) Subscribe(kind event.Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// On registers a handler typed on T. Events of T's kind that are not a T
// are reported as handler errors.
func On[T event.Event](b *Bus, fn func(ctx context.Context, ev T) error) {
	var zero T
	kind := zero.Kind()
	b.Subscribe(kind, func(ctx context.Context, ev event.Event) error {
		t, ok := ev.(T)
		if !ok {
			return fmt.Errorf("bus: %s handler got %T", kind, ev)
		}
		return fn(ctx, t)
	})
}

// Publish delivers ev to every handler of ev.Kind() and returns the
// joined handler failures, if any.
func (b *Bus) Publish(ctx context.Context, ev event.Event) error {
	kind := ev.Kind()

	// Snapshot so handlers can subscribe or publish without deadlocking.
	b.mu.RLock()
	hs := b.handlers[kind]
	b.mu.RUnlock()

	metrics.BusPublished.WithLabelValues(string(kind)).Inc()

	var errs []error
	for i, h := range hs {
		if err := h(ctx, ev); err != nil {
			metrics.BusHandlerErrors.WithLabelValues(string(kind)).Inc()
			errs = append(errs, &HandlerError{Kind: kind, Index: i, Err: err})
			if b.policy == StopOnError {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Handlers returns how many handlers are registered for kind.
func (b *Bus) Handlers(kind event.Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}
