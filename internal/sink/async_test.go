package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/fluxwatch/internal/event"
)

type slowSink struct {
	release chan struct{}
	started chan struct{}

	mu  sync.Mutex
	ids []string
}

func (s *slowSink) Handle(_ context.Context, a event.Alert) error {
	select {
	case s.started <- struct{}{}:
	default:
	}
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, a.ID)
	return nil
}

func (s *slowSink) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func TestAsync_SlowSinkDoesNotBlockCaller(t *testing.T) {
	slow := &slowSink{release: make(chan struct{}), started: make(chan struct{}, 1)}
	a := NewAsync("test", slow, 1, 2, nil)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, a.Handle(ctx, alert("a1", "X"))) // taken by the worker
		<-slow.started
		assert.NoError(t, a.Handle(ctx, alert("a2", "X")))
		assert.NoError(t, a.Handle(ctx, alert("a3", "X")))
		assert.NoError(t, a.Handle(ctx, alert("a4", "X"))) // queue full: dropped
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle blocked on a slow sink")
	}
	assert.Equal(t, 2, a.Pending())

	close(slow.release)
	a.Close()
	assert.Equal(t, []string{"a1", "a2", "a3"}, slow.delivered(), "queued alerts are delivered in order on Close")
}

func TestAsync_DeliveryErrorIsContained(t *testing.T) {
	var calls int
	var mu sync.Mutex
	failing := HandlerFunc(func(context.Context, event.Alert) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("redis down")
	})
	a := NewAsync("test", failing, 1, 4, nil)

	assert.NoError(t, a.Handle(context.Background(), alert("a1", "X")))
	a.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestAsync_DeliveryHasDeadline(t *testing.T) {
	var deadline bool
	check := HandlerFunc(func(ctx context.Context, _ event.Alert) error {
		_, deadline = ctx.Deadline()
		return nil
	})
	a := NewAsync("test", check, 1, 1, nil)
	require.NoError(t, a.Handle(context.Background(), alert("a1", "X")))
	a.Close()
	assert.True(t, deadline)
}
