package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/gyaneshwarpardhi/fluxwatch/internal/event"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/metrics"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/workerpool"
)

// DeliveryTimeout bounds one delivery attempt of an Async sink.
const DeliveryTimeout = 5 * time.Second

// Handler is implemented by every sink.
type Handler interface {
	Handle(ctx context.Context, a event.Alert) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, a event.Alert) error

func (f HandlerFunc) Handle(ctx context.Context, a event.Alert) error { return f(ctx, a) }

// Async hands alerts to next on its own workers, so a sink doing network
// I/O never runs on an ingestion lane. With one worker alerts reach next
// in the order they were raised. When the queue is full the alert is
// dropped for this sink only and counted in SinkErrors.
type Async struct {
	name string
	next Handler
	log  *slog.Logger
	pool *workerpool.Pool[event.Alert]
}

// NewAsync starts workers delivering to next. name labels metrics and logs.
func NewAsync(name string, next Handler, workers, depth int, log *slog.Logger) *Async {
	if log == nil {
		log = slog.Default()
	}
	a := &Async{
		name: name,
		next: next,
		log:  log.With("component", "sink", "sink", name),
	}
	a.pool = workerpool.New(context.Background(), workers, depth, a.deliver)
	return a
}

func (a *Async) Handle(_ context.Context, alert event.Alert) error {
	if !a.pool.Submit(alert) {
		metrics.SinkErrors.WithLabelValues(a.name).Inc()
		a.log.Warn("sink queue full, dropping alert", "alert_id", alert.ID)
	}
	return nil
}

func (a *Async) deliver(ctx context.Context, alert event.Alert) {
	ctx, cancel := context.WithTimeout(ctx, DeliveryTimeout)
	defer cancel()
	if err := a.next.Handle(ctx, alert); err != nil {
		a.log.Error("alert delivery failed", "alert_id", alert.ID, "err", err)
	}
}

// Pending returns how many alerts wait for delivery.
func (a *Async) Pending() int { return a.pool.QueueLen() }

// Close stops accepting alerts and waits for queued ones to be delivered.
func (a *Async) Close() { a.pool.Drain() }
