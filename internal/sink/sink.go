// Package sink delivers raised alerts to their destinations.
//
// Every sink exposes Handle(ctx, event.Alert) error and is subscribed to
// the bus with bus.On.
package sink

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gyaneshwarpardhi/fluxwatch/internal/event"
)

// Log writes one structured line per alert.
type Log struct {
	log *slog.Logger
}

// NewLog creates a Log sink. A nil logger uses slog.Default.
func NewLog(log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{log: log.With("component", "alerts")}
}

func (l *Log) Handle(ctx context.Context, a event.Alert) error {
	attrs := []any{
		"alert_id", a.ID,
		"rule", a.Rule,
		"account_id", a.AccountID,
		"inbound_total", a.InboundTotal,
		"outbound_total", a.OutboundTotal,
		"ratio", a.Ratio,
		"window_start", a.WindowStart,
		"window_end", a.WindowEnd,
		"rationale_status", a.RationaleStatus,
	}
	if a.Rationale != "" {
		attrs = append(attrs, "rationale", a.Rationale)
	}
	l.log.WarnContext(ctx, "ALERT", attrs...)
	return nil
}

// DefaultRecentAlerts is the Recorder capacity used when none is given.
const DefaultRecentAlerts = 500

// Recorder keeps the most recent alerts in a fixed-size ring.
type Recorder struct {
	mu    sync.RWMutex
	buf   []event.Alert
	next  int
	full  bool
	total int64
}

// NewRecorder creates a Recorder holding up to size alerts.
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = DefaultRecentAlerts
	}
	return &Recorder{buf: make([]event.Alert, size)}
}

func (r *Recorder) Handle(_ context.Context, a event.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = a
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.total++
	return nil
}

// Recent returns up to limit alerts, newest first. limit <= 0 returns all
// retained alerts.
func (r *Recorder) Recent(limit int) []event.Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]event.Alert, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Total returns how many alerts have ever been recorded.
func (r *Recorder) Total() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}
