// Package window keeps a trailing event-time window of payments per account.
package window

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/fluxwatch/internal/event"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/metrics"
)

// DefaultDuration is the trailing window length used when none is configured.
const DefaultDuration = 30 * time.Minute

// Publisher receives the WindowUpdate produced for every payment.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event) error
}

// Config holds the aggregator settings.
type Config struct {
	Duration time.Duration
}

// Aggregator owns all per-account window state. Updates to one account are
// serialized; different accounts proceed in parallel.
type Aggregator struct {
	duration time.Duration
	pub      Publisher

	mu       sync.RWMutex
	accounts map[string]*state
}

// state is the ordered sequence of payments inside one account's window.
type state struct {
	mu     sync.Mutex
	events []event.PaymentEvent // sorted by EventTime, ties in arrival order
	latest time.Time            // EventTime of the last processed payment
}

// New creates an Aggregator. It panics on a non-positive duration.
func New(cfg Config, pub Publisher) *Aggregator {
	if cfg.Duration <= 0 {
		panic(fmt.Sprintf("window: duration must be positive, got %v", cfg.Duration))
	}
	return &Aggregator{
		duration: cfg.Duration,
		pub:      pub,
		accounts: make(map[string]*state),
	}
}

// Duration returns the configured window length.
func (a *Aggregator) Duration() time.Duration { return a.duration }

// HandlePayment folds p into its account window and publishes the
// resulting WindowUpdate. The account stays locked while the update is
// published so updates for one account leave in processing order.
func (a *Aggregator) HandlePayment(ctx context.Context, p event.PaymentEvent) error {
	st := a.account(p.AccountID)

	st.mu.Lock()
	defer st.mu.Unlock()

	upd := st.apply(p, a.duration)
	metrics.PaymentsProcessed.Inc()

	if a.pub == nil {
		return nil
	}
	return a.pub.Publish(ctx, upd)
}

// Snapshot returns a copy of the payments currently inside the account window.
func (a *Aggregator) Snapshot(accountID string) []event.PaymentEvent {
	st := a.lookup(accountID)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]event.PaymentEvent, len(st.events))
	copy(out, st.events)
	return out
}

// Window reports the account totals as of the last processed payment.
// ok is false for accounts never seen.
func (a *Aggregator) Window(accountID string) (upd event.WindowUpdate, ok bool) {
	st := a.lookup(accountID)
	if st == nil {
		return event.WindowUpdate{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.totals(accountID), true
}

// Accounts returns the number of accounts with window state.
func (a *Aggregator) Accounts() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.accounts)
}

func (a *Aggregator) lookup(accountID string) *state {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.accounts[accountID]
}

func (a *Aggregator) account(accountID string) *state {
	if st := a.lookup(accountID); st != nil {
		return st
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.accounts[accountID]
	if !ok {
		st = &state{}
		a.accounts[accountID] = st
		metrics.TrackedAccounts.Set(float64(len(a.accounts)))
	}
	return st
}

// apply inserts p, prunes against p.EventTime and returns the new totals.
// Caller must hold s.mu.
func (s *state) apply(p event.PaymentEvent, d time.Duration) event.WindowUpdate {
	// Insert after every event with EventTime <= p.EventTime: the same
	// order a stable sort after append would give.
	i := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].EventTime.After(p.EventTime)
	})
	s.events = append(s.events, event.PaymentEvent{})
	copy(s.events[i+1:], s.events[i:])
	s.events[i] = p

	s.latest = p.EventTime
	start := p.EventTime.Add(-d)

	kept := s.events[:0]
	for _, ev := range s.events {
		if ev.EventTime.After(start) {
			kept = append(kept, ev)
		}
	}
	// Clear the tail so pruned payments can be collected.
	for j := len(kept); j < len(s.events); j++ {
		s.events[j] = event.PaymentEvent{}
	}
	s.events = kept

	return s.totals(p.AccountID)
}

// totals sums the retained events. Caller must hold s.mu.
func (s *state) totals(accountID string) event.WindowUpdate {
	var in, out float64
	for _, ev := range s.events {
		switch ev.Direction {
		case event.In:
			in += ev.Amount
		case event.Out:
			out += ev.Amount
		default:
			panic(fmt.Sprintf("window: payment %s has direction %q", ev.ID, ev.Direction))
		}
	}
	return event.WindowUpdate{
		AccountID:     accountID,
		WindowEndTime: s.latest,
		InboundTotal:  in,
		OutboundTotal: out,
		NetChange:     in - out,
		EventCount:    len(s.events),
	}
}
