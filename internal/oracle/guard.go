package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/fluxwatch/internal/metrics"
)

// BreakerState is the state of the guard's circuit.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls flow through
	BreakerOpen                         // calls rejected until the cooldown elapses
	BreakerHalfOpen                     // one trial call allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// GuardConfig bounds calls to a wrapped oracle.
type GuardConfig struct {
	Timeout          time.Duration // per call; zero means no extra deadline
	BreakerThreshold int           // consecutive failures before opening
	BreakerCooldown  time.Duration // time open before a trial call is allowed
}

// Guard wraps a RiskOracle with a timeout, a circuit breaker and panic
// containment. Every failure comes back as a Failure result.
type Guard struct {
	next RiskOracle
	cfg  GuardConfig
	now  func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
}

// NewGuard wraps next.
func NewGuard(next RiskOracle, cfg GuardConfig) *Guard {
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	return &Guard{next: next, cfg: cfg, now: time.Now}
}

// Evaluate implements RiskOracle.
func (g *Guard) Evaluate(ctx context.Context, s Stats) (res Result) {
	if !g.allow() {
		metrics.OracleCalls.WithLabelValues("rejected").Inc()
		return Failure("oracle circuit open")
	}

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	defer func() {
		if res.OK() {
			g.recordSuccess()
			metrics.OracleCalls.WithLabelValues("ok").Inc()
			return
		}
		g.recordFailure()
		metrics.OracleCalls.WithLabelValues("failed").Inc()
	}()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Failure(fmt.Sprintf("oracle panic: %v", r))
			}
		}()
		done <- g.next.Evaluate(ctx, s)
	}()

	select {
	case res = <-done:
		return res
	case <-ctx.Done():
		return Failure(fmt.Sprintf("oracle: %v", ctx.Err()))
	}
}

// State returns the current breaker state.
func (g *Guard) State() BreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Guard) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case BreakerOpen:
		if g.now().Sub(g.lastFailure) >= g.cfg.BreakerCooldown {
			g.transition(BreakerHalfOpen)
			return true
		}
		return false
	case BreakerHalfOpen:
		return false // a trial call is already in flight
	default:
		return true
	}
}

func (g *Guard) recordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
	g.transition(BreakerClosed)
}

func (g *Guard) recordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	g.lastFailure = g.now()
	switch {
	case g.state == BreakerHalfOpen:
		g.transition(BreakerOpen)
	case g.state == BreakerClosed && g.failures >= g.cfg.BreakerThreshold:
		g.transition(BreakerOpen)
	}
}

// transition must be called with g.mu held.
func (g *Guard) transition(to BreakerState) {
	if g.state == to {
		return
	}
	metrics.OracleBreakerTransitions.WithLabelValues(g.state.String(), to.String()).Inc()
	g.state = to
}
