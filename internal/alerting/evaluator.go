// Package alerting turns window updates into alerts.
//
// The decision to alert is made synchronously and deterministically on the
// ingestion path. Only the advisory rationale is fetched asynchronously, on
// a bounded worker pool, so a slow oracle never stalls ingestion and never
// loses an alert.
package alerting

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/fluxwatch/internal/config"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/event"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/metrics"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/oracle"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/rules"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/workerpool"
)

// DefaultThreshold is the outbound/inbound ratio at which an alert fires.
const DefaultThreshold = 0.8

// Publisher receives raised alerts.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event) error
}

// Config holds the evaluator settings.
type Config struct {
	Threshold  float64
	Window     time.Duration // used to derive Alert.WindowStart
	Workers    int
	QueueDepth int
}

// Evaluator subscribes to window updates and publishes alerts.
type Evaluator struct {
	cfg    Config
	oracle oracle.RiskOracle // nil disables rationales
	pub    Publisher
	log    *slog.Logger
	now    func() time.Time

	rules atomic.Pointer[rules.Set]
	pool  *workerpool.Pool[event.Alert]
}

// New creates an Evaluator and starts its rationale workers. ro may be nil.
func New(ctx context.Context, cfg Config, ro oracle.RiskOracle, pub Publisher, log *slog.Logger) *Evaluator {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Evaluator{
		cfg:    cfg,
		oracle: ro,
		pub:    pub,
		log:    log.With("component", "alerting"),
		now:    time.Now,
	}
	e.rules.Store(&rules.Set{})
	if ro != nil {
		// Queued alerts are still explained and delivered after ctx is
		// cancelled; Shutdown drains them.
		e.pool = workerpool.New(context.WithoutCancel(ctx), cfg.Workers, cfg.QueueDepth, e.explainAndPublish)
	}
	return e
}

// SwapRules atomically replaces the supplementary rule set.
func (e *Evaluator) SwapRules(s *rules.Set) {
	if s == nil {
		s = &rules.Set{}
	}
	e.rules.Store(s)
}

// Rules returns the active supplementary rule set.
func (e *Evaluator) Rules() *rules.Set { return e.rules.Load() }

// Ratio is outbound/inbound, or 0 when inbound is 0.
func Ratio(inbound, outbound float64) float64 {
	if inbound > 0 {
		return outbound / inbound
	}
	return 0
}

// Decide applies the deterministic ratio rule to u. It reports false for
// windows with no activity.
func Decide(u event.WindowUpdate, threshold float64, window time.Duration) (event.Alert, bool) {
	if u.InboundTotal == 0 && u.OutboundTotal == 0 {
		return event.Alert{}, false
	}
	ratio := Ratio(u.InboundTotal, u.OutboundTotal)
	if ratio < threshold {
		return event.Alert{}, false
	}
	return newAlert(config.BuiltinRuleID, u, ratio, window), true
}

func newAlert(rule string, u event.WindowUpdate, ratio float64, window time.Duration) event.Alert {
	return event.Alert{
		Rule:          rule,
		AccountID:     u.AccountID,
		InboundTotal:  u.InboundTotal,
		OutboundTotal: u.OutboundTotal,
		Ratio:         ratio,
		WindowStart:   u.WindowEndTime.Add(-window),
		WindowEnd:     u.WindowEndTime,
	}
}

// HandleWindowUpdate evaluates u against the ratio rule and the
// supplementary rules, and raises an alert for each that holds.
func (e *Evaluator) HandleWindowUpdate(ctx context.Context, u event.WindowUpdate) error {
	if u.InboundTotal == 0 && u.OutboundTotal == 0 {
		return nil
	}

	var alerts []event.Alert
	if a, ok := Decide(u, e.cfg.Threshold, e.cfg.Window); ok {
		alerts = append(alerts, a)
	}

	ratio := Ratio(u.InboundTotal, u.OutboundTotal)
	w := rules.Window{
		InboundTotal:  u.InboundTotal,
		OutboundTotal: u.OutboundTotal,
		NetChange:     u.NetChange,
		Ratio:         ratio,
		EventCount:    u.EventCount,
	}
	for _, r := range e.rules.Load().Match(w) {
		alerts = append(alerts, newAlert(r.ID, u, ratio, e.cfg.Window))
	}

	var firstErr error
	for _, a := range alerts {
		a.ID = uuid.NewString()
		a.RaisedAt = e.now()
		if err := e.raise(ctx, a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// raise hands a to the rationale pool, or publishes it straight away when
// there is no oracle or the pool is saturated.
func (e *Evaluator) raise(ctx context.Context, a event.Alert) error {
	if e.pool == nil {
		a.RationaleStatus = event.RationaleDisabled
		return e.publish(ctx, a)
	}
	if e.pool.Submit(a) {
		return nil
	}
	e.log.Warn("rationale queue full, raising alert without rationale",
		"account_id", a.AccountID, "rule", a.Rule)
	a.RationaleStatus = event.RationaleSkipped
	return e.publish(ctx, a)
}

func (e *Evaluator) explainAndPublish(ctx context.Context, a event.Alert) {
	res := e.oracle.Evaluate(ctx, oracle.Stats{
		AccountID:     a.AccountID,
		Rule:          a.Rule,
		InboundTotal:  a.InboundTotal,
		OutboundTotal: a.OutboundTotal,
		Ratio:         a.Ratio,
	})
	if res.OK() {
		a.Rationale = res.Rationale
		a.RationaleStatus = event.RationaleOK
	} else {
		e.log.Warn("rationale unavailable", "account_id", a.AccountID, "rule", a.Rule, "reason", res.Reason)
		a.RationaleStatus = event.RationaleUnavailable
	}
	if err := e.publish(ctx, a); err != nil {
		e.log.Error("alert delivery failed", "alert_id", a.ID, "err", err)
	}
}

func (e *Evaluator) publish(ctx context.Context, a event.Alert) error {
	metrics.AlertsRaised.WithLabelValues(a.Rule, string(a.RationaleStatus)).Inc()
	e.log.Debug("alert raised", "alert_id", a.ID, "account_id", a.AccountID, "rule", a.Rule, "ratio", a.Ratio)
	return e.pub.Publish(ctx, a)
}

// Shutdown waits for queued rationale requests and their alerts.
func (e *Evaluator) Shutdown() {
	if e.pool != nil {
		e.pool.Drain()
	}
}

// QueueLen returns how many alerts are waiting for a rationale.
func (e *Evaluator) QueueLen() int {
	if e.pool == nil {
		return 0
	}
	return e.pool.QueueLen()
}
