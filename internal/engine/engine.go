// Package engine wires ingestion lanes, the event bus, the window
// aggregator, the alert evaluator and the alert sinks into one pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/fluxwatch/internal/alerting"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/bus"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/config"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/event"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/ingest"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/metrics"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/oracle"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/rules"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/window"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/workerpool"
)

var (
	// ErrQueueFull is returned when the payment's lane cannot take more work.
	ErrQueueFull = errors.New("ingestion queue full")
	// ErrTimeout is returned by IngestSync when processing outlives EventTimeout.
	ErrTimeout = errors.New("payment processing timeout")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("engine is shut down")
)

// AlertSink receives every raised alert.
type AlertSink interface {
	Handle(ctx context.Context, a event.Alert) error
}

// AlertSinkFunc adapts a function to AlertSink.
type AlertSinkFunc func(ctx context.Context, a event.Alert) error

func (f AlertSinkFunc) Handle(ctx context.Context, a event.Alert) error { return f(ctx, a) }

// Config holds the pipeline settings.
type Config struct {
	Window          time.Duration
	Threshold       float64
	Lanes           int
	QueueDepth      int // total across lanes
	EventTimeout    time.Duration
	BusPolicy       bus.Policy
	AlertWorkers    int
	AlertQueueDepth int
}

// ConfigFrom maps the file configuration onto engine settings.
func ConfigFrom(c *config.Config) (Config, error) {
	policy, err := bus.ParsePolicy(c.Engine.BusPolicy)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Window:          c.Window.Duration,
		Threshold:       c.Alerting.RatioThreshold,
		Lanes:           c.Engine.Lanes,
		QueueDepth:      c.Engine.QueueDepth,
		EventTimeout:    time.Duration(c.Engine.EventTimeoutMs) * time.Millisecond,
		BusPolicy:       policy,
		AlertWorkers:    c.Alerting.Workers,
		AlertQueueDepth: c.Alerting.QueueDepth,
	}, nil
}

// Receipt is the outcome of processing a single payment.
type Receipt struct {
	EventID    string             `json:"event_id"`
	AccountID  string             `json:"account_id"`
	DurationMs int64              `json:"duration_ms"`
	Window     event.WindowUpdate `json:"window"`
	Error      string             `json:"error,omitempty"`
}

type work struct {
	ev      event.PaymentEvent
	resultC chan *Receipt // nil for async submissions
}

// Engine processes payments. Payments for one account always land on the
// same lane and are processed in submission order.
type Engine struct {
	conf  Config
	log   *slog.Logger
	bus   *bus.Bus
	agg   *window.Aggregator
	eval  *alerting.Evaluator
	lanes []*workerpool.Pool[*work]

	closed atomic.Bool
}

// New builds the pipeline and starts its workers. ro may be nil to run
// without rationales. Sinks are subscribed to alerts in the order given.
func New(ctx context.Context, conf Config, ro oracle.RiskOracle, log *slog.Logger, sinks ...AlertSink) *Engine {
	if conf.Window <= 0 {
		conf.Window = window.DefaultDuration
	}
	if conf.Lanes <= 0 {
		conf.Lanes = 1
	}
	if conf.QueueDepth < conf.Lanes {
		conf.QueueDepth = conf.Lanes
	}
	if conf.EventTimeout <= 0 {
		conf.EventTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	e := &Engine{
		conf: conf,
		log:  log.With("component", "engine"),
		bus:  bus.New(conf.BusPolicy),
	}
	e.agg = window.New(window.Config{Duration: conf.Window}, e.bus)
	e.eval = alerting.New(ctx, alerting.Config{
		Threshold:  conf.Threshold,
		Window:     conf.Window,
		Workers:    conf.AlertWorkers,
		QueueDepth: conf.AlertQueueDepth,
	}, ro, e.bus, log)

	bus.On(e.bus, e.agg.HandlePayment)
	bus.On(e.bus, e.eval.HandleWindowUpdate)
	for _, s := range sinks {
		bus.On(e.bus, s.Handle)
	}

	perLane := conf.QueueDepth / conf.Lanes
	e.lanes = make([]*workerpool.Pool[*work], conf.Lanes)
	for i := range e.lanes {
		e.lanes[i] = workerpool.New(ctx, 1, perLane, e.process)
	}
	return e
}

// Bus exposes the event bus so callers can attach further subscribers.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// SwapRules atomically replaces the supplementary rules (used on hot-reload).
func (e *Engine) SwapRules(s *rules.Set) { e.eval.SwapRules(s) }

// ApplyRules validates cfg, compiles its rules and swaps them in. It
// returns the number of enabled rules. On error the active rules are kept.
func (e *Engine) ApplyRules(cfg *config.Config) (int, error) {
	if err := config.Validate(cfg); err != nil {
		return 0, err
	}
	set, err := rules.Build(cfg.Rules)
	if err != nil {
		return 0, err
	}
	e.SwapRules(set)
	return set.Len(), nil
}

// BindRules keeps the supplementary rules in step with l. A reloaded
// config whose rules do not compile is rejected, so l keeps reporting the
// config whose rules are active.
func (e *Engine) BindRules(l *config.Loader) {
	l.OnChange(func(cfg *config.Config) error {
		n, err := e.ApplyRules(cfg)
		if err != nil {
			e.log.Warn("rules reload rejected", "err", err)
			return err
		}
		e.log.Info("rules reloaded", "version", cfg.Version, "supplementary", n)
		if cfg.Window.Duration != e.conf.Window || cfg.Alerting.RatioThreshold != e.conf.Threshold {
			e.log.Warn("window or threshold changed; restart to apply",
				"window", cfg.Window.Duration, "threshold", cfg.Alerting.RatioThreshold)
		}
		return nil
	})
}

// Rules returns the active supplementary rules.
func (e *Engine) Rules() *rules.Set { return e.eval.Rules() }

// Window returns the current aggregate for an account.
func (e *Engine) Window(accountID string) (event.WindowUpdate, bool) {
	return e.agg.Window(accountID)
}

// Accounts returns the number of accounts with window state.
func (e *Engine) Accounts() int { return e.agg.Accounts() }

// WindowDuration returns the configured window length.
func (e *Engine) WindowDuration() time.Duration { return e.agg.Duration() }

// IngestSync validates p, processes it and returns the account window as
// it stands right after p.
func (e *Engine) IngestSync(ctx context.Context, p ingest.Payment) (*Receipt, error) {
	ev, err := e.validate(p)
	if err != nil {
		return nil, err
	}
	resultC := make(chan *Receipt, 1)
	if err := e.submit(&work{ev: ev, resultC: resultC}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(e.conf.EventTimeout)
	defer timer.Stop()
	select {
	case r := <-resultC:
		return r, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %v", ErrTimeout, e.conf.EventTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IngestAsync validates p and enqueues it for background processing.
func (e *Engine) IngestAsync(p ingest.Payment) error {
	ev, err := e.validate(p)
	if err != nil {
		return err
	}
	return e.submit(&work{ev: ev})
}

func (e *Engine) validate(p ingest.Payment) (event.PaymentEvent, error) {
	ev, err := p.Validate()
	if err != nil {
		metrics.PaymentsRejected.WithLabelValues(ingest.RejectReason(err)).Inc()
		return event.PaymentEvent{}, err
	}
	return ev, nil
}

func (e *Engine) submit(w *work) error {
	if e.closed.Load() {
		return ErrClosed
	}
	lane := e.lanes[laneFor(w.ev.AccountID, len(e.lanes))]
	if !lane.Submit(w) {
		if e.closed.Load() {
			return ErrClosed
		}
		metrics.PaymentsRejected.WithLabelValues("queue_full").Inc()
		return fmt.Errorf("%w (capacity %d per lane)", ErrQueueFull, lane.QueueCap())
	}
	metrics.PaymentsEnqueued.Inc()
	return nil
}

func laneFor(accountID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	return int(h.Sum32() % uint32(n))
}

func (e *Engine) process(ctx context.Context, w *work) {
	start := time.Now()

	r := &Receipt{EventID: w.ev.ID, AccountID: w.ev.AccountID}
	if err := e.bus.Publish(ctx, w.ev); err != nil {
		e.log.Error("payment handlers failed", "event_id", w.ev.ID, "account_id", w.ev.AccountID, "err", err)
		r.Error = err.Error()
	}
	// The lane is the only writer for this account, so this is the state w.ev produced.
	r.Window, _ = e.agg.Window(w.ev.AccountID)

	elapsed := time.Since(start)
	r.DurationMs = elapsed.Milliseconds()
	metrics.PaymentProcessingDuration.Observe(float64(elapsed.Microseconds()) / 1000)

	if w.resultC != nil {
		w.resultC <- r
	}
}

// QueueUtilization returns queued payments / capacity across all lanes (0–1).
func (e *Engine) QueueUtilization() float64 {
	var used, total int
	for _, l := range e.lanes {
		used += l.QueueLen()
		total += l.QueueCap()
	}
	if total == 0 {
		return 0
	}
	u := float64(used) / float64(total)
	metrics.QueueUtilization.Set(u)
	return u
}

// MaxLaneUtilization returns the utilization of the fullest lane (0–1).
// A single hot account can fill its lane and get ErrQueueFull while the
// average stays low.
func (e *Engine) MaxLaneUtilization() float64 {
	var max float64
	for _, l := range e.lanes {
		if c := l.QueueCap(); c > 0 {
			if u := float64(l.QueueLen()) / float64(c); u > max {
				max = u
			}
		}
	}
	metrics.MaxLaneUtilization.Set(max)
	return max
}

// Shutdown stops accepting payments, drains the lanes and then waits for
// pending alert rationales.
func (e *Engine) Shutdown() {
	if e.closed.Swap(true) {
		return
	}
	for _, l := range e.lanes {
		l.Drain()
	}
	e.eval.Shutdown()
}
