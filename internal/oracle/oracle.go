// Package oracle defines the advisory risk oracle consulted for alert
// rationales, plus adapters for it. An oracle never decides whether an
// alert is raised; it only explains one.
package oracle

import "context"

// Stats is the aggregated window handed to the oracle.
type Stats struct {
	AccountID     string
	Rule          string
	InboundTotal  float64
	OutboundTotal float64
	Ratio         float64
}

// Result is either a rationale or the reason none is available.
type Result struct {
	Rationale string
	Reason    string
	ok        bool
}

// Success returns a Result carrying rationale text.
func Success(rationale string) Result { return Result{Rationale: rationale, ok: true} }

// Failure returns a Result recording why no rationale was produced.
func Failure(reason string) Result { return Result{Reason: reason} }

// OK reports whether a rationale was produced.
func (r Result) OK() bool { return r.ok }

// RiskOracle produces a human-readable rationale for a window. Failures are
// reported through Result, never by panicking or blocking past ctx.
type RiskOracle interface {
	Evaluate(ctx context.Context, s Stats) Result
}

// Func adapts an ordinary function to RiskOracle.
type Func func(ctx context.Context, s Stats) Result

func (f Func) Evaluate(ctx context.Context, s Stats) Result { return f(ctx, s) }

// Static always returns the same rationale.
type Static string

func (s Static) Evaluate(context.Context, Stats) Result { return Success(string(s)) }
