package event

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies an event type on the bus. Dispatch matches it exactly.
type Kind string

const (
	KindPayment      Kind = "payment"
	KindWindowUpdate Kind = "window_update"
	KindAlert        Kind = "alert"
)

// Event is implemented by every value published on the bus.
type Event interface {
	Kind() Kind
}

// Direction is the flow of funds relative to the monitored account.
type Direction string

const (
	In  Direction = "IN"
	Out Direction = "OUT"
)

// ParseDirection accepts "IN" or "OUT" (case-insensitive, surrounding space ignored).
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToUpper(strings.TrimSpace(s))) {
	case In:
		return In, nil
	case Out:
		return Out, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// PaymentEvent is a single observed credit or debit. EventTime is the
// clock the window is anchored to; ReceivedAt is informational only.
type PaymentEvent struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	Amount     float64   `json:"amount"`
	Direction  Direction `json:"direction"`
	EventTime  time.Time `json:"event_time"`
	ReceivedAt time.Time `json:"-"`
}

func (PaymentEvent) Kind() Kind { return KindPayment }

// WindowUpdate is the aggregate for one account after one payment.
type WindowUpdate struct {
	AccountID     string    `json:"account_id"`
	WindowEndTime time.Time `json:"window_end_time"`
	InboundTotal  float64   `json:"inbound_total"`
	OutboundTotal float64   `json:"outbound_total"`
	NetChange     float64   `json:"net_change"`
	EventCount    int       `json:"event_count"`
}

func (WindowUpdate) Kind() Kind { return KindWindowUpdate }

// RationaleStatus records what happened when a rationale was requested.
type RationaleStatus string

const (
	RationaleOK          RationaleStatus = "ok"
	RationaleUnavailable RationaleStatus = "unavailable" // oracle failed or timed out
	RationaleDisabled    RationaleStatus = "disabled"    // no oracle configured
	RationaleSkipped     RationaleStatus = "skipped"     // oracle queue full
)

// Alert is raised when a detection rule holds for a window.
type Alert struct {
	ID              string          `json:"id"`
	Rule            string          `json:"rule"`
	AccountID       string          `json:"account_id"`
	InboundTotal    float64         `json:"inbound_total"`
	OutboundTotal   float64         `json:"outbound_total"`
	Ratio           float64         `json:"ratio"`
	WindowStart     time.Time       `json:"window_start"`
	WindowEnd       time.Time       `json:"window_end"`
	Rationale       string          `json:"rationale,omitempty"`
	RationaleStatus RationaleStatus `json:"rationale_status"`
	RaisedAt        time.Time       `json:"raised_at"`
}

func (Alert) Kind() Kind { return KindAlert }
