// Package ingest validates raw payments and feeds them into the engine.
package ingest

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/fluxwatch/internal/event"
)

// ErrMalformed is returned for payments that cannot enter the pipeline.
var ErrMalformed = errors.New("malformed payment")

// Payment is the external representation of a payment as accepted over
// HTTP or from a stream. ID is optional; one is generated when empty.
type Payment struct {
	ID        string    `json:"id,omitempty"`
	AccountID string    `json:"account_id"`
	Amount    float64   `json:"amount"`
	Direction string    `json:"direction"`
	EventTime time.Time `json:"event_time"`
}

// FieldError reports which field made a payment malformed.
type FieldError struct {
	Field string
	Msg   string
}

func (e *FieldError) Error() string { return fmt.Sprintf("%s: %s: %s", ErrMalformed, e.Field, e.Msg) }

func (e *FieldError) Unwrap() error { return ErrMalformed }

func invalid(field, format string, args ...any) error {
	return &FieldError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Validate checks p and converts it to a PaymentEvent. Errors wrap ErrMalformed.
func (p Payment) Validate() (event.PaymentEvent, error) {
	account := strings.TrimSpace(p.AccountID)
	if account == "" {
		return event.PaymentEvent{}, invalid("account_id", "required")
	}
	if math.IsNaN(p.Amount) || math.IsInf(p.Amount, 0) {
		return event.PaymentEvent{}, invalid("amount", "must be finite")
	}
	if p.Amount < 0 {
		return event.PaymentEvent{}, invalid("amount", "must not be negative, got %v", p.Amount)
	}
	dir, err := event.ParseDirection(p.Direction)
	if err != nil {
		return event.PaymentEvent{}, invalid("direction", "%v", err)
	}
	if p.EventTime.IsZero() {
		return event.PaymentEvent{}, invalid("event_time", "required")
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	return event.PaymentEvent{
		ID:         id,
		AccountID:  account,
		Amount:     p.Amount,
		Direction:  dir,
		EventTime:  p.EventTime,
		ReceivedAt: time.Now(),
	}, nil
}

// RejectReason returns the offending field of a validation error, for
// metric labels.
func RejectReason(err error) string {
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe.Field
	}
	return "decode"
}
