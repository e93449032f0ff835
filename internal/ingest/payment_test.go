package ingest

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/fluxwatch/internal/event"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPaymentValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       Payment
		wantErr string
	}{
		{name: "valid inbound", p: Payment{AccountID: "ACC-1", Amount: 1000, Direction: "IN", EventTime: t0}},
		{name: "lowercase direction", p: Payment{AccountID: "ACC-1", Amount: 5, Direction: " out ", EventTime: t0}},
		{name: "zero amount", p: Payment{AccountID: "ACC-1", Amount: 0, Direction: "IN", EventTime: t0}},
		{name: "blank account", p: Payment{AccountID: "  ", Amount: 1, Direction: "IN", EventTime: t0}, wantErr: "account_id"},
		{name: "negative amount", p: Payment{AccountID: "A", Amount: -1, Direction: "IN", EventTime: t0}, wantErr: "amount"},
		{name: "nan amount", p: Payment{AccountID: "A", Amount: math.NaN(), Direction: "IN", EventTime: t0}, wantErr: "amount"},
		{name: "inf amount", p: Payment{AccountID: "A", Amount: math.Inf(1), Direction: "IN", EventTime: t0}, wantErr: "amount"},
		{name: "unknown direction", p: Payment{AccountID: "A", Amount: 1, Direction: "SIDEWAYS", EventTime: t0}, wantErr: "direction"},
		{name: "missing time", p: Payment{AccountID: "A", Amount: 1, Direction: "IN"}, wantErr: "event_time"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := tt.p.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformed))
				assert.Equal(t, tt.wantErr, RejectReason(err))
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, ev.ID)
			assert.Equal(t, tt.p.Amount, ev.Amount)
			assert.Equal(t, t0, ev.EventTime)
			assert.False(t, ev.ReceivedAt.IsZero())
		})
	}
}

func TestPaymentValidate_KeepsIDAndNormalizes(t *testing.T) {
	ev, err := Payment{ID: "pay-7", AccountID: " ACC-1 ", Amount: 10, Direction: "out", EventTime: t0}.Validate()
	require.NoError(t, err)
	assert.Equal(t, "pay-7", ev.ID)
	assert.Equal(t, "ACC-1", ev.AccountID)
	assert.Equal(t, event.Out, ev.Direction)
}

func TestRejectReason_NonFieldError(t *testing.T) {
	assert.Equal(t, "decode", RejectReason(errors.New("boom")))
}

type fakeSubmitter struct {
	mu       sync.Mutex
	busy     int // number of calls to reject before accepting
	accepted []Payment
}

func (f *fakeSubmitter) IngestAsync(p Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := p.Validate(); err != nil {
		return err
	}
	if f.busy > 0 {
		f.busy--
		return errors.New("queue full")
	}
	f.accepted = append(f.accepted, p)
	return nil
}

func newTestConsumer(sub Submitter) *StreamConsumer {
	return NewStreamConsumer(nil, StreamConfig{Stream: "payments", Group: "g", Consumer: "c"}, sub, nil)
}

func TestStreamConsumer_Handle(t *testing.T) {
	sub := &fakeSubmitter{}
	c := newTestConsumer(sub)
	ctx := context.Background()

	ok := c.handle(ctx, rueidis.XRangeEntry{ID: "1-0", FieldValues: map[string]string{
		"payload": `{"account_id":"ACC-1","amount":250,"direction":"IN","event_time":"2024-03-01T12:00:00Z"}`,
	}})
	assert.True(t, ok)
	require.Len(t, sub.accepted, 1)
	assert.Equal(t, "ACC-1", sub.accepted[0].AccountID)
	assert.Equal(t, t0, sub.accepted[0].EventTime)

	// Malformed entries are acknowledged and never reach the engine.
	assert.True(t, c.handle(ctx, rueidis.XRangeEntry{ID: "2-0", FieldValues: map[string]string{}}))
	assert.True(t, c.handle(ctx, rueidis.XRangeEntry{ID: "3-0", FieldValues: map[string]string{"payload": "{not json"}}))
	assert.True(t, c.handle(ctx, rueidis.XRangeEntry{ID: "4-0", FieldValues: map[string]string{
		"payload": `{"account_id":"ACC-1","amount":-5,"direction":"IN","event_time":"2024-03-01T12:00:00Z"}`,
	}}))
	assert.Len(t, sub.accepted, 1)
}

func TestStreamConsumer_HandleRetriesWhenBusy(t *testing.T) {
	sub := &fakeSubmitter{busy: 2}
	c := newTestConsumer(sub)

	ok := c.handle(context.Background(), rueidis.XRangeEntry{ID: "1-0", FieldValues: map[string]string{
		"payload": `{"account_id":"ACC-1","amount":1,"direction":"OUT","event_time":"2024-03-01T12:00:00Z"}`,
	}})
	assert.True(t, ok)
	assert.Len(t, sub.accepted, 1)
}

func TestStreamConsumer_HandleLeavesPendingOnCancel(t *testing.T) {
	sub := &fakeSubmitter{busy: math.MaxInt}
	c := newTestConsumer(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	ok := c.handle(ctx, rueidis.XRangeEntry{ID: "1-0", FieldValues: map[string]string{
		"payload": `{"account_id":"ACC-1","amount":1,"direction":"OUT","event_time":"2024-03-01T12:00:00Z"}`,
	}})
	assert.False(t, ok)
	assert.Empty(t, sub.accepted)
}
