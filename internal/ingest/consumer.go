package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/rueidis"

	"github.com/gyaneshwarpardhi/fluxwatch/internal/metrics"
)

const (
	blockTimeoutMs  = 1000
	errorRetryDelay = time.Second
	busyRetryDelay  = 50 * time.Millisecond
)

// Submitter validates and enqueues a payment without blocking.
type Submitter interface {
	IngestAsync(p Payment) error
}

// StreamConfig names the Redis stream and consumer group to read from.
type StreamConfig struct {
	Stream   string
	Group    string
	Consumer string
	Count    int64
}

// StreamConsumer reads payments from a Redis stream through a consumer
// group. Each entry carries the JSON-encoded Payment in its "payload"
// field. Malformed entries are acknowledged and dropped; entries the
// engine cannot take yet are retried until it can.
//
// Delivery is at-least-once. The consumer first replays its own pending
// entries (delivered earlier but never acknowledged) and only then reads
// new ones, so entries left over from a shutdown or a failed XACK are
// processed again.
type StreamConsumer struct {
	client rueidis.Client
	cfg    StreamConfig
	sink   Submitter
	log    *slog.Logger

	// cursor is the XREADGROUP id: an entry id while replaying the
	// pending list, newEntries once it is empty.
	cursor string
}

const (
	pendingStart = "0"
	newEntries   = ">"
	ackTimeout   = 2 * time.Second
)

// NewStreamConsumer creates a consumer. It does not touch Redis until Run.
func NewStreamConsumer(client rueidis.Client, cfg StreamConfig, sink Submitter, log *slog.Logger) *StreamConsumer {
	if cfg.Count <= 0 {
		cfg.Count = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &StreamConsumer{
		client: client,
		cfg:    cfg,
		sink:   sink,
		log:    log.With("component", "stream_consumer", "stream", cfg.Stream, "group", cfg.Group),
		cursor: pendingStart,
	}
}

// Run creates the consumer group if needed and consumes until ctx is done.
func (c *StreamConsumer) Run(ctx context.Context) error {
	create := c.client.B().XgroupCreate().Key(c.cfg.Stream).Group(c.cfg.Group).Id("0").Mkstream().Build()
	if err := c.client.Do(ctx, create).Error(); err != nil {
		c.log.Debug("consumer group create (may already exist)", "err", err)
	}

	c.log.Info("stream consumer started", "consumer", c.cfg.Consumer, "replaying_pending", c.cursor != newEntries)
	for {
		if ctx.Err() != nil {
			c.log.Info("stream consumer stopped")
			return nil
		}
		if err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.log.Error("reading payment stream", "err", err)
			sleep(ctx, errorRetryDelay)
		}
	}
}

func (c *StreamConsumer) poll(ctx context.Context) error {
	read := c.client.B().Xreadgroup().Group(c.cfg.Group, c.cfg.Consumer).
		Count(c.cfg.Count).
		Block(blockTimeoutMs). // ignored by Redis while replaying pending entries
		Streams().
		Key(c.cfg.Stream).
		Id(c.cursor).
		Build()

	streams, err := c.client.Do(ctx, read).AsXRead()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			c.cursor = advance(c.cursor, nil, false)
			return nil
		}
		return err
	}

	entries := streams[c.cfg.Stream]
	ackFailed := false
	for _, entry := range entries {
		if !c.handle(ctx, entry) {
			// This and the remaining entries stay pending and are replayed
			// on the next start.
			return ctx.Err()
		}
		if err := c.ack(ctx, entry.ID); err != nil {
			ackFailed = true
		}
	}
	if c.cursor == newEntries && len(entries) > 0 {
		c.log.Debug("consumed stream entries", "count", len(entries))
	}
	c.cursor = advance(c.cursor, entries, ackFailed)
	return nil
}

// advance returns the read id that follows a batch read at cursor. While
// replaying, it moves past the last entry and switches to new entries once
// the pending list is exhausted. A failed XACK rewinds to the start of the
// pending list so the entry is replayed.
func advance(cursor string, entries []rueidis.XRangeEntry, ackFailed bool) string {
	switch {
	case ackFailed:
		return pendingStart
	case cursor == newEntries:
		return newEntries
	case len(entries) == 0:
		return newEntries
	default:
		return entries[len(entries)-1].ID
	}
}

// handle submits one entry and reports whether it should be acknowledged.
func (c *StreamConsumer) handle(ctx context.Context, entry rueidis.XRangeEntry) bool {
	p, err := decodeEntry(entry)
	if err != nil {
		metrics.PaymentsRejected.WithLabelValues(RejectReason(err)).Inc()
		c.log.Warn("dropping malformed stream entry", "message_id", entry.ID, "err", err)
		return true
	}

	for {
		err := c.sink.IngestAsync(p)
		switch {
		case err == nil:
			return true
		case errors.Is(err, ErrMalformed):
			c.log.Warn("dropping malformed payment", "message_id", entry.ID, "err", err)
			return true
		}
		// Backpressure: wait for the lane to drain.
		if !sleep(ctx, busyRetryDelay) {
			return false
		}
	}
}

// ack acknowledges a handled entry. It outlives ctx so an entry already
// submitted during shutdown is not replayed needlessly.
func (c *StreamConsumer) ack(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	cmd := c.client.B().Xack().Key(c.cfg.Stream).Group(c.cfg.Group).Id(id).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		c.log.Error("failed to ack message", "message_id", id, "err", err)
		return err
	}
	return nil
}

func decodeEntry(entry rueidis.XRangeEntry) (Payment, error) {
	raw, ok := entry.FieldValues["payload"]
	if !ok {
		return Payment{}, fmt.Errorf("%w: missing payload field", ErrMalformed)
	}
	var p Payment
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payment{}, fmt.Errorf("%w: decode payload: %v", ErrMalformed, err)
	}
	return p, nil
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
