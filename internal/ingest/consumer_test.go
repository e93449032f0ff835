package ingest

import (
	"testing"

	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
)

func entries(ids ...string) []rueidis.XRangeEntry {
	out := make([]rueidis.XRangeEntry, len(ids))
	for i, id := range ids {
		out[i] = rueidis.XRangeEntry{ID: id}
	}
	return out
}

func TestAdvance(t *testing.T) {
	tests := []struct {
		name      string
		cursor    string
		batch     []rueidis.XRangeEntry
		ackFailed bool
		want      string
	}{
		{name: "replay moves past last pending entry", cursor: "0", batch: entries("1-0", "2-0"), want: "2-0"},
		{name: "replay continues from entry id", cursor: "2-0", batch: entries("3-0"), want: "3-0"},
		{name: "empty pending list switches to new entries", cursor: "3-0", batch: nil, want: ">"},
		{name: "fresh start with nothing pending", cursor: "0", batch: entries(), want: ">"},
		{name: "new entries stay new", cursor: ">", batch: entries("9-0"), want: ">"},
		{name: "block timeout stays new", cursor: ">", batch: nil, want: ">"},
		{name: "failed ack rewinds from new entries", cursor: ">", batch: entries("9-0"), ackFailed: true, want: "0"},
		{name: "failed ack rewinds during replay", cursor: "2-0", batch: entries("3-0"), ackFailed: true, want: "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, advance(tt.cursor, tt.batch, tt.ackFailed))
		})
	}
}

func TestStreamConsumer_StartsByReplayingPending(t *testing.T) {
	c := newTestConsumer(&fakeSubmitter{})
	assert.Equal(t, pendingStart, c.cursor)

	// Simulate the read sequence after a shutdown that left two entries pending.
	c.cursor = advance(c.cursor, entries("5-0", "6-0"), false)
	assert.Equal(t, "6-0", c.cursor)
	c.cursor = advance(c.cursor, nil, false)
	assert.Equal(t, newEntries, c.cursor)
}
