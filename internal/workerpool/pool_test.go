package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ProcessesAllBeforeDrainReturns(t *testing.T) {
	var n atomic.Int64
	p := New(context.Background(), 4, 100, func(_ context.Context, v int) {
		n.Add(int64(v))
	})
	for i := 1; i <= 10; i++ {
		require.True(t, p.Submit(i))
	}
	p.Drain()
	assert.Equal(t, int64(55), n.Load())
}

func TestPool_SubmitFailsWhenFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	p := New(context.Background(), 1, 1, func(_ context.Context, _ int) {
		once.Do(func() { close(started) })
		<-block
	})

	require.True(t, p.Submit(1))
	<-started // worker holds item 1
	require.True(t, p.Submit(2))
	assert.False(t, p.Submit(3), "queue of one is full")
	assert.Equal(t, 1, p.QueueLen())
	assert.Equal(t, 1, p.QueueCap())

	close(block)
	p.Drain()
}

func TestPool_SubmitAfterDrain(t *testing.T) {
	p := New(context.Background(), 1, 1, func(context.Context, int) {})
	p.Drain()
	assert.False(t, p.Submit(1))
	p.Drain() // idempotent
}
