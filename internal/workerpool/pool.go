// Package workerpool provides a fixed-size goroutine pool fed by a bounded queue.
package workerpool

import (
	"context"
	"sync"
)

// Pool runs fn for every submitted item on n goroutines.
type Pool[T any] struct {
	queue   chan T
	process func(ctx context.Context, t T)
	wg      sync.WaitGroup

	mu     sync.RWMutex // guards closed against concurrent Submit/Drain
	closed bool
}

// New creates and starts a pool with n goroutines and queue capacity depth.
func New[T any](ctx context.Context, n, depth int, fn func(context.Context, T)) *Pool[T] {
	if n <= 0 {
		n = 1
	}
	if depth < 0 {
		depth = 0
	}
	p := &Pool[T]{
		queue:   make(chan T, depth),
		process: fn,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
	return p
}

func (p *Pool[T]) run(ctx context.Context) {
	for {
		select {
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(ctx, item)
		case <-ctx.Done():
			return
		}
	}
}

// Submit enqueues an item without blocking. It returns false when the
// queue is full or the pool has been drained.
func (p *Pool[T]) Submit(t T) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- t:
		return true
	default:
		return false
	}
}

// Drain stops accepting work and waits for queued items to finish.
// Items still queued when the pool context is cancelled are discarded.
func (p *Pool[T]) Drain() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// QueueLen returns how many items are currently queued.
func (p *Pool[T]) QueueLen() int {
	return len(p.queue)
}

// QueueCap returns the total queue capacity.
func (p *Pool[T]) QueueCap() int {
	return cap(p.queue)
}
