package queue

import (
	"context"
	"sync"
	"time"
)

// MemQueue is an in-process Signaler and Consumer for a single coordinator.
type MemQueue struct {
	ch   chan Wakeup
	wait time.Duration

	mu      sync.Mutex
	pending map[string]bool
}

var (
	_ Signaler = (*MemQueue)(nil)
	_ Consumer = (*MemQueue)(nil)
)

func NewMemQueue(size int) *MemQueue {
	if size <= 0 {
		size = 256
	}
	return &MemQueue{
		ch:      make(chan Wakeup, size),
		wait:    pollWait,
		pending: make(map[string]bool),
	}
}

// Signal never blocks. A worker whose wake-up is still queued is not queued
// again, and a signal arriving while the buffer is full is dropped.
func (q *MemQueue) Signal(ctx context.Context, worker string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending[worker] {
		return nil
	}
	select {
	case q.ch <- Wakeup{Worker: worker, At: time.Now().Unix()}:
		q.pending[worker] = true
	default:
	}
	return nil
}

func (q *MemQueue) Next(ctx context.Context) (*Wakeup, error) {
	timer := time.NewTimer(q.wait)
	defer timer.Stop()

	select {
	case w := <-q.ch:
		q.mu.Lock()
		delete(q.pending, w.Worker)
		q.mu.Unlock()
		return &w, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports the number of queued wake-ups.
func (q *MemQueue) Len(ctx context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}
