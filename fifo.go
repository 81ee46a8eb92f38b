package rill

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// fifo runs submitted work one at a time in submission order. Waiters are
// served first come first served; a waiter whose ctx ends leaves the queue
// without disturbing the others.
type fifo struct {
	sem     *semaphore.Weighted
	pending atomic.Int64
}

func newFIFO() *fifo {
	return &fifo{sem: semaphore.NewWeighted(1)}
}

// acquire waits for every earlier submission to finish. The returned release
// must be called exactly once.
func (f *fifo) acquire(ctx context.Context) (func(), error) {
	f.pending.Add(1)
	if err := f.sem.Acquire(ctx, 1); err != nil {
		f.pending.Add(-1)
		return nil, err
	}
	return func() {
		f.sem.Release(1)
		f.pending.Add(-1)
	}, nil
}

// busy reports whether any submission is queued or running.
func (f *fifo) busy() bool {
	return f.pending.Load() > 0
}
