package rill

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
)

// MutationFunc is an arbitrary write: multi-row changes, derived fields,
// stored procedures. It receives the Store directly.
type MutationFunc[In, Out any] func(ctx context.Context, s Store, in In) (Out, error)

// Mutation runs a MutationFunc and, on success, invalidates its keys so
// watching queries refetch. Runs on one Mutation are serialized in
// submission order. Unlike Mutator, failures are not reported to the Notifier.
type Mutation[In, Out any] struct {
	c          *Client
	fn         MutationFunc[In, Out]
	invalidate []Key

	queue *fifo

	mu   sync.Mutex
	data Out
	err  error
}

// NewMutation creates a Mutation over fn that invalidates keys on success.
func NewMutation[In, Out any](c *Client, fn MutationFunc[In, Out], invalidate ...Key) *Mutation[In, Out] {
	return &Mutation[In, Out]{
		c:          c,
		fn:         fn,
		invalidate: slices.Clone(invalidate),
		queue:      newFIFO(),
	}
}

// Run executes the mutation with in.
func (m *Mutation[In, Out]) Run(ctx context.Context, in In) (Out, error) {
	var zero Out
	label := m.label()

	release, err := m.queue.acquire(ctx)
	if err != nil {
		m.record(zero, err)
		return zero, err
	}
	defer release()

	start := time.Now()
	out, err := m.fn(ctx, m.c.store, in)
	ms := time.Since(start).Milliseconds()
	if err != nil {
		m.record(zero, err)
		m.c.metrics.mutated(label, "func", outcomeError)
		capitan.Error(ctx, MutationFailed,
			KeyKey.Field(label),
			OperationKey.Field("func"),
			DurationMsKey.Field(ms),
			ErrorKey.Field(err.Error()),
		)
		return zero, err
	}

	m.record(out, nil)
	m.c.metrics.mutated(label, "func", outcomeSuccess)
	capitan.Info(ctx, MutationCompleted,
		KeyKey.Field(label),
		OperationKey.Field("func"),
		DurationMsKey.Field(ms),
	)
	if len(m.invalidate) > 0 {
		m.c.Invalidate(ctx, m.invalidate...)
	}
	return out, nil
}

// Loading reports whether a run is queued or in flight.
func (m *Mutation[In, Out]) Loading() bool {
	return m.queue.busy()
}

// Data returns the output of the most recent successful run.
func (m *Mutation[In, Out]) Data() Out {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

// Err returns the error of the most recent run.
func (m *Mutation[In, Out]) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Mutation[In, Out]) record(out Out, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	if err == nil {
		m.data = out
	}
}

func (m *Mutation[In, Out]) label() string {
	if len(m.invalidate) == 0 {
		return "[]"
	}
	return m.invalidate[0].String()
}
