package rill

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
)

// QueryFunc is an ad hoc read. It receives the Store directly and may return
// any shape of data.
type QueryFunc[T any] func(ctx context.Context, s Store) (T, error)

// State is the observable state of a Result.
type State[T any] struct {
	Data    T
	Loaded  bool
	Loading bool
	Err     error
}

// Result is an imperative query identified by a Key. It refetches whenever a
// key it holds is invalidated through the Client.
type Result[T any] struct {
	c   *Client
	key Key
	fn  QueryFunc[T]

	mu       sync.Mutex
	data     T
	loaded   bool
	err      error
	inflight int
	gen      uint64
	started  bool
	closed   bool
	updates  *updates

	life    context.Context
	cancel  context.CancelFunc
	watchID uint64
}

// Fetch creates a Result for key backed by fn. Nothing runs until Start.
func Fetch[T any](c *Client, key Key, fn QueryFunc[T]) *Result[T] {
	return &Result[T]{
		c:       c,
		key:     slices.Clone(key),
		fn:      fn,
		updates: newUpdates(),
	}
}

// Start binds the result to ctx and runs the first fetch. Cancelling ctx has
// the same effect as Close.
func (r *Result[T]) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.started {
		r.mu.Unlock()
		return r.fetch(ctx)
	}
	r.started = true
	r.life, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	context.AfterFunc(r.life, func() {
		_ = r.Close() //nolint:errcheck // teardown on parent cancellation
	})
	id := r.c.watchers.add(r)
	r.mu.Lock()
	r.watchID = id
	closed := r.closed
	r.mu.Unlock()
	if closed {
		r.c.watchers.remove(id)
		return ErrClosed
	}
	return r.fetch(ctx)
}

// Refetch runs the query function again and replaces the data.
func (r *Result[T]) Refetch(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return r.Start(ctx)
	}
	return r.fetch(ctx)
}

// State returns the current data, loading flag, and last error.
func (r *Result[T]) State() State[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State[T]{
		Data:    r.data,
		Loaded:  r.loaded,
		Loading: r.inflight > 0,
		Err:     r.err,
	}
}

// Updates delivers a signal whenever the state may have changed. The channel
// is closed by Close.
func (r *Result[T]) Updates() <-chan struct{} {
	return r.updates.ch
}

// Keys returns the key this result was created with.
func (r *Result[T]) Keys() []Key {
	return []Key{r.key}
}

// Close cancels in-flight fetches and stops reacting to invalidation.
func (r *Result[T]) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.cancel != nil {
		r.cancel()
	}
	r.updates.close()
	watchID := r.watchID
	r.mu.Unlock()

	if watchID != 0 {
		r.c.watchers.remove(watchID)
	}
	return nil
}

func (r *Result[T]) fetch(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.gen++
	gen := r.gen
	life := r.life
	r.inflight++
	r.updates.notify()
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(life, cancel)
	defer stop()

	start := time.Now()
	data, err := r.fn(ctx, r.c.store)
	ms := time.Since(start).Milliseconds()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight--
	if r.closed {
		return ErrClosed
	}
	r.updates.notify()
	if gen != r.gen {
		return err
	}

	key := r.key.String()
	if err != nil {
		r.err = err
		r.c.metrics.fetched(key, err)
		capitan.Error(ctx, FetchFailed,
			KeyKey.Field(key),
			DurationMsKey.Field(ms),
			ErrorKey.Field(err.Error()),
		)
		return err
	}
	r.err = nil
	r.data = data
	r.loaded = true
	r.c.metrics.fetched(key, nil)
	capitan.Info(ctx, FetchCompleted,
		KeyKey.Field(key),
		DurationMsKey.Field(ms),
	)
	return nil
}

var _ Live = (*Result[int])(nil)
