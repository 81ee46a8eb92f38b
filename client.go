// Package rill provides live, realtime-merged queries and owner-scoped
// mutations over a relational store that emits row-level change events.
//
// A Client wraps a Store (see providers/) and hands out three kinds of
// objects:
//
//   - LiveQuery: a declarative, filtered, ordered read that stays current by
//     folding the store's change feed into its result set.
//   - Result: an imperative read keyed by a Key whose fetch function receives
//     the Store directly; it refetches when its key is invalidated.
//   - Mutator and Mutation: writes. A Mutator performs create/update/remove
//     against one collection, stamping ownership and timestamps; a Mutation
//     runs an arbitrary write function and invalidates keys on success.
//
// # Quick Start
//
//	store := memory.New()
//	client, err := rill.New(store, rill.WithSession(rill.StaticSession("u1")))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	q := client.Query(rill.QuerySpec{
//	    Collection: "notifications",
//	    Filters:    rill.Filters{"status": status}, // "all" or nil means unfiltered
//	    SoftDelete: true,
//	    Realtime:   true,
//	})
//	defer q.Close()
//	_ = q.Start(ctx)
//
//	for range q.Updates() {
//	    snap := q.Snapshot()
//	    render(snap.Rows, snap.Loading, snap.Err)
//	}
//
//	m := client.Mutator("notifications", rill.OnSuccess(q.Refetch))
//	row, err := m.Create(ctx, rill.Row{"title": "hello"})
//
// Every operation emits capitan signals (see events.go) and, when a Metrics
// value is configured, prometheus counters.
package rill

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Notice is a transient user-facing message raised when a declarative write fails.
type Notice struct {
	Title       string
	Message     string
	Destructive bool
}

// Notifier surfaces notices to the end user.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notice)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notice) {
	f(ctx, n)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notice) {}

// Client is the explicitly constructed entry point shared by every live query
// and mutation in a process. It is safe for concurrent use.
type Client struct {
	store    Store
	session  Session
	notifier Notifier
	clock    func() time.Time
	channel  func(collection string) string
	metrics  *Metrics
	watchers *registry
}

// Option configures a Client.
type Option func(*Client)

// WithSession sets the principal accessor used to stamp and scope writes.
func WithSession(s Session) Option {
	return func(c *Client) {
		c.session = s
	}
}

// WithNotifier sets where failed Mutator writes are reported.
func WithNotifier(n Notifier) Option {
	return func(c *Client) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithClock overrides the time source used for updated_at and deleted_at stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.clock = now
		}
	}
}

// WithMetrics records fetch, mutation, and change-event counters.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New creates a Client over store.
func New(store Store, opts ...Option) (*Client, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	c := &Client{
		store:    store,
		notifier: nopNotifier{},
		clock:    time.Now,
		channel:  channelName,
		watchers: newRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Store returns the underlying store.
func (c *Client) Store() Store {
	return c.store
}

// Invalidate refetches every live query and result watching a key that has
// one of keys as a prefix. It blocks until those refetches finish and
// returns how many were triggered. Refetch errors land in each watcher's own state.
func (c *Client) Invalidate(ctx context.Context, keys ...Key) int {
	if len(keys) == 0 {
		return 0
	}
	matched := c.watchers.match(keys)
	for _, w := range matched {
		_ = w.Refetch(ctx) //nolint:errcheck // recorded by the watcher
	}
	for _, k := range keys {
		c.metrics.invalidated()
		emitInvalidated(ctx, k, len(matched))
	}
	return len(matched)
}

func (c *Client) now() time.Time {
	return c.clock().UTC()
}

// channelName gives every subscription its own channel so two live queries
// over the same collection never share one.
func channelName(collection string) string {
	return collection + "-" + uuid.NewString()
}
