package rill

import (
	"context"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
)

// QuerySpec describes a declarative live query.
type QuerySpec struct {
	Collection string
	// Columns is the select projection; empty selects every column.
	Columns []string
	Filters Filters
	// Order defaults to DefaultOrder.
	Order *Order
	// Limit bounds the fetch; zero means unlimited.
	Limit int
	// SoftDelete adds an implicit "deleted_at IS NULL" predicate.
	SoftDelete bool
	// Realtime keeps the result set current from the store's change feed.
	Realtime bool
	// Watch lists extra keys whose invalidation refetches this query.
	Watch []Key
}

// request builds the store read for the spec.
func (s QuerySpec) request() ReadRequest {
	preds := s.Filters.Predicates()
	if s.SoftDelete {
		preds = append(preds, IsNull(ColumnDeletedAt))
	}
	order := DefaultOrder
	if s.Order != nil {
		order = *s.Order
	}
	return ReadRequest{
		Collection: s.Collection,
		Columns:    readColumns(s.Columns, preds, order),
		Predicates: preds,
		Order:      &order,
		Limit:      s.Limit,
	}
}

// readColumns widens a projection with the columns the merge needs: id to
// match change events, the order column, and every predicate field so
// updates can be re-checked against the filters.
func readColumns(columns []string, preds []Predicate, order Order) []string {
	if len(columns) == 0 {
		return nil
	}
	out := slices.Clone(columns)
	add := func(col string) {
		if !slices.Contains(out, col) {
			out = append(out, col)
		}
	}
	add(ColumnID)
	add(order.Column)
	for _, p := range preds {
		add(p.Field)
	}
	return out
}

// sameRead reports whether two specs issue the same read, compared by value.
func sameRead(a, b QuerySpec) bool {
	return reflect.DeepEqual(a.request(), b.request())
}

// Snapshot is the observable state of a LiveQuery.
type Snapshot struct {
	Rows    []Row
	Loading bool
	Err     error
}

// LiveQuery is a declarative read whose result set is kept current by
// refetches and, when enabled, the store's change feed.
type LiveQuery struct {
	c *Client

	mu       sync.Mutex
	spec     QuerySpec
	set      *resultSet
	err      error
	inflight int
	gen      uint64
	started  bool
	closed   bool
	updates  *updates

	life    context.Context
	cancel  context.CancelFunc
	watchID uint64

	sub *channelSub
}

// channelSub is one open realtime subscription.
type channelSub struct {
	sub     Subscription
	channel string
	done    chan struct{}
}

// Query creates a LiveQuery. Nothing is fetched until Start.
func (c *Client) Query(spec QuerySpec) *LiveQuery {
	return &LiveQuery{
		c:       c,
		spec:    spec,
		set:     newResultSet(spec),
		updates: newUpdates(),
	}
}

// Start binds the query to ctx, opens the realtime subscription if enabled,
// and performs the first fetch. Cancelling ctx has the same effect as Close.
func (q *LiveQuery) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.started {
		q.mu.Unlock()
		return q.Refetch(ctx)
	}
	if q.spec.Collection == "" {
		q.mu.Unlock()
		return ErrEmptyCollection
	}
	q.started = true
	q.life, q.cancel = context.WithCancel(ctx)
	realtime := q.spec.Realtime
	q.mu.Unlock()

	context.AfterFunc(q.life, func() {
		_ = q.Close() //nolint:errcheck // teardown on parent cancellation
	})
	id := q.c.watchers.add(q)
	q.mu.Lock()
	q.watchID = id
	closed := q.closed
	q.mu.Unlock()
	if closed {
		q.c.watchers.remove(id)
		return ErrClosed
	}

	if realtime {
		if err := q.subscribe(); err != nil {
			q.mu.Lock()
			q.err = err
			q.updates.notify()
			q.mu.Unlock()
			return err
		}
	}
	return q.fetch(ctx)
}

// Refetch re-runs the query and replaces the result set with its rows.
func (q *LiveQuery) Refetch(ctx context.Context) error {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if !started {
		return q.Start(ctx)
	}
	return q.fetch(ctx)
}

// Snapshot returns the current rows, loading flag, and last read error.
// Rows are copies the caller may keep.
func (q *LiveQuery) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Snapshot{
		Rows:    q.set.rows(),
		Loading: q.inflight > 0,
		Err:     q.err,
	}
}

// Rows returns the current merged view.
func (q *LiveQuery) Rows() []Row {
	return q.Snapshot().Rows
}

// Count returns how many rows of the current view satisfy pred.
// A nil pred counts every row.
func (q *LiveQuery) Count(pred func(Row) bool) int {
	q.mu.Lock()
	rows := q.set.rows()
	q.mu.Unlock()

	if pred == nil {
		return len(rows)
	}
	n := 0
	for _, r := range rows {
		if pred(r) {
			n++
		}
	}
	return n
}

// Updates delivers a signal whenever the snapshot may have changed. Signals
// coalesce; the channel is closed by Close.
func (q *LiveQuery) Updates() <-chan struct{} {
	return q.updates.ch
}

// Keys returns the invalidation keys this query watches.
func (q *LiveQuery) Keys() []Key {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]Key, 0, len(q.spec.Watch)+1)
	keys = append(keys, KeyFor(q.spec.Collection))
	return append(keys, q.spec.Watch...)
}

// Spec returns the current query description.
func (q *LiveQuery) Spec() QuerySpec {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.spec
}

// Reconfigure replaces the query description. The result set is refetched
// only when the read differs by value; the realtime subscription is reopened
// when the collection changes or toggled when the realtime flag flips.
// Rows stay visible until the new fetch lands.
func (q *LiveQuery) Reconfigure(ctx context.Context, spec QuerySpec) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	old := q.spec
	q.spec = spec
	if !q.started {
		q.set = newResultSet(spec)
		q.mu.Unlock()
		return nil
	}

	refetch := !sameRead(old, spec)
	resubscribe := old.Collection != spec.Collection || old.Realtime != spec.Realtime
	if refetch {
		prev := q.set.rows()
		q.set = newResultSet(spec)
		q.set.seed(prev)
		q.gen++ // results of older fetches no longer apply
	}
	q.mu.Unlock()

	if resubscribe {
		q.unsubscribe()
		if spec.Realtime {
			if err := q.subscribe(); err != nil {
				return err
			}
		}
	}
	if refetch {
		return q.fetch(ctx)
	}
	return nil
}

// Close tears down the subscription, cancels in-flight fetches, and drops
// any result that lands afterwards. It is safe to call more than once.
func (q *LiveQuery) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.cancel != nil {
		q.cancel()
	}
	q.updates.close()
	watchID := q.watchID
	q.mu.Unlock()

	if watchID != 0 {
		q.c.watchers.remove(watchID)
	}
	q.unsubscribe()
	return nil
}

func (q *LiveQuery) fetch(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.gen++
	gen := q.gen
	issuedAt := q.set.issued()
	req := q.spec.request()
	life := q.life
	q.inflight++
	q.updates.notify()
	q.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(life, cancel)
	defer stop()

	start := time.Now()
	rows, err := q.c.store.Read(ctx, req)
	ms := time.Since(start).Milliseconds()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight--
	if q.closed {
		return ErrClosed
	}
	q.updates.notify()
	if gen != q.gen {
		// Superseded by a newer fetch or a reconfigure.
		return err
	}
	if err != nil {
		q.err = newStoreError("read", req.Collection, err)
		q.c.metrics.fetched(req.Collection, err)
		capitan.Error(ctx, FetchFailed,
			CollectionKey.Field(req.Collection),
			DurationMsKey.Field(ms),
			ErrorKey.Field(err.Error()),
		)
		return q.err
	}

	q.err = nil
	q.set.reset(rows, issuedAt)
	q.c.metrics.fetched(req.Collection, nil)
	capitan.Info(ctx, FetchCompleted,
		CollectionKey.Field(req.Collection),
		DurationMsKey.Field(ms),
		RowsReturnedKey.Field(len(rows)),
	)
	return nil
}

func (q *LiveQuery) subscribe() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	collection := q.spec.Collection
	life := q.life
	q.mu.Unlock()

	channel := q.c.channel(collection)
	sub, err := q.c.store.Subscribe(life, collection, channel)
	if err != nil {
		return newStoreError("subscribe", collection, err)
	}
	cs := &channelSub{sub: sub, channel: channel, done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		_ = sub.Close() //nolint:errcheck // closed while subscribing
		return ErrClosed
	}
	q.sub = cs
	q.mu.Unlock()

	q.c.metrics.subscribed(1)
	capitan.Info(life, SubscriptionOpened,
		CollectionKey.Field(collection),
		ChannelKey.Field(channel),
	)
	go q.consume(cs, collection)
	return nil
}

func (q *LiveQuery) consume(cs *channelSub, collection string) {
	defer close(cs.done)
	for ev := range cs.sub.Events() {
		q.apply(cs, collection, ev)
	}
}

func (q *LiveQuery) apply(cs *channelSub, collection string, ev ChangeEvent) {
	q.mu.Lock()
	if q.closed || q.sub != cs || q.spec.Collection != collection {
		q.mu.Unlock()
		return
	}
	changed := q.set.apply(ev)
	if changed {
		q.updates.notify()
	}
	life := q.life
	q.mu.Unlock()

	q.c.metrics.changed(collection, ev.Type, changed)
	signal := ChangeIgnored
	if changed {
		signal = ChangeApplied
	}
	capitan.Debug(life, signal,
		CollectionKey.Field(collection),
		EventTypeKey.Field(string(ev.Type)),
		RowIDKey.Field(ev.ID()),
	)
}

// unsubscribe closes the current subscription and waits for its consumer.
func (q *LiveQuery) unsubscribe() {
	q.mu.Lock()
	cs := q.sub
	q.sub = nil
	collection := q.spec.Collection
	q.mu.Unlock()
	if cs == nil {
		return
	}

	_ = cs.sub.Close() //nolint:errcheck // nothing to recover on teardown
	<-cs.done
	q.c.metrics.subscribed(-1)
	capitan.Info(context.Background(), SubscriptionClosed,
		CollectionKey.Field(collection),
		ChannelKey.Field(cs.channel),
	)
}

// updates is a coalescing change signal.
type updates struct {
	ch     chan struct{}
	closed bool
}

func newUpdates() *updates {
	return &updates{ch: make(chan struct{}, 1)}
}

// notify and close must be called with the owner's lock held.
func (u *updates) notify() {
	if u.closed {
		return
	}
	select {
	case u.ch <- struct{}{}:
	default:
	}
}

func (u *updates) close() {
	if u.closed {
		return
	}
	u.closed = true
	// A pending signal would reach receivers ahead of the close.
	select {
	case <-u.ch:
	default:
	}
	close(u.ch)
}

var _ Live = (*LiveQuery)(nil)
