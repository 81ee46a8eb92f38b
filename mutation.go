package rill

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
)

// Mutator operation names, used in signals and metrics.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpRemove = "remove"
)

// Mutator writes to one collection on behalf of the session principal.
// Creates are stamped with user_id; updates and removes only reach rows the
// principal owns. Calls on one Mutator run one at a time in submission order.
// Failures are returned, kept in Err, and reported through the Client's Notifier.
type Mutator struct {
	c           *Client
	collection  string
	onSuccess   func(ctx context.Context) error
	invalidates []Key

	queue *fifo

	mu  sync.Mutex
	err error
}

// MutatorOption configures a Mutator.
type MutatorOption func(*Mutator)

// OnSuccess registers a callback run after every successful write, typically
// a LiveQuery's Refetch. Its error is reported but does not fail the write.
func OnSuccess(fn func(ctx context.Context) error) MutatorOption {
	return func(m *Mutator) {
		m.onSuccess = fn
	}
}

// Invalidates lists keys invalidated through the Client after every successful write.
func Invalidates(keys ...Key) MutatorOption {
	return func(m *Mutator) {
		m.invalidates = append(m.invalidates, keys...)
	}
}

// Mutator creates a Mutator for collection.
func (c *Client) Mutator(collection string, opts ...MutatorOption) *Mutator {
	m := &Mutator{c: c, collection: collection, queue: newFIFO()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create inserts data stamped with the principal's user_id and returns the
// stored row.
func (m *Mutator) Create(ctx context.Context, data Row) (Row, error) {
	var out Row
	err := m.run(ctx, OpCreate, func(ctx context.Context, principal string) (string, error) {
		row := data.Clone()
		if row == nil {
			row = Row{}
		}
		row[ColumnUserID] = principal

		inserted, err := m.c.store.Insert(ctx, m.collection, row)
		if err != nil {
			return "", newStoreError("insert", m.collection, err)
		}
		out = inserted
		return inserted.ID(), nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update patches the principal's row identified by id and stamps updated_at.
// It returns (nil, nil) when no owned row matches.
func (m *Mutator) Update(ctx context.Context, id string, patch Row) (Row, error) {
	var out Row
	err := m.run(ctx, OpUpdate, func(ctx context.Context, principal string) (string, error) {
		if id == "" {
			return "", ErrMissingID
		}
		set := patch.Clone()
		if set == nil {
			set = Row{}
		}
		delete(set, ColumnID)
		delete(set, ColumnUserID)
		set[ColumnUpdatedAt] = m.c.now()

		updated, err := m.c.store.Update(ctx, m.collection, set, owned(id, principal))
		if errors.Is(err, ErrNoMatch) {
			return "", errNoEffect
		}
		if err != nil {
			return "", newStoreError("update", m.collection, err)
		}
		out = updated
		return id, nil
	})
	if errors.Is(err, errNoEffect) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Remove soft-deletes the principal's row by stamping deleted_at, or removes
// it physically when hard is set. It reports false when no owned row matches.
func (m *Mutator) Remove(ctx context.Context, id string, hard bool) (bool, error) {
	err := m.run(ctx, OpRemove, func(ctx context.Context, principal string) (string, error) {
		if id == "" {
			return "", ErrMissingID
		}
		where := owned(id, principal)
		if hard {
			n, err := m.c.store.Delete(ctx, m.collection, where)
			if err != nil {
				return "", newStoreError("delete", m.collection, err)
			}
			if n == 0 {
				return "", errNoEffect
			}
			return id, nil
		}

		_, err := m.c.store.Update(ctx, m.collection, Row{ColumnDeletedAt: m.c.now()}, where)
		if errors.Is(err, ErrNoMatch) {
			return "", errNoEffect
		}
		if err != nil {
			return "", newStoreError("update", m.collection, err)
		}
		return id, nil
	})
	if errors.Is(err, errNoEffect) {
		return false, nil
	}
	return err == nil, err
}

// Mutate updates the row when it carries an id and creates it otherwise.
func (m *Mutator) Mutate(ctx context.Context, row Row) (Row, error) {
	if id := row.ID(); id != "" {
		return m.Update(ctx, id, row)
	}
	return m.Create(ctx, row)
}

// Loading reports whether a write is queued or in flight.
func (m *Mutator) Loading() bool {
	return m.queue.busy()
}

// Err returns the error of the most recent write, or nil if it succeeded.
func (m *Mutator) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Collection returns the collection the Mutator writes to.
func (m *Mutator) Collection() string {
	return m.collection
}

// errNoEffect marks a write that matched no owned row.
var errNoEffect = errors.New("rill: no effect")

// run serializes op behind earlier writes, resolves the principal before
// touching the store, and handles the shared success and failure paths.
func (m *Mutator) run(ctx context.Context, op string, fn func(ctx context.Context, principal string) (string, error)) error {
	release, err := m.queue.acquire(ctx)
	if err != nil {
		return m.fail(ctx, op, 0, err)
	}
	defer release()

	m.setErr(nil)
	start := time.Now()

	principal, err := resolvePrincipal(ctx, m.c.session)
	if err != nil {
		return m.fail(ctx, op, 0, err)
	}

	id, err := fn(ctx, principal)
	ms := time.Since(start).Milliseconds()
	if errors.Is(err, errNoEffect) {
		m.c.metrics.mutated(m.collection, op, "no_match")
		return err
	}
	if err != nil {
		return m.fail(ctx, op, ms, err)
	}

	m.c.metrics.mutated(m.collection, op, outcomeSuccess)
	capitan.Info(ctx, MutationCompleted,
		CollectionKey.Field(m.collection),
		OperationKey.Field(op),
		RowIDKey.Field(id),
		DurationMsKey.Field(ms),
	)

	if m.onSuccess != nil {
		if cbErr := m.onSuccess(ctx); cbErr != nil {
			capitan.Error(ctx, CallbackFailed,
				CollectionKey.Field(m.collection),
				ErrorKey.Field(cbErr.Error()),
			)
		}
	}
	if len(m.invalidates) > 0 {
		m.c.Invalidate(ctx, slices.Clone(m.invalidates)...)
	}
	return nil
}

func (m *Mutator) fail(ctx context.Context, op string, ms int64, err error) error {
	m.setErr(err)
	m.c.metrics.mutated(m.collection, op, outcomeError)
	capitan.Error(ctx, MutationFailed,
		CollectionKey.Field(m.collection),
		OperationKey.Field(op),
		DurationMsKey.Field(ms),
		ErrorKey.Field(err.Error()),
	)
	m.c.notifier.Notify(ctx, Notice{
		Title:       "Error",
		Message:     err.Error(),
		Destructive: true,
	})
	return err
}

func (m *Mutator) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// owned scopes a write to one row of one principal.
func owned(id, principal string) []Predicate {
	return []Predicate{Eq(ColumnID, id), Eq(ColumnUserID, principal)}
}
