// Package memory provides an in-memory rill.Store with a change feed.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/rill"
	"github.com/zoobzio/rill/internal/feed"
)

// Provider implements rill.Store using in-memory storage. Every write is
// published to subscribers of the collection after it is applied.
type Provider struct {
	mu          sync.RWMutex
	collections map[string]*collection
	hub         *feed.Hub
	newID       func() string
	now         func() time.Time
}

// collection keeps rows by id plus insertion order for unordered reads.
type collection struct {
	rows  map[string]rill.Row
	order []string
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock overrides the time source for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithIDs overrides the generator for rows inserted without an id.
func WithIDs(fn func() string) Option {
	return func(p *Provider) {
		if fn != nil {
			p.newID = fn
		}
	}
}

// New creates a new memory provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		collections: make(map[string]*collection),
		hub:         feed.New(),
		newID:       uuid.NewString,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Read returns copies of the matching rows.
func (p *Provider) Read(ctx context.Context, req rill.ReadRequest) ([]rill.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Collection == "" {
		return nil, rill.ErrEmptyCollection
	}

	p.mu.RLock()
	var rows []rill.Row
	if c, ok := p.collections[req.Collection]; ok {
		for _, id := range c.order {
			r := c.rows[id]
			if rill.MatchAll(r, req.Predicates) {
				rows = append(rows, r)
			}
		}
	}
	p.mu.RUnlock()

	if req.Order != nil {
		rill.SortRows(rows, *req.Order)
	}
	if req.Limit > 0 && len(rows) > req.Limit {
		rows = rows[:req.Limit]
	}
	out := make([]rill.Row, len(rows))
	for i, r := range rows {
		out[i] = r.Project(req.Columns)
	}
	return out, nil
}

// Insert stores a copy of row. Rows without an id get a UUID and rows
// without created_at are stamped with the current time.
func (p *Provider) Insert(ctx context.Context, coll string, row rill.Row) (rill.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if coll == "" {
		return nil, rill.ErrEmptyCollection
	}

	stored := row.Clone()
	if stored == nil {
		stored = rill.Row{}
	}
	if stored.ID() == "" {
		stored[rill.ColumnID] = p.newID()
	}
	if _, ok := stored[rill.ColumnCreatedAt]; !ok {
		stored[rill.ColumnCreatedAt] = p.now().UTC()
	}
	id := stored.ID()

	p.mu.Lock()
	c := p.table(coll)
	if _, exists := c.rows[id]; exists {
		p.mu.Unlock()
		return nil, rill.ErrDuplicateID
	}
	c.rows[id] = stored
	c.order = append(c.order, id)
	p.hub.Publish(rill.ChangeEvent{
		Type:       rill.EventInsert,
		Collection: coll,
		New:        stored,
		At:         p.now().UTC(),
	})
	p.mu.Unlock()

	return stored.Clone(), nil
}

// Update applies patch to every matching row. The id column is never changed.
func (p *Provider) Update(ctx context.Context, coll string, patch rill.Row, where []rill.Predicate) (rill.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if coll == "" {
		return nil, rill.ErrEmptyCollection
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.collections[coll]
	if !ok {
		return nil, rill.ErrNoMatch
	}
	var first rill.Row
	for _, id := range c.order {
		old := c.rows[id]
		if !rill.MatchAll(old, where) {
			continue
		}
		next := old.Merge(patch)
		next[rill.ColumnID] = old[rill.ColumnID]
		c.rows[id] = next
		p.hub.Publish(rill.ChangeEvent{
			Type:       rill.EventUpdate,
			Collection: coll,
			New:        next,
			Old:        old,
			At:         p.now().UTC(),
		})
		if first == nil {
			first = next
		}
	}
	if first == nil {
		return nil, rill.ErrNoMatch
	}
	return first.Clone(), nil
}

// Delete removes every matching row.
func (p *Provider) Delete(ctx context.Context, coll string, where []rill.Predicate) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if coll == "" {
		return 0, rill.ErrEmptyCollection
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.collections[coll]
	if !ok {
		return 0, nil
	}
	var n int64
	kept := c.order[:0]
	for _, id := range c.order {
		old := c.rows[id]
		if !rill.MatchAll(old, where) {
			kept = append(kept, id)
			continue
		}
		delete(c.rows, id)
		n++
		p.hub.Publish(rill.ChangeEvent{
			Type:       rill.EventDelete,
			Collection: coll,
			Old:        old,
			At:         p.now().UTC(),
		})
	}
	c.order = kept
	return n, nil
}

// Subscribe opens a change feed for coll.
func (p *Provider) Subscribe(ctx context.Context, coll, channel string) (rill.Subscription, error) {
	sub, err := p.hub.Subscribe(ctx, coll, channel)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Len returns the number of rows stored in coll.
func (p *Provider) Len(coll string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.collections[coll]; ok {
		return len(c.rows)
	}
	return 0
}

// Close ends every subscription and clears the store.
func (p *Provider) Close() error {
	p.mu.Lock()
	p.collections = make(map[string]*collection)
	p.mu.Unlock()
	return p.hub.Close()
}

// table must be called with the write lock held.
func (p *Provider) table(name string) *collection {
	c, ok := p.collections[name]
	if !ok {
		c = &collection{rows: make(map[string]rill.Row)}
		p.collections[name] = c
	}
	return c
}

// Ensure Provider implements rill.Store.
var _ rill.Store = (*Provider)(nil)
