// Package sqlite provides a rill.Store backed by SQLite.
//
// SQLite has no server-side change notification, so the provider publishes
// change events itself once each write commits. Only writes made through the
// same Provider reach its subscribers.
package sqlite

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	astqlsqlite "github.com/zoobzio/astql/sqlite"
	"github.com/zoobzio/rill"
	"github.com/zoobzio/rill/internal/feed"
	"github.com/zoobzio/rill/internal/sqlstore"
)

// Provider implements rill.Store on a SQLite database.
type Provider struct {
	engine *sqlstore.Engine
	hub    *feed.Hub
	owned  bool

	// writes serializes commit and publish so subscribers see commit order.
	writes sync.Mutex
}

type config struct {
	engine []sqlstore.Option
}

// Option configures a Provider.
type Option func(*config)

// WithClock overrides the time source for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.engine = append(c.engine, sqlstore.WithClock(now))
	}
}

// WithIDs overrides the generator for rows inserted without an id.
func WithIDs(fn func() string) Option {
	return func(c *config) {
		c.engine = append(c.engine, sqlstore.WithIDs(fn))
	}
}

// New wraps an open sqlite3 connection.
func New(db *sqlx.DB, opts ...Option) *Provider {
	cfg := &config{engine: []sqlstore.Option{sqlstore.WithCreatedAt()}}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Provider{
		engine: sqlstore.New(db, astqlsqlite.New(), cfg.engine...),
		hub:    feed.New(),
	}
}

// Open connects to dsn. In-memory databases are limited to one connection
// so every query sees the same database.
func Open(dsn string, opts ...Option) (*Provider, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	p := New(db, opts...)
	p.owned = true
	return p, nil
}

// DB returns the underlying connection.
func (p *Provider) DB() *sqlx.DB {
	return p.engine.DB()
}

// EnsureCollection creates the table for a collection if needed.
func (p *Provider) EnsureCollection(ctx context.Context, name string, columns ...string) error {
	return p.engine.EnsureCollection(ctx, sqlstore.SQLite, name, columns...)
}

// Read implements rill.Store.
func (p *Provider) Read(ctx context.Context, req rill.ReadRequest) ([]rill.Row, error) {
	return p.engine.Read(ctx, req)
}

// Insert implements rill.Store.
func (p *Provider) Insert(ctx context.Context, collection string, row rill.Row) (rill.Row, error) {
	p.writes.Lock()
	defer p.writes.Unlock()

	stored, events, err := p.engine.Insert(ctx, collection, row)
	if err != nil {
		return nil, err
	}
	p.publish(events)
	return stored, nil
}

// Update implements rill.Store.
func (p *Provider) Update(ctx context.Context, collection string, patch rill.Row, where []rill.Predicate) (rill.Row, error) {
	p.writes.Lock()
	defer p.writes.Unlock()

	first, events, err := p.engine.Update(ctx, collection, patch, where)
	if err != nil {
		return nil, err
	}
	p.publish(events)
	return first, nil
}

// Delete implements rill.Store.
func (p *Provider) Delete(ctx context.Context, collection string, where []rill.Predicate) (int64, error) {
	p.writes.Lock()
	defer p.writes.Unlock()

	n, events, err := p.engine.Delete(ctx, collection, where)
	if err != nil {
		return 0, err
	}
	p.publish(events)
	return n, nil
}

// Subscribe implements rill.Store.
func (p *Provider) Subscribe(ctx context.Context, collection, channel string) (rill.Subscription, error) {
	sub, err := p.hub.Subscribe(ctx, collection, channel)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Close ends every subscription, and closes the database if Open created it.
func (p *Provider) Close() error {
	if err := p.hub.Close(); err != nil {
		return err
	}
	if p.owned {
		return p.engine.DB().Close()
	}
	return nil
}

func (p *Provider) publish(events []rill.ChangeEvent) {
	for _, ev := range events {
		p.hub.Publish(ev)
	}
}

var _ rill.Store = (*Provider)(nil)
