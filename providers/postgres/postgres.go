// Package postgres provides a rill.Store backed by PostgreSQL.
//
// Changes are delivered by a row trigger that calls pg_notify with a JSON
// payload, received over LISTEN. Writes made by any client reach
// subscribers, not only writes through this Provider. Install the trigger
// once per collection with InstallTrigger.
//
// NOTIFY payloads are limited to 8000 bytes; rows whose JSON image exceeds
// that are rejected by the trigger's transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	astqlpg "github.com/zoobzio/astql/postgres"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/rill"
	"github.com/zoobzio/rill/internal/feed"
	"github.com/zoobzio/rill/internal/scanner"
	"github.com/zoobzio/rill/internal/sqlstore"
)

// ChannelPrefix prefixes the NOTIFY channel of every collection.
const ChannelPrefix = "rill_"

// Listener receives NOTIFY payloads. *pq.Listener satisfies it.
type Listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

// Provider implements rill.Store on PostgreSQL.
type Provider struct {
	engine   *sqlstore.Engine
	hub      *feed.Hub
	listener Listener
	scanner  *scanner.Scanner
	owned    bool

	mu        sync.Mutex
	listening map[string]bool
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// writes serializes commit and publish when there is no listener.
	writes sync.Mutex
}

type config struct {
	engine       []sqlstore.Option
	minReconnect time.Duration
	maxReconnect time.Duration
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

// WithCreatedAt stamps created_at on the client instead of relying on the
// column default.
func WithCreatedAt() Option {
	return func(c *config) {
		c.engine = append(c.engine, sqlstore.WithCreatedAt())
	}
}

// WithReconnect sets the listener's reconnect backoff bounds. Used by Open.
func WithReconnect(minInterval, maxInterval time.Duration) Option {
	return func(c *config) {
		c.minReconnect = minInterval
		c.maxReconnect = maxInterval
	}
}

func newConfig(opts []Option) *config {
	cfg := &config{minReconnect: 10 * time.Second, maxReconnect: time.Minute}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// New wraps an open connection. With a nil listener the provider publishes
// its own writes after commit instead of relying on the trigger.
func New(db *sqlx.DB, listener Listener, opts ...Option) *Provider {
	cfg := newConfig(opts)
	p := &Provider{
		engine:    sqlstore.New(db, astqlpg.New(), cfg.engine...),
		hub:       feed.New(),
		listener:  listener,
		scanner:   scanner.New(rill.ColumnCreatedAt, rill.ColumnUpdatedAt, rill.ColumnDeletedAt),
		listening: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if listener != nil {
		go p.run()
	} else {
		close(p.done)
	}
	return p
}

// Open connects to dsn and starts a LISTEN connection for the change feed.
func Open(dsn string, opts ...Option) (*Provider, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	cfg := newConfig(opts)
	listener := pq.NewListener(dsn, cfg.minReconnect, cfg.maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
			msg := "connection lost"
			if err != nil {
				msg = err.Error()
			}
			capitan.Error(context.Background(), rill.FeedDisconnected, rill.ErrorKey.Field(msg))
		}
	})
	p := New(db, listener, opts...)
	p.owned = true
	return p, nil
}

// DB returns the underlying connection.
func (p *Provider) DB() *sqlx.DB {
	return p.engine.DB()
}

// NotifyChannel returns the NOTIFY channel for a collection.
func NotifyChannel(collection string) string {
	return ChannelPrefix + collection
}

// EnsureCollection creates the table for a collection if needed.
func (p *Provider) EnsureCollection(ctx context.Context, name string, columns ...string) error {
	return p.engine.EnsureCollection(ctx, sqlstore.Postgres, name, columns...)
}

// InstallTrigger creates the notify function and attaches the row trigger
// to a collection. It is safe to run repeatedly.
func (p *Provider) InstallTrigger(ctx context.Context, collection string) error {
	if collection == "" {
		return rill.ErrEmptyCollection
	}
	for _, stmt := range TriggerDDL(collection) {
		capitan.Debug(ctx, rill.QueryStarted,
			rill.TableKey.Field(collection),
			rill.OperationKey.Field("TRIGGER"),
			rill.SQLKey.Field(stmt),
		)
		if _, err := p.engine.DB().ExecContext(ctx, stmt); err != nil {
			capitan.Error(ctx, rill.QueryFailed,
				rill.TableKey.Field(collection),
				rill.OperationKey.Field("TRIGGER"),
				rill.ErrorKey.Field(err.Error()),
			)
			return fmt.Errorf("failed to install trigger on %q: %w", collection, err)
		}
	}
	return nil
}

// notifyFunction sends one JSON payload per changed row.
const notifyFunction = `CREATE OR REPLACE FUNCTION rill_notify() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + ChannelPrefix + `' || TG_TABLE_NAME, json_build_object(
		'type', TG_OP,
		'table', TG_TABLE_NAME,
		'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
		'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`

// TriggerDDL returns the statements InstallTrigger runs.
func TriggerDDL(collection string) []string {
	table := pq.QuoteIdentifier(collection)
	return []string{
		notifyFunction,
		fmt.Sprintf("DROP TRIGGER IF EXISTS rill_notify ON %s", table),
		fmt.Sprintf("CREATE TRIGGER rill_notify AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION rill_notify()", table),
	}
}

// Read implements rill.Store.
func (p *Provider) Read(ctx context.Context, req rill.ReadRequest) ([]rill.Row, error) {
	return p.engine.Read(ctx, req)
}

// Insert implements rill.Store.
func (p *Provider) Insert(ctx context.Context, collection string, row rill.Row) (rill.Row, error) {
	return write(p, func() (rill.Row, []rill.ChangeEvent, error) {
		return p.engine.Insert(ctx, collection, row)
	})
}

// Update implements rill.Store.
func (p *Provider) Update(ctx context.Context, collection string, patch rill.Row, where []rill.Predicate) (rill.Row, error) {
	return write(p, func() (rill.Row, []rill.ChangeEvent, error) {
		return p.engine.Update(ctx, collection, patch, where)
	})
}

// Delete implements rill.Store.
func (p *Provider) Delete(ctx context.Context, collection string, where []rill.Predicate) (int64, error) {
	return write(p, func() (int64, []rill.ChangeEvent, error) {
		return p.engine.Delete(ctx, collection, where)
	})
}

// write runs fn and, without a listener, publishes its events.
func write[T any](p *Provider, fn func() (T, []rill.ChangeEvent, error)) (T, error) {
	if p.listener != nil {
		out, _, err := fn()
		return out, err
	}
	p.writes.Lock()
	defer p.writes.Unlock()
	out, events, err := fn()
	if err != nil {
		return out, err
	}
	for _, ev := range events {
		p.hub.Publish(ev)
	}
	return out, nil
}

// Subscribe implements rill.Store. The first subscription to a collection
// starts listening on its NOTIFY channel.
func (p *Provider) Subscribe(ctx context.Context, collection, channel string) (rill.Subscription, error) {
	if collection == "" {
		return nil, rill.ErrEmptyCollection
	}
	if err := p.listen(ctx, collection); err != nil {
		return nil, err
	}
	sub, err := p.hub.Subscribe(ctx, collection, channel)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (p *Provider) listen(ctx context.Context, collection string) error {
	if p.listener == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listening[collection] {
		return nil
	}
	name := NotifyChannel(collection)
	if err := p.listener.Listen(name); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
		return fmt.Errorf("failed to listen on %q: %w", name, err)
	}
	p.listening[collection] = true
	capitan.Info(ctx, rill.FeedListening,
		rill.CollectionKey.Field(collection),
		rill.ChannelKey.Field(name),
	)
	return nil
}

// run forwards notifications to the hub until Close.
func (p *Provider) run() {
	defer close(p.done)
	ctx := context.Background()
	notifications := p.listener.NotificationChannel()
	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				return
			}
			if n == nil {
				capitan.Info(ctx, rill.FeedReconnected)
				continue
			}
			ev, err := p.decode(n.Extra)
			if err != nil {
				capitan.Error(ctx, rill.FeedDecodeFailed,
					rill.ChannelKey.Field(n.Channel),
					rill.ErrorKey.Field(err.Error()),
				)
				continue
			}
			p.hub.Publish(ev)
		case <-p.stop:
			return
		}
	}
}

// payload is the JSON document the trigger sends.
type payload struct {
	Type      string         `json:"type"`
	Table     string         `json:"table"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record"`
}

func (p *Provider) decode(extra string) (rill.ChangeEvent, error) {
	var msg payload
	if err := json.Unmarshal([]byte(extra), &msg); err != nil {
		return rill.ChangeEvent{}, fmt.Errorf("invalid payload: %w", err)
	}
	if msg.Table == "" {
		return rill.ChangeEvent{}, errors.New("payload has no table")
	}
	typ := rill.EventType(msg.Type)
	switch typ {
	case rill.EventInsert, rill.EventUpdate, rill.EventDelete:
	default:
		return rill.ChangeEvent{}, fmt.Errorf("unknown event type %q", msg.Type)
	}
	return rill.ChangeEvent{
		Type:       typ,
		Collection: msg.Table,
		New:        p.scanner.Row(msg.Record),
		Old:        p.scanner.Row(msg.OldRecord),
		At:         time.Now().UTC(),
	}, nil
}

// Close stops the feed, ends every subscription, and closes the listener.
// The database is closed only if Open created it.
func (p *Provider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stop)
		<-p.done
		err = p.hub.Close()
		if p.listener != nil {
			err = errors.Join(err, p.listener.Close())
		}
		if p.owned {
			err = errors.Join(err, p.engine.DB().Close())
		}
	})
	return err
}

var _ rill.Store = (*Provider)(nil)
