// Package sqlstore implements the read and write half of rill.Store over
// sqlx. Providers add the change feed.
package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/zoobzio/astql"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/rill"
	"github.com/zoobzio/rill/internal/scanner"
	"github.com/zoobzio/rill/internal/sqlstmt"
)

// Engine runs collection statements against a database. Writes run in a
// transaction that also reads the affected rows, so callers get the before
// and after images for change events.
type Engine struct {
	db       *sqlx.DB
	renderer astql.Renderer
	scanner  *scanner.Scanner
	newID    func() string
	now      func() time.Time
	stampNow bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDs overrides the generator used for rows inserted without an id.
func WithIDs(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithClock overrides the time source for created_at stamps.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithCreatedAt stamps created_at on inserts that lack it. Use it for
// databases without a column default.
func WithCreatedAt() Option {
	return func(e *Engine) {
		e.stampNow = true
	}
}

// New creates an Engine.
func New(db *sqlx.DB, renderer astql.Renderer, opts ...Option) *Engine {
	e := &Engine{
		db:       db,
		renderer: renderer,
		scanner:  scanner.New(rill.ColumnCreatedAt, rill.ColumnUpdatedAt, rill.ColumnDeletedAt),
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DB returns the underlying connection.
func (e *Engine) DB() *sqlx.DB {
	return e.db
}

// Read runs a SELECT for req.
func (e *Engine) Read(ctx context.Context, req rill.ReadRequest) ([]rill.Row, error) {
	if req.Collection == "" {
		return nil, rill.ErrEmptyCollection
	}
	stmt, err := sqlstmt.Select(e.renderer, req)
	if err != nil {
		return nil, err
	}
	return e.query(ctx, e.db, req.Collection, "SELECT", stmt)
}

// Insert writes row, assigning an id if it has none, and returns the stored row.
func (e *Engine) Insert(ctx context.Context, collection string, row rill.Row) (rill.Row, []rill.ChangeEvent, error) {
	if collection == "" {
		return nil, nil, rill.ErrEmptyCollection
	}
	row = row.Clone()
	if row == nil {
		row = rill.Row{}
	}
	if row.ID() == "" {
		row[rill.ColumnID] = e.newID()
	}
	if _, ok := row[rill.ColumnCreatedAt]; !ok && e.stampNow {
		row[rill.ColumnCreatedAt] = e.now().UTC()
	}

	stmt, err := sqlstmt.Insert(e.renderer, collection, row)
	if err != nil {
		return nil, nil, err
	}

	var stored rill.Row
	err = e.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := e.exec(ctx, tx, collection, "INSERT", stmt); err != nil {
			return err
		}
		rows, err := e.selectWhere(ctx, tx, collection, []rill.Predicate{rill.Eq(rill.ColumnID, row.ID())})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("sqlstore: inserted row %s not found", row.ID())
		}
		stored = rows[0]
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return stored, []rill.ChangeEvent{{
		Type:       rill.EventInsert,
		Collection: collection,
		New:        stored,
		At:         e.now().UTC(),
	}}, nil
}

// Update patches the rows matching where and returns the first updated row.
func (e *Engine) Update(ctx context.Context, collection string, patch rill.Row, where []rill.Predicate) (rill.Row, []rill.ChangeEvent, error) {
	if collection == "" {
		return nil, nil, rill.ErrEmptyCollection
	}
	stmt, err := sqlstmt.Update(e.renderer, collection, patch, where)
	if err != nil {
		return nil, nil, err
	}

	var events []rill.ChangeEvent
	err = e.inTx(ctx, func(tx *sqlx.Tx) error {
		before, err := e.selectWhere(ctx, tx, collection, where)
		if err != nil {
			return err
		}
		if len(before) == 0 {
			return rill.ErrNoMatch
		}
		if _, err := e.exec(ctx, tx, collection, "UPDATE", stmt); err != nil {
			return err
		}
		at := e.now().UTC()
		for _, old := range before {
			rows, err := e.selectWhere(ctx, tx, collection, []rill.Predicate{rill.Eq(rill.ColumnID, old.ID())})
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				continue
			}
			events = append(events, rill.ChangeEvent{
				Type:       rill.EventUpdate,
				Collection: collection,
				New:        rows[0],
				Old:        old,
				At:         at,
			})
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if len(events) == 0 {
		return nil, nil, rill.ErrNoMatch
	}
	return events[0].New, events, nil
}

// Delete removes the rows matching where.
func (e *Engine) Delete(ctx context.Context, collection string, where []rill.Predicate) (int64, []rill.ChangeEvent, error) {
	if collection == "" {
		return 0, nil, rill.ErrEmptyCollection
	}
	stmt, err := sqlstmt.Delete(e.renderer, collection, where)
	if err != nil {
		return 0, nil, err
	}

	var (
		n      int64
		events []rill.ChangeEvent
	)
	err = e.inTx(ctx, func(tx *sqlx.Tx) error {
		before, err := e.selectWhere(ctx, tx, collection, where)
		if err != nil {
			return err
		}
		if len(before) == 0 {
			return nil
		}
		n, err = e.exec(ctx, tx, collection, "DELETE", stmt)
		if err != nil {
			return err
		}
		at := e.now().UTC()
		for _, old := range before {
			events = append(events, rill.ChangeEvent{
				Type:       rill.EventDelete,
				Collection: collection,
				Old:        old,
				At:         at,
			})
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return n, events, nil
}

func (e *Engine) selectWhere(ctx context.Context, q sqlx.ExtContext, collection string, where []rill.Predicate) ([]rill.Row, error) {
	stmt, err := sqlstmt.Select(e.renderer, rill.ReadRequest{Collection: collection, Predicates: where})
	if err != nil {
		return nil, err
	}
	return e.query(ctx, q, collection, "SELECT", stmt)
}

func (e *Engine) query(ctx context.Context, q sqlx.ExtContext, table, op string, stmt *sqlstmt.Statement) ([]rill.Row, error) {
	startTime := time.Now()
	capitan.Debug(ctx, rill.QueryStarted,
		rill.TableKey.Field(table),
		rill.OperationKey.Field(op),
		rill.SQLKey.Field(stmt.SQL),
	)

	rows, err := sqlx.NamedQueryContext(ctx, q, stmt.SQL, stmt.Args)
	if err != nil {
		durationMs := time.Since(startTime).Milliseconds()
		capitan.Error(ctx, rill.QueryFailed,
			rill.TableKey.Field(table),
			rill.OperationKey.Field(op),
			rill.DurationMsKey.Field(durationMs),
			rill.ErrorKey.Field(err.Error()),
		)
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	result, err := e.scanner.ScanAll(rows, rows.Next)
	if err != nil {
		durationMs := time.Since(startTime).Milliseconds()
		capitan.Error(ctx, rill.QueryFailed,
			rill.TableKey.Field(table),
			rill.OperationKey.Field(op),
			rill.DurationMsKey.Field(durationMs),
			rill.ErrorKey.Field(err.Error()),
		)
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	durationMs := time.Since(startTime).Milliseconds()
	capitan.Info(ctx, rill.QueryCompleted,
		rill.TableKey.Field(table),
		rill.OperationKey.Field(op),
		rill.DurationMsKey.Field(durationMs),
		rill.RowsReturnedKey.Field(len(result)),
	)
	return result, nil
}

func (*Engine) exec(ctx context.Context, q sqlx.ExtContext, table, op string, stmt *sqlstmt.Statement) (int64, error) {
	startTime := time.Now()
	capitan.Debug(ctx, rill.QueryStarted,
		rill.TableKey.Field(table),
		rill.OperationKey.Field(op),
		rill.SQLKey.Field(stmt.SQL),
	)

	res, err := sqlx.NamedExecContext(ctx, q, stmt.SQL, stmt.Args)
	if err != nil {
		durationMs := time.Since(startTime).Milliseconds()
		capitan.Error(ctx, rill.QueryFailed,
			rill.TableKey.Field(table),
			rill.OperationKey.Field(op),
			rill.DurationMsKey.Field(durationMs),
			rill.ErrorKey.Field(err.Error()),
		)
		return 0, fmt.Errorf("%s failed: %w", op, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	durationMs := time.Since(startTime).Milliseconds()
	capitan.Info(ctx, rill.QueryCompleted,
		rill.TableKey.Field(table),
		rill.OperationKey.Field(op),
		rill.DurationMsKey.Field(durationMs),
		rill.RowsAffectedKey.Field(rowsAffected),
	)
	return rowsAffected, nil
}

func (e *Engine) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Dialect names the column types a database uses for collection tables.
type Dialect struct {
	Text string
	Time string
	Now  string
}

// Collection dialects.
var (
	SQLite   = Dialect{Text: "TEXT", Time: "TIMESTAMP", Now: "CURRENT_TIMESTAMP"}
	Postgres = Dialect{Text: "text", Time: "timestamptz", Now: "now()"}
)

// EnsureCollection creates a collection table if it does not exist. Every
// table gets the conventional columns; extra columns are text.
func (e *Engine) EnsureCollection(ctx context.Context, d Dialect, name string, extra ...string) error {
	if name == "" {
		return rill.ErrEmptyCollection
	}
	ddl := CollectionDDL(d, name, extra...)
	capitan.Debug(ctx, rill.QueryStarted,
		rill.TableKey.Field(name),
		rill.OperationKey.Field("CREATE TABLE"),
		rill.SQLKey.Field(ddl),
	)
	if _, err := e.db.ExecContext(ctx, ddl); err != nil {
		capitan.Error(ctx, rill.QueryFailed,
			rill.TableKey.Field(name),
			rill.OperationKey.Field("CREATE TABLE"),
			rill.ErrorKey.Field(err.Error()),
		)
		return fmt.Errorf("failed to create collection %q: %w", name, err)
	}
	return nil
}

// CollectionDDL renders the CREATE TABLE statement for a collection.
func CollectionDDL(d Dialect, name string, extra ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", QuoteIdent(name))
	fmt.Fprintf(&b, "\t%s %s PRIMARY KEY,\n", QuoteIdent(rill.ColumnID), d.Text)
	fmt.Fprintf(&b, "\t%s %s,\n", QuoteIdent(rill.ColumnUserID), d.Text)
	fmt.Fprintf(&b, "\t%s %s NOT NULL DEFAULT %s,\n", QuoteIdent(rill.ColumnCreatedAt), d.Time, d.Now)
	fmt.Fprintf(&b, "\t%s %s,\n", QuoteIdent(rill.ColumnUpdatedAt), d.Time)
	fmt.Fprintf(&b, "\t%s %s", QuoteIdent(rill.ColumnDeletedAt), d.Time)

	seen := map[string]bool{
		rill.ColumnID: true, rill.ColumnUserID: true, rill.ColumnCreatedAt: true,
		rill.ColumnUpdatedAt: true, rill.ColumnDeletedAt: true,
	}
	for _, c := range extra {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		fmt.Fprintf(&b, ",\n\t%s %s", QuoteIdent(c), d.Text)
	}
	b.WriteString("\n)")
	return b.String()
}

// QuoteIdent double-quotes an identifier, escaping embedded quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
