package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/zoobzio/rill"
	"github.com/zoobzio/rill/providers/sqlite"
	rilltesting "github.com/zoobzio/rill/testing"
)

func newProvider(t *testing.T, opts ...sqlite.Option) *sqlite.Provider {
	t.Helper()
	db := sqlx.MustConnect("sqlite3", ":memory:")
	db.SetMaxOpenConns(1)
	p := sqlite.New(db, opts...)
	t.Cleanup(func() {
		_ = p.Close()
		_ = db.Close()
	})
	if err := p.EnsureCollection(context.Background(), rilltesting.SuiteCollection, "title", "status"); err != nil {
		t.Fatalf("EnsureCollection failed: %v", err)
	}
	return p
}

func TestSQLiteProvider(t *testing.T) {
	rilltesting.RunStoreSuite(t, "sqlite", func(t *testing.T) rill.Store {
		return newProvider(t)
	})
}

func TestSQLiteInsert(t *testing.T) {
	t.Run("StampsCreatedAt", func(t *testing.T) {
		fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		p := newProvider(t, sqlite.WithClock(func() time.Time { return fixed }))

		row, err := p.Insert(context.Background(), rilltesting.SuiteCollection, rill.Row{"title": "a"})
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if !row.CreatedAt().Equal(fixed) {
			t.Errorf("expected created_at %v, got %v", fixed, row[rill.ColumnCreatedAt])
		}
	})

	t.Run("GeneratedIDs", func(t *testing.T) {
		p := newProvider(t, sqlite.WithIDs(func() string { return "fixed-id" }))
		row, err := p.Insert(context.Background(), rilltesting.SuiteCollection, rill.Row{"title": "a"})
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if row.ID() != "fixed-id" {
			t.Errorf("expected fixed-id, got %q", row.ID())
		}
	})

	t.Run("DuplicateIDFails", func(t *testing.T) {
		p := newProvider(t)
		ctx := context.Background()
		if _, err := p.Insert(ctx, rilltesting.SuiteCollection, rill.Row{"id": "1"}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if _, err := p.Insert(ctx, rilltesting.SuiteCollection, rill.Row{"id": "1"}); err == nil {
			t.Error("expected primary key violation")
		}
	})

	t.Run("UnknownColumnFails", func(t *testing.T) {
		p := newProvider(t)
		_, err := p.Insert(context.Background(), rilltesting.SuiteCollection, rill.Row{"nope": "x"})
		if err == nil {
			t.Error("expected error for unknown column")
		}
	})
}

func TestSQLiteFailedWritePublishesNothing(t *testing.T) {
	p := newProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := p.Subscribe(ctx, rilltesting.SuiteCollection, "feed")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Close() }()

	_, err = p.Update(ctx, rilltesting.SuiteCollection, rill.Row{"title": "x"}, []rill.Predicate{rill.Eq("id", "missing")})
	if !errors.Is(err, rill.ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
	if _, err := p.Insert(ctx, rilltesting.SuiteCollection, rill.Row{"id": "1"}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	ev := rilltesting.NextEvent(t, sub, time.Second)
	if ev.Type != rill.EventInsert {
		t.Errorf("expected the insert to be the first event, got %s", ev.Type)
	}
}

func TestSQLiteOpen(t *testing.T) {
	p, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ctx := context.Background()
	if err := p.EnsureCollection(ctx, "notes", "body"); err != nil {
		t.Fatalf("EnsureCollection failed: %v", err)
	}
	if err := p.EnsureCollection(ctx, "notes", "body"); err != nil {
		t.Fatalf("EnsureCollection should be idempotent: %v", err)
	}
	if _, err := p.Insert(ctx, "notes", rill.Row{"body": "hi"}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.DB().Ping(); err == nil {
		t.Error("expected closed database")
	}
}
