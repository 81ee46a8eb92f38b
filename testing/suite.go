package testing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zoobzio/rill"
)

// SuiteCollection is the collection every conformance test writes to.
// SQL factories must create it with the columns in SuiteColumns.
const SuiteCollection = "suite_items"

// SuiteColumns are the columns conformance rows use.
var SuiteColumns = []string{"id", "user_id", "title", "status", "created_at", "updated_at", "deleted_at"}

// StoreFactory returns a fresh, empty store for one subtest.
type StoreFactory func(t *testing.T) rill.Store

// RunStoreSuite checks the behavior every rill.Store must share.
func RunStoreSuite(t *testing.T, name string, newStore StoreFactory) {
	t.Run(name+"/InsertAssignsID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		row, err := s.Insert(ctx, SuiteCollection, rill.Row{"user_id": "u1", "title": "a"})
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if row.ID() == "" {
			t.Error("expected generated id")
		}
		if row["title"] != "a" {
			t.Errorf("expected title a, got %v", row["title"])
		}
	})

	t.Run(name+"/InsertKeepsID", func(t *testing.T) {
		s := newStore(t)
		row, err := s.Insert(context.Background(), SuiteCollection, rill.Row{"id": "fixed", "user_id": "u1"})
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if row.ID() != "fixed" {
			t.Errorf("expected id fixed, got %q", row.ID())
		}
	})

	t.Run(name+"/ReadFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustInsert(t, s, rill.Row{"id": "1", "user_id": "u1", "status": "open", "created_at": at(1)})
		mustInsert(t, s, rill.Row{"id": "2", "user_id": "u1", "status": "done", "created_at": at(2)})
		mustInsert(t, s, rill.Row{"id": "3", "user_id": "u2", "status": "open", "created_at": at(3)})

		rows, err := s.Read(ctx, rill.ReadRequest{
			Collection: SuiteCollection,
			Predicates: []rill.Predicate{rill.Eq("user_id", "u1"), rill.Eq("status", "open")},
		})
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if len(rows) != 1 || rows[0].ID() != "1" {
			t.Errorf("expected only row 1, got %v", ids(rows))
		}
	})

	t.Run(name+"/ReadIsNull", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, rill.Row{"id": "1", "user_id": "u1", "created_at": at(1)})
		mustInsert(t, s, rill.Row{"id": "2", "user_id": "u1", "created_at": at(2), "deleted_at": at(5)})

		rows, err := s.Read(context.Background(), rill.ReadRequest{
			Collection: SuiteCollection,
			Predicates: []rill.Predicate{rill.IsNull("deleted_at")},
		})
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if len(rows) != 1 || rows[0].ID() != "1" {
			t.Errorf("expected only row 1, got %v", ids(rows))
		}
	})

	t.Run(name+"/ReadOrderAndLimit", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, rill.Row{"id": "1", "user_id": "u1", "created_at": at(1)})
		mustInsert(t, s, rill.Row{"id": "2", "user_id": "u1", "created_at": at(3)})
		mustInsert(t, s, rill.Row{"id": "3", "user_id": "u1", "created_at": at(2)})

		order := rill.DefaultOrder
		rows, err := s.Read(context.Background(), rill.ReadRequest{
			Collection: SuiteCollection,
			Order:      &order,
			Limit:      2,
		})
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		got := ids(rows)
		if len(got) != 2 || got[0] != "2" || got[1] != "3" {
			t.Errorf("expected [2 3], got %v", got)
		}
	})

	t.Run(name+"/ReadProjects", func(t *testing.T) {
		s := newStore(t)
		mustInsert(t, s, rill.Row{"id": "1", "user_id": "u1", "title": "a", "status": "open"})

		rows, err := s.Read(context.Background(), rill.ReadRequest{
			Collection: SuiteCollection,
			Columns:    []string{"id", "title"},
		})
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("expected 1 row, got %d", len(rows))
		}
		if _, ok := rows[0]["status"]; ok {
			t.Errorf("status should not be projected: %v", rows[0])
		}
		if rows[0]["title"] != "a" {
			t.Errorf("expected title a, got %v", rows[0]["title"])
		}
	})

	t.Run(name+"/UpdateScoped", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustInsert(t, s, rill.Row{"id": "1", "user_id": "u1", "title": "a"})

		_, err := s.Update(ctx, SuiteCollection, rill.Row{"title": "b"},
			[]rill.Predicate{rill.Eq("id", "1"), rill.Eq("user_id", "u2")})
		if !errors.Is(err, rill.ErrNoMatch) {
			t.Fatalf("expected ErrNoMatch for foreign owner, got %v", err)
		}

		row, err := s.Update(ctx, SuiteCollection, rill.Row{"title": "b"},
			[]rill.Predicate{rill.Eq("id", "1"), rill.Eq("user_id", "u1")})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if row.ID() != "1" || row["title"] != "b" {
			t.Errorf("unexpected updated row: %v", row)
		}
	})

	t.Run(name+"/DeleteCounts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustInsert(t, s, rill.Row{"id": "1", "user_id": "u1"})
		mustInsert(t, s, rill.Row{"id": "2", "user_id": "u1"})

		n, err := s.Delete(ctx, SuiteCollection, []rill.Predicate{rill.Eq("id", "1")})
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 deleted, got %d", n)
		}
		n, err = s.Delete(ctx, SuiteCollection, []rill.Predicate{rill.Eq("id", "1")})
		if err != nil {
			t.Fatalf("second Delete failed: %v", err)
		}
		if n != 0 {
			t.Errorf("expected 0 deleted, got %d", n)
		}
	})

	t.Run(name+"/EmptyCollection", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Read(context.Background(), rill.ReadRequest{}); !errors.Is(err, rill.ErrEmptyCollection) {
			t.Errorf("expected ErrEmptyCollection, got %v", err)
		}
	})

	t.Run(name+"/SubscribeDelivers", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sub, err := s.Subscribe(ctx, SuiteCollection, "suite-feed")
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer func() { _ = sub.Close() }()

		mustInsert(t, s, rill.Row{"id": "1", "user_id": "u1", "title": "a"})
		if _, err := s.Update(ctx, SuiteCollection, rill.Row{"title": "b"}, []rill.Predicate{rill.Eq("id", "1")}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if _, err := s.Delete(ctx, SuiteCollection, []rill.Predicate{rill.Eq("id", "1")}); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		want := []rill.EventType{rill.EventInsert, rill.EventUpdate, rill.EventDelete}
		for i, typ := range want {
			ev := NextEvent(t, sub, 5*time.Second)
			if ev.Type != typ {
				t.Fatalf("event %d: expected %s, got %s", i, typ, ev.Type)
			}
			if ev.ID() != "1" {
				t.Errorf("event %d: expected id 1, got %q", i, ev.ID())
			}
		}
	})
}

// NextEvent reads one event from sub or fails after timeout.
func NextEvent(t *testing.T, sub rill.Subscription, timeout time.Duration) rill.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(timeout):
		t.Fatalf("no event within %s", timeout)
	}
	return rill.ChangeEvent{}
}

func mustInsert(t *testing.T, s rill.Store, row rill.Row) rill.Row {
	t.Helper()
	out, err := s.Insert(context.Background(), SuiteCollection, row)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	return out
}

func at(minute int) time.Time {
	return time.Date(2024, 1, 1, 0, minute, 0, 0, time.UTC)
}

func ids(rows []rill.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID()
	}
	return out
}
