package rill_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/rill"
	rilltesting "github.com/zoobzio/rill/testing"
)

// noticeRecorder collects notices raised by failed writes.
type noticeRecorder struct {
	mu      sync.Mutex
	notices []rill.Notice
}

func (n *noticeRecorder) Notify(_ context.Context, notice rill.Notice) {
	n.mu.Lock()
	n.notices = append(n.notices, notice)
	n.mu.Unlock()
}

func (n *noticeRecorder) all() []rill.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]rill.Notice(nil), n.notices...)
}

func TestMutatorCreate(t *testing.T) {
	client, store, mem := newClient(t, rill.WithSession(rill.StaticSession("u1")))
	m := client.Mutator("tasks")

	t.Run("stamps owner", func(t *testing.T) {
		row, err := m.Create(context.Background(), rill.Row{"title": "a", rill.ColumnUserID: "someone-else"})
		if err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
		if row.ID() == "" {
			t.Error("expected an assigned id")
		}
		if row[rill.ColumnUserID] != "u1" {
			t.Errorf("expected user_id u1, got %v", row[rill.ColumnUserID])
		}
		if mem.Len("tasks") != 1 {
			t.Errorf("expected 1 stored row, got %d", mem.Len("tasks"))
		}
	})

	t.Run("does not modify input", func(t *testing.T) {
		in := rill.Row{"title": "b"}
		if _, err := m.Create(context.Background(), in); err != nil {
			t.Fatal(err)
		}
		if _, ok := in[rill.ColumnUserID]; ok {
			t.Error("caller's row was modified")
		}
	})

	t.Run("nil data", func(t *testing.T) {
		row, err := m.Create(context.Background(), nil)
		if err != nil {
			t.Fatal(err)
		}
		if row[rill.ColumnUserID] != "u1" {
			t.Errorf("unexpected row %v", row)
		}
	})

	if m.Err() != nil {
		t.Errorf("Err() = %v after successful writes", m.Err())
	}
	if m.Collection() != "tasks" {
		t.Errorf("Collection() = %q", m.Collection())
	}
	if m.Loading() {
		t.Error("Loading() should be false when idle")
	}
	store.AssertCalled(rilltesting.OpInsert, 3)
}

func TestMutatorNotAuthenticated(t *testing.T) {
	notices := &noticeRecorder{}
	client, store, _ := newClient(t, rill.WithNotifier(notices))
	m := client.Mutator("tasks")

	_, err := m.Create(context.Background(), rill.Row{"title": "a"})
	if !errors.Is(err, rill.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if _, err := m.Update(context.Background(), "1", rill.Row{"title": "b"}); !errors.Is(err, rill.ErrNotAuthenticated) {
		t.Errorf("Update: expected ErrNotAuthenticated, got %v", err)
	}
	if _, err := m.Remove(context.Background(), "1", false); !errors.Is(err, rill.ErrNotAuthenticated) {
		t.Errorf("Remove: expected ErrNotAuthenticated, got %v", err)
	}

	store.AssertCalled(rilltesting.OpInsert, 0)
	store.AssertCalled(rilltesting.OpUpdate, 0)
	if !errors.Is(m.Err(), rill.ErrNotAuthenticated) {
		t.Errorf("Err() = %v", m.Err())
	}
	if got := len(notices.all()); got != 3 {
		t.Errorf("expected 3 notices, got %d", got)
	}
}

func TestMutatorOwnership(t *testing.T) {
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	client, store, mem := newClient(t,
		rill.WithSession(rill.StaticSession("u1")),
		rill.WithClock(func() time.Time { return now }),
	)
	seed(t, mem, "tasks",
		rill.Row{"id": "mine", "user_id": "u1", "title": "a"},
		rill.Row{"id": "theirs", "user_id": "u2", "title": "b"},
	)
	m := client.Mutator("tasks")
	ctx := context.Background()

	t.Run("update owned row", func(t *testing.T) {
		row, err := m.Update(ctx, "mine", rill.Row{"title": "a2", "id": "hijack", "user_id": "u2"})
		if err != nil {
			t.Fatalf("Update() failed: %v", err)
		}
		if row.ID() != "mine" || row["user_id"] != "u1" || row["title"] != "a2" {
			t.Errorf("unexpected row %v", row)
		}
		if got, _ := row.Time(rill.ColumnUpdatedAt); !got.Equal(now) {
			t.Errorf("updated_at = %v, want %v", got, now)
		}

		call, _ := store.LastCall(rilltesting.OpUpdate)
		if len(call.Where) != 2 || call.Where[1].Field != rill.ColumnUserID || call.Where[1].Value != "u1" {
			t.Errorf("update not scoped to principal: %v", call.Where)
		}
	})

	t.Run("update foreign row", func(t *testing.T) {
		row, err := m.Update(ctx, "theirs", rill.Row{"title": "x"})
		if err != nil || row != nil {
			t.Errorf("expected (nil, nil), got (%v, %v)", row, err)
		}
		if m.Err() != nil {
			t.Errorf("no-match should not record an error: %v", m.Err())
		}
	})

	t.Run("missing id", func(t *testing.T) {
		if _, err := m.Update(ctx, "", rill.Row{"title": "x"}); !errors.Is(err, rill.ErrMissingID) {
			t.Errorf("expected ErrMissingID, got %v", err)
		}
		if _, err := m.Remove(ctx, "", true); !errors.Is(err, rill.ErrMissingID) {
			t.Errorf("expected ErrMissingID, got %v", err)
		}
	})

	t.Run("remove foreign row", func(t *testing.T) {
		for _, hard := range []bool{false, true} {
			ok, err := m.Remove(ctx, "theirs", hard)
			if err != nil || ok {
				t.Errorf("hard=%v: expected (false, nil), got (%v, %v)", hard, ok, err)
			}
		}
		if mem.Len("tasks") != 2 {
			t.Error("foreign row was removed")
		}
	})

	t.Run("soft remove", func(t *testing.T) {
		ok, err := m.Remove(ctx, "mine", false)
		if err != nil || !ok {
			t.Fatalf("expected (true, nil), got (%v, %v)", ok, err)
		}
		rows, err := mem.Read(ctx, rill.ReadRequest{Collection: "tasks", Predicates: []rill.Predicate{rill.Eq("id", "mine")}})
		if err != nil || len(rows) != 1 {
			t.Fatalf("soft-removed row should remain stored: %v %v", rows, err)
		}
		if got, _ := rows[0].Time(rill.ColumnDeletedAt); !got.Equal(now) {
			t.Errorf("deleted_at = %v, want %v", got, now)
		}
	})

	t.Run("hard remove", func(t *testing.T) {
		ok, err := m.Remove(ctx, "mine", true)
		if err != nil || !ok {
			t.Fatalf("expected (true, nil), got (%v, %v)", ok, err)
		}
		if mem.Len("tasks") != 1 {
			t.Errorf("expected 1 row left, got %d", mem.Len("tasks"))
		}
	})
}

func TestMutatorMutate(t *testing.T) {
	client, store, _ := newClient(t, rill.WithSession(rill.StaticSession("u1")))
	m := client.Mutator("tasks")
	ctx := context.Background()

	created, err := m.Mutate(ctx, rill.Row{"title": "a"})
	if err != nil {
		t.Fatal(err)
	}
	updated, err := m.Mutate(ctx, rill.Row{"id": created.ID(), "title": "b"})
	if err != nil {
		t.Fatal(err)
	}
	if updated["title"] != "b" {
		t.Errorf("unexpected row %v", updated)
	}
	store.AssertCalled(rilltesting.OpInsert, 1)
	store.AssertCalled(rilltesting.OpUpdate, 1)
}

func TestMutatorFailure(t *testing.T) {
	notices := &noticeRecorder{}
	client, store, _ := newClient(t,
		rill.WithSession(rill.StaticSession("u1")),
		rill.WithNotifier(notices),
	)
	calls := 0
	m := client.Mutator("tasks", rill.OnSuccess(func(context.Context) error {
		calls++
		return nil
	}))

	cause := errors.New("disk full")
	store.Fail(rilltesting.OpInsert).WithError(cause)

	_, err := m.Create(context.Background(), rill.Row{"title": "a"})
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause, got %v", err)
	}
	if !errors.Is(m.Err(), cause) {
		t.Errorf("Err() = %v", m.Err())
	}
	if calls != 0 {
		t.Error("OnSuccess ran for a failed write")
	}

	got := notices.all()
	if len(got) != 1 {
		t.Fatalf("expected 1 notice, got %d", len(got))
	}
	if got[0].Title != "Error" || !got[0].Destructive || got[0].Message != err.Error() {
		t.Errorf("unexpected notice %+v", got[0])
	}

	if _, err := m.Create(context.Background(), rill.Row{"title": "b"}); err != nil {
		t.Fatal(err)
	}
	if m.Err() != nil {
		t.Error("successful write should clear Err")
	}
	if calls != 1 {
		t.Errorf("OnSuccess ran %d times", calls)
	}
}

func TestMutatorCallbackErrorDoesNotFail(t *testing.T) {
	client, _, _ := newClient(t, rill.WithSession(rill.StaticSession("u1")))
	m := client.Mutator("tasks", rill.OnSuccess(func(context.Context) error {
		return errors.New("refetch failed")
	}))
	if _, err := m.Create(context.Background(), rill.Row{"title": "a"}); err != nil {
		t.Errorf("callback error leaked into the write: %v", err)
	}
}

func TestMutatorInvalidates(t *testing.T) {
	client, _, _ := newClient(t, rill.WithSession(rill.StaticSession("u1")))
	ctx := context.Background()

	count := rill.Fetch(client, rill.Key{"tasks", "count"}, func(ctx context.Context, s rill.Store) (int, error) {
		rows, err := s.Read(ctx, rill.ReadRequest{Collection: "tasks"})
		return len(rows), err
	})
	t.Cleanup(func() { _ = count.Close() })
	if err := count.Start(ctx); err != nil {
		t.Fatal(err)
	}

	m := client.Mutator("tasks", rill.Invalidates(rill.KeyFor("tasks")))
	if _, err := m.Create(ctx, rill.Row{"title": "a"}); err != nil {
		t.Fatal(err)
	}
	if got := count.State().Data; got != 1 {
		t.Errorf("expected invalidated count 1, got %d", got)
	}
}

func TestMutatorSerializesWrites(t *testing.T) {
	client, store, _ := newClient(t, rill.WithSession(rill.StaticSession("u1")))
	m := client.Mutator("tasks")
	ctx := context.Background()

	release := store.Hold(rilltesting.OpInsert)
	defer release()

	errs := make(chan error, 2)
	go func() {
		_, err := m.Create(ctx, rill.Row{"title": "first"})
		errs <- err
	}()
	rilltesting.WaitFor(t, nil, wait, func() bool { return store.CallCount(rilltesting.OpInsert) == 1 })

	go func() {
		_, err := m.Create(ctx, rill.Row{"title": "second"})
		errs <- err
	}()
	time.Sleep(30 * time.Millisecond)
	if n := store.CallCount(rilltesting.OpInsert); n != 1 {
		t.Fatalf("second write reached the store before the first finished: %d inserts", n)
	}
	if !m.Loading() {
		t.Error("Loading() should be true while writes are queued")
	}

	release()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}

	var titles []any
	for _, c := range store.Calls() {
		if c.Op == rilltesting.OpInsert {
			titles = append(titles, c.Row["title"])
		}
	}
	if len(titles) != 2 || titles[0] != "first" || titles[1] != "second" {
		t.Errorf("writes out of order: %v", titles)
	}
	if m.Loading() {
		t.Error("Loading() should be false after the queue drains")
	}
}

func TestMutatorQueuedCancel(t *testing.T) {
	client, store, _ := newClient(t, rill.WithSession(rill.StaticSession("u1")))
	m := client.Mutator("tasks")

	release := store.Hold(rilltesting.OpInsert)
	defer release()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Create(context.Background(), rill.Row{"title": "first"})
	}()
	rilltesting.WaitFor(t, nil, wait, func() bool { return store.CallCount(rilltesting.OpInsert) == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Create(ctx, rill.Row{"title": "second"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	release()
	<-done
}

func TestMutation(t *testing.T) {
	notices := &noticeRecorder{}
	client, _, mem := newClient(t, rill.WithNotifier(notices))
	ctx := context.Background()

	q := startQuery(t, client, rill.QuerySpec{Collection: "tasks"})

	bulk := rill.NewMutation(client, func(ctx context.Context, s rill.Store, titles []string) (int, error) {
		for _, title := range titles {
			if _, err := s.Insert(ctx, "tasks", rill.Row{"title": title}); err != nil {
				return 0, err
			}
		}
		return len(titles), nil
	}, rill.KeyFor("tasks"))

	n, err := bulk.Run(ctx, []string{"a", "b"})
	if err != nil || n != 2 {
		t.Fatalf("Run() = %d, %v", n, err)
	}
	if bulk.Data() != 2 || bulk.Err() != nil {
		t.Errorf("unexpected state data=%d err=%v", bulk.Data(), bulk.Err())
	}
	if q.Count(nil) != 2 {
		t.Errorf("invalidated query not refetched, got %d rows", q.Count(nil))
	}
	if mem.Len("tasks") != 2 {
		t.Errorf("expected 2 stored rows, got %d", mem.Len("tasks"))
	}

	t.Run("failure", func(t *testing.T) {
		failing := rill.NewMutation(client, func(context.Context, rill.Store, int) (string, error) {
			return "", errors.New("boom")
		})
		if _, err := failing.Run(ctx, 1); err == nil {
			t.Fatal("expected error")
		}
		if failing.Err() == nil || failing.Data() != "" {
			t.Errorf("unexpected state data=%q err=%v", failing.Data(), failing.Err())
		}
		if len(notices.all()) != 0 {
			t.Error("Mutation failures are not reported to the notifier")
		}
	})

	t.Run("keeps last data on failure", func(t *testing.T) {
		fail := false
		m := rill.NewMutation(client, func(context.Context, rill.Store, int) (int, error) {
			if fail {
				return 0, errors.New("boom")
			}
			return 7, nil
		})
		if _, err := m.Run(ctx, 0); err != nil {
			t.Fatal(err)
		}
		fail = true
		_, _ = m.Run(ctx, 0)
		if m.Data() != 7 || m.Err() == nil {
			t.Errorf("data=%d err=%v", m.Data(), m.Err())
		}
	})
}
