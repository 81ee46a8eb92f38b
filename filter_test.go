package rill

import (
	"testing"
	"time"
)

func TestFiltersPredicates(t *testing.T) {
	status := "unread"
	var unset *string

	t.Run("omits all and nil", func(t *testing.T) {
		preds := Filters{
			"status": "all",
			"kind":   nil,
			"owner":  unset,
			"user":   "u1",
		}.Predicates()
		if len(preds) != 1 || preds[0].Field != "user" || preds[0].Value != "u1" {
			t.Errorf("expected only user predicate, got %v", preds)
		}
	})

	t.Run("dereferences pointers", func(t *testing.T) {
		preds := Filters{"status": &status}.Predicates()
		if len(preds) != 1 || preds[0].Value != "unread" {
			t.Errorf("expected dereferenced value, got %v", preds)
		}
	})

	t.Run("pointer to all", func(t *testing.T) {
		all := FilterAll
		if preds := (Filters{"status": &all}).Predicates(); len(preds) != 0 {
			t.Errorf("expected no predicates, got %v", preds)
		}
	})

	t.Run("sorted by field", func(t *testing.T) {
		preds := Filters{"b": 1, "a": 2, "c": 3}.Predicates()
		if preds[0].Field != "a" || preds[1].Field != "b" || preds[2].Field != "c" {
			t.Errorf("unexpected order %v", preds)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if Filters(nil).Predicates() != nil {
			t.Error("expected nil for empty filters")
		}
	})
}

func TestPredicateMatch(t *testing.T) {
	row := Row{"id": "1", "count": int64(3), "deleted_at": nil, "flag": true}

	tests := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"eq string", Eq("id", "1"), true},
		{"eq mismatch", Eq("id", "2"), false},
		{"eq numeric kinds", Eq("count", 3), true},
		{"eq float", Eq("count", 3.0), true},
		{"eq bool", Eq("flag", true), true},
		{"eq missing column", Eq("nope", "x"), false},
		{"is null nil", IsNull("deleted_at"), true},
		{"is null missing", IsNull("archived_at"), true},
		{"is null set", IsNull("id"), false},
		{"unknown operator", Predicate{Field: "id", Op: "LIKE", Value: "1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pred.Match(row); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}

	if !MatchAll(row, nil) {
		t.Error("no predicates should match")
	}
	if MatchAll(row, []Predicate{Eq("id", "1"), Eq("count", 4)}) {
		t.Error("MatchAll should require every predicate")
	}
}

func TestPredicateString(t *testing.T) {
	if got := Eq("status", "open").String(); got != "status = open" {
		t.Errorf("got %q", got)
	}
	if got := IsNull("deleted_at").String(); got != "deleted_at IS NULL" {
		t.Errorf("got %q", got)
	}
}

func TestSortRows(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []Row{
		{"id": "old", "created_at": t0},
		{"id": "none"},
		{"id": "new", "created_at": t0.Add(2 * time.Hour)},
		{"id": "mid", "created_at": t0.Add(time.Hour).Format(time.RFC3339)},
	}

	t.Run("default descending", func(t *testing.T) {
		work := append([]Row(nil), rows...)
		SortRows(work, DefaultOrder)
		want := []string{"new", "mid", "old", "none"}
		for i, id := range want {
			if work[i].ID() != id {
				t.Fatalf("position %d: got %s, want %s", i, work[i].ID(), id)
			}
		}
	})

	t.Run("ascending keeps missing last", func(t *testing.T) {
		work := append([]Row(nil), rows...)
		SortRows(work, Order{Column: ColumnCreatedAt, Ascending: true})
		want := []string{"old", "mid", "new", "none"}
		for i, id := range want {
			if work[i].ID() != id {
				t.Fatalf("position %d: got %s, want %s", i, work[i].ID(), id)
			}
		}
	})

	t.Run("stable for ties", func(t *testing.T) {
		work := []Row{{"id": "a", "n": 1}, {"id": "b", "n": 1}, {"id": "c", "n": 0}}
		SortRows(work, Order{Column: "n", Ascending: true})
		if work[0].ID() != "c" || work[1].ID() != "a" || work[2].ID() != "b" {
			t.Errorf("unexpected order %v %v %v", work[0].ID(), work[1].ID(), work[2].ID())
		}
	})
}
