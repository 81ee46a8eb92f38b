package rill

import (
	"testing"
	"time"
)

func TestRowID(t *testing.T) {
	tests := []struct {
		name string
		row  Row
		want string
	}{
		{"string", Row{"id": "a1"}, "a1"},
		{"bytes", Row{"id": []byte("b2")}, "b2"},
		{"number", Row{"id": int64(7)}, "7"},
		{"missing", Row{}, ""},
		{"nil", Row{"id": nil}, ""},
		{"nil row", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.row.ID(); got != tt.want {
				t.Errorf("ID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRowTime(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("time value", func(t *testing.T) {
		if got := (Row{"created_at": want}).CreatedAt(); !got.Equal(want) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("pointer", func(t *testing.T) {
		v := want
		if got, ok := (Row{"created_at": &v}).Time("created_at"); !ok || !got.Equal(want) {
			t.Errorf("got %v, %v", got, ok)
		}
	})

	t.Run("sqlite text", func(t *testing.T) {
		r := Row{"created_at": "2024-03-01 10:00:00+00:00"}
		if got := r.CreatedAt(); !got.Equal(want) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("rfc3339 bytes", func(t *testing.T) {
		r := Row{"created_at": []byte("2024-03-01T10:00:00Z")}
		if got := r.CreatedAt(); !got.Equal(want) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, ok := (Row{"created_at": "yesterday"}).Time("created_at"); ok {
			t.Error("expected parse failure")
		}
		if !(Row{"created_at": 12}).CreatedAt().IsZero() {
			t.Error("expected zero time for non-time value")
		}
	})
}

func TestRowDeleted(t *testing.T) {
	if (Row{}).Deleted() {
		t.Error("missing deleted_at is not deleted")
	}
	if (Row{"deleted_at": nil}).Deleted() {
		t.Error("nil deleted_at is not deleted")
	}
	var nilTime *time.Time
	if (Row{"deleted_at": nilTime}).Deleted() {
		t.Error("typed nil deleted_at is not deleted")
	}
	if !(Row{"deleted_at": time.Now()}).Deleted() {
		t.Error("stamped deleted_at is deleted")
	}
}

func TestRowCopies(t *testing.T) {
	t.Run("Clone", func(t *testing.T) {
		r := Row{"a": 1}
		c := r.Clone()
		c["a"] = 2
		if r["a"] != 1 {
			t.Error("Clone shares storage")
		}
		if Row(nil).Clone() != nil {
			t.Error("Clone of nil should be nil")
		}
	})

	t.Run("Merge", func(t *testing.T) {
		r := Row{"a": 1, "b": 2}
		m := r.Merge(Row{"b": 3, "c": 4})
		if m["a"] != 1 || m["b"] != 3 || m["c"] != 4 {
			t.Errorf("unexpected merge %v", m)
		}
		if r["b"] != 2 {
			t.Error("Merge modified the receiver")
		}
		if got := Row(nil).Merge(Row{"a": 1}); got["a"] != 1 {
			t.Errorf("Merge onto nil: %v", got)
		}
	})

	t.Run("Project", func(t *testing.T) {
		r := Row{"id": "1", "title": "x", "body": "y"}
		p := r.Project([]string{"id", "title", "missing"})
		if len(p) != 2 || p["title"] != "x" {
			t.Errorf("unexpected projection %v", p)
		}
		if _, ok := p["missing"]; ok {
			t.Error("absent columns should not be added")
		}
		if all := r.Project(nil); len(all) != 3 {
			t.Errorf("empty projection should keep every column, got %v", all)
		}
	})
}
