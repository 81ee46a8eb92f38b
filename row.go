package rill

import (
	"fmt"
	"reflect"
	"time"
)

// Conventional column names understood by the query and mutation engines.
const (
	ColumnID        = "id"
	ColumnUserID    = "user_id"
	ColumnCreatedAt = "created_at"
	ColumnUpdatedAt = "updated_at"
	ColumnDeletedAt = "deleted_at"
)

// sqliteTimeFormats are the layouts go-sqlite3 uses when a timestamp comes back as text.
var sqliteTimeFormats = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Row is a single record of a collection keyed by column name.
// No schema is enforced; callers decide the shape.
type Row map[string]any

// ID returns the primary key of the row as a string.
func (r Row) ID() string {
	v, ok := r[ColumnID]
	if !ok || isNil(v) {
		return ""
	}
	switch id := v.(type) {
	case string:
		return id
	case []byte:
		return string(id)
	default:
		return fmt.Sprint(id)
	}
}

// CreatedAt returns the created_at timestamp, or the zero time if absent or unparseable.
func (r Row) CreatedAt() time.Time {
	t, _ := r.Time(ColumnCreatedAt)
	return t
}

// Deleted reports whether the row carries a soft-delete marker.
func (r Row) Deleted() bool {
	v, ok := r[ColumnDeletedAt]
	return ok && !isNil(v)
}

// Time reads a timestamp column, accepting time.Time values and the textual
// layouts drivers hand back.
func (r Row) Time(column string) (time.Time, bool) {
	v, ok := r[column]
	if !ok || isNil(v) {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		return *t, true
	case string:
		return parseTime(t)
	case []byte:
		return parseTime(string(t))
	default:
		return time.Time{}, false
	}
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of the row with patch applied on top.
func (r Row) Merge(patch Row) Row {
	out := r.Clone()
	if out == nil {
		out = make(Row, len(patch))
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Project returns a copy of the row restricted to columns. An empty column
// list returns the whole row.
func (r Row) Project(columns []string) Row {
	if len(columns) == 0 {
		return r.Clone()
	}
	out := make(Row, len(columns))
	for _, c := range columns {
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range sqliteTimeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// isNil reports whether v is nil or a nil pointer, map, slice or interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
