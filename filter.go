package rill

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// FilterAll is the sentinel filter value meaning "no constraint".
const FilterAll = "all"

// Operator is a predicate operator understood by every Store.
type Operator string

// Supported operators.
const (
	OpEq     Operator = "="
	OpIsNull Operator = "IS NULL"
)

// Predicate constrains a read or write to rows whose Field satisfies Op.
type Predicate struct {
	Field string
	Op    Operator
	Value any
}

// Eq builds an equality predicate.
func Eq(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpEq, Value: value}
}

// IsNull builds a predicate matching rows where field is absent or null.
func IsNull(field string) Predicate {
	return Predicate{Field: field, Op: OpIsNull}
}

// Match evaluates the predicate against a row.
func (p Predicate) Match(r Row) bool {
	v, ok := r[p.Field]
	switch p.Op {
	case OpIsNull:
		return !ok || isNil(v)
	case OpEq:
		return ok && valuesEqual(v, p.Value)
	default:
		return false
	}
}

// String renders the predicate for logs and error messages.
func (p Predicate) String() string {
	if p.Op == OpIsNull {
		return p.Field + " IS NULL"
	}
	return fmt.Sprintf("%s = %v", p.Field, p.Value)
}

// MatchAll reports whether the row satisfies every predicate.
func MatchAll(r Row, preds []Predicate) bool {
	for _, p := range preds {
		if !p.Match(r) {
			return false
		}
	}
	return true
}

// Filters maps column names to equality values. Entries whose value is nil
// or FilterAll do not constrain the query.
type Filters map[string]any

// Predicates returns the equality predicates for the constraining entries,
// ordered by column name so equal filter sets render identically.
func (f Filters) Predicates() []Predicate {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k, v := range f {
		if omitFilter(v) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	preds := make([]Predicate, 0, len(keys))
	for _, k := range keys {
		preds = append(preds, Eq(k, deref(f[k])))
	}
	return preds
}

func omitFilter(v any) bool {
	if isNil(v) {
		return true
	}
	if s, ok := deref(v).(string); ok && s == FilterAll {
		return true
	}
	return false
}

// deref unwraps non-nil pointers so filters built from optional fields compare by value.
func deref(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr && !rv.IsNil() {
		return rv.Elem().Interface()
	}
	return v
}

// Order is the ordering of a read.
type Order struct {
	Column    string
	Ascending bool
}

// DefaultOrder is descending recency.
var DefaultOrder = Order{Column: ColumnCreatedAt, Ascending: false}

// Less reports whether a sorts before b under the order. Rows missing the
// column sort last regardless of direction.
func (o Order) Less(a, b Row) bool {
	av, aok := a[o.Column]
	bv, bok := b[o.Column]
	aNil := !aok || isNil(av)
	bNil := !bok || isNil(bv)
	switch {
	case aNil && bNil:
		return false
	case aNil:
		return false
	case bNil:
		return true
	}
	c := compareValues(av, bv)
	if o.Ascending {
		return c < 0
	}
	return c > 0
}

// SortRows stable-sorts rows in place by o.
func SortRows(rows []Row, o Order) {
	sort.SliceStable(rows, func(i, j int) bool {
		return o.Less(rows[i], rows[j])
	})
}

func valuesEqual(a, b any) bool {
	a, b = deref(a), deref(b)
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	if at, ok := toTime(a); ok {
		if bt, ok := toTime(b); ok {
			return at.Equal(bt)
		}
	}
	if as, ok := toString(a); ok {
		if bs, ok := toString(b); ok {
			return as == bs
		}
	}
	return reflect.DeepEqual(a, b)
}

func compareValues(a, b any) int {
	a, b = deref(a), deref(b)
	if at, ok := toTime(a); ok {
		if bt, ok := toTime(b); ok {
			return at.Compare(bt)
		}
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if len(t) < len("2006-01-02") {
			return time.Time{}, false
		}
		return parseTime(t)
	}
	return time.Time{}, false
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}
