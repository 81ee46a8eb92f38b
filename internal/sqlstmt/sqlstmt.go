// Package sqlstmt renders collection reads and writes to SQL with named
// parameters. Collections carry no schema, so every statement validates
// against a DBML table built from exactly the columns it references.
package sqlstmt

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/zoobzio/astql"
	"github.com/zoobzio/dbml"
	"github.com/zoobzio/rill"
)

// ErrNoColumns is returned for an insert or update with nothing to write.
var ErrNoColumns = errors.New("sqlstmt: no columns to write")

// Statement is rendered SQL plus the named arguments it binds.
type Statement struct {
	SQL  string
	Args map[string]any
}

// schema collects the columns a statement touches.
type schema struct {
	table   string
	columns map[string]struct{}
}

func newSchema(table string) *schema {
	return &schema{table: table, columns: map[string]struct{}{rill.ColumnID: {}}}
}

func (s *schema) add(cols ...string) {
	for _, c := range cols {
		s.columns[c] = struct{}{}
	}
}

// instance builds the astql validator for the collected columns.
func (s *schema) instance() (*astql.ASTQL, error) {
	project := dbml.NewProject(s.table).
		WithDatabaseType("PostgreSQL")
	table := dbml.NewTable(s.table).
		WithSchema("public")

	names := make([]string, 0, len(s.columns))
	for c := range s.columns {
		names = append(names, c)
	}
	sort.Strings(names)
	for _, name := range names {
		col := dbml.NewColumn(name, "text")
		if name == rill.ColumnID {
			col.WithPrimaryKey()
		} else {
			col.WithNull()
		}
		table.AddColumn(col)
	}
	project.AddTable(table)

	instance, err := astql.NewFromDBML(project)
	if err != nil {
		return nil, fmt.Errorf("sqlstmt: failed to create ASTQL instance: %w", err)
	}
	return instance, nil
}

// Select renders a read. An empty projection selects every column.
func Select(r astql.Renderer, req rill.ReadRequest) (*Statement, error) {
	sch := newSchema(req.Collection)
	sch.add(req.Columns...)
	for _, p := range req.Predicates {
		sch.add(p.Field)
	}
	if req.Order != nil {
		sch.add(req.Order.Column)
	}
	instance, err := sch.instance()
	if err != nil {
		return nil, err
	}

	t, err := instance.TryT(req.Collection)
	if err != nil {
		return nil, fmt.Errorf("invalid table %q: %w", req.Collection, err)
	}
	builder := astql.Select(t)

	if len(req.Columns) > 0 {
		fields := instance.Fields()
		for _, c := range req.Columns {
			f, err := instance.TryF(c)
			if err != nil {
				return nil, fmt.Errorf("invalid field %q: %w", c, err)
			}
			fields = append(fields, f)
		}
		builder = builder.Fields(fields...)
	}

	args := make(map[string]any)
	if len(req.Predicates) > 0 {
		cond, err := whereClause(instance, req.Predicates, args)
		if err != nil {
			return nil, err
		}
		builder = builder.Where(cond)
	}

	if req.Order != nil {
		f, err := instance.TryF(req.Order.Column)
		if err != nil {
			return nil, fmt.Errorf("invalid order field %q: %w", req.Order.Column, err)
		}
		dir := astql.DESC
		if req.Order.Ascending {
			dir = astql.ASC
		}
		builder = builder.OrderBy(f, dir)
	}
	if req.Limit > 0 {
		builder = builder.Limit(req.Limit)
	}

	result, err := builder.Render(r)
	if err != nil {
		return nil, fmt.Errorf("failed to render SELECT query: %w", err)
	}
	return &Statement{SQL: result.SQL, Args: args}, nil
}

// Insert renders a single-row insert of every column in row.
func Insert(r astql.Renderer, collection string, row rill.Row) (*Statement, error) {
	cols := sortedColumns(row)
	if len(cols) == 0 {
		return nil, ErrNoColumns
	}
	sch := newSchema(collection)
	sch.add(cols...)
	instance, err := sch.instance()
	if err != nil {
		return nil, err
	}

	t, err := instance.TryT(collection)
	if err != nil {
		return nil, fmt.Errorf("invalid table %q: %w", collection, err)
	}

	args := make(map[string]any, len(cols))
	values := instance.ValueMap()
	for i, c := range cols {
		f, err := instance.TryF(c)
		if err != nil {
			return nil, fmt.Errorf("invalid field %q: %w", c, err)
		}
		name := fmt.Sprintf("v%d", i)
		p, err := instance.TryP(name)
		if err != nil {
			return nil, fmt.Errorf("invalid param %q: %w", name, err)
		}
		values[f] = p
		args[name] = Value(row[c])
	}

	result, err := astql.Insert(t).Values(values).Render(r)
	if err != nil {
		return nil, fmt.Errorf("failed to render INSERT query: %w", err)
	}
	return &Statement{SQL: result.SQL, Args: args}, nil
}

// Update renders an update of the patch columns on rows matching where.
func Update(r astql.Renderer, collection string, patch rill.Row, where []rill.Predicate) (*Statement, error) {
	cols := sortedColumns(patch)
	if len(cols) == 0 {
		return nil, ErrNoColumns
	}
	sch := newSchema(collection)
	sch.add(cols...)
	for _, p := range where {
		sch.add(p.Field)
	}
	instance, err := sch.instance()
	if err != nil {
		return nil, err
	}

	t, err := instance.TryT(collection)
	if err != nil {
		return nil, fmt.Errorf("invalid table %q: %w", collection, err)
	}

	args := make(map[string]any, len(cols)+len(where))
	builder := astql.Update(t)
	for i, c := range cols {
		f, err := instance.TryF(c)
		if err != nil {
			return nil, fmt.Errorf("invalid field %q: %w", c, err)
		}
		name := fmt.Sprintf("v%d", i)
		p, err := instance.TryP(name)
		if err != nil {
			return nil, fmt.Errorf("invalid param %q: %w", name, err)
		}
		builder = builder.Set(f, p)
		args[name] = Value(patch[c])
	}
	if len(where) > 0 {
		cond, err := whereClause(instance, where, args)
		if err != nil {
			return nil, err
		}
		builder = builder.Where(cond)
	}

	result, err := builder.Render(r)
	if err != nil {
		return nil, fmt.Errorf("failed to render UPDATE query: %w", err)
	}
	return &Statement{SQL: result.SQL, Args: args}, nil
}

// Delete renders a delete of rows matching where.
func Delete(r astql.Renderer, collection string, where []rill.Predicate) (*Statement, error) {
	sch := newSchema(collection)
	for _, p := range where {
		sch.add(p.Field)
	}
	instance, err := sch.instance()
	if err != nil {
		return nil, err
	}

	t, err := instance.TryT(collection)
	if err != nil {
		return nil, fmt.Errorf("invalid table %q: %w", collection, err)
	}

	args := make(map[string]any, len(where))
	builder := astql.Delete(t)
	if len(where) > 0 {
		cond, err := whereClause(instance, where, args)
		if err != nil {
			return nil, err
		}
		builder = builder.Where(cond)
	}

	result, err := builder.Render(r)
	if err != nil {
		return nil, fmt.Errorf("failed to render DELETE query: %w", err)
	}
	return &Statement{SQL: result.SQL, Args: args}, nil
}

// whereClause ANDs the predicates together, binding values as w0, w1...
func whereClause(instance *astql.ASTQL, preds []rill.Predicate, args map[string]any) (astql.ConditionItem, error) {
	items := instance.ConditionItems()
	for i, pred := range preds {
		f, err := instance.TryF(pred.Field)
		if err != nil {
			return nil, fmt.Errorf("invalid field %q: %w", pred.Field, err)
		}

		var cond astql.ConditionItem
		switch pred.Op {
		case rill.OpIsNull:
			cond, err = instance.TryNull(f)
		case rill.OpEq:
			name := fmt.Sprintf("w%d", i)
			p, perr := instance.TryP(name)
			if perr != nil {
				return nil, fmt.Errorf("invalid param %q: %w", name, perr)
			}
			cond, err = instance.TryC(f, astql.EQ, p)
			args[name] = Value(pred.Value)
		default:
			return nil, fmt.Errorf("sqlstmt: unsupported operator %q", pred.Op)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid condition on %q: %w", pred.Field, err)
		}
		items = append(items, cond)
	}

	if len(items) == 1 {
		return items[0], nil
	}
	group, err := instance.TryAnd(items...)
	if err != nil {
		return nil, fmt.Errorf("invalid AND condition: %w", err)
	}
	return group, nil
}

// Value converts a row value into something database/sql can bind.
// Maps, slices, and structs other than time.Time are stored as JSON text.
func Value(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case string, []byte, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return val
	case time.Time:
		return val.UTC()
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC()
	case driver.Valuer:
		return val
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return Value(rv.Elem().Interface())
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return v
}

func sortedColumns(r rill.Row) []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}
