package rill

import (
	"fmt"
	"strings"
)

// QueryDefinition is a QuerySpec in a serializable format, for queries
// declared in configuration files.
//
// Example YAML:
//
//	collection: notifications
//	columns: [id, title, status, created_at]
//	filters:
//	  status: unread
//	  kind: all
//	order:
//	  column: created_at
//	  direction: desc
//	limit: 50
//	soft_delete: true
//	realtime: true
//	watch:
//	  - [inbox]
type QueryDefinition struct {
	Collection string           `json:"collection" yaml:"collection"`
	Columns    []string         `json:"columns,omitempty" yaml:"columns,omitempty"`
	Filters    map[string]any   `json:"filters,omitempty" yaml:"filters,omitempty"`
	Order      *OrderDefinition `json:"order,omitempty" yaml:"order,omitempty"`
	Limit      int              `json:"limit,omitempty" yaml:"limit,omitempty"`
	SoftDelete bool             `json:"soft_delete,omitempty" yaml:"soft_delete,omitempty"`
	Realtime   bool             `json:"realtime,omitempty" yaml:"realtime,omitempty"`
	Watch      [][]string       `json:"watch,omitempty" yaml:"watch,omitempty"`
}

// OrderDefinition is an Order in a serializable format. Direction is "asc"
// or "desc"; empty means "desc".
type OrderDefinition struct {
	Column    string `json:"column" yaml:"column"`
	Direction string `json:"direction,omitempty" yaml:"direction,omitempty"`
}

// Spec validates the definition and converts it to a QuerySpec.
func (d QueryDefinition) Spec() (QuerySpec, error) {
	if d.Collection == "" {
		return QuerySpec{}, fmt.Errorf("%w: collection is required", ErrInvalidDefinition)
	}
	if d.Limit < 0 {
		return QuerySpec{}, fmt.Errorf("%w: negative limit %d", ErrInvalidDefinition, d.Limit)
	}

	spec := QuerySpec{
		Collection: d.Collection,
		Columns:    d.Columns,
		Limit:      d.Limit,
		SoftDelete: d.SoftDelete,
		Realtime:   d.Realtime,
	}
	if len(d.Filters) > 0 {
		spec.Filters = make(Filters, len(d.Filters))
		for k, v := range d.Filters {
			spec.Filters[k] = v
		}
	}
	if d.Order != nil {
		if d.Order.Column == "" {
			return QuerySpec{}, fmt.Errorf("%w: order column is required", ErrInvalidDefinition)
		}
		o := Order{Column: d.Order.Column}
		switch strings.ToLower(d.Order.Direction) {
		case "", "desc":
		case "asc":
			o.Ascending = true
		default:
			return QuerySpec{}, fmt.Errorf("%w: order direction %q", ErrInvalidDefinition, d.Order.Direction)
		}
		spec.Order = &o
	}
	for _, w := range d.Watch {
		if len(w) == 0 {
			return QuerySpec{}, fmt.Errorf("%w: empty watch key", ErrInvalidDefinition)
		}
		spec.Watch = append(spec.Watch, Key(w))
	}
	return spec, nil
}
