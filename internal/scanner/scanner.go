// Package scanner scans database rows into rill.Row values.
package scanner

import (
	"fmt"
	"time"

	"github.com/zoobzio/rill"
)

// ColScanner is the interface for database row scanning.
// Satisfied by sqlx.Rows and other database libraries.
type ColScanner interface {
	Columns() ([]string, error)
	Scan(dest ...any) error
	Err() error
}

// Scanner turns driver values into Row values. Drivers hand text back as
// []byte; those become strings so rows compare and encode predictably.
type Scanner struct {
	// TimeColumns are parsed into time.Time when a driver returns them as text.
	TimeColumns map[string]bool
}

// New creates a Scanner that parses the given columns as timestamps.
func New(timeColumns ...string) *Scanner {
	s := &Scanner{TimeColumns: make(map[string]bool, len(timeColumns))}
	for _, c := range timeColumns {
		s.TimeColumns[c] = true
	}
	return s
}

// Scan reads the current row.
func (s *Scanner) Scan(cs ColScanner) (rill.Row, error) {
	cols, err := cs.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	dests := makeDests(len(cols))
	if err := cs.Scan(dests...); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	return s.build(cols, dests), nil
}

// ScanAll reads every remaining row, advancing with next.
func (s *Scanner) ScanAll(cs ColScanner, next func() bool) ([]rill.Row, error) {
	cols, err := cs.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	dests := makeDests(len(cols))

	var rows []rill.Row
	for next() {
		resetDests(dests)
		if err := cs.Scan(dests...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rows = append(rows, s.build(cols, dests))
	}
	if err := cs.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return rows, nil
}

// Row normalizes values decoded outside database/sql, such as a JSON
// notification payload, the same way scanned columns are.
func (s *Scanner) Row(values map[string]any) rill.Row {
	if values == nil {
		return nil
	}
	row := make(rill.Row, len(values))
	for col, v := range values {
		row[col] = s.normalize(col, v)
	}
	return row
}

func makeDests(n int) []any {
	dests := make([]any, n)
	for i := range dests {
		dests[i] = new(any)
	}
	return dests
}

func resetDests(dests []any) {
	for _, d := range dests {
		*(d.(*any)) = nil
	}
}

func (s *Scanner) build(cols []string, dests []any) rill.Row {
	row := make(rill.Row, len(cols))
	for i, col := range cols {
		row[col] = s.normalize(col, *(dests[i].(*any)))
	}
	return row
}

func (s *Scanner) normalize(col string, v any) any {
	switch val := v.(type) {
	case []byte:
		text := string(val)
		if s.TimeColumns[col] {
			if t, ok := parseTime(text); ok {
				return t
			}
		}
		return text
	case string:
		if s.TimeColumns[col] {
			if t, ok := parseTime(val); ok {
				return t
			}
		}
		return val
	case time.Time:
		return val.UTC()
	}
	return v
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
