package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/zoobzio/rill"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitCommandError = 2
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error; plain errors exit 1.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// printer writes rows and events as JSON lines or aligned text.
type printer struct {
	w      io.Writer
	format string
}

func (p *printer) rows(rows []rill.Row) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		for _, r := range rows {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range rows {
		if _, err := fmt.Fprintln(p.w, formatRow(r)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(p.w, "(%d rows)\n", len(rows))
	return err
}

func (p *printer) event(ev rill.ChangeEvent) error {
	if p.format == "json" {
		return json.NewEncoder(p.w).Encode(struct {
			Type       rill.EventType `json:"type"`
			Collection string         `json:"collection"`
			New        rill.Row       `json:"new,omitempty"`
			Old        rill.Row       `json:"old,omitempty"`
			At         time.Time      `json:"at"`
		}{ev.Type, ev.Collection, ev.New, ev.Old, ev.At})
	}
	row := ev.New
	if row == nil {
		row = ev.Old
	}
	_, err := fmt.Fprintf(p.w, "%s %-6s %s\n", ev.At.Format(time.RFC3339), ev.Type, formatRow(row))
	return err
}

// formatRow renders id first, then the remaining columns sorted.
func formatRow(r rill.Row) string {
	keys := make([]string, 0, len(r))
	for k := range r {
		if k != rill.ColumnID {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, fmt.Sprintf("id=%s", r.ID()))
	for _, k := range keys {
		v := r[k]
		if t, ok := v.(time.Time); ok {
			v = t.Format(time.RFC3339)
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}
