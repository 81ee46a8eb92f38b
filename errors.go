package rill

import (
	"errors"
	"fmt"
)

// Semantic errors returned by the engines and providers.
var (
	ErrNilStore         = errors.New("rill: store is nil")
	ErrEmptyCollection  = errors.New("rill: collection name is empty")
	ErrNotAuthenticated = errors.New("rill: not authenticated")
	ErrNoMatch          = errors.New("rill: no row matched")
	ErrClosed           = errors.New("rill: closed")
	ErrChannelInUse     = errors.New("rill: channel already subscribed")
	ErrDuplicateID      = errors.New("rill: duplicate id")
	ErrMissingID        = errors.New("rill: id is required")

	// ErrInvalidDefinition is returned when a QueryDefinition cannot become a QuerySpec.
	ErrInvalidDefinition = errors.New("rill: invalid query definition")
)

// StoreError wraps a failure returned by a Store.
type StoreError struct {
	Op         string
	Collection string
	Err        error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("rill: %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func newStoreError(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Collection: collection, Err: err}
}
