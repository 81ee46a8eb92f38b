package rill

import (
	"context"
	"time"
)

// ReadRequest describes a structured read against a collection.
type ReadRequest struct {
	Collection string
	// Columns is the projection; empty selects every column.
	Columns    []string
	Predicates []Predicate
	// Order is optional; stores return rows in their natural order when nil.
	Order *Order
	// Limit caps the number of rows; zero means unlimited.
	Limit int
}

// Store is the contract with the external data store. Implementations live
// under providers/ and must be safe for concurrent use.
type Store interface {
	// Read returns the rows of a collection matching the request.
	Read(ctx context.Context, req ReadRequest) ([]Row, error)

	// Insert writes a new row and returns it with any store-generated columns.
	Insert(ctx context.Context, collection string, row Row) (Row, error)

	// Update patches every row matching where and returns the first updated row.
	// Returns ErrNoMatch when no row matched.
	Update(ctx context.Context, collection string, patch Row, where []Predicate) (Row, error)

	// Delete physically removes every row matching where and returns the count.
	Delete(ctx context.Context, collection string, where []Predicate) (int64, error)

	// Subscribe opens a change feed for a collection under a caller-chosen
	// channel name. The subscription ends when ctx is done or Close is called.
	Subscribe(ctx context.Context, collection, channel string) (Subscription, error)
}

// Subscription is a live change feed for one collection.
type Subscription interface {
	// Events is closed once the subscription ends.
	Events() <-chan ChangeEvent
	Close() error
}

// EventType tags a ChangeEvent.
type EventType string

// Change event types.
const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is a row-level notification from a store's change feed.
// New is set for inserts and updates, Old for updates and deletes when the
// store can provide it.
type ChangeEvent struct {
	Type       EventType
	Collection string
	New        Row
	Old        Row
	At         time.Time
}

// ID returns the primary key the event refers to.
func (e ChangeEvent) ID() string {
	if id := e.New.ID(); id != "" {
		return id
	}
	return e.Old.ID()
}
