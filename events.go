package rill

import "github.com/zoobzio/capitan"

// Store query signals, emitted by the SQL providers.
var (
	// QueryStarted is emitted when a statement begins execution.
	// Fields: TableKey, OperationKey, SQLKey.
	QueryStarted = capitan.NewSignal("rill.query.started", "Store statement execution started")

	// QueryCompleted is emitted when a statement completes successfully.
	// Fields: TableKey, OperationKey, DurationMsKey, RowsAffectedKey or RowsReturnedKey.
	QueryCompleted = capitan.NewSignal("rill.query.completed", "Store statement completed successfully")

	// QueryFailed is emitted when a statement fails.
	// Fields: TableKey, OperationKey, DurationMsKey, ErrorKey.
	QueryFailed = capitan.NewSignal("rill.query.failed", "Store statement failed with error")
)

// Change feed signals, emitted by providers with a server-side feed.
var (
	// FeedListening is emitted when a provider starts listening for a collection.
	// Fields: CollectionKey, ChannelKey.
	FeedListening = capitan.NewSignal("rill.feed.listening", "Change feed listening")

	// FeedDisconnected is emitted when the feed connection drops or a reconnect attempt fails.
	// Fields: ErrorKey.
	FeedDisconnected = capitan.NewSignal("rill.feed.disconnected", "Change feed connection lost")

	// FeedReconnected is emitted when the feed connection is re-established.
	// Events raised while disconnected are lost; live queries should refetch.
	FeedReconnected = capitan.NewSignal("rill.feed.reconnected", "Change feed reconnected")

	// FeedDecodeFailed is emitted when a notification payload cannot be decoded.
	// Fields: ChannelKey, ErrorKey.
	FeedDecodeFailed = capitan.NewSignal("rill.feed.decode_failed", "Change feed payload could not be decoded")
)

// Engine signals.
var (
	// FetchCompleted is emitted when a live query or result finishes a fetch.
	// Fields: CollectionKey or KeyKey, DurationMsKey, RowsReturnedKey.
	FetchCompleted = capitan.NewSignal("rill.fetch.completed", "Live query fetch completed")

	// FetchFailed is emitted when a fetch fails. Rows are kept at their last value.
	// Fields: CollectionKey or KeyKey, DurationMsKey, ErrorKey.
	FetchFailed = capitan.NewSignal("rill.fetch.failed", "Live query fetch failed")

	// SubscriptionOpened is emitted when a realtime channel is opened.
	// Fields: CollectionKey, ChannelKey.
	SubscriptionOpened = capitan.NewSignal("rill.subscription.opened", "Realtime channel opened")

	// SubscriptionClosed is emitted when a realtime channel is torn down.
	// Fields: CollectionKey, ChannelKey.
	SubscriptionClosed = capitan.NewSignal("rill.subscription.closed", "Realtime channel closed")

	// ChangeApplied is emitted when a change event altered a result set.
	// Fields: CollectionKey, EventTypeKey, RowIDKey.
	ChangeApplied = capitan.NewSignal("rill.change.applied", "Change event merged into result set")

	// ChangeIgnored is emitted when a change event left a result set untouched.
	// Fields: CollectionKey, EventTypeKey, RowIDKey.
	ChangeIgnored = capitan.NewSignal("rill.change.ignored", "Change event did not affect result set")

	// MutationCompleted is emitted after a successful write.
	// Fields: CollectionKey or KeyKey, OperationKey, RowIDKey, DurationMsKey.
	MutationCompleted = capitan.NewSignal("rill.mutation.completed", "Mutation completed successfully")

	// MutationFailed is emitted when a write fails.
	// Fields: CollectionKey or KeyKey, OperationKey, DurationMsKey, ErrorKey.
	MutationFailed = capitan.NewSignal("rill.mutation.failed", "Mutation failed with error")

	// KeysInvalidated is emitted when query keys are invalidated.
	// Fields: KeyKey, RowsAffectedKey (number of results refetched).
	KeysInvalidated = capitan.NewSignal("rill.keys.invalidated", "Query keys invalidated")

	// CallbackFailed is emitted when an onSuccess callback returns an error.
	// Fields: CollectionKey, ErrorKey.
	CallbackFailed = capitan.NewSignal("rill.callback.failed", "Success callback returned an error")
)

// Event field keys.
var (
	// TableKey identifies the table a statement ran against.
	TableKey = capitan.NewStringKey("table")

	// CollectionKey identifies the collection an engine operates on.
	CollectionKey = capitan.NewStringKey("collection")

	// ChannelKey is the realtime channel name.
	ChannelKey = capitan.NewStringKey("channel")

	// OperationKey identifies the operation (SELECT, INSERT, UPDATE, DELETE, create, remove...).
	OperationKey = capitan.NewStringKey("operation")

	// SQLKey contains the rendered SQL statement.
	SQLKey = capitan.NewStringKey("sql")

	// EventTypeKey is the change event type.
	EventTypeKey = capitan.NewStringKey("event_type")

	// RowIDKey is the primary key of the affected row.
	RowIDKey = capitan.NewStringKey("row_id")

	// KeyKey is the rendered query key.
	KeyKey = capitan.NewStringKey("key")

	// DurationMsKey contains the operation duration in milliseconds.
	DurationMsKey = capitan.NewInt64Key("duration_ms")

	// RowsAffectedKey contains the number of rows affected.
	RowsAffectedKey = capitan.NewInt64Key("rows_affected")

	// RowsReturnedKey contains the number of rows returned.
	RowsReturnedKey = capitan.NewIntKey("rows_returned")

	// ErrorKey contains the error message.
	ErrorKey = capitan.NewStringKey("error")
)
