package eventstore

import "context"

// Storage is the durable collaborator injected into the Store. An
// implementation must guarantee that Save has fully survived before it
// returns nil, and that Load returns records in per-aggregate version order.
type Storage interface {
	// Save persists the provided serialized records for one aggregate.
	// Each record occupies the version slot given by Record.Version; if any
	// slot is already taken the whole call fails with ErrConcurrencyConflict
	// and nothing is persisted. Storages that keep a global commit order
	// return the position assigned to each record, in record order; storages
	// without one return nil positions.
	Save(ctx context.Context, aggregateID string, records ...Record) ([]int64, error)

	// Load the history of events up to the version specified.
	// When toVersion is 0, all events will be loaded.
	// To start at the beginning, fromVersion should be set to 0.
	// A missing aggregate yields an empty history, not an error.
	Load(ctx context.Context, aggregateID string, fromVersion, toVersion int) (History, error)
}

// GlobalReader is implemented by storages that can read the whole log in
// commit order. The Store requires it for Replay. A GlobalReader must also
// return positions from Save, so the positions the Store dispatches online
// are the same ones ReadAll yields later.
type GlobalReader interface {
	// ReadAll returns up to limit committed records with a global position
	// strictly greater than fromPosition, ordered by position ascending.
	ReadAll(ctx context.Context, fromPosition int64, limit int) ([]CommittedRecord, error)
}
