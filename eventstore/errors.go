package eventstore

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict indicates a stale expected version on append.
	// The caller may retry after re-reading the aggregate's current version.
	// Nothing is committed when this is returned.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrNoEvents indicates an attempt to append zero events.
	ErrNoEvents = errors.New("no events to append")

	// ErrStoreClosed indicates the store no longer accepts appends.
	ErrStoreClosed = errors.New("event store is closed")

	// ErrReplayUnsupported indicates the storage cannot read events in
	// global commit order.
	ErrReplayUnsupported = errors.New("storage does not support reading in commit order")
)

// StorageError wraps a failure of the durable storage collaborator. It is
// terminal for the call that produced it; the store's state is unchanged.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ProjectorError wraps a projector's failure to apply a committed event.
// The event log itself is unaffected; only that projector's projection may
// lag until rebuilt.
type ProjectorError struct {
	Projector string
	Position  int64
	Err       error
}

func (e *ProjectorError) Error() string {
	return fmt.Sprintf("projector %s failed at position %d: %v", e.Projector, e.Position, e.Err)
}

func (e *ProjectorError) Unwrap() error {
	return e.Err
}
