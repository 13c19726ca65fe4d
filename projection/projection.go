// Package projection provides the consumer side of the event store:
// normalized events, projectors that fold them, and projection state.
package projection

// ProjectorEvent is the normalized form of a committed event. Events from
// structurally different aggregate types are converted into this shape so a
// single projector instance can consume all of them. Conversion keeps every
// field a projector can route or fold on; the typed payload stays opaque.
type ProjectorEvent struct {
	// AggregateID identifies the aggregate instance that emitted the event
	AggregateID string

	// Kind is the unique name of the event type
	Kind string

	// Sequence is the per-aggregate version of this event
	Sequence int

	// GlobalPosition is the store-wide commit order of this event
	GlobalPosition int64

	// Payload is the serialized event data
	Payload []byte
}

// Projector folds ProjectorEvents into a projection. Apply is invoked once
// per delivered event, in commit order. A projector registered against
// several event kinds receives events from every aggregate stream producing
// those kinds, so Apply must keep the projection's read-modify-write cycle
// atomic with respect to concurrent readers of the projection.
type Projector interface {
	// Name returns the unique name of this projector
	Name() string

	// Apply folds a single event into the projection
	Apply(event ProjectorEvent) error
}
