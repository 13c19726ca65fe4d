package eventsourcing

import "context"

// Command encapsulates the data to mutate an aggregate
type Command interface {
	// AggregateID represents the id of the aggregate to apply to
	AggregateID() string
}

// CommandModel provides an embeddable struct that implements Command
type CommandModel struct {
	// ID contains the aggregate id
	ID string
}

// AggregateID implements the Command interface
func (m CommandModel) AggregateID() string {
	return m.ID
}

// CommandHandler consumes a command and emits Events. It must be a pure
// function of the aggregate's current state and the command: on failure no
// events are produced and the aggregate is unchanged; on success the
// returned events, folded in order, yield the aggregate's next state.
type CommandHandler interface {
	// Apply applies a command to an aggregate and generates new events
	Apply(ctx context.Context, command Command) ([]Event, error)
}
