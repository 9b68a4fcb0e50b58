package lifecycle

import "time"

// State represents the lifecycle state of a multiplexer or server.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateCrashed:
		return "Crashed"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state by name in JSON status documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EventEmitter is called when lifecycle state changes.
type EventEmitter interface {
	OnStateChange(previous, current State, reason string)
}

// Manager manages the lifecycle state machine for a component.
type Manager interface {
	// State returns the current lifecycle state.
	State() State

	// CanStart returns true if Start() can be called.
	CanStart() bool

	// CanStop returns true if Stop() can be called.
	CanStop() bool

	// TransitionTo attempts to transition to a new state.
	// Returns an error if the transition is not valid.
	TransitionTo(newState State, reason string) error

	// Go runs fn as a tracked worker.
	Go(fn func())

	// WaitWithTimeout waits for all workers to finish with a timeout.
	// Returns ErrShutdownTimeout if the timeout expires.
	WaitWithTimeout(timeout time.Duration) error
}
