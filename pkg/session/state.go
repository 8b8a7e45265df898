package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a session.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateDegraded   State = "degraded"
	StateClosed     State = "closed"
)

// AllStates lists every state, for metrics.
var AllStates = []string{
	string(StateConnecting),
	string(StateReady),
	string(StateDegraded),
	string(StateClosed),
}

// ErrInvalidTransition is returned for state changes the lifecycle does not
// allow.
var ErrInvalidTransition = errors.New("invalid session state transition")

var transitions = map[State][]State{
	StateConnecting: {StateReady, StateClosed},
	StateReady:      {StateDegraded, StateClosed},
	StateDegraded:   {StateReady, StateClosed},
}

// ValidateTransition checks whether a session may move from one state to
// another. Closed is terminal.
func ValidateTransition(from, to State) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
