package orch

import "fmt"

type State int

const (
	StateIdle State = iota
	StateAdmitting
	StateConnecting
	StateJoining
	StateActive
	StateEnding
	StateClosed
)

var stateNames = [...]string{"idle", "admitting", "connecting", "joining", "active", "ending", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// next is the only forward step out of each state. Every state before
// Ending may also drain to Ending.
var next = map[State]State{
	StateIdle:       StateAdmitting,
	StateAdmitting:  StateConnecting,
	StateConnecting: StateJoining,
	StateJoining:    StateActive,
	StateEnding:     StateClosed,
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	if to == StateEnding {
		return from != StateEnding
	}
	n, ok := next[from]
	return ok && n == to
}
