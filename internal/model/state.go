package model

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a single transfer. The numeric values match
// the bit flags used by platform download services so that persisted values
// stay comparable across engines.
type State int

// Transfer states.
const (
	StatePending    State = 1
	StateRunning    State = 2
	StatePaused     State = 4
	StateSuccessful State = 8
	StateFailed     State = 16
)

var stateNames = map[State]string{
	StatePending:    "PENDING",
	StateRunning:    "RUNNING",
	StatePaused:     "PAUSED",
	StateSuccessful: "SUCCESSFUL",
	StateFailed:     "FAILED",
}

// AllStates lists every transfer state in lifecycle order.
var AllStates = []State{StatePending, StateRunning, StatePaused, StateSuccessful, StateFailed}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown state %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a state name, case-insensitively.
func (s *State) UnmarshalText(b []byte) error {
	want := strings.ToUpper(string(b))
	for st, name := range stateNames {
		if name == want {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", string(b))
}

// IsInProgress reports whether a transfer in state s can still change.
func IsInProgress(s State) bool {
	return s != StateSuccessful && s != StateFailed
}

// validTransitions maps each state to the set of states it may transition to.
// Terminal states have no entry.
var validTransitions = map[State]map[State]bool{
	StatePending: {
		StateRunning: true,
		StateFailed:  true,
	},
	StateRunning: {
		StatePaused:     true,
		StateSuccessful: true,
		StateFailed:     true,
	},
	StatePaused: {
		StateRunning: true,
		StateFailed:  true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// reachable reports whether to can be reached from from, either directly or by
// passing through RUNNING. Poll observations regularly skip the RUNNING phase
// of short transfers.
func reachable(from, to State) bool {
	if ValidTransition(from, to) {
		return true
	}
	return ValidTransition(from, StateRunning) && ValidTransition(StateRunning, to)
}
