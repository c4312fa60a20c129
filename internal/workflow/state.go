package workflow

import "strings"

// State is the client-side view of an execution's status.
type State string

const (
	StatePending State = "PENDING"
	StateRunning State = "RUNNING"
	StateSuccess State = "SUCCESS"
	StateFailed  State = "FAILED"
	StateKilled  State = "KILLED"

	// StateUnknown is reached when polling gives up on transport errors.
	StateUnknown State = "UNKNOWN"

	// StateTimedOut is reached when the poll deadline passes before the
	// engine reports a terminal state.
	StateTimedOut State = "TIMED_OUT"
)

// Terminal reports whether no further transition can occur.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateKilled, StateUnknown, StateTimedOut:
		return true
	}
	return false
}

var engineStates = map[string]State{
	"CREATED":    StatePending,
	"QUEUED":     StatePending,
	"RUNNING":    StateRunning,
	"PAUSED":     StateRunning,
	"RESTARTED":  StateRunning,
	"KILLING":    StateRunning,
	"RETRYING":   StateRunning,
	"SUCCESS":    StateSuccess,
	"WARNING":    StateSuccess,
	"FAILED":     StateFailed,
	"KILLED":     StateKilled,
	"CANCELLED":  StateKilled,
	"RETRIED":    StateFailed,
	"SKIPPED":    StateKilled,
	"SUBMITTED":  StatePending,
	"BREAKPOINT": StateRunning,
}

// MapState maps an engine state onto State. Unrecognised states are PENDING
// so a newer engine never ends a poll early.
func MapState(engine string) State {
	if s, ok := engineStates[strings.ToUpper(strings.TrimSpace(engine))]; ok {
		return s
	}
	return StatePending
}
