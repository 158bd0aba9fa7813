package task

import (
	"time"

	"github.com/kingrea/batchflow/internal/marker"
)

// State enumerates task lifecycle states.
type State string

const (
	StateUnstarted State = "unstarted"
	StateSkipped   State = "skipped"
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateSuccess   State = "success"
	StateFailure   State = "failure"
	StateCrash     State = "crash"
	// StateBlocked marks tasks whose dependencies can never succeed. Only the
	// scheduler sets it.
	StateBlocked State = "blocked"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateCrash, StateBlocked:
		return true
	default:
		return false
	}
}

// Failed reports whether the state is a final non-success.
func (s State) Failed() bool {
	return s.Terminal() && s != StateSuccess
}

// Started reports whether run has been issued.
func (s State) Started() bool {
	return s != StateUnstarted && s != StateBlocked
}

// Status is the result of a completion check. A polling status carries the
// positive number of jobs still in the queue; every other returned state is
// terminal.
type Status struct {
	State       State
	Outstanding int
	Detail      string
	Cause       marker.Cause
	Findings    []marker.Finding
	Logs        []string
	At          time.Time
}

// Running reports whether jobs for the task are still queued.
func (s Status) Running() bool {
	return s.State == StatePolling && s.Outstanding > 0
}
