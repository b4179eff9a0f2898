package orchestrator

import "time"

// State is a run's position in the state machine:
//
//	Idle → Authorizing → Executing(i) → Settling(i) → … → Reconciling → Closed
//
// Authorizing goes straight to Aborted when the lock fails. Any later abort
// drains through Reconciling and ends in Aborted instead of Closed, so locked
// funds are always refunded first.
type State string

const (
	StateIdle        State = "idle"
	StateAuthorizing State = "authorizing"
	StateExecuting   State = "executing"
	StateSettling    State = "settling"
	StateReconciling State = "reconciling"
	StateClosed      State = "closed"
	StateAborted     State = "aborted"
)

// Terminal reports whether no further transition can follow.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateAborted
}

// Transition is reported to Options.OnTransition on every state change.
// TaskIndex is -1 outside Executing and Settling.
type Transition struct {
	RunID     string
	From      State
	To        State
	TaskIndex int
	TaskID    string
	At        time.Time
}

// FailurePolicy decides what a failed task does to the rest of the run.
type FailurePolicy string

const (
	// AbortOnFirstFailure stops at the first failed task; later tasks never run.
	AbortOnFirstFailure FailurePolicy = "abort"
	// ContinueOnFailure records the failure and moves on to the next task.
	ContinueOnFailure FailurePolicy = "continue"
)

// ParsePolicy maps "abort" and "continue" to a policy. Empty means abort.
func ParsePolicy(s string) (FailurePolicy, bool) {
	switch FailurePolicy(s) {
	case "", AbortOnFirstFailure:
		return AbortOnFirstFailure, true
	case ContinueOnFailure:
		return ContinueOnFailure, true
	default:
		return "", false
	}
}
