package types

import "strings"

// State is the lifecycle state of a single realization as seen by the scheduler.
type State string

const (
	StateWaiting    State = "WAITING"
	StateSubmitting State = "SUBMITTING"
	StateStarting   State = "STARTING"
	StateRunning    State = "RUNNING"
	StateAborting   State = "ABORTING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateAborted    State = "ABORTED"
)

var stateToLegacy = map[State]string{
	StateWaiting:    "WAITING",
	StateSubmitting: "SUBMITTED",
	StateStarting:   "PENDING",
	StateRunning:    "RUNNING",
	StateAborting:   "DO_KILL",
	StateCompleted:  "SUCCESS",
	StateFailed:     "FAILED",
	StateAborted:    "IS_KILLED",
}

// Legacy returns the queue-status name monitors expect on the wire.
func (s State) Legacy() string {
	if l, ok := stateToLegacy[s]; ok {
		return l
	}
	return string(s)
}

// Terminal reports whether no further transitions follow s within a submission attempt.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// StateFromLegacy maps a legacy queue-status name back to a State.
// Unknown names map to the empty State.
func StateFromLegacy(legacy string) State {
	legacy = strings.ToUpper(legacy)
	for s, l := range stateToLegacy {
		if l == legacy {
			return s
		}
	}
	return ""
}

// stateRank orders states so monitors can reject regressions within one attempt.
var stateRank = map[State]int{
	StateWaiting:    0,
	StateSubmitting: 1,
	StateStarting:   2,
	StateRunning:    3,
	StateAborting:   4,
	StateCompleted:  5,
	StateFailed:     5,
	StateAborted:    5,
}

// Precedes reports whether s comes strictly before other in the lifecycle.
func (s State) Precedes(other State) bool {
	return stateRank[s] < stateRank[other]
}
