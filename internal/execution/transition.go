package execution

import "github.com/flowpilot-ai/flowpilot/internal/apperr"

// legalTransitions is the execution state machine. Terminal states
// have no outgoing transitions.
var legalTransitions = map[string][]string{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusPaused},
	StatusPaused:  {StatusRunning, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to string) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a conflict error for an illegal state change.
func CheckTransition(from, to string) error {
	if !CanTransition(from, to) {
		return apperr.New(apperr.KindConflict, "cannot transition execution from %s to %s", from, to)
	}
	return nil
}
