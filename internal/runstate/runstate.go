// Package runstate defines the legal lifecycle transitions of a run.
package runstate

import (
	"fmt"

	"github.com/jonathan/meeting-coach/internal/types"
)

var transitions = map[types.RunStatus][]types.RunStatus{
	types.RunQueued: {types.RunRunning},
	// queued is a released claim; the next delivery starts the run over
	types.RunRunning: {types.RunComplete, types.RunError, types.RunQueued},
}

// CanTransition reports whether a run may move from one status to another.
// Re-claiming a running run (running -> running) is allowed; the store
// decides whether the existing lease has expired.
func CanTransition(from, to types.RunStatus) bool {
	if from == types.RunRunning && to == types.RunRunning {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for a transition the lifecycle does not allow
type TransitionError struct {
	From types.RunStatus
	To   types.RunStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("runstate: illegal transition %s -> %s", e.From, e.To)
}

// Check returns a *TransitionError if from -> to is not allowed
func Check(from, to types.RunStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// Finish builds the terminal result for a run that cleared the model call and Gate-1.
// A Gate-1 rejection still completes the run.
func Finish(model, raw string, output *types.CoachingOutput, passed bool) types.RunResult {
	return types.RunResult{
		Status:    types.RunComplete,
		Gate1Pass: types.BoolPtr(passed),
		Model:     model,
		RawOutput: raw,
		Output:    output,
	}
}

// Fail builds the terminal result for a run that could not be analyzed
func Fail(kind types.ErrorKind, message, model, raw string) types.RunResult {
	return types.RunResult{
		Status:    types.RunError,
		Model:     model,
		RawOutput: raw,
		Error:     &types.ErrorPayload{Kind: kind, Message: message},
	}
}
