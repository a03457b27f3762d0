package engine

import (
	"errors"
	"fmt"

	"github.com/jonathan/meeting-coach/internal/runstate"
	"github.com/jonathan/meeting-coach/internal/types"
)

// ErrNotFound is wrapped when a job references a record that does not exist
var ErrNotFound = errors.New("not found")

// Error is an engine failure that did not end in a recorded terminal state.
// Retryable errors leave every record re-enterable, so the job may be redelivered.
type Error struct {
	Kind      types.ErrorKind
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("engine error: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("engine error: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether err is worth redelivering the job for
func Retryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// KindOf returns the error kind carried by err, or internal
func KindOf(err error) types.ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return types.KindInternal
}

// storeError wraps a record-store failure. Nothing terminal was written, so
// redelivery resumes where this attempt stopped.
func storeError(message string, err error) *Error {
	return &Error{Kind: types.KindInternal, Message: message, Retryable: true, Cause: err}
}

func notFound(what, id string) *Error {
	return &Error{Kind: types.KindPrecondition, Message: fmt.Sprintf("%s %s", what, id), Cause: ErrNotFound}
}

// isTransitionError reports a run status change the store refused because
// the run had already moved on, which callers treat as a lost claim
func isTransitionError(err error) bool {
	var terr *runstate.TransitionError
	return errors.As(err, &terr)
}
