package llm

import (
	"context"
	"errors"
	"fmt"
)

// TransportError is any failure to obtain a response from the provider:
// network errors, non-2xx responses, empty candidates and timeouts.
type TransportError struct {
	Provider Provider
	Message  string
	Timeout  bool
	Cause    error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s transport error: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s transport error: %s", e.Provider, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// transportError wraps err, flagging it as a timeout when ctx expired
func transportError(ctx context.Context, provider Provider, message string, err error) *TransportError {
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	if timeout {
		message = "request timed out"
	}
	return &TransportError{Provider: provider, Message: message, Timeout: timeout, Cause: err}
}
