package gate1

import "fmt"

// ParseError means the model response was not JSON at all. Callers record it as
// a run error rather than a validation failure.
type ParseError struct {
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("gate1 parse error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("gate1 parse error: %s", e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// SchemaError means the embedded schema itself could not be used
type SchemaError struct {
	Message string
	Cause   error
}

func (e *SchemaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("gate1 schema error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("gate1 schema error: %s", e.Message)
}

func (e *SchemaError) Unwrap() error {
	return e.Cause
}
