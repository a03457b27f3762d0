// Package queue carries inbound jobs to the engine with at-least-once delivery.
//
// Two transports are provided: NATS JetStream for deployments and an
// in-process watermill channel for local runs and tests. Both hand the worker
// the same Message shape, so acknowledgement policy lives in one place.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonathan/meeting-coach/internal/types"
)

// DefaultSubject is the subject/topic jobs are published on
const DefaultSubject = "coaching.jobs"

// Message is one delivery of a job. Exactly one of Ack or Nack should be called.
type Message struct {
	ID      string
	Payload []byte
	// Attempt is the delivery count when the transport knows it, else 0
	Attempt int

	ack  func()
	nack func()
}

// NewMessage builds a Message from transport callbacks
func NewMessage(id string, payload []byte, attempt int, ack, nack func()) Message {
	return Message{ID: id, Payload: payload, Attempt: attempt, ack: ack, nack: nack}
}

// Ack confirms the message; it will not be redelivered
func (m Message) Ack() {
	if m.ack != nil {
		m.ack()
	}
}

// Nack asks the transport to redeliver the message
func (m Message) Nack() {
	if m.nack != nil {
		m.nack()
	}
}

// Source delivers messages until ctx is cancelled or the source is closed
type Source interface {
	Messages(ctx context.Context) (<-chan Message, error)
	Close() error
}

// Publisher sends jobs to workers
type Publisher interface {
	Publish(ctx context.Context, job types.Job) error
	Close() error
}

// DecodeError marks a payload that can never be processed
type DecodeError struct {
	Message string
	Cause   error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("queue decode error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("queue decode error: %s", e.Message)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// DecodeJob parses and validates a job payload
func DecodeJob(payload []byte) (types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return job, &DecodeError{Message: "payload is not a job", Cause: err}
	}
	if err := job.Validate(); err != nil {
		return job, &DecodeError{Message: "invalid job", Cause: err}
	}
	return job, nil
}

// EncodeJob validates and serialises a job
func EncodeJob(job types.Job) ([]byte, error) {
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}
