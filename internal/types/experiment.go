package types

import "time"

// ExperimentStatus is the lifecycle state of an assigned micro-experiment
type ExperimentStatus string

const (
	ExperimentNone      ExperimentStatus = "none"
	ExperimentAssigned  ExperimentStatus = "assigned"
	ExperimentActive    ExperimentStatus = "active"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentAbandoned ExperimentStatus = "abandoned"
)

// Open reports whether attempts are still tracked for the experiment
func (s ExperimentStatus) Open() bool {
	return s == ExperimentAssigned || s == ExperimentActive
}

// Attempt grades how far the coachee tried an experiment in a meeting
type Attempt string

const (
	AttemptNo      Attempt = "no"
	AttemptPartial Attempt = "partial"
	AttemptYes     Attempt = "yes"
)

// Attempted reports whether the grade counts as an attempt
func (a Attempt) Attempted() bool {
	return a == AttemptPartial || a == AttemptYes
}

// Experiment is a micro-experiment assigned to a coachee. At most one exists per originating run.
type Experiment struct {
	ID               string           `json:"id"`
	ExperimentID     string           `json:"experiment_id"`
	Title            string           `json:"title"`
	Instruction      string           `json:"instruction"`
	SuccessMarker    string           `json:"success_marker"`
	PatternID        string           `json:"pattern_id"`
	CoacheeID        string           `json:"coachee_id"`
	BaselinePackID   string           `json:"baseline_pack_id,omitempty"`
	CreatedFromRunID string           `json:"created_from_run_id"`
	Status           ExperimentStatus `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ExperimentEvent records whether an experiment was attempted in a later run
type ExperimentEvent struct {
	ID                 string    `json:"id"`
	IdempotencyKey     string    `json:"idempotency_key"`
	ExperimentRecordID string    `json:"experiment_record_id"`
	ExperimentID       string    `json:"experiment_id"`
	RunID              string    `json:"run_id"`
	CoacheeID          string    `json:"coachee_id"`
	TranscriptID       string    `json:"transcript_id,omitempty"`
	MeetingDate        string    `json:"meeting_date,omitempty"`
	Attempt            Attempt   `json:"attempt"`
	AttemptCount       int       `json:"attempt_count"`
	Quotes             []Quote   `json:"quotes,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}
