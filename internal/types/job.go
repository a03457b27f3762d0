package types

import "github.com/go-playground/validator/v10"

var validate = validator.New()

// JobKind selects the processor an inbound job is dispatched to
type JobKind string

const (
	JobSingleMeeting     JobKind = "single_meeting"
	JobBaselinePackBuild JobKind = "baseline_pack_build"
)

// Job is the inbound queue message. RequestRef is a RunRequest id for
// single-meeting jobs and a BaselinePack id for builds.
type Job struct {
	Kind       JobKind `json:"job_kind" validate:"required,oneof=single_meeting baseline_pack_build"`
	RequestRef string  `json:"request_ref" validate:"required"`
}

// Validate validates the Job using the validator.
func (j *Job) Validate() error {
	return validate.Struct(j)
}
