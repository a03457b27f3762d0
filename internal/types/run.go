// Package types provides type definitions for the records and model output handled by the coaching engine.
//
//nolint:revive // types is a standard Go package name pattern
package types

import "time"

// RunStatus is the lifecycle state shared by runs and run requests
type RunStatus string

const (
	RunQueued   RunStatus = "queued"
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunError    RunStatus = "error"
)

// Terminal reports whether no further status transition is allowed
func (s RunStatus) Terminal() bool {
	return s == RunComplete || s == RunError
}

// AnalysisType distinguishes single-meeting runs from baseline-pack builds
type AnalysisType string

const (
	AnalysisSingleMeeting AnalysisType = "single_meeting"
	AnalysisBaselinePack  AnalysisType = "baseline_pack"
)

// ErrorKind classifies a failure recorded on a run, request or pack
type ErrorKind string

const (
	KindTransport            ErrorKind = "transport_failure"
	KindParse                ErrorKind = "parse_failure"
	KindValidation           ErrorKind = "validation_failure"
	KindPrecondition         ErrorKind = "precondition_failure"
	KindSideEffect           ErrorKind = "side_effect_failure"
	KindTranscriptUnreadable ErrorKind = "transcript_unreadable"
	KindInternal             ErrorKind = "internal"
)

// ErrorPayload is the structured error persisted on records. It never carries a stack trace.
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// RunRequest is a caller's intent to analyze one transcript for one target speaker
type RunRequest struct {
	ID                 string        `json:"id"`
	TranscriptID       string        `json:"transcript_id"`
	CoacheeID          string        `json:"coachee_id"`
	TargetSpeakerLabel string        `json:"target_speaker_label"`
	TargetSpeakerName  string        `json:"target_speaker_name,omitempty"`
	TargetRole         string        `json:"target_role"`
	AnalysisType       AnalysisType  `json:"analysis_type,omitempty"`
	ConfigID           string        `json:"config_id,omitempty"`
	Status             RunStatus     `json:"status"`
	RunID              string        `json:"run_id,omitempty"`
	Error              *ErrorPayload `json:"error,omitempty"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Run is the unit of analysis. At most one run exists per idempotency key.
type Run struct {
	ID             string        `json:"id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Status         RunStatus     `json:"status"`
	Gate1Pass      *bool         `json:"gate1_pass"`
	AnalysisType   AnalysisType  `json:"analysis_type"`
	TranscriptID   string        `json:"transcript_id,omitempty"`
	BaselinePackID string        `json:"baseline_pack_id,omitempty"`

	CoacheeID          string `json:"coachee_id"`
	TargetSpeakerLabel string `json:"target_speaker_label"`
	TargetSpeakerName  string `json:"target_speaker_name,omitempty"`
	TargetRole         string `json:"target_role"`
	ConfigRef          string `json:"config_ref"`
	Model              string `json:"model,omitempty"`

	RequestPayload string          `json:"request_payload,omitempty"`
	RawOutput      string          `json:"raw_output,omitempty"`
	Output         *CoachingOutput `json:"output,omitempty"`
	Error          *ErrorPayload   `json:"error,omitempty"`

	ClaimToken string     `json:"claim_token,omitempty"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`

	// Side-effect bookkeeping; the only fields that may change once the run is terminal
	ExperimentInstantiated bool   `json:"experiment_instantiated"`
	AttemptEventCreated    bool   `json:"attempt_event_created"`
	SideEffectError        string `json:"side_effect_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Passed reports whether the run completed and cleared Gate-1
func (r *Run) Passed() bool {
	return r != nil && r.Status == RunComplete && r.Gate1Pass != nil && *r.Gate1Pass
}

// RunResult is what a terminal transition writes
type RunResult struct {
	Status    RunStatus
	Gate1Pass *bool
	Model     string
	RawOutput string
	Output    *CoachingOutput
	Error     *ErrorPayload
}

// Passed reports whether the result completes the run with a Gate-1 pass
func (r RunResult) Passed() bool {
	return r.Status == RunComplete && r.Gate1Pass != nil && *r.Gate1Pass
}

// SideEffects records the outcome of best-effort work done after a run completes
type SideEffects struct {
	ExperimentInstantiated bool
	AttemptEventCreated    bool
	Error                  string
}

// ConfigBundle is a versioned prompt/model configuration resolved once per run
type ConfigBundle struct {
	ID              string `json:"id"`
	Version         string `json:"version"`
	Name            string `json:"name,omitempty"`
	SystemPrompt    string `json:"system_prompt,omitempty"`
	TaxonomyBlock   string `json:"taxonomy_block,omitempty"`
	Model           string `json:"model,omitempty"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
}

// BoolPtr returns a pointer to b
func BoolPtr(b bool) *bool {
	return &b
}
