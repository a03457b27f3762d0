package types

import "time"

// BaselinePackSize is the number of qualifying runs a pack aggregates
const BaselinePackSize = 3

// PackStatus is the lifecycle state of a baseline pack
type PackStatus string

const (
	PackIntake        PackStatus = "intake"
	PackBuilding      PackStatus = "building"
	PackBaselineReady PackStatus = "baseline_ready"
	PackError         PackStatus = "error"
)

// Terminal reports whether the pack build has finished
func (s PackStatus) Terminal() bool {
	return s == PackBaselineReady || s == PackError
}

// Consistency describes whether the pack's meetings share an attribute
type Consistency string

const (
	Consistent Consistency = "consistent"
	Mixed      Consistency = "mixed"
)

// BaselinePack aggregates three prior runs into one coaching profile
type BaselinePack struct {
	ID                     string        `json:"id"`
	CoacheeID              string        `json:"coachee_id"`
	TargetRole             string        `json:"target_role"`
	TargetSpeakerLabel     string        `json:"target_speaker_label"`
	Status                 PackStatus    `json:"status"`
	ResultRunID            string        `json:"result_run_id,omitempty"`
	RoleConsistency        Consistency   `json:"role_consistency,omitempty"`
	MeetingTypeConsistency Consistency   `json:"meeting_type_consistency,omitempty"`
	Error                  *ErrorPayload `json:"error,omitempty"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// BuildKey is the idempotency key of the pack's single build
func (p *BaselinePack) BuildKey() string {
	return p.ID
}

// BaselinePackItem links one prior run into a pack
type BaselinePackItem struct {
	ID           string          `json:"id"`
	PackID       string          `json:"pack_id"`
	Position     int             `json:"position"`
	RunID        string          `json:"run_id,omitempty"`
	TranscriptID string          `json:"transcript_id,omitempty"`
	Summary      *MeetingSummary `json:"summary,omitempty"`
}

// MeetingSummary is the compact view of a linked run kept on its pack item
type MeetingSummary struct {
	RunID              string         `json:"run_id"`
	MeetingID          string         `json:"meeting_id"`
	MeetingType        string         `json:"meeting_type,omitempty"`
	MeetingDate        string         `json:"meeting_date,omitempty"`
	AnalysisID         string         `json:"analysis_id,omitempty"`
	TargetSpeakerLabel string         `json:"target_speaker_label,omitempty"`
	TargetSpeakerName  string         `json:"target_speaker_name,omitempty"`
	TargetRole         string         `json:"target_role,omitempty"`
	StrengthPatterns   []string       `json:"strength_patterns"`
	FocusPattern       string         `json:"focus_pattern,omitempty"`
	ExperimentPattern  string         `json:"experiment_pattern,omitempty"`
	ExperimentTitle    string         `json:"experiment_title,omitempty"`
	PatternSnapshot    []PatternEntry `json:"pattern_snapshot"`
}

// PackUpdate is applied by a pack status transition
type PackUpdate struct {
	ResultRunID            string
	RoleConsistency        Consistency
	MeetingTypeConsistency Consistency
	Error                  *ErrorPayload
}
