package types

// Output contract versions stamped into every prompt and expected back from the model
const (
	SchemaVersion   = "mvp.v0.2.1"
	TaxonomyVersion = "v1.4"
	OutputMode      = "coaching_first_2s1e"
)

// PatternConversationalBalance is the one pattern scored by assessment rather than ratio
const PatternConversationalBalance = "conversational_balance"

// PatternOrder is the stable taxonomy order used for snapshots and tie-breaks
var PatternOrder = []string{
	"agenda_clarity",
	"objective_signaling",
	"turn_allocation",
	"facilitative_inclusion",
	"decision_closure",
	"owner_timeframe_specification",
	"summary_checkback",
	"question_quality",
	"listener_response_quality",
	PatternConversationalBalance,
}

// PatternIndex returns the taxonomy position of id, or -1 if unknown
func PatternIndex(id string) int {
	for i, p := range PatternOrder {
		if p == id {
			return i
		}
	}
	return -1
}

// CoachingOutput is the structured JSON document returned by the model
type CoachingOutput struct {
	SchemaVersion      string              `json:"schema_version"`
	Meta               OutputMeta          `json:"meta"`
	Context            map[string]any      `json:"context,omitempty"`
	Coaching           CoachingBlock       `json:"coaching_output"`
	PatternSnapshot    []PatternEntry      `json:"pattern_snapshot,omitempty"`
	ExperimentTracking *ExperimentTracking `json:"experiment_tracking,omitempty"`
}

// OutputMeta identifies the analysis that produced an output
type OutputMeta struct {
	AnalysisID   string       `json:"analysis_id,omitempty"`
	AnalysisType AnalysisType `json:"analysis_type"`
	GeneratedAt  string       `json:"generated_at,omitempty"`
}

// CoachingBlock holds the user-facing coaching selection
type CoachingBlock struct {
	Strengths       []CoachingItem   `json:"strengths"`
	Focus           *CoachingItem    `json:"focus"`
	MicroExperiment *MicroExperiment `json:"micro_experiment"`
}

// CoachingItem is a strength or focus area grounded in quotes
type CoachingItem struct {
	PatternID string  `json:"pattern_id"`
	Title     string  `json:"title,omitempty"`
	Message   string  `json:"message,omitempty"`
	Quotes    []Quote `json:"quotes"`
}

// MicroExperiment is a behavioral suggestion the coachee can try in later meetings
type MicroExperiment struct {
	ExperimentID  string  `json:"experiment_id"`
	PatternID     string  `json:"pattern_id"`
	Title         string  `json:"title"`
	Instruction   string  `json:"instruction"`
	SuccessMarker string  `json:"success_marker"`
	Quotes        []Quote `json:"quotes"`
}

// Quote is verbatim evidence attributed to a transcript speaker
type Quote struct {
	SpeakerLabel string `json:"speaker_label"`
	Text         string `json:"text"`
	TurnID       string `json:"turn_id,omitempty"`
}

// EvaluableStatus says whether a pattern could be scored in a meeting
type EvaluableStatus string

const (
	StatusEvaluable          EvaluableStatus = "evaluable"
	StatusInsufficientSignal EvaluableStatus = "insufficient_signal"
	StatusNotEvaluable       EvaluableStatus = "not_evaluable"
)

// PatternEntry is one row of the pattern snapshot
type PatternEntry struct {
	PatternID         string          `json:"pattern_id"`
	EvaluableStatus   EvaluableStatus `json:"evaluable_status"`
	Numerator         *int            `json:"numerator,omitempty"`
	Denominator       *int            `json:"denominator,omitempty"`
	Ratio             *float64        `json:"ratio,omitempty"`
	BalanceAssessment string          `json:"balance_assessment,omitempty"`
}

// ExperimentTracking reports on the coachee's active experiment
type ExperimentTracking struct {
	ActiveExperiment *ActiveExperimentRef `json:"active_experiment,omitempty"`
	Detection        *Detection           `json:"detection_in_this_meeting"`
}

// ActiveExperimentRef echoes the experiment the model was told about
type ActiveExperimentRef struct {
	ExperimentID string           `json:"experiment_id,omitempty"`
	Status       ExperimentStatus `json:"status"`
}

// Detection is the model's judgement of whether the active experiment was attempted
type Detection struct {
	ExperimentID  string  `json:"experiment_id,omitempty"`
	Attempt       Attempt `json:"attempt"`
	CountAttempts *int    `json:"count_attempts,omitempty"`
	Quotes        []Quote `json:"quotes"`
}

// Detection returns the detection block, or nil if the output carries none
func (o *CoachingOutput) Detection() *Detection {
	if o == nil || o.ExperimentTracking == nil {
		return nil
	}
	return o.ExperimentTracking.Detection
}
