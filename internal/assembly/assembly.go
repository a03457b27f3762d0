// Package assembly builds the three-part model request for a single-meeting analysis.
package assembly

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jonathan/meeting-coach/internal/bundles"
	"github.com/jonathan/meeting-coach/internal/llm"
	"github.com/jonathan/meeting-coach/internal/prompts"
	"github.com/jonathan/meeting-coach/internal/types"
)

// Input is everything the user block is built from
type Input struct {
	RunID      string
	Request    *types.RunRequest
	Transcript *types.Transcript
	Memory     Memory
}

// Memory is what the engine knows about the coachee beyond this meeting
type Memory struct {
	Baseline         *BaselineProfile
	ActiveExperiment *types.Experiment
}

// BaselineProfile summarizes the coachee's latest ready baseline pack
type BaselineProfile struct {
	BaselinePackID string   `json:"baseline_pack_id"`
	Strengths      []string `json:"strengths"`
	Focus          string   `json:"focus,omitempty"`
}

// Assembled is the request plus the exact user block, kept on the run for audit
type Assembled struct {
	Request llm.Request
	Payload string
}

type payload struct {
	Meta       payloadMeta       `json:"meta"`
	Context    payloadContext    `json:"context"`
	Memory     payloadMemory     `json:"memory"`
	Transcript payloadTranscript `json:"transcript"`
}

type payloadMeta struct {
	AnalysisID      string             `json:"analysis_id"`
	AnalysisType    types.AnalysisType `json:"analysis_type"`
	GeneratedAt     string             `json:"generated_at"`
	SchemaVersion   string             `json:"schema_version"`
	TaxonomyVersion string             `json:"taxonomy_version"`
	OutputMode      string             `json:"output_mode"`
}

type payloadContext struct {
	MeetingID          string `json:"meeting_id"`
	MeetingType        string `json:"meeting_type,omitempty"`
	MeetingDate        string `json:"meeting_date,omitempty"`
	TargetRole         string `json:"target_role"`
	TargetSpeakerName  string `json:"target_speaker_name,omitempty"`
	TargetSpeakerLabel string `json:"target_speaker_label"`
}

type payloadMemory struct {
	BaselineProfile  *BaselineProfile `json:"baseline_profile"`
	ActiveExperiment *activeExp       `json:"active_experiment"`
}

type activeExp struct {
	ExperimentID  string                 `json:"experiment_id"`
	Title         string                 `json:"title"`
	Instruction   string                 `json:"instruction"`
	SuccessMarker string                 `json:"success_marker"`
	PatternID     string                 `json:"pattern_id"`
	Status        types.ExperimentStatus `json:"status"`
}

type payloadTranscript struct {
	SourceID      string       `json:"source_id"`
	SpeakerLabels []string     `json:"speaker_labels"`
	Turns         []types.Turn `json:"turns,omitempty"`
	Text          string       `json:"text,omitempty"`
}

// Assembler builds model requests. The zero value is not usable; use New.
type Assembler struct {
	now func() time.Time
}

// New creates an Assembler. now may be nil to use the wall clock.
func New(now func() time.Time) *Assembler {
	if now == nil {
		now = time.Now
	}
	return &Assembler{now: now}
}

// Assemble builds the request for in under bundle b. A default bundle is as
// valid as a stored one; the only failure is an unserializable payload.
func (a *Assembler) Assemble(b bundles.Bundle, in Input) (*Assembled, error) {
	if in.Request == nil || in.Transcript == nil {
		return nil, fmt.Errorf("assembly: request and transcript are required")
	}

	p := payload{
		Meta: payloadMeta{
			AnalysisID:      in.RunID,
			AnalysisType:    types.AnalysisSingleMeeting,
			GeneratedAt:     a.now().UTC().Format(time.RFC3339),
			SchemaVersion:   types.SchemaVersion,
			TaxonomyVersion: types.TaxonomyVersion,
			OutputMode:      types.OutputMode,
		},
		Context: payloadContext{
			MeetingID:          in.Transcript.ID,
			MeetingType:        in.Transcript.MeetingType,
			MeetingDate:        in.Transcript.MeetingDate,
			TargetRole:         in.Request.TargetRole,
			TargetSpeakerName:  in.Request.TargetSpeakerName,
			TargetSpeakerLabel: in.Request.TargetSpeakerLabel,
		},
		Transcript: payloadTranscript{
			SourceID:      in.Transcript.ID,
			SpeakerLabels: sortedSpeakers(in.Transcript),
		},
	}
	p.Memory.BaselineProfile = in.Memory.Baseline
	if e := in.Memory.ActiveExperiment; e != nil {
		p.Memory.ActiveExperiment = &activeExp{
			ExperimentID:  e.ExperimentID,
			Title:         e.Title,
			Instruction:   e.Instruction,
			SuccessMarker: e.SuccessMarker,
			PatternID:     e.PatternID,
			Status:        e.Status,
		}
	}
	if len(in.Transcript.Turns) > 0 {
		p.Transcript.Turns = in.Transcript.Turns
	} else {
		p.Transcript.Text = in.Transcript.Text
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("assembly: failed to marshal input payload: %w", err)
	}

	user := prompts.Format(prompts.MustGet(prompts.CoachingFile, prompts.KeyUser), map[string]string{
		"SchemaVersion": types.SchemaVersion,
		"Payload":       string(data),
	})

	return &Assembled{
		Request: llm.Request{
			System:    b.SystemPrompt,
			Developer: b.DeveloperBlock,
			User:      user,
			Model:     b.Model,
			MaxTokens: b.MaxOutputTokens,
		},
		Payload: user,
	}, nil
}

func sortedSpeakers(t *types.Transcript) []string {
	set := t.SpeakerSet()
	labels := make([]string, 0, len(set))
	for label := range set {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}
