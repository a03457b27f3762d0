package assembly

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jonathan/meeting-coach/internal/bundles"
	"github.com/jonathan/meeting-coach/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) }

func testBundle() bundles.Bundle {
	return bundles.Bundle{
		ID:              "cfg-1",
		Version:         "3",
		SystemPrompt:    "system framing",
		DeveloperBlock:  "taxonomy block",
		Model:           "gpt-4o",
		MaxOutputTokens: 4096,
	}
}

func testInput() Input {
	return Input{
		RunID: "run-1",
		Request: &types.RunRequest{
			ID:                 "req-1",
			TranscriptID:       "tr-1",
			CoacheeID:          "coachee-1",
			TargetSpeakerLabel: "Alice",
			TargetSpeakerName:  "Alice Example",
			TargetRole:         "chair",
		},
		Transcript: &types.Transcript{
			ID:            "tr-1",
			MeetingType:   "staff",
			MeetingDate:   "2026-03-01",
			Text:          "Alice: Let's start with the agenda.\nBob: Sounds good.",
			SpeakerLabels: []string{"Bob", "Alice"},
		},
	}
}

// decodePayload pulls the INPUT_PAYLOAD JSON back out of a user block
func decodePayload(t *testing.T, user string) map[string]any {
	t.Helper()
	idx := strings.Index(user, "INPUT_PAYLOAD\n")
	require.GreaterOrEqual(t, idx, 0, "user block has no INPUT_PAYLOAD marker")

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(user[idx+len("INPUT_PAYLOAD\n"):]), &payload))
	return payload
}

func TestAssemble_ThreeBlocks(t *testing.T) {
	out, err := New(fixedNow).Assemble(testBundle(), testInput())
	require.NoError(t, err)

	assert.Equal(t, "system framing", out.Request.System)
	assert.Equal(t, "taxonomy block", out.Request.Developer)
	assert.Equal(t, "gpt-4o", out.Request.Model)
	assert.Equal(t, 4096, out.Request.MaxTokens)
	assert.Equal(t, out.Request.User, out.Payload)
	assert.True(t, strings.HasPrefix(out.Request.User, "Analyze and return ONLY one JSON object conforming to mvp.v0.2.1."))
}

func TestAssemble_PayloadContent(t *testing.T) {
	out, err := New(fixedNow).Assemble(testBundle(), testInput())
	require.NoError(t, err)

	payload := decodePayload(t, out.Payload)

	meta := payload["meta"].(map[string]any)
	assert.Equal(t, "run-1", meta["analysis_id"])
	assert.Equal(t, "single_meeting", meta["analysis_type"])
	assert.Equal(t, "2026-03-04T10:00:00Z", meta["generated_at"])
	assert.Equal(t, types.SchemaVersion, meta["schema_version"])
	assert.Equal(t, types.TaxonomyVersion, meta["taxonomy_version"])
	assert.Equal(t, types.OutputMode, meta["output_mode"])

	ctx := payload["context"].(map[string]any)
	assert.Equal(t, "tr-1", ctx["meeting_id"])
	assert.Equal(t, "staff", ctx["meeting_type"])
	assert.Equal(t, "Alice", ctx["target_speaker_label"])
	assert.Equal(t, "Alice Example", ctx["target_speaker_name"])
	assert.Equal(t, "chair", ctx["target_role"])

	memory := payload["memory"].(map[string]any)
	assert.Nil(t, memory["baseline_profile"])
	assert.Nil(t, memory["active_experiment"])

	transcript := payload["transcript"].(map[string]any)
	assert.Equal(t, []any{"Alice", "Bob"}, transcript["speaker_labels"])
	assert.Contains(t, transcript["text"], "agenda")
	assert.NotContains(t, transcript, "turns")
}

func TestAssemble_TurnsPreferredOverText(t *testing.T) {
	in := testInput()
	in.Transcript.Turns = []types.Turn{
		{TurnID: "t1", SpeakerLabel: "Alice", Text: "Let's start."},
		{TurnID: "t2", SpeakerLabel: "Carol", Text: "Agreed."},
	}

	out, err := New(fixedNow).Assemble(testBundle(), in)
	require.NoError(t, err)

	transcript := decodePayload(t, out.Payload)["transcript"].(map[string]any)
	assert.Len(t, transcript["turns"], 2)
	assert.NotContains(t, transcript, "text")
	assert.Equal(t, []any{"Alice", "Bob", "Carol"}, transcript["speaker_labels"])
}

func TestAssemble_Memory(t *testing.T) {
	in := testInput()
	in.Memory = Memory{
		Baseline: &BaselineProfile{
			BaselinePackID: "pack-1",
			Strengths:      []string{"agenda_clarity", "decision_closure"},
			Focus:          "summary_checkback",
		},
		ActiveExperiment: &types.Experiment{
			ID:            "rec-1",
			ExperimentID:  "EXP-000123",
			Title:         "Close with a recap",
			Instruction:   "Summarize decisions in the last five minutes",
			SuccessMarker: "A recap is spoken",
			PatternID:     "summary_checkback",
			Status:        types.ExperimentActive,
		},
	}

	out, err := New(fixedNow).Assemble(testBundle(), in)
	require.NoError(t, err)

	memory := decodePayload(t, out.Payload)["memory"].(map[string]any)
	profile := memory["baseline_profile"].(map[string]any)
	assert.Equal(t, "pack-1", profile["baseline_pack_id"])
	assert.Equal(t, "summary_checkback", profile["focus"])

	exp := memory["active_experiment"].(map[string]any)
	assert.Equal(t, "EXP-000123", exp["experiment_id"])
	assert.Equal(t, "active", exp["status"])
	assert.NotContains(t, exp, "id", "record ids stay internal")
}

func TestAssemble_DefaultBundle(t *testing.T) {
	def := bundles.NewResolver(nil, bundles.Defaults{Model: "gpt-4o", MaxOutputTokens: 8192}, nil).Default()

	out, err := New(fixedNow).Assemble(def, testInput())
	require.NoError(t, err)

	assert.NotEmpty(t, out.Request.System)
	assert.Contains(t, out.Request.Developer, "conversational_balance")
	assert.Equal(t, 8192, out.Request.MaxTokens)
}

func TestAssemble_MissingInputs(t *testing.T) {
	_, err := New(nil).Assemble(testBundle(), Input{RunID: "run-1"})
	assert.Error(t, err)
}
