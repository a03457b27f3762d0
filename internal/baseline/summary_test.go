package baseline

import (
	"testing"

	"github.com/jonathan/meeting-coach/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	focus := item("decision_closure", 2)
	m := member(2, "one_on_one", output(
		[]types.CoachingItem{item("agenda_clarity", 1), item("turn_allocation", 3)},
		&focus,
		experiment("EXP-000042", "decision_closure", 1),
		types.PatternEntry{PatternID: "agenda_clarity", EvaluableStatus: types.StatusEvaluable, Ratio: ratio(0.5)},
	))
	m.Run.TargetSpeakerLabel = "Alice"
	m.Run.Output.Meta.AnalysisID = "A-2"
	m.Transcript.MeetingDate = "2026-04-20"

	s := Summarize(m)
	require.NotNil(t, s)
	assert.Equal(t, "run-2", s.RunID)
	assert.Equal(t, "tr-2", s.MeetingID)
	assert.Equal(t, "one_on_one", s.MeetingType)
	assert.Equal(t, "2026-04-20", s.MeetingDate)
	assert.Equal(t, "A-2", s.AnalysisID)
	assert.Equal(t, "Alice", s.TargetSpeakerLabel)
	assert.Equal(t, "chair", s.TargetRole)
	assert.Equal(t, []string{"agenda_clarity", "turn_allocation"}, s.StrengthPatterns)
	assert.Equal(t, "decision_closure", s.FocusPattern)
	assert.Equal(t, "decision_closure", s.ExperimentPattern)
	assert.Equal(t, "try", s.ExperimentTitle)
	require.Len(t, s.PatternSnapshot, 1)
	assert.Equal(t, 0.5, *s.PatternSnapshot[0].Ratio)
}

func TestSummarize_EmptyCoaching(t *testing.T) {
	s := Summarize(member(1, "staff", output(nil, nil, nil)))
	require.NotNil(t, s)
	assert.Equal(t, []string{}, s.StrengthPatterns)
	assert.Equal(t, []types.PatternEntry{}, s.PatternSnapshot)
	assert.Empty(t, s.FocusPattern)
	assert.Empty(t, s.ExperimentPattern)
}

func TestSummarize_NoOutput(t *testing.T) {
	assert.Nil(t, Summarize(Member{Position: 1}))
	assert.Nil(t, Summarize(Member{Position: 1, Run: &types.Run{ID: "run-1"}}))
}
