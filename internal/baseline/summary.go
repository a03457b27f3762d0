package baseline

import "github.com/jonathan/meeting-coach/internal/types"

// Summarize builds the compact meeting summary stored on a pack item. It
// returns nil for a member without a decoded run output.
func Summarize(m Member) *types.MeetingSummary {
	if m.Run == nil || m.Run.Output == nil {
		return nil
	}
	run, out := m.Run, m.Run.Output

	s := &types.MeetingSummary{
		RunID:              run.ID,
		MeetingID:          run.TranscriptID,
		AnalysisID:         out.Meta.AnalysisID,
		TargetSpeakerLabel: run.TargetSpeakerLabel,
		TargetSpeakerName:  run.TargetSpeakerName,
		TargetRole:         run.TargetRole,
		StrengthPatterns:   []string{},
		PatternSnapshot:    append([]types.PatternEntry{}, out.PatternSnapshot...),
	}
	if m.Transcript != nil {
		s.MeetingType = m.Transcript.MeetingType
		s.MeetingDate = m.Transcript.MeetingDate
		if s.MeetingID == "" {
			s.MeetingID = m.Transcript.ID
		}
	}
	for _, strength := range out.Coaching.Strengths {
		s.StrengthPatterns = append(s.StrengthPatterns, strength.PatternID)
	}
	if f := out.Coaching.Focus; f != nil {
		s.FocusPattern = f.PatternID
	}
	if e := out.Coaching.MicroExperiment; e != nil {
		s.ExperimentPattern = e.PatternID
		s.ExperimentTitle = e.Title
	}
	return s
}
