package types

import "strings"

// MinTranscriptChars is the shortest transcript text the engine will analyze
const MinTranscriptChars = 50

// Turn is a single speaker turn in a parsed transcript
type Turn struct {
	TurnID       string `json:"turn_id,omitempty"`
	SpeakerLabel string `json:"speaker_label"`
	Text         string `json:"text"`
}

// Transcript is read-only meeting text plus speaker metadata
type Transcript struct {
	ID            string   `json:"id"`
	Title         string   `json:"title,omitempty"`
	MeetingType   string   `json:"meeting_type,omitempty"`
	MeetingDate   string   `json:"meeting_date,omitempty"`
	Text          string   `json:"text"`
	SpeakerLabels []string `json:"speaker_labels"`
	Turns         []Turn   `json:"turns,omitempty"`
}

// SpeakerSet returns every speaker label known for the transcript,
// from the declared labels and from parsed turns.
func (t *Transcript) SpeakerSet() map[string]struct{} {
	set := make(map[string]struct{}, len(t.SpeakerLabels))
	for _, label := range t.SpeakerLabels {
		if label = strings.TrimSpace(label); label != "" {
			set[label] = struct{}{}
		}
	}
	for _, turn := range t.Turns {
		if label := strings.TrimSpace(turn.SpeakerLabel); label != "" {
			set[label] = struct{}{}
		}
	}
	return set
}

// Readable reports whether the transcript carries enough text to analyze
func (t *Transcript) Readable() bool {
	if t == nil {
		return false
	}
	if len(strings.TrimSpace(t.Text)) >= MinTranscriptChars {
		return true
	}
	var n int
	for _, turn := range t.Turns {
		n += len(strings.TrimSpace(turn.Text))
	}
	return n >= MinTranscriptChars
}
