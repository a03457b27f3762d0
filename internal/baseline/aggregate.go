// Package baseline aggregates three qualifying single-meeting runs into one baseline coaching profile.
//
// Aggregation is deterministic: the same three runs in the same pack
// positions always produce the same output, so a re-entered build writes
// exactly what an interrupted one would have.
package baseline

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jonathan/meeting-coach/internal/types"
)

// MaxStrengths is the number of strengths a baseline carries
const MaxStrengths = 2

// Member is one pack item with its completed run
type Member struct {
	Position   int
	Run        *types.Run
	Transcript *types.Transcript
}

// Result is the aggregated output plus pack consistency metadata
type Result struct {
	Output                 *types.CoachingOutput
	RoleConsistency        types.Consistency
	MeetingTypeConsistency types.Consistency
}

// Aggregate builds the baseline output for pack from its members. Every member
// must carry a decoded run output.
func Aggregate(pack *types.BaselinePack, members []Member, now time.Time) (*Result, error) {
	if len(members) != types.BaselinePackSize {
		return nil, fmt.Errorf("baseline: expected %d members, got %d", types.BaselinePackSize, len(members))
	}
	sorted := append([]Member(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	var (
		strengths []candidate[types.CoachingItem]
		focuses   []candidate[types.CoachingItem]
		exps      []candidate[types.MicroExperiment]
		meetings  []string
	)
	for _, m := range sorted {
		if m.Run == nil || m.Run.Output == nil {
			return nil, fmt.Errorf("baseline: member at position %d has no output", m.Position)
		}
		block := m.Run.Output.Coaching
		for _, s := range block.Strengths {
			strengths = append(strengths, candidate[types.CoachingItem]{s, s.PatternID, len(s.Quotes), m.Position})
		}
		if f := block.Focus; f != nil {
			focuses = append(focuses, candidate[types.CoachingItem]{*f, f.PatternID, len(f.Quotes), m.Position})
		}
		if e := block.MicroExperiment; e != nil {
			exps = append(exps, candidate[types.MicroExperiment]{*e, e.PatternID, len(e.Quotes), m.Position})
		}
		meetings = append(meetings, m.Run.TranscriptID)
	}

	out := &types.CoachingOutput{
		SchemaVersion: types.SchemaVersion,
		Meta: types.OutputMeta{
			AnalysisID:   pack.ID,
			AnalysisType: types.AnalysisBaselinePack,
			GeneratedAt:  now.UTC().Format(time.RFC3339),
		},
		Context: map[string]any{
			"baseline_pack_id":     pack.ID,
			"coachee_id":           pack.CoacheeID,
			"target_role":          pack.TargetRole,
			"target_speaker_label": pack.TargetSpeakerLabel,
			"meeting_ids":          meetings,
		},
		Coaching: types.CoachingBlock{
			Strengths: topStrengths(strengths),
		},
		PatternSnapshot: Snapshot(sorted),
	}
	if best, ok := pick(focuses); ok {
		out.Coaching.Focus = &best
	}
	if best, ok := pick(exps); ok {
		out.Coaching.MicroExperiment = &best
	}

	return &Result{
		Output:                 out,
		RoleConsistency:        consistency(sorted, func(m Member) string { return m.Run.TargetRole }),
		MeetingTypeConsistency: consistency(sorted, meetingType),
	}, nil
}

// SpeakerSet is the union of every member transcript's speakers
func SpeakerSet(members []Member) map[string]struct{} {
	set := map[string]struct{}{}
	for _, m := range members {
		if m.Transcript == nil {
			continue
		}
		for label := range m.Transcript.SpeakerSet() {
			set[label] = struct{}{}
		}
	}
	return set
}

type candidate[T any] struct {
	item     T
	pattern  string
	quotes   int
	position int
}

// ranksBefore orders candidates: most quotes, then earliest pack position, then pattern id
func ranksBefore[T any](a, b candidate[T]) bool {
	if a.quotes != b.quotes {
		return a.quotes > b.quotes
	}
	if a.position != b.position {
		return a.position < b.position
	}
	return a.pattern < b.pattern
}

func rank[T any](cs []candidate[T]) []candidate[T] {
	out := append([]candidate[T](nil), cs...)
	sort.SliceStable(out, func(i, j int) bool { return ranksBefore(out[i], out[j]) })
	return out
}

func pick[T any](cs []candidate[T]) (T, bool) {
	var zero T
	if len(cs) == 0 {
		return zero, false
	}
	return rank(cs)[0].item, true
}

func topStrengths(cs []candidate[types.CoachingItem]) []types.CoachingItem {
	seen := map[string]bool{}
	out := []types.CoachingItem{}
	for _, c := range rank(cs) {
		if seen[c.pattern] {
			continue
		}
		seen[c.pattern] = true
		out = append(out, c.item)
		if len(out) == MaxStrengths {
			break
		}
	}
	return out
}

// Snapshot aggregates the members' pattern snapshots in taxonomy order
func Snapshot(members []Member) []types.PatternEntry {
	entries := make([]types.PatternEntry, 0, len(types.PatternOrder))
	for _, pattern := range types.PatternOrder {
		var (
			insufficient int
			ratios       []float64
			assessments  []string
			evaluable    bool
		)
		for _, m := range members {
			if m.Run == nil || m.Run.Output == nil {
				continue
			}
			e, ok := findEntry(m.Run.Output.PatternSnapshot, pattern)
			if !ok {
				continue
			}
			switch e.EvaluableStatus {
			case types.StatusInsufficientSignal:
				insufficient++
			case types.StatusEvaluable:
				evaluable = true
				if e.BalanceAssessment != "" {
					assessments = append(assessments, e.BalanceAssessment)
				} else if e.Ratio != nil {
					ratios = append(ratios, *e.Ratio)
				}
			}
		}

		entry := types.PatternEntry{PatternID: pattern}
		switch {
		case insufficient >= 2:
			entry.EvaluableStatus = types.StatusInsufficientSignal
		case !evaluable:
			entry.EvaluableStatus = types.StatusNotEvaluable
		case pattern == types.PatternConversationalBalance || len(ratios) == 0:
			if len(assessments) == 0 {
				entry.EvaluableStatus = types.StatusNotEvaluable
				break
			}
			entry.EvaluableStatus = types.StatusEvaluable
			entry.BalanceAssessment = mode(assessments)
		default:
			entry.EvaluableStatus = types.StatusEvaluable
			r := round4(median(ratios))
			entry.Ratio = &r
		}
		entries = append(entries, entry)
	}
	return entries
}

func findEntry(entries []types.PatternEntry, pattern string) (types.PatternEntry, bool) {
	for _, e := range entries {
		if e.PatternID == pattern {
			return e, true
		}
	}
	return types.PatternEntry{}, false
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}

// mode returns the most frequent value; ties go to the value seen first
func mode(values []string) string {
	counts := map[string]int{}
	best := ""
	for _, v := range values {
		counts[v]++
	}
	for _, v := range values {
		if best == "" || counts[v] > counts[best] {
			best = v
		}
	}
	return best
}

func meetingType(m Member) string {
	if m.Transcript == nil {
		return ""
	}
	return m.Transcript.MeetingType
}

func consistency(members []Member, attr func(Member) string) types.Consistency {
	for _, m := range members[1:] {
		if attr(m) != attr(members[0]) {
			return types.Mixed
		}
	}
	return types.Consistent
}
