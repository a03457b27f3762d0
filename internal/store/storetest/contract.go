// Package storetest holds the behavioural contract every store.Store implementation must satisfy.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/meeting-coach/internal/runstate"
	"github.com/jonathan/meeting-coach/internal/store"
	"github.com/jonathan/meeting-coach/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a store to test plus a function that seeds it
type Factory func(t *testing.T) (store.Store, func(store.Snapshot) error)

// Run executes the contract suite against stores produced by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("NotFoundIsNil", func(t *testing.T) { testNotFound(t, newStore) })
	t.Run("CreateRunIfAbsent", func(t *testing.T) { testCreateRunIfAbsent(t, newStore) })
	t.Run("ClaimRun", func(t *testing.T) { testClaimRun(t, newStore) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore) })
	t.Run("FinishRun", func(t *testing.T) { testFinishRun(t, newStore) })
	t.Run("ReleaseRun", func(t *testing.T) { testReleaseRun(t, newStore) })
	t.Run("SideEffects", func(t *testing.T) { testSideEffects(t, newStore) })
	t.Run("ValidationIssues", func(t *testing.T) { testValidationIssues(t, newStore) })
	t.Run("RunRequests", func(t *testing.T) { testRunRequests(t, newStore) })
	t.Run("BaselinePacks", func(t *testing.T) { testBaselinePacks(t, newStore) })
	t.Run("Experiments", func(t *testing.T) { testExperiments(t, newStore) })
	t.Run("ExperimentEvents", func(t *testing.T) { testExperimentEvents(t, newStore) })
}

func id(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func newRun(key string) *types.Run {
	return &types.Run{
		IdempotencyKey:     key,
		AnalysisType:       types.AnalysisSingleMeeting,
		CoacheeID:          "coachee-1",
		TargetSpeakerLabel: "Alice",
		TargetRole:         "chair",
		ConfigRef:          "default@1",
	}
}

func testNotFound(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()
	missing := uuid.NewString()

	run, err := s.GetRun(ctx, missing)
	require.NoError(t, err)
	assert.Nil(t, run)

	run, err = s.GetRunByKey(ctx, missing)
	require.NoError(t, err)
	assert.Nil(t, run)

	req, err := s.GetRunRequest(ctx, missing)
	require.NoError(t, err)
	assert.Nil(t, req)

	tr, err := s.GetTranscript(ctx, missing)
	require.NoError(t, err)
	assert.Nil(t, tr)

	pack, err := s.GetBaselinePack(ctx, missing)
	require.NoError(t, err)
	assert.Nil(t, pack)

	exp, err := s.FindExperimentByRunID(ctx, missing)
	require.NoError(t, err)
	assert.Nil(t, exp)

	cfg, err := s.GetConfig(ctx, missing)
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func testCreateRunIfAbsent(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()
	key := id("key")

	first, created, err := s.CreateRunIfAbsent(ctx, newRun(key))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, types.RunQueued, first.Status)

	second, created, err := s.CreateRunIfAbsent(ctx, newRun(key))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	byKey, err := s.GetRunByKey(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, first.ID, byKey.ID)
	assert.Equal(t, "default@1", byKey.ConfigRef)
}

func testClaimRun(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()
	run, _, err := s.CreateRunIfAbsent(ctx, newRun(id("key")))
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	lease := 2 * time.Minute

	won, err := s.ClaimRun(ctx, run.ID, "token-a", now, lease)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.ClaimRun(ctx, run.ID, "token-b", now.Add(time.Second), lease)
	require.NoError(t, err)
	assert.False(t, won, "a live claim must not be taken over")

	won, err = s.ClaimRun(ctx, run.ID, "token-c", now.Add(lease+time.Second), lease)
	require.NoError(t, err)
	assert.True(t, won, "a stale claim may be taken over")

	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, stored.Status)
	assert.Equal(t, "token-c", stored.ClaimToken)
	require.NotNil(t, stored.ClaimedAt)
}

func testConcurrentClaim(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()
	run, _, err := s.CreateRunIfAbsent(ctx, newRun(id("key")))
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	now := time.Now().UTC()
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.ClaimRun(ctx, run.ID, uuid.NewString(), now, time.Minute)
			if err == nil && won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func testFinishRun(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()
	run, _, err := s.CreateRunIfAbsent(ctx, newRun(id("key")))
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = s.ClaimRun(ctx, run.ID, "token-a", now, time.Minute)
	require.NoError(t, err)

	result := types.RunResult{
		Status:    types.RunComplete,
		Gate1Pass: types.BoolPtr(true),
		Model:     "gpt-4o",
		RawOutput: `{"schema_version":"mvp.v0.2.1"}`,
		Output: &types.CoachingOutput{
			SchemaVersion: types.SchemaVersion,
			Meta:          types.OutputMeta{AnalysisType: types.AnalysisSingleMeeting},
		},
	}

	ok, err := s.FinishRun(ctx, run.ID, "wrong-token", result)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.FinishRun(ctx, run.ID, "token-a", result)
	require.NoError(t, err)
	assert.True(t, ok)

	failure := types.RunResult{Status: types.RunError, Error: &types.ErrorPayload{Kind: types.KindInternal, Message: "late"}}
	ok, err = s.FinishRun(ctx, run.ID, "token-a", failure)
	var terr *runstate.TransitionError
	require.ErrorAs(t, err, &terr, "terminal runs are never rewritten")
	assert.Equal(t, types.RunComplete, terr.From)
	assert.Equal(t, types.RunError, terr.To)
	assert.False(t, ok)

	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, stored.Passed())
	assert.Equal(t, "gpt-4o", stored.Model)
	require.NotNil(t, stored.Output)
	assert.Equal(t, types.SchemaVersion, stored.Output.SchemaVersion)
	assert.Nil(t, stored.Error)

	won, err := s.ClaimRun(ctx, run.ID, "token-b", now.Add(time.Hour), time.Minute)
	require.ErrorAs(t, err, &terr, "terminal runs cannot be claimed")
	assert.False(t, won)

	queued, _, err := s.CreateRunIfAbsent(ctx, newRun(id("key")))
	require.NoError(t, err)
	ok, err = s.FinishRun(ctx, queued.ID, "", result)
	require.ErrorAs(t, err, &terr, "an unclaimed run cannot finish")
	assert.False(t, ok)
}

func testReleaseRun(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()
	run, _, err := s.CreateRunIfAbsent(ctx, newRun(id("key")))
	require.NoError(t, err)

	now := time.Now().UTC()
	won, err := s.ClaimRun(ctx, run.ID, "token-a", now, time.Hour)
	require.NoError(t, err)
	require.True(t, won)

	ok, err := s.ReleaseRun(ctx, run.ID, "token-b")
	require.NoError(t, err)
	assert.False(t, ok, "only the holder may release")

	ok, err = s.ReleaseRun(ctx, run.ID, "token-a")
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunQueued, stored.Status)
	assert.Empty(t, stored.ClaimToken)
	assert.Nil(t, stored.ClaimedAt)

	won, err = s.ClaimRun(ctx, run.ID, "token-b", now.Add(time.Second), time.Hour)
	require.NoError(t, err)
	assert.True(t, won, "a released run is claimable inside the old lease")

	ok, err = s.FinishRun(ctx, run.ID, "token-b", types.RunResult{Status: types.RunError, Error: &types.ErrorPayload{Kind: types.KindInternal, Message: "x"}})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ReleaseRun(ctx, run.ID, "token-b")
	var terr *runstate.TransitionError
	require.ErrorAs(t, err, &terr, "a terminal run stays terminal")
	assert.False(t, ok)
}

func testSideEffects(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()
	run, _, err := s.CreateRunIfAbsent(ctx, newRun(id("key")))
	require.NoError(t, err)

	require.NoError(t, s.SetRunRequestPayload(ctx, run.ID, "INPUT_PAYLOAD {}"))
	require.NoError(t, s.MarkRunSideEffects(ctx, run.ID, types.SideEffects{ExperimentInstantiated: true}))
	require.NoError(t, s.MarkRunSideEffects(ctx, run.ID, types.SideEffects{AttemptEventCreated: true, Error: "event store down"}))

	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, stored.ExperimentInstantiated, "flags are never cleared")
	assert.True(t, stored.AttemptEventCreated)
	assert.Equal(t, "event store down", stored.SideEffectError)
	assert.Equal(t, "INPUT_PAYLOAD {}", stored.RequestPayload)
}

func testValidationIssues(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()
	run, _, err := s.CreateRunIfAbsent(ctx, newRun(id("key")))
	require.NoError(t, err)

	issues := []types.ValidationIssue{
		{ID: id("issue"), RunID: run.ID, Severity: types.SeverityError, Rule: "MISSING_EVIDENCE", Path: "coaching_output.focus.quotes", ValueClass: types.ValueArray, Message: "no quotes"},
		{ID: id("issue"), RunID: run.ID, Severity: types.SeverityWarning, Rule: "DETECTION_UNEXPECTED", Path: "experiment_tracking", ValueClass: types.ValueObject, Message: "unexpected"},
	}
	require.NoError(t, s.CreateValidationIssues(ctx, issues))
	require.NoError(t, s.CreateValidationIssues(ctx, issues))

	stored, err := s.ListValidationIssues(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "MISSING_EVIDENCE", stored[0].Rule)
}

func testRunRequests(t *testing.T, newStore Factory) {
	s, seed := newStore(t)
	ctx := context.Background()
	reqA, reqB := id("req"), id("req")
	trID := id("tr")
	require.NoError(t, seed(store.Snapshot{
		Transcripts: []types.Transcript{{ID: trID, Text: "Alice: hello there", SpeakerLabels: []string{"Alice"}}},
		RunRequests: []types.RunRequest{
			{ID: reqA, TranscriptID: trID, CoacheeID: "c1", TargetSpeakerLabel: "Alice", TargetRole: "chair"},
			{ID: reqB, TranscriptID: trID, CoacheeID: "c1", TargetSpeakerLabel: "Alice", TargetRole: "chair"},
		},
	}))
	run, _, err := s.CreateRunIfAbsent(ctx, newRun(id("key")))
	require.NoError(t, err)

	req, err := s.GetRunRequest(ctx, reqA)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, types.RunQueued, req.Status)

	for _, reqID := range []string{reqA, reqB} {
		ok, err := s.UpdateRunRequest(ctx, reqID, store.RunRequestUpdate{Status: types.RunRunning, RunID: run.ID})
		require.NoError(t, err)
		assert.True(t, ok)
	}

	linked, err := s.ListRunRequestsByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, linked, 2)

	ok, err := s.UpdateRunRequest(ctx, reqA, store.RunRequestUpdate{Status: types.RunComplete, RunID: run.ID})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UpdateRunRequest(ctx, reqA, store.RunRequestUpdate{
		Status: types.RunError,
		Error:  &types.ErrorPayload{Kind: types.KindInternal, Message: "late"},
	})
	require.NoError(t, err)
	assert.False(t, ok, "terminal requests are never rewritten")

	req, err = s.GetRunRequest(ctx, reqA)
	require.NoError(t, err)
	assert.Equal(t, types.RunComplete, req.Status)
	assert.Equal(t, run.ID, req.RunID)
	assert.Nil(t, req.Error)

	tr, err := s.GetTranscript(ctx, trID)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, []string{"Alice"}, tr.SpeakerLabels)
}

func testBaselinePacks(t *testing.T, newStore Factory) {
	s, seed := newStore(t)
	ctx := context.Background()
	packID := id("pack")
	coachee := id("coachee")
	require.NoError(t, seed(store.Snapshot{
		BaselinePacks: []types.BaselinePack{{ID: packID, CoacheeID: coachee, TargetRole: "chair", TargetSpeakerLabel: "Alice"}},
		PackItems: []types.BaselinePackItem{
			{ID: id("item"), PackID: packID, Position: 3},
			{ID: id("item"), PackID: packID, Position: 1},
			{ID: id("item"), PackID: packID, Position: 2},
		},
	}))

	pack, err := s.GetBaselinePack(ctx, packID)
	require.NoError(t, err)
	require.NotNil(t, pack)
	assert.Equal(t, types.PackIntake, pack.Status)

	items, err := s.ListPackItems(ctx, packID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{items[0].Position, items[1].Position, items[2].Position})
	assert.Nil(t, items[0].Summary)

	summary := &types.MeetingSummary{
		RunID:            "run-1",
		MeetingID:        "tr-1",
		MeetingType:      "staff",
		StrengthPatterns: []string{"agenda_clarity"},
		FocusPattern:     "decision_closure",
		PatternSnapshot:  []types.PatternEntry{{PatternID: "agenda_clarity", EvaluableStatus: types.StatusEvaluable}},
	}
	require.NoError(t, s.SetPackItemSummary(ctx, items[1].ID, summary))
	require.Error(t, s.SetPackItemSummary(ctx, id("missing-item"), summary))

	items, err = s.ListPackItems(ctx, packID)
	require.NoError(t, err)
	require.NotNil(t, items[1].Summary)
	assert.Equal(t, summary, items[1].Summary)
	assert.Nil(t, items[2].Summary)

	ok, err := s.TransitionBaselinePack(ctx, packID, types.PackBuilding, types.PackBaselineReady, types.PackUpdate{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TransitionBaselinePack(ctx, packID, types.PackIntake, types.PackBuilding, types.PackUpdate{})
	require.NoError(t, err)
	assert.True(t, ok)

	latest, err := s.LatestReadyBaseline(ctx, coachee)
	require.NoError(t, err)
	assert.Nil(t, latest)

	ok, err = s.TransitionBaselinePack(ctx, packID, types.PackBuilding, types.PackBaselineReady, types.PackUpdate{
		ResultRunID:            "run-x",
		RoleConsistency:        types.Consistent,
		MeetingTypeConsistency: types.Mixed,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	latest, err = s.LatestReadyBaseline(ctx, coachee)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, packID, latest.ID)
	assert.Equal(t, "run-x", latest.ResultRunID)
	assert.Equal(t, types.Mixed, latest.MeetingTypeConsistency)
}

func testExperiments(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()
	coachee := id("coachee")
	runID := id("run")

	exp := &types.Experiment{
		ExperimentID:     "EXP-000001",
		Title:            "Recap decisions",
		Instruction:      "Close with a recap",
		SuccessMarker:    "Recap spoken",
		PatternID:        "summary_checkback",
		CoacheeID:        coachee,
		CreatedFromRunID: runID,
	}
	first, created, err := s.CreateExperimentIfAbsent(ctx, exp)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.ExperimentAssigned, first.Status)

	again, created, err := s.CreateExperimentIfAbsent(ctx, exp)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	found, err := s.FindExperimentByRunID(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)

	open, err := s.ListOpenExperiments(ctx, coachee)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	ok, err := s.UpdateExperimentStatus(ctx, first.ID, types.ExperimentActive, types.ExperimentCompleted)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.UpdateExperimentStatus(ctx, first.ID, types.ExperimentAssigned, types.ExperimentAbandoned)
	require.NoError(t, err)
	assert.True(t, ok)

	open, err = s.ListOpenExperiments(ctx, coachee)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func testExperimentEvents(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()

	exp, _, err := s.CreateExperimentIfAbsent(ctx, &types.Experiment{
		ExperimentID:     "EXP-000002",
		Title:            "Name owners",
		PatternID:        "owner_timeframe_specification",
		CoacheeID:        id("coachee"),
		CreatedFromRunID: id("run"),
	})
	require.NoError(t, err)

	ev := &types.ExperimentEvent{
		IdempotencyKey:     id("evkey"),
		ExperimentRecordID: exp.ID,
		ExperimentID:       exp.ExperimentID,
		RunID:              id("run"),
		CoacheeID:          exp.CoacheeID,
		Attempt:            types.AttemptPartial,
		AttemptCount:       1,
		Quotes:             []types.Quote{{SpeakerLabel: "Alice", Text: "Bob owns this by Friday"}},
	}
	first, created, err := s.CreateExperimentEventIfAbsent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.CreateExperimentEventIfAbsent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	events, err := s.ListExperimentEvents(ctx, exp.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.AttemptPartial, events[0].Attempt)
	require.Len(t, events[0].Quotes, 1)
}
