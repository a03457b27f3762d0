package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonathan/meeting-coach/internal/idempotency"
	"github.com/jonathan/meeting-coach/internal/store"
	"github.com/jonathan/meeting-coach/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeOutput(t *testing.T, doc map[string]any) *types.CoachingOutput {
	t.Helper()
	var out types.CoachingOutput
	require.NoError(t, json.Unmarshal([]byte(encode(t, doc)), &out))
	return &out
}

// seedPack stores a pack of three passing runs; mutate may alter each run before it is stored
func seedPack(t *testing.T, h *harness, mutate func(pos int, run *types.Run)) {
	t.Helper()
	h.store.PutBaselinePack(types.BaselinePack{
		ID:                 "pack-1",
		CoacheeID:          "coachee-1",
		TargetRole:         "chair",
		TargetSpeakerLabel: "Alice",
	})
	for pos := 1; pos <= types.BaselinePackSize; pos++ {
		trID := fmt.Sprintf("tr-b%d", pos)
		h.store.PutTranscript(types.Transcript{
			ID:            trID,
			MeetingType:   "staff",
			Text:          meetingText,
			SpeakerLabels: []string{"Alice", "Bob"},
		})
		run := types.Run{
			ID:           fmt.Sprintf("run-b%d", pos),
			Status:       types.RunComplete,
			Gate1Pass:    types.BoolPtr(true),
			AnalysisType: types.AnalysisSingleMeeting,
			TranscriptID: trID,
			CoacheeID:    "coachee-1",
			TargetRole:   "chair",
			Output:       decodeOutput(t, coachingDoc()),
		}
		if mutate != nil {
			mutate(pos, &run)
		}
		h.store.PutRun(run)
		h.store.PutPackItem(types.BaselinePackItem{
			ID:       fmt.Sprintf("item-%d", pos),
			PackID:   "pack-1",
			Position: pos,
			RunID:    run.ID,
		})
	}
}

func TestProcessBaseline_Ready(t *testing.T) {
	h := newHarness(t, replyWith(""), Options{})
	seedPack(t, h, nil)
	ctx := context.Background()

	out, err := h.engine.ProcessBaseline(ctx, "pack-1")
	require.NoError(t, err)

	assert.Equal(t, types.PackBaselineReady, out.Status)
	assert.False(t, out.NoOp)
	assert.Equal(t, types.Consistent, out.RoleConsistency)
	assert.Equal(t, types.Consistent, out.MeetingTypeConsistency)
	assert.Empty(t, out.SideEffectErrors)
	assert.Zero(t, h.client.calls.Load(), "baseline builds never call the model")

	run, err := h.store.GetRun(ctx, out.ResultRunID)
	require.NoError(t, err)
	assert.Equal(t, idempotency.BaselineBuildKey("pack-1"), run.IdempotencyKey)
	assert.Equal(t, types.AnalysisBaselinePack, run.AnalysisType)
	assert.Equal(t, "pack-1", run.BaselinePackID)
	assert.True(t, run.Passed())
	assert.Equal(t, "pack-1", run.Output.Meta.AnalysisID)
	assert.Nil(t, run.Output.Detection())

	pack, err := h.store.GetBaselinePack(ctx, "pack-1")
	require.NoError(t, err)
	assert.Equal(t, types.PackBaselineReady, pack.Status)
	assert.Equal(t, run.ID, pack.ResultRunID)

	require.NotNil(t, out.Experiment)
	assert.Equal(t, "pack-1", out.Experiment.BaselinePackID)
	assert.Equal(t, run.ID, out.Experiment.CreatedFromRunID)

	items, err := h.store.ListPackItems(ctx, "pack-1")
	require.NoError(t, err)
	for _, item := range items {
		require.NotNil(t, item.Summary, item.ID)
		assert.Equal(t, item.RunID, item.Summary.RunID)
		assert.Equal(t, fmt.Sprintf("tr-b%d", item.Position), item.Summary.MeetingID)
		assert.Equal(t, "staff", item.Summary.MeetingType)
		assert.Equal(t, []string{"agenda_clarity"}, item.Summary.StrengthPatterns)
		assert.Equal(t, "decision_closure", item.Summary.FocusPattern)
		assert.Len(t, item.Summary.PatternSnapshot, 3)
	}

	again, err := h.engine.ProcessBaseline(ctx, "pack-1")
	require.NoError(t, err)
	assert.True(t, again.NoOp)
	assert.Equal(t, out.ResultRunID, again.ResultRunID)
	assert.Equal(t, types.PackBaselineReady, again.Status)
}

func TestProcessBaseline_ReentersInterruptedBuild(t *testing.T) {
	h := newHarness(t, replyWith(""), Options{})
	seedPack(t, h, nil)
	ctx := context.Background()

	startedAt := h.engine.opts.Now().Add(-h.engine.opts.ClaimLease - time.Minute)
	h.store.SetClock(func() time.Time { return startedAt })
	ok, err := h.store.TransitionBaselinePack(ctx, "pack-1", types.PackIntake, types.PackBuilding, types.PackUpdate{})
	require.NoError(t, err)
	require.True(t, ok)

	out, err := h.engine.ProcessBaseline(ctx, "pack-1")
	require.NoError(t, err)
	assert.Equal(t, types.PackBaselineReady, out.Status)
	assert.False(t, out.InProgress)

	byKey, err := h.store.GetRunByKey(ctx, idempotency.BaselineBuildKey("pack-1"))
	require.NoError(t, err)
	assert.Equal(t, byKey.ID, out.ResultRunID)
}

func TestProcessBaseline_FreshBuildIsLeftAlone(t *testing.T) {
	h := newHarness(t, replyWith(""), Options{})
	seedPack(t, h, nil)
	ctx := context.Background()

	startedAt := h.engine.opts.Now().Add(-time.Second)
	h.store.SetClock(func() time.Time { return startedAt })
	ok, err := h.store.TransitionBaselinePack(ctx, "pack-1", types.PackIntake, types.PackBuilding, types.PackUpdate{})
	require.NoError(t, err)
	require.True(t, ok)

	out, err := h.engine.ProcessBaseline(ctx, "pack-1")
	require.NoError(t, err)
	assert.True(t, out.NoOp)
	assert.True(t, out.InProgress)
	assert.Equal(t, types.PackBuilding, out.Status)
	assert.Empty(t, out.ResultRunID)

	run, err := h.store.GetRunByKey(ctx, idempotency.BaselineBuildKey("pack-1"))
	require.NoError(t, err)
	assert.Nil(t, run, "no aggregation while another worker builds")
	assert.NotContains(t, h.steps(), "baseline_building")
}

// summaryFailStore fails the first pack item summary write
type summaryFailStore struct {
	*store.MemoryStore
	fail atomic.Bool
}

func (s *summaryFailStore) SetPackItemSummary(ctx context.Context, itemID string, summary *types.MeetingSummary) error {
	if s.fail.CompareAndSwap(true, false) {
		return errors.New("connection reset")
	}
	return s.MemoryStore.SetPackItemSummary(ctx, itemID, summary)
}

func TestProcessBaseline_TransientStoreErrorReleasesBuild(t *testing.T) {
	h := newHarness(t, replyWith(""), Options{})
	seedPack(t, h, nil)
	failing := &summaryFailStore{MemoryStore: h.store}
	failing.fail.Store(true)
	h.engine = New(failing, h.client, nil, nil, Options{Now: h.engine.opts.Now})
	ctx := context.Background()

	_, err := h.engine.ProcessBaseline(ctx, "pack-1")
	require.Error(t, err)
	assert.True(t, Retryable(err))

	pack, err := h.store.GetBaselinePack(ctx, "pack-1")
	require.NoError(t, err)
	assert.Equal(t, types.PackIntake, pack.Status, "the build is handed back")

	out, err := h.engine.ProcessBaseline(ctx, "pack-1")
	require.NoError(t, err)
	assert.Equal(t, types.PackBaselineReady, out.Status)
	assert.False(t, out.InProgress)
}

func TestProcessBaseline_ItemNotReady(t *testing.T) {
	h := newHarness(t, replyWith(""), Options{})
	seedPack(t, h, func(pos int, run *types.Run) {
		if pos == 3 {
			run.Status = types.RunError
			run.Gate1Pass = nil
			run.Output = nil
		}
	})
	ctx := context.Background()

	out, err := h.engine.ProcessBaseline(ctx, "pack-1")
	require.NoError(t, err)

	assert.Equal(t, types.PackError, out.Status)
	require.NotNil(t, out.Error)
	assert.Equal(t, types.KindPrecondition, out.Error.Kind)
	assert.Contains(t, out.Error.Message, "items[3]")
	require.Len(t, out.Issues, 1)
	assert.Equal(t, RuleBaselineItemNotReady, out.Issues[0].Rule)
	assert.Equal(t, "items[3]", out.Issues[0].Path)
	assert.Contains(t, out.Issues[0].Message, "item-3")
	assert.Contains(t, out.Issues[0].Message, "status=error")

	issues, err := h.store.ListValidationIssues(ctx, "pack-1")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "pack-1", issues[0].BaselinePackID)

	pack, err := h.store.GetBaselinePack(ctx, "pack-1")
	require.NoError(t, err)
	assert.Equal(t, types.PackError, pack.Status)
	assert.Empty(t, pack.ResultRunID)

	byKey, err := h.store.GetRunByKey(ctx, idempotency.BaselineBuildKey("pack-1"))
	require.NoError(t, err)
	assert.Nil(t, byKey, "no aggregation happened")
}

func TestProcessBaseline_FailedGate1ItemIsNotReady(t *testing.T) {
	h := newHarness(t, replyWith(""), Options{})
	seedPack(t, h, func(pos int, run *types.Run) {
		if pos == 2 {
			run.Gate1Pass = types.BoolPtr(false)
		}
	})

	out, err := h.engine.ProcessBaseline(context.Background(), "pack-1")
	require.NoError(t, err)
	assert.Equal(t, types.PackError, out.Status)
	require.Len(t, out.Issues, 1)
	assert.Equal(t, "items[2]", out.Issues[0].Path)
	assert.Contains(t, out.Issues[0].Message, "gate1_pass=false")
}

func TestProcessBaseline_WrongItemCount(t *testing.T) {
	h := newHarness(t, replyWith(""), Options{})
	h.store.PutBaselinePack(types.BaselinePack{ID: "pack-2", CoacheeID: "coachee-1"})
	h.store.PutPackItem(types.BaselinePackItem{ID: "item-1", PackID: "pack-2", Position: 1, RunID: "run-x"})

	out, err := h.engine.ProcessBaseline(context.Background(), "pack-2")
	require.NoError(t, err)
	assert.Equal(t, types.PackError, out.Status)
	require.Len(t, out.Issues, 1)
	assert.Equal(t, RuleBaselineItemCount, out.Issues[0].Rule)
	assert.Equal(t, "pack has 1 items, expected 3", out.Error.Message)
}

func TestProcessBaseline_FeedsLaterPrompts(t *testing.T) {
	h := newHarness(t, replyWith(""), Options{})
	doc := coachingDoc()
	doc["coaching_output"].(map[string]any)["micro_experiment"] = nil
	seedPack(t, h, func(_ int, run *types.Run) {
		run.Output = decodeOutput(t, doc)
	})
	h.client = replyWith(encode(t, doc))
	h.engine.client = h.client
	ctx := context.Background()

	built, err := h.engine.ProcessBaseline(ctx, "pack-1")
	require.NoError(t, err)
	require.Equal(t, types.PackBaselineReady, built.Status)
	assert.Nil(t, built.Experiment)

	h.request("req-1", "tr-1")
	_, err = h.engine.ProcessSingle(ctx, "req-1")
	require.NoError(t, err)

	user := h.client.lastRequest().User
	assert.Contains(t, user, `"baseline_pack_id": "pack-1"`)
	assert.Contains(t, user, `"focus": "decision_closure"`)
}
