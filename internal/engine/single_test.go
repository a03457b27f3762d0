package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonathan/meeting-coach/internal/bundles"
	"github.com/jonathan/meeting-coach/internal/gate1"
	"github.com/jonathan/meeting-coach/internal/llm"
	"github.com/jonathan/meeting-coach/internal/store"
	"github.com/jonathan/meeting-coach/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultRef = fmt.Sprintf("default@1+%s:%d", llm.DefaultOpenAIModel, llm.DefaultMaxOutputTokens)

func TestProcessSingle_Passes(t *testing.T) {
	h := newHarness(t, replyWith("```json\n"+encode(t, coachingDoc())+"\n```"), Options{})
	h.request("req-1", "tr-1")
	ctx := context.Background()

	out, err := h.engine.ProcessSingle(ctx, "req-1")
	require.NoError(t, err)

	assert.True(t, out.Created)
	assert.True(t, out.ModelCalled)
	assert.Equal(t, types.RunComplete, out.Status)
	require.NotNil(t, out.Gate1Pass)
	assert.True(t, *out.Gate1Pass)
	assert.Empty(t, out.Issues)
	assert.Empty(t, out.SideEffectErrors)
	require.NotNil(t, out.Experiment)
	assert.Equal(t, "EXP-000123", out.Experiment.ExperimentID)
	assert.Equal(t, types.ExperimentAssigned, out.Experiment.Status)
	assert.Equal(t, int32(1), h.client.calls.Load())

	run, err := h.store.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, defaultRef, run.ConfigRef)
	assert.Equal(t, llm.DefaultOpenAIModel, run.Model)
	assert.Contains(t, run.RequestPayload, `"analysis_id": "`+run.ID+`"`)
	assert.True(t, strings.HasPrefix(run.RawOutput, "```json"), "raw output is stored as received")
	require.NotNil(t, run.Output)
	assert.Equal(t, "agenda_clarity", run.Output.Coaching.Strengths[0].PatternID)
	assert.True(t, run.ExperimentInstantiated)

	req, err := h.store.GetRunRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunComplete, req.Status)
	assert.Equal(t, run.ID, req.RunID)

	issues, err := h.store.ListValidationIssues(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, issues, "issues are only persisted for failing runs")

	assert.Equal(t, []string{"run_created", "run_claimed", "model_call", "gate1", "run_finished"}, h.steps())
}

func TestProcessSingle_DuplicateRequestsShareOneRun(t *testing.T) {
	client := replyWith("")
	h := newHarness(t, client, Options{})
	client.respond = func(_ context.Context, req llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: encode(t, coachingDoc()), Model: req.Model}, nil
	}
	h.request("req-1", "tr-1")
	h.store.PutRunRequest(types.RunRequest{
		ID:                 "req-2",
		TranscriptID:       "tr-1",
		CoacheeID:          "coachee-1",
		TargetSpeakerLabel: "  ALICE ",
		TargetRole:         "chair",
	})
	ctx := context.Background()

	first, err := h.engine.ProcessSingle(ctx, "req-1")
	require.NoError(t, err)
	second, err := h.engine.ProcessSingle(ctx, "req-2")
	require.NoError(t, err)
	redelivered, err := h.engine.ProcessSingle(ctx, "req-1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), client.calls.Load())
	assert.Equal(t, first.RunID, second.RunID)
	assert.False(t, second.Created)
	assert.False(t, second.ModelCalled)
	assert.Equal(t, types.RunComplete, second.Status)
	assert.Equal(t, first.RunID, redelivered.RunID)
	assert.False(t, redelivered.ModelCalled)

	req, err := h.store.GetRunRequest(ctx, "req-2")
	require.NoError(t, err)
	assert.Equal(t, types.RunComplete, req.Status)
	assert.Equal(t, first.RunID, req.RunID)

	exps, err := h.store.ListOpenExperiments(ctx, "coachee-1")
	require.NoError(t, err)
	assert.Len(t, exps, 1)
}

func TestProcessSingle_ConcurrentDuplicates(t *testing.T) {
	release := make(chan struct{})
	doc := encode(t, coachingDoc())
	client := &fakeClient{respond: func(_ context.Context, req llm.Request) (*llm.Response, error) {
		<-release
		return &llm.Response{Text: doc, Model: req.Model}, nil
	}}
	h := newHarness(t, client, Options{})

	const n = 6
	for i := 0; i < n; i++ {
		h.request(fmt.Sprintf("req-%d", i), "tr-1")
	}

	var (
		wg       sync.WaitGroup
		outcomes = make([]*Outcome, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.engine.ProcessSingle(context.Background(), fmt.Sprintf("req-%d", i))
			assert.NoError(t, err)
			outcomes[i] = out
		}()
	}
	// let every worker reach the claim before the model answers
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), client.calls.Load())
	runID := outcomes[0].RunID
	for i, out := range outcomes {
		require.NotNil(t, out)
		assert.Equal(t, runID, out.RunID, "request %d", i)
	}

	for i := 0; i < n; i++ {
		req, err := h.store.GetRunRequest(context.Background(), fmt.Sprintf("req-%d", i))
		require.NoError(t, err)
		assert.Equal(t, types.RunComplete, req.Status, "request %d resolved by the winner", i)
	}
}

func TestProcessSingle_ModelTimeout(t *testing.T) {
	client := &fakeClient{respond: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		<-ctx.Done()
		return nil, &llm.TransportError{Provider: llm.ProviderOpenAI, Message: "request timed out", Timeout: true, Cause: ctx.Err()}
	}}
	h := newHarness(t, client, Options{ModelTimeout: 20 * time.Millisecond})
	h.request("req-1", "tr-1")
	ctx := context.Background()

	out, err := h.engine.ProcessSingle(ctx, "req-1")
	require.NoError(t, err)

	assert.Equal(t, types.RunError, out.Status)
	assert.Nil(t, out.Gate1Pass)
	require.NotNil(t, out.Error)
	assert.Equal(t, types.KindTransport, out.Error.Kind)
	assert.Equal(t, "model call timed out after 20ms", out.Error.Message)
	assert.Nil(t, out.Experiment)

	req, err := h.store.GetRunRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunError, req.Status)
	assert.Equal(t, types.KindTransport, req.Error.Kind)

	// redelivery reports the recorded failure without calling the model again
	again, err := h.engine.ProcessSingle(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunError, again.Status)
	assert.Equal(t, int32(1), client.calls.Load())
}

func TestProcessSingle_TransportError(t *testing.T) {
	client := &fakeClient{respond: func(context.Context, llm.Request) (*llm.Response, error) {
		return nil, &llm.TransportError{Provider: llm.ProviderOpenAI, Message: "status 502"}
	}}
	h := newHarness(t, client, Options{})
	h.request("req-1", "tr-1")

	out, err := h.engine.ProcessSingle(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunError, out.Status)
	assert.Equal(t, types.KindTransport, out.Error.Kind)
	assert.Contains(t, out.Error.Message, "status 502")
}

func TestProcessSingle_ParseFailure(t *testing.T) {
	h := newHarness(t, replyWith("I'm sorry, I can't produce that."), Options{})
	h.request("req-1", "tr-1")
	ctx := context.Background()

	out, err := h.engine.ProcessSingle(ctx, "req-1")
	require.NoError(t, err)

	assert.Equal(t, types.RunError, out.Status)
	assert.Equal(t, types.KindParse, out.Error.Kind)

	run, err := h.store.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, "I'm sorry, I can't produce that.", run.RawOutput)
	assert.Nil(t, run.Output)
}

func TestProcessSingle_Gate1Failure(t *testing.T) {
	doc := coachingDoc()
	doc["coaching_output"].(map[string]any)["strengths"] = []any{
		map[string]any{"pattern_id": "agenda_clarity", "quotes": []any{}},
	}
	h := newHarness(t, replyWith(encode(t, doc)), Options{})
	h.request("req-1", "tr-1")
	ctx := context.Background()

	out, err := h.engine.ProcessSingle(ctx, "req-1")
	require.NoError(t, err)

	assert.Equal(t, types.RunComplete, out.Status)
	require.NotNil(t, out.Gate1Pass)
	assert.False(t, *out.Gate1Pass)
	assert.Nil(t, out.Experiment, "failing runs create no experiment")
	require.Len(t, out.Issues, 1)
	assert.Equal(t, gate1.RuleMissingEvidence, out.Issues[0].Rule)
	assert.Equal(t, out.RunID, out.Issues[0].RunID)

	issues, err := h.store.ListValidationIssues(ctx, out.RunID)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "coaching_output.strengths[0].quotes", issues[0].Path)

	exps, err := h.store.ListOpenExperiments(ctx, "coachee-1")
	require.NoError(t, err)
	assert.Empty(t, exps)
}

func TestProcessSingle_UnreadableTranscript(t *testing.T) {
	h := newHarness(t, replyWith(""), Options{})
	h.store.PutTranscript(types.Transcript{ID: "tr-short", Text: "Alice: hi", SpeakerLabels: []string{"Alice"}})
	h.request("req-1", "tr-short")
	h.request("req-2", "tr-missing")

	for _, id := range []string{"req-1", "req-2"} {
		out, err := h.engine.ProcessSingle(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, types.RunError, out.Status)
		assert.Equal(t, types.KindTranscriptUnreadable, out.Error.Kind)
	}
	assert.Zero(t, h.client.calls.Load())
}

func TestProcessSingle_RejectsBaselineRequests(t *testing.T) {
	h := newHarness(t, replyWith(""), Options{})
	h.store.PutRunRequest(types.RunRequest{
		ID: "req-1", TranscriptID: "tr-1", CoacheeID: "coachee-1",
		TargetSpeakerLabel: "Alice", TargetRole: "chair", AnalysisType: types.AnalysisBaselinePack,
	})
	h.store.PutRunRequest(types.RunRequest{
		ID: "req-2", CoacheeID: "coachee-1", TargetSpeakerLabel: "Alice", TargetRole: "chair",
	})

	for _, id := range []string{"req-1", "req-2"} {
		out, err := h.engine.ProcessSingle(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, types.RunError, out.Status)
		assert.Equal(t, types.KindPrecondition, out.Error.Kind)
		assert.Empty(t, out.RunID)
	}
	assert.Zero(t, h.client.calls.Load())
}

func TestProcessSingle_ConfigResolution(t *testing.T) {
	h := newHarness(t, replyWith(encode(t, coachingDoc())), Options{})
	h.store.PutConfig(types.ConfigBundle{ID: "cfg-a", Version: "3", Model: "gpt-4.1-mini", MaxOutputTokens: 2048})
	ctx := context.Background()

	tests := []struct {
		configID string
		ref      string
		model    string
	}{
		{"cfg-a", "cfg-a@3", "gpt-4.1-mini"},
		{"cfg-gone", defaultRef, llm.DefaultOpenAIModel},
	}
	for i, tt := range tests {
		t.Run(tt.configID, func(t *testing.T) {
			id := fmt.Sprintf("req-%d", i)
			h.store.PutRunRequest(types.RunRequest{
				ID: id, TranscriptID: "tr-1", CoacheeID: fmt.Sprintf("coachee-%d", i),
				TargetSpeakerLabel: "Alice", TargetRole: "chair", ConfigID: tt.configID,
			})

			out, err := h.engine.ProcessSingle(ctx, id)
			require.NoError(t, err)
			run, err := h.store.GetRun(ctx, out.RunID)
			require.NoError(t, err)
			assert.Equal(t, tt.ref, run.ConfigRef)
			assert.Equal(t, tt.model, h.client.lastRequest().Model)
		})
	}
}

func TestProcessSingle_TracksActiveExperiment(t *testing.T) {
	client := replyWith("")
	h := newHarness(t, client, Options{})
	h.store.PutTranscript(types.Transcript{
		ID: "tr-2", MeetingDate: "2026-03-09", Text: meetingText, SpeakerLabels: []string{"Alice", "Bob"},
	})
	first := encode(t, coachingDoc())
	followUp := coachingDoc()
	followUp["coaching_output"].(map[string]any)["micro_experiment"] = nil
	followUp["experiment_tracking"] = map[string]any{
		"detection_in_this_meeting": map[string]any{
			"experiment_id": "EXP-000123",
			"attempt":       "yes",
			"quotes":        []any{quote("Alice", "Decision: we ship Friday.")},
		},
	}
	second := encode(t, followUp)
	client.respond = func(_ context.Context, req llm.Request) (*llm.Response, error) {
		if client.calls.Load() == 1 {
			return &llm.Response{Text: first, Model: req.Model}, nil
		}
		return &llm.Response{Text: second, Model: req.Model}, nil
	}
	h.request("req-1", "tr-1")
	h.request("req-2", "tr-2")
	ctx := context.Background()

	_, err := h.engine.ProcessSingle(ctx, "req-1")
	require.NoError(t, err)
	out, err := h.engine.ProcessSingle(ctx, "req-2")
	require.NoError(t, err)

	assert.Contains(t, client.lastRequest().User, "EXP-000123", "the open experiment is part of the prompt")
	require.True(t, *out.Gate1Pass)
	require.Len(t, out.Events, 1)
	assert.Equal(t, types.AttemptYes, out.Events[0].Attempt)
	assert.Equal(t, "2026-03-09", out.Events[0].MeetingDate)

	open, err := h.store.ListOpenExperiments(ctx, "coachee-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, types.ExperimentActive, open[0].Status)
}

func TestProcessSingle_MissingDetectionFailsGate1(t *testing.T) {
	client := replyWith("")
	h := newHarness(t, client, Options{})
	doc := encode(t, coachingDoc())
	client.respond = func(_ context.Context, req llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: doc, Model: req.Model}, nil
	}
	h.store.PutTranscript(types.Transcript{ID: "tr-2", Text: meetingText, SpeakerLabels: []string{"Alice", "Bob"}})
	h.request("req-1", "tr-1")
	h.request("req-2", "tr-2")
	ctx := context.Background()

	_, err := h.engine.ProcessSingle(ctx, "req-1")
	require.NoError(t, err)
	out, err := h.engine.ProcessSingle(ctx, "req-2")
	require.NoError(t, err)

	assert.False(t, *out.Gate1Pass)
	require.Len(t, out.Issues, 1)
	assert.Equal(t, gate1.RuleDetectionRequired, out.Issues[0].Rule)
}

func TestProcessSingle_DefaultModelChangeStartsNewRun(t *testing.T) {
	h := newHarness(t, replyWith(encode(t, coachingDoc())), Options{})
	h.request("req-1", "tr-1")
	h.request("req-2", "tr-1")
	ctx := context.Background()

	first, err := h.engine.ProcessSingle(ctx, "req-1")
	require.NoError(t, err)

	resolver := bundles.NewResolver(h.store, bundles.Defaults{Model: "gpt-4.1", MaxOutputTokens: llm.DefaultMaxOutputTokens}, nil)
	h.engine = New(h.store, h.client, resolver, nil, Options{})
	second, err := h.engine.ProcessSingle(ctx, "req-2")
	require.NoError(t, err)

	assert.True(t, second.Created)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, "gpt-4.1", h.client.lastRequest().Model)
	assert.Equal(t, int32(2), h.client.calls.Load())
}

// flakyStore fails experiment creation while fail is set
type flakyStore struct {
	*store.MemoryStore
	fail atomic.Bool
}

func (f *flakyStore) CreateExperimentIfAbsent(ctx context.Context, exp *types.Experiment) (*types.Experiment, bool, error) {
	if f.fail.Load() {
		return nil, false, errors.New("deadlock detected")
	}
	return f.MemoryStore.CreateExperimentIfAbsent(ctx, exp)
}

func TestProcessSingle_SideEffectFailureKeepsRunComplete(t *testing.T) {
	h := newHarness(t, replyWith(encode(t, coachingDoc())), Options{})
	flaky := &flakyStore{MemoryStore: h.store}
	flaky.fail.Store(true)
	h.engine = New(flaky, h.client, nil, nil, Options{})
	h.request("req-1", "tr-1")
	h.request("req-2", "tr-1")
	ctx := context.Background()

	out, err := h.engine.ProcessSingle(ctx, "req-1")
	require.NoError(t, err)

	assert.Equal(t, types.RunComplete, out.Status)
	assert.True(t, *out.Gate1Pass)
	assert.Nil(t, out.Experiment)
	require.Len(t, out.SideEffectErrors, 1)
	assert.Contains(t, out.SideEffectErrors[0], "deadlock detected")

	run, err := h.store.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunComplete, run.Status)
	assert.NotEmpty(t, run.SideEffectError)
	assert.False(t, run.ExperimentInstantiated)

	// a later duplicate retries the unfinished side effect
	flaky.fail.Store(false)
	again, err := h.engine.ProcessSingle(ctx, "req-2")
	require.NoError(t, err)
	assert.False(t, again.ModelCalled)
	require.NotNil(t, again.Experiment)
	assert.Equal(t, "EXP-000123", again.Experiment.ExperimentID)
	assert.Equal(t, int32(1), h.client.calls.Load())
}

func TestTransportMessage(t *testing.T) {
	assert.Equal(t, "model call timed out after 1m30s",
		transportMessage(&llm.TransportError{Timeout: true}, 90*time.Second))
	assert.Equal(t, "model call timed out after 5s",
		transportMessage(fmt.Errorf("wrapped: %w", context.DeadlineExceeded), 5*time.Second))
	assert.Equal(t, "boom", transportMessage(errors.New("boom"), time.Second))
}

// failOnceStore fails the armed store call once with a transient error
type failOnceStore struct {
	*store.MemoryStore
	transcript atomic.Bool
	finish     atomic.Bool
}

func (f *failOnceStore) GetTranscript(ctx context.Context, id string) (*types.Transcript, error) {
	if f.transcript.CompareAndSwap(true, false) {
		return nil, errors.New("connection reset")
	}
	return f.MemoryStore.GetTranscript(ctx, id)
}

func (f *failOnceStore) FinishRun(ctx context.Context, id, token string, res types.RunResult) (bool, error) {
	if f.finish.CompareAndSwap(true, false) {
		return false, errors.New("connection reset")
	}
	return f.MemoryStore.FinishRun(ctx, id, token, res)
}

func TestProcessSingle_TransientStoreErrorReleasesClaim(t *testing.T) {
	tests := []struct {
		name       string
		arm        func(f *failOnceStore)
		modelCalls int32
	}{
		{"transcript load", func(f *failOnceStore) { f.transcript.Store(true) }, 1},
		{"terminal write", func(f *failOnceStore) { f.finish.Store(true) }, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, replyWith(encode(t, coachingDoc())), Options{})
			failing := &failOnceStore{MemoryStore: h.store}
			tt.arm(failing)
			h.engine = New(failing, h.client, nil, nil, Options{})
			h.request("req-1", "tr-1")
			ctx := context.Background()

			_, err := h.engine.ProcessSingle(ctx, "req-1")
			require.Error(t, err)
			assert.True(t, Retryable(err))

			req, err := h.store.GetRunRequest(ctx, "req-1")
			require.NoError(t, err)
			run, err := h.store.GetRun(ctx, req.RunID)
			require.NoError(t, err)
			assert.Equal(t, types.RunQueued, run.Status, "the claim is handed back")
			assert.Empty(t, run.ClaimToken)
			assert.Nil(t, run.ClaimedAt)

			// the redelivery arrives well inside the old lease
			out, err := h.engine.ProcessSingle(ctx, "req-1")
			require.NoError(t, err)
			assert.False(t, out.InProgress)
			assert.True(t, out.ModelCalled)
			assert.Equal(t, types.RunComplete, out.Status)
			assert.Equal(t, run.ID, out.RunID)
			assert.Equal(t, tt.modelCalls, h.client.calls.Load())

			req, err = h.store.GetRunRequest(ctx, "req-1")
			require.NoError(t, err)
			assert.Equal(t, types.RunComplete, req.Status)
		})
	}
}

// racingStore finishes the run under another worker's token just before the claim
type racingStore struct {
	*store.MemoryStore
}

func (r *racingStore) ClaimRun(ctx context.Context, id, token string, now time.Time, lease time.Duration) (bool, error) {
	if _, err := r.MemoryStore.ClaimRun(ctx, id, "other-worker", now, lease); err != nil {
		return false, err
	}
	res := types.RunResult{Status: types.RunError, Error: &types.ErrorPayload{Kind: types.KindTransport, Message: "upstream 503"}}
	if _, err := r.MemoryStore.FinishRun(ctx, id, "other-worker", res); err != nil {
		return false, err
	}
	return r.MemoryStore.ClaimRun(ctx, id, token, now, lease)
}

func TestProcessSingle_RunFinishedBeforeClaim(t *testing.T) {
	h := newHarness(t, replyWith(encode(t, coachingDoc())), Options{})
	h.engine = New(&racingStore{MemoryStore: h.store}, h.client, nil, nil, Options{})
	h.request("req-1", "tr-1")
	ctx := context.Background()

	out, err := h.engine.ProcessSingle(ctx, "req-1")
	require.NoError(t, err)
	assert.False(t, out.ModelCalled)
	assert.False(t, out.InProgress)
	assert.Equal(t, types.RunError, out.Status)
	require.NotNil(t, out.Error)
	assert.Equal(t, types.KindTransport, out.Error.Kind)
	assert.Zero(t, h.client.calls.Load())

	req, err := h.store.GetRunRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunError, req.Status)
}
