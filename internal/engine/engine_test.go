package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonathan/meeting-coach/internal/llm"
	"github.com/jonathan/meeting-coach/internal/store"
	"github.com/jonathan/meeting-coach/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient answers model calls with respond and counts them
type fakeClient struct {
	respond func(ctx context.Context, req llm.Request) (*llm.Response, error)

	calls atomic.Int32
	mu    sync.Mutex
	last  llm.Request
}

func (f *fakeClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	return f.respond(ctx, req)
}

func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) lastRequest() llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func replyWith(text string) *fakeClient {
	return &fakeClient{respond: func(_ context.Context, req llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: text, Model: req.Model, PromptTokens: 1200, CompletionTokens: 400}, nil
	}}
}

func quote(speaker, text string) map[string]any {
	return map[string]any{"speaker_label": speaker, "text": text}
}

// coachingDoc returns a passing single-meeting document that tests mutate
func coachingDoc() map[string]any {
	return map[string]any{
		"schema_version": types.SchemaVersion,
		"meta":           map[string]any{"analysis_id": "A-1", "analysis_type": "single_meeting"},
		"coaching_output": map[string]any{
			"strengths": []any{
				map[string]any{"pattern_id": "agenda_clarity", "title": "Clear agenda", "quotes": []any{quote("Alice", "Three items today.")}},
			},
			"focus": map[string]any{"pattern_id": "decision_closure", "quotes": []any{quote("Alice", "Let's move on.")}},
			"micro_experiment": map[string]any{
				"experiment_id":  "EXP-000123",
				"pattern_id":     "decision_closure",
				"title":          "Name the decision",
				"instruction":    "Restate each decision before moving on.",
				"success_marker": "Each decision is restated",
				"quotes":         []any{quote("Alice", "Let's move on.")},
			},
		},
		"pattern_snapshot": []any{
			map[string]any{"pattern_id": "agenda_clarity", "evaluable_status": "evaluable", "numerator": 3, "denominator": 4, "ratio": 0.75},
			map[string]any{"pattern_id": "question_quality", "evaluable_status": "insufficient_signal"},
			map[string]any{"pattern_id": "conversational_balance", "evaluable_status": "evaluable", "balance_assessment": "balanced"},
		},
		"experiment_tracking": map[string]any{"detection_in_this_meeting": nil},
	}
}

func encode(t *testing.T, doc map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return string(raw)
}

const meetingText = "Alice: Three items today. Bob: Sounds good. Alice: Let's move on to the launch date."

type harness struct {
	store  *store.MemoryStore
	client *fakeClient
	engine *Engine
	events []ProgressEvent
	mu     sync.Mutex
}

func newHarness(t *testing.T, client *fakeClient, opts Options) *harness {
	t.Helper()
	h := &harness{store: store.NewMemoryStore(), client: client}
	h.store.PutTranscript(types.Transcript{
		ID:            "tr-1",
		MeetingType:   "staff",
		MeetingDate:   "2026-03-02",
		Text:          meetingText,
		SpeakerLabels: []string{"Alice", "Bob"},
	})
	opts.OnProgress = func(ev ProgressEvent) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	}
	h.engine = New(h.store, client, nil, nil, opts)
	return h
}

func (h *harness) request(id, transcriptID string) {
	h.store.PutRunRequest(types.RunRequest{
		ID:                 id,
		TranscriptID:       transcriptID,
		CoacheeID:          "coachee-1",
		TargetSpeakerLabel: "Alice",
		TargetRole:         "chair",
	})
}

func (h *harness) steps() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, ev := range h.events {
		out = append(out, ev.Step)
	}
	return out
}

func TestDispatch(t *testing.T) {
	h := newHarness(t, replyWith(""), Options{})
	ctx := context.Background()

	t.Run("unknown kind", func(t *testing.T) {
		_, err := h.engine.Dispatch(ctx, types.Job{Kind: "weekly_digest", RequestRef: "x"})
		require.Error(t, err)
		assert.Equal(t, types.KindPrecondition, KindOf(err))
		assert.False(t, Retryable(err))
	})

	t.Run("missing request", func(t *testing.T) {
		_, err := h.engine.Dispatch(ctx, types.Job{Kind: types.JobSingleMeeting, RequestRef: "nope"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.False(t, Retryable(err))
	})

	t.Run("missing pack", func(t *testing.T) {
		_, err := h.engine.Dispatch(ctx, types.Job{Kind: types.JobBaselinePackBuild, RequestRef: "nope"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestNew_Defaults(t *testing.T) {
	e := New(store.NewMemoryStore(), replyWith(""), nil, nil, Options{})
	assert.Equal(t, DefaultModelTimeout, e.opts.ModelTimeout)
	assert.Equal(t, DefaultModelTimeout+leaseMargin, e.opts.ClaimLease)
	assert.Equal(t, llm.DefaultOpenAIModel, e.bundles.Default().Model)
}

func TestErrors(t *testing.T) {
	cause := errors.New("connection refused")
	err := storeError("failed to load run", cause)

	assert.True(t, Retryable(err))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, types.KindInternal, KindOf(err))
	assert.Equal(t, "engine error: internal: failed to load run: connection refused", err.Error())

	assert.False(t, Retryable(cause))
	assert.Equal(t, types.KindInternal, KindOf(cause))
	assert.True(t, strings.HasPrefix(notFound("run", "r1").Error(), "engine error: precondition_failure: run r1"))
}
