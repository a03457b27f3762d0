package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/meeting-coach/internal/runstate"
	"github.com/jonathan/meeting-coach/internal/types"
)

// Snapshot is the serialisable seed data of a memory store
type Snapshot struct {
	Transcripts   []types.Transcript       `json:"transcripts"`
	RunRequests   []types.RunRequest       `json:"run_requests"`
	Runs          []types.Run              `json:"runs"`
	BaselinePacks []types.BaselinePack     `json:"baseline_packs"`
	PackItems     []types.BaselinePackItem `json:"baseline_pack_items"`
	Experiments   []types.Experiment       `json:"experiments"`
	Configs       []types.ConfigBundle     `json:"configs"`
}

// MemoryStore is an in-process Store guarded by a single mutex. It backs
// tests and local runs and honours the same uniqueness and CAS contracts as
// the Postgres store.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	transcripts map[string]types.Transcript
	requests    map[string]types.RunRequest
	runs        map[string]types.Run
	runKeys     map[string]string
	issues      map[string]types.ValidationIssue
	issueOrder  []string
	packs       map[string]types.BaselinePack
	items       map[string][]types.BaselinePackItem
	experiments map[string]types.Experiment
	expByRun    map[string]string
	events      map[string]types.ExperimentEvent
	configs     map[string]types.ConfigBundle
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		transcripts: map[string]types.Transcript{},
		requests:    map[string]types.RunRequest{},
		runs:        map[string]types.Run{},
		runKeys:     map[string]string{},
		issues:      map[string]types.ValidationIssue{},
		packs:       map[string]types.BaselinePack{},
		items:       map[string][]types.BaselinePackItem{},
		experiments: map[string]types.Experiment{},
		expByRun:    map[string]string{},
		events:      map[string]types.ExperimentEvent{},
		configs:     map[string]types.ConfigBundle{},
	}
}

// LoadMemoryStore creates a store seeded from a JSON snapshot file
func LoadMemoryStore(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}
	s := NewMemoryStore()
	s.Seed(snap)
	return s, nil
}

// SetClock replaces the store's clock; used by tests
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Seed inserts every record in snap, replacing records with the same id
func (s *MemoryStore) Seed(snap Snapshot) {
	for i := range snap.Transcripts {
		s.PutTranscript(snap.Transcripts[i])
	}
	for i := range snap.RunRequests {
		s.PutRunRequest(snap.RunRequests[i])
	}
	for i := range snap.Runs {
		s.PutRun(snap.Runs[i])
	}
	for i := range snap.BaselinePacks {
		s.PutBaselinePack(snap.BaselinePacks[i])
	}
	for i := range snap.PackItems {
		s.PutPackItem(snap.PackItems[i])
	}
	for i := range snap.Experiments {
		s.PutExperiment(snap.Experiments[i])
	}
	for i := range snap.Configs {
		s.PutConfig(snap.Configs[i])
	}
}

// PutTranscript stores a transcript
func (s *MemoryStore) PutTranscript(t types.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[t.ID] = t
}

// PutRunRequest stores a run request; an empty status becomes queued
func (s *MemoryStore) PutRunRequest(r types.RunRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Status == "" {
		r.Status = types.RunQueued
	}
	s.requests[r.ID] = r
}

// PutRun stores a run as-is, bypassing create-if-absent
func (s *MemoryStore) PutRun(r types.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
	if r.IdempotencyKey != "" {
		s.runKeys[r.IdempotencyKey] = r.ID
	}
}

// PutBaselinePack stores a pack; an empty status becomes intake
func (s *MemoryStore) PutBaselinePack(p types.BaselinePack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Status == "" {
		p.Status = types.PackIntake
	}
	s.packs[p.ID] = p
}

// PutPackItem adds an item to its pack
func (s *MemoryStore) PutPackItem(item types.BaselinePackItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.PackID] = append(s.items[item.PackID], item)
}

// PutExperiment stores an experiment as-is
func (s *MemoryStore) PutExperiment(e types.Experiment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.experiments[e.ID] = e
	if e.CreatedFromRunID != "" {
		s.expByRun[e.CreatedFromRunID] = e.ID
	}
}

// PutConfig stores a config bundle
func (s *MemoryStore) PutConfig(c types.ConfigBundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[c.ID] = c
}

// --- Run requests ---

func (s *MemoryStore) GetRunRequest(_ context.Context, id string) (*types.RunRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryStore) UpdateRunRequest(_ context.Context, id string, upd RunRequestUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return false, fmt.Errorf("run request %s not found", id)
	}
	if r.Status.Terminal() {
		return false, nil
	}
	r.Status = upd.Status
	if upd.RunID != "" {
		r.RunID = upd.RunID
	}
	r.Error = upd.Error
	r.UpdatedAt = s.now()
	s.requests[id] = r
	return true, nil
}

func (s *MemoryStore) ListRunRequestsByRun(_ context.Context, runID string) ([]types.RunRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.RunRequest
	for _, r := range s.requests {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Transcripts ---

func (s *MemoryStore) GetTranscript(_ context.Context, id string) (*types.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transcripts[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// --- Runs ---

func (s *MemoryStore) CreateRunIfAbsent(_ context.Context, run *types.Run) (*types.Run, bool, error) {
	if run.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("run idempotency key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.runKeys[run.IdempotencyKey]; ok {
		existing := s.runs[id]
		return &existing, false, nil
	}

	r := *run
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = types.RunQueued
	}
	now := s.now()
	r.CreatedAt = now
	r.UpdatedAt = now
	s.runs[r.ID] = r
	s.runKeys[r.IdempotencyKey] = r.ID
	return &r, true, nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryStore) GetRunByKey(_ context.Context, key string) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.runKeys[key]
	if !ok {
		return nil, nil
	}
	r := s.runs[id]
	return &r, nil
}

func (s *MemoryStore) ClaimRun(_ context.Context, id, token string, now time.Time, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return false, fmt.Errorf("run %s not found", id)
	}

	if err := runstate.Check(r.Status, types.RunRunning); err != nil {
		return false, err
	}
	if r.Status == types.RunRunning && r.ClaimedAt != nil && now.Sub(*r.ClaimedAt) <= lease {
		return false, nil
	}

	r.Status = types.RunRunning
	r.ClaimToken = token
	claimedAt := now
	r.ClaimedAt = &claimedAt
	r.UpdatedAt = now
	s.runs[id] = r
	return true, nil
}

func (s *MemoryStore) FinishRun(_ context.Context, id, token string, res types.RunResult) (bool, error) {
	if !res.Status.Terminal() {
		return false, fmt.Errorf("finish status must be terminal, got %s", res.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return false, fmt.Errorf("run %s not found", id)
	}
	if err := runstate.Check(r.Status, res.Status); err != nil {
		return false, err
	}
	if r.ClaimToken != token {
		return false, nil
	}

	r.Status = res.Status
	r.Gate1Pass = res.Gate1Pass
	if res.Model != "" {
		r.Model = res.Model
	}
	r.RawOutput = res.RawOutput
	r.Output = res.Output
	r.Error = res.Error
	r.UpdatedAt = s.now()
	s.runs[id] = r
	return true, nil
}

func (s *MemoryStore) ReleaseRun(_ context.Context, id, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return false, fmt.Errorf("run %s not found", id)
	}
	if err := runstate.Check(r.Status, types.RunQueued); err != nil {
		return false, err
	}
	if r.ClaimToken != token {
		return false, nil
	}

	r.Status = types.RunQueued
	r.ClaimToken = ""
	r.ClaimedAt = nil
	r.UpdatedAt = s.now()
	s.runs[id] = r
	return true, nil
}

func (s *MemoryStore) MarkRunSideEffects(_ context.Context, id string, fx types.SideEffects) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	r.ExperimentInstantiated = r.ExperimentInstantiated || fx.ExperimentInstantiated
	r.AttemptEventCreated = r.AttemptEventCreated || fx.AttemptEventCreated
	if fx.Error != "" {
		r.SideEffectError = fx.Error
	}
	r.UpdatedAt = s.now()
	s.runs[id] = r
	return nil
}

func (s *MemoryStore) SetRunRequestPayload(_ context.Context, id, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	r.RequestPayload = payload
	s.runs[id] = r
	return nil
}

func (s *MemoryStore) CreateValidationIssues(_ context.Context, issues []types.ValidationIssue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, issue := range issues {
		if issue.ID == "" {
			return fmt.Errorf("validation issue id is required")
		}
		if _, exists := s.issues[issue.ID]; exists {
			continue
		}
		s.issues[issue.ID] = issue
		s.issueOrder = append(s.issueOrder, issue.ID)
	}
	return nil
}

func (s *MemoryStore) ListValidationIssues(_ context.Context, subjectID string) ([]types.ValidationIssue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.ValidationIssue
	for _, id := range s.issueOrder {
		issue := s.issues[id]
		if issue.RunID == subjectID || issue.BaselinePackID == subjectID {
			out = append(out, issue)
		}
	}
	return out, nil
}

// --- Baseline packs ---

func (s *MemoryStore) GetBaselinePack(_ context.Context, id string) (*types.BaselinePack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.packs[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) ListPackItems(_ context.Context, packID string) ([]types.BaselinePackItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := append([]types.BaselinePackItem(nil), s.items[packID]...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	return items, nil
}

func (s *MemoryStore) SetPackItemSummary(_ context.Context, itemID string, summary *types.MeetingSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for packID, items := range s.items {
		for i := range items {
			if items[i].ID == itemID {
				s.items[packID][i].Summary = summary
				return nil
			}
		}
	}
	return fmt.Errorf("baseline pack item %s not found", itemID)
}

func (s *MemoryStore) TransitionBaselinePack(_ context.Context, id string, from, to types.PackStatus, upd types.PackUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packs[id]
	if !ok {
		return false, fmt.Errorf("baseline pack %s not found", id)
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	if upd.ResultRunID != "" {
		p.ResultRunID = upd.ResultRunID
	}
	if upd.RoleConsistency != "" {
		p.RoleConsistency = upd.RoleConsistency
	}
	if upd.MeetingTypeConsistency != "" {
		p.MeetingTypeConsistency = upd.MeetingTypeConsistency
	}
	if upd.Error != nil {
		p.Error = upd.Error
	}
	p.UpdatedAt = s.now()
	s.packs[id] = p
	return true, nil
}

func (s *MemoryStore) LatestReadyBaseline(_ context.Context, coacheeID string) (*types.BaselinePack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *types.BaselinePack
	for _, p := range s.packs {
		if p.CoacheeID != coacheeID || p.Status != types.PackBaselineReady {
			continue
		}
		if latest == nil || p.UpdatedAt.After(latest.UpdatedAt) {
			found := p
			latest = &found
		}
	}
	return latest, nil
}

// --- Experiments ---

func (s *MemoryStore) CreateExperimentIfAbsent(_ context.Context, exp *types.Experiment) (*types.Experiment, bool, error) {
	if exp.CreatedFromRunID == "" {
		return nil, false, fmt.Errorf("experiment created-from run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.expByRun[exp.CreatedFromRunID]; ok {
		existing := s.experiments[id]
		return &existing, false, nil
	}

	e := *exp
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = types.ExperimentAssigned
	}
	now := s.now()
	e.CreatedAt = now
	e.UpdatedAt = now
	s.experiments[e.ID] = e
	s.expByRun[e.CreatedFromRunID] = e.ID
	return &e, true, nil
}

func (s *MemoryStore) FindExperimentByRunID(_ context.Context, runID string) (*types.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.expByRun[runID]
	if !ok {
		return nil, nil
	}
	e := s.experiments[id]
	return &e, nil
}

func (s *MemoryStore) ListOpenExperiments(_ context.Context, coacheeID string) ([]types.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Experiment
	for _, e := range s.experiments {
		if e.CoacheeID == coacheeID && e.Status.Open() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) UpdateExperimentStatus(_ context.Context, id string, from, to types.ExperimentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experiments[id]
	if !ok {
		return false, fmt.Errorf("experiment %s not found", id)
	}
	if e.Status != from {
		return false, nil
	}
	e.Status = to
	e.UpdatedAt = s.now()
	s.experiments[id] = e
	return true, nil
}

func (s *MemoryStore) CreateExperimentEventIfAbsent(_ context.Context, ev *types.ExperimentEvent) (*types.ExperimentEvent, bool, error) {
	if ev.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("experiment event idempotency key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.events[ev.IdempotencyKey]; ok {
		return &existing, false, nil
	}
	e := *ev
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = s.now()
	s.events[e.IdempotencyKey] = e
	return &e, true, nil
}

func (s *MemoryStore) ListExperimentEvents(_ context.Context, experimentRecordID string) ([]types.ExperimentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.ExperimentEvent
	for _, e := range s.events {
		if e.ExperimentRecordID == experimentRecordID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- Configs ---

func (s *MemoryStore) GetConfig(_ context.Context, id string) (*types.ConfigBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}
