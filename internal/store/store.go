// Package store defines the record-store contract the engine persists through.
//
// Every lookup by id returns (nil, nil) when the record does not exist.
// Writes that must be safe under concurrent workers are expressed as
// create-if-absent on a unique key or as compare-and-swap on a status.
// A run status change the lifecycle forbids fails with a
// *runstate.TransitionError; a lost compare-and-swap reports false.
package store

import (
	"context"
	"time"

	"github.com/jonathan/meeting-coach/internal/types"
)

// RunRequestStore holds the caller-created analysis requests
type RunRequestStore interface {
	GetRunRequest(ctx context.Context, id string) (*types.RunRequest, error)
	// UpdateRunRequest applies upd unless the request is already terminal.
	// It reports whether a row changed.
	UpdateRunRequest(ctx context.Context, id string, upd RunRequestUpdate) (bool, error)
	ListRunRequestsByRun(ctx context.Context, runID string) ([]types.RunRequest, error)
}

// RunRequestUpdate is the engine-owned part of a run request
type RunRequestUpdate struct {
	Status types.RunStatus
	RunID  string
	Error  *types.ErrorPayload
}

// TranscriptStore is read-only to the engine
type TranscriptStore interface {
	GetTranscript(ctx context.Context, id string) (*types.Transcript, error)
}

// RunStore persists runs and their validation issues
type RunStore interface {
	// CreateRunIfAbsent inserts run unless a run with the same idempotency key
	// exists. It returns the stored run and whether it was created now.
	CreateRunIfAbsent(ctx context.Context, run *types.Run) (*types.Run, bool, error)
	GetRun(ctx context.Context, id string) (*types.Run, error)
	GetRunByKey(ctx context.Context, key string) (*types.Run, error)
	// ClaimRun moves a queued run, or a running run whose claim is older than
	// lease, to running under token. It reports whether this caller won.
	ClaimRun(ctx context.Context, id, token string, now time.Time, lease time.Duration) (bool, error)
	// FinishRun writes a terminal result if the run is still running under token
	FinishRun(ctx context.Context, id, token string, res types.RunResult) (bool, error)
	// ReleaseRun returns a run claimed under token to queued and clears the claim
	ReleaseRun(ctx context.Context, id, token string) (bool, error)
	// MarkRunSideEffects sets side-effect flags; flags are never cleared
	MarkRunSideEffects(ctx context.Context, id string, fx types.SideEffects) error
	SetRunRequestPayload(ctx context.Context, id, payload string) error

	// CreateValidationIssues inserts issues, skipping ids already stored
	CreateValidationIssues(ctx context.Context, issues []types.ValidationIssue) error
	// ListValidationIssues returns issues recorded against a run or pack id
	ListValidationIssues(ctx context.Context, subjectID string) ([]types.ValidationIssue, error)
}

// BaselineStore holds baseline packs and their items
type BaselineStore interface {
	GetBaselinePack(ctx context.Context, id string) (*types.BaselinePack, error)
	// ListPackItems returns the pack's items ordered by position
	ListPackItems(ctx context.Context, packID string) ([]types.BaselinePackItem, error)
	// SetPackItemSummary stores the meeting summary of one pack item
	SetPackItemSummary(ctx context.Context, itemID string, summary *types.MeetingSummary) error
	// TransitionBaselinePack moves the pack from one status to another, applying upd.
	// It reports false if the pack was not in from.
	TransitionBaselinePack(ctx context.Context, id string, from, to types.PackStatus, upd types.PackUpdate) (bool, error)
	// LatestReadyBaseline returns the coachee's most recently completed pack
	LatestReadyBaseline(ctx context.Context, coacheeID string) (*types.BaselinePack, error)
}

// ExperimentStore holds experiments and attempt events
type ExperimentStore interface {
	// CreateExperimentIfAbsent inserts exp unless one exists for its created-from run
	CreateExperimentIfAbsent(ctx context.Context, exp *types.Experiment) (*types.Experiment, bool, error)
	FindExperimentByRunID(ctx context.Context, runID string) (*types.Experiment, error)
	// ListOpenExperiments returns the coachee's assigned and active experiments, oldest first
	ListOpenExperiments(ctx context.Context, coacheeID string) ([]types.Experiment, error)
	UpdateExperimentStatus(ctx context.Context, id string, from, to types.ExperimentStatus) (bool, error)

	// CreateExperimentEventIfAbsent inserts ev unless its idempotency key exists
	CreateExperimentEventIfAbsent(ctx context.Context, ev *types.ExperimentEvent) (*types.ExperimentEvent, bool, error)
	ListExperimentEvents(ctx context.Context, experimentRecordID string) ([]types.ExperimentEvent, error)
}

// ConfigStore holds versioned prompt/model configuration
type ConfigStore interface {
	GetConfig(ctx context.Context, id string) (*types.ConfigBundle, error)
}

// Store is the full record store
type Store interface {
	RunRequestStore
	TranscriptStore
	RunStore
	BaselineStore
	ExperimentStore
	ConfigStore
}
