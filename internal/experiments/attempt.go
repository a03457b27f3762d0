package experiments

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonathan/meeting-coach/internal/idempotency"
	"github.com/jonathan/meeting-coach/internal/types"
	"go.uber.org/zap"
)

// DetectorStore is the persistence the Detector needs
type DetectorStore interface {
	ListOpenExperiments(ctx context.Context, coacheeID string) ([]types.Experiment, error)
	UpdateExperimentStatus(ctx context.Context, id string, from, to types.ExperimentStatus) (bool, error)
	CreateExperimentEventIfAbsent(ctx context.Context, ev *types.ExperimentEvent) (*types.ExperimentEvent, bool, error)
	MarkRunSideEffects(ctx context.Context, id string, fx types.SideEffects) error
}

// Detector records, for each of a coachee's open experiments, whether a
// later meeting attempted it
type Detector struct {
	store  DetectorStore
	logger *zap.Logger
}

// NewDetector creates a Detector
func NewDetector(store DetectorStore, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{store: store, logger: logger.Named("experiments")}
}

// Detect writes one attempt event per open experiment of the run's coachee,
// skipping the experiment created from run itself. Re-running Detect for the
// same run returns the events already stored.
func (d *Detector) Detect(ctx context.Context, run *types.Run, transcript *types.Transcript) ([]types.ExperimentEvent, error) {
	if !run.Passed() {
		return nil, nil
	}

	open, err := d.store.ListOpenExperiments(ctx, run.CoacheeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open experiments for %s: %w", run.CoacheeID, err)
	}
	var tracked []types.Experiment
	for _, exp := range open {
		if exp.CreatedFromRunID != run.ID {
			tracked = append(tracked, exp)
		}
	}
	if len(tracked) == 0 {
		return nil, nil
	}

	detection := run.Output.Detection()
	var (
		events []types.ExperimentEvent
		errs   []error
	)
	for _, exp := range tracked {
		ev := buildEvent(run, transcript, exp, applicable(detection, exp, len(tracked)))

		stored, created, err := d.store.CreateExperimentEventIfAbsent(ctx, ev)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to record attempt on %s: %w", exp.ExperimentID, err))
			continue
		}
		events = append(events, *stored)

		if created {
			d.logger.Info("experiment attempt recorded",
				zap.String("run_id", run.ID),
				zap.String("experiment_id", exp.ExperimentID),
				zap.String("attempt", string(stored.Attempt)),
				zap.Int("attempt_count", stored.AttemptCount))
		}

		if stored.Attempt.Attempted() && exp.Status == types.ExperimentAssigned {
			if _, err := d.store.UpdateExperimentStatus(ctx, exp.ID, types.ExperimentAssigned, types.ExperimentActive); err != nil {
				errs = append(errs, fmt.Errorf("failed to activate %s: %w", exp.ExperimentID, err))
			}
		}
	}

	if len(events) > 0 {
		if err := d.store.MarkRunSideEffects(ctx, run.ID, types.SideEffects{AttemptEventCreated: true}); err != nil {
			errs = append(errs, fmt.Errorf("failed to mark attempt events on run %s: %w", run.ID, err))
		}
	}
	return events, errors.Join(errs...)
}

// applicable returns the detection if it speaks about exp. A detection
// without an experiment id applies only when there is nothing to confuse it with.
func applicable(detection *types.Detection, exp types.Experiment, openCount int) *types.Detection {
	if detection == nil {
		return nil
	}
	if detection.ExperimentID == exp.ExperimentID {
		return detection
	}
	if detection.ExperimentID == "" && openCount == 1 {
		return detection
	}
	return nil
}

func buildEvent(run *types.Run, transcript *types.Transcript, exp types.Experiment, detection *types.Detection) *types.ExperimentEvent {
	ev := &types.ExperimentEvent{
		IdempotencyKey:     idempotency.ExperimentEventKey(run.ID, exp.ExperimentID),
		ExperimentRecordID: exp.ID,
		ExperimentID:       exp.ExperimentID,
		RunID:              run.ID,
		CoacheeID:          run.CoacheeID,
		TranscriptID:       run.TranscriptID,
		Attempt:            types.AttemptNo,
	}
	if transcript != nil {
		ev.MeetingDate = transcript.MeetingDate
	}
	if detection == nil || detection.Attempt == "" {
		return ev
	}

	ev.Attempt = detection.Attempt
	if !ev.Attempt.Attempted() {
		return ev
	}
	ev.Quotes = detection.Quotes
	switch {
	case detection.CountAttempts != nil && *detection.CountAttempts > 0:
		ev.AttemptCount = *detection.CountAttempts
	case len(detection.Quotes) > 0:
		ev.AttemptCount = len(detection.Quotes)
	default:
		ev.AttemptCount = 1
	}
	return ev
}
