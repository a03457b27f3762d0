// Package experiments creates micro-experiments from passing runs and tracks attempts at them in later meetings.
package experiments

import (
	"context"
	"fmt"

	"github.com/jonathan/meeting-coach/internal/types"
	"go.uber.org/zap"
)

// InstantiatorStore is the persistence the Instantiator needs
type InstantiatorStore interface {
	CreateExperimentIfAbsent(ctx context.Context, exp *types.Experiment) (*types.Experiment, bool, error)
	MarkRunSideEffects(ctx context.Context, id string, fx types.SideEffects) error
}

// Instantiator turns a run's micro-experiment suggestion into an assigned experiment
type Instantiator struct {
	store  InstantiatorStore
	logger *zap.Logger
}

// NewInstantiator creates an Instantiator
func NewInstantiator(store InstantiatorStore, logger *zap.Logger) *Instantiator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Instantiator{store: store, logger: logger.Named("experiments")}
}

// Instantiate creates the experiment suggested by run, at most once per run.
// Runs that did not pass Gate-1 or suggest no experiment yield (nil, false, nil).
// An experiment that already exists for the run is returned unchanged.
func (i *Instantiator) Instantiate(ctx context.Context, run *types.Run) (*types.Experiment, bool, error) {
	if !run.Passed() || run.Output == nil || run.Output.Coaching.MicroExperiment == nil {
		return nil, false, nil
	}
	me := run.Output.Coaching.MicroExperiment

	exp, created, err := i.store.CreateExperimentIfAbsent(ctx, &types.Experiment{
		ExperimentID:     me.ExperimentID,
		Title:            me.Title,
		Instruction:      me.Instruction,
		SuccessMarker:    me.SuccessMarker,
		PatternID:        me.PatternID,
		CoacheeID:        run.CoacheeID,
		BaselinePackID:   run.BaselinePackID,
		CreatedFromRunID: run.ID,
		Status:           types.ExperimentAssigned,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create experiment for run %s: %w", run.ID, err)
	}

	if err := i.store.MarkRunSideEffects(ctx, run.ID, types.SideEffects{ExperimentInstantiated: true}); err != nil {
		return exp, created, fmt.Errorf("failed to mark experiment instantiated on run %s: %w", run.ID, err)
	}

	if created {
		i.logger.Info("experiment assigned",
			zap.String("run_id", run.ID),
			zap.String("experiment_id", exp.ExperimentID),
			zap.String("coachee_id", exp.CoacheeID))
	}
	return exp, created, nil
}
