package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/meeting-coach/internal/baseline"
	"github.com/jonathan/meeting-coach/internal/gate1"
	"github.com/jonathan/meeting-coach/internal/idempotency"
	"github.com/jonathan/meeting-coach/internal/types"
)

// Baseline precondition rule codes
const (
	RuleBaselineItemCount    = "BASELINE_ITEM_COUNT"
	RuleBaselineItemNotReady = "BASELINE_ITEM_NOT_READY"
)

// BuildOutcome describes what ProcessBaseline did for one pack
type BuildOutcome struct {
	PackID      string           `json:"pack_id"`
	Status      types.PackStatus `json:"status"`
	ResultRunID string           `json:"result_run_id,omitempty"`
	// NoOp is true when the pack had already finished building, or another
	// worker is building it now
	NoOp bool `json:"noop"`
	// InProgress is true when another worker holds a fresh build
	InProgress bool                    `json:"in_progress,omitempty"`
	Error  *types.ErrorPayload     `json:"error,omitempty"`
	Issues []types.ValidationIssue `json:"issues,omitempty"`

	RoleConsistency        types.Consistency `json:"role_consistency,omitempty"`
	MeetingTypeConsistency types.Consistency `json:"meeting_type_consistency,omitempty"`
	Experiment             *types.Experiment `json:"experiment,omitempty"`
	SideEffectErrors       []string          `json:"side_effect_errors,omitempty"`
}

// ProcessBaseline builds a baseline pack from its three linked runs. A pack
// that has finished building is returned as stored. A pack another worker
// started building within the claim lease is left alone; one left mid-build
// for longer is re-entered and produces the same result run.
func (e *Engine) ProcessBaseline(ctx context.Context, packID string) (*BuildOutcome, error) {
	ctx, span := e.tracer.Start(ctx, "engine.baseline", trace.WithAttributes(attribute.String("baseline_pack.id", packID)))
	defer span.End()

	out, err := e.processBaseline(ctx, packID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("baseline_pack.status", string(out.Status)), attribute.Bool("baseline_pack.noop", out.NoOp))
	return out, nil
}

func (e *Engine) processBaseline(ctx context.Context, packID string) (*BuildOutcome, error) {
	pack, err := e.store.GetBaselinePack(ctx, packID)
	if err != nil {
		return nil, storeError("failed to load baseline pack", err)
	}
	if pack == nil {
		return nil, notFound("baseline pack", packID)
	}
	if pack.Status.Terminal() {
		return stored(pack), nil
	}
	if e.buildHeld(pack) {
		return e.buildInProgress(pack), nil
	}
	log := e.logger.With(zap.String("pack_id", pack.ID))

	items, err := e.store.ListPackItems(ctx, pack.ID)
	if err != nil {
		return nil, storeError("failed to list pack items", err)
	}
	if len(items) != types.BaselinePackSize {
		issue := types.ValidationIssue{
			Severity:   types.SeverityError,
			Rule:       RuleBaselineItemCount,
			Path:       "items",
			ValueClass: types.ValueArray,
			Message:    fmt.Sprintf("pack has %d items, expected %d", len(items), types.BaselinePackSize),
		}
		return e.failPack(ctx, pack, []types.ValidationIssue{issue}, issue.Message)
	}

	members, err := e.loadMembers(ctx, items)
	if err != nil {
		return nil, err
	}
	if issues := unready(items, members); len(issues) > 0 {
		var names []string
		for _, issue := range issues {
			names = append(names, issue.Path)
		}
		return e.failPack(ctx, pack, issues, fmt.Sprintf("%d of %d items are not ready: %s",
			len(issues), types.BaselinePackSize, strings.Join(names, ", ")))
	}

	started := false
	if pack.Status == types.PackIntake {
		ok, err := e.store.TransitionBaselinePack(ctx, pack.ID, types.PackIntake, types.PackBuilding, types.PackUpdate{})
		if err != nil {
			return nil, storeError("failed to start build", err)
		}
		if !ok {
			current, err := e.store.GetBaselinePack(ctx, pack.ID)
			if err != nil || current == nil {
				return nil, storeError("failed to reload baseline pack", err)
			}
			if current.Status.Terminal() {
				return stored(current), nil
			}
			return e.buildInProgress(current), nil
		}
		started = true
		log.Info("baseline build started")
	} else {
		log.Info("re-entering stale baseline build", zap.Time("building_since", pack.UpdatedAt))
	}
	e.emit("baseline_building", "Building baseline pack "+pack.ID, "", pack.ID)

	out, err := e.build(ctx, pack, items, members)
	if err != nil && started && Retryable(err) {
		e.releaseBuild(ctx, pack.ID)
	}
	return out, err
}

// build aggregates a pack this worker holds in building
func (e *Engine) build(ctx context.Context, pack *types.BaselinePack, items []types.BaselinePackItem, members []baseline.Member) (*BuildOutcome, error) {
	log := e.logger.With(zap.String("pack_id", pack.ID))

	for i, item := range items {
		if err := e.store.SetPackItemSummary(ctx, item.ID, baseline.Summarize(members[i])); err != nil {
			return nil, storeError("failed to store pack item summary", err)
		}
	}

	agg, err := baseline.Aggregate(pack, members, e.opts.Now())
	if err != nil {
		return e.failPack(ctx, pack, nil, err.Error())
	}
	raw, err := json.Marshal(agg.Output)
	if err != nil {
		return e.failPack(ctx, pack, nil, "failed to encode baseline output: "+err.Error())
	}
	result, err := gate1.Validate(raw, gate1.Context{
		SpeakerSet:   baseline.SpeakerSet(members),
		AnalysisType: types.AnalysisBaselinePack,
	})
	if err != nil {
		return e.failPack(ctx, pack, nil, err.Error())
	}

	run, created, err := e.store.CreateRunIfAbsent(ctx, &types.Run{
		ID:                 uuid.NewString(),
		IdempotencyKey:     idempotency.BaselineBuildKey(pack.ID),
		Status:             types.RunComplete,
		Gate1Pass:          types.BoolPtr(result.Passed),
		AnalysisType:       types.AnalysisBaselinePack,
		BaselinePackID:     pack.ID,
		CoacheeID:          pack.CoacheeID,
		TargetSpeakerLabel: pack.TargetSpeakerLabel,
		TargetRole:         pack.TargetRole,
		ConfigRef:          e.bundles.Default().Ref(),
		RawOutput:          string(raw),
		Output:             agg.Output,
	})
	if err != nil {
		return nil, storeError("failed to create baseline run", err)
	}
	if created {
		log.Info("baseline run created", zap.String("run_id", run.ID), zap.Bool("gate1_pass", result.Passed))
	}

	if !run.Passed() {
		issues := stampIssues(result.Issues, run.ID, "")
		if err := e.store.CreateValidationIssues(ctx, issues); err != nil {
			return nil, storeError("failed to persist baseline validation issues", err)
		}
		return e.abortBuild(ctx, pack, &types.ErrorPayload{
			Kind:    types.KindValidation,
			Message: fmt.Sprintf("aggregated baseline failed Gate-1 with %d issue(s)", result.ErrorCount()),
		}, issues)
	}

	ok, err := e.store.TransitionBaselinePack(ctx, pack.ID, types.PackBuilding, types.PackBaselineReady, types.PackUpdate{
		ResultRunID:            run.ID,
		RoleConsistency:        agg.RoleConsistency,
		MeetingTypeConsistency: agg.MeetingTypeConsistency,
	})
	if err != nil {
		return nil, storeError("failed to finish build", err)
	}
	if !ok {
		current, err := e.store.GetBaselinePack(ctx, pack.ID)
		if err != nil || current == nil {
			return nil, storeError("failed to reload baseline pack", err)
		}
		return stored(current), nil
	}
	log.Info("baseline ready",
		zap.String("result_run_id", run.ID),
		zap.String("role_consistency", string(agg.RoleConsistency)),
		zap.String("meeting_type_consistency", string(agg.MeetingTypeConsistency)))
	e.emit("baseline_ready", "Baseline pack "+pack.ID+" is ready", run.ID, pack.ID)

	out := &BuildOutcome{
		PackID:                 pack.ID,
		Status:                 types.PackBaselineReady,
		ResultRunID:            run.ID,
		RoleConsistency:        agg.RoleConsistency,
		MeetingTypeConsistency: agg.MeetingTypeConsistency,
	}
	exp, _, err := e.instantiator.Instantiate(ctx, run)
	if err != nil {
		log.Error("baseline experiment instantiation failed", zap.Error(err))
		out.SideEffectErrors = append(out.SideEffectErrors, err.Error())
		if merr := e.store.MarkRunSideEffects(ctx, run.ID, types.SideEffects{Error: err.Error()}); merr != nil {
			log.Error("failed to record side-effect failure", zap.Error(merr))
		}
	}
	out.Experiment = exp
	return out, nil
}

// buildHeld reports whether another worker started building pack within the lease
func (e *Engine) buildHeld(pack *types.BaselinePack) bool {
	return pack.Status == types.PackBuilding && e.opts.Now().Sub(pack.UpdatedAt) <= e.opts.ClaimLease
}

func (e *Engine) buildInProgress(pack *types.BaselinePack) *BuildOutcome {
	e.logger.Info("baseline pack is being built by another worker", zap.String("pack_id", pack.ID))
	out := stored(pack)
	out.InProgress = true
	return out
}

// releaseBuild returns a pack this worker started building to intake after a
// retryable failure, so the redelivered job can start it again
func (e *Engine) releaseBuild(ctx context.Context, packID string) {
	wctx, cancel := finishContext(ctx)
	defer cancel()

	ok, err := e.store.TransitionBaselinePack(wctx, packID, types.PackBuilding, types.PackIntake, types.PackUpdate{})
	switch {
	case err != nil:
		e.logger.Error("failed to release baseline build; it is held until the lease expires", zap.String("pack_id", packID), zap.Error(err))
	case ok:
		e.logger.Info("baseline build released for retry", zap.String("pack_id", packID))
	}
}

// loadMembers loads each item's run and transcript concurrently
func (e *Engine) loadMembers(ctx context.Context, items []types.BaselinePackItem) ([]baseline.Member, error) {
	members := make([]baseline.Member, len(items))
	g, gctx := errgroup.WithContext(ctx)
	for i, item := range items {
		g.Go(func() error {
			m := baseline.Member{Position: item.Position}
			if item.RunID != "" {
				run, err := e.store.GetRun(gctx, item.RunID)
				if err != nil {
					return fmt.Errorf("failed to load run %s: %w", item.RunID, err)
				}
				m.Run = run
			}
			transcriptID := item.TranscriptID
			if m.Run != nil && m.Run.TranscriptID != "" {
				transcriptID = m.Run.TranscriptID
			}
			if transcriptID != "" {
				tr, err := e.store.GetTranscript(gctx, transcriptID)
				if err != nil {
					return fmt.Errorf("failed to load transcript %s: %w", transcriptID, err)
				}
				m.Transcript = tr
			}
			members[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, storeError("failed to load pack members", err)
	}
	return members, nil
}

// unready returns one issue per item whose run cannot be aggregated
func unready(items []types.BaselinePackItem, members []baseline.Member) []types.ValidationIssue {
	var issues []types.ValidationIssue
	for i, item := range items {
		run := members[i].Run
		var state string
		switch {
		case item.RunID == "":
			state = "has no linked run"
		case run == nil:
			state = fmt.Sprintf("links run %s, which does not exist", item.RunID)
		case !run.Passed():
			state = fmt.Sprintf("links run %s with status=%s gate1_pass=%s", run.ID, run.Status, passLabel(run.Gate1Pass))
		case run.Output == nil:
			state = fmt.Sprintf("links run %s, which has no coaching output", run.ID)
		default:
			continue
		}
		issues = append(issues, types.ValidationIssue{
			Severity:   types.SeverityError,
			Rule:       RuleBaselineItemNotReady,
			Path:       fmt.Sprintf("items[%d]", item.Position),
			ValueClass: types.ValueObject,
			Message:    fmt.Sprintf("item %s %s", item.ID, state),
		})
	}
	return issues
}

func passLabel(pass *bool) string {
	if pass == nil {
		return "null"
	}
	return fmt.Sprintf("%t", *pass)
}

// failPack records a precondition failure against the pack. No aggregation happened.
func (e *Engine) failPack(ctx context.Context, pack *types.BaselinePack, issues []types.ValidationIssue, message string) (*BuildOutcome, error) {
	issues = stampIssues(issues, "", pack.ID)
	if len(issues) > 0 {
		if err := e.store.CreateValidationIssues(ctx, issues); err != nil {
			return nil, storeError("failed to persist pack issues", err)
		}
	}
	return e.abortBuild(ctx, pack, &types.ErrorPayload{Kind: types.KindPrecondition, Message: message}, issues)
}

func (e *Engine) abortBuild(ctx context.Context, pack *types.BaselinePack, payload *types.ErrorPayload, issues []types.ValidationIssue) (*BuildOutcome, error) {
	current, err := e.store.GetBaselinePack(ctx, pack.ID)
	if err != nil || current == nil {
		return nil, storeError("failed to reload baseline pack", err)
	}
	if current.Status.Terminal() {
		return stored(current), nil
	}
	ok, err := e.store.TransitionBaselinePack(ctx, pack.ID, current.Status, types.PackError, types.PackUpdate{Error: payload})
	if err != nil {
		return nil, storeError("failed to mark pack failed", err)
	}
	if !ok {
		latest, err := e.store.GetBaselinePack(ctx, pack.ID)
		if err != nil || latest == nil {
			return nil, storeError("failed to reload baseline pack", err)
		}
		return stored(latest), nil
	}
	e.logger.Warn("baseline build failed", zap.String("pack_id", pack.ID), zap.String("kind", string(payload.Kind)), zap.String("reason", payload.Message))
	e.emit("baseline_error", payload.Message, "", pack.ID)
	return &BuildOutcome{PackID: pack.ID, Status: types.PackError, Error: payload, Issues: issues}, nil
}

func stored(pack *types.BaselinePack) *BuildOutcome {
	return &BuildOutcome{
		PackID:                 pack.ID,
		Status:                 pack.Status,
		ResultRunID:            pack.ResultRunID,
		NoOp:                   true,
		Error:                  pack.Error,
		RoleConsistency:        pack.RoleConsistency,
		MeetingTypeConsistency: pack.MeetingTypeConsistency,
	}
}
