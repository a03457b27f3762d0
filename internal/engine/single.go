package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jonathan/meeting-coach/internal/assembly"
	"github.com/jonathan/meeting-coach/internal/bundles"
	"github.com/jonathan/meeting-coach/internal/gate1"
	"github.com/jonathan/meeting-coach/internal/idempotency"
	"github.com/jonathan/meeting-coach/internal/llm"
	"github.com/jonathan/meeting-coach/internal/runstate"
	"github.com/jonathan/meeting-coach/internal/store"
	"github.com/jonathan/meeting-coach/internal/types"
)

// Outcome describes what ProcessSingle did for one run request
type Outcome struct {
	RequestID string          `json:"request_id"`
	RunID     string          `json:"run_id,omitempty"`
	Status    types.RunStatus `json:"status"`
	Gate1Pass *bool           `json:"gate1_pass"`
	// Created is true when this call created the run
	Created bool `json:"created"`
	// ModelCalled is true when this call invoked the language model
	ModelCalled bool `json:"model_called"`
	// InProgress is true when another worker holds the run's claim
	InProgress bool                    `json:"in_progress,omitempty"`
	Error      *types.ErrorPayload     `json:"error,omitempty"`
	Issues     []types.ValidationIssue `json:"issues,omitempty"`

	Experiment       *types.Experiment       `json:"experiment,omitempty"`
	Events           []types.ExperimentEvent `json:"events,omitempty"`
	SideEffectErrors []string                `json:"side_effect_errors,omitempty"`
}

// ProcessSingle analyzes the transcript a run request points at. A request
// whose logical identity matches an existing run is attached to that run and
// never causes a second model call.
func (e *Engine) ProcessSingle(ctx context.Context, requestID string) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "engine.single", trace.WithAttributes(attribute.String("run_request.id", requestID)))
	defer span.End()

	out, err := e.processSingle(ctx, requestID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("run.id", out.RunID),
		attribute.String("run.status", string(out.Status)),
		attribute.Bool("run.model_called", out.ModelCalled),
	)
	return out, nil
}

func (e *Engine) processSingle(ctx context.Context, requestID string) (*Outcome, error) {
	req, err := e.store.GetRunRequest(ctx, requestID)
	if err != nil {
		return nil, storeError("failed to load run request", err)
	}
	if req == nil {
		return nil, notFound("run request", requestID)
	}
	out := &Outcome{RequestID: req.ID, RunID: req.RunID, Status: req.Status, Error: req.Error}
	if req.Status.Terminal() {
		e.logger.Debug("run request already resolved", zap.String("request_id", req.ID), zap.String("run_id", req.RunID))
		return out, nil
	}

	analysisType := req.AnalysisType
	if analysisType == "" {
		analysisType = types.AnalysisSingleMeeting
	}
	if analysisType != types.AnalysisSingleMeeting {
		return e.rejectRequest(ctx, req, fmt.Sprintf("analysis type %q is not processed per request", analysisType))
	}

	bundle, err := e.bundles.Resolve(ctx, req.ConfigID)
	if err != nil {
		return nil, storeError("failed to resolve config", err)
	}

	key, err := idempotency.RunKey(idempotency.RunKeyInput{
		TranscriptID:       req.TranscriptID,
		AnalysisType:       analysisType,
		CoacheeID:          req.CoacheeID,
		TargetSpeakerLabel: req.TargetSpeakerLabel,
		TargetRole:         req.TargetRole,
		ConfigVersion:      bundle.Ref(),
	})
	if err != nil {
		return e.rejectRequest(ctx, req, err.Error())
	}

	run, created, err := e.store.CreateRunIfAbsent(ctx, &types.Run{
		ID:                 uuid.NewString(),
		IdempotencyKey:     key,
		Status:             types.RunQueued,
		AnalysisType:       analysisType,
		TranscriptID:       req.TranscriptID,
		CoacheeID:          req.CoacheeID,
		TargetSpeakerLabel: req.TargetSpeakerLabel,
		TargetSpeakerName:  req.TargetSpeakerName,
		TargetRole:         req.TargetRole,
		ConfigRef:          bundle.Ref(),
		Model:              bundle.Model,
	})
	if err != nil {
		return nil, storeError("failed to create run", err)
	}
	out.RunID, out.Created = run.ID, created
	if created {
		e.logger.Info("run created", zap.String("run_id", run.ID), zap.String("request_id", req.ID), zap.String("config_ref", bundle.Ref()))
		e.emit("run_created", "Created run "+run.ID, run.ID, "")
	} else {
		e.logger.Info("request matches existing run", zap.String("run_id", run.ID), zap.String("request_id", req.ID), zap.String("status", string(run.Status)))
	}

	// Attach before claiming so a concurrent winner resolves this request too
	if err := e.link(ctx, req.ID, run); err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return e.settled(ctx, run, out)
	}

	token := uuid.NewString()
	won, err := e.store.ClaimRun(ctx, run.ID, token, e.opts.Now(), e.opts.ClaimLease)
	if err != nil && !isTransitionError(err) {
		return nil, storeError("failed to claim run", err)
	}
	if !won {
		return e.lostClaim(ctx, run.ID, out)
	}
	e.emit("run_claimed", "Claimed run "+run.ID, run.ID, "")

	res, err := e.execute(ctx, req, run, bundle, token, out)
	if err != nil && Retryable(err) {
		e.release(ctx, run.ID, token)
	}
	return res, err
}

// release hands a claimed run back to the queue after a retryable failure,
// so the redelivered job can claim it without waiting out the lease
func (e *Engine) release(ctx context.Context, runID, token string) {
	wctx, cancel := finishContext(ctx)
	defer cancel()

	log := e.logger.With(zap.String("run_id", runID))
	ok, err := e.store.ReleaseRun(wctx, runID, token)
	switch {
	case isTransitionError(err):
		log.Debug("run already finished; nothing to release")
	case err != nil:
		log.Error("failed to release run; it stays claimed until the lease expires", zap.Error(err))
	case ok:
		log.Info("run released for retry")
		e.emit("run_released", "Released run "+runID, runID, "")
	}
}

// execute runs a claimed run to a terminal state
func (e *Engine) execute(ctx context.Context, req *types.RunRequest, run *types.Run, bundle bundles.Bundle, token string, out *Outcome) (*Outcome, error) {
	log := e.logger.With(zap.String("run_id", run.ID))

	transcript, err := e.store.GetTranscript(ctx, run.TranscriptID)
	if err != nil {
		return nil, storeError("failed to load transcript", err)
	}
	if !transcript.Readable() {
		msg := fmt.Sprintf("transcript %s is missing or has fewer than %d characters", run.TranscriptID, types.MinTranscriptChars)
		return e.finish(ctx, run, token, runstate.Fail(types.KindTranscriptUnreadable, msg, "", ""), nil, out)
	}

	memory, err := e.memory(ctx, run.CoacheeID)
	if err != nil {
		return nil, err
	}

	assembled, err := e.assembler.Assemble(bundle, assembly.Input{
		RunID:      run.ID,
		Request:    req,
		Transcript: transcript,
		Memory:     memory,
	})
	if err != nil {
		return e.finish(ctx, run, token, runstate.Fail(types.KindInternal, err.Error(), "", ""), nil, out)
	}
	if err := e.store.SetRunRequestPayload(ctx, run.ID, assembled.Payload); err != nil {
		log.Warn("failed to store request payload", zap.Error(err))
	}

	e.emit("model_call", "Calling model "+assembled.Request.Model, run.ID, "")
	out.ModelCalled = true
	resp, err := e.callModel(ctx, assembled.Request)
	if err != nil {
		log.Warn("model call failed", zap.Error(err))
		return e.finish(ctx, run, token, runstate.Fail(types.KindTransport, transportMessage(err, e.opts.ModelTimeout), assembled.Request.Model, ""), nil, out)
	}

	cleaned := llm.CleanJSONBlock(resp.Text)
	result, err := gate1.Validate([]byte(cleaned), gate1.Context{
		SpeakerSet:       transcript.SpeakerSet(),
		AnalysisType:     types.AnalysisSingleMeeting,
		ActiveExperiment: memory.ActiveExperiment,
	})
	if err != nil {
		kind := types.KindInternal
		var perr *gate1.ParseError
		if errors.As(err, &perr) {
			kind = types.KindParse
		}
		return e.finish(ctx, run, token, runstate.Fail(kind, err.Error(), resp.Model, resp.Text), nil, out)
	}

	issues := stampIssues(result.Issues, run.ID, "")
	log.Info("gate1 evaluated",
		zap.Bool("passed", result.Passed),
		zap.Int("errors", result.ErrorCount()),
		zap.Int("issues", len(issues)))
	e.emit("gate1", fmt.Sprintf("Gate-1 passed=%t with %d issue(s)", result.Passed, len(issues)), run.ID, "")

	return e.finish(ctx, run, token, runstate.Finish(resp.Model, resp.Text, result.Output, result.Passed), issues, out)
}

// finish persists issues and the terminal result, runs side effects for a
// passing run, then resolves every request linked to the run
func (e *Engine) finish(ctx context.Context, run *types.Run, token string, res types.RunResult, issues []types.ValidationIssue, out *Outcome) (*Outcome, error) {
	wctx, cancel := finishContext(ctx)
	defer cancel()

	if !res.Passed() && len(issues) > 0 {
		if err := e.store.CreateValidationIssues(wctx, issues); err != nil {
			return nil, storeError("failed to persist validation issues", err)
		}
	}

	ok, err := e.store.FinishRun(wctx, run.ID, token, res)
	if err != nil && !isTransitionError(err) {
		return nil, storeError("failed to finish run", err)
	}
	if !ok {
		e.logger.Warn("claim lost before finish; keeping the current holder's result", zap.String("run_id", run.ID))
		return e.lostClaim(wctx, run.ID, out)
	}

	stored, err := e.store.GetRun(wctx, run.ID)
	if err != nil || stored == nil {
		return nil, storeError("failed to reload finished run", err)
	}
	e.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(stored.Status)),
		zap.Any("gate1_pass", stored.Gate1Pass))
	e.emit("run_finished", fmt.Sprintf("Run %s is %s", run.ID, stored.Status), run.ID, "")
	if !res.Passed() {
		out.Issues = issues
	}

	return e.settled(wctx, stored, out)
}

// settled reports a terminal run: it retries side effects that have not
// completed and resolves the linked requests
func (e *Engine) settled(ctx context.Context, run *types.Run, out *Outcome) (*Outcome, error) {
	out.RunID, out.Status, out.Gate1Pass, out.Error = run.ID, run.Status, run.Gate1Pass, run.Error

	if run.Passed() && e.needsSideEffects(run, out) {
		e.sideEffects(ctx, run, out)
	}

	if err := e.resolveRequests(ctx, run, out.RequestID); err != nil {
		return nil, err
	}
	return out, nil
}

// needsSideEffects is true on the first pass through a run, and on
// redelivery when an earlier attempt left side effects unfinished
func (e *Engine) needsSideEffects(run *types.Run, out *Outcome) bool {
	if out.ModelCalled {
		return true
	}
	if run.SideEffectError != "" {
		return true
	}
	return run.Output != nil && run.Output.Coaching.MicroExperiment != nil && !run.ExperimentInstantiated
}

// sideEffects runs attempt detection then instantiation. Failures are logged,
// recorded on the run and returned on the outcome; they never change the run's status.
func (e *Engine) sideEffects(ctx context.Context, run *types.Run, out *Outcome) {
	log := e.logger.With(zap.String("run_id", run.ID))

	transcript, err := e.store.GetTranscript(ctx, run.TranscriptID)
	if err != nil {
		log.Warn("failed to load transcript for attempt detection", zap.Error(err))
	}

	events, err := e.detector.Detect(ctx, run, transcript)
	if err != nil {
		out.SideEffectErrors = append(out.SideEffectErrors, err.Error())
	}
	out.Events = events

	exp, _, err := e.instantiator.Instantiate(ctx, run)
	if err != nil {
		out.SideEffectErrors = append(out.SideEffectErrors, err.Error())
	}
	out.Experiment = exp

	if len(out.SideEffectErrors) == 0 {
		return
	}
	msg := strings.Join(out.SideEffectErrors, "; ")
	log.Error("side effects failed", zap.String("error", msg))
	if err := e.store.MarkRunSideEffects(ctx, run.ID, types.SideEffects{Error: msg}); err != nil {
		log.Error("failed to record side-effect failure", zap.Error(err))
	}
}

// lostClaim handles a run another worker holds: the request is left
// attached as running unless the run finished in the meantime
func (e *Engine) lostClaim(ctx context.Context, runID string, out *Outcome) (*Outcome, error) {
	current, err := e.store.GetRun(ctx, runID)
	if err != nil || current == nil {
		return nil, storeError("failed to reload run", err)
	}
	if current.Status.Terminal() {
		out.ModelCalled = false
		return e.settled(ctx, current, out)
	}
	out.RunID, out.Status, out.InProgress = current.ID, current.Status, true
	e.logger.Info("run claimed by another worker", zap.String("run_id", current.ID), zap.String("request_id", out.RequestID))
	return out, nil
}

// link attaches a request to its run, mirroring the run's state
func (e *Engine) link(ctx context.Context, requestID string, run *types.Run) error {
	upd := store.RunRequestUpdate{Status: types.RunRunning, RunID: run.ID}
	if run.Status.Terminal() {
		upd.Status, upd.Error = run.Status, run.Error
	}
	if _, err := e.store.UpdateRunRequest(ctx, requestID, upd); err != nil {
		return storeError("failed to link run request", err)
	}
	return nil
}

// resolveRequests mirrors a terminal run onto every request attached to it
func (e *Engine) resolveRequests(ctx context.Context, run *types.Run, requestID string) error {
	linked, err := e.store.ListRunRequestsByRun(ctx, run.ID)
	if err != nil {
		return storeError("failed to list linked run requests", err)
	}
	ids := map[string]bool{}
	if requestID != "" {
		ids[requestID] = true
	}
	for _, r := range linked {
		if !r.Status.Terminal() {
			ids[r.ID] = true
		}
	}
	for id := range ids {
		if _, err := e.store.UpdateRunRequest(ctx, id, store.RunRequestUpdate{Status: run.Status, RunID: run.ID, Error: run.Error}); err != nil {
			return storeError("failed to resolve run request", err)
		}
	}
	return nil
}

// rejectRequest ends a request that cannot become a run
func (e *Engine) rejectRequest(ctx context.Context, req *types.RunRequest, message string) (*Outcome, error) {
	payload := &types.ErrorPayload{Kind: types.KindPrecondition, Message: message}
	if _, err := e.store.UpdateRunRequest(ctx, req.ID, store.RunRequestUpdate{Status: types.RunError, Error: payload}); err != nil {
		return nil, storeError("failed to reject run request", err)
	}
	e.logger.Warn("run request rejected", zap.String("request_id", req.ID), zap.String("reason", message))
	return &Outcome{RequestID: req.ID, Status: types.RunError, Error: payload}, nil
}

// memory loads the coachee's baseline profile and active experiment for the prompt
func (e *Engine) memory(ctx context.Context, coacheeID string) (assembly.Memory, error) {
	var mem assembly.Memory

	pack, err := e.store.LatestReadyBaseline(ctx, coacheeID)
	if err != nil {
		return mem, storeError("failed to load baseline", err)
	}
	if pack != nil && pack.ResultRunID != "" {
		result, err := e.store.GetRun(ctx, pack.ResultRunID)
		if err != nil {
			return mem, storeError("failed to load baseline run", err)
		}
		mem.Baseline = baselineProfile(pack, result)
	}

	open, err := e.store.ListOpenExperiments(ctx, coacheeID)
	if err != nil {
		return mem, storeError("failed to load open experiments", err)
	}
	if len(open) > 0 {
		latest := open[len(open)-1]
		mem.ActiveExperiment = &latest
	}
	return mem, nil
}

func baselineProfile(pack *types.BaselinePack, run *types.Run) *assembly.BaselineProfile {
	profile := &assembly.BaselineProfile{BaselinePackID: pack.ID, Strengths: []string{}}
	if run == nil || run.Output == nil {
		return profile
	}
	for _, s := range run.Output.Coaching.Strengths {
		profile.Strengths = append(profile.Strengths, s.PatternID)
	}
	if f := run.Output.Coaching.Focus; f != nil {
		profile.Focus = f.PatternID
	}
	return profile
}

func (e *Engine) callModel(ctx context.Context, req llm.Request) (*llm.Response, error) {
	ctx, span := e.tracer.Start(ctx, "engine.model_call", trace.WithAttributes(attribute.String("llm.model", req.Model)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.opts.ModelTimeout)
	defer cancel()

	resp, err := e.client.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.CompletionTokens),
	)
	return resp, nil
}

func transportMessage(err error, timeout time.Duration) string {
	var terr *llm.TransportError
	if errors.As(err, &terr) && terr.Timeout || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("model call timed out after %s", timeout)
	}
	return err.Error()
}

// stampIssues gives issues their subject and deterministic ids
func stampIssues(issues []types.ValidationIssue, runID, packID string) []types.ValidationIssue {
	subject := runID
	if subject == "" {
		subject = packID
	}
	out := make([]types.ValidationIssue, len(issues))
	for i, issue := range issues {
		issue.RunID, issue.BaselinePackID = runID, packID
		issue.ID = idempotency.IssueID(subject, i, issue.Rule, issue.Path)
		out[i] = issue
	}
	return out
}
