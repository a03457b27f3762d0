// Package engine orchestrates analysis runs: idempotent run creation, claim,
// model invocation, Gate-1 validation, terminal persistence and the
// experiment side effects that follow a passing run.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jonathan/meeting-coach/internal/assembly"
	"github.com/jonathan/meeting-coach/internal/bundles"
	"github.com/jonathan/meeting-coach/internal/experiments"
	"github.com/jonathan/meeting-coach/internal/llm"
	"github.com/jonathan/meeting-coach/internal/store"
	"github.com/jonathan/meeting-coach/internal/types"
)

// Defaults used when Options leaves a field zero
const (
	DefaultModelTimeout = 90 * time.Second
	// leaseMargin is added to the model timeout to form the claim lease
	leaseMargin = 30 * time.Second
	// finishTimeout bounds terminal writes made after the caller's context ended
	finishTimeout = 10 * time.Second
)

// ProgressEvent represents a progress update during job processing
type ProgressEvent struct {
	Step    string `json:"step"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
	PackID  string `json:"pack_id,omitempty"`
}

// ProgressCallback is called when job progress occurs
type ProgressCallback func(event ProgressEvent)

// Options tunes an Engine
type Options struct {
	// ModelTimeout bounds a single model call
	ModelTimeout time.Duration
	// ClaimLease is how long a running claim is honoured before another
	// worker may take the run over. Defaults to ModelTimeout plus a margin.
	ClaimLease time.Duration
	Now        func() time.Time
	OnProgress ProgressCallback
}

// Engine processes single-meeting and baseline-pack jobs
type Engine struct {
	store        store.Store
	client       llm.Client
	bundles      *bundles.Resolver
	assembler    *assembly.Assembler
	instantiator *experiments.Instantiator
	detector     *experiments.Detector
	logger       *zap.Logger
	tracer       trace.Tracer
	opts         Options
}

// New creates an Engine
func New(st store.Store, client llm.Client, resolver *bundles.Resolver, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = DefaultModelTimeout
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = opts.ModelTimeout + leaseMargin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if resolver == nil {
		resolver = bundles.NewResolver(st, bundles.Defaults{
			Model:           llm.DefaultOpenAIModel,
			MaxOutputTokens: llm.DefaultMaxOutputTokens,
		}, logger)
	}
	return &Engine{
		store:        st,
		client:       client,
		bundles:      resolver,
		assembler:    assembly.New(opts.Now),
		instantiator: experiments.NewInstantiator(st, logger),
		detector:     experiments.NewDetector(st, logger),
		logger:       logger.Named("engine"),
		tracer:       otel.Tracer("github.com/jonathan/meeting-coach/internal/engine"),
		opts:         opts,
	}
}

// Result is what Dispatch produced; exactly one field is set
type Result struct {
	Single *Outcome
	Build  *BuildOutcome
}

// Dispatch routes an inbound job to its processor. Both processors are safe
// to call any number of times for the same job.
func (e *Engine) Dispatch(ctx context.Context, job types.Job) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.dispatch", trace.WithAttributes(
		attribute.String("job.kind", string(job.Kind)),
		attribute.String("job.request_ref", job.RequestRef),
	))
	defer span.End()

	var (
		res Result
		err error
	)
	switch job.Kind {
	case types.JobSingleMeeting:
		res.Single, err = e.ProcessSingle(ctx, job.RequestRef)
	case types.JobBaselinePackBuild:
		res.Build, err = e.ProcessBaseline(ctx, job.RequestRef)
	default:
		err = &Error{Kind: types.KindPrecondition, Message: fmt.Sprintf("unknown job kind %q", job.Kind)}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return &res, nil
}

func (e *Engine) emit(step, message, runID, packID string) {
	if e.opts.OnProgress != nil {
		e.opts.OnProgress(ProgressEvent{Step: step, Message: message, RunID: runID, PackID: packID})
	}
}

// finishContext returns a short context for terminal writes that survives
// cancellation of the job context
func finishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
}
