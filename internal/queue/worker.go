package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/meeting-coach/internal/engine"
	"github.com/jonathan/meeting-coach/internal/types"
)

// Worker defaults
const (
	DefaultConcurrency = 3
	DefaultRetryDelay  = time.Second
)

// Dispatcher processes one job; *engine.Engine satisfies it
type Dispatcher interface {
	Dispatch(ctx context.Context, job types.Job) (*engine.Result, error)
}

// WorkerOptions tunes a Worker
type WorkerOptions struct {
	Concurrency int
	// RetryDelay is waited before a retryable failure is nacked
	RetryDelay time.Duration
}

// Worker pulls jobs from a Source and dispatches them with bounded concurrency
type Worker struct {
	source     Source
	dispatcher Dispatcher
	logger     *zap.Logger
	opts       WorkerOptions
}

// NewWorker creates a Worker
func NewWorker(source Source, dispatcher Dispatcher, logger *zap.Logger, opts WorkerOptions) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Worker{source: source, dispatcher: dispatcher, logger: logger.Named("worker"), opts: opts}
}

// Run consumes until ctx is cancelled or the source closes, then waits for
// in-flight jobs to settle
func (w *Worker) Run(ctx context.Context) error {
	msgs, err := w.source.Messages(ctx)
	if err != nil {
		return err
	}
	w.logger.Info("worker started", zap.Int("concurrency", w.opts.Concurrency))

	var g errgroup.Group
	g.SetLimit(w.opts.Concurrency)
	for {
		select {
		case <-ctx.Done():
			err := g.Wait()
			w.logger.Info("worker stopped")
			return err
		case msg, ok := <-msgs:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				w.Handle(ctx, msg)
				return nil
			})
		}
	}
}

// Disposition is what the worker did with a message
type Disposition string

const (
	Acked  Disposition = "ack"
	Nacked Disposition = "nack"
)

// Handle processes one message and settles it. Undecodable payloads and
// non-retryable failures are acked so they are not redelivered forever.
func (w *Worker) Handle(ctx context.Context, msg Message) Disposition {
	log := w.logger.With(zap.String("message_id", msg.ID), zap.Int("attempt", msg.Attempt))

	job, err := DecodeJob(msg.Payload)
	if err != nil {
		log.Error("dropping poison message", zap.Error(err), zap.ByteString("payload", truncate(msg.Payload, 256)))
		msg.Ack()
		return Acked
	}
	log = log.With(zap.String("job_kind", string(job.Kind)), zap.String("request_ref", job.RequestRef))

	start := time.Now()
	res, err := w.dispatcher.Dispatch(ctx, job)
	if err != nil {
		if engine.Retryable(err) {
			log.Warn("job failed, will retry", zap.Error(err))
			w.backoff(ctx)
			msg.Nack()
			return Nacked
		}
		if errors.Is(err, engine.ErrNotFound) {
			log.Warn("job references a missing record", zap.Error(err))
		} else {
			log.Error("job failed", zap.Error(err), zap.String("kind", string(engine.KindOf(err))))
		}
		msg.Ack()
		return Acked
	}

	log.Info("job processed", append(summary(res), zap.Duration("duration", time.Since(start)))...)
	msg.Ack()
	return Acked
}

func (w *Worker) backoff(ctx context.Context) {
	t := time.NewTimer(w.opts.RetryDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func summary(res *engine.Result) []zap.Field {
	switch {
	case res == nil:
		return nil
	case res.Single != nil:
		o := res.Single
		fields := []zap.Field{
			zap.String("run_id", o.RunID),
			zap.String("status", string(o.Status)),
			zap.Bool("model_called", o.ModelCalled),
			zap.Bool("in_progress", o.InProgress),
		}
		if o.Gate1Pass != nil {
			fields = append(fields, zap.Bool("gate1_pass", *o.Gate1Pass))
		}
		if o.Error != nil {
			fields = append(fields, zap.String("error_kind", string(o.Error.Kind)))
		}
		if len(o.SideEffectErrors) > 0 {
			fields = append(fields, zap.Strings("side_effect_errors", o.SideEffectErrors))
		}
		return fields
	case res.Build != nil:
		b := res.Build
		return []zap.Field{
			zap.String("pack_id", b.PackID),
			zap.String("status", string(b.Status)),
			zap.String("result_run_id", b.ResultRunID),
			zap.Bool("noop", b.NoOp),
			zap.Bool("in_progress", b.InProgress),
		}
	}
	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
