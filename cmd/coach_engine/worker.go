package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/meeting-coach/internal/engine"
	"github.com/jonathan/meeting-coach/internal/queue"
	"github.com/jonathan/meeting-coach/internal/types"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume coaching jobs from the queue",
	Long: `Consume single-meeting and baseline-pack jobs from the configured queue until interrupted.

With the in-process channel queue, pass --job to feed jobs to the worker directly,
for example --job single_meeting:req-1 --job baseline_pack_build:pack-1.`,
	RunE: runWorker,
}

var (
	workerConcurrency int
	workerJobs        []string
)

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "Jobs processed in parallel (overrides config)")
	workerCmd.Flags().StringArrayVar(&workerJobs, "job", nil, "Job to publish before consuming, as <kind>:<ref> (repeatable)")

	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	jobs, err := parseJobs(workerJobs)
	if err != nil {
		return err
	}

	ctx, stop := runUntil(cmd.Context())
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.openStore(ctx); err != nil {
		return err
	}
	q, err := a.openQueue(ctx)
	if err != nil {
		return err
	}
	eng, err := a.newEngine(ctx, func(ev engine.ProgressEvent) {
		a.logger.Debug(ev.Message, zap.String("step", ev.Step), zap.String("run_id", ev.RunID), zap.String("pack_id", ev.PackID))
	})
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if err := q.Publish(ctx, job); err != nil {
			return err
		}
	}

	concurrency := a.cfg.Concurrency
	if workerConcurrency > 0 {
		concurrency = workerConcurrency
	}
	w := queue.NewWorker(q, eng, a.logger, queue.WorkerOptions{Concurrency: concurrency})
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	return nil
}

// parseJobs reads "<kind>:<ref>" job specs
func parseJobs(specs []string) ([]types.Job, error) {
	jobs := make([]types.Job, 0, len(specs))
	for _, spec := range specs {
		kind, ref, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("invalid job %q: expected <kind>:<ref>", spec)
		}
		job := types.Job{Kind: types.JobKind(strings.TrimSpace(kind)), RequestRef: strings.TrimSpace(ref)}
		if err := job.Validate(); err != nil {
			return nil, fmt.Errorf("invalid job %q: %w", spec, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// runUntil is used by commands that must stop on interrupt
func runUntil(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
