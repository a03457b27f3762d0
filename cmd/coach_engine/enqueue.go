package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/meeting-coach/internal/config"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <kind>:<ref> [<kind>:<ref>...]",
	Short: "Publish coaching jobs to the NATS queue",
	Long: `Publish jobs for workers to pick up, for example

  coach_engine enqueue single_meeting:req-1 baseline_pack_build:pack-1

The in-process channel queue cannot be reached from another process; use
"worker --job" with it instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	jobs, err := parseJobs(args)
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

	if a.cfg.Queue != config.QueueNATS {
		return fmt.Errorf("enqueue needs the nats queue (set COACH_QUEUE=nats), configured queue is %q", a.cfg.Queue)
	}
	q, err := a.openQueue(ctx)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if err := q.Publish(ctx, job); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s %s\n", job.Kind, job.RequestRef)
	}
	return nil
}
