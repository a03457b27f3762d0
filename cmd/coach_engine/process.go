package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/meeting-coach/internal/engine"
	"github.com/jonathan/meeting-coach/internal/observability"
)

var processCmd = &cobra.Command{
	Use:   "process <single|baseline> <id>",
	Short: "Process one run request or baseline pack directly",
	Long: `Run the same idempotent processing a worker applies to a queued job, without the queue.

  process single <run-request-id>   analyze the request's transcript
  process baseline <pack-id>        build the baseline pack

Repeating a command is safe: a finished run or pack is reported as stored.`,
	Args: cobra.ExactArgs(2),
	RunE: runProcess,
}

var (
	processJSON    bool
	processVerbose bool
)

func init() {
	processCmd.Flags().BoolVar(&processJSON, "json", false, "Print the result as JSON instead of a summary")
	processCmd.Flags().BoolVarP(&processVerbose, "verbose", "v", false, "Print progress steps")

	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	mode, id := args[0], args[1]
	if mode != "single" && mode != "baseline" {
		return fmt.Errorf("unknown mode %q: expected single or baseline", mode)
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
	out := cmd.OutOrStdout()
	var progress engine.ProgressCallback
	if processVerbose {
		progress = func(ev engine.ProgressEvent) {
			fmt.Fprintf(cmd.ErrOrStderr(), "  [%s] %s\n", ev.Step, ev.Message)
		}
	}
	eng, err := a.newEngine(ctx, progress)
	if err != nil {
		return err
	}

	var result any
	printer := observability.NewPrinter(out)
	switch mode {
	case "single":
		outcome, err := eng.ProcessSingle(ctx, id)
		if err != nil {
			return err
		}
		result = outcome
		if !processJSON {
			printer.PrintOutcome(outcome)
		}
	case "baseline":
		outcome, err := eng.ProcessBaseline(ctx, id)
		if err != nil {
			return err
		}
		result = outcome
		if !processJSON {
			printer.PrintBuild(outcome)
		}
	}

	if processJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	return nil
}

