package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jonathan/meeting-coach/internal/gate1"
	"github.com/jonathan/meeting-coach/internal/llm"
	"github.com/jonathan/meeting-coach/internal/observability"
	"github.com/jonathan/meeting-coach/internal/types"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run Gate-1 over a saved model response",
	Long:  "Validates a model response file against the coaching output schema and the grounding rules, using the speakers of a transcript.",
	RunE:  runValidate,
}

var (
	validateInput        string
	validateSpeakers     []string
	validateTranscript   string
	validateAnalysisType string
	validateExperiment   string
	validateOutput       string
)

func init() {
	validateCmd.Flags().StringVarP(&validateInput, "in", "i", "", "Path to model response file (required)")
	validateCmd.Flags().StringSliceVarP(&validateSpeakers, "speakers", "s", nil, "Speaker labels present in the transcript")
	validateCmd.Flags().StringVarP(&validateTranscript, "transcript", "t", "", "Path to transcript JSON; its speakers are added to --speakers")
	validateCmd.Flags().StringVar(&validateAnalysisType, "analysis-type", string(types.AnalysisSingleMeeting), "Expected analysis type (single_meeting or baseline_pack)")
	validateCmd.Flags().StringVar(&validateExperiment, "active-experiment", "", "Experiment id the coachee was working on, if any")
	validateCmd.Flags().StringVarP(&validateOutput, "out", "o", "", "Path to write validation issues JSON")

	if err := validateCmd.MarkFlagRequired("in"); err != nil {
		panic(fmt.Sprintf("failed to mark in flag as required: %v", err))
	}

	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	raw, err := os.ReadFile(validateInput)
	if err != nil {
		return fmt.Errorf("failed to read response file: %w", err)
	}

	speakers := map[string]struct{}{}
	for _, label := range validateSpeakers {
		if label = strings.TrimSpace(label); label != "" {
			speakers[label] = struct{}{}
		}
	}
	if validateTranscript != "" {
		data, err := os.ReadFile(validateTranscript)
		if err != nil {
			return fmt.Errorf("failed to read transcript file: %w", err)
		}
		var tr types.Transcript
		if err := json.Unmarshal(data, &tr); err != nil {
			return fmt.Errorf("failed to parse transcript JSON: %w", err)
		}
		for label := range tr.SpeakerSet() {
			speakers[label] = struct{}{}
		}
	}
	if len(speakers) == 0 {
		return fmt.Errorf("no speakers given: use --speakers or --transcript")
	}

	analysisType := types.AnalysisType(validateAnalysisType)
	if analysisType != types.AnalysisSingleMeeting && analysisType != types.AnalysisBaselinePack {
		return fmt.Errorf("invalid --analysis-type %q", validateAnalysisType)
	}

	vctx := gate1.Context{SpeakerSet: speakers, AnalysisType: analysisType}
	if validateExperiment != "" {
		vctx.ActiveExperiment = &types.Experiment{ExperimentID: validateExperiment, Status: types.ExperimentActive}
	}

	res, err := gate1.Validate([]byte(llm.CleanJSONBlock(string(raw))), vctx)
	if err != nil {
		var parseErr *gate1.ParseError
		if errors.As(err, &parseErr) {
			return fmt.Errorf("response is not a JSON document: %w", err)
		}
		return err
	}

	observability.NewPrinter(cmd.OutOrStdout()).PrintGate1Result(res)

	if validateOutput != "" {
		issues := res.Issues
		if issues == nil {
			issues = []types.ValidationIssue{}
		}
		data, err := json.MarshalIndent(issues, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal issues: %w", err)
		}
		if err := os.WriteFile(validateOutput, data, 0644); err != nil {
			return fmt.Errorf("failed to write issues file: %w", err)
		}
	}

	if !res.Passed {
		return fmt.Errorf("gate-1 rejected the response with %d errors", res.ErrorCount())
	}
	return nil
}
