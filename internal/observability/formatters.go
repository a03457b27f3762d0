// Package observability provides formatted output utilities for the CLI.
package observability

import (
	"fmt"
	"io"
	"strings"

	"github.com/jonathan/meeting-coach/internal/engine"
	"github.com/jonathan/meeting-coach/internal/gate1"
	"github.com/jonathan/meeting-coach/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for CLI results
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, clip(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// clip shortens s to n runes, marking the cut with "..."
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func passLabel(pass *bool) string {
	switch {
	case pass == nil:
		return "n/a"
	case *pass:
		return "pass"
	default:
		return "fail"
	}
}

// PrintOutcome outputs a single-meeting result
func (p *Printer) PrintOutcome(o *engine.Outcome) {
	if o == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Request:  %s\n", o.RequestID))
	sb.WriteString(fmt.Sprintf("Run:      %s\n", o.RunID))
	sb.WriteString(fmt.Sprintf("Status:   %s\n", o.Status))
	sb.WriteString(fmt.Sprintf("Gate-1:   %s\n", passLabel(o.Gate1Pass)))
	switch {
	case o.InProgress:
		sb.WriteString("Model:    another worker holds the run\n")
	case o.ModelCalled:
		sb.WriteString("Model:    called\n")
	default:
		sb.WriteString("Model:    reused stored run\n")
	}
	if o.Error != nil {
		sb.WriteString(fmt.Sprintf("Error:    %s: %s\n", o.Error.Kind, o.Error.Message))
	}
	if o.Experiment != nil {
		sb.WriteString(fmt.Sprintf("Experiment: %s (%s)\n", o.Experiment.ExperimentID, o.Experiment.Status))
	}
	for _, ev := range o.Events {
		sb.WriteString(fmt.Sprintf("Attempt:  %s on %s (%d quotes)\n", ev.Attempt, ev.ExperimentID, ev.AttemptCount))
	}
	for _, msg := range o.SideEffectErrors {
		sb.WriteString(fmt.Sprintf("⚠ %s\n", msg))
	}

	p.printBox("SINGLE-MEETING RUN", strings.TrimSuffix(sb.String(), "\n"))
	p.PrintIssues(o.Issues)
}

// PrintBuild outputs a baseline-pack build result
func (p *Printer) PrintBuild(b *engine.BuildOutcome) {
	if b == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Pack:     %s\n", b.PackID))
	sb.WriteString(fmt.Sprintf("Status:   %s\n", b.Status))
	if b.NoOp {
		sb.WriteString("Build:    already finished, nothing to do\n")
	}
	if b.ResultRunID != "" {
		sb.WriteString(fmt.Sprintf("Run:      %s\n", b.ResultRunID))
	}
	if b.RoleConsistency != "" {
		sb.WriteString(fmt.Sprintf("Roles:    %s\n", b.RoleConsistency))
	}
	if b.MeetingTypeConsistency != "" {
		sb.WriteString(fmt.Sprintf("Meetings: %s\n", b.MeetingTypeConsistency))
	}
	if b.Error != nil {
		sb.WriteString(fmt.Sprintf("Error:    %s: %s\n", b.Error.Kind, b.Error.Message))
	}
	if b.Experiment != nil {
		sb.WriteString(fmt.Sprintf("Experiment: %s (%s)\n", b.Experiment.ExperimentID, b.Experiment.Status))
	}
	for _, msg := range b.SideEffectErrors {
		sb.WriteString(fmt.Sprintf("⚠ %s\n", msg))
	}

	p.printBox("BASELINE PACK BUILD", strings.TrimSuffix(sb.String(), "\n"))
	p.PrintIssues(b.Issues)
}

// PrintGate1Result outputs a Gate-1 verdict and the coaching it accepted.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintGate1Result(res *gate1.Result) {
	if res == nil {
		return
	}
	if res.Passed {
		fmt.Fprintf(p.out, "┌%s┐\n", strings.Repeat("─", boxWidth-2))
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, "✅ GATE-1 PASSED")
		fmt.Fprintf(p.out, "└%s┘\n", strings.Repeat("─", boxWidth-2))
		p.PrintCoaching(res.Output)
	}
	p.PrintIssues(res.Issues)
}

// PrintCoaching outputs the strengths, focus and micro-experiment of a document
func (p *Printer) PrintCoaching(out *types.CoachingOutput) {
	if out == nil {
		return
	}
	c := out.Coaching

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Analysis: %s (%s)\n\n", out.Meta.AnalysisType, out.SchemaVersion))
	if len(c.Strengths) > 0 {
		sb.WriteString("Strengths:\n")
		for _, s := range c.Strengths {
			sb.WriteString(fmt.Sprintf("  • %s (%d quotes)\n", s.PatternID, len(s.Quotes)))
		}
		sb.WriteString("\n")
	}
	if c.Focus != nil {
		sb.WriteString(fmt.Sprintf("Focus:    %s\n", c.Focus.PatternID))
	}
	if c.MicroExperiment != nil {
		sb.WriteString(fmt.Sprintf("Try next: %s %s\n", c.MicroExperiment.ExperimentID, c.MicroExperiment.Title))
	}

	p.printBox("COACHING", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintIssues outputs validation issues, errors before warnings
func (p *Printer) PrintIssues(issues []types.ValidationIssue) {
	if len(issues) == 0 {
		return
	}

	var errs, warns []types.ValidationIssue
	for _, issue := range issues {
		if issue.Severity == types.SeverityError {
			errs = append(errs, issue)
		} else {
			warns = append(warns, issue)
		}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d errors and %d warnings:\n\n", len(errs), len(warns)))

	ordered := append(errs, warns...)
	count := min(len(ordered), maxItemsToShow)
	for i := 0; i < count; i++ {
		issue := ordered[i]
		mark := "✗"
		if issue.Severity == types.SeverityWarning {
			mark = "⚠"
		}
		sb.WriteString(fmt.Sprintf("%s %s at %s\n", mark, issue.Rule, issue.Path))
		sb.WriteString(fmt.Sprintf("  %s\n", issue.Message))
		if i < count-1 {
			sb.WriteString("\n")
		}
	}
	if len(ordered) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("\n... and %d more issues", len(ordered)-maxItemsToShow))
	}

	p.printBox("VALIDATION ISSUES", strings.TrimSuffix(sb.String(), "\n"))
}
