// Package gate1 validates model coaching output before it can be shown to a coachee.
//
// Validation runs in three stages: JSON parse, structural schema conformance,
// then business rules. Schema violations stop evaluation so issue lists stay
// readable; business rules all run and report every violation found.
package gate1

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jonathan/meeting-coach/internal/schemas"
	"github.com/jonathan/meeting-coach/internal/types"
)

// Context carries the facts Gate-1 checks the output against
type Context struct {
	// SpeakerSet is every speaker label present in the analyzed transcript(s)
	SpeakerSet map[string]struct{}
	// AnalysisType is the requested analysis; empty means trust the output's meta
	AnalysisType types.AnalysisType
	// ActiveExperiment is the coachee's open experiment at prompt time, if any
	ActiveExperiment *types.Experiment
}

// Result is the outcome of a Gate-1 run
type Result struct {
	Passed bool
	Issues []types.ValidationIssue
	// Output is the decoded document; nil when the schema stage failed
	Output *types.CoachingOutput
}

// ErrorCount returns the number of error-severity issues
func (r *Result) ErrorCount() int {
	var n int
	for _, issue := range r.Issues {
		if issue.Severity == types.SeverityError {
			n++
		}
	}
	return n
}

// Validate runs Gate-1 over raw. It returns a *ParseError when raw is not JSON;
// every other failure is reported as issues on a non-passing Result.
func Validate(raw []byte, vctx Context) (*Result, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, &ParseError{Message: "empty response"}
	}
	if !json.Valid(raw) {
		var probe any
		err := json.Unmarshal(raw, &probe)
		return nil, &ParseError{Message: "response is not valid JSON", Cause: err}
	}

	if err := schemas.ValidateCoachingOutput(raw); err != nil {
		var verr *schemas.ValidationError
		if !errors.As(err, &verr) {
			return nil, &SchemaError{Message: "schema validation could not run", Cause: err}
		}
		return &Result{Passed: false, Issues: schemaIssues(verr)}, nil
	}

	var out types.CoachingOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		issue := errorIssue(RuleSchemaViolation, "$", types.ValueUnknown, "output does not decode: "+err.Error())
		return &Result{Passed: false, Issues: []types.ValidationIssue{issue}}, nil
	}

	issues := businessRules(&out, vctx)
	result := &Result{Issues: issues, Output: &out}
	result.Passed = result.ErrorCount() == 0
	return result, nil
}

// schemaIssues converts structural errors into issues
func schemaIssues(verr *schemas.ValidationError) []types.ValidationIssue {
	issues := make([]types.ValidationIssue, 0, len(verr.Errors))
	for _, fe := range verr.Errors {
		class := types.ValueClassOf(fe.Value)
		if fe.Type == "required" {
			class = types.ValueMissing
		}
		issues = append(issues, errorIssue(RuleSchemaViolation, schemaPath(fe.Field), class, fe.Message))
	}
	return issues
}

// schemaPath rewrites gojsonschema's dotted indices (a.0.b) into a[0].b
func schemaPath(field string) string {
	if field == "(root)" || field == "" {
		return "$"
	}
	parts := strings.Split(field, ".")
	var sb strings.Builder
	for i, p := range parts {
		if isIndex(p) {
			sb.WriteString("[" + p + "]")
			continue
		}
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(p)
	}
	return sb.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
