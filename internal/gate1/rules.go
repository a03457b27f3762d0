package gate1

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jonathan/meeting-coach/internal/types"
)

// Rule codes recorded on validation issues
const (
	RuleSchemaViolation          = "SCHEMA_VIOLATION"
	RuleAnalysisTypeMismatch     = "ANALYSIS_TYPE_MISMATCH"
	RuleStrengthsCount           = "STRENGTHS_COUNT"
	RuleDuplicateStrength        = "DUPLICATE_STRENGTH"
	RuleMissingEvidence          = "MISSING_EVIDENCE"
	RuleUnknownSpeaker           = "UNKNOWN_SPEAKER"
	RuleEmptyQuote               = "EMPTY_QUOTE"
	RuleUnknownPattern           = "UNKNOWN_PATTERN"
	RuleDuplicatePattern         = "DUPLICATE_PATTERN"
	RuleInvalidIDFormat          = "INVALID_ID_FORMAT"
	RuleNonEvaluableHasNumeric   = "NON_EVALUABLE_HAS_NUMERIC"
	RuleEvaluableMissingRatio    = "EVALUABLE_MISSING_RATIO"
	RuleBalanceWithRatio         = "BALANCE_WITH_RATIO"
	RuleBalanceMissingAssessment = "BALANCE_MISSING_ASSESSMENT"
	RuleBalanceForbiddenField    = "BALANCE_FORBIDDEN_FIELD"
	RuleRatioOutOfRange          = "RATIO_OUT_OF_RANGE"
	RuleInvalidDenominator       = "INVALID_DENOMINATOR"
	RuleInvalidNumerator         = "INVALID_NUMERATOR"
	RuleNumeratorExceeds         = "NUMERATOR_EXCEEDS_DENOMINATOR"
	RuleBaselineDetection        = "BP_DETECTION_MUST_BE_NULL"
	RuleDetectionRequired        = "DETECTION_REQUIRED"
	RuleDetectionNoEvidence      = "DETECTION_ATTEMPT_NO_EVIDENCE"
	RuleDetectionUnexpected      = "DETECTION_UNEXPECTED"
)

// MaxStrengths is the most strengths a coaching output may carry
const MaxStrengths = 2

var experimentIDPattern = regexp.MustCompile(`^EXP-\d{6}$`)

func errorIssue(rule, path string, class types.ValueClass, message string) types.ValidationIssue {
	return types.ValidationIssue{Severity: types.SeverityError, Rule: rule, Path: path, ValueClass: class, Message: message}
}

func warningIssue(rule, path string, class types.ValueClass, message string) types.ValidationIssue {
	return types.ValidationIssue{Severity: types.SeverityWarning, Rule: rule, Path: path, ValueClass: class, Message: message}
}

func businessRules(out *types.CoachingOutput, vctx Context) []types.ValidationIssue {
	var issues []types.ValidationIssue

	analysisType := vctx.AnalysisType
	if analysisType == "" {
		analysisType = out.Meta.AnalysisType
	} else if out.Meta.AnalysisType != analysisType {
		issues = append(issues, errorIssue(RuleAnalysisTypeMismatch, "meta.analysis_type", types.ValueString,
			fmt.Sprintf("expected %q, got %q", analysisType, out.Meta.AnalysisType)))
	}

	issues = append(issues, coachingRules(&out.Coaching, vctx.SpeakerSet)...)
	issues = append(issues, snapshotRules(out.PatternSnapshot)...)
	issues = append(issues, trackingRules(out, analysisType, vctx)...)
	return issues
}

func coachingRules(c *types.CoachingBlock, speakers map[string]struct{}) []types.ValidationIssue {
	var issues []types.ValidationIssue

	if len(c.Strengths) > MaxStrengths {
		issues = append(issues, errorIssue(RuleStrengthsCount, "coaching_output.strengths", types.ValueArray,
			fmt.Sprintf("strengths must have 0-%d items, got %d", MaxStrengths, len(c.Strengths))))
	}

	seen := make(map[string]bool)
	for i, item := range c.Strengths {
		path := fmt.Sprintf("coaching_output.strengths[%d]", i)
		if seen[item.PatternID] {
			issues = append(issues, errorIssue(RuleDuplicateStrength, path+".pattern_id", types.ValueString,
				fmt.Sprintf("pattern %s appears in more than one strength", item.PatternID)))
		}
		seen[item.PatternID] = true
		issues = append(issues, itemRules(path, item.PatternID, item.Quotes, speakers)...)
	}

	if c.Focus != nil {
		issues = append(issues, itemRules("coaching_output.focus", c.Focus.PatternID, c.Focus.Quotes, speakers)...)
	}

	if me := c.MicroExperiment; me != nil {
		path := "coaching_output.micro_experiment"
		if !experimentIDPattern.MatchString(me.ExperimentID) {
			issues = append(issues, errorIssue(RuleInvalidIDFormat, path+".experiment_id", types.ValueString,
				fmt.Sprintf("%q does not match EXP-nnnnnn", me.ExperimentID)))
		}
		issues = append(issues, itemRules(path, me.PatternID, me.Quotes, speakers)...)
	}

	return issues
}

// itemRules enforces evidentiary grounding for one coaching item
func itemRules(path, patternID string, quotes []types.Quote, speakers map[string]struct{}) []types.ValidationIssue {
	var issues []types.ValidationIssue
	if types.PatternIndex(patternID) < 0 {
		issues = append(issues, errorIssue(RuleUnknownPattern, path+".pattern_id", types.ValueString,
			fmt.Sprintf("pattern %q is not in taxonomy %s", patternID, types.TaxonomyVersion)))
	}
	if len(quotes) == 0 {
		issues = append(issues, errorIssue(RuleMissingEvidence, path+".quotes", types.ValueArray,
			"at least one supporting quote is required"))
		return issues
	}
	return append(issues, quoteRules(path+".quotes", quotes, speakers)...)
}

func quoteRules(path string, quotes []types.Quote, speakers map[string]struct{}) []types.ValidationIssue {
	var issues []types.ValidationIssue
	for j, q := range quotes {
		qpath := fmt.Sprintf("%s[%d]", path, j)
		if _, ok := speakers[strings.TrimSpace(q.SpeakerLabel)]; !ok {
			issues = append(issues, errorIssue(RuleUnknownSpeaker, qpath+".speaker_label", types.ValueString,
				fmt.Sprintf("speaker %q does not appear in the transcript", q.SpeakerLabel)))
		}
		if strings.TrimSpace(q.Text) == "" {
			issues = append(issues, errorIssue(RuleEmptyQuote, qpath+".text", types.ValueString,
				"quote text is empty"))
		}
	}
	return issues
}

func snapshotRules(entries []types.PatternEntry) []types.ValidationIssue {
	var issues []types.ValidationIssue
	seen := make(map[string]bool)

	for i, e := range entries {
		path := fmt.Sprintf("pattern_snapshot[%d]", i)
		if types.PatternIndex(e.PatternID) < 0 {
			issues = append(issues, errorIssue(RuleUnknownPattern, path+".pattern_id", types.ValueString,
				fmt.Sprintf("pattern %q is not in taxonomy %s", e.PatternID, types.TaxonomyVersion)))
		}
		if seen[e.PatternID] {
			issues = append(issues, errorIssue(RuleDuplicatePattern, path+".pattern_id", types.ValueString,
				fmt.Sprintf("pattern %s appears more than once", e.PatternID)))
		}
		seen[e.PatternID] = true

		switch e.EvaluableStatus {
		case types.StatusNotEvaluable, types.StatusInsufficientSignal:
			for _, f := range presentNumeric(e) {
				issues = append(issues, errorIssue(RuleNonEvaluableHasNumeric, path+"."+f, types.ValueNumber,
					fmt.Sprintf("%s entry must not carry %s", e.EvaluableStatus, f)))
			}
		case types.StatusEvaluable:
			issues = append(issues, evaluableRules(path, e)...)
		}
	}
	return issues
}

func evaluableRules(path string, e types.PatternEntry) []types.ValidationIssue {
	var issues []types.ValidationIssue

	if e.PatternID == types.PatternConversationalBalance {
		if e.BalanceAssessment == "" {
			issues = append(issues, errorIssue(RuleBalanceMissingAssessment, path+".balance_assessment", types.ValueMissing,
				"conversational_balance must carry balance_assessment"))
		}
		for _, f := range presentNumeric(e) {
			issues = append(issues, errorIssue(RuleBalanceForbiddenField, path+"."+f, types.ValueNumber,
				fmt.Sprintf("conversational_balance must not carry %s", f)))
		}
		return issues
	}

	if e.BalanceAssessment == "" && e.Ratio == nil {
		issues = append(issues, errorIssue(RuleEvaluableMissingRatio, path+".ratio", types.ValueNull,
			"evaluable entry without balance_assessment must carry a ratio"))
	}
	if e.BalanceAssessment != "" && e.Ratio != nil {
		issues = append(issues, errorIssue(RuleBalanceWithRatio, path, types.ValueObject,
			"evaluable entry must carry either ratio or balance_assessment, not both"))
	}
	if e.Ratio != nil && (*e.Ratio < 0 || *e.Ratio > 1) {
		issues = append(issues, errorIssue(RuleRatioOutOfRange, path+".ratio", types.ValueNumber,
			fmt.Sprintf("ratio %v must be in [0, 1]", *e.Ratio)))
	}
	if e.Denominator != nil && *e.Denominator < 1 {
		issues = append(issues, errorIssue(RuleInvalidDenominator, path+".denominator", types.ValueNumber,
			"denominator must be >= 1"))
	}
	if e.Numerator != nil && *e.Numerator < 0 {
		issues = append(issues, errorIssue(RuleInvalidNumerator, path+".numerator", types.ValueNumber,
			"numerator must be >= 0"))
	}
	if e.Numerator != nil && e.Denominator != nil && *e.Numerator > *e.Denominator {
		issues = append(issues, errorIssue(RuleNumeratorExceeds, path, types.ValueNumber,
			fmt.Sprintf("numerator (%d) > denominator (%d)", *e.Numerator, *e.Denominator)))
	}
	return issues
}

func presentNumeric(e types.PatternEntry) []string {
	var fields []string
	if e.Numerator != nil {
		fields = append(fields, "numerator")
	}
	if e.Denominator != nil {
		fields = append(fields, "denominator")
	}
	if e.Ratio != nil {
		fields = append(fields, "ratio")
	}
	return fields
}

func trackingRules(out *types.CoachingOutput, analysisType types.AnalysisType, vctx Context) []types.ValidationIssue {
	const path = "experiment_tracking.detection_in_this_meeting"
	detection := out.Detection()

	if analysisType == types.AnalysisBaselinePack {
		if detection != nil {
			return []types.ValidationIssue{errorIssue(RuleBaselineDetection, path, types.ValueObject,
				"baseline_pack analysis must have a null detection")}
		}
		return nil
	}

	active := vctx.ActiveExperiment != nil
	if t := out.ExperimentTracking; t != nil && t.ActiveExperiment != nil && t.ActiveExperiment.Status.Open() {
		active = true
	}

	if detection == nil {
		if active {
			return []types.ValidationIssue{errorIssue(RuleDetectionRequired, path, types.ValueNull,
				"an assigned or active experiment requires a detection block")}
		}
		return nil
	}

	if !active {
		return []types.ValidationIssue{warningIssue(RuleDetectionUnexpected, path, types.ValueObject,
			"detection should be null when no experiment is active")}
	}

	var issues []types.ValidationIssue
	if detection.Attempt.Attempted() && len(detection.Quotes) == 0 {
		issues = append(issues, errorIssue(RuleDetectionNoEvidence, path+".quotes", types.ValueArray,
			fmt.Sprintf("attempt %q requires at least one quote", detection.Attempt)))
	}
	return append(issues, quoteRules(path+".quotes", detection.Quotes, vctx.SpeakerSet)...)
}
