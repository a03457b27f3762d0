package types

// Severity of a validation issue. Only error-severity issues fail Gate-1.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValueClass is the JSON kind observed at an issue's path
type ValueClass string

const (
	ValueMissing ValueClass = "missing"
	ValueNull    ValueClass = "null"
	ValueString  ValueClass = "string"
	ValueNumber  ValueClass = "number"
	ValueBoolean ValueClass = "boolean"
	ValueArray   ValueClass = "array"
	ValueObject  ValueClass = "object"
	ValueUnknown ValueClass = "unknown"
)

// ValueClassOf classifies a decoded JSON value
func ValueClassOf(v any) ValueClass {
	switch v.(type) {
	case nil:
		return ValueNull
	case string:
		return ValueString
	case float64, int, int64:
		return ValueNumber
	case bool:
		return ValueBoolean
	case []any:
		return ValueArray
	case map[string]any:
		return ValueObject
	default:
		return ValueUnknown
	}
}

// ValidationIssue is one rule violation attached to a run or a baseline pack
type ValidationIssue struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id,omitempty"`
	BaselinePackID string     `json:"baseline_pack_id,omitempty"`
	Severity       Severity   `json:"severity"`
	Rule           string     `json:"rule"`
	Path           string     `json:"path"`
	ValueClass     ValueClass `json:"value_class"`
	Message        string     `json:"message"`
}
