package schemas

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Errors: []FieldError{
			{Field: "coaching_output.focus", Message: "focus is required"},
			{Field: "pattern_snapshot.0.ratio", Message: "must be less than or equal to 1"},
		},
	}

	msg := err.Error()
	assert.Contains(t, msg, "validation failed")
	assert.Contains(t, msg, "1. coaching_output.focus: focus is required")
	assert.Contains(t, msg, "2. pattern_snapshot.0.ratio")
}

func TestSchemaLoadError_Unwrap(t *testing.T) {
	cause := errors.New("unexpected EOF")
	err := &SchemaLoadError{Path: "coaching_output.schema.json", Message: "document could not be loaded", Cause: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "coaching_output.schema.json")
	assert.Contains(t, err.Error(), "unexpected EOF")

	bare := &SchemaLoadError{Path: "x.json", Message: "empty"}
	assert.Equal(t, "failed to load schema x.json: empty", bare.Error())
}

func TestValidateCoachingOutput_RootFieldAndTypes(t *testing.T) {
	err := ValidateCoachingOutput([]byte(`{"schema_version": 2}`))
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	types := map[string]bool{}
	fields := map[string]bool{}
	for _, fe := range verr.Errors {
		types[fe.Type] = true
		fields[fe.Field] = true
	}
	assert.True(t, types["required"], "missing top-level keys are reported")
	assert.True(t, types["invalid_type"], "a numeric schema_version is reported")
	assert.True(t, fields["(root)"], "top-level violations use the root path")
}

func TestValidateCoachingOutput_UnloadableDocument(t *testing.T) {
	err := ValidateCoachingOutput([]byte(`{"schema_version": `))
	require.Error(t, err)

	var lerr *SchemaLoadError
	assert.ErrorAs(t, err, &lerr)
}
