package schemas

import (
	_ "embed"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed coaching_output.schema.json
var coachingOutputSchema string

var (
	coachingOnce     sync.Once
	coachingCompiled *gojsonschema.Schema
	coachingErr      error
)

// CoachingOutputSchema returns the embedded coaching-output schema source
func CoachingOutputSchema() string {
	return coachingOutputSchema
}

// ValidateCoachingOutput validates a model response document against the
// embedded coaching-output schema. The schema is compiled once per process.
func ValidateCoachingOutput(doc []byte) error {
	coachingOnce.Do(func() {
		coachingCompiled, coachingErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(coachingOutputSchema))
	})
	if coachingErr != nil {
		return &SchemaLoadError{
			Path:    "coaching_output.schema.json",
			Message: "embedded schema failed to compile",
			Cause:   coachingErr,
		}
	}

	result, err := coachingCompiled.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return &SchemaLoadError{
			Path:    "coaching_output.schema.json",
			Message: "document could not be loaded",
			Cause:   err,
		}
	}

	return toValidationError(result)
}
