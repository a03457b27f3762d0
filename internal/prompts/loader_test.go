package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_ValidPrompt(t *testing.T) {
	prompt, err := Get(CoachingFile, KeySystem)
	require.NoError(t, err)
	assert.Contains(t, prompt, "meeting communication coach")
}

func TestGet_InvalidFile(t *testing.T) {
	_, err := Get("nonexistent.json", "some-key")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "is not bundled")
}

func TestGet_InvalidKey(t *testing.T) {
	_, err := Get(CoachingFile, "nonexistent-key")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestMustGet_Panics(t *testing.T) {
	assert.Panics(t, func() {
		MustGet("nonexistent.json", "some-key")
	})
}

func TestMustGet_BundledKeys(t *testing.T) {
	for _, key := range []string{KeySystem, KeyDeveloper, KeyUser} {
		assert.NotPanics(t, func() {
			assert.NotEmpty(t, MustGet(CoachingFile, key))
		})
	}
}

func TestFormat(t *testing.T) {
	template := "Coach {{.Speaker}} as {{.Role}}."
	data := map[string]string{
		"Speaker": "Alice",
		"Role":    "chair",
	}

	assert.Equal(t, "Coach Alice as chair.", Format(template, data))
}

func TestFormat_EmptyData(t *testing.T) {
	template := "Hello {{.Name}}"

	assert.Equal(t, template, Format(template, map[string]string{}))
}

func TestFormat_ValuesAreNotReexpanded(t *testing.T) {
	template := "{{.Payload}} / {{.Version}}"
	data := map[string]string{
		"Payload": "literal {{.Version}}",
		"Version": "v1",
	}

	assert.Equal(t, "literal {{.Version}} / v1", Format(template, data))
}

func TestUserTemplate_CarriesInputPayload(t *testing.T) {
	out := Format(MustGet(CoachingFile, KeyUser), map[string]string{
		"SchemaVersion": "mvp.v0.2.1",
		"Payload":       `{"meta":{}}`,
	})
	assert.Equal(t, "Analyze and return ONLY one JSON object conforming to mvp.v0.2.1.\n\nINPUT_PAYLOAD\n{\"meta\":{}}", out)
}

func TestBundledTemplates_HaveNoStrayPlaceholders(t *testing.T) {
	developer := Format(MustGet(CoachingFile, KeyDeveloper), map[string]string{
		"SchemaVersion":   "mvp.v0.2.1",
		"TaxonomyVersion": "v1.4",
		"OutputMode":      "single_meeting",
		"Patterns":        "agenda_clarity",
	})
	assert.NotContains(t, developer, "{{.")
}

func TestGet_ReturnsSameTemplateEachCall(t *testing.T) {
	first, err := Get(CoachingFile, KeyDeveloper)
	require.NoError(t, err)

	second, err := Get(CoachingFile, KeyDeveloper)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
