package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/meeting-coach/internal/types"
)

func TestParseJobs(t *testing.T) {
	tests := []struct {
		name    string
		specs   []string
		want    []types.Job
		wantErr string
	}{
		{
			name:  "single and baseline",
			specs: []string{"single_meeting:req-1", " baseline_pack_build : pack-1 "},
			want: []types.Job{
				{Kind: types.JobSingleMeeting, RequestRef: "req-1"},
				{Kind: types.JobBaselinePackBuild, RequestRef: "pack-1"},
			},
		},
		{name: "no separator", specs: []string{"single_meeting"}, wantErr: "expected <kind>:<ref>"},
		{name: "unknown kind", specs: []string{"weekly:req-1"}, wantErr: "invalid job"},
		{name: "empty ref", specs: []string{"single_meeting:"}, wantErr: "invalid job"},
		{name: "nothing", specs: nil, want: []types.Job{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := parseJobs(tt.specs)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, jobs)
		})
	}
}

func TestValidateCommand_Passes(t *testing.T) {
	in := filepath.Join("testdata", "response_pass.json")
	issuesPath := filepath.Join(t.TempDir(), "issues.json")

	stdout, _, err := execute(t, "validate", "--in", in, "--transcript", filepath.Join("testdata", "transcript.json"), "--out", issuesPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "GATE-1 PASSED")

	data, err := os.ReadFile(issuesPath)
	require.NoError(t, err)
	var issues []types.ValidationIssue
	require.NoError(t, json.Unmarshal(data, &issues))
	for _, issue := range issues {
		assert.NotEqual(t, types.SeverityError, issue.Severity)
	}
}

func TestValidateCommand_UnknownSpeakerFails(t *testing.T) {
	in := filepath.Join("testdata", "response_pass.json")
	issuesPath := filepath.Join(t.TempDir(), "issues.json")

	_, _, err := execute(t, "validate", "--in", in, "--speakers", "Bob,Carol", "--out", issuesPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gate-1 rejected the response")

	data, err := os.ReadFile(issuesPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Alice")
}

func TestValidateCommand_Errors(t *testing.T) {
	dir := t.TempDir()
	notJSON := filepath.Join(dir, "reply.txt")
	require.NoError(t, os.WriteFile(notJSON, []byte("I could not analyze this meeting."), 0644))
	pass := filepath.Join("testdata", "response_pass.json")

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "missing input flag", args: []string{"validate", "--speakers", "Alice"}, wantErr: "required flag"},
		{name: "missing file", args: []string{"validate", "--in", filepath.Join(dir, "nope.json"), "--speakers", "Alice"}, wantErr: "failed to read response file"},
		{name: "no speakers", args: []string{"validate", "--in", pass}, wantErr: "no speakers given"},
		{name: "bad analysis type", args: []string{"validate", "--in", pass, "--speakers", "Alice", "--analysis-type", "weekly"}, wantErr: "invalid --analysis-type"},
		{name: "not json", args: []string{"validate", "--in", notJSON, "--speakers", "Alice"}, wantErr: "not a JSON document"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestProcessCommand_Single(t *testing.T) {
	memoryEnv(t)
	stub := useStubClient(t, readTestdata(t, "response_pass.json"))

	stdout, _, err := execute(t, "process", "single", "req-1", "--json")
	require.NoError(t, err)
	assert.Equal(t, 1, stub.calls)

	var outcome map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &outcome))
	assert.Equal(t, "req-1", outcome["request_id"])
	assert.Equal(t, string(types.RunComplete), outcome["status"])
	assert.Equal(t, true, outcome["gate1_pass"])
	assert.Equal(t, true, outcome["model_called"])
	assert.NotEmpty(t, outcome["run_id"])
}

func TestProcessCommand_ParseFailure(t *testing.T) {
	memoryEnv(t)
	useStubClient(t, "Sorry, I cannot help with that.")

	stdout, _, err := execute(t, "process", "single", "req-1", "--json")
	require.NoError(t, err)

	var outcome struct {
		Status types.RunStatus     `json:"status"`
		Error  *types.ErrorPayload `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &outcome))
	assert.Equal(t, types.RunError, outcome.Status)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, types.KindParse, outcome.Error.Kind)
}

func TestProcessCommand_Summary(t *testing.T) {
	memoryEnv(t)
	useStubClient(t, readTestdata(t, "response_pass.json"))

	stdout, stderr, err := execute(t, "process", "single", "req-1", "-v")
	require.NoError(t, err)
	assert.Contains(t, stdout, "req-1")
	assert.NotEmpty(t, stderr, "verbose mode prints progress steps")
}

func TestProcessCommand_Errors(t *testing.T) {
	memoryEnv(t)
	useStubClient(t, "{}")

	_, _, err := execute(t, "process", "weekly", "req-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")

	_, _, err = execute(t, "process", "single")
	require.Error(t, err)

	t.Setenv("LLM_API_KEY", "")
	_, _, err = execute(t, "process", "single", "req-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key is required")
}

func TestEnqueueCommand_NeedsNATS(t *testing.T) {
	memoryEnv(t)

	_, _, err := execute(t, "enqueue", "single_meeting:req-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue needs the nats queue")

	_, _, err = execute(t, "enqueue", "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected <kind>:<ref>")
}

func TestMigrateCommand_PrintsSchema(t *testing.T) {
	memoryEnv(t)

	stdout, _, err := execute(t, "migrate", "--print")
	require.NoError(t, err)
	assert.Contains(t, stdout, "CREATE TABLE IF NOT EXISTS runs")
	assert.Contains(t, stdout, "CREATE TABLE IF NOT EXISTS experiment_events")
}
