package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jonathan/meeting-coach/internal/llm"
)

// execute runs the root command in-process and returns its stdout and stderr
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Cleanup(func() { resetFlags(rootCmd) })

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// resetFlags puts every flag back to its default so commands do not leak
// state between executions
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// memoryEnv points the engine at the testdata fixtures with an in-process queue
func memoryEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_URL", "NATS_URL", "LLM_MODEL", "LLM_MAX_OUTPUT_TOKENS", "LOG_FILE_PATH",
		"OTEL_ENABLED", "OPENAI_API_KEY", "GEMINI_API_KEY", "CLAIM_LEASE", "MODEL_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
	fixtures, err := filepath.Abs(filepath.Join("testdata", "fixtures.json"))
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("COACH_STORE", "memory")
	t.Setenv("COACH_FIXTURES", fixtures)
	t.Setenv("COACH_QUEUE", "channel")
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("GO_ENV", "development")
}

type stubClient struct {
	text  string
	calls int
}

func (s *stubClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.calls++
	return &llm.Response{Text: s.text, Model: req.Model}, nil
}

func (s *stubClient) Close() error { return nil }

// useStubClient makes commands talk to a client that always replies with text
func useStubClient(t *testing.T, text string) *stubClient {
	t.Helper()
	stub := &stubClient{text: text}
	prev := newLLMClient
	newLLMClient = func(context.Context, *llm.Config, string) (llm.Client, error) { return stub, nil }
	t.Cleanup(func() { newLLMClient = prev })
	return stub
}

func readTestdata(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}
