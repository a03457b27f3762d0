// Package idempotency derives the deterministic keys that make engine writes safe to repeat.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/jonathan/meeting-coach/internal/types"
)

// RunKeyInput is the logical identity of a single-meeting analysis request
type RunKeyInput struct {
	TranscriptID       string
	AnalysisType       types.AnalysisType
	CoacheeID          string
	TargetSpeakerLabel string
	TargetRole         string
	ConfigVersion      string
}

// RunKey returns the run idempotency key for in. The speaker label is
// compared case-insensitively; every other component is used verbatim.
func RunKey(in RunKeyInput) (string, error) {
	if in.TranscriptID == "" {
		return "", fmt.Errorf("idempotency: transcript id is required")
	}
	if in.AnalysisType == "" {
		return "", fmt.Errorf("idempotency: analysis type is required")
	}
	if in.ConfigVersion == "" {
		return "", fmt.Errorf("idempotency: config version is required")
	}
	return computeHash(
		in.TranscriptID,
		string(in.AnalysisType),
		in.CoacheeID,
		strings.ToLower(strings.TrimSpace(in.TargetSpeakerLabel)),
		in.TargetRole,
		in.ConfigVersion,
	), nil
}

// BaselineBuildKey returns the key of a pack's build run. A pack is built
// at most once, so its own id is the key.
func BaselineBuildKey(packID string) string {
	return packID
}

// ExperimentEventKey returns the key of the attempt event for (run, experiment)
func ExperimentEventKey(runID, experimentID string) string {
	return computeHash(runID, experimentID)
}

// IssueID returns a stable id for the n-th issue recorded against subject,
// so re-persisting the same Gate-1 result never duplicates issues.
func IssueID(subject string, n int, rule, path string) string {
	return computeHash(subject, strconv.Itoa(n), rule, path)[:32]
}

var escaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`)

// computeHash computes SHA256 of the pipe-joined parts and returns hex string.
// Separators and backslashes inside a part are escaped, so distinct part
// lists never join to the same text; parts without either hash as plain
// pipe-joined text.
func computeHash(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = escaper.Replace(p)
	}
	hash := sha256.Sum256([]byte(strings.Join(escaped, "|")))
	return hex.EncodeToString(hash[:])
}
