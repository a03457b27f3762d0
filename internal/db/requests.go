package db

import (
	"context"
	"fmt"

	"github.com/jonathan/meeting-coach/internal/store"
	"github.com/jonathan/meeting-coach/internal/types"
)

// -----------------------------------------------------------------------------
// Run requests
// -----------------------------------------------------------------------------

const requestColumns = `id, transcript_id, coachee_id, target_speaker_label, target_speaker_name,
	target_role, analysis_type, config_id, status, run_id, error, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRunRequest(row scanner) (*types.RunRequest, error) {
	var r types.RunRequest
	var errorJSON []byte
	if err := row.Scan(&r.ID, &r.TranscriptID, &r.CoacheeID, &r.TargetSpeakerLabel, &r.TargetSpeakerName,
		&r.TargetRole, &r.AnalysisType, &r.ConfigID, &r.Status, &r.RunID, &errorJSON, &r.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if r.Error, err = decodeJSON[types.ErrorPayload](errorJSON); err != nil {
		return nil, fmt.Errorf("failed to decode error of run request %s: %w", r.ID, err)
	}
	return &r, nil
}

// GetRunRequest retrieves a run request by id
func (db *DB) GetRunRequest(ctx context.Context, id string) (*types.RunRequest, error) {
	r, err := scanRunRequest(db.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM run_requests WHERE id = $1`, id))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run request: %w", err)
	}
	return r, nil
}

// UpdateRunRequest applies upd unless the request is already terminal
func (db *DB) UpdateRunRequest(ctx context.Context, id string, upd store.RunRequestUpdate) (bool, error) {
	errorArg, err := jsonArg(upd.Error)
	if err != nil {
		return false, fmt.Errorf("failed to marshal run request error: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE run_requests
		 SET status = $2, run_id = COALESCE(NULLIF($3, ''), run_id), error = $4, updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ('complete', 'error')`,
		id, upd.Status, upd.RunID, errorArg,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update run request %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM run_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to look up run request %s: %w", id, err)
	}
	if !exists {
		return false, fmt.Errorf("run request %s not found", id)
	}
	return false, nil
}

// ListRunRequestsByRun returns the requests linked to a run, ordered by id
func (db *DB) ListRunRequestsByRun(ctx context.Context, runID string) ([]types.RunRequest, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM run_requests WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run requests: %w", err)
	}
	defer rows.Close()

	var out []types.RunRequest
	for rows.Next() {
		r, err := scanRunRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run request: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Transcripts and configs
// -----------------------------------------------------------------------------

// GetTranscript retrieves a transcript by id
func (db *DB) GetTranscript(ctx context.Context, id string) (*types.Transcript, error) {
	var t types.Transcript
	var labelsJSON, turnsJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, title, meeting_type, meeting_date, text, speaker_labels, turns
		 FROM transcripts WHERE id = $1`, id,
	).Scan(&t.ID, &t.Title, &t.MeetingType, &t.MeetingDate, &t.Text, &labelsJSON, &turnsJSON)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}

	labels, err := decodeJSON[[]string](labelsJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode speaker labels of transcript %s: %w", id, err)
	}
	if labels != nil {
		t.SpeakerLabels = *labels
	}
	turns, err := decodeJSON[[]types.Turn](turnsJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode turns of transcript %s: %w", id, err)
	}
	if turns != nil {
		t.Turns = *turns
	}
	return &t, nil
}

// GetConfig retrieves a config bundle by id
func (db *DB) GetConfig(ctx context.Context, id string) (*types.ConfigBundle, error) {
	var c types.ConfigBundle
	err := db.pool.QueryRow(ctx,
		`SELECT id, version, name, system_prompt, taxonomy_block, model, max_output_tokens
		 FROM config_bundles WHERE id = $1`, id,
	).Scan(&c.ID, &c.Version, &c.Name, &c.SystemPrompt, &c.TaxonomyBlock, &c.Model, &c.MaxOutputTokens)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get config: %w", err)
	}
	return &c, nil
}
