package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/meeting-coach/internal/types"
)

// -----------------------------------------------------------------------------
// Experiments
// -----------------------------------------------------------------------------

const experimentColumns = `id, experiment_id, title, instruction, success_marker, pattern_id,
	coachee_id, baseline_pack_id, created_from_run_id, status, created_at, updated_at`

func scanExperiment(row scanner) (*types.Experiment, error) {
	var e types.Experiment
	if err := row.Scan(&e.ID, &e.ExperimentID, &e.Title, &e.Instruction, &e.SuccessMarker, &e.PatternID,
		&e.CoacheeID, &e.BaselinePackID, &e.CreatedFromRunID, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateExperimentIfAbsent inserts exp unless its originating run already has one
func (db *DB) CreateExperimentIfAbsent(ctx context.Context, exp *types.Experiment) (*types.Experiment, bool, error) {
	if exp.CreatedFromRunID == "" {
		return nil, false, fmt.Errorf("experiment created-from run id is required")
	}
	id := exp.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := exp.Status
	if status == "" {
		status = types.ExperimentAssigned
	}

	created, err := scanExperiment(db.pool.QueryRow(ctx,
		`INSERT INTO experiments (id, experiment_id, title, instruction, success_marker, pattern_id,
		                          coachee_id, baseline_pack_id, created_from_run_id, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (created_from_run_id) DO NOTHING
		 RETURNING `+experimentColumns,
		id, exp.ExperimentID, exp.Title, exp.Instruction, exp.SuccessMarker, exp.PatternID,
		exp.CoacheeID, exp.BaselinePackID, exp.CreatedFromRunID, status,
	))
	if err == nil {
		return created, true, nil
	}
	if !notFound(err) {
		return nil, false, fmt.Errorf("failed to create experiment: %w", err)
	}

	existing, err := db.FindExperimentByRunID(ctx, exp.CreatedFromRunID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("experiment for run %s vanished after conflict", exp.CreatedFromRunID)
	}
	return existing, false, nil
}

// FindExperimentByRunID returns the experiment created from a run
func (db *DB) FindExperimentByRunID(ctx context.Context, runID string) (*types.Experiment, error) {
	e, err := scanExperiment(db.pool.QueryRow(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE created_from_run_id = $1`, runID))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find experiment: %w", err)
	}
	return e, nil
}

// ListOpenExperiments returns the coachee's assigned and active experiments, oldest first
func (db *DB) ListOpenExperiments(ctx context.Context, coacheeID string) ([]types.Experiment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+experimentColumns+` FROM experiments
		 WHERE coachee_id = $1 AND status IN ('assigned', 'active')
		 ORDER BY created_at, id`, coacheeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open experiments: %w", err)
	}
	defer rows.Close()

	var out []types.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// UpdateExperimentStatus moves an experiment between statuses
func (db *DB) UpdateExperimentStatus(ctx context.Context, id string, from, to types.ExperimentStatus) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE experiments SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update experiment %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM experiments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to look up experiment %s: %w", id, err)
	}
	if !exists {
		return false, fmt.Errorf("experiment %s not found", id)
	}
	return false, nil
}

// -----------------------------------------------------------------------------
// Experiment events
// -----------------------------------------------------------------------------

const eventColumns = `id, idempotency_key, experiment_record_id, experiment_id, run_id, coachee_id,
	transcript_id, meeting_date, attempt, attempt_count, quotes, created_at`

func scanEvent(row scanner) (*types.ExperimentEvent, error) {
	var ev types.ExperimentEvent
	var quotesJSON []byte
	if err := row.Scan(&ev.ID, &ev.IdempotencyKey, &ev.ExperimentRecordID, &ev.ExperimentID, &ev.RunID, &ev.CoacheeID,
		&ev.TranscriptID, &ev.MeetingDate, &ev.Attempt, &ev.AttemptCount, &quotesJSON, &ev.CreatedAt); err != nil {
		return nil, err
	}
	quotes, err := decodeJSON[[]types.Quote](quotesJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode quotes of experiment event %s: %w", ev.ID, err)
	}
	if quotes != nil && len(*quotes) > 0 {
		ev.Quotes = *quotes
	}
	return &ev, nil
}

// CreateExperimentEventIfAbsent inserts ev unless its idempotency key exists
func (db *DB) CreateExperimentEventIfAbsent(ctx context.Context, ev *types.ExperimentEvent) (*types.ExperimentEvent, bool, error) {
	if ev.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("experiment event idempotency key is required")
	}
	id := ev.ID
	if id == "" {
		id = uuid.New().String()
	}
	quotesJSON, err := jsonList(ev.Quotes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal event quotes: %w", err)
	}

	created, err := scanEvent(db.pool.QueryRow(ctx,
		`INSERT INTO experiment_events (id, idempotency_key, experiment_record_id, experiment_id, run_id,
		                                coachee_id, transcript_id, meeting_date, attempt, attempt_count, quotes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING `+eventColumns,
		id, ev.IdempotencyKey, ev.ExperimentRecordID, ev.ExperimentID, ev.RunID,
		ev.CoacheeID, ev.TranscriptID, ev.MeetingDate, ev.Attempt, ev.AttemptCount, quotesJSON,
	))
	if err == nil {
		return created, true, nil
	}
	if !notFound(err) {
		return nil, false, fmt.Errorf("failed to create experiment event: %w", err)
	}

	existing, err := scanEvent(db.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM experiment_events WHERE idempotency_key = $1`, ev.IdempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("failed to get experiment event: %w", err)
	}
	return existing, false, nil
}

// ListExperimentEvents returns an experiment's events, oldest first
func (db *DB) ListExperimentEvents(ctx context.Context, experimentRecordID string) ([]types.ExperimentEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM experiment_events
		 WHERE experiment_record_id = $1
		 ORDER BY created_at, id`, experimentRecordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiment events: %w", err)
	}
	defer rows.Close()

	var out []types.ExperimentEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}
