package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/meeting-coach/internal/runstate"
	"github.com/jonathan/meeting-coach/internal/types"
)

// -----------------------------------------------------------------------------
// Runs
// -----------------------------------------------------------------------------

const runColumns = `id, idempotency_key, status, gate1_pass, analysis_type, transcript_id,
	baseline_pack_id, coachee_id, target_speaker_label, target_speaker_name, target_role,
	config_ref, model, request_payload, raw_output, output, error, claim_token, claimed_at,
	experiment_instantiated, attempt_event_created, side_effect_error, created_at, updated_at`

func scanRun(row pgx.Row) (*types.Run, error) {
	var r types.Run
	var outputJSON, errorJSON []byte
	err := row.Scan(&r.ID, &r.IdempotencyKey, &r.Status, &r.Gate1Pass, &r.AnalysisType, &r.TranscriptID,
		&r.BaselinePackID, &r.CoacheeID, &r.TargetSpeakerLabel, &r.TargetSpeakerName, &r.TargetRole,
		&r.ConfigRef, &r.Model, &r.RequestPayload, &r.RawOutput, &outputJSON, &errorJSON, &r.ClaimToken, &r.ClaimedAt,
		&r.ExperimentInstantiated, &r.AttemptEventCreated, &r.SideEffectError, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if r.Output, err = decodeJSON[types.CoachingOutput](outputJSON); err != nil {
		return nil, fmt.Errorf("failed to decode output of run %s: %w", r.ID, err)
	}
	if r.Error, err = decodeJSON[types.ErrorPayload](errorJSON); err != nil {
		return nil, fmt.Errorf("failed to decode error of run %s: %w", r.ID, err)
	}
	return &r, nil
}

func (db *DB) getRun(ctx context.Context, column, arg string) (*types.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE `+column+` = $1`, arg))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// CreateRunIfAbsent inserts run unless its idempotency key is taken
func (db *DB) CreateRunIfAbsent(ctx context.Context, run *types.Run) (*types.Run, bool, error) {
	if run.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("run idempotency key is required")
	}
	id := run.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := run.Status
	if status == "" {
		status = types.RunQueued
	}
	outputArg, err := jsonArg(run.Output)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal run output: %w", err)
	}
	errorArg, err := jsonArg(run.Error)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal run error: %w", err)
	}

	created, err := scanRun(db.pool.QueryRow(ctx,
		`INSERT INTO runs (id, idempotency_key, status, gate1_pass, analysis_type, transcript_id,
		                   baseline_pack_id, coachee_id, target_speaker_label, target_speaker_name,
		                   target_role, config_ref, model, request_payload, raw_output, output, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING `+runColumns,
		id, run.IdempotencyKey, status, run.Gate1Pass, run.AnalysisType, run.TranscriptID,
		run.BaselinePackID, run.CoacheeID, run.TargetSpeakerLabel, run.TargetSpeakerName,
		run.TargetRole, run.ConfigRef, run.Model, run.RequestPayload, run.RawOutput, outputArg, errorArg,
	))
	if err == nil {
		return created, true, nil
	}
	if !notFound(err) {
		return nil, false, fmt.Errorf("failed to create run: %w", err)
	}

	// Lost the race to another writer; the key is now taken
	existing, err := db.GetRunByKey(ctx, run.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("run with key %s vanished after conflict", run.IdempotencyKey)
	}
	return existing, false, nil
}

// GetRun retrieves a run by id
func (db *DB) GetRun(ctx context.Context, id string) (*types.Run, error) {
	return db.getRun(ctx, "id", id)
}

// GetRunByKey retrieves a run by idempotency key
func (db *DB) GetRunByKey(ctx context.Context, key string) (*types.Run, error) {
	return db.getRun(ctx, "idempotency_key", key)
}

// ClaimRun takes a queued run, or a running run whose claim is older than lease
func (db *DB) ClaimRun(ctx context.Context, id, token string, now time.Time, lease time.Duration) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs
		 SET status = 'running', claim_token = $2, claimed_at = $3, updated_at = $3
		 WHERE id = $1
		   AND (status = 'queued'
		        OR (status = 'running' AND (claimed_at IS NULL OR claimed_at < $4)))`,
		id, token, now, now.Add(-lease),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim run %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, db.checkRunTransition(ctx, id, types.RunRunning)
}

// FinishRun writes a terminal result if the run is still running under token
func (db *DB) FinishRun(ctx context.Context, id, token string, res types.RunResult) (bool, error) {
	if !res.Status.Terminal() {
		return false, fmt.Errorf("finish status must be terminal, got %s", res.Status)
	}
	outputArg, err := jsonArg(res.Output)
	if err != nil {
		return false, fmt.Errorf("failed to marshal run output: %w", err)
	}
	errorArg, err := jsonArg(res.Error)
	if err != nil {
		return false, fmt.Errorf("failed to marshal run error: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE runs
		 SET status = $3, gate1_pass = $4, model = COALESCE(NULLIF($5, ''), model),
		     raw_output = $6, output = $7, error = $8, updated_at = NOW()
		 WHERE id = $1 AND status = 'running' AND claim_token = $2`,
		id, token, res.Status, res.Gate1Pass, res.Model, res.RawOutput, outputArg, errorArg,
	)
	if err != nil {
		return false, fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, db.checkRunTransition(ctx, id, res.Status)
}

// ReleaseRun hands a claimed run back to the queue
func (db *DB) ReleaseRun(ctx context.Context, id, token string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs
		 SET status = 'queued', claim_token = '', claimed_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'running' AND claim_token = $2`,
		id, token,
	)
	if err != nil {
		return false, fmt.Errorf("failed to release run %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, db.checkRunTransition(ctx, id, types.RunQueued)
}

// MarkRunSideEffects sets side-effect flags without clearing earlier ones
func (db *DB) MarkRunSideEffects(ctx context.Context, id string, fx types.SideEffects) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs
		 SET experiment_instantiated = experiment_instantiated OR $2,
		     attempt_event_created = attempt_event_created OR $3,
		     side_effect_error = COALESCE(NULLIF($4, ''), side_effect_error),
		     updated_at = NOW()
		 WHERE id = $1`,
		id, fx.ExperimentInstantiated, fx.AttemptEventCreated, fx.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to mark side effects of run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// SetRunRequestPayload records the exact prompt sent to the model
func (db *DB) SetRunRequestPayload(ctx context.Context, id, payload string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET request_payload = $2 WHERE id = $1`,
		id, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to set request payload of run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// checkRunTransition explains an update that matched no row: a missing run
// or a forbidden transition is an error, anything else a lost CAS
func (db *DB) checkRunTransition(ctx context.Context, id string, to types.RunStatus) error {
	var status types.RunStatus
	if err := db.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&status); err != nil {
		if notFound(err) {
			return fmt.Errorf("run %s not found", id)
		}
		return fmt.Errorf("failed to look up run %s: %w", id, err)
	}
	return runstate.Check(status, to)
}

// -----------------------------------------------------------------------------
// Validation issues
// -----------------------------------------------------------------------------

// CreateValidationIssues inserts issues in one batch, skipping known ids
func (db *DB) CreateValidationIssues(ctx context.Context, issues []types.ValidationIssue) error {
	if len(issues) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, issue := range issues {
		if issue.ID == "" {
			return fmt.Errorf("validation issue id is required")
		}
		batch.Queue(
			`INSERT INTO validation_issues (id, run_id, baseline_pack_id, severity, rule, path, value_class, message)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO NOTHING`,
			issue.ID, issue.RunID, issue.BaselinePackID, issue.Severity, issue.Rule,
			issue.Path, issue.ValueClass, issue.Message,
		)
	}

	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to create validation issues: %w", err)
		}
		return nil
	})
}

// ListValidationIssues returns issues recorded against a run or pack, in insertion order
func (db *DB) ListValidationIssues(ctx context.Context, subjectID string) ([]types.ValidationIssue, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, baseline_pack_id, severity, rule, path, value_class, message
		 FROM validation_issues
		 WHERE run_id = $1 OR baseline_pack_id = $1
		 ORDER BY seq`,
		subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list validation issues: %w", err)
	}
	defer rows.Close()

	var issues []types.ValidationIssue
	for rows.Next() {
		var issue types.ValidationIssue
		if err := rows.Scan(&issue.ID, &issue.RunID, &issue.BaselinePackID, &issue.Severity,
			&issue.Rule, &issue.Path, &issue.ValueClass, &issue.Message); err != nil {
			return nil, fmt.Errorf("failed to scan validation issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}
