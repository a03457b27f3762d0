package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/meeting-coach/internal/store"
	"github.com/jonathan/meeting-coach/internal/types"
)

// Seed upserts every record in snap in one transaction. It loads fixtures
// and backs the store contract tests; the engine never calls it.
func (db *DB) Seed(ctx context.Context, snap store.Snapshot) error {
	batch := &pgx.Batch{}

	for _, t := range snap.Transcripts {
		labels, err := jsonList(t.SpeakerLabels)
		if err != nil {
			return fmt.Errorf("failed to marshal speaker labels of %s: %w", t.ID, err)
		}
		turns, err := jsonList(t.Turns)
		if err != nil {
			return fmt.Errorf("failed to marshal turns of %s: %w", t.ID, err)
		}
		batch.Queue(
			`INSERT INTO transcripts (id, title, meeting_type, meeting_date, text, speaker_labels, turns)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET title = $2, meeting_type = $3, meeting_date = $4,
			     text = $5, speaker_labels = $6, turns = $7`,
			t.ID, t.Title, t.MeetingType, t.MeetingDate, t.Text, labels, turns)
	}

	for _, c := range snap.Configs {
		batch.Queue(
			`INSERT INTO config_bundles (id, version, name, system_prompt, taxonomy_block, model, max_output_tokens)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET version = $2, name = $3, system_prompt = $4,
			     taxonomy_block = $5, model = $6, max_output_tokens = $7`,
			c.ID, c.Version, c.Name, c.SystemPrompt, c.TaxonomyBlock, c.Model, c.MaxOutputTokens)
	}

	for _, r := range snap.RunRequests {
		status := r.Status
		if status == "" {
			status = types.RunQueued
		}
		errorArg, err := jsonArg(r.Error)
		if err != nil {
			return fmt.Errorf("failed to marshal error of run request %s: %w", r.ID, err)
		}
		batch.Queue(
			`INSERT INTO run_requests (id, transcript_id, coachee_id, target_speaker_label, target_speaker_name,
			                           target_role, analysis_type, config_id, status, run_id, error)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (id) DO UPDATE SET transcript_id = $2, coachee_id = $3, target_speaker_label = $4,
			     target_speaker_name = $5, target_role = $6, analysis_type = $7, config_id = $8,
			     status = $9, run_id = $10, error = $11, updated_at = NOW()`,
			r.ID, r.TranscriptID, r.CoacheeID, r.TargetSpeakerLabel, r.TargetSpeakerName,
			r.TargetRole, r.AnalysisType, r.ConfigID, status, r.RunID, errorArg)
	}

	for _, r := range snap.Runs {
		if err := queueRun(batch, r); err != nil {
			return err
		}
	}

	for _, p := range snap.BaselinePacks {
		status := p.Status
		if status == "" {
			status = types.PackIntake
		}
		errorArg, err := jsonArg(p.Error)
		if err != nil {
			return fmt.Errorf("failed to marshal error of baseline pack %s: %w", p.ID, err)
		}
		batch.Queue(
			`INSERT INTO baseline_packs (id, coachee_id, target_role, target_speaker_label, status,
			                             result_run_id, role_consistency, meeting_type_consistency, error, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()))
			 ON CONFLICT (id) DO UPDATE SET coachee_id = $2, target_role = $3, target_speaker_label = $4,
			     status = $5, result_run_id = $6, role_consistency = $7, meeting_type_consistency = $8,
			     error = $9, updated_at = COALESCE($10, NOW())`,
			p.ID, p.CoacheeID, p.TargetRole, p.TargetSpeakerLabel, status,
			p.ResultRunID, p.RoleConsistency, p.MeetingTypeConsistency, errorArg, timeArg(p.UpdatedAt))
	}

	for _, item := range snap.PackItems {
		summaryArg, err := jsonArg(item.Summary)
		if err != nil {
			return fmt.Errorf("failed to marshal summary of pack item %s: %w", item.ID, err)
		}
		batch.Queue(
			`INSERT INTO baseline_pack_items (id, pack_id, position, run_id, transcript_id, summary)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO UPDATE SET pack_id = $2, position = $3, run_id = $4, transcript_id = $5,
			     summary = $6`,
			item.ID, item.PackID, item.Position, item.RunID, item.TranscriptID, summaryArg)
	}

	for _, e := range snap.Experiments {
		status := e.Status
		if status == "" {
			status = types.ExperimentAssigned
		}
		batch.Queue(
			`INSERT INTO experiments (id, experiment_id, title, instruction, success_marker, pattern_id,
			                          coachee_id, baseline_pack_id, created_from_run_id, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, NOW()))
			 ON CONFLICT (id) DO UPDATE SET experiment_id = $2, title = $3, instruction = $4,
			     success_marker = $5, pattern_id = $6, coachee_id = $7, baseline_pack_id = $8,
			     created_from_run_id = $9, status = $10, updated_at = NOW()`,
			e.ID, e.ExperimentID, e.Title, e.Instruction, e.SuccessMarker, e.PatternID,
			e.CoacheeID, e.BaselinePackID, e.CreatedFromRunID, status, timeArg(e.CreatedAt))
	}

	if batch.Len() == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to seed records: %w", err)
		}
		return nil
	})
}

func queueRun(batch *pgx.Batch, r types.Run) error {
	status := r.Status
	if status == "" {
		status = types.RunQueued
	}
	outputArg, err := jsonArg(r.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal output of run %s: %w", r.ID, err)
	}
	errorArg, err := jsonArg(r.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal error of run %s: %w", r.ID, err)
	}
	batch.Queue(
		`INSERT INTO runs (id, idempotency_key, status, gate1_pass, analysis_type, transcript_id,
		                   baseline_pack_id, coachee_id, target_speaker_label, target_speaker_name, target_role,
		                   config_ref, model, request_payload, raw_output, output, error, claim_token, claimed_at,
		                   experiment_instantiated, attempt_event_created, side_effect_error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
		         $20, $21, $22, COALESCE($23, NOW()))
		 ON CONFLICT (id) DO UPDATE SET idempotency_key = $2, status = $3, gate1_pass = $4,
		     analysis_type = $5, transcript_id = $6, baseline_pack_id = $7, coachee_id = $8,
		     target_speaker_label = $9, target_speaker_name = $10, target_role = $11, config_ref = $12,
		     model = $13, request_payload = $14, raw_output = $15, output = $16, error = $17,
		     claim_token = $18, claimed_at = $19, experiment_instantiated = $20,
		     attempt_event_created = $21, side_effect_error = $22, updated_at = NOW()`,
		r.ID, r.IdempotencyKey, status, r.Gate1Pass, r.AnalysisType, r.TranscriptID,
		r.BaselinePackID, r.CoacheeID, r.TargetSpeakerLabel, r.TargetSpeakerName, r.TargetRole,
		r.ConfigRef, r.Model, r.RequestPayload, r.RawOutput, outputArg, errorArg, r.ClaimToken, r.ClaimedAt,
		r.ExperimentInstantiated, r.AttemptEventCreated, r.SideEffectError, timeArg(r.CreatedAt))
	return nil
}

// timeArg maps the zero time to NULL so the column default applies
func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
