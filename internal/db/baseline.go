package db

import (
	"context"
	"fmt"

	"github.com/jonathan/meeting-coach/internal/types"
)

// -----------------------------------------------------------------------------
// Baseline packs
// -----------------------------------------------------------------------------

const packColumns = `id, coachee_id, target_role, target_speaker_label, status, result_run_id,
	role_consistency, meeting_type_consistency, error, updated_at`

func scanPack(row scanner) (*types.BaselinePack, error) {
	var p types.BaselinePack
	var errorJSON []byte
	if err := row.Scan(&p.ID, &p.CoacheeID, &p.TargetRole, &p.TargetSpeakerLabel, &p.Status, &p.ResultRunID,
		&p.RoleConsistency, &p.MeetingTypeConsistency, &errorJSON, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.Error, err = decodeJSON[types.ErrorPayload](errorJSON); err != nil {
		return nil, fmt.Errorf("failed to decode error of baseline pack %s: %w", p.ID, err)
	}
	return &p, nil
}

// GetBaselinePack retrieves a pack by id
func (db *DB) GetBaselinePack(ctx context.Context, id string) (*types.BaselinePack, error) {
	p, err := scanPack(db.pool.QueryRow(ctx,
		`SELECT `+packColumns+` FROM baseline_packs WHERE id = $1`, id))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get baseline pack: %w", err)
	}
	return p, nil
}

// ListPackItems returns the pack's items ordered by position
func (db *DB) ListPackItems(ctx context.Context, packID string) ([]types.BaselinePackItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, pack_id, position, run_id, transcript_id, summary
		 FROM baseline_pack_items WHERE pack_id = $1 ORDER BY position`, packID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pack items: %w", err)
	}
	defer rows.Close()

	var items []types.BaselinePackItem
	for rows.Next() {
		var item types.BaselinePackItem
		var summaryJSON []byte
		if err := rows.Scan(&item.ID, &item.PackID, &item.Position, &item.RunID, &item.TranscriptID, &summaryJSON); err != nil {
			return nil, fmt.Errorf("failed to scan pack item: %w", err)
		}
		var err error
		if item.Summary, err = decodeJSON[types.MeetingSummary](summaryJSON); err != nil {
			return nil, fmt.Errorf("failed to decode summary of pack item %s: %w", item.ID, err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetPackItemSummary stores the meeting summary of one pack item
func (db *DB) SetPackItemSummary(ctx context.Context, itemID string, summary *types.MeetingSummary) error {
	summaryArg, err := jsonArg(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal pack item summary: %w", err)
	}
	tag, err := db.pool.Exec(ctx, `UPDATE baseline_pack_items SET summary = $2 WHERE id = $1`, itemID, summaryArg)
	if err != nil {
		return fmt.Errorf("failed to set summary of pack item %s: %w", itemID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("baseline pack item %s not found", itemID)
	}
	return nil
}

// TransitionBaselinePack moves a pack from one status to another. Empty
// update fields leave the stored values alone.
func (db *DB) TransitionBaselinePack(ctx context.Context, id string, from, to types.PackStatus, upd types.PackUpdate) (bool, error) {
	errorArg, err := jsonArg(upd.Error)
	if err != nil {
		return false, fmt.Errorf("failed to marshal baseline pack error: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE baseline_packs
		 SET status = $3,
		     result_run_id = COALESCE(NULLIF($4, ''), result_run_id),
		     role_consistency = COALESCE(NULLIF($5, ''), role_consistency),
		     meeting_type_consistency = COALESCE(NULLIF($6, ''), meeting_type_consistency),
		     error = COALESCE($7::jsonb, error),
		     updated_at = NOW()
		 WHERE id = $1 AND status = $2`,
		id, from, to, upd.ResultRunID, upd.RoleConsistency, upd.MeetingTypeConsistency, errorArg,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition baseline pack %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM baseline_packs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to look up baseline pack %s: %w", id, err)
	}
	if !exists {
		return false, fmt.Errorf("baseline pack %s not found", id)
	}
	return false, nil
}

// LatestReadyBaseline returns the coachee's most recently completed pack
func (db *DB) LatestReadyBaseline(ctx context.Context, coacheeID string) (*types.BaselinePack, error) {
	p, err := scanPack(db.pool.QueryRow(ctx,
		`SELECT `+packColumns+` FROM baseline_packs
		 WHERE coachee_id = $1 AND status = 'baseline_ready'
		 ORDER BY updated_at DESC, id DESC
		 LIMIT 1`, coacheeID))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest baseline: %w", err)
	}
	return p, nil
}
