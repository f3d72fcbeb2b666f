package db

import (
	"context"
	"fmt"
)

// GetProvenanceBySourceRow returns the provenance link for one source row,
// or ErrNoRows when the row was never merged. This is the dedupe fast path:
// a re-queued row that already has a link is a no-op.
func (p *Pool) GetProvenanceBySourceRow(ctx context.Context, sourceHappeningID int64) (*HappeningSource, error) {
	const q = `
SELECT
	happening_source_id,
	happening_source_uuid::text,
	happening_id,
	source_happening_id,
	source_id,
	is_primary,
	source_priority,
	confidence,
	decision,
	first_merged_at,
	merged_at
FROM caloo.happening_sources
WHERE source_happening_id = ? AND deleted_at IS NULL`

	var hs HappeningSource
	err := p.QueryRow(ctx, q, sourceHappeningID).Scan(
		&hs.HappeningSourceID,
		&hs.HappeningSourceUUID,
		&hs.HappeningID,
		&hs.SourceHappeningID,
		&hs.SourceID,
		&hs.IsPrimary,
		&hs.SourcePriority,
		&hs.Confidence,
		&hs.Decision,
		&hs.FirstMergedAt,
		&hs.MergedAt,
	)
	if err != nil {
		return nil, err
	}
	return &hs, nil
}

// UpsertProvenance records that a source row contributed to a happening.
// Keyed on the source row, so reprocessing refreshes the link instead of
// duplicating it; first_merged_at survives refreshes. A primary link demotes
// the previous primary in the same transaction: a happening carries at most
// one primary at any point.
func (p *Pool) UpsertProvenance(ctx context.Context, hs *HappeningSource) error {
	if hs == nil {
		return fmt.Errorf("provenance link is nil")
	}

	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if hs.IsPrimary {
		if _, err := tx.Exec(ctx, `
UPDATE caloo.happening_sources
SET is_primary = FALSE, updated_at = now()
WHERE happening_id = ? AND is_primary AND source_happening_id <> ?`,
			hs.HappeningID, hs.SourceHappeningID); err != nil {
			return fmt.Errorf("demote previous primary: %w", err)
		}
	}

	const q = `
INSERT INTO caloo.happening_sources (
	happening_id, source_happening_id, source_id,
	is_primary, source_priority, confidence, decision,
	first_merged_at, merged_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, now(), now())
ON CONFLICT (source_happening_id) DO UPDATE SET
	happening_id = EXCLUDED.happening_id,
	is_primary = EXCLUDED.is_primary,
	source_priority = EXCLUDED.source_priority,
	confidence = EXCLUDED.confidence,
	decision = EXCLUDED.decision,
	merged_at = now(),
	deleted_at = NULL,
	updated_at = now()`

	if _, err := tx.Exec(ctx, q,
		hs.HappeningID, hs.SourceHappeningID, hs.SourceID,
		hs.IsPrimary, hs.SourcePriority, hs.Confidence, hs.Decision,
	); err != nil {
		return fmt.Errorf("upsert provenance: %w", err)
	}
	return tx.Commit(ctx)
}

// fieldPrecedenceOrder is the one sort key behind field precedence: the
// explicit primary wins, then the stronger source, ties broken by most
// recent merge. Every consumer of "which source owns this field" goes
// through this ordering.
const fieldPrecedenceOrder = "is_primary DESC, source_priority DESC, merged_at DESC"

// PrimaryProvenance returns the winning provenance link for a happening
// under fieldPrecedenceOrder.
func (p *Pool) PrimaryProvenance(ctx context.Context, happeningID int64) (*HappeningSource, error) {
	q := `
SELECT
	happening_source_id,
	happening_source_uuid::text,
	happening_id,
	source_happening_id,
	source_id,
	is_primary,
	source_priority,
	confidence,
	decision,
	first_merged_at,
	merged_at
FROM caloo.happening_sources
WHERE happening_id = ? AND deleted_at IS NULL
ORDER BY ` + fieldPrecedenceOrder + `
LIMIT 1`

	var hs HappeningSource
	err := p.QueryRow(ctx, q, happeningID).Scan(
		&hs.HappeningSourceID,
		&hs.HappeningSourceUUID,
		&hs.HappeningID,
		&hs.SourceHappeningID,
		&hs.SourceID,
		&hs.IsPrimary,
		&hs.SourcePriority,
		&hs.Confidence,
		&hs.Decision,
		&hs.FirstMergedAt,
		&hs.MergedAt,
	)
	if err != nil {
		return nil, err
	}
	return &hs, nil
}

// ReassignPrimary clears is_primary on all links of a happening, then sets
// it on the given source row. Used by review resolution.
func (p *Pool) ReassignPrimary(ctx context.Context, happeningID, sourceHappeningID int64) error {
	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
UPDATE caloo.happening_sources
SET is_primary = FALSE, updated_at = now()
WHERE happening_id = ?`, happeningID); err != nil {
		return fmt.Errorf("clear primary flags: %w", err)
	}

	tag, err := tx.Exec(ctx, `
UPDATE caloo.happening_sources
SET is_primary = TRUE, updated_at = now()
WHERE happening_id = ? AND source_happening_id = ?`, happeningID, sourceHappeningID)
	if err != nil {
		return fmt.Errorf("set primary flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set primary flag: %w", ErrNoRows)
	}

	return tx.Commit(ctx)
}

// CountProvenance returns the number of live provenance links per decision
// kind for a happening.
func (p *Pool) CountProvenance(ctx context.Context, happeningID int64) (map[string]int64, error) {
	const q = `
SELECT decision, COUNT(*)
FROM caloo.happening_sources
WHERE happening_id = ? AND deleted_at IS NULL
GROUP BY decision`

	rows, err := p.Query(ctx, q, happeningID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var decision string
		var n int64
		if err := rows.Scan(&decision, &n); err != nil {
			return nil, err
		}
		out[decision] = n
	}
	return out, rows.Err()
}
