package db

import (
	"context"
	"fmt"
	"time"
)

// InsertFieldHistory writes field transition rows, skipping any whose
// change_key already exists. Returns the number of rows actually inserted;
// a fully idempotent rerun returns zero.
func (p *Pool) InsertFieldHistory(ctx context.Context, entries []FieldHistoryEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	const q = `
INSERT INTO caloo.happening_field_history (
	happening_id, field, old_value, new_value, change_key,
	source_happening_id, changed_at
)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (change_key) DO NOTHING`

	var inserted int64
	for _, e := range entries {
		if e.ChangeKey == "" {
			return inserted, fmt.Errorf("field history entry for happening %d field %s has no change key", e.HappeningID, e.Field)
		}
		changedAt := e.ChangedAt
		if changedAt.IsZero() {
			changedAt = time.Now().UTC()
		}
		tag, err := p.Exec(ctx, q,
			e.HappeningID, e.Field, e.OldValue, e.NewValue, e.ChangeKey,
			e.SourceHappeningID, changedAt,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert field history: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// ListFieldHistory returns the transitions for one happening, newest first.
func (p *Pool) ListFieldHistory(ctx context.Context, happeningID int64, limit int) ([]FieldHistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	const q = `
SELECT
	field_history_id,
	field_history_uuid::text,
	happening_id,
	field,
	old_value,
	new_value,
	change_key,
	source_happening_id,
	changed_at
FROM caloo.happening_field_history
WHERE happening_id = ?
ORDER BY changed_at DESC, field_history_id DESC
LIMIT ?`

	rows, err := p.Query(ctx, q, happeningID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FieldHistoryEntry
	for rows.Next() {
		var e FieldHistoryEntry
		if err := rows.Scan(
			&e.FieldHistoryID,
			&e.FieldHistoryUUID,
			&e.HappeningID,
			&e.Field,
			&e.OldValue,
			&e.NewValue,
			&e.ChangeKey,
			&e.SourceHappeningID,
			&e.ChangedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
