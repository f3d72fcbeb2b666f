package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// InsertMergeRun records the start of a canonicalization run.
func (p *Pool) InsertMergeRun(ctx context.Context, runUUID, mode string) (int64, error) {
	if strings.TrimSpace(runUUID) == "" {
		return 0, fmt.Errorf("run uuid is required")
	}
	switch mode {
	case "dry", "live":
	default:
		return 0, fmt.Errorf("invalid merge run mode %q", mode)
	}

	const q = `
INSERT INTO caloo.merge_runs (merge_run_uuid, mode, status)
VALUES (?::uuid, ?, 'running')
RETURNING merge_run_id`

	var id int64
	if err := p.QueryRow(ctx, q, runUUID, mode).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert merge run: %w", err)
	}
	return id, nil
}

// FinishMergeRun closes a run with its final stats payload.
func (p *Pool) FinishMergeRun(ctx context.Context, runID int64, status string, stats json.RawMessage, errorMessage *string) error {
	switch status {
	case "completed", "failed":
	default:
		return fmt.Errorf("invalid merge run status %q", status)
	}

	const q = `
UPDATE caloo.merge_runs
SET status = ?,
	stats = ?,
	error_message = ?,
	finished_at = now()
WHERE merge_run_id = ? AND status = 'running'`

	tag, err := p.Exec(ctx, q, status, stats, errorMessage, runID)
	if err != nil {
		return fmt.Errorf("finish merge run %d: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish merge run %d: %w", runID, ErrNoRows)
	}
	return nil
}

// ListMergeRuns returns recent runs, newest first.
func (p *Pool) ListMergeRuns(ctx context.Context, limit int) ([]MergeRun, error) {
	if limit <= 0 {
		limit = 20
	}

	const q = `
SELECT
	merge_run_id,
	merge_run_uuid::text,
	mode,
	status,
	started_at,
	finished_at,
	stats,
	error_message
FROM caloo.merge_runs
ORDER BY started_at DESC, merge_run_id DESC
LIMIT ?`

	rows, err := p.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MergeRun
	for rows.Next() {
		var r MergeRun
		if err := rows.Scan(
			&r.MergeRunID,
			&r.MergeRunUUID,
			&r.Mode,
			&r.Status,
			&r.StartedAt,
			&r.FinishedAt,
			&r.Stats,
			&r.ErrorMessage,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats is the aggregate snapshot served by the stats command and ops API.
type Stats struct {
	QueueDepths     map[string]int64 `json:"queue_depths"`
	Happenings      int64            `json:"happenings"`
	Published       int64            `json:"published"`
	Offerings       int64            `json:"offerings"`
	Occurrences     int64            `json:"occurrences"`
	OpenReviews     int64            `json:"open_reviews"`
	ProvenanceLinks int64            `json:"provenance_links"`
	HistoryEntries  int64            `json:"history_entries"`

	// OrphanedPublished counts published happenings without a single
	// provenance link. Every published entity should trace back to at
	// least one source row; a non-zero value here is a data defect.
	OrphanedPublished int64 `json:"orphaned_published"`
}

// CollectStats gathers table counts for operational reporting.
func (p *Pool) CollectStats(ctx context.Context) (*Stats, error) {
	depths, err := p.QueueDepths(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}

	const q = `
SELECT
	(SELECT COUNT(*) FROM caloo.happenings),
	(SELECT COUNT(*) FROM caloo.happenings WHERE visibility = 'published'),
	(SELECT COUNT(*) FROM caloo.offerings WHERE deleted_at IS NULL),
	(SELECT COUNT(*) FROM caloo.occurrences),
	(SELECT COUNT(*) FROM caloo.canonicalization_reviews WHERE status = 'open'),
	(SELECT COUNT(*) FROM caloo.happening_sources WHERE deleted_at IS NULL),
	(SELECT COUNT(*) FROM caloo.happening_field_history),
	(SELECT COUNT(*) FROM caloo.happenings h
	 WHERE h.visibility = 'published'
	   AND NOT EXISTS (
		SELECT 1 FROM caloo.happening_sources hs
		WHERE hs.happening_id = h.happening_id AND hs.deleted_at IS NULL))`

	s := Stats{QueueDepths: depths}
	err = p.QueryRow(ctx, q).Scan(
		&s.Happenings,
		&s.Published,
		&s.Offerings,
		&s.Occurrences,
		&s.OpenReviews,
		&s.ProvenanceLinks,
		&s.HistoryEntries,
		&s.OrphanedPublished,
	)
	if err != nil {
		return nil, fmt.Errorf("collect stats: %w", err)
	}
	return &s, nil
}
