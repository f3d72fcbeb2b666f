package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// GetSourceBySlug returns one source from the registry.
func (p *Pool) GetSourceBySlug(ctx context.Context, slug string) (*Source, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return nil, fmt.Errorf("source slug is required")
	}

	const q = `
SELECT
	source_id,
	source_uuid::text,
	slug,
	name,
	kind,
	tier,
	priority,
	base_url,
	timezone,
	allowed_patterns,
	enabled
FROM caloo.sources
WHERE slug = ?`

	var s Source
	err := p.QueryRow(ctx, q, slug).Scan(
		&s.SourceID,
		&s.SourceUUID,
		&s.Slug,
		&s.Name,
		&s.Kind,
		&s.Tier,
		&s.Priority,
		&s.BaseURL,
		&s.Timezone,
		&s.AllowedPatterns,
		&s.Enabled,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSourceByID returns one source by its numeric id.
func (p *Pool) GetSourceByID(ctx context.Context, sourceID int64) (*Source, error) {
	const q = `
SELECT
	source_id,
	source_uuid::text,
	slug,
	name,
	kind,
	tier,
	priority,
	base_url,
	timezone,
	allowed_patterns,
	enabled
FROM caloo.sources
WHERE source_id = ?`

	var s Source
	err := p.QueryRow(ctx, q, sourceID).Scan(
		&s.SourceID,
		&s.SourceUUID,
		&s.Slug,
		&s.Name,
		&s.Kind,
		&s.Tier,
		&s.Priority,
		&s.BaseURL,
		&s.Timezone,
		&s.AllowedPatterns,
		&s.Enabled,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListEnabledSources returns all enabled sources ordered by priority then slug.
func (p *Pool) ListEnabledSources(ctx context.Context) ([]Source, error) {
	const q = `
SELECT
	source_id,
	source_uuid::text,
	slug,
	name,
	kind,
	tier,
	priority,
	base_url,
	timezone,
	allowed_patterns,
	enabled
FROM caloo.sources
WHERE enabled
ORDER BY priority DESC, slug ASC`

	rows, err := p.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var s Source
		if err := rows.Scan(
			&s.SourceID,
			&s.SourceUUID,
			&s.Slug,
			&s.Name,
			&s.Kind,
			&s.Tier,
			&s.Priority,
			&s.BaseURL,
			&s.Timezone,
			&s.AllowedPatterns,
			&s.Enabled,
		); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertSource registers or updates a source by slug and returns its id.
func (p *Pool) UpsertSource(ctx context.Context, s *Source) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("source is nil")
	}
	if strings.TrimSpace(s.Slug) == "" {
		return 0, fmt.Errorf("source slug is required")
	}

	const q = `
INSERT INTO caloo.sources (slug, name, kind, tier, priority, base_url, timezone, allowed_patterns, enabled)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (slug) DO UPDATE SET
	name = EXCLUDED.name,
	kind = EXCLUDED.kind,
	tier = EXCLUDED.tier,
	priority = EXCLUDED.priority,
	base_url = EXCLUDED.base_url,
	timezone = EXCLUDED.timezone,
	allowed_patterns = EXCLUDED.allowed_patterns,
	enabled = EXCLUDED.enabled,
	updated_at = now()
RETURNING source_id`

	var id int64
	err := p.QueryRow(ctx, q,
		s.Slug, s.Name, s.Kind, s.Tier, s.Priority,
		s.BaseURL, s.Timezone, s.AllowedPatterns, s.Enabled,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert source %s: %w", s.Slug, err)
	}
	return id, nil
}

// UpsertSourceHappening inserts a raw item or refreshes its mutable crawl
// fields when the dedupe key already exists. Rows that were already
// processed keep their status; queued rows stay queued. Returns the row id
// and whether the row was newly inserted.
func (p *Pool) UpsertSourceHappening(ctx context.Context, row *SourceHappening) (int64, bool, error) {
	if row == nil {
		return 0, false, fmt.Errorf("source happening is nil")
	}
	if !strings.HasPrefix(row.DedupeKey, "v1|") {
		return 0, false, fmt.Errorf("dedupe key %q lacks the v1 version prefix", row.DedupeKey)
	}

	const q = `
INSERT INTO caloo.source_happenings (
	source_id, dedupe_key, title_raw, description_raw, location_raw,
	datetime_raw, url, image_url, external_id, payload, content_hash,
	start_at, end_at, start_date_local, end_date_local,
	date_precision, time_pattern, extraction_method, language,
	status, fetched_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'queued', ?)
ON CONFLICT (dedupe_key) DO UPDATE SET
	description_raw = EXCLUDED.description_raw,
	location_raw = EXCLUDED.location_raw,
	datetime_raw = EXCLUDED.datetime_raw,
	url = EXCLUDED.url,
	image_url = EXCLUDED.image_url,
	payload = EXCLUDED.payload,
	content_hash = EXCLUDED.content_hash,
	start_at = EXCLUDED.start_at,
	end_at = EXCLUDED.end_at,
	start_date_local = EXCLUDED.start_date_local,
	end_date_local = EXCLUDED.end_date_local,
	date_precision = EXCLUDED.date_precision,
	time_pattern = EXCLUDED.time_pattern,
	fetched_at = EXCLUDED.fetched_at,
	updated_at = now()
RETURNING source_happening_id, (xmax = 0) AS inserted`

	var id int64
	var inserted bool
	err := p.QueryRow(ctx, q,
		row.SourceID, row.DedupeKey, row.TitleRaw, row.DescriptionRaw, row.LocationRaw,
		row.DatetimeRaw, row.URL, row.ImageURL, row.ExternalID, row.Payload, row.ContentHash,
		row.StartAt, row.EndAt, row.StartDateLocal, row.EndDateLocal,
		row.DatePrecision, row.TimePattern, row.ExtractionMethod, row.Language,
		row.FetchedAt,
	).Scan(&id, &inserted)
	if err != nil {
		return 0, false, fmt.Errorf("upsert source happening: %w", err)
	}
	return id, inserted, nil
}

// FetchQueued returns the next batch of rows awaiting canonicalization in
// FIFO order, strictly after the given row id so batches page without
// overlap. Rows with a malformed dedupe key are never picked up.
func (p *Pool) FetchQueued(ctx context.Context, limit int, afterID int64, includeNeedsReview bool) ([]SourceHappening, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}

	statuses := []string{"queued"}
	if includeNeedsReview {
		statuses = append(statuses, "needs_review")
	}

	q := `
SELECT
	source_happening_id,
	source_happening_uuid::text,
	source_id,
	dedupe_key,
	title_raw,
	description_raw,
	location_raw,
	datetime_raw,
	url,
	image_url,
	external_id,
	start_at,
	end_at,
	start_date_local::text,
	end_date_local::text,
	date_precision,
	time_pattern,
	extraction_method,
	language,
	status
FROM caloo.source_happenings
WHERE status IN ?
  AND source_happening_id > ?
  AND dedupe_key LIKE 'v1|%'
ORDER BY source_happening_id ASC
LIMIT ?`

	rows, err := p.Query(ctx, q, statuses, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceHappening
	for rows.Next() {
		var r SourceHappening
		if err := rows.Scan(
			&r.SourceHappeningID,
			&r.SourceHappeningUUID,
			&r.SourceID,
			&r.DedupeKey,
			&r.TitleRaw,
			&r.DescriptionRaw,
			&r.LocationRaw,
			&r.DatetimeRaw,
			&r.URL,
			&r.ImageURL,
			&r.ExternalID,
			&r.StartAt,
			&r.EndAt,
			&r.StartDateLocal,
			&r.EndDateLocal,
			&r.DatePrecision,
			&r.TimePattern,
			&r.ExtractionMethod,
			&r.Language,
			&r.Status,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimProcessing flips a batch of rows to processing so a concurrent run
// does not pick them up twice. Returns the number of rows claimed.
func (p *Pool) ClaimProcessing(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	const q = `
UPDATE caloo.source_happenings
SET status = 'processing', updated_at = now()
WHERE source_happening_id IN ?
  AND status IN ('queued', 'needs_review')`

	tag, err := p.Exec(ctx, q, ids)
	if err != nil {
		return 0, fmt.Errorf("claim processing: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkRowStatus sets the post-processing status for one row. Errored rows go
// back to queued with the error recorded, so a failure never removes a row
// from future runs.
func (p *Pool) MarkRowStatus(ctx context.Context, id int64, status string, errorMessage *string) error {
	switch status {
	case "processed", "needs_review", "ignored", "failed", "queued":
	default:
		return fmt.Errorf("invalid source happening status %q", status)
	}

	const q = `
UPDATE caloo.source_happenings
SET status = ?,
	error_message = ?,
	processed_at = CASE WHEN ? IN ('processed', 'ignored') THEN now() ELSE processed_at END,
	updated_at = now()
WHERE source_happening_id = ?`

	tag, err := p.Exec(ctx, q, status, errorMessage, status, id)
	if err != nil {
		return fmt.Errorf("mark row %d %s: %w", id, status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark row %d %s: %w", id, status, ErrNoRows)
	}
	return nil
}

// QueueDepths returns the source row count per status.
func (p *Pool) QueueDepths(ctx context.Context) (map[string]int64, error) {
	const q = `
SELECT status, COUNT(*)
FROM caloo.source_happenings
GROUP BY status`

	rows, err := p.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// TouchSourceRowFetched bumps fetched_at on a re-crawled row without
// touching any other field.
func (p *Pool) TouchSourceRowFetched(ctx context.Context, id int64, at time.Time) error {
	const q = `
UPDATE caloo.source_happenings
SET fetched_at = ?, updated_at = now()
WHERE source_happening_id = ?`
	_, err := p.Exec(ctx, q, at.UTC(), id)
	return err
}
