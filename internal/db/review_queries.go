package db

import (
	"context"
	"fmt"
	"strings"
)

// OpenReview files a review for an ambiguous decision. The partial unique
// index guarantees at most one open review per source row and fingerprint;
// reprocessing the same ambiguous row is a no-op. Returns whether a new
// review was actually created.
func (p *Pool) OpenReview(ctx context.Context, r *Review) (bool, error) {
	if r == nil {
		return false, fmt.Errorf("review is nil")
	}
	if strings.TrimSpace(r.Fingerprint) == "" {
		return false, fmt.Errorf("review fingerprint is required")
	}

	const q = `
INSERT INTO caloo.canonicalization_reviews (
	source_happening_id, fingerprint, status, reason,
	top_score, runner_up_score, top_happening_id, runner_up_happening_id,
	details
)
VALUES (?, ?, 'open', ?, ?, ?, ?, ?, ?)
ON CONFLICT (source_happening_id, fingerprint) WHERE status = 'open' DO NOTHING`

	tag, err := p.Exec(ctx, q,
		r.SourceHappeningID, r.Fingerprint, r.Reason,
		r.TopScore, r.RunnerUpScore, r.TopHappeningID, r.RunnerUpHappeningID,
		r.Details,
	)
	if err != nil {
		return false, fmt.Errorf("open review: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListReviews returns reviews filtered by status, oldest first so the queue
// is worked in arrival order. Empty status lists everything.
func (p *Pool) ListReviews(ctx context.Context, status string, limit int) ([]Review, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
SELECT
	review_id,
	review_uuid::text,
	source_happening_id,
	fingerprint,
	status,
	reason,
	top_score,
	runner_up_score,
	top_happening_id,
	runner_up_happening_id,
	details,
	resolved_by,
	resolved_at,
	resolution_note,
	created_at
FROM caloo.canonicalization_reviews`

	args := []any{}
	if status != "" {
		q += "\nWHERE status = ?"
		args = append(args, status)
	}
	q += "\nORDER BY created_at ASC, review_id ASC\nLIMIT ?"
	args = append(args, limit)

	rows, err := p.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Review
	for rows.Next() {
		var r Review
		if err := rows.Scan(
			&r.ReviewID,
			&r.ReviewUUID,
			&r.SourceHappeningID,
			&r.Fingerprint,
			&r.Status,
			&r.Reason,
			&r.TopScore,
			&r.RunnerUpScore,
			&r.TopHappeningID,
			&r.RunnerUpHappeningID,
			&r.Details,
			&r.ResolvedBy,
			&r.ResolvedAt,
			&r.ResolutionNote,
			&r.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetReviewByUUID returns one review.
func (p *Pool) GetReviewByUUID(ctx context.Context, reviewUUID string) (*Review, error) {
	const q = `
SELECT
	review_id,
	review_uuid::text,
	source_happening_id,
	fingerprint,
	status,
	reason,
	top_score,
	runner_up_score,
	top_happening_id,
	runner_up_happening_id,
	details,
	resolved_by,
	resolved_at,
	resolution_note,
	created_at
FROM caloo.canonicalization_reviews
WHERE review_uuid = ?::uuid`

	var r Review
	err := p.QueryRow(ctx, q, reviewUUID).Scan(
		&r.ReviewID,
		&r.ReviewUUID,
		&r.SourceHappeningID,
		&r.Fingerprint,
		&r.Status,
		&r.Reason,
		&r.TopScore,
		&r.RunnerUpScore,
		&r.TopHappeningID,
		&r.RunnerUpHappeningID,
		&r.Details,
		&r.ResolvedBy,
		&r.ResolvedAt,
		&r.ResolutionNote,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ResolveReview closes an open review. Only open reviews transition; a
// second resolution attempt returns ErrNoRows.
func (p *Pool) ResolveReview(ctx context.Context, reviewID int64, status, resolvedBy, note string) error {
	switch status {
	case "accepted", "rejected":
	default:
		return fmt.Errorf("invalid review resolution %q", status)
	}

	const q = `
UPDATE caloo.canonicalization_reviews
SET status = ?,
	resolved_by = ?,
	resolution_note = NULLIF(?, ''),
	resolved_at = now(),
	updated_at = now()
WHERE review_id = ? AND status = 'open'`

	tag, err := p.Exec(ctx, q, status, resolvedBy, note, reviewID)
	if err != nil {
		return fmt.Errorf("resolve review %d: %w", reviewID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resolve review %d: %w", reviewID, ErrNoRows)
	}
	return nil
}
