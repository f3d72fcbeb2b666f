package db

import (
	"context"
	"fmt"
	"time"
)

// Candidate is the read model the matcher scores against: one happening plus
// one of its offerings whose date range could contain the incoming row.
type Candidate struct {
	HappeningID   int64
	HappeningUUID string
	OfferingID    int64
	Title         string
	Kind          string
	VenueID       *int64
	VenueName     *string
	StartDate     *string
	EndDate       *string
	Visibility    string
}

// CandidateOccurrence is a dated instance under a candidate's offering, used
// to pick the occurrence a merged row should attach to.
type CandidateOccurrence struct {
	OccurrenceID   int64
	OfferingID     int64
	StartAt        *time.Time
	StartDateLocal string
	VenueID        *int64
}

// FindCandidates returns the happenings whose offering date range contains
// the given local date. Archived happenings never match; they are retired
// identities and a new row on the same date is a new event. Undated
// offerings are included so rows without a derivable date can still merge
// into an existing undated happening on title evidence.
func (p *Pool) FindCandidates(ctx context.Context, startDateLocal string, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 200
	}

	const q = `
SELECT
	h.happening_id,
	h.happening_uuid::text,
	o.offering_id,
	h.title,
	h.kind,
	h.venue_id,
	v.name,
	o.start_date::text,
	o.end_date::text,
	h.visibility
FROM caloo.happenings h
JOIN caloo.offerings o ON o.happening_id = h.happening_id AND o.deleted_at IS NULL
LEFT JOIN caloo.venues v ON v.venue_id = h.venue_id
WHERE h.visibility <> 'archived'
  AND (
	(?::date IS NOT NULL
		AND o.start_date IS NOT NULL
		AND ?::date BETWEEN o.start_date AND COALESCE(o.end_date, o.start_date))
	OR (?::date IS NULL AND o.start_date IS NULL)
  )
ORDER BY h.happening_id ASC, o.offering_id ASC
LIMIT ?`

	date := nullableDate(startDateLocal)
	rows, err := p.Query(ctx, q, date, date, date, limit)
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(
			&c.HappeningID,
			&c.HappeningUUID,
			&c.OfferingID,
			&c.Title,
			&c.Kind,
			&c.VenueID,
			&c.VenueName,
			&c.StartDate,
			&c.EndDate,
			&c.Visibility,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListOccurrencesForOffering returns the dated instances under one offering
// in chronological order.
func (p *Pool) ListOccurrencesForOffering(ctx context.Context, offeringID int64) ([]CandidateOccurrence, error) {
	const q = `
SELECT
	occurrence_id,
	offering_id,
	start_at,
	start_date_local::text,
	venue_id
FROM caloo.occurrences
WHERE offering_id = ?
ORDER BY start_date_local ASC, occurrence_id ASC`

	rows, err := p.Query(ctx, q, offeringID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CandidateOccurrence
	for rows.Next() {
		var o CandidateOccurrence
		if err := rows.Scan(&o.OccurrenceID, &o.OfferingID, &o.StartAt, &o.StartDateLocal, &o.VenueID); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullableDate(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
