package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// GetHappeningByCanonicalKey returns the happening with the given identity
// key, or ErrNoRows.
func (p *Pool) GetHappeningByCanonicalKey(ctx context.Context, canonicalKey string) (*Happening, error) {
	return p.getHappening(ctx, "canonical_key = ?", canonicalKey)
}

// GetHappeningByID returns one happening by numeric id.
func (p *Pool) GetHappeningByID(ctx context.Context, id int64) (*Happening, error) {
	return p.getHappening(ctx, "happening_id = ?", id)
}

func (p *Pool) getHappening(ctx context.Context, where string, arg any) (*Happening, error) {
	q := `
SELECT
	happening_id,
	happening_uuid::text,
	canonical_key,
	kind,
	title,
	description,
	image_url,
	url,
	venue_id,
	online,
	language,
	audience_tags,
	topic_tags,
	relevance_score,
	quality_score,
	visibility,
	locked_fields,
	created_at,
	updated_at
FROM caloo.happenings
WHERE ` + where

	var h Happening
	err := p.QueryRow(ctx, q, arg).Scan(
		&h.HappeningID,
		&h.HappeningUUID,
		&h.CanonicalKey,
		&h.Kind,
		&h.Title,
		&h.Description,
		&h.ImageURL,
		&h.URL,
		&h.VenueID,
		&h.Online,
		&h.Language,
		&h.AudienceTags,
		&h.TopicTags,
		&h.RelevanceScore,
		&h.QualityScore,
		&h.Visibility,
		&h.LockedFields,
		&h.CreatedAt,
		&h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// CreateHappening inserts a canonical happening. The canonical key must be
// unique; a conflict means another row already resolved to this identity and
// the caller should merge into it instead.
func (p *Pool) CreateHappening(ctx context.Context, h *Happening) (int64, error) {
	if h == nil {
		return 0, fmt.Errorf("happening is nil")
	}
	if strings.TrimSpace(h.CanonicalKey) == "" || strings.TrimSpace(h.Title) == "" {
		return 0, fmt.Errorf("canonical key and title are required")
	}

	const q = `
INSERT INTO caloo.happenings (
	canonical_key, kind, title, description, image_url, url,
	venue_id, online, language, audience_tags, topic_tags,
	relevance_score, quality_score, visibility
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING happening_id`

	var id int64
	err := p.QueryRow(ctx, q,
		h.CanonicalKey, h.Kind, h.Title, h.Description, h.ImageURL, h.URL,
		h.VenueID, h.Online, h.Language, h.AudienceTags, h.TopicTags,
		h.RelevanceScore, h.QualityScore, h.Visibility,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create happening: %w", err)
	}
	return id, nil
}

// UpdateHappeningFields applies a set of column updates to one happening.
// Callers are responsible for field precedence and for skipping locked
// fields; this method only writes what it is given.
func (p *Pool) UpdateHappeningFields(ctx context.Context, id int64, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	allowed := map[string]struct{}{
		"title": {}, "description": {}, "image_url": {}, "url": {},
		"venue_id": {}, "online": {}, "language": {},
		"audience_tags": {}, "topic_tags": {},
		"relevance_score": {}, "quality_score": {}, "visibility": {},
	}

	set := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+1)
	for _, col := range sortedKeys(fields) {
		if _, ok := allowed[col]; !ok {
			return fmt.Errorf("column %q is not updatable", col)
		}
		set = append(set, col+" = ?")
		args = append(args, fields[col])
	}
	set = append(set, "updated_at = now()")
	args = append(args, id)

	q := "UPDATE caloo.happenings SET " + strings.Join(set, ", ") + " WHERE happening_id = ?"
	tag, err := p.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update happening %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update happening %d: %w", id, ErrNoRows)
	}
	return nil
}

// SetHappeningVisibility transitions draft/published/archived.
func (p *Pool) SetHappeningVisibility(ctx context.Context, id int64, visibility string) error {
	switch visibility {
	case "draft", "published", "archived":
	default:
		return fmt.Errorf("invalid visibility %q", visibility)
	}
	return p.UpdateHappeningFields(ctx, id, map[string]any{"visibility": visibility})
}

// UpsertOffering inserts or refreshes an offering by its natural key and
// returns the offering id. The date range only ever widens; a source that
// reports a narrower range does not shrink what another source established.
func (p *Pool) UpsertOffering(ctx context.Context, o *Offering) (int64, error) {
	if o == nil {
		return 0, fmt.Errorf("offering is nil")
	}
	if strings.TrimSpace(o.NKKey) == "" {
		return 0, fmt.Errorf("offering natural key is required")
	}

	const q = `
INSERT INTO caloo.offerings (happening_id, nk_key, kind, start_date, end_date)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (nk_key) DO UPDATE SET
	start_date = LEAST(caloo.offerings.start_date, EXCLUDED.start_date),
	end_date = GREATEST(caloo.offerings.end_date, EXCLUDED.end_date),
	updated_at = now()
RETURNING offering_id`

	var id int64
	err := p.QueryRow(ctx, q, o.HappeningID, o.NKKey, o.Kind, o.StartDate, o.EndDate).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert offering: %w", err)
	}
	return id, nil
}

// UpsertOccurrence inserts a dated instance, deduplicating on
// (offering, start_at) for timed rows and (offering, local date) for
// date-only rows. Returns the occurrence id.
func (p *Pool) UpsertOccurrence(ctx context.Context, o *Occurrence) (int64, error) {
	if o == nil {
		return 0, fmt.Errorf("occurrence is nil")
	}
	if strings.TrimSpace(o.StartDateLocal) == "" {
		return 0, fmt.Errorf("occurrence requires a local start date")
	}

	if o.StartAt != nil {
		const q = `
INSERT INTO caloo.occurrences (offering_id, start_at, end_at, start_date_local, date_precision, venue_id, status)
VALUES (?, ?, ?, ?, ?, ?, 'scheduled')
ON CONFLICT (offering_id, start_at) WHERE start_at IS NOT NULL DO UPDATE SET
	end_at = COALESCE(EXCLUDED.end_at, caloo.occurrences.end_at),
	venue_id = COALESCE(EXCLUDED.venue_id, caloo.occurrences.venue_id),
	updated_at = now()
RETURNING occurrence_id`
		var id int64
		err := p.QueryRow(ctx, q, o.OfferingID, o.StartAt, o.EndAt, o.StartDateLocal, o.DatePrecision, o.VenueID).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("upsert timed occurrence: %w", err)
		}
		return id, nil
	}

	const q = `
INSERT INTO caloo.occurrences (offering_id, start_at, end_at, start_date_local, date_precision, venue_id, status)
VALUES (?, NULL, NULL, ?, 'date', ?, 'scheduled')
ON CONFLICT (offering_id, start_date_local) WHERE start_at IS NULL DO UPDATE SET
	venue_id = COALESCE(EXCLUDED.venue_id, caloo.occurrences.venue_id),
	updated_at = now()
RETURNING occurrence_id`
	var id int64
	err := p.QueryRow(ctx, q, o.OfferingID, o.StartDateLocal, o.VenueID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert date-only occurrence: %w", err)
	}
	return id, nil
}

// UpgradeOccurrenceStart attaches an explicit start timestamp to a
// previously date-only occurrence. Only rows without a start_at upgrade;
// a timed occurrence never changes its start retroactively.
func (p *Pool) UpgradeOccurrenceStart(ctx context.Context, occurrenceID int64, startAt, endAt *time.Time) error {
	if startAt == nil {
		return fmt.Errorf("upgrade requires a start timestamp")
	}

	const q = `
UPDATE caloo.occurrences
SET start_at = ?,
	end_at = COALESCE(?, end_at),
	date_precision = 'datetime',
	updated_at = now()
WHERE occurrence_id = ? AND start_at IS NULL`

	tag, err := p.Exec(ctx, q, startAt, endAt, occurrenceID)
	if err != nil {
		return fmt.Errorf("upgrade occurrence %d: %w", occurrenceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("upgrade occurrence %d: %w", occurrenceID, ErrNoRows)
	}
	return nil
}

// FeedEntry is the read model for the public happenings feed.
type FeedEntry struct {
	HappeningUUID  string     `json:"happening_uuid"`
	Title          string     `json:"title"`
	Description    *string    `json:"description,omitempty"`
	URL            *string    `json:"url,omitempty"`
	ImageURL       *string    `json:"image_url,omitempty"`
	VenueName      *string    `json:"venue_name,omitempty"`
	Online         bool       `json:"online"`
	StartAt        *time.Time `json:"start_at,omitempty"`
	EndAt          *time.Time `json:"end_at,omitempty"`
	StartDateLocal string     `json:"start_date_local"`
	DatePrecision  string     `json:"date_precision"`
	AudienceTags   []byte     `json:"-"`
	TopicTags      []byte     `json:"-"`
	RelevanceScore int        `json:"relevance_score"`
}

// ListFeedWindow returns published happenings with a non-cancelled
// occurrence inside the local date window, ordered by date then relevance.
// Date-only occurrences
// sort by calendar day; no artificial midnight timestamp is invented for
// them.
func (p *Pool) ListFeedWindow(ctx context.Context, fromDate, toDate string, limit int) ([]FeedEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if fromDate == "" || toDate == "" {
		return nil, fmt.Errorf("feed window requires from and to dates")
	}

	const q = `
SELECT
	h.happening_uuid::text,
	h.title,
	h.description,
	h.url,
	h.image_url,
	v.name,
	h.online,
	occ.start_at,
	occ.end_at,
	occ.start_date_local::text,
	occ.date_precision,
	h.audience_tags,
	h.topic_tags,
	h.relevance_score
FROM caloo.occurrences occ
JOIN caloo.offerings o ON o.offering_id = occ.offering_id AND o.deleted_at IS NULL
JOIN caloo.happenings h ON h.happening_id = o.happening_id
LEFT JOIN caloo.venues v ON v.venue_id = COALESCE(occ.venue_id, h.venue_id)
WHERE h.visibility = 'published'
  AND occ.status <> 'cancelled'
  AND occ.start_date_local BETWEEN ?::date AND ?::date
ORDER BY occ.start_date_local ASC, occ.start_at ASC NULLS LAST, h.relevance_score DESC
LIMIT ?`

	rows, err := p.Query(ctx, q, fromDate, toDate, limit)
	if err != nil {
		return nil, fmt.Errorf("list feed window: %w", err)
	}
	defer rows.Close()

	var out []FeedEntry
	for rows.Next() {
		var e FeedEntry
		if err := rows.Scan(
			&e.HappeningUUID,
			&e.Title,
			&e.Description,
			&e.URL,
			&e.ImageURL,
			&e.VenueName,
			&e.Online,
			&e.StartAt,
			&e.EndAt,
			&e.StartDateLocal,
			&e.DatePrecision,
			&e.AudienceTags,
			&e.TopicTags,
			&e.RelevanceScore,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertVenue inserts or finds a venue by its normalized name.
func (p *Pool) UpsertVenue(ctx context.Context, name, normalizedName string) (int64, error) {
	if strings.TrimSpace(normalizedName) == "" {
		return 0, fmt.Errorf("normalized venue name is required")
	}

	const q = `
INSERT INTO caloo.venues (name, normalized_name)
VALUES (?, ?)
ON CONFLICT (normalized_name) DO UPDATE SET updated_at = now()
RETURNING venue_id`

	var id int64
	if err := p.QueryRow(ctx, q, name, normalizedName).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert venue: %w", err)
	}
	return id, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
