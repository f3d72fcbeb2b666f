package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"caloo.ch/caloo/internal/db"
)

// memStore is an in-memory Store with the same contracts as *db.Pool:
// unique keys, upsert semantics, idempotent history inserts.
type memStore struct {
	mu sync.Mutex

	nextID int64

	// failProvenance makes every UpsertProvenance call fail when set.
	failProvenance error

	sources        map[int64]*db.Source
	rows           map[int64]*db.SourceHappening
	happenings     map[int64]*db.Happening
	byCanonicalKey map[string]int64
	offerings      map[int64]*db.Offering
	byNKKey        map[string]int64
	occurrences    map[int64]*db.Occurrence
	provenance     map[int64]*db.HappeningSource
	history        map[string]*db.FieldHistoryEntry
	reviews        []*db.Review
	runs           map[int64]*db.MergeRun
	venues         map[string]int64
	venueNames     map[int64]string
}

func newMemStore() *memStore {
	return &memStore{
		sources:        make(map[int64]*db.Source),
		rows:           make(map[int64]*db.SourceHappening),
		happenings:     make(map[int64]*db.Happening),
		byCanonicalKey: make(map[string]int64),
		offerings:      make(map[int64]*db.Offering),
		byNKKey:        make(map[string]int64),
		occurrences:    make(map[int64]*db.Occurrence),
		provenance:     make(map[int64]*db.HappeningSource),
		history:        make(map[string]*db.FieldHistoryEntry),
		runs:           make(map[int64]*db.MergeRun),
		venues:         make(map[string]int64),
		venueNames:     make(map[int64]string),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) addSource(slug, tier string, priority int) *db.Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := &db.Source{
		SourceID: m.id(),
		Slug:     slug,
		Name:     slug,
		Tier:     tier,
		Priority: priority,
		Timezone: "Europe/Zurich",
		Enabled:  true,
	}
	m.sources[src.SourceID] = src
	return src
}

func (m *memStore) addRow(row db.SourceHappening) *db.SourceHappening {
	m.mu.Lock()
	defer m.mu.Unlock()
	row.SourceHappeningID = m.id()
	row.SourceHappeningUUID = uuid.NewString()
	if row.Status == "" {
		row.Status = "queued"
	}
	if row.DatePrecision == "" {
		row.DatePrecision = "date"
	}
	if row.ExtractionMethod == "" {
		row.ExtractionMethod = "structured"
	}
	m.rows[row.SourceHappeningID] = &row
	return &row
}

func (m *memStore) GetSourceByID(_ context.Context, sourceID int64) (*db.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[sourceID]
	if !ok {
		return nil, db.ErrNoRows
	}
	cp := *src
	return &cp, nil
}

func (m *memStore) FetchQueued(_ context.Context, limit int, afterID int64, includeNeedsReview bool) ([]db.SourceHappening, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []db.SourceHappening
	for _, r := range m.rows {
		if r.SourceHappeningID <= afterID {
			continue
		}
		if !strings.HasPrefix(r.DedupeKey, "v1|") {
			continue
		}
		if r.Status != "queued" && !(includeNeedsReview && r.Status == "needs_review") {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceHappeningID < out[j].SourceHappeningID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ClaimProcessing(_ context.Context, ids []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		r, ok := m.rows[id]
		if !ok {
			continue
		}
		if r.Status == "queued" || r.Status == "needs_review" {
			r.Status = "processing"
			n++
		}
	}
	return n, nil
}

func (m *memStore) MarkRowStatus(_ context.Context, id int64, status string, errorMessage *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return db.ErrNoRows
	}
	r.Status = status
	r.ErrorMessage = errorMessage
	return nil
}

func (m *memStore) FindCandidates(_ context.Context, startDateLocal string, limit int) ([]db.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []db.Candidate
	for _, o := range m.offerings {
		if o.DeletedAt != nil {
			continue
		}
		h, ok := m.happenings[o.HappeningID]
		if !ok || h.Visibility == "archived" {
			continue
		}

		if startDateLocal == "" {
			if o.StartDate != nil {
				continue
			}
		} else {
			if o.StartDate == nil {
				continue
			}
			end := o.StartDate
			if o.EndDate != nil {
				end = o.EndDate
			}
			if startDateLocal < *o.StartDate || startDateLocal > *end {
				continue
			}
		}

		c := db.Candidate{
			HappeningID:   h.HappeningID,
			HappeningUUID: h.HappeningUUID,
			OfferingID:    o.OfferingID,
			Title:         h.Title,
			Kind:          h.Kind,
			VenueID:       h.VenueID,
			StartDate:     o.StartDate,
			EndDate:       o.EndDate,
			Visibility:    h.Visibility,
		}
		if h.VenueID != nil {
			if name, ok := m.venueNames[*h.VenueID]; ok {
				c.VenueName = &name
			}
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].HappeningID != out[j].HappeningID {
			return out[i].HappeningID < out[j].HappeningID
		}
		return out[i].OfferingID < out[j].OfferingID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListOccurrencesForOffering(_ context.Context, offeringID int64) ([]db.CandidateOccurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []db.CandidateOccurrence
	for _, o := range m.occurrences {
		if o.OfferingID != offeringID {
			continue
		}
		out = append(out, db.CandidateOccurrence{
			OccurrenceID:   o.OccurrenceID,
			OfferingID:     o.OfferingID,
			StartAt:        o.StartAt,
			StartDateLocal: o.StartDateLocal,
			VenueID:        o.VenueID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurrenceID < out[j].OccurrenceID })
	return out, nil
}

func (m *memStore) GetHappeningByCanonicalKey(_ context.Context, key string) (*db.Happening, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCanonicalKey[key]
	if !ok {
		return nil, db.ErrNoRows
	}
	cp := *m.happenings[id]
	return &cp, nil
}

func (m *memStore) GetHappeningByID(_ context.Context, id int64) (*db.Happening, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.happenings[id]
	if !ok {
		return nil, db.ErrNoRows
	}
	cp := *h
	return &cp, nil
}

func (m *memStore) CreateHappening(_ context.Context, h *db.Happening) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byCanonicalKey[h.CanonicalKey]; exists {
		return 0, fmt.Errorf("duplicate canonical key %s", h.CanonicalKey)
	}
	cp := *h
	cp.HappeningID = m.id()
	cp.HappeningUUID = uuid.NewString()
	if cp.Visibility == "" {
		cp.Visibility = "published"
	}
	m.happenings[cp.HappeningID] = &cp
	m.byCanonicalKey[cp.CanonicalKey] = cp.HappeningID
	return cp.HappeningID, nil
}

func (m *memStore) UpdateHappeningFields(_ context.Context, id int64, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.happenings[id]
	if !ok {
		return db.ErrNoRows
	}
	for col, val := range fields {
		switch col {
		case "title":
			h.Title = val.(string)
		case "description":
			s := val.(string)
			h.Description = &s
		case "image_url":
			s := val.(string)
			h.ImageURL = &s
		case "url":
			s := val.(string)
			h.URL = &s
		case "language":
			s := val.(string)
			h.Language = &s
		case "audience_tags":
			h.AudienceTags = val.(json.RawMessage)
		case "topic_tags":
			h.TopicTags = val.(json.RawMessage)
		case "relevance_score":
			h.RelevanceScore = val.(int)
		case "quality_score":
			h.QualityScore = val.(int)
		case "visibility":
			h.Visibility = val.(string)
		default:
			return fmt.Errorf("column %q is not updatable", col)
		}
	}
	return nil
}

func (m *memStore) UpsertOffering(_ context.Context, o *db.Offering) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byNKKey[o.NKKey]; ok {
		existing := m.offerings[id]
		if o.StartDate != nil && (existing.StartDate == nil || *o.StartDate < *existing.StartDate) {
			existing.StartDate = o.StartDate
		}
		if o.EndDate != nil && (existing.EndDate == nil || *o.EndDate > *existing.EndDate) {
			existing.EndDate = o.EndDate
		}
		return id, nil
	}
	cp := *o
	cp.OfferingID = m.id()
	m.offerings[cp.OfferingID] = &cp
	m.byNKKey[cp.NKKey] = cp.OfferingID
	return cp.OfferingID, nil
}

func (m *memStore) UpsertOccurrence(_ context.Context, o *db.Occurrence) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.occurrences {
		if existing.OfferingID != o.OfferingID {
			continue
		}
		if o.StartAt != nil && existing.StartAt != nil && existing.StartAt.Equal(*o.StartAt) {
			if o.EndAt != nil {
				existing.EndAt = o.EndAt
			}
			return existing.OccurrenceID, nil
		}
		if o.StartAt == nil && existing.StartAt == nil && existing.StartDateLocal == o.StartDateLocal {
			return existing.OccurrenceID, nil
		}
	}
	cp := *o
	cp.OccurrenceID = m.id()
	m.occurrences[cp.OccurrenceID] = &cp
	return cp.OccurrenceID, nil
}

func (m *memStore) UpgradeOccurrenceStart(_ context.Context, occurrenceID int64, startAt, endAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.occurrences[occurrenceID]
	if !ok || o.StartAt != nil {
		return db.ErrNoRows
	}
	o.StartAt = startAt
	if endAt != nil {
		o.EndAt = endAt
	}
	o.DatePrecision = "datetime"
	return nil
}

func (m *memStore) UpsertVenue(_ context.Context, name, normalizedName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.venues[normalizedName]; ok {
		return id, nil
	}
	id := m.id()
	m.venues[normalizedName] = id
	m.venueNames[id] = name
	return id, nil
}

func (m *memStore) GetProvenanceBySourceRow(_ context.Context, sourceHappeningID int64) (*db.HappeningSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs, ok := m.provenance[sourceHappeningID]
	if !ok {
		return nil, db.ErrNoRows
	}
	cp := *hs
	return &cp, nil
}

func (m *memStore) PrimaryProvenance(_ context.Context, happeningID int64) (*db.HappeningSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *db.HappeningSource
	for _, hs := range m.provenance {
		if hs.HappeningID != happeningID {
			continue
		}
		if best == nil {
			best = hs
			continue
		}
		if hs.IsPrimary != best.IsPrimary {
			if hs.IsPrimary {
				best = hs
			}
			continue
		}
		if hs.SourcePriority > best.SourcePriority {
			best = hs
		}
	}
	if best == nil {
		return nil, db.ErrNoRows
	}
	cp := *best
	return &cp, nil
}

func (m *memStore) UpsertProvenance(_ context.Context, hs *db.HappeningSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failProvenance != nil {
		return m.failProvenance
	}
	// Same contract as the SQL upsert: a new primary demotes the previous
	// holder, a happening never carries two.
	if hs.IsPrimary {
		for _, other := range m.provenance {
			if other.HappeningID == hs.HappeningID && other.SourceHappeningID != hs.SourceHappeningID {
				other.IsPrimary = false
			}
		}
	}
	if existing, ok := m.provenance[hs.SourceHappeningID]; ok {
		existing.HappeningID = hs.HappeningID
		existing.IsPrimary = hs.IsPrimary
		existing.SourcePriority = hs.SourcePriority
		existing.Confidence = hs.Confidence
		existing.Decision = hs.Decision
		existing.MergedAt = time.Now().UTC()
		return nil
	}
	cp := *hs
	cp.HappeningSourceID = m.id()
	cp.FirstMergedAt = time.Now().UTC()
	cp.MergedAt = cp.FirstMergedAt
	m.provenance[cp.SourceHappeningID] = &cp
	return nil
}

func (m *memStore) InsertFieldHistory(_ context.Context, entries []db.FieldHistoryEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var inserted int64
	for _, e := range entries {
		if e.ChangeKey == "" {
			return inserted, fmt.Errorf("change key missing")
		}
		if _, exists := m.history[e.ChangeKey]; exists {
			continue
		}
		cp := e
		cp.FieldHistoryID = m.id()
		cp.ChangedAt = time.Now().UTC()
		m.history[cp.ChangeKey] = &cp
		inserted++
	}
	return inserted, nil
}

func (m *memStore) OpenReview(_ context.Context, r *db.Review) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.reviews {
		if existing.Status == "open" &&
			existing.SourceHappeningID == r.SourceHappeningID &&
			existing.Fingerprint == r.Fingerprint {
			return false, nil
		}
	}
	cp := *r
	cp.ReviewID = m.id()
	cp.ReviewUUID = uuid.NewString()
	cp.Status = "open"
	m.reviews = append(m.reviews, &cp)
	return true, nil
}

func (m *memStore) InsertMergeRun(_ context.Context, runUUID, mode string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := &db.MergeRun{
		MergeRunID:   m.id(),
		MergeRunUUID: runUUID,
		Mode:         mode,
		Status:       "running",
		StartedAt:    time.Now().UTC(),
	}
	m.runs[run.MergeRunID] = run
	return run.MergeRunID, nil
}

func (m *memStore) FinishMergeRun(_ context.Context, runID int64, status string, stats json.RawMessage, errorMessage *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.Status != "running" {
		return db.ErrNoRows
	}
	run.Status = status
	run.Stats = stats
	run.ErrorMessage = errorMessage
	now := time.Now().UTC()
	run.FinishedAt = &now
	return nil
}

func (m *memStore) rowStatus(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[id]; ok {
		return r.Status
	}
	return ""
}

func (m *memStore) happeningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.happenings)
}

func (m *memStore) historyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

func (m *memStore) openReviewCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.reviews {
		if r.Status == "open" {
			n++
		}
	}
	return n
}

func (m *memStore) occurrenceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.occurrences)
}

func (m *memStore) primaryCount(happeningID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, hs := range m.provenance {
		if hs.HappeningID == happeningID && hs.IsPrimary {
			n++
		}
	}
	return n
}
