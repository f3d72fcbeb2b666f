package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"caloo.ch/caloo/internal/db"
	"caloo.ch/caloo/internal/match"
	"caloo.ch/caloo/internal/metrics"
)

const defaultCandidateLimit = 200

// Service drives canonicalization runs: fetch queued source rows, score
// them against existing happenings, and apply create/merge/review outcomes.
type Service struct {
	store   Store
	log     zerolog.Logger
	metrics *metrics.Metrics

	defaultTZ      *time.Location
	candidateLimit int

	sources   map[int64]*db.Source
	timezones map[string]*time.Location
}

func NewService(store Store, log zerolog.Logger, m *metrics.Metrics, defaultTZ *time.Location) *Service {
	if defaultTZ == nil {
		defaultTZ = time.UTC
	}
	return &Service{
		store:          store,
		log:            log.With().Str("component", "engine").Logger(),
		metrics:        m,
		defaultTZ:      defaultTZ,
		candidateLimit: defaultCandidateLimit,
	}
}

// RunOptions shape one canonicalization run.
type RunOptions struct {
	// Mode is "live" or "dry". Dry runs score and count but write nothing;
	// rows stay queued.
	Mode string

	BatchSize  int
	MaxBatches int
	MaxRows    int

	// IncludeNeedsReview also reprocesses rows parked as needs_review.
	IncludeNeedsReview bool

	// PersistStats writes a merge_runs row. Ignored in dry mode.
	PersistStats bool
}

func (o *RunOptions) normalize() error {
	switch o.Mode {
	case "", "live":
		o.Mode = "live"
	case "dry":
	default:
		return fmt.Errorf("invalid run mode %q", o.Mode)
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 200
	}
	return nil
}

func (o RunOptions) dry() bool { return o.Mode == "dry" }

// RunResult is the outcome of one run.
type RunResult struct {
	RunUUID  string
	Mode     string
	Snapshot Snapshot
}

// Run executes one canonicalization pass over the queue. Each row is
// processed independently: a failure returns that row to the queue with its
// error recorded and the run continues. Cancellation is honored between
// rows, never mid-row.
func (s *Service) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	runUUID := uuid.NewString()
	telemetry := NewTelemetry()
	started := time.Now()
	s.sources = make(map[int64]*db.Source)
	s.timezones = make(map[string]*time.Location)

	log := s.log.With().Str("run_uuid", runUUID).Str("mode", opts.Mode).Logger()
	log.Info().Int("batch_size", opts.BatchSize).Msg("canonicalization run starting")

	var runID int64
	persist := opts.PersistStats && !opts.dry()
	if persist {
		id, err := s.store.InsertMergeRun(ctx, runUUID, opts.Mode)
		if err != nil {
			return nil, fmt.Errorf("record merge run: %w", err)
		}
		runID = id
	}

	runErr := s.drainQueue(ctx, opts, telemetry, log)

	if persist {
		status := "completed"
		var errMsg *string
		if runErr != nil {
			status = "failed"
			msg := runErr.Error()
			errMsg = &msg
		}
		stats, err := telemetry.MarshalStats()
		if err != nil {
			stats = json.RawMessage(`{}`)
		}
		if err := s.withRetry(ctx, func() error {
			return s.store.FinishMergeRun(ctx, runID, status, stats, errMsg)
		}); err != nil {
			log.Error().Err(err).Msg("failed to finalize merge run row")
		}
	}

	s.metrics.RunDuration(time.Since(started).Seconds())

	snap := telemetry.Snapshot()
	log.Info().
		Int64("rows_seen", snap.Counters.RowsSeen).
		Int64("created", snap.Counters.Created).
		Int64("merged", snap.Counters.Merged).
		Int64("review", snap.Counters.Review).
		Int64("failed", snap.Counters.Failed).
		Msg("canonicalization run finished")

	result := &RunResult{RunUUID: runUUID, Mode: opts.Mode, Snapshot: snap}
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func (s *Service) drainQueue(ctx context.Context, opts RunOptions, telemetry *Telemetry, log zerolog.Logger) error {
	var afterID int64
	batches := 0
	rowsProcessed := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if opts.MaxBatches > 0 && batches >= opts.MaxBatches {
			return nil
		}

		limit := opts.BatchSize
		if opts.MaxRows > 0 && opts.MaxRows-rowsProcessed < limit {
			limit = opts.MaxRows - rowsProcessed
		}
		if limit <= 0 {
			return nil
		}

		rows, err := s.store.FetchQueued(ctx, limit, afterID, opts.IncludeNeedsReview)
		if err != nil {
			return fmt.Errorf("fetch queued rows: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		batches++

		if !opts.dry() {
			ids := make([]int64, len(rows))
			for i, r := range rows {
				ids[i] = r.SourceHappeningID
			}
			if _, err := s.store.ClaimProcessing(ctx, ids); err != nil {
				return fmt.Errorf("claim batch: %w", err)
			}
		}

		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			afterID = row.SourceHappeningID
			rowsProcessed++

			if err := s.processRow(ctx, row, opts, telemetry); err != nil {
				telemetry.Add(func(c *Counters) { c.Failed++ })
				log.Error().Err(err).Int64("source_happening_id", row.SourceHappeningID).Msg("row failed")
				if !opts.dry() {
					// The row goes back to the queue with the error
					// recorded, so the next run picks it up again.
					msg := err.Error()
					if markErr := s.withRetry(ctx, func() error {
						return s.store.MarkRowStatus(ctx, row.SourceHappeningID, "queued", &msg)
					}); markErr != nil {
						log.Error().Err(markErr).Int64("source_happening_id", row.SourceHappeningID).Msg("could not requeue failed row")
					}
				}
			}
		}
	}
}

func (s *Service) processRow(ctx context.Context, row db.SourceHappening, opts RunOptions, telemetry *Telemetry) error {
	src, err := s.sourceFor(ctx, row.SourceID)
	if err != nil {
		return fmt.Errorf("load source %d: %w", row.SourceID, err)
	}
	telemetry.CountRow(src.Slug)
	s.metrics.RowProcessed(src.Slug)

	// Structural noise and titleless rows are ignored, not failed: the raw
	// row stays for audit but never becomes a happening.
	if match.IsJunkTitle(row.TitleRaw) {
		telemetry.Add(func(c *Counters) { c.Malformed++ })
		s.metrics.Decision("ignored")
		if opts.dry() {
			return nil
		}
		return s.withRetry(ctx, func() error {
			return s.store.MarkRowStatus(ctx, row.SourceHappeningID, "ignored", nil)
		})
	}

	// Fast path: a row that already has a provenance link was fully
	// processed before; re-queues are no-ops.
	if _, err := s.store.GetProvenanceBySourceRow(ctx, row.SourceHappeningID); err == nil {
		telemetry.Add(func(c *Counters) { c.SkippedDuplicate++ })
		s.metrics.Decision("skipped_duplicate")
		if opts.dry() {
			return nil
		}
		return s.withRetry(ctx, func() error {
			return s.store.MarkRowStatus(ctx, row.SourceHappeningID, "processed", nil)
		})
	} else if !db.IsNoRows(err) {
		return fmt.Errorf("provenance fast path: %w", err)
	}

	candidates, err := s.store.FindCandidates(ctx, deref(row.StartDateLocal), s.candidateLimit)
	if err != nil {
		return fmt.Errorf("find candidates: %w", err)
	}

	raw := match.RawSignals{
		TitleRaw:       row.TitleRaw,
		LocationRaw:    deref(row.LocationRaw),
		StartDateLocal: deref(row.StartDateLocal),
	}
	scored := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		score := match.Score(match.CandidateSignals{
			Title:     c.Title,
			VenueName: deref(c.VenueName),
			StartDate: deref(c.StartDate),
			EndDate:   deref(c.EndDate),
		}, raw)
		telemetry.ObserveScore(score)
		s.metrics.Score(score)
		scored = append(scored, Scored{Candidate: c, Score: score})
	}

	decision := Decide(scored)
	s.metrics.Decision(string(decision.Kind))

	if opts.dry() {
		telemetry.Add(func(c *Counters) {
			switch decision.Kind {
			case DecisionCreate:
				c.Created++
			case DecisionMerge:
				c.Merged++
			case DecisionReview:
				c.Review++
			}
		})
		return nil
	}

	switch decision.Kind {
	case DecisionMerge:
		if err := s.applyMerge(ctx, row, src, *decision.Best, telemetry); err != nil {
			return err
		}
		telemetry.Add(func(c *Counters) { c.Merged++ })
	case DecisionCreate:
		merged, err := s.applyCreate(ctx, row, src, decision.Best, telemetry)
		if err != nil {
			return err
		}
		telemetry.Add(func(c *Counters) {
			if merged {
				c.Merged++
			} else {
				c.Created++
			}
		})
	case DecisionReview:
		if err := s.applyReview(ctx, row, decision); err != nil {
			return err
		}
		telemetry.Add(func(c *Counters) { c.Review++ })
		return s.withRetry(ctx, func() error {
			return s.store.MarkRowStatus(ctx, row.SourceHappeningID, "needs_review", nil)
		})
	}

	return s.withRetry(ctx, func() error {
		return s.store.MarkRowStatus(ctx, row.SourceHappeningID, "processed", nil)
	})
}

// applyCreate resolves or creates the canonical happening for an unmatched
// row. When the canonical key already exists (the candidate search missed it
// on date grounds but identity agrees), the row merges into the existing
// happening instead; the bool return reports that case.
func (s *Service) applyCreate(ctx context.Context, row db.SourceHappening, src *db.Source, best *Scored, telemetry *Telemetry) (bool, error) {
	loc := s.timezoneFor(src)

	var venueID *int64
	venueName := strings.TrimSpace(deref(row.LocationRaw))
	if venueName != "" {
		id, err := s.store.UpsertVenue(ctx, venueName, match.NormalizeVenue(venueName))
		if err != nil {
			return false, fmt.Errorf("resolve venue: %w", err)
		}
		venueID = &id
	}

	venueAnchor := ""
	if venueID != nil {
		venueAnchor = strconv.FormatInt(*venueID, 10)
	}
	canonicalKey := match.ComputeCanonicalKey(
		"event", row.TitleRaw, deref(row.StartDateLocal), row.StartAt, loc, venueAnchor, false,
	)

	// An archived happening may still own the base canonical key; it is a
	// retired identity and new rows must not resurrect it. The replacement
	// identity gets a key salted with the retired happening's id, so
	// repeated rows still converge on one replacement.
	if existing, err := s.store.GetHappeningByCanonicalKey(ctx, canonicalKey); err == nil && existing.Visibility == "archived" {
		canonicalKey = canonicalKey + "|r" + strconv.FormatInt(existing.HappeningID, 10)
	} else if err != nil && !db.IsNoRows(err) {
		return false, fmt.Errorf("canonical key lookup: %w", err)
	}

	if existing, err := s.store.GetHappeningByCanonicalKey(ctx, canonicalKey); err == nil {
		merged := Scored{
			Candidate: db.Candidate{
				HappeningID:   existing.HappeningID,
				HappeningUUID: existing.HappeningUUID,
				Title:         existing.Title,
			},
			Score: 1.0,
		}
		if best != nil {
			merged.Score = best.Score
		}
		if err := s.applyMerge(ctx, row, src, merged, telemetry); err != nil {
			return false, err
		}
		return true, nil
	} else if !db.IsNoRows(err) {
		return false, fmt.Errorf("canonical key lookup: %w", err)
	}

	title := strings.TrimSpace(row.TitleRaw)
	description := row.DescriptionRaw
	audience := match.InferAudienceTags(title, deref(description))
	topics := match.InferTopicTags(title, deref(description))
	quality := match.QualityScore(match.QualityInput{
		SourceTier:       src.Tier,
		DatePrecision:    row.DatePrecision,
		ImageURL:         deref(row.ImageURL),
		Description:      deref(description),
		CanonicalURL:     deref(row.URL),
		Timezone:         src.Timezone,
		ExtractionMethod: row.ExtractionMethod,
	})

	h := &db.Happening{
		CanonicalKey:   canonicalKey,
		Kind:           "event",
		Title:          title,
		Description:    description,
		ImageURL:       row.ImageURL,
		URL:            row.URL,
		VenueID:        venueID,
		Language:       row.Language,
		AudienceTags:   tagsJSON(audience),
		TopicTags:      tagsJSON(topics),
		RelevanceScore: match.RelevanceScore(audience, topics),
		QualityScore:   quality,
		Visibility:     "published",
	}

	var happeningID int64
	if err := s.withRetry(ctx, func() error {
		id, err := s.store.CreateHappening(ctx, h)
		if err != nil {
			return err
		}
		happeningID = id
		return nil
	}); err != nil {
		return false, fmt.Errorf("create happening: %w", err)
	}

	created, err := s.store.GetHappeningByID(ctx, happeningID)
	if err != nil {
		return false, fmt.Errorf("reload created happening: %w", err)
	}

	if err := s.ensureSchedule(ctx, row, created.HappeningID, canonicalKey, venueID, telemetry); err != nil {
		return false, err
	}

	if err := s.withRetry(ctx, func() error {
		return s.store.UpsertProvenance(ctx, &db.HappeningSource{
			HappeningID:       created.HappeningID,
			SourceHappeningID: row.SourceHappeningID,
			SourceID:          src.SourceID,
			IsPrimary:         true,
			SourcePriority:    src.Priority,
			Confidence:        1.0,
			Decision:          "created",
		})
	}); err != nil {
		return false, fmt.Errorf("record provenance: %w", err)
	}

	entries := creationHistory(created.HappeningUUID, created.HappeningID, row, audience, topics)
	inserted, err := s.store.InsertFieldHistory(ctx, entries)
	if err != nil {
		return false, fmt.Errorf("record creation history: %w", err)
	}
	telemetry.Add(func(c *Counters) { c.HistoryRows += inserted })

	return false, nil
}

func (s *Service) applyMerge(ctx context.Context, row db.SourceHappening, src *db.Source, best Scored, telemetry *Telemetry) error {
	happening, err := s.store.GetHappeningByID(ctx, best.Candidate.HappeningID)
	if err != nil {
		return fmt.Errorf("load merge target: %w", err)
	}

	isPrimary := true
	if current, err := s.store.PrimaryProvenance(ctx, happening.HappeningID); err == nil {
		isPrimary = src.Priority > current.SourcePriority ||
			(current.SourceHappeningID == row.SourceHappeningID)
	} else if !db.IsNoRows(err) {
		return fmt.Errorf("load primary provenance: %w", err)
	}

	if err := s.withRetry(ctx, func() error {
		return s.store.UpsertProvenance(ctx, &db.HappeningSource{
			HappeningID:       happening.HappeningID,
			SourceHappeningID: row.SourceHappeningID,
			SourceID:          src.SourceID,
			IsPrimary:         isPrimary,
			SourcePriority:    src.Priority,
			Confidence:        best.Score,
			Decision:          "merged",
		})
	}); err != nil {
		return fmt.Errorf("record provenance: %w", err)
	}

	if isPrimary {
		if err := s.applyFieldPrecedence(ctx, happening, row, telemetry); err != nil {
			return err
		}
	}

	offeringID := best.Candidate.OfferingID
	if offeringID != 0 {
		if err := s.attachSchedule(ctx, row, offeringID, telemetry); err != nil {
			return err
		}
	} else if deref(row.StartDateLocal) != "" {
		// Merge resolved via canonical key without a candidate offering.
		if err := s.ensureSchedule(ctx, row, happening.HappeningID, happening.CanonicalKey, happening.VenueID, telemetry); err != nil {
			return err
		}
	} else {
		telemetry.Add(func(c *Counters) { c.OccurrenceNullStartSkipped++ })
	}

	return nil
}

// applyFieldPrecedence copies better data from a primary source row onto the
// happening, honoring editorial locks and logging every transition.
func (s *Service) applyFieldPrecedence(ctx context.Context, happening *db.Happening, row db.SourceHappening, telemetry *Telemetry) error {
	locked := lockedFieldSet(happening.LockedFields)

	updates := make(map[string]any)
	var entries []db.FieldHistoryEntry
	record := func(field, oldVal, newVal string, value any) {
		if oldVal == newVal {
			return
		}
		if _, isLocked := locked[field]; isLocked {
			return
		}
		updates[field] = value
		entries = append(entries, db.FieldHistoryEntry{
			HappeningID:       happening.HappeningID,
			Field:             field,
			OldValue:          nullable(oldVal),
			NewValue:          nullable(newVal),
			ChangeKey:         match.ComputeChangeKey(happening.HappeningUUID, field, oldVal, newVal),
			SourceHappeningID: &row.SourceHappeningID,
		})
	}

	if title := strings.TrimSpace(row.TitleRaw); title != "" {
		record("title", happening.Title, title, title)
	}
	if desc := strings.TrimSpace(deref(row.DescriptionRaw)); desc != "" {
		record("description", deref(happening.Description), desc, desc)
	}
	if img := strings.TrimSpace(deref(row.ImageURL)); img != "" {
		record("image_url", deref(happening.ImageURL), img, img)
	}
	if u := strings.TrimSpace(deref(row.URL)); u != "" {
		record("url", deref(happening.URL), u, u)
	}
	if lang := strings.TrimSpace(deref(row.Language)); lang != "" {
		record("language", deref(happening.Language), lang, lang)
	}

	// Re-derive tags when textual fields moved.
	if _, titleChanged := updates["title"]; titleChanged || updates["description"] != nil {
		title := happening.Title
		if v, ok := updates["title"].(string); ok {
			title = v
		}
		desc := deref(happening.Description)
		if v, ok := updates["description"].(string); ok {
			desc = v
		}
		audience := match.InferAudienceTags(title, desc)
		topics := match.InferTopicTags(title, desc)

		oldAudience := tagsLiteralFromJSON(happening.AudienceTags)
		newAudience := match.TagArrayLiteral(audience)
		if oldAudience != newAudience {
			record("audience_tags", oldAudience, newAudience, tagsJSON(audience))
		}
		oldTopics := tagsLiteralFromJSON(happening.TopicTags)
		newTopics := match.TagArrayLiteral(topics)
		if oldTopics != newTopics {
			record("topic_tags", oldTopics, newTopics, tagsJSON(topics))
		}
		if score := match.RelevanceScore(audience, topics); score != happening.RelevanceScore {
			updates["relevance_score"] = score
		}
	}

	if len(updates) == 0 {
		return nil
	}

	inserted, err := s.store.InsertFieldHistory(ctx, entries)
	if err != nil {
		return fmt.Errorf("record field history: %w", err)
	}
	telemetry.Add(func(c *Counters) { c.HistoryRows += inserted })
	// Every transition here was already applied in an earlier run; nothing
	// to write again.
	if inserted == 0 && len(entries) > 0 {
		return nil
	}

	if err := s.withRetry(ctx, func() error {
		return s.store.UpdateHappeningFields(ctx, happening.HappeningID, updates)
	}); err != nil {
		return err
	}
	telemetry.Add(func(c *Counters) { c.FieldUpdates += int64(len(updates)) })
	return nil
}

// ensureSchedule creates the offering/occurrence pair for a happening from
// one source row. Rows without a derivable date still create the happening
// and an undated offering; only the occurrence is skipped.
func (s *Service) ensureSchedule(ctx context.Context, row db.SourceHappening, happeningID int64, canonicalKey string, venueID *int64, telemetry *Telemetry) error {
	startDate := deref(row.StartDateLocal)
	endDate := deref(row.EndDateLocal)

	kind := "one_off"
	if endDate != "" && endDate > startDate {
		kind = "series"
	}

	nkStart, nkEnd := startDate, endDate
	if nkStart == "" {
		nkStart = "_"
	}
	if nkEnd == "" {
		nkEnd = nkStart
	}

	offering := &db.Offering{
		HappeningID: happeningID,
		NKKey:       canonicalKey + "|" + nkStart + "|" + nkEnd,
		Kind:        kind,
		StartDate:   nullable(startDate),
		EndDate:     nullable(endDate),
	}

	var offeringID int64
	if err := s.withRetry(ctx, func() error {
		id, err := s.store.UpsertOffering(ctx, offering)
		if err != nil {
			return err
		}
		offeringID = id
		return nil
	}); err != nil {
		return fmt.Errorf("upsert offering: %w", err)
	}

	if startDate == "" {
		telemetry.Add(func(c *Counters) { c.OccurrenceNullStartSkipped++ })
		return nil
	}

	occ := &db.Occurrence{
		OfferingID:     offeringID,
		StartAt:        row.StartAt,
		EndAt:          row.EndAt,
		StartDateLocal: startDate,
		DatePrecision:  row.DatePrecision,
		VenueID:        venueID,
	}
	if err := s.withRetry(ctx, func() error {
		_, err := s.store.UpsertOccurrence(ctx, occ)
		return err
	}); err != nil {
		return fmt.Errorf("upsert occurrence: %w", err)
	}
	return nil
}

// attachSchedule records the row's occurrence under an existing offering.
// A timed row upgrades a matching date-only occurrence in place instead of
// duplicating it.
func (s *Service) attachSchedule(ctx context.Context, row db.SourceHappening, offeringID int64, telemetry *Telemetry) error {
	startDate := deref(row.StartDateLocal)
	if startDate == "" {
		telemetry.Add(func(c *Counters) { c.OccurrenceNullStartSkipped++ })
		return nil
	}

	if row.StartAt != nil {
		existing, err := s.store.ListOccurrencesForOffering(ctx, offeringID)
		if err != nil {
			return fmt.Errorf("list occurrences: %w", err)
		}
		for _, occ := range existing {
			if occ.StartAt == nil && occ.StartDateLocal == startDate {
				return s.withRetry(ctx, func() error {
					return s.store.UpgradeOccurrenceStart(ctx, occ.OccurrenceID, row.StartAt, row.EndAt)
				})
			}
		}
	}

	occ := &db.Occurrence{
		OfferingID:     offeringID,
		StartAt:        row.StartAt,
		EndAt:          row.EndAt,
		StartDateLocal: startDate,
		DatePrecision:  row.DatePrecision,
	}
	return s.withRetry(ctx, func() error {
		_, err := s.store.UpsertOccurrence(ctx, occ)
		return err
	})
}

func (s *Service) applyReview(ctx context.Context, row db.SourceHappening, decision Decision) error {
	fingerprint := match.ComputeFingerprint(row.TitleRaw, deref(row.StartDateLocal), deref(row.LocationRaw))

	review := &db.Review{
		SourceHappeningID: row.SourceHappeningID,
		Fingerprint:       fingerprint,
		Reason:            "near_tie",
	}
	if decision.Best != nil {
		review.TopScore = decision.Best.Score
		review.TopHappeningID = &decision.Best.Candidate.HappeningID
	}
	if decision.RunnerUp != nil {
		review.RunnerUpScore = &decision.RunnerUp.Score
		review.RunnerUpHappeningID = &decision.RunnerUp.Candidate.HappeningID
	}
	if details, err := json.Marshal(reviewDetails(decision)); err == nil {
		review.Details = details
	}

	_, err := s.store.OpenReview(ctx, review)
	if err != nil {
		return fmt.Errorf("open review: %w", err)
	}
	return nil
}

func reviewDetails(decision Decision) map[string]any {
	out := make(map[string]any, 2)
	if decision.Best != nil {
		out["top"] = map[string]any{
			"happening_uuid": decision.Best.Candidate.HappeningUUID,
			"title":          decision.Best.Candidate.Title,
			"score":          decision.Best.Score,
		}
	}
	if decision.RunnerUp != nil {
		out["runner_up"] = map[string]any{
			"happening_uuid": decision.RunnerUp.Candidate.HappeningUUID,
			"title":          decision.RunnerUp.Candidate.Title,
			"score":          decision.RunnerUp.Score,
		}
	}
	return out
}

func creationHistory(happeningUUID string, happeningID int64, row db.SourceHappening, audience, topics []string) []db.FieldHistoryEntry {
	sourceRowID := row.SourceHappeningID
	var entries []db.FieldHistoryEntry
	add := func(field, newVal string) {
		if newVal == "" {
			return
		}
		entries = append(entries, db.FieldHistoryEntry{
			HappeningID:       happeningID,
			Field:             field,
			OldValue:          nil,
			NewValue:          nullable(newVal),
			ChangeKey:         match.ComputeChangeKey(happeningUUID, field, "", newVal),
			SourceHappeningID: &sourceRowID,
		})
	}

	add("title", strings.TrimSpace(row.TitleRaw))
	add("description", strings.TrimSpace(deref(row.DescriptionRaw)))
	add("url", strings.TrimSpace(deref(row.URL)))
	add("image_url", strings.TrimSpace(deref(row.ImageURL)))
	if len(audience) > 0 {
		add("audience_tags", match.TagArrayLiteral(audience))
	}
	if len(topics) > 0 {
		add("topic_tags", match.TagArrayLiteral(topics))
	}
	return entries
}

func (s *Service) sourceFor(ctx context.Context, sourceID int64) (*db.Source, error) {
	if src, ok := s.sources[sourceID]; ok {
		return src, nil
	}
	src, err := s.store.GetSourceByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	s.sources[sourceID] = src
	return src, nil
}

func (s *Service) timezoneFor(src *db.Source) *time.Location {
	name := strings.TrimSpace(src.Timezone)
	if name == "" {
		return s.defaultTZ
	}
	if loc, ok := s.timezones[name]; ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		s.log.Warn().Str("timezone", name).Str("source", src.Slug).Msg("unknown source timezone, using default")
		loc = s.defaultTZ
	}
	s.timezones[name] = loc
	return loc
}

// withRetry runs one store write, retrying a single time after a short pause.
// Transient failures on individual writes should not fail a whole row.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return err
	case <-time.After(250 * time.Millisecond):
	}
	return fn()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// lockedFieldSet decodes the happening's locked_fields JSON array. Unknown
// or malformed payloads lock nothing.
func lockedFieldSet(raw json.RawMessage) map[string]struct{} {
	out := make(map[string]struct{})
	if len(raw) == 0 {
		return out
	}
	var fields []string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return out
	}
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

func tagsJSON(tags []string) json.RawMessage {
	if len(tags) == 0 {
		return json.RawMessage(`[]`)
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return json.RawMessage(`[]`)
	}
	return b
}

func tagsLiteralFromJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return "{}"
	}
	return match.TagArrayLiteral(tags)
}
