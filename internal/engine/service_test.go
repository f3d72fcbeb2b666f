package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"caloo.ch/caloo/internal/db"
	"caloo.ch/caloo/internal/match"
)

var _ Store = (*memStore)(nil)

func newTestService(t *testing.T, store Store) *Service {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Zurich")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return NewService(store, zerolog.Nop(), nil, loc)
}

func queueRow(store *memStore, src *db.Source, title, startDate, location string) *db.SourceHappening {
	key, _ := match.ComputeDedupeKey(src.Slug, title, startDate, location, "", "")
	row := db.SourceHappening{
		SourceID:  src.SourceID,
		DedupeKey: key,
		TitleRaw:  title,
	}
	if startDate != "" {
		row.StartDateLocal = &startDate
	}
	if location != "" {
		row.LocationRaw = &location
	}
	return store.addRow(row)
}

func TestRunCreatesHappeningEndToEnd(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	src := store.addSource("gemeinde", "A", 300)
	row := queueRow(store, src, "Kinderyoga im Wald", "2026-01-22", "Gemeindesaal Männedorf")

	svc := newTestService(t, store)
	result, err := svc.Run(context.Background(), RunOptions{Mode: "live", PersistStats: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	c := result.Snapshot.Counters
	if c.RowsSeen != 1 || c.Created != 1 {
		t.Fatalf("counters = %+v, want one row created", c)
	}
	if store.happeningCount() != 1 {
		t.Fatalf("happenings = %d, want 1", store.happeningCount())
	}
	if store.occurrenceCount() != 1 {
		t.Fatalf("occurrences = %d, want 1", store.occurrenceCount())
	}
	if got := store.rowStatus(row.SourceHappeningID); got != "processed" {
		t.Fatalf("row status = %q, want processed", got)
	}

	// New happenings publish immediately with inferred tags.
	var h *db.Happening
	for _, cand := range store.happenings {
		h = cand
	}
	if h.Visibility != "published" {
		t.Fatalf("visibility = %q, want published", h.Visibility)
	}
	if string(h.AudienceTags) != `["family_kids"]` {
		t.Fatalf("audience tags = %s", h.AudienceTags)
	}

	// Provenance exists and is primary; creation history was logged.
	hs, err := store.GetProvenanceBySourceRow(context.Background(), row.SourceHappeningID)
	if err != nil {
		t.Fatalf("provenance: %v", err)
	}
	if !hs.IsPrimary || hs.Decision != "created" {
		t.Fatalf("provenance = %+v", hs)
	}
	if store.historyCount() == 0 {
		t.Fatal("creation must log field history")
	}

	// The run row was persisted and finalized.
	if len(store.runs) != 1 {
		t.Fatalf("merge runs = %d, want 1", len(store.runs))
	}
	for _, run := range store.runs {
		if run.Status != "completed" || run.Stats == nil {
			t.Fatalf("run = %+v, want completed with stats", run)
		}
	}
}

func TestRunMergesSecondSource(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	primary := store.addSource("gemeinde", "A", 300)
	secondary := store.addSource("verein", "B", 200)

	queueRow(store, primary, "Kinderyoga im Wald", "2026-01-22", "Gemeindesaal Männedorf")
	svc := newTestService(t, store)
	if _, err := svc.Run(context.Background(), RunOptions{Mode: "live"}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	row2 := queueRow(store, secondary, "Kinderyoga im Wald", "2026-01-22", "Gemeindesaal Männedorf")
	result, err := svc.Run(context.Background(), RunOptions{Mode: "live"})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if result.Snapshot.Counters.Merged != 1 {
		t.Fatalf("counters = %+v, want one merge", result.Snapshot.Counters)
	}
	if store.happeningCount() != 1 {
		t.Fatalf("happenings = %d, want 1 after merge", store.happeningCount())
	}

	hs, err := store.GetProvenanceBySourceRow(context.Background(), row2.SourceHappeningID)
	if err != nil {
		t.Fatalf("provenance: %v", err)
	}
	if hs.Decision != "merged" {
		t.Fatalf("decision = %q, want merged", hs.Decision)
	}
	// Lower-priority source never takes over as primary.
	if hs.IsPrimary {
		t.Fatal("tier B source must not become primary over tier A")
	}
	if hs.Confidence < match.ConfidenceThreshold {
		t.Fatalf("merge confidence = %v, below threshold", hs.Confidence)
	}
}

func TestRunStrongerSourceDemotesPrimary(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	weak := store.addSource("verein", "B", 200)
	strong := store.addSource("gemeinde", "A", 300)

	row1 := queueRow(store, weak, "Repair Cafe im Werkraum", "2026-03-07", "Werkraum Männedorf")
	svc := newTestService(t, store)
	if _, err := svc.Run(context.Background(), RunOptions{Mode: "live"}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	row2 := queueRow(store, strong, "Repair Cafe im Werkraum", "2026-03-07", "Werkraum Männedorf")
	if _, err := svc.Run(context.Background(), RunOptions{Mode: "live"}); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if store.happeningCount() != 1 {
		t.Fatalf("happenings = %d, want 1", store.happeningCount())
	}

	hs2, err := store.GetProvenanceBySourceRow(context.Background(), row2.SourceHappeningID)
	if err != nil {
		t.Fatalf("tier A provenance: %v", err)
	}
	if !hs2.IsPrimary {
		t.Fatal("tier A link must take over as primary")
	}
	hs1, err := store.GetProvenanceBySourceRow(context.Background(), row1.SourceHappeningID)
	if err != nil {
		t.Fatalf("tier B provenance: %v", err)
	}
	if hs1.IsPrimary {
		t.Fatal("previous primary link must be demoted")
	}
	if n := store.primaryCount(hs2.HappeningID); n != 1 {
		t.Fatalf("primary links = %d, want exactly 1", n)
	}
}

func TestRunFailedRowStaysQueued(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	src := store.addSource("gemeinde", "A", 300)
	row := queueRow(store, src, "Waldlauf am Morgen", "2026-04-12", "Treffpunkt Bahnhof")
	store.failProvenance = errors.New("connection reset")

	svc := newTestService(t, store)
	result, err := svc.Run(context.Background(), RunOptions{Mode: "live"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Snapshot.Counters.Failed != 1 {
		t.Fatalf("counters = %+v, want one failed row", result.Snapshot.Counters)
	}
	if got := store.rowStatus(row.SourceHappeningID); got != "queued" {
		t.Fatalf("row status = %q, want queued", got)
	}

	// The error stays visible on the row and the next run picks it up.
	rows, err := store.FetchQueued(context.Background(), 10, 0, false)
	if err != nil {
		t.Fatalf("fetch queued: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("queued rows = %d, want the failed row back", len(rows))
	}
	if rows[0].ErrorMessage == nil {
		t.Fatal("requeued row must keep its error message")
	}

	store.failProvenance = nil
	result, err = svc.Run(context.Background(), RunOptions{Mode: "live"})
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if got := store.rowStatus(row.SourceHappeningID); got != "processed" {
		t.Fatalf("row status after retry = %q, want processed", got)
	}
	if _, err := store.GetProvenanceBySourceRow(context.Background(), row.SourceHappeningID); err != nil {
		t.Fatalf("provenance after retry: %v", err)
	}
}

func TestRunCountsFieldWrites(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	weak := store.addSource("verein", "B", 200)
	strong := store.addSource("gemeinde", "A", 300)

	queueRow(store, weak, "Offenes Singen", "2026-05-02", "Kirchgemeindehaus")
	svc := newTestService(t, store)
	first, err := svc.Run(context.Background(), RunOptions{Mode: "live"})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Snapshot.Counters.HistoryRows == 0 {
		t.Fatalf("counters = %+v, want creation history rows tallied", first.Snapshot.Counters)
	}

	row2 := queueRow(store, strong, "Offenes Singen", "2026-05-02", "Kirchgemeindehaus")
	desc := "Gemeinsames Singen für alle Generationen."
	row2.DescriptionRaw = &desc

	second, err := svc.Run(context.Background(), RunOptions{Mode: "live"})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	c := second.Snapshot.Counters
	if c.Merged != 1 {
		t.Fatalf("counters = %+v, want one merge", c)
	}
	if c.FieldUpdates == 0 || c.HistoryRows == 0 {
		t.Fatalf("counters = %+v, want field updates and history rows from the merge", c)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	src := store.addSource("gemeinde", "A", 300)
	row := queueRow(store, src, "Lesung in der Bibliothek", "2026-02-03", "Bibliothek")

	svc := newTestService(t, store)
	if _, err := svc.Run(context.Background(), RunOptions{Mode: "live"}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	historyAfterFirst := store.historyCount()

	// Re-queue the processed row; the provenance fast path must skip it
	// and the second run must add zero history rows.
	if err := store.MarkRowStatus(context.Background(), row.SourceHappeningID, "queued", nil); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	result, err := svc.Run(context.Background(), RunOptions{Mode: "live"})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if result.Snapshot.Counters.SkippedDuplicate != 1 {
		t.Fatalf("counters = %+v, want one duplicate skip", result.Snapshot.Counters)
	}
	if store.happeningCount() != 1 {
		t.Fatalf("happenings = %d, want 1", store.happeningCount())
	}
	if store.historyCount() != historyAfterFirst {
		t.Fatalf("history grew from %d to %d on rerun", historyAfterFirst, store.historyCount())
	}
	if got := store.rowStatus(row.SourceHappeningID); got != "processed" {
		t.Fatalf("row status = %q, want processed", got)
	}
}

func TestRunNearTieOpensSingleReview(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	src := store.addSource("gemeinde", "A", 300)

	// Two distinct happenings, same title and date, registered at different
	// venues. Without venue text on the incoming row both score identically.
	seedHappeningAtVenue(t, store, "Weihnachtsmarkt im Dorf", "2026-12-05", "dorfplatz")
	seedHappeningAtVenue(t, store, "Weihnachtsmarkt im Dorf", "2026-12-05", "schulhaus")

	row := queueRow(store, src, "Weihnachtsmarkt im Dorf", "2026-12-05", "")
	svc := newTestService(t, store)
	result, err := svc.Run(context.Background(), RunOptions{Mode: "live"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Snapshot.Counters.Review != 1 {
		t.Fatalf("counters = %+v, want one review", result.Snapshot.Counters)
	}
	if got := store.rowStatus(row.SourceHappeningID); got != "needs_review" {
		t.Fatalf("row status = %q, want needs_review", got)
	}
	if store.openReviewCount() != 1 {
		t.Fatalf("open reviews = %d, want 1", store.openReviewCount())
	}

	// Reprocessing the parked row is idempotent: still exactly one review.
	if _, err := svc.Run(context.Background(), RunOptions{Mode: "live", IncludeNeedsReview: true}); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if store.openReviewCount() != 1 {
		t.Fatalf("open reviews after rerun = %d, want 1", store.openReviewCount())
	}
	if store.happeningCount() != 2 {
		t.Fatalf("review path must not create happenings, have %d", store.happeningCount())
	}
}

func TestRunArchivedHappeningIsNotACandidate(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	src := store.addSource("gemeinde", "A", 300)

	id := seedHappening(t, store, "Openair Kino am See", "2026-07-15")
	if err := store.UpdateHappeningFields(context.Background(), id, map[string]any{"visibility": "archived"}); err != nil {
		t.Fatalf("archive: %v", err)
	}

	queueRow(store, src, "Openair Kino am See", "2026-07-15", "")
	svc := newTestService(t, store)
	result, err := svc.Run(context.Background(), RunOptions{Mode: "live"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Snapshot.Counters.Created != 1 {
		t.Fatalf("counters = %+v, want a fresh create", result.Snapshot.Counters)
	}
	if store.happeningCount() != 2 {
		t.Fatalf("happenings = %d, want archived + new", store.happeningCount())
	}
}

func TestRunDryModeWritesNothing(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	src := store.addSource("gemeinde", "A", 300)
	row := queueRow(store, src, "Kinderyoga im Wald", "2026-01-22", "Gemeindesaal")

	svc := newTestService(t, store)
	result, err := svc.Run(context.Background(), RunOptions{Mode: "dry", PersistStats: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}

	if result.Snapshot.Counters.Created != 1 {
		t.Fatalf("counters = %+v, want one counted create", result.Snapshot.Counters)
	}
	if store.happeningCount() != 0 || store.occurrenceCount() != 0 || store.historyCount() != 0 {
		t.Fatal("dry run must not write")
	}
	if len(store.runs) != 0 {
		t.Fatal("dry run must not persist a merge run row")
	}
	if got := store.rowStatus(row.SourceHappeningID); got != "queued" {
		t.Fatalf("row status = %q, want still queued", got)
	}
}

func TestRunRowWithoutDateStillCreates(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	src := store.addSource("gemeinde", "A", 300)
	store.addRow(db.SourceHappening{
		SourceID:  src.SourceID,
		DedupeKey: mustKey(t, src.Slug, "Dauerausstellung Ortsmuseum"),
		TitleRaw:  "Dauerausstellung Ortsmuseum",
	})

	svc := newTestService(t, store)
	result, err := svc.Run(context.Background(), RunOptions{Mode: "live"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	c := result.Snapshot.Counters
	if c.Created != 1 {
		t.Fatalf("counters = %+v, want create", c)
	}
	if c.OccurrenceNullStartSkipped != 1 {
		t.Fatalf("counters = %+v, want occurrence skip recorded", c)
	}
	if store.happeningCount() != 1 {
		t.Fatalf("happenings = %d, want 1", store.happeningCount())
	}
	if store.occurrenceCount() != 0 {
		t.Fatal("no occurrence may exist without a start date")
	}
}

func TestRunIgnoresJunkTitles(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	src := store.addSource("gemeinde", "B", 200)
	row := store.addRow(db.SourceHappening{
		SourceID:  src.SourceID,
		DedupeKey: mustKey(t, src.Slug, "Kopfzeile"),
		TitleRaw:  "Kopfzeile",
	})

	svc := newTestService(t, store)
	result, err := svc.Run(context.Background(), RunOptions{Mode: "live"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Snapshot.Counters.Malformed != 1 {
		t.Fatalf("counters = %+v, want malformed", result.Snapshot.Counters)
	}
	if got := store.rowStatus(row.SourceHappeningID); got != "ignored" {
		t.Fatalf("row status = %q, want ignored", got)
	}
	if store.happeningCount() != 0 {
		t.Fatal("junk rows must not create happenings")
	}
}

func TestRunTimedRowUpgradesDateOnlyOccurrence(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	tierA := store.addSource("gemeinde", "A", 300)
	tierB := store.addSource("flyer", "B", 200)

	// First pass: date-only row creates a date-only occurrence.
	queueRow(store, tierB, "Konzert im Gemeindesaal", "2026-03-14", "Gemeindesaal")
	svc := newTestService(t, store)
	if _, err := svc.Run(context.Background(), RunOptions{Mode: "live"}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if store.occurrenceCount() != 1 {
		t.Fatalf("occurrences = %d, want 1", store.occurrenceCount())
	}

	// Second pass: the same event with an explicit time upgrades the
	// existing occurrence instead of duplicating it.
	start := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)
	date := "2026-03-14"
	key, _ := match.ComputeDedupeKey(tierA.Slug, "Konzert im Gemeindesaal", date, "Gemeindesaal", "", "")
	store.addRow(db.SourceHappening{
		SourceID:       tierA.SourceID,
		DedupeKey:      key,
		TitleRaw:       "Konzert im Gemeindesaal",
		StartDateLocal: &date,
		StartAt:        &start,
		DatePrecision:  "datetime",
	})
	if _, err := svc.Run(context.Background(), RunOptions{Mode: "live"}); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if store.occurrenceCount() != 1 {
		t.Fatalf("occurrences = %d, want the upgraded single row", store.occurrenceCount())
	}
	for _, occ := range store.occurrences {
		if occ.StartAt == nil || !occ.StartAt.Equal(start) {
			t.Fatalf("occurrence start = %v, want %v", occ.StartAt, start)
		}
		if occ.DatePrecision != "datetime" {
			t.Fatalf("precision = %q, want datetime", occ.DatePrecision)
		}
	}
}

func TestRunHonorsMaxRows(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	src := store.addSource("gemeinde", "A", 300)
	for i := 0; i < 5; i++ {
		queueRow(store, src, "Anlass Nummer "+string(rune('A'+i)), "2026-05-0"+string(rune('1'+i)), "")
	}

	svc := newTestService(t, store)
	result, err := svc.Run(context.Background(), RunOptions{Mode: "live", BatchSize: 2, MaxRows: 3})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Snapshot.Counters.RowsSeen != 3 {
		t.Fatalf("rows seen = %d, want 3", result.Snapshot.Counters.RowsSeen)
	}
}

// seedHappening inserts a published happening with a one-day offering.
func seedHappening(t *testing.T, store *memStore, title, date string) int64 {
	t.Helper()
	return seedHappeningAtVenue(t, store, title, date, "")
}

func seedHappeningAtVenue(t *testing.T, store *memStore, title, date, venue string) int64 {
	t.Helper()
	ctx := context.Background()

	var venueID *int64
	venueAnchor := ""
	if venue != "" {
		id, err := store.UpsertVenue(ctx, venue, match.NormalizeVenue(venue))
		if err != nil {
			t.Fatalf("seed venue: %v", err)
		}
		venueID = &id
		venueAnchor = venue
	}

	id, err := store.CreateHappening(ctx, &db.Happening{
		CanonicalKey: match.ComputeCanonicalKey("event", title, date, nil, nil, venueAnchor, false),
		Kind:         "event",
		Title:        title,
		VenueID:      venueID,
		Visibility:   "published",
	})
	if err != nil {
		t.Fatalf("seed happening: %v", err)
	}
	if _, err := store.UpsertOffering(ctx, &db.Offering{
		HappeningID: id,
		NKKey:       "seed|" + venue + "|" + title + "|" + date,
		Kind:        "one_off",
		StartDate:   &date,
	}); err != nil {
		t.Fatalf("seed offering: %v", err)
	}
	return id
}

func mustKey(t *testing.T, sourceSlug, title string) string {
	t.Helper()
	key, err := match.ComputeDedupeKey(sourceSlug, title, "", "", "https://example.ch/"+title, "")
	if err != nil {
		t.Fatalf("dedupe key: %v", err)
	}
	return key
}
