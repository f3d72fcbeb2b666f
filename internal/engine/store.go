package engine

import (
	"context"
	"encoding/json"
	"time"

	"caloo.ch/caloo/internal/db"
)

// Store is the persistence surface the canonicalization engine runs against.
// *db.Pool implements it; tests use an in-memory fake.
type Store interface {
	FetchQueued(ctx context.Context, limit int, afterID int64, includeNeedsReview bool) ([]db.SourceHappening, error)
	ClaimProcessing(ctx context.Context, ids []int64) (int64, error)
	MarkRowStatus(ctx context.Context, id int64, status string, errorMessage *string) error

	GetSourceByID(ctx context.Context, sourceID int64) (*db.Source, error)

	FindCandidates(ctx context.Context, startDateLocal string, limit int) ([]db.Candidate, error)
	ListOccurrencesForOffering(ctx context.Context, offeringID int64) ([]db.CandidateOccurrence, error)

	GetHappeningByCanonicalKey(ctx context.Context, canonicalKey string) (*db.Happening, error)
	GetHappeningByID(ctx context.Context, id int64) (*db.Happening, error)
	CreateHappening(ctx context.Context, h *db.Happening) (int64, error)
	UpdateHappeningFields(ctx context.Context, id int64, fields map[string]any) error

	UpsertOffering(ctx context.Context, o *db.Offering) (int64, error)
	UpsertOccurrence(ctx context.Context, o *db.Occurrence) (int64, error)
	UpgradeOccurrenceStart(ctx context.Context, occurrenceID int64, startAt, endAt *time.Time) error

	UpsertVenue(ctx context.Context, name, normalizedName string) (int64, error)

	GetProvenanceBySourceRow(ctx context.Context, sourceHappeningID int64) (*db.HappeningSource, error)
	PrimaryProvenance(ctx context.Context, happeningID int64) (*db.HappeningSource, error)
	UpsertProvenance(ctx context.Context, hs *db.HappeningSource) error

	InsertFieldHistory(ctx context.Context, entries []db.FieldHistoryEntry) (int64, error)

	OpenReview(ctx context.Context, r *db.Review) (bool, error)

	InsertMergeRun(ctx context.Context, runUUID, mode string) (int64, error)
	FinishMergeRun(ctx context.Context, runID int64, status string, stats json.RawMessage, errorMessage *string) error
}

var _ Store = (*db.Pool)(nil)
