package db

import (
	"encoding/json"
	"time"
)

// Source maps caloo.sources, the registry of crawlable event sources.
// Tier A sources publish structured data, tier B need heuristic extraction
// restricted to a pattern whitelist, tier C are not crawled automatically.
type Source struct {
	SourceID        int64           `gorm:"column:source_id;primaryKey;autoIncrement"`
	SourceUUID      string          `gorm:"column:source_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	Slug            string          `gorm:"column:slug;type:text;not null;unique"`
	Name            string          `gorm:"column:name;type:text;not null"`
	Kind            string          `gorm:"column:kind;type:text;not null;default:website"`
	Tier            string          `gorm:"column:tier;type:text;not null;default:B"`
	Priority        int             `gorm:"column:priority;type:integer;not null;default:200"`
	BaseURL         *string         `gorm:"column:base_url;type:text"`
	Timezone        string          `gorm:"column:timezone;type:text;not null;default:Europe/Zurich"`
	AllowedPatterns json.RawMessage `gorm:"column:allowed_patterns;type:jsonb"`
	Enabled         bool            `gorm:"column:enabled;not null;default:true"`
	CreatedAt       time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Source) TableName() string { return "caloo.sources" }

// Venue maps caloo.venues.
type Venue struct {
	VenueID        int64     `gorm:"column:venue_id;primaryKey;autoIncrement"`
	VenueUUID      string    `gorm:"column:venue_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	Name           string    `gorm:"column:name;type:text;not null"`
	NormalizedName string    `gorm:"column:normalized_name;type:text;not null;unique"`
	Address        *string   `gorm:"column:address;type:text"`
	Municipality   string    `gorm:"column:municipality;type:text;not null;default:''"`
	Lat            *float64  `gorm:"column:lat;type:double precision"`
	Lon            *float64  `gorm:"column:lon;type:double precision"`
	CreatedAt      time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt      time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Venue) TableName() string { return "caloo.venues" }

// SourceHappening maps caloo.source_happenings: one raw item as a source
// published it. Rows are immutable after ingestion except for the processing
// status fields; re-crawls upsert on dedupe_key instead of inserting twice.
type SourceHappening struct {
	SourceHappeningID   int64           `gorm:"column:source_happening_id;primaryKey;autoIncrement"`
	SourceHappeningUUID string          `gorm:"column:source_happening_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	SourceID            int64           `gorm:"column:source_id;type:bigint;not null;index"`
	DedupeKey           string          `gorm:"column:dedupe_key;type:text;not null;unique"`
	TitleRaw            string          `gorm:"column:title_raw;type:text;not null"`
	DescriptionRaw      *string         `gorm:"column:description_raw;type:text"`
	LocationRaw         *string         `gorm:"column:location_raw;type:text"`
	DatetimeRaw         *string         `gorm:"column:datetime_raw;type:text"`
	URL                 *string         `gorm:"column:url;type:text"`
	ImageURL            *string         `gorm:"column:image_url;type:text"`
	ExternalID          *string         `gorm:"column:external_id;type:text"`
	Payload             json.RawMessage `gorm:"column:payload;type:jsonb"`
	ContentHash         string          `gorm:"column:content_hash;type:text;not null;default:''"`
	StartAt             *time.Time      `gorm:"column:start_at;type:timestamptz"`
	EndAt               *time.Time      `gorm:"column:end_at;type:timestamptz"`
	StartDateLocal      *string         `gorm:"column:start_date_local;type:date"`
	EndDateLocal        *string         `gorm:"column:end_date_local;type:date"`
	DatePrecision       string          `gorm:"column:date_precision;type:text;not null;default:date"`
	TimePattern         *string         `gorm:"column:time_pattern;type:text"`
	ExtractionMethod    string          `gorm:"column:extraction_method;type:text;not null;default:structured"`
	Language            *string         `gorm:"column:language;type:text"`
	Status              string          `gorm:"column:status;type:text;not null;default:queued;index"`
	ErrorMessage        *string         `gorm:"column:error_message;type:text"`
	FetchedAt           time.Time       `gorm:"column:fetched_at;type:timestamptz;not null;default:now()"`
	ProcessedAt         *time.Time      `gorm:"column:processed_at;type:timestamptz"`
	CreatedAt           time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt           time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (SourceHappening) TableName() string { return "caloo.source_happenings" }

// Happening maps caloo.happenings: the canonical identity of one real-world
// event or series. Holds identity and presentation fields only; scheduling
// lives in offerings and occurrences.
type Happening struct {
	HappeningID    int64           `gorm:"column:happening_id;primaryKey;autoIncrement"`
	HappeningUUID  string          `gorm:"column:happening_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	CanonicalKey   string          `gorm:"column:canonical_key;type:text;not null;unique"`
	Kind           string          `gorm:"column:kind;type:text;not null;default:event"`
	Title          string          `gorm:"column:title;type:text;not null"`
	Description    *string         `gorm:"column:description;type:text"`
	ImageURL       *string         `gorm:"column:image_url;type:text"`
	URL            *string         `gorm:"column:url;type:text"`
	VenueID        *int64          `gorm:"column:venue_id;type:bigint"`
	Online         bool            `gorm:"column:online;not null;default:false"`
	Language       *string         `gorm:"column:language;type:text"`
	AudienceTags   json.RawMessage `gorm:"column:audience_tags;type:jsonb"`
	TopicTags      json.RawMessage `gorm:"column:topic_tags;type:jsonb"`
	RelevanceScore int             `gorm:"column:relevance_score;type:integer;not null;default:0"`
	QualityScore   int             `gorm:"column:quality_score;type:integer;not null;default:0"`
	Visibility     string          `gorm:"column:visibility;type:text;not null;default:published;index"`
	LockedFields   json.RawMessage `gorm:"column:locked_fields;type:jsonb"`
	CreatedAt      time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Happening) TableName() string { return "caloo.happenings" }

// Offering maps caloo.offerings: one scheduling shape of a happening
// (one_off, series, recurring) with its overall date range.
type Offering struct {
	OfferingID   int64      `gorm:"column:offering_id;primaryKey;autoIncrement"`
	OfferingUUID string     `gorm:"column:offering_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	HappeningID  int64      `gorm:"column:happening_id;type:bigint;not null;index"`
	NKKey        string     `gorm:"column:nk_key;type:text;not null;unique"`
	Kind         string     `gorm:"column:kind;type:text;not null;default:one_off"`
	StartDate    *string    `gorm:"column:start_date;type:date"`
	EndDate      *string    `gorm:"column:end_date;type:date"`
	CreatedAt    time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
	DeletedAt    *time.Time `gorm:"column:deleted_at;type:timestamptz"`
}

func (Offering) TableName() string { return "caloo.offerings" }

// Occurrence maps caloo.occurrences: one concrete dated instance. Rows exist
// only when a start timestamp or at least a start date is known; date-only
// rows carry a null start_at, never a midnight placeholder. Status is
// scheduled, cancelled or completed; automatic merges only create scheduled
// rows, the other two are set by operators.
type Occurrence struct {
	OccurrenceID   int64      `gorm:"column:occurrence_id;primaryKey;autoIncrement"`
	OccurrenceUUID string     `gorm:"column:occurrence_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	OfferingID     int64      `gorm:"column:offering_id;type:bigint;not null;index"`
	StartAt        *time.Time `gorm:"column:start_at;type:timestamptz"`
	EndAt          *time.Time `gorm:"column:end_at;type:timestamptz"`
	StartDateLocal string     `gorm:"column:start_date_local;type:date;not null"`
	DatePrecision  string     `gorm:"column:date_precision;type:text;not null;default:date"`
	VenueID        *int64     `gorm:"column:venue_id;type:bigint"`
	Status         string     `gorm:"column:status;type:text;not null;default:scheduled"`
	CreatedAt      time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Occurrence) TableName() string { return "caloo.occurrences" }

// HappeningSource maps caloo.happening_sources, the provenance link between
// a canonical happening and the source rows that fed it. One row per source
// row; field precedence goes to the row flagged is_primary, then to the
// highest source priority.
type HappeningSource struct {
	HappeningSourceID   int64      `gorm:"column:happening_source_id;primaryKey;autoIncrement"`
	HappeningSourceUUID string     `gorm:"column:happening_source_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	HappeningID         int64      `gorm:"column:happening_id;type:bigint;not null;index"`
	SourceHappeningID   int64      `gorm:"column:source_happening_id;type:bigint;not null;unique"`
	SourceID            int64      `gorm:"column:source_id;type:bigint;not null"`
	IsPrimary           bool       `gorm:"column:is_primary;not null;default:false"`
	SourcePriority      int        `gorm:"column:source_priority;type:integer;not null;default:200"`
	Confidence          float64    `gorm:"column:confidence;type:double precision;not null;default:0"`
	Decision            string     `gorm:"column:decision;type:text;not null;default:created"`
	FirstMergedAt       time.Time  `gorm:"column:first_merged_at;type:timestamptz;not null;default:now()"`
	MergedAt            time.Time  `gorm:"column:merged_at;type:timestamptz;not null;default:now()"`
	CreatedAt           time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt           time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
	DeletedAt           *time.Time `gorm:"column:deleted_at;type:timestamptz"`
}

func (HappeningSource) TableName() string { return "caloo.happening_sources" }

// FieldHistoryEntry maps caloo.happening_field_history. The unique change_key
// makes history writes idempotent: re-running canonicalization over the same
// inputs inserts zero new rows.
type FieldHistoryEntry struct {
	FieldHistoryID    int64     `gorm:"column:field_history_id;primaryKey;autoIncrement"`
	FieldHistoryUUID  string    `gorm:"column:field_history_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	HappeningID       int64     `gorm:"column:happening_id;type:bigint;not null;index"`
	Field             string    `gorm:"column:field;type:text;not null"`
	OldValue          *string   `gorm:"column:old_value;type:text"`
	NewValue          *string   `gorm:"column:new_value;type:text"`
	ChangeKey         string    `gorm:"column:change_key;type:text;not null;unique"`
	SourceHappeningID *int64    `gorm:"column:source_happening_id;type:bigint"`
	ChangedAt         time.Time `gorm:"column:changed_at;type:timestamptz;not null;default:now()"`
	CreatedAt         time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (FieldHistoryEntry) TableName() string { return "caloo.happening_field_history" }

// Review maps caloo.canonicalization_reviews: ambiguous merge decisions
// parked for a human. At most one open review exists per source row and
// content fingerprint (enforced by a partial unique index).
type Review struct {
	ReviewID            int64           `gorm:"column:review_id;primaryKey;autoIncrement"`
	ReviewUUID          string          `gorm:"column:review_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	SourceHappeningID   int64           `gorm:"column:source_happening_id;type:bigint;not null;index"`
	Fingerprint         string          `gorm:"column:fingerprint;type:text;not null"`
	Status              string          `gorm:"column:status;type:text;not null;default:open;index"`
	Reason              string          `gorm:"column:reason;type:text;not null;default:near_tie"`
	TopScore            float64         `gorm:"column:top_score;type:double precision;not null;default:0"`
	RunnerUpScore       *float64        `gorm:"column:runner_up_score;type:double precision"`
	TopHappeningID      *int64          `gorm:"column:top_happening_id;type:bigint"`
	RunnerUpHappeningID *int64          `gorm:"column:runner_up_happening_id;type:bigint"`
	Details             json.RawMessage `gorm:"column:details;type:jsonb"`
	ResolvedBy          *string         `gorm:"column:resolved_by;type:text"`
	ResolvedAt          *time.Time      `gorm:"column:resolved_at;type:timestamptz"`
	ResolutionNote      *string         `gorm:"column:resolution_note;type:text"`
	CreatedAt           time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt           time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Review) TableName() string { return "caloo.canonicalization_reviews" }

// MergeRun maps caloo.merge_runs, one row per canonicalization run with its
// final counters and score histogram.
type MergeRun struct {
	MergeRunID   int64           `gorm:"column:merge_run_id;primaryKey;autoIncrement"`
	MergeRunUUID string          `gorm:"column:merge_run_uuid;type:uuid;not null;unique"`
	Mode         string          `gorm:"column:mode;type:text;not null;default:live"`
	Status       string          `gorm:"column:status;type:text;not null;default:running"`
	StartedAt    time.Time       `gorm:"column:started_at;type:timestamptz;not null;default:now()"`
	FinishedAt   *time.Time      `gorm:"column:finished_at;type:timestamptz"`
	Stats        json.RawMessage `gorm:"column:stats;type:jsonb"`
	ErrorMessage *string         `gorm:"column:error_message;type:text"`
	CreatedAt    time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (MergeRun) TableName() string { return "caloo.merge_runs" }

func autoMigrateModels() []any {
	return []any{
		&Source{},
		&Venue{},
		&SourceHappening{},
		&Happening{},
		&Offering{},
		&Occurrence{},
		&HappeningSource{},
		&FieldHistoryEntry{},
		&Review{},
		&MergeRun{},
	}
}
