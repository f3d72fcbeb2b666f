package crawl

import (
	"context"

	"caloo.ch/caloo/internal/db"
)

// Item is one event listing as extracted from a source page, before
// normalization. Fields are raw text exactly as published.
type Item struct {
	Title       string
	Description string
	Location    string
	DatetimeRaw string
	URL         string
	ImageURL    string
	ExternalID  string

	// Extraction records how the item was obtained: "structured" for
	// JSON-LD data, "time_element" for <time datetime=...> markup,
	// "text_heuristic" for pattern extraction from page text.
	Extraction string
}

// Store is the persistence surface the crawler writes to.
type Store interface {
	ListEnabledSources(ctx context.Context) ([]db.Source, error)
	UpsertSourceHappening(ctx context.Context, row *db.SourceHappening) (int64, bool, error)
}

// Result summarizes one source crawl.
type Result struct {
	SourceSlug string
	Fetched    int
	Inserted   int
	Refreshed  int
	Skipped    int
	Err        error
}
