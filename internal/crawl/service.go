package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"caloo.ch/caloo/internal/config"
	"caloo.ch/caloo/internal/db"
	"caloo.ch/caloo/internal/langdetect"
	"caloo.ch/caloo/internal/match"
	"caloo.ch/caloo/internal/metrics"
	"caloo.ch/caloo/internal/normalize"
)

// Crawler fetches registered sources and queues raw rows for
// canonicalization. Sources crawl concurrently, bounded by the worker limit;
// items within one source crawl sequentially.
type Crawler struct {
	store     Store
	fetcher   *Fetcher
	reader    *DescriptionReader
	log       zerolog.Logger
	metrics   *metrics.Metrics
	defaultTZ *time.Location

	workers      int
	maxItems     int
	fetchDetails bool
}

func NewCrawler(store Store, cfg *config.Config, log zerolog.Logger, m *metrics.Metrics, defaultTZ *time.Location) *Crawler {
	if defaultTZ == nil {
		defaultTZ = time.UTC
	}
	timeout := time.Duration(cfg.CrawlTimeoutSecs) * time.Second
	return &Crawler{
		store:        store,
		fetcher:      NewFetcher(timeout),
		reader:       NewDescriptionReader(timeout),
		log:          log.With().Str("component", "crawl").Logger(),
		metrics:      m,
		defaultTZ:    defaultTZ,
		workers:      cfg.CrawlWorkers,
		maxItems:     cfg.CrawlMaxItems,
		fetchDetails: cfg.CrawlFetchDetails,
	}
}

// CrawlAll runs every enabled source through a bounded worker pool. A
// failing source does not abort the others; per-source errors come back in
// the results.
func (c *Crawler) CrawlAll(ctx context.Context) ([]Result, error) {
	sources, err := c.store.ListEnabledSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	results := make([]Result, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, c.workers))

	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			res := c.CrawlSource(gctx, &src)
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// CrawlSource fetches and queues one source. Tier C sources are registered
// but never crawled automatically.
func (c *Crawler) CrawlSource(ctx context.Context, src *db.Source) Result {
	res := Result{SourceSlug: src.Slug}
	log := c.log.With().Str("source", src.Slug).Str("tier", src.Tier).Logger()

	if strings.EqualFold(src.Tier, "C") {
		log.Debug().Msg("tier C source skipped")
		return res
	}
	if src.BaseURL == nil || strings.TrimSpace(*src.BaseURL) == "" {
		res.Err = fmt.Errorf("source %s has no base url", src.Slug)
		return res
	}

	html, err := c.fetcher.FetchHTML(ctx, *src.BaseURL)
	if err != nil {
		res.Err = err
		c.metrics.CrawlItem(src.Slug, "fetch_error")
		return res
	}

	loc := c.timezoneFor(src)
	items := ExtractStructured(html)
	if len(items) == 0 {
		items = ExtractTimeElements(html, src.Tier, patternWhitelist(src), loc)
	}
	if len(items) == 0 && strings.EqualFold(src.Tier, "B") {
		items = ExtractHeuristic(html, patternWhitelist(src), loc)
	}
	res.Fetched = len(items)

	if c.maxItems > 0 && len(items) > c.maxItems {
		items = items[:c.maxItems]
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		inserted, err := c.queueItem(ctx, src, item, loc)
		switch {
		case err != nil:
			res.Skipped++
			c.metrics.CrawlItem(src.Slug, "skipped")
			log.Debug().Err(err).Str("title", item.Title).Msg("item skipped")
		case inserted:
			res.Inserted++
			c.metrics.CrawlItem(src.Slug, "inserted")
		default:
			res.Refreshed++
			c.metrics.CrawlItem(src.Slug, "refreshed")
		}
	}

	log.Info().
		Int("fetched", res.Fetched).
		Int("inserted", res.Inserted).
		Int("refreshed", res.Refreshed).
		Int("skipped", res.Skipped).
		Msg("source crawled")
	return res
}

func (c *Crawler) queueItem(ctx context.Context, src *db.Source, item Item, loc *time.Location) (bool, error) {
	if match.IsJunkTitle(item.Title) {
		return false, fmt.Errorf("junk title")
	}

	parsed := normalize.ParseForTier(item.DatetimeRaw, src.Tier, patternWhitelist(src), loc)

	key, err := match.ComputeDedupeKey(
		src.Slug, item.Title, parsed.StartDateLocal, item.Location, item.URL, item.ExternalID,
	)
	if err != nil {
		return false, err
	}

	description := strings.TrimSpace(item.Description)
	if description == "" && c.fetchDetails && item.URL != "" {
		if text, err := c.reader.FetchDescription(ctx, item.URL, item.Title); err == nil {
			description = text
		}
	}

	row := &db.SourceHappening{
		SourceID:         src.SourceID,
		DedupeKey:        key,
		TitleRaw:         strings.TrimSpace(item.Title),
		DatePrecision:    string(parsed.Precision),
		ExtractionMethod: item.Extraction,
		StartAt:          parsed.Start,
		EndAt:            parsed.End,
		FetchedAt:        time.Now().UTC(),
	}
	if description != "" {
		row.DescriptionRaw = &description
		if lang := langdetect.DetectISO6391(item.Title + " " + description); lang != "" {
			row.Language = &lang
		}
	}
	if item.Location != "" {
		row.LocationRaw = &item.Location
	}
	if item.DatetimeRaw != "" {
		row.DatetimeRaw = &item.DatetimeRaw
	}
	if item.URL != "" {
		row.URL = &item.URL
	}
	if item.ImageURL != "" {
		row.ImageURL = &item.ImageURL
	}
	if item.ExternalID != "" {
		row.ExternalID = &item.ExternalID
	}
	if parsed.StartDateLocal != "" {
		row.StartDateLocal = &parsed.StartDateLocal
	}
	if parsed.EndDateLocal != "" {
		row.EndDateLocal = &parsed.EndDateLocal
	}
	if parsed.Pattern != "" {
		row.TimePattern = &parsed.Pattern
	}
	if payload, err := json.Marshal(item); err == nil {
		row.Payload = payload
		row.ContentHash = match.ComputeContentHash(payload)
	}

	_, inserted, err := c.store.UpsertSourceHappening(ctx, row)
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (c *Crawler) timezoneFor(src *db.Source) *time.Location {
	name := strings.TrimSpace(src.Timezone)
	if name == "" {
		return c.defaultTZ
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return c.defaultTZ
	}
	return loc
}

func patternWhitelist(src *db.Source) []string {
	if len(src.AllowedPatterns) == 0 {
		return nil
	}
	var patterns []string
	if err := json.Unmarshal(src.AllowedPatterns, &patterns); err != nil {
		return nil
	}
	return patterns
}
