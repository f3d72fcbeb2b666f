package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"caloo.ch/caloo/internal/cli"
	"caloo.ch/caloo/internal/config"
	"caloo.ch/caloo/internal/db"
	"caloo.ch/caloo/internal/langdetect"
	"caloo.ch/caloo/internal/logging"
	"caloo.ch/caloo/internal/match"
	"caloo.ch/caloo/internal/normalize"
	payloadschema "caloo.ch/caloo/schema"
)

// runIngest validates raw happening JSON files and queues them as source
// rows, the file-based sibling of the crawler. Re-running over the same
// files refreshes rows instead of duplicating them.
func runIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	dir := fs.String("dir", "testdata/raw_happenings", "Directory containing .json raw happening files")
	recursive := fs.Bool("recursive", true, "Recursively scan subdirectories")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}

	files, err := collectJSONFiles(strings.TrimSpace(*dir), *recursive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ingest setup failed: %v\n", err)
		return 1
	}
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "Ingest failed: no .json files found under %s\n", strings.TrimSpace(*dir))
		return 1
	}

	defaultTZ, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid default timezone %q: %v\n", cfg.DefaultTimezone, err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("ingest failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	sources := map[string]*db.Source{}
	var inserted, refreshed, failed int

	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "FAILED %s: read failed: %v\n", path, err)
			continue
		}

		item, err := payloadschema.ValidateRawHappeningPayload(json.RawMessage(raw))
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "FAILED %s: %v\n", path, err)
			continue
		}

		src, ok := sources[item.Source]
		if !ok {
			src, err = pool.GetSourceBySlug(ctx, item.Source)
			if err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "FAILED %s: unknown source %q: %v\n", path, item.Source, err)
				continue
			}
			sources[item.Source] = src
		}

		wasInserted, err := queueRawHappening(ctx, pool, src, item, defaultTZ)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "FAILED %s: %v\n", path, err)
			continue
		}
		if wasInserted {
			inserted++
		} else {
			refreshed++
		}
	}

	logger.Info().
		Int("inserted", inserted).
		Int("refreshed", refreshed).
		Int("failed", failed).
		Msg("ingest finished")
	fmt.Printf("ingest files=%d inserted=%d refreshed=%d failed=%d\n",
		len(files), inserted, refreshed, failed)

	if failed > 0 {
		return 1
	}
	return 0
}

func queueRawHappening(ctx context.Context, pool *db.Pool, src *db.Source, item *payloadschema.RawHappening, defaultTZ *time.Location) (bool, error) {
	if match.IsJunkTitle(item.Title) {
		return false, fmt.Errorf("junk title %q", item.Title)
	}

	loc := defaultTZ
	if tzName := strings.TrimSpace(src.Timezone); tzName != "" {
		if parsed, err := time.LoadLocation(tzName); err == nil {
			loc = parsed
		}
	}

	datetimeRaw := strDeref(item.DatetimeRaw)
	parsed := normalize.ParseForTier(datetimeRaw, src.Tier, allowedPatterns(src), loc)

	key, err := match.ComputeDedupeKey(
		src.Slug,
		item.Title,
		parsed.StartDateLocal,
		strDeref(item.Location),
		strDeref(item.URL),
		strDeref(item.ExternalID),
	)
	if err != nil {
		return false, err
	}

	row := &db.SourceHappening{
		SourceID:         src.SourceID,
		DedupeKey:        key,
		TitleRaw:         strings.TrimSpace(item.Title),
		DescriptionRaw:   item.Description,
		LocationRaw:      item.Location,
		DatetimeRaw:      item.DatetimeRaw,
		URL:              item.URL,
		ImageURL:         item.ImageURL,
		ExternalID:       item.ExternalID,
		DatePrecision:    string(parsed.Precision),
		ExtractionMethod: "manual",
		StartAt:          parsed.Start,
		EndAt:            parsed.End,
		Language:         item.Language,
		FetchedAt:        time.Now().UTC(),
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
	if row.Language == nil {
		if lang := langdetect.DetectISO6391(item.Title + " " + strDeref(item.Description)); lang != "" {
			row.Language = &lang
		}
	}
	if payload, err := json.Marshal(item); err == nil {
		row.Payload = payload
		row.ContentHash = match.ComputeContentHash(payload)
	}

	_, wasInserted, err := pool.UpsertSourceHappening(ctx, row)
	if err != nil {
		return false, err
	}
	return wasInserted, nil
}

func allowedPatterns(src *db.Source) []string {
	if len(src.AllowedPatterns) == 0 {
		return nil
	}
	var patterns []string
	if err := json.Unmarshal(src.AllowedPatterns, &patterns); err != nil {
		return nil
	}
	return patterns
}

func strDeref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
