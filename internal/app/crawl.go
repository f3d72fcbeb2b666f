package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"caloo.ch/caloo/internal/cli"
	"caloo.ch/caloo/internal/config"
	"caloo.ch/caloo/internal/crawl"
	"caloo.ch/caloo/internal/db"
	"caloo.ch/caloo/internal/logging"
	"caloo.ch/caloo/internal/metrics"
)

func runCrawl(args []string) int {
	fs := flag.NewFlagSet("crawl", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	sourceSlug := fs.String("source", "", "Crawl only this source slug")
	timeout := fs.Duration("timeout", 10*time.Minute, "Overall crawl deadline")

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

	defaultTZ, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid default timezone %q: %v\n", cfg.DefaultTimezone, err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("crawl failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	crawler := crawl.NewCrawler(pool, cfg, logger, metrics.New(), defaultTZ)

	var results []crawl.Result
	if slug := strings.TrimSpace(*sourceSlug); slug != "" {
		src, err := pool.GetSourceBySlug(ctx, slug)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unknown source %q: %v\n", slug, err)
			return 1
		}
		results = []crawl.Result{crawler.CrawlSource(ctx, src)}
	} else {
		results, err = crawler.CrawlAll(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("crawl failed")
			fmt.Fprintf(os.Stderr, "Crawl failed: %v\n", err)
			return 1
		}
	}

	exitCode := 0
	for _, res := range results {
		if res.Err != nil {
			exitCode = 1
			fmt.Fprintf(os.Stderr, "FAILED %s: %v\n", res.SourceSlug, res.Err)
			continue
		}
		fmt.Printf("crawl source=%s fetched=%d inserted=%d refreshed=%d skipped=%d\n",
			res.SourceSlug, res.Fetched, res.Inserted, res.Refreshed, res.Skipped)
	}
	return exitCode
}
