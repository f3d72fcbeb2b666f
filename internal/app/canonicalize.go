package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"caloo.ch/caloo/internal/cli"
	"caloo.ch/caloo/internal/config"
	"caloo.ch/caloo/internal/db"
	"caloo.ch/caloo/internal/engine"
	"caloo.ch/caloo/internal/logging"
	"caloo.ch/caloo/internal/metrics"
)

func runCanonicalize(args []string) int {
	fs := flag.NewFlagSet("canonicalize", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	mode := fs.String("mode", "live", "Run mode: live writes, dry only scores and counts")
	batchSize := fs.Int("batch-size", 0, "Rows fetched per batch (0 uses CALOO_MERGE_BATCH_SIZE)")
	maxBatches := fs.Int("max-batches", 0, "Stop after this many batches (0 = drain the queue)")
	maxRows := fs.Int("max-rows", 0, "Stop after this many rows (0 = no cap)")
	includeNeedsReview := fs.Bool("include-needs-review", false, "Also reprocess rows parked as needs_review")
	persistStats := fs.Bool("persist-stats", true, "Record the run in merge_runs (live mode only)")
	timeout := fs.Duration("timeout", 30*time.Minute, "Overall run deadline")

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
		logger.Error().Err(err).Msg("canonicalize failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	if *batchSize <= 0 {
		*batchSize = cfg.MergeBatchSize
	}

	svc := engine.NewService(pool, logger, metrics.New(), defaultTZ)
	result, err := svc.Run(ctx, engine.RunOptions{
		Mode:               *mode,
		BatchSize:          *batchSize,
		MaxBatches:         *maxBatches,
		MaxRows:            *maxRows,
		IncludeNeedsReview: *includeNeedsReview,
		PersistStats:       *persistStats,
	})
	if err != nil {
		logger.Error().Err(err).Msg("canonicalization run failed")
		fmt.Fprintf(os.Stderr, "Canonicalization failed: %v\n", err)
		return 1
	}

	snapshot, err := json.Marshal(result.Snapshot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode run snapshot: %v\n", err)
		return 1
	}
	fmt.Printf("canonicalize run=%s mode=%s\n%s\n", result.RunUUID, result.Mode, snapshot)
	return 0
}
