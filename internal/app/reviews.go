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
	"caloo.ch/caloo/internal/db"
	"caloo.ch/caloo/internal/logging"
)

// runReviews lists reviews by default; --resolve closes one.
func runReviews(args []string) int {
	fs := flag.NewFlagSet("reviews", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	status := fs.String("status", "open", "Filter by status: open, accepted, rejected, or empty for all")
	limit := fs.Int("limit", 50, "Maximum reviews to list")
	resolveUUID := fs.String("resolve", "", "Review UUID to resolve")
	action := fs.String("action", "", "Resolution action: accept or reject")
	resolvedBy := fs.String("resolved-by", "cli", "Name recorded as the resolver")
	note := fs.String("note", "", "Optional resolution note")
	timeout := fs.Duration("timeout", 30*time.Second, "Query deadline")

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

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("reviews failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	if uuid := strings.TrimSpace(*resolveUUID); uuid != "" {
		return resolveReviewCmd(ctx, pool, uuid, *action, *resolvedBy, *note)
	}

	reviews, err := pool.ListReviews(ctx, strings.TrimSpace(*status), *limit)
	if err != nil {
		logger.Error().Err(err).Msg("review listing failed")
		fmt.Fprintf(os.Stderr, "Failed to list reviews: %v\n", err)
		return 1
	}

	if len(reviews) == 0 {
		fmt.Println("no reviews")
		return 0
	}
	for _, r := range reviews {
		runnerUp := "-"
		if r.RunnerUpScore != nil {
			runnerUp = fmt.Sprintf("%.4f", *r.RunnerUpScore)
		}
		fmt.Printf("%s  status=%s reason=%s row=%d top=%.4f runner_up=%s created=%s\n",
			r.ReviewUUID, r.Status, r.Reason, r.SourceHappeningID,
			r.TopScore, runnerUp, r.CreatedAt.Format(time.RFC3339))
	}
	return 0
}

func resolveReviewCmd(ctx context.Context, pool *db.Pool, reviewUUID, action, resolvedBy, note string) int {
	var status string
	switch strings.TrimSpace(action) {
	case "accept":
		status = "accepted"
	case "reject":
		status = "rejected"
	default:
		fmt.Fprintln(os.Stderr, "--action must be accept or reject when resolving")
		return 2
	}

	review, err := pool.GetReviewByUUID(ctx, reviewUUID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			fmt.Fprintf(os.Stderr, "Review %s not found\n", reviewUUID)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Failed to load review: %v\n", err)
		return 1
	}

	if err := pool.ResolveReview(ctx, review.ReviewID, status, resolvedBy, note); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			fmt.Fprintf(os.Stderr, "Review %s is not open\n", reviewUUID)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Failed to resolve review: %v\n", err)
		return 1
	}

	fmt.Printf("review %s %s\n", reviewUUID, status)
	return 0
}
