package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "ingest":
		return runIngest(args[1:])
	case "crawl":
		return runCrawl(args[1:])
	case "canonicalize", "run-once":
		return runCanonicalize(args[1:])
	case "stats":
		return runStats(args[1:])
	case "reviews":
		return runReviews(args[1:])
	case "serve":
		return runServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "caloo CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  caloo <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health        Verify database connectivity")
	fmt.Fprintln(os.Stderr, "  validate      Validate raw happening JSON files against the v1 schema")
	fmt.Fprintln(os.Stderr, "  ingest        Queue raw happening JSON files for canonicalization")
	fmt.Fprintln(os.Stderr, "  crawl         Crawl enabled sources and queue their items")
	fmt.Fprintln(os.Stderr, "  canonicalize  Process queued rows into canonical happenings")
	fmt.Fprintln(os.Stderr, "  run-once      Alias for canonicalize")
	fmt.Fprintln(os.Stderr, "  stats         Print queue depths and table counts")
	fmt.Fprintln(os.Stderr, "  reviews       List or resolve canonicalization reviews")
	fmt.Fprintln(os.Stderr, "  serve         Start the Echo API server")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"caloo <command> -h\" for command-specific flags.")
}
