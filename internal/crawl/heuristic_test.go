package crawl

import (
	"testing"
	"time"

	"caloo.ch/caloo/internal/normalize"
)

const agendaPage = `<html><body>
<h1>Agenda</h1>
<table>
<tr><td>Seniorennachmittag</td></tr>
<tr><td>24.01.2026</td></tr>
<tr><td>Gemeindeversammlung</td></tr>
<tr><td>22. Januar 2026</td></tr>
<tr><td>Kopfzeile</td></tr>
<tr><td>01.02.2026</td></tr>
</table>
</body></html>`

func TestExtractHeuristicPairsTitlesWithDates(t *testing.T) {
	t.Parallel()

	items := ExtractHeuristic(agendaPage, []string{normalize.PatternNumericDate}, time.UTC)

	// Only numeric dates are whitelisted, and the third entry has a junk
	// title above it, so a single valid pairing remains.
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1: %+v", len(items), items)
	}
	if items[0].Title != "Seniorennachmittag" {
		t.Fatalf("title = %q", items[0].Title)
	}
	if items[0].DatetimeRaw != "24.01.2026" {
		t.Fatalf("datetime = %q", items[0].DatetimeRaw)
	}
	if items[0].Extraction != "text_heuristic" {
		t.Fatalf("extraction = %q", items[0].Extraction)
	}
}

func TestExtractHeuristicWiderWhitelist(t *testing.T) {
	t.Parallel()

	items := ExtractHeuristic(agendaPage, []string{
		normalize.PatternNumericDate,
		normalize.PatternDEDate,
	}, time.UTC)

	if len(items) != 2 {
		t.Fatalf("items = %d, want 2: %+v", len(items), items)
	}
	if items[1].Title != "Gemeindeversammlung" || items[1].DatetimeRaw != "22. Januar 2026" {
		t.Fatalf("second item = %+v", items[1])
	}
}

func TestExtractHeuristicEmptyWhitelist(t *testing.T) {
	t.Parallel()

	if items := ExtractHeuristic(agendaPage, nil, time.UTC); items != nil {
		t.Fatalf("no whitelist must extract nothing, got %+v", items)
	}
}
