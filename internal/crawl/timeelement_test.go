package crawl

import (
	"testing"
	"time"

	"caloo.ch/caloo/internal/normalize"
)

const markupPage = `<html><body>
<ul>
<li><h3>Kinderkonzert</h3><time datetime="2026-03-14T15:00">14. März 2026, 15 Uhr</time></li>
<li><h3>Repair Cafe</h3><time datetime="2026-03-21">21. März 2026</time></li>
<li><h3>Kopfzeile</h3><time datetime="2026-04-01">1. April 2026</time></li>
</ul>
</body></html>`

func TestExtractTimeElementsTierA(t *testing.T) {
	t.Parallel()

	items := ExtractTimeElements(markupPage, "A", nil, time.UTC)

	// The third element sits under a junk heading and pairs with nothing.
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2: %+v", len(items), items)
	}
	if items[0].Title != "Kinderkonzert" || items[0].DatetimeRaw != "2026-03-14T15:00" {
		t.Fatalf("first item = %+v", items[0])
	}
	if items[1].Title != "Repair Cafe" || items[1].DatetimeRaw != "2026-03-21" {
		t.Fatalf("second item = %+v", items[1])
	}
	if items[0].Extraction != "time_element" {
		t.Fatalf("extraction = %q", items[0].Extraction)
	}
}

func TestExtractTimeElementsTierBWhitelist(t *testing.T) {
	t.Parallel()

	items := ExtractTimeElements(markupPage, "B", []string{normalize.PatternISOSingle}, time.UTC)
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2: %+v", len(items), items)
	}

	// ISO values outside the whitelist are dropped, never guessed at.
	if items := ExtractTimeElements(markupPage, "B", []string{normalize.PatternNumericDate}, time.UTC); items != nil {
		t.Fatalf("off-whitelist values must extract nothing, got %+v", items)
	}
}

func TestExtractTimeElementsTierC(t *testing.T) {
	t.Parallel()

	if items := ExtractTimeElements(markupPage, "C", nil, time.UTC); items != nil {
		t.Fatalf("tier C must extract nothing, got %+v", items)
	}
}
