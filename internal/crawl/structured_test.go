package crawl

import "testing"

const ldJSONPage = `<!doctype html>
<html><head>
<script type="application/ld+json">
{
  "@context": "https://schema.org",
  "@graph": [
    {
      "@type": "Event",
      "@id": "https://example.ch/events/42",
      "name": "Kinderyoga im Wald",
      "description": "Yoga für Kinder ab 5 Jahren.",
      "startDate": "2026-01-22T15:00",
      "endDate": "2026-01-22T16:00",
      "url": "https://example.ch/events/42",
      "image": {"@type": "ImageObject", "url": "https://example.ch/img/42.jpg"},
      "location": {
        "@type": "Place",
        "name": "Gemeindesaal",
        "address": {
          "@type": "PostalAddress",
          "streetAddress": "Seestrasse 5",
          "postalCode": "8708",
          "addressLocality": "Männedorf"
        }
      }
    },
    {"@type": "WebPage", "name": "Agenda"}
  ]
}
</script>
</head><body></body></html>`

func TestExtractStructured(t *testing.T) {
	t.Parallel()

	items := ExtractStructured(ldJSONPage)
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}

	item := items[0]
	if item.Title != "Kinderyoga im Wald" {
		t.Fatalf("title = %q", item.Title)
	}
	if item.DatetimeRaw != "2026-01-22T15:00 | 2026-01-22T16:00" {
		t.Fatalf("datetime = %q", item.DatetimeRaw)
	}
	if item.Location != "Gemeindesaal, Seestrasse 5 8708 Männedorf" {
		t.Fatalf("location = %q", item.Location)
	}
	if item.ImageURL != "https://example.ch/img/42.jpg" {
		t.Fatalf("image = %q", item.ImageURL)
	}
	if item.Extraction != "structured" {
		t.Fatalf("extraction = %q", item.Extraction)
	}
}

func TestExtractStructuredSkipsEventsWithoutName(t *testing.T) {
	t.Parallel()

	page := `<script type="application/ld+json">{"@type":"Event","startDate":"2026-01-01"}</script>`
	if items := ExtractStructured(page); len(items) != 0 {
		t.Fatalf("items = %d, want 0", len(items))
	}
}

func TestExtractStructuredTopLevelArray(t *testing.T) {
	t.Parallel()

	page := `<script type="application/ld+json">
[{"@type":"Event","name":"Lesung","startDate":"2026-02-03","location":"Bibliothek"}]
</script>`
	items := ExtractStructured(page)
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if items[0].DatetimeRaw != "2026-02-03" || items[0].Location != "Bibliothek" {
		t.Fatalf("item = %+v", items[0])
	}
}

func TestExtractStructuredIgnoresBrokenJSON(t *testing.T) {
	t.Parallel()

	page := `<script type="application/ld+json">{not json</script>`
	if items := ExtractStructured(page); len(items) != 0 {
		t.Fatalf("items = %d, want 0", len(items))
	}
}
