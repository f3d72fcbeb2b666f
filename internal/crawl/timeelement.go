package crawl

import (
	"regexp"
	"strings"
	"time"

	"caloo.ch/caloo/internal/normalize"
)

// Time-element extraction sits between structured data and text heuristics:
// the datetime attribute of a <time> tag is machine-readable, but the title
// still has to come from the surrounding markup. The attribute value runs
// through the same tier rules as any other raw datetime, so a value outside
// a tier-B whitelist drops the element instead of being guessed at.

var timeTagRe = regexp.MustCompile(`(?i)<time\b[^>]*\bdatetime\s*=\s*"([^"]+)"[^>]*>`)

// ExtractTimeElements extracts one item per <time datetime="..."> tag whose
// attribute parses under the source tier. The nearest preceding text line
// becomes the title, with the same pairing rules as the text heuristic.
func ExtractTimeElements(html, tier string, whitelist []string, loc *time.Location) []Item {
	matches := timeTagRe.FindAllStringSubmatchIndex(html, -1)
	var items []Item

	for _, m := range matches {
		raw := strings.TrimSpace(html[m[2]:m[3]])
		parsed := normalize.ParseForTier(raw, tier, whitelist, loc)
		if !parsed.Matched() {
			continue
		}

		title := titleBefore(html, m[0])
		if title == "" {
			continue
		}

		items = append(items, Item{
			Title:       title,
			DatetimeRaw: raw,
			Extraction:  "time_element",
		})
	}
	return items
}

// titleBefore looks at the markup immediately before a <time> tag and picks
// the closest usable text line.
func titleBefore(html string, offset int) string {
	start := 0
	if offset > 1000 {
		start = offset - 1000
	}
	seg := html[start:offset]
	if start > 0 {
		// The window may begin mid-tag; drop everything up to the first
		// tag close so the markup stripper sees well-formed input.
		if i := strings.IndexByte(seg, '>'); i >= 0 {
			seg = seg[i+1:]
		}
	}

	lines := visibleLines(seg)
	return precedingTitle(lines, len(lines))
}
