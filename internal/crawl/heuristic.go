package crawl

import (
	"regexp"
	"strings"
	"time"

	"caloo.ch/caloo/internal/match"
	"caloo.ch/caloo/internal/normalize"
)

// Heuristic extraction is the tier-B path: sources without structured data,
// typically agenda tables or flyer-like pages. The page text is scanned for
// datetime lines in the source's whitelisted patterns; the nearest preceding
// text line becomes the title. Lines outside the whitelist never produce
// items, matching the no-inference contract.

var (
	tagRe    = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>`)
	markupRe = regexp.MustCompile(`<[^>]+>`)
	brRe     = regexp.MustCompile(`(?i)<(br|/p|/div|/li|/td|/tr|/h[1-6])[^>]*>`)
)

// ExtractHeuristic pairs whitelisted datetime lines with their preceding
// title line. whitelist empty means no pattern is permitted and the result
// is always empty.
func ExtractHeuristic(html string, whitelist []string, loc *time.Location) []Item {
	if len(whitelist) == 0 {
		return nil
	}

	lines := visibleLines(html)
	var items []Item

	for i, line := range lines {
		parsed := normalize.ParseForTier(line, "B", whitelist, loc)
		if !parsed.Matched() {
			continue
		}

		title := precedingTitle(lines, i)
		if title == "" {
			continue
		}

		items = append(items, Item{
			Title:       title,
			DatetimeRaw: line,
			Extraction:  "text_heuristic",
		})
	}
	return items
}

func visibleLines(html string) []string {
	text := tagRe.ReplaceAllString(html, "\n")
	text = brRe.ReplaceAllString(text, "\n")
	text = markupRe.ReplaceAllString(text, "\n")
	text = strings.NewReplacer("&amp;", "&", "&nbsp;", " ", "&quot;", `"`, "&#39;", "'", "&lt;", "<", "&gt;", ">").Replace(text)

	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.Join(strings.Fields(l), " ")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func precedingTitle(lines []string, datetimeIdx int) string {
	for i := datetimeIdx - 1; i >= 0 && i >= datetimeIdx-3; i-- {
		candidate := lines[i]
		// Another datetime line marks the previous item's boundary; the
		// title between the two is gone (or was junk), so no pairing.
		if normalize.Parse(candidate, time.UTC).Matched() {
			return ""
		}
		if match.IsJunkTitle(candidate) {
			continue
		}
		return candidate
	}
	return ""
}
