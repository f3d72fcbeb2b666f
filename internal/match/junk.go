package match

import (
	"strings"
	"unicode"
)

// Junk/header title detection. Shared by the ingestion gate, the crawl
// adapters, and the feed eligibility gate. Rules are deterministic: exact or
// prefix match against known structural noise, or a title with no letters.

var junkTitlesExact = map[string]struct{}{
	"kopfzeile": {},
	"fusszeile": {},
}

var junkTitlePrefixes = []string{
	"kopfzeile",
	"fusszeile",
}

// IsJunkTitle reports whether a title is a known header/noise artifact.
func IsJunkTitle(title string) bool {
	t := strings.TrimSpace(title)
	if t == "" {
		return true
	}

	low := strings.ToLower(t)
	if _, ok := junkTitlesExact[low]; ok {
		return true
	}
	for _, prefix := range junkTitlePrefixes {
		if strings.HasPrefix(low, prefix) {
			return true
		}
	}

	for _, r := range t {
		if unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
