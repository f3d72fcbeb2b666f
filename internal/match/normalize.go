package match

import (
	"strings"
	"unicode"
)

// NormalizeTitle lowercases, collapses whitespace, and strips punctuation.
// Letters and digits (including umlauts) survive; everything else becomes
// token boundaries.
func NormalizeTitle(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}
	return collapseSpaces(b.String())
}

// NormalizeVenue lowercases, collapses whitespace, and expands common Swiss
// street abbreviations so "Bahnhofstr." and "Bahnhofstrasse" compare equal.
func NormalizeVenue(venue string) string {
	s := strings.ToLower(strings.TrimSpace(venue))
	if s == "" {
		return ""
	}
	s = collapseSpaces(s)
	s = strings.ReplaceAll(s, "str.", "strasse")
	s = strings.ReplaceAll(s, "str ", "strasse ")
	s = strings.TrimRight(s, ".,;")
	return s
}

// TokenJaccard computes Jaccard similarity over whitespace-split token sets.
func TokenJaccard(a, b string) float64 {
	sa := tokenSet(a)
	sb := tokenSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1.0
	}
	if len(sa) == 0 || len(sb) == 0 {
		return 0.0
	}

	intersection := 0
	for token := range sa {
		if _, ok := sb[token]; ok {
			intersection++
		}
	}
	union := len(sa) + len(sb) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
