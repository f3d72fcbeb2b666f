package match

import (
	"sort"
	"strings"
)

// Heuristic audience/topic tagging for canonical happenings. Deterministic
// substring matching on folded text so German compound words match
// ("Kinderyoga" hits the keyword "kinder"). Folding maps ß to ss so keyword
// "fussball" matches "Fußball".

var audienceVocab = map[string][]string{
	"adults": {"erwachsene"},
	"family_kids": {
		"kinder", "kind", "familie", "eltern", "spiel", "spielplatz",
		"jugend", "schule", "kita", "familienkreis", "familientreff",
	},
	"seniors": {"senior", "60+", "rentner"},
}

var topicVocab = map[string][]string{
	"civic": {
		"gemeinde", "abstimmung", "sitzung", "versammlung", "infoanlass",
	},
	"culture": {
		"konzert", "theater", "kino", "museum", "ausstellung", "lesung",
	},
	"nature": {"wald", "wander", "natur", "see", "outdoor", "spielplatz"},
	"sport": {
		"sport", "turnen", "fussball", "schwimmen", "tanz", "yoga",
		"bewegung",
	},
}

// Relevance scoring rules.
var audienceScores = map[string]int{
	"family_kids": 50,
	"seniors":     -30,
}

var boostedTopics = map[string]struct{}{
	"nature":  {},
	"culture": {},
	"sport":   {},
}

const topicBoost = 10

// InferAudienceTags returns sorted audience tags matched in title/description.
func InferAudienceTags(title, description string) []string {
	return matchVocab(foldForMatching(title+" "+description), audienceVocab)
}

// InferTopicTags returns sorted topic tags matched in title/description.
func InferTopicTags(title, description string) []string {
	return matchVocab(foldForMatching(title+" "+description), topicVocab)
}

// RelevanceScore computes the deterministic feed relevance score from tags.
// May be negative. Same inputs always produce the same output.
func RelevanceScore(audienceTags, topicTags []string) int {
	score := 0
	for _, tag := range audienceTags {
		score += audienceScores[tag]
	}
	for _, tag := range topicTags {
		if _, ok := boostedTopics[tag]; ok {
			score += topicBoost
			break
		}
	}
	return score
}

// TagArrayLiteral serializes a tag list as a Postgres-style array literal for
// deterministic change-key computation. Sorts to guarantee stability.
func TagArrayLiteral(tags []string) string {
	if len(tags) == 0 {
		return "{}"
	}
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return "{" + strings.Join(sorted, ",") + "}"
}

func foldForMatching(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.ReplaceAll(s, "ß", "ss")
	return collapseSpaces(s)
}

func matchVocab(text string, vocab map[string][]string) []string {
	if text == "" {
		return nil
	}

	tags := make([]string, 0, len(vocab))
	for tag, keywords := range vocab {
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				tags = append(tags, tag)
				break
			}
		}
	}
	if len(tags) == 0 {
		return nil
	}
	sort.Strings(tags)
	return tags
}
