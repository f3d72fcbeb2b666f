package match

import "strings"

// QualityInput carries the completeness signals for the data-quality score.
type QualityInput struct {
	SourceTier       string
	DatePrecision    string
	ImageURL         string
	Description      string
	CanonicalURL     string
	Timezone         string
	ExtractionMethod string
}

// QualityScore computes a deterministic data-quality confidence score in
// [0, 100]. This is NOT the match confidence and never gates feed
// visibility; it is used for review prioritization and source monitoring.
//
// Starts at 100 and applies penalties for missing or weak metadata.
func QualityScore(in QualityInput) int {
	score := 100

	if in.DatePrecision == "date" {
		score -= 20
	}
	if isBlank(in.ImageURL) {
		score -= 20
	}
	if isBlank(in.Description) {
		score -= 15
	}
	if strings.ToUpper(strings.TrimSpace(in.SourceTier)) == "B" {
		score -= 10
	}
	if strings.ToLower(strings.TrimSpace(in.ExtractionMethod)) != "structured" {
		score -= 15
	}
	if isBlank(in.Timezone) {
		score -= 30
	}
	if isBlank(in.CanonicalURL) {
		score -= 40
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
