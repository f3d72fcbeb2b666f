package match

// ConfidenceThreshold is the minimum score for an automatic merge.
const ConfidenceThreshold = 0.85

// Base signal weights. When a signal is unavailable on either side its weight
// is zeroed and the remaining weights are rescaled to sum to 1.0, so a
// candidate missing venue data is not capped below the merge threshold.
const (
	titleWeight = 0.50
	dateWeight  = 0.30
	venueWeight = 0.20
)

// RawSignals carries the matchable fields of one source row.
type RawSignals struct {
	TitleRaw       string
	LocationRaw    string
	StartDateLocal string // ISO date, empty when no date could be derived
}

// CandidateSignals carries the matchable fields of one happening/offering pair.
type CandidateSignals struct {
	Title     string
	VenueName string
	StartDate string // offering range, ISO dates; empty when unknown
	EndDate   string
}

// Score computes the match confidence between a source row and a candidate
// happening/offering pair. Result is in [0.0, 1.0]. Absent signals change the
// weighting, never the comparison outcome; nothing is inferred.
func Score(candidate CandidateSignals, raw RawSignals) float64 {
	srcTitle := NormalizeTitle(raw.TitleRaw)
	candTitle := NormalizeTitle(candidate.Title)
	srcVenue := NormalizeVenue(raw.LocationRaw)
	candVenue := NormalizeVenue(candidate.VenueName)

	var weighted, total float64

	if srcTitle != "" && candTitle != "" {
		weighted += titleWeight * TokenJaccard(srcTitle, candTitle)
		total += titleWeight
	}

	if raw.StartDateLocal != "" && candidate.StartDate != "" {
		weighted += dateWeight * dateContainment(raw.StartDateLocal, candidate.StartDate, candidate.EndDate)
		total += dateWeight
	}

	if srcVenue != "" && candVenue != "" {
		weighted += venueWeight * TokenJaccard(srcVenue, candVenue)
		total += venueWeight
	}

	if total == 0 {
		return 0.0
	}
	return weighted / total
}

// dateContainment is binary: 1.0 when the raw date falls inside the offering
// range, 0.0 otherwise. ISO dates compare correctly as strings.
func dateContainment(day, startDate, endDate string) float64 {
	if endDate == "" {
		endDate = startDate
	}
	if day >= startDate && day <= endDate {
		return 1.0
	}
	return 0.0
}
