package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Precision states for a normalized schedule.
//
// The contract is strict: when no exact, fully-specified pattern matches, the
// result is date-only with nil time fields. Never a midnight placeholder,
// never an inferred duration. End times are only set when explicitly present
// in the source text.
type Precision string

const (
	PrecisionDate     Precision = "date"
	PrecisionDateTime Precision = "datetime"
)

// Pattern identifiers for the closed pattern set. Tier-B sources are further
// restricted to a per-source whitelist of these IDs; text outside the
// whitelist is unparseable by contract, not best-effort.
const (
	PatternISORange     = "iso_range"
	PatternISOSingle    = "iso_single"
	PatternNumericRange = "numeric_range"
	PatternNumericDate  = "numeric_date"
	PatternDERange      = "de_range"
	PatternDESingle     = "de_single"
	PatternDEDate       = "de_date"
)

// AllPatterns is the full closed pattern set, in match order.
var AllPatterns = []string{
	PatternISORange,
	PatternISOSingle,
	PatternNumericRange,
	PatternNumericDate,
	PatternDERange,
	PatternDESingle,
	PatternDEDate,
}

// Result is the normalized (precision, start, end) triple plus the local
// calendar dates used for candidate lookup and dedupe keys.
type Result struct {
	Precision      Precision
	Start          *time.Time // UTC; nil when Precision is date-only
	End            *time.Time // UTC; nil unless explicitly present
	StartDateLocal string     // ISO date in source timezone, "" when unknown
	EndDateLocal   string
	Pattern        string // matched pattern ID, "" when nothing matched
}

// Matched reports whether any pattern in the closed set matched.
func (r Result) Matched() bool { return r.Pattern != "" }

// HasDate reports whether at least a calendar date could be derived.
func (r Result) HasDate() bool { return r.StartDateLocal != "" }

const isoDatetimePart = `\d{4}-\d{2}-\d{2}(?:T\d{2}:\d{2}(?::\d{2})?(?:[+-]\d{2}:\d{2}|Z)?)?`

var (
	isoRangeRe  = regexp.MustCompile(`^\s*(` + isoDatetimePart + `)\s*\|\s*(` + isoDatetimePart + `)\s*$`)
	isoSingleRe = regexp.MustCompile(`^\s*(` + isoDatetimePart + `)\s*$`)

	numericRangeRe = regexp.MustCompile(`^\s*(\d{2})\.(\d{2})\.(\d{4})\s*-\s*(\d{2})\.(\d{2})\.(\d{4})\s*$`)
	numericDateRe  = regexp.MustCompile(`^\s*(\d{1,2})\.(\d{1,2})\.(\d{4})\s*$`)

	// 22. Jan. 2026, 18.00 Uhr - 23.00 Uhr
	deSingleRe = regexp.MustCompile(
		`(\d{1,2})\.\s*([A-Za-zÄÖÜäöü]+)\.?\s*(\d{4})` +
			`(?:,\s*)?` +
			`(\d{1,2})\.(\d{2})\s*Uhr` +
			`(?:\s*-\s*(\d{1,2})\.(\d{2})\s*Uhr)?`)

	// 6. Jan. 2026 - 10. Feb. 2026, 14.00 Uhr - 14.45 Uhr
	deRangeRe = regexp.MustCompile(
		`(\d{1,2})\.\s*([A-Za-zÄÖÜäöü]+)\.?\s*(\d{4})\s*-\s*` +
			`(\d{1,2})\.\s*([A-Za-zÄÖÜäöü]+)\.?\s*(\d{4})` +
			`(?:,\s*)?` +
			`(?:(\d{1,2})\.(\d{2})\s*Uhr` +
			`(?:\s*-\s*(\d{1,2})\.(\d{2})\s*Uhr)?)?`)

	// 22. Januar 2026 (date only, no time component anywhere in the text)
	deDateRe = regexp.MustCompile(`^\s*(?:[A-Za-z]{2},\s*)?(\d{1,2})\.\s*([A-Za-zÄÖÜäöü]+)\.?\s*(\d{4})\s*$`)
)

var germanMonths = map[string]time.Month{
	"jan": time.January, "januar": time.January,
	"feb": time.February, "februar": time.February,
	"mar": time.March, "maerz": time.March, "marz": time.March,
	"apr": time.April, "april": time.April,
	"mai": time.May,
	"jun": time.June, "juni": time.June,
	"jul": time.July, "juli": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "sept": time.September, "september": time.September,
	"okt": time.October, "oktober": time.October,
	"nov": time.November, "november": time.November,
	"dez": time.December, "dezember": time.December,
}

func monthFromGerman(raw string) (time.Month, bool) {
	m := strings.ToLower(strings.TrimSpace(raw))
	m = strings.NewReplacer("ä", "ae", "ö", "oe", "ü", "ue", ".", "").Replace(m)
	if month, ok := germanMonths[m]; ok {
		return month, true
	}
	if len(m) >= 3 {
		if month, ok := germanMonths[m[:3]]; ok {
			return month, true
		}
	}
	return 0, false
}

// Parse normalizes raw datetime text against the full closed pattern set.
// loc is the source timezone used for local wall-clock patterns. Parsing is
// pure and deterministic: same input always yields the same output.
func Parse(raw string, loc *time.Location) Result {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Result{Precision: PrecisionDate}
	}
	if loc == nil {
		loc = time.UTC
	}

	if m := isoRangeRe.FindStringSubmatch(s); m != nil {
		return parseISORange(m[1], m[2], loc)
	}
	if m := isoSingleRe.FindStringSubmatch(s); m != nil {
		return parseISOSingle(m[1], loc)
	}
	if m := numericRangeRe.FindStringSubmatch(s); m != nil {
		return parseNumericRange(m, loc)
	}
	if m := numericDateRe.FindStringSubmatch(s); m != nil {
		return parseNumericDate(m, loc)
	}
	if m := deRangeRe.FindStringSubmatch(s); m != nil {
		if r, ok := parseDERange(m, loc); ok {
			return r
		}
	}
	if m := deSingleRe.FindStringSubmatch(s); m != nil {
		if r, ok := parseDESingle(m, loc); ok {
			return r
		}
	}
	if m := deDateRe.FindStringSubmatch(s); m != nil {
		if r, ok := parseDEDate(m, loc); ok {
			return r
		}
	}

	// No pattern matched: date-only, nothing set. Unparseable is a contract
	// state, not an error.
	return Result{Precision: PrecisionDate}
}

// ParseForTier applies the tier policy on top of Parse. Tier A uses the full
// closed set. Tier B is limited to the given whitelist of pattern IDs; a
// match outside the whitelist is treated as unparseable. Tier C sources are
// not viable for automatic extraction, so nothing is ever parsed for them.
func ParseForTier(raw, tier string, whitelist []string, loc *time.Location) Result {
	switch strings.ToUpper(strings.TrimSpace(tier)) {
	case "A":
		return Parse(raw, loc)
	case "B":
		r := Parse(raw, loc)
		if !r.Matched() {
			return r
		}
		for _, allowed := range whitelist {
			if allowed == r.Pattern {
				return r
			}
		}
		return Result{Precision: PrecisionDate}
	default:
		return Result{Precision: PrecisionDate}
	}
}

func parseISOSingle(s string, loc *time.Location) Result {
	t, hasTime, ok := parseISOValue(s, loc)
	if !ok {
		return Result{Precision: PrecisionDate}
	}
	if !hasTime {
		return Result{
			Precision:      PrecisionDate,
			StartDateLocal: t.Format("2006-01-02"),
			Pattern:        PatternISOSingle,
		}
	}
	utc := t.UTC()
	return Result{
		Precision:      PrecisionDateTime,
		Start:          &utc,
		StartDateLocal: t.In(loc).Format("2006-01-02"),
		Pattern:        PatternISOSingle,
	}
}

func parseISORange(startRaw, endRaw string, loc *time.Location) Result {
	start, startHasTime, ok := parseISOValue(startRaw, loc)
	if !ok {
		return Result{Precision: PrecisionDate}
	}
	end, endHasTime, endOK := parseISOValue(endRaw, loc)

	r := Result{Pattern: PatternISORange}
	if startHasTime {
		utc := start.UTC()
		r.Precision = PrecisionDateTime
		r.Start = &utc
		r.StartDateLocal = start.In(loc).Format("2006-01-02")
		if endOK && endHasTime {
			endUTC := end.UTC()
			r.End = &endUTC
			r.EndDateLocal = end.In(loc).Format("2006-01-02")
		} else if endOK {
			r.EndDateLocal = end.Format("2006-01-02")
		}
		return r
	}

	r.Precision = PrecisionDate
	r.StartDateLocal = start.Format("2006-01-02")
	if endOK {
		r.EndDateLocal = end.Format("2006-01-02")
	}
	return r
}

// parseISOValue parses one ISO 8601 value. Returns the parsed time, whether
// the value carried an explicit time component, and whether parsing worked.
// Naive datetimes get the source timezone; a trailing Z means UTC.
func parseISOValue(s string, loc *time.Location) (time.Time, bool, bool) {
	s = strings.TrimSpace(s)
	if len(s) == 10 {
		t, err := time.ParseInLocation("2006-01-02", s, loc)
		return t, false, err == nil
	}

	layouts := []string{
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04Z07:00",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true, true
		}
	}

	naive := []string{
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
	}
	for _, layout := range naive {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true, true
		}
	}
	return time.Time{}, false, false
}

func parseNumericDate(m []string, loc *time.Location) Result {
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	d, ok := localDate(year, time.Month(month), day, loc)
	if !ok {
		return Result{Precision: PrecisionDate}
	}
	return Result{
		Precision:      PrecisionDate,
		StartDateLocal: d.Format("2006-01-02"),
		Pattern:        PatternNumericDate,
	}
}

func parseNumericRange(m []string, loc *time.Location) Result {
	sd, _ := strconv.Atoi(m[1])
	sm, _ := strconv.Atoi(m[2])
	sy, _ := strconv.Atoi(m[3])
	ed, _ := strconv.Atoi(m[4])
	em, _ := strconv.Atoi(m[5])
	ey, _ := strconv.Atoi(m[6])

	start, okStart := localDate(sy, time.Month(sm), sd, loc)
	end, okEnd := localDate(ey, time.Month(em), ed, loc)
	if !okStart || !okEnd {
		return Result{Precision: PrecisionDate}
	}
	return Result{
		Precision:      PrecisionDate,
		StartDateLocal: start.Format("2006-01-02"),
		EndDateLocal:   end.Format("2006-01-02"),
		Pattern:        PatternNumericRange,
	}
}

func parseDESingle(m []string, loc *time.Location) (Result, bool) {
	month, ok := monthFromGerman(m[2])
	if !ok {
		return Result{}, false
	}
	day, _ := strconv.Atoi(m[1])
	year, _ := strconv.Atoi(m[3])
	startH, _ := strconv.Atoi(m[4])
	startM, _ := strconv.Atoi(m[5])
	if !validDate(year, month, day) || !validClock(startH, startM) {
		return Result{}, false
	}

	start := time.Date(year, month, day, startH, startM, 0, 0, loc)
	startUTC := start.UTC()
	r := Result{
		Precision:      PrecisionDateTime,
		Start:          &startUTC,
		StartDateLocal: start.Format("2006-01-02"),
		Pattern:        PatternDESingle,
	}

	if m[6] != "" && m[7] != "" {
		endH, _ := strconv.Atoi(m[6])
		endM, _ := strconv.Atoi(m[7])
		if validClock(endH, endM) {
			end := time.Date(year, month, day, endH, endM, 0, 0, loc)
			endUTC := end.UTC()
			r.End = &endUTC
			r.EndDateLocal = end.Format("2006-01-02")
		}
	}
	return r, true
}

func parseDERange(m []string, loc *time.Location) (Result, bool) {
	startMonth, okS := monthFromGerman(m[2])
	endMonth, okE := monthFromGerman(m[5])
	if !okS || !okE {
		return Result{}, false
	}
	sd, _ := strconv.Atoi(m[1])
	sy, _ := strconv.Atoi(m[3])
	ed, _ := strconv.Atoi(m[4])
	ey, _ := strconv.Atoi(m[6])
	if !validDate(sy, startMonth, sd) || !validDate(ey, endMonth, ed) {
		return Result{}, false
	}

	startDate := time.Date(sy, startMonth, sd, 0, 0, 0, 0, loc)
	endDate := time.Date(ey, endMonth, ed, 0, 0, 0, 0, loc)

	r := Result{
		StartDateLocal: startDate.Format("2006-01-02"),
		EndDateLocal:   endDate.Format("2006-01-02"),
		Pattern:        PatternDERange,
	}

	// Times are attached only when explicitly present.
	if m[7] != "" && m[8] != "" {
		startH, _ := strconv.Atoi(m[7])
		startM, _ := strconv.Atoi(m[8])
		if !validClock(startH, startM) {
			return Result{}, false
		}
		start := time.Date(sy, startMonth, sd, startH, startM, 0, 0, loc)
		startUTC := start.UTC()
		r.Precision = PrecisionDateTime
		r.Start = &startUTC

		if m[9] != "" && m[10] != "" {
			endH, _ := strconv.Atoi(m[9])
			endM, _ := strconv.Atoi(m[10])
			if validClock(endH, endM) {
				end := time.Date(ey, endMonth, ed, endH, endM, 0, 0, loc)
				endUTC := end.UTC()
				r.End = &endUTC
			}
		}
		return r, true
	}

	r.Precision = PrecisionDate
	return r, true
}

func parseDEDate(m []string, loc *time.Location) (Result, bool) {
	month, ok := monthFromGerman(m[2])
	if !ok {
		return Result{}, false
	}
	day, _ := strconv.Atoi(m[1])
	year, _ := strconv.Atoi(m[3])
	d, okDate := localDate(year, month, day, loc)
	if !okDate {
		return Result{}, false
	}
	return Result{
		Precision:      PrecisionDate,
		StartDateLocal: d.Format("2006-01-02"),
		Pattern:        PatternDEDate,
	}, true
}

func localDate(year int, month time.Month, day int, loc *time.Location) (time.Time, bool) {
	if !validDate(year, month, day) {
		return time.Time{}, false
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc), true
}

// validDate rejects rollover artifacts like 31.02. by round-tripping.
func validDate(year int, month time.Month, day int) bool {
	if year < 1900 || year > 2200 || month < 1 || month > 12 || day < 1 || day > 31 {
		return false
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return t.Year() == year && t.Month() == month && t.Day() == day
}

func validClock(hour, minute int) bool {
	return hour >= 0 && hour <= 23 && minute >= 0 && minute <= 59
}
