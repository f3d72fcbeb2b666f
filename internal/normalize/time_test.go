package normalize

import (
	"testing"
	"time"
)

func zurich(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Zurich")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func TestParseISOSingleDateOnly(t *testing.T) {
	t.Parallel()

	r := Parse("2026-01-22", zurich(t))
	if r.Pattern != PatternISOSingle {
		t.Fatalf("pattern = %q, want %q", r.Pattern, PatternISOSingle)
	}
	if r.Precision != PrecisionDate {
		t.Fatalf("precision = %q, want date", r.Precision)
	}
	if r.Start != nil || r.End != nil {
		t.Fatalf("date-only input must not produce time fields, got start=%v end=%v", r.Start, r.End)
	}
	if r.StartDateLocal != "2026-01-22" {
		t.Fatalf("start date = %q", r.StartDateLocal)
	}
}

func TestParseISOSingleWithTime(t *testing.T) {
	t.Parallel()

	loc := zurich(t)
	r := Parse("2026-01-22T15:00", loc)
	if r.Precision != PrecisionDateTime {
		t.Fatalf("precision = %q, want datetime", r.Precision)
	}
	if r.Start == nil {
		t.Fatal("start is nil")
	}
	// 15:00 CET is 14:00 UTC.
	want := time.Date(2026, 1, 22, 14, 0, 0, 0, time.UTC)
	if !r.Start.Equal(want) {
		t.Fatalf("start = %v, want %v", r.Start, want)
	}
	if r.End != nil {
		t.Fatalf("no explicit end, got %v", r.End)
	}
	if r.StartDateLocal != "2026-01-22" {
		t.Fatalf("start date = %q", r.StartDateLocal)
	}
}

func TestParseISOSingleZulu(t *testing.T) {
	t.Parallel()

	r := Parse("2026-07-01T18:30:00Z", zurich(t))
	if r.Start == nil {
		t.Fatal("start is nil")
	}
	want := time.Date(2026, 7, 1, 18, 30, 0, 0, time.UTC)
	if !r.Start.Equal(want) {
		t.Fatalf("start = %v, want %v", r.Start, want)
	}
	// 18:30 UTC in July is 20:30 in Zurich, same calendar day.
	if r.StartDateLocal != "2026-07-01" {
		t.Fatalf("start date = %q", r.StartDateLocal)
	}
}

func TestParseISORangeDatetime(t *testing.T) {
	t.Parallel()

	r := Parse("2026-01-22T15:00 | 2026-01-22T17:00", zurich(t))
	if r.Pattern != PatternISORange {
		t.Fatalf("pattern = %q", r.Pattern)
	}
	if r.Precision != PrecisionDateTime {
		t.Fatalf("precision = %q", r.Precision)
	}
	if r.Start == nil || r.End == nil {
		t.Fatalf("want start and end, got %v / %v", r.Start, r.End)
	}
	if !r.End.After(*r.Start) {
		t.Fatalf("end %v not after start %v", r.End, r.Start)
	}
}

func TestParseISORangeDateOnly(t *testing.T) {
	t.Parallel()

	r := Parse("2026-01-22 | 2026-01-25", zurich(t))
	if r.Precision != PrecisionDate {
		t.Fatalf("precision = %q", r.Precision)
	}
	if r.Start != nil || r.End != nil {
		t.Fatal("date-only range must not produce time fields")
	}
	if r.StartDateLocal != "2026-01-22" || r.EndDateLocal != "2026-01-25" {
		t.Fatalf("dates = %q / %q", r.StartDateLocal, r.EndDateLocal)
	}
}

func TestParseNumericDate(t *testing.T) {
	t.Parallel()

	r := Parse("24.01.2026", zurich(t))
	if r.Pattern != PatternNumericDate {
		t.Fatalf("pattern = %q", r.Pattern)
	}
	if r.Precision != PrecisionDate || r.Start != nil {
		t.Fatalf("want pure date, got precision=%q start=%v", r.Precision, r.Start)
	}
	if r.StartDateLocal != "2026-01-24" {
		t.Fatalf("start date = %q", r.StartDateLocal)
	}
}

func TestParseNumericRange(t *testing.T) {
	t.Parallel()

	r := Parse("06.01.2026 - 10.02.2026", zurich(t))
	if r.Pattern != PatternNumericRange {
		t.Fatalf("pattern = %q", r.Pattern)
	}
	if r.StartDateLocal != "2026-01-06" || r.EndDateLocal != "2026-02-10" {
		t.Fatalf("dates = %q / %q", r.StartDateLocal, r.EndDateLocal)
	}
	if r.Start != nil || r.End != nil {
		t.Fatal("numeric range carries no times")
	}
}

func TestParseGermanSingleWithTimes(t *testing.T) {
	t.Parallel()

	r := Parse("22. Jan. 2026, 18.00 Uhr - 23.00 Uhr", zurich(t))
	if r.Pattern != PatternDESingle {
		t.Fatalf("pattern = %q", r.Pattern)
	}
	if r.Precision != PrecisionDateTime {
		t.Fatalf("precision = %q", r.Precision)
	}
	wantStart := time.Date(2026, 1, 22, 17, 0, 0, 0, time.UTC) // 18:00 CET
	wantEnd := time.Date(2026, 1, 22, 22, 0, 0, 0, time.UTC)   // 23:00 CET
	if r.Start == nil || !r.Start.Equal(wantStart) {
		t.Fatalf("start = %v, want %v", r.Start, wantStart)
	}
	if r.End == nil || !r.End.Equal(wantEnd) {
		t.Fatalf("end = %v, want %v", r.End, wantEnd)
	}
}

func TestParseGermanSingleStartOnly(t *testing.T) {
	t.Parallel()

	r := Parse("5. März 2026, 9.30 Uhr", zurich(t))
	if r.Pattern != PatternDESingle {
		t.Fatalf("pattern = %q", r.Pattern)
	}
	if r.Start == nil {
		t.Fatal("start is nil")
	}
	if r.End != nil {
		t.Fatalf("end must stay nil without an explicit end time, got %v", r.End)
	}
	if r.StartDateLocal != "2026-03-05" {
		t.Fatalf("start date = %q", r.StartDateLocal)
	}
}

func TestParseGermanRangeWithTimes(t *testing.T) {
	t.Parallel()

	r := Parse("6. Jan. 2026 - 10. Feb. 2026, 14.00 Uhr - 14.45 Uhr", zurich(t))
	if r.Pattern != PatternDERange {
		t.Fatalf("pattern = %q", r.Pattern)
	}
	if r.Precision != PrecisionDateTime {
		t.Fatalf("precision = %q", r.Precision)
	}
	if r.StartDateLocal != "2026-01-06" || r.EndDateLocal != "2026-02-10" {
		t.Fatalf("dates = %q / %q", r.StartDateLocal, r.EndDateLocal)
	}
	wantStart := time.Date(2026, 1, 6, 13, 0, 0, 0, time.UTC)
	if r.Start == nil || !r.Start.Equal(wantStart) {
		t.Fatalf("start = %v, want %v", r.Start, wantStart)
	}
	if r.End == nil {
		t.Fatal("end is nil")
	}
}

func TestParseGermanRangeDateOnly(t *testing.T) {
	t.Parallel()

	r := Parse("6. Januar 2026 - 10. Februar 2026", zurich(t))
	if r.Pattern != PatternDERange {
		t.Fatalf("pattern = %q", r.Pattern)
	}
	if r.Precision != PrecisionDate || r.Start != nil || r.End != nil {
		t.Fatal("range without times must stay date-only")
	}
}

func TestParseGermanDateOnly(t *testing.T) {
	t.Parallel()

	r := Parse("22. Januar 2026", zurich(t))
	if r.Pattern != PatternDEDate {
		t.Fatalf("pattern = %q", r.Pattern)
	}
	if r.Precision != PrecisionDate || r.Start != nil {
		t.Fatal("german date without time must stay date-only")
	}
	if r.StartDateLocal != "2026-01-22" {
		t.Fatalf("start date = %q", r.StartDateLocal)
	}
}

func TestParseUnmatchedTextProducesNothing(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"",
		"jeden Dienstag",
		"ab sofort",
		"next Friday at 8",
		"2026", // year alone is not a date
		"31.02.2026",
	} {
		r := Parse(raw, zurich(t))
		if r.Matched() {
			t.Errorf("Parse(%q) matched pattern %q, want no match", raw, r.Pattern)
		}
		if r.Start != nil || r.End != nil || r.StartDateLocal != "" {
			t.Errorf("Parse(%q) invented data: %+v", raw, r)
		}
	}
}

func TestParseNeverInventsMidnight(t *testing.T) {
	t.Parallel()

	// Every date-only pattern must keep Start nil. A midnight placeholder
	// would be indistinguishable from a real 00:00 event.
	for _, raw := range []string{"2026-01-22", "24.01.2026", "22. Januar 2026", "06.01.2026 - 10.02.2026"} {
		r := Parse(raw, zurich(t))
		if !r.Matched() {
			t.Fatalf("Parse(%q) did not match", raw)
		}
		if r.Start != nil || r.End != nil {
			t.Errorf("Parse(%q) produced placeholder times: %+v", raw, r)
		}
	}
}

func TestParseForTierWhitelist(t *testing.T) {
	t.Parallel()

	loc := zurich(t)

	// Tier A: full pattern set.
	if r := ParseForTier("24.01.2026", "A", nil, loc); !r.Matched() {
		t.Fatal("tier A should use the full pattern set")
	}

	// Tier B with whitelist: allowed pattern passes through.
	r := ParseForTier("24.01.2026", "B", []string{PatternNumericDate}, loc)
	if r.Pattern != PatternNumericDate {
		t.Fatalf("whitelisted pattern = %q", r.Pattern)
	}

	// Tier B: a match outside the whitelist is unparseable by contract.
	r = ParseForTier("22. Januar 2026", "B", []string{PatternNumericDate}, loc)
	if r.Matched() || r.StartDateLocal != "" {
		t.Fatalf("non-whitelisted pattern must yield nothing, got %+v", r)
	}

	// Tier C sources never produce parsed datetimes.
	r = ParseForTier("2026-01-22T15:00", "C", nil, loc)
	if r.Matched() || r.Start != nil {
		t.Fatalf("tier C must not parse, got %+v", r)
	}
}

func TestParseDeterministic(t *testing.T) {
	t.Parallel()

	loc := zurich(t)
	raw := "22. Jan. 2026, 18.00 Uhr - 23.00 Uhr"
	first := Parse(raw, loc)
	for i := 0; i < 5; i++ {
		again := Parse(raw, loc)
		if again.Pattern != first.Pattern || again.StartDateLocal != first.StartDateLocal {
			t.Fatalf("parse not deterministic: %+v vs %+v", first, again)
		}
		if (again.Start == nil) != (first.Start == nil) || (again.Start != nil && !again.Start.Equal(*first.Start)) {
			t.Fatalf("start drifted: %v vs %v", first.Start, again.Start)
		}
	}
}
