package engine

import (
	"encoding/json"
	"sync"
)

// Histogram bucket labels, ordered. Buckets are left-inclusive except the
// last, which includes 1.0.
var scoreBuckets = []string{"0_50", "50_70", "70_85", "85_95", "95_99", "99_100"}

func bucketFor(score float64) string {
	switch {
	case score < 0.50:
		return "0_50"
	case score < 0.70:
		return "50_70"
	case score < 0.85:
		return "70_85"
	case score < 0.95:
		return "85_95"
	case score < 0.99:
		return "95_99"
	default:
		return "99_100"
	}
}

// Counters are the per-run outcome tallies.
type Counters struct {
	RowsSeen                   int64 `json:"rows_seen"`
	Created                    int64 `json:"created"`
	Merged                     int64 `json:"merged"`
	Review                     int64 `json:"review"`
	SkippedDuplicate           int64 `json:"skipped_duplicate"`
	Malformed                  int64 `json:"malformed"`
	OccurrenceNullStartSkipped int64 `json:"occurrence_null_start_skipped"`
	FieldUpdates               int64 `json:"field_updates"`
	HistoryRows                int64 `json:"history_rows"`
	Failed                     int64 `json:"failed"`
}

// Telemetry aggregates score distribution and outcome counters for one run.
// Safe for concurrent use.
type Telemetry struct {
	mu sync.Mutex

	counters  Counters
	histogram map[string]int64
	perSource map[string]int64

	scoreCount int64
	scoreSum   float64
	scoreMin   float64
	scoreMax   float64
}

func NewTelemetry() *Telemetry {
	hist := make(map[string]int64, len(scoreBuckets))
	for _, b := range scoreBuckets {
		hist[b] = 0
	}
	return &Telemetry{
		histogram: hist,
		perSource: make(map[string]int64),
	}
}

// ObserveScore records one candidate score for the distribution.
func (t *Telemetry) ObserveScore(score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.histogram[bucketFor(score)]++
	if t.scoreCount == 0 || score < t.scoreMin {
		t.scoreMin = score
	}
	if t.scoreCount == 0 || score > t.scoreMax {
		t.scoreMax = score
	}
	t.scoreSum += score
	t.scoreCount++
}

// CountRow tallies one processed row for its source.
func (t *Telemetry) CountRow(sourceSlug string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters.RowsSeen++
	if sourceSlug != "" {
		t.perSource[sourceSlug]++
	}
}

func (t *Telemetry) Add(update func(c *Counters)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	update(&t.counters)
}

// Counters returns a copy of the current tallies.
func (t *Telemetry) Counters() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters
}

// Snapshot is the JSON shape persisted to merge_runs.stats.
type Snapshot struct {
	Counters  Counters         `json:"counters"`
	Histogram map[string]int64 `json:"score_histogram"`
	PerSource map[string]int64 `json:"rows_per_source"`
	ScoreMin  float64          `json:"score_min"`
	ScoreAvg  float64          `json:"score_avg"`
	ScoreMax  float64          `json:"score_max"`
	Scores    int64            `json:"scores_observed"`
}

func (t *Telemetry) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	hist := make(map[string]int64, len(t.histogram))
	for k, v := range t.histogram {
		hist[k] = v
	}
	perSource := make(map[string]int64, len(t.perSource))
	for k, v := range t.perSource {
		perSource[k] = v
	}

	snap := Snapshot{
		Counters:  t.counters,
		Histogram: hist,
		PerSource: perSource,
		Scores:    t.scoreCount,
	}
	if t.scoreCount > 0 {
		snap.ScoreMin = t.scoreMin
		snap.ScoreMax = t.scoreMax
		snap.ScoreAvg = t.scoreSum / float64(t.scoreCount)
	}
	return snap
}

// MarshalStats serializes the snapshot for the merge_runs row.
func (t *Telemetry) MarshalStats() (json.RawMessage, error) {
	return json.Marshal(t.Snapshot())
}
