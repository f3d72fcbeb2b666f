package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the canonicalization
// pipeline. A nil *Metrics is valid and records nothing, so library code can
// call it unconditionally.
type Metrics struct {
	registry *prometheus.Registry

	rowsProcessed *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	scores        prometheus.Histogram
	queueDepth    *prometheus.GaugeVec
	crawlItems    *prometheus.CounterVec
	runDuration   prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		rowsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caloo",
			Subsystem: "canonicalize",
			Name:      "rows_processed_total",
			Help:      "Source rows processed, by source slug.",
		}, []string{"source"}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caloo",
			Subsystem: "canonicalize",
			Name:      "decisions_total",
			Help:      "Merge decisions, by outcome.",
		}, []string{"outcome"}),
		scores: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "caloo",
			Subsystem: "canonicalize",
			Name:      "match_score",
			Help:      "Candidate match confidence distribution.",
			Buckets:   []float64{0.50, 0.70, 0.85, 0.95, 0.99, 1.0},
		}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "caloo",
			Subsystem: "queue",
			Name:      "source_happenings",
			Help:      "Source rows per processing status.",
		}, []string{"status"}),
		crawlItems: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caloo",
			Subsystem: "crawl",
			Name:      "items_total",
			Help:      "Items fetched per source and result.",
		}, []string{"source", "result"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "caloo",
			Subsystem: "canonicalize",
			Name:      "run_duration_seconds",
			Help:      "Canonicalization run wall time.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) RowProcessed(source string) {
	if m == nil {
		return
	}
	m.rowsProcessed.WithLabelValues(source).Inc()
}

func (m *Metrics) Decision(outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Score(score float64) {
	if m == nil {
		return
	}
	m.scores.Observe(score)
}

func (m *Metrics) SetQueueDepth(status string, depth int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(status).Set(float64(depth))
}

func (m *Metrics) CrawlItem(source, result string) {
	if m == nil {
		return
	}
	m.crawlItems.WithLabelValues(source, result).Inc()
}

func (m *Metrics) RunDuration(seconds float64) {
	if m == nil {
		return
	}
	m.runDuration.Observe(seconds)
}

// Handler exposes the registry for the ops API.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
