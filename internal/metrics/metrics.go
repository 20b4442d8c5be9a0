package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for source fan-out, caching and conversation turns.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SourceFetches       *prometheus.CounterVec
	SourceFetchDuration *prometheus.HistogramVec
	CacheLookups        *prometheus.CounterVec
	Aggregations        *prometheus.CounterVec
	ConversationTurns   *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SourceFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cartscout_source_fetch_total",
				Help: "Source adapter calls by outcome",
			},
			[]string{"source", "outcome"},
		),
		SourceFetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cartscout_source_fetch_duration_seconds",
				Help:    "Duration of source adapter calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
			},
			[]string{"source"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cartscout_cache_lookups_total",
				Help: "Result cache lookups by result",
			},
			[]string{"source", "result"},
		),
		Aggregations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cartscout_aggregations_total",
				Help: "Aggregation calls by status",
			},
			[]string{"status"},
		),
		ConversationTurns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cartscout_conversation_turns_total",
				Help: "Conversation turns by outcome kind",
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) ObserveFetch(source, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SourceFetches.WithLabelValues(source, outcome).Inc()
	m.SourceFetchDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) ObserveCache(source string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(source, result).Inc()
}

func (m *Metrics) ObserveAggregation(status string) {
	if m == nil {
		return
	}
	m.Aggregations.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveTurn(kind string) {
	if m == nil {
		return
	}
	m.ConversationTurns.WithLabelValues(kind).Inc()
}
