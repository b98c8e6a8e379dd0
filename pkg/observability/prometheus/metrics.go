// Package prometheus exposes the orchestration core's metrics.
package prometheus

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DefaultRegistry is the registry the daemon serves at /metrics.
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer labels every metric with the service name.
	DefaultRegisterer = prometheus.WrapRegistererWith(
		prometheus.Labels{"service": "converge"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds all Prometheus instruments for the core.
type Metrics struct {
	// Bus metrics
	BusPublishedTotal *prometheus.CounterVec
	BusDroppedTotal   *prometheus.CounterVec

	// Worker runtime metrics
	AgentProcessedTotal  *prometheus.CounterVec
	AgentProcessDuration *prometheus.HistogramVec
	AgentDedupHits       *prometheus.CounterVec

	// Coordinator metrics
	AggregationsInFlight prometheus.Gauge
	AggregationOutcomes  *prometheus.CounterVec
	AggregationCoverage  prometheus.Histogram
}

// GetMetrics returns the process-wide metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates a metrics collection on the given registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	return &Metrics{
		BusPublishedTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "converge_bus_published_total",
				Help: "Total envelopes published per channel",
			},
			[]string{"channel"},
		),
		BusDroppedTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "converge_bus_dropped_total",
				Help: "Envelopes dropped before delivery per channel",
			},
			[]string{"channel"},
		),
		AgentProcessedTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "converge_agent_processed_total",
				Help: "Dispatcher outcomes per worker kind",
			},
			[]string{"kind", "outcome"},
		),
		AgentProcessDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "converge_agent_process_duration_seconds",
				Help:    "Worker processing duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		AgentDedupHits: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "converge_agent_dedup_hits_total",
				Help: "Duplicate correlation ids dropped per worker kind",
			},
			[]string{"kind"},
		),
		AggregationsInFlight: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "converge_aggregations_in_flight",
				Help: "Fan-outs awaiting finalization",
			},
		),
		AggregationOutcomes: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "converge_aggregation_outcomes_total",
				Help: "Finalizations by outcome (complete, partial, empty, error)",
			},
			[]string{"outcome"},
		),
		AggregationCoverage: promauto.With(registerer).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "converge_aggregation_coverage",
				Help:    "Fraction of expected sources received at finalization",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		),
	}
}

// Handler returns the HTTP handler serving DefaultRegistry.
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{})
}
