// Package metrics defines the Prometheus metric collectors used across the
// matching engine and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	MatchRequestsTotal   *prometheus.CounterVec
	MatchLatency         *prometheus.HistogramVec
	StageLatency         *prometheus.HistogramVec
	CandidatesScanned    prometheus.Histogram
	CandidatesExcluded   *prometheus.CounterVec
	PipelineRoundTrips   prometheus.Counter
	PipelineFailures     prometheus.Counter
	GridCellsLoaded      prometheus.Gauge
	GridReloadsTotal     *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		MatchRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "match_requests_total",
				Help: "Total match requests by mode (full, counts, exclusions) and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		MatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "match_latency_seconds",
				Help:    "End-to-end match request latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"mode"},
		),
		StageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "match_stage_latency_seconds",
				Help:    "Per-stage latency (universe, stage1, stage2, scoring) in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"stage"},
		),
		CandidatesScanned: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "match_candidates_scanned",
				Help:    "Initial candidate universe size per request.",
				Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000},
			},
		),
		CandidatesExcluded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "match_candidates_excluded_total",
				Help: "Candidates excluded by filter and direction.",
			},
			[]string{"filter", "direction"},
		),
		PipelineRoundTrips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "projection_pipeline_round_trips_total",
				Help: "Total pipelined cache round trips executed.",
			},
		),
		PipelineFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "projection_pipeline_failures_total",
				Help: "Total pipelined cache round trips that failed.",
			},
		),
		GridCellsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "grid_cells_loaded",
				Help: "Number of grid cells held by the partition index.",
			},
		),
		GridReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grid_reloads_total",
				Help: "Partition index load attempts by status.",
			},
			[]string{"status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.MatchRequestsTotal,
		m.MatchLatency,
		m.StageLatency,
		m.CandidatesScanned,
		m.CandidatesExcluded,
		m.PipelineRoundTrips,
		m.PipelineFailures,
		m.GridCellsLoaded,
		m.GridReloadsTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
