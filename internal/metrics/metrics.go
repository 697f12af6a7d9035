// Package metrics exposes Prometheus instrumentation for binned fetching.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scatterbins_fetch_requests_total",
		Help: "Total binned-data requests issued to the transport",
	})
	FetchFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scatterbins_fetch_failures_total",
		Help: "Total binned-data requests rejected by the transport",
	})
	FetchSupersededTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scatterbins_fetch_superseded_total",
		Help: "Total queued fetches displaced by a newer caller",
	})
	FetchDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scatterbins_fetch_duration_ms",
		Help:    "Transport round trip in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
	})
	MalformedBinsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scatterbins_malformed_bins_total",
		Help: "Total aggregated rows skipped because their extent could not be parsed",
	})
	AggregatedResponsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scatterbins_responses_total",
		Help: "Transport responses by kind (binned or detail)",
	}, []string{"kind"})
	SnapshotReplaysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scatterbins_snapshot_replays_total",
		Help: "Total fetches served from persisted snapshot pages",
	})
	EngineQueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scatterbins_engine_queries_total",
		Help: "Local engine queries by cache outcome",
	}, []string{"cache"})
)

func init() {
	prometheus.MustRegister(FetchRequestsTotal)
	prometheus.MustRegister(FetchFailuresTotal)
	prometheus.MustRegister(FetchSupersededTotal)
	prometheus.MustRegister(FetchDurationMs)
	prometheus.MustRegister(MalformedBinsTotal)
	prometheus.MustRegister(AggregatedResponsesTotal)
	prometheus.MustRegister(SnapshotReplaysTotal)
	prometheus.MustRegister(EngineQueriesTotal)
}

// Handler serves the registered metrics.
func Handler() http.Handler { return promhttp.Handler() }
