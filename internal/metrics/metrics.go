// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingest outcomes
const (
	OutcomeAccepted     = "accepted"
	OutcomeDeduped      = "deduped"
	OutcomeBot          = "bot"
	OutcomeInvalid      = "invalid"
	OutcomeUnauthorized = "unauthorized"
	OutcomeForbidden    = "forbidden"
	OutcomeRateLimited  = "rate_limited"
	OutcomeTooLarge     = "too_large"
	OutcomeError        = "error"
)

var buckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

var (
	IngestRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Name:      "ingest_requests_total",
		Help:      "Ingest requests by outcome.",
	}, []string{"outcome"})

	EventsStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Name:      "events_stored_total",
		Help:      "Raw events persisted, by event type.",
	}, []string{"type"})

	IngestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tally",
		Name:      "ingest_duration_seconds",
		Help:      "Time taken to store an event and apply its rollup deltas.",
		Buckets:   buckets,
	})

	RebuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tally",
		Name:      "rebuild_duration_seconds",
		Help:      "Time taken by a rollup rebuild or diff.",
		Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300},
	})

	RebuildMismatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tally",
		Name:      "rebuild_mismatches_total",
		Help:      "Rows that differed between stored and recomputed rollups.",
	}, []string{"table"})
)

func init() {
	prometheus.DefaultRegisterer.MustRegister(
		IngestRequests,
		EventsStored,
		IngestDuration,
		RebuildDuration,
		RebuildMismatches,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
