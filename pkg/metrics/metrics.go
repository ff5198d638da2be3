// Package metrics declares the Prometheus collectors for graph transactions.
// Collectors register on the default registry; Handler serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transaction outcomes.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeInvalid    = "invalid"
	OutcomeFailed     = "failed"
)

var (
	Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphobjects_transactions_total",
		Help: "Graph transactions by outcome",
	}, []string{"outcome"})

	InnerCallbackPasses = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graphobjects_inner_callback_passes",
		Help:    "Inner callback passes needed for a transaction to converge",
		Buckets: []float64{0, 1, 2, 3, 5, 10, 25, 50, 100},
	})

	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graphobjects_phase_duration_seconds",
		Help:    "Duration of transaction phases",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	OuterCallbackFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphobjects_outer_callback_failures_total",
		Help: "After-commit callbacks that returned an error or panicked",
	})

	CardinalityRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphobjects_cardinality_removals_total",
		Help: "Relationships removed to keep relation cardinality",
	}, []string{"cardinality"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphobjects_cache_lookups_total",
		Help: "Result cache lookups by result",
	}, []string{"result"})

	CacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphobjects_cache_invalidations_total",
		Help: "Result cache entries dropped by commits",
	})

	AuditEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphobjects_audit_events_total",
		Help: "Change log events written",
	})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
