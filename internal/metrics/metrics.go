// Package metrics exposes Prometheus counters and histograms for the
// engine's operational surface (claims, completions, failures, retries,
// cleanup sweeps), served over /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the worker increments. It wraps
// its own prometheus.Registry rather than the global default one so
// multiple engines (e.g. in tests) don't collide on metric names.
type Registry struct {
	reg *prometheus.Registry

	TasksClaimed   prometheus.Counter
	RunsCompleted  prometheus.Counter
	RunsFailed     prometheus.Counter
	RunsRetried    prometheus.Counter
	TasksCancelled prometheus.Counter
	TasksCleaned   prometheus.Counter
	EventsCleaned  prometheus.Counter
	ClaimBatchSize prometheus.Histogram
	OperationSecs  *prometheus.HistogramVec
}

// New constructs a Registry and registers every metric under it.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Registry{
		reg: reg,
		TasksClaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "absurd", Name: "tasks_claimed_total",
			Help: "Total runs claimed by claim_task across all queues.",
		}),
		RunsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "absurd", Name: "runs_completed_total",
			Help: "Total runs terminated successfully via complete_run.",
		}),
		RunsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "absurd", Name: "runs_failed_total",
			Help: "Total runs terminated unsuccessfully via fail_run.",
		}),
		RunsRetried: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "absurd", Name: "runs_retried_total",
			Help: "Total fail_run calls that scheduled a next attempt instead of finalizing.",
		}),
		TasksCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "absurd", Name: "tasks_cancelled_total",
			Help: "Total tasks transitioned to cancelled.",
		}),
		TasksCleaned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "absurd", Name: "tasks_cleaned_total",
			Help: "Total terminal tasks deleted by cleanup_tasks.",
		}),
		EventsCleaned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "absurd", Name: "events_cleaned_total",
			Help: "Total undelivered events deleted by cleanup_events.",
		}),
		ClaimBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "absurd", Name: "claim_batch_size",
			Help:    "Number of runs returned per claim_task call.",
			Buckets: prometheus.LinearBuckets(0, 5, 10),
		}),
		OperationSecs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "absurd", Name: "operation_duration_seconds",
			Help:    "Wall time of each engine operation, by name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	return m
}

// Handler returns the http.Handler that serves this registry's metrics.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
