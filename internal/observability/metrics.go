// Package observability exposes the orchestrator's prometheus metrics.
// Exposition (the /metrics listener) is left to the embedding process.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the counters and gauges shared across subsystems.
type Metrics struct {
	JobsProcessed   *prometheus.CounterVec
	JobsFailed      *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	QueueDepth      prometheus.Gauge
	ActiveCycles    prometheus.Gauge
	DroppedLogLines prometheus.Counter
	AgentInvokes    *prometheus.CounterVec
}

// New registers the metric set on the given registerer; pass nil for the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_jobs_processed_total",
			Help: "Jobs completed by the worker pool, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_jobs_failed_total",
			Help: "Handler failures, by kind and retryability.",
		}, []string{"kind", "permanent"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forge_job_duration_seconds",
			Help:    "Wall-clock duration of job handlers.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"kind"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "forge_queue_depth",
			Help: "Jobs currently leasable or leased.",
		}),
		ActiveCycles: factory.NewGauge(prometheus.GaugeOpts{
			Name: "forge_active_cycles",
			Help: "Autonomous cycles in a non-terminal phase.",
		}),
		DroppedLogLines: factory.NewCounter(prometheus.CounterOpts{
			Name: "forge_output_dropped_lines_total",
			Help: "Log lines dropped for slow stream subscribers.",
		}),
		AgentInvokes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_agent_invocations_total",
			Help: "Agent subprocess invocations, by executor kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
}

// Nop returns a metric set on a throwaway registry, for tests and embedders
// that do not scrape.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
