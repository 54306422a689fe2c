// Package metrics holds the Prometheus instruments shared by the HTTP server
// and the task workers. Each process creates one Metrics value with its own
// registry and exposes it on /metrics.
package metrics

import (
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/levelingai/levelingai/llm"
)

// Metrics bundles all instruments behind a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// GuidesCreated counts accepted PDF uploads.
	GuidesCreated prometheus.Counter

	// StatusTransitions counts guide status changes by target state.
	StatusTransitions *prometheus.CounterVec

	// TasksProcessed counts task executions by task name and result
	// (ok, retry, failed).
	TasksProcessed *prometheus.CounterVec

	// TaskDuration observes task execution time by task name.
	TaskDuration *prometheus.HistogramVec

	// LLMCalls counts gateway invocations by provider, purpose, and outcome.
	LLMCalls *prometheus.CounterVec

	// LLMLatency observes gateway invocation latency by purpose.
	LLMLatency *prometheus.HistogramVec
}

// New creates a Metrics value with its own registry, prefixed with namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		GuidesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guides_created_total",
			Help:      "Accepted PDF uploads.",
		}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Guide status transitions by target state.",
		}, []string{"to"}),
		TasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_processed_total",
			Help:      "Task executions by task name and result.",
		}, []string{"task", "result"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution time by task name.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"task"}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "LLM gateway invocations by provider, purpose, and outcome.",
		}, []string{"provider", "purpose", "ok"}),
		LLMLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "LLM gateway invocation latency by purpose.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"purpose"}),
	}

	registry.MustRegister(
		m.GuidesCreated,
		m.StatusTransitions,
		m.TasksProcessed,
		m.TaskDuration,
		m.LLMCalls,
		m.LLMLatency,
	)
	return m
}

// Gatherer exposes the private registry for promhttp.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// LLMRecorder feeds gateway call records into both the structured log and
// the Prometheus instruments.
type LLMRecorder struct {
	Metrics *Metrics
	Logger  *slog.Logger
}

func (r *LLMRecorder) RecordCall(rec llm.CallRecord) {
	(&llm.LogRecorder{Logger: r.Logger}).RecordCall(rec)
	if r.Metrics == nil {
		return
	}
	r.Metrics.LLMCalls.WithLabelValues(rec.Provider, rec.Purpose, strconv.FormatBool(rec.OK)).Inc()
	r.Metrics.LLMLatency.WithLabelValues(rec.Purpose).Observe(float64(rec.LatencyMS) / 1000)
}
