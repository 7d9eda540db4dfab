package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the coordinator's Prometheus collectors. Each service
// process owns one instance with its own registry so tests never collide on
// duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted        prometheus.Counter
	RunsCompleted      prometheus.Counter
	RunsFailed         prometheus.Counter
	ActiveRuns         prometheus.Gauge
	TokensCreated      prometheus.Counter
	TraceEvents        prometheus.Counter
	TaskDispatches     *prometheus.CounterVec
	SubscribersDropped prometheus.Counter
}

// New creates a metrics set backed by a fresh registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_runs_started_total",
			Help: "Workflow runs started",
		}),
		RunsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_runs_completed_total",
			Help: "Workflow runs that reached completed",
		}),
		RunsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_runs_failed_total",
			Help: "Workflow runs that reached failed",
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_active_runs",
			Help: "Coordinator actors currently live",
		}),
		TokensCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_tokens_created_total",
			Help: "Tokens created across all runs",
		}),
		TraceEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_trace_events_total",
			Help: "Trace events committed across all runs",
		}),
		TaskDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_task_dispatches_total",
			Help: "Task dispatches by terminal status",
		}, []string{"status"}),
		SubscribersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_subscribers_dropped_total",
			Help: "Event stream subscribers dropped for lagging",
		}),
	}

	registry.MustRegister(
		m.RunsStarted,
		m.RunsCompleted,
		m.RunsFailed,
		m.ActiveRuns,
		m.TokensCreated,
		m.TraceEvents,
		m.TaskDispatches,
		m.SubscribersDropped,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
