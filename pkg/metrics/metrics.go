// Package metrics exposes engine activity as Prometheus collectors.
//
// A Collector is driven entirely by domain.LifecycleHooks, so it works with any
// ledger or snapshot backend:
//
//	m := metrics.New(nil)
//	eng := lattice.New(lattice.WithLifecycleHooks(m.Hooks()))
//	http.Handle("/metrics", m.Handler())
package metrics

import (
	"context"
	"net/http"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lattice"

// Collector holds the engine metrics and the registry they are exposed from.
type Collector struct {
	registry *prometheus.Registry

	EventsAppended *prometheus.CounterVec
	Conflicts      prometheus.Counter
	NodeAttempts   *prometheus.CounterVec
	NodeDuration   *prometheus.HistogramVec
	RunsFinished   *prometheus.CounterVec
	StuckRuns      prometheus.Counter
	Compensations  *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
// A nil registry gets a private one with the Go and process collectors.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		)
	}

	c := &Collector{
		registry: reg,
		EventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Total number of events appended to the ledger.",
		}, []string{"kind"}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Total number of sequence or version conflicts seen while committing.",
		}),
		NodeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_attempts_total",
			Help:      "Total number of finished node attempts.",
		}, []string{"node_type", "status"}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Duration of node executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node_type"}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Total number of runs that reached a terminal status.",
		}, []string{"status"}),
		StuckRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_runs_total",
			Help:      "Total number of runs detected as stuck.",
		}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Total number of finished compensation sagas.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.EventsAppended,
		c.Conflicts,
		c.NodeAttempts,
		c.NodeDuration,
		c.RunsFinished,
		c.StuckRuns,
		c.Compensations,
	)
	return c
}

// Registry returns the registry the collectors are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Hooks returns lifecycle hooks that record into the collectors.
func (c *Collector) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnEventAppended: func(_ context.Context, ev *domain.ExecutionEvent) {
			c.EventsAppended.WithLabelValues(string(ev.Kind)).Inc()
		},
		OnConflict: func(context.Context, string, error) {
			c.Conflicts.Inc()
		},
		OnNodeFinished: func(_ context.Context, o *domain.NodeOutcome) {
			nodeType := o.NodeType
			if nodeType == "" {
				nodeType = "default"
			}
			c.NodeAttempts.WithLabelValues(nodeType, string(o.Status)).Inc()
			c.NodeDuration.WithLabelValues(nodeType).Observe(o.Duration.Seconds())
		},
		OnRunFinished: func(_ context.Context, run *domain.WorkflowRun) {
			c.RunsFinished.WithLabelValues(string(run.Status)).Inc()
		},
		OnStuck: func(context.Context, *domain.WorkflowRun, *domain.StuckWorkflowError) {
			c.StuckRuns.Inc()
		},
		OnCompensationFinished: func(_ context.Context, _ *domain.WorkflowRun, res domain.CompensationResult) {
			outcome := "success"
			if !res.Success {
				outcome = "failure"
			}
			c.Compensations.WithLabelValues(outcome).Inc()
		},
	}
}
