// Package metrics exposes scheduler, agent and notification counters in
// Prometheus format. A nil *Registry is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentmon"

// Registry owns the collectors. Its methods satisfy the recorder interfaces
// of the agent, scheduler and notify packages.
type Registry struct {
	reg *prometheus.Registry

	ticks         prometheus.Counter
	ticksSkipped  prometheus.Counter
	taskStatus    *prometheus.CounterVec
	agentStatus   *prometheus.CounterVec
	agentsRunning prometheus.Gauge
	notifications *prometheus.CounterVec
	eventsDropped prometheus.Counter
}

// New creates a Registry with the process and Go runtime collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler reconciliation ticks run.",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_skipped_total",
			Help:      "Ticks skipped because the previous tick was still running.",
		}),
		taskStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Pipeline task status transitions by target status.",
		}, []string{"status"}),
		agentStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_status_total",
			Help:      "Agent status transitions by target status.",
		}, []string{"status"}),
		agentsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_running",
			Help:      "Agent processes currently alive.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by channel and result (sent, skipped, failed).",
		}, []string{"channel", "result"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber's buffer was full.",
		}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.ticks,
		r.ticksSkipped,
		r.taskStatus,
		r.agentStatus,
		r.agentsRunning,
		r.notifications,
		r.eventsDropped,
	)
	return r
}

// Handler serves the registry at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) TickRan() {
	if r == nil {
		return
	}
	r.ticks.Inc()
}

func (r *Registry) TickSkipped() {
	if r == nil {
		return
	}
	r.ticksSkipped.Inc()
}

func (r *Registry) TaskTransition(status string) {
	if r == nil {
		return
	}
	r.taskStatus.WithLabelValues(status).Inc()
}

func (r *Registry) AgentStatusChanged(status string) {
	if r == nil {
		return
	}
	r.agentStatus.WithLabelValues(status).Inc()
}

// AgentProcesses sets the live process gauge.
func (r *Registry) AgentProcesses(n int) {
	if r == nil {
		return
	}
	r.agentsRunning.Set(float64(n))
}

func (r *Registry) NotificationSent(channel, result string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(channel, result).Inc()
}

func (r *Registry) EventDropped() {
	if r == nil {
		return
	}
	r.eventsDropped.Inc()
}
