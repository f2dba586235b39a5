// Package metrics exposes dispatcher and execution counters in Prometheus
// format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cronmesh"

// Dispatch results.
const (
	ResultSent        = "sent"
	ResultUnreachable = "unreachable"
	ResultBusy        = "busy"
	ResultError       = "error"
)

var (
	Dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatches_total",
		Help:      "Due jobs handed to agents, by transport mode and result.",
	}, []string{"mode", "result"})

	StatusReports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_reports_total",
		Help:      "Job status updates received, by status.",
	}, []string{"status"})

	ConnectedAgents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_agents",
		Help:      "Agents holding a live push connection.",
	})

	InvalidSchedules = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invalid_schedules_total",
		Help:      "Jobs skipped during due resolution because their schedule is unusable.",
	})

	ResolverCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolver_cycles_total",
		Help:      "Server-side due resolution cycles, by outcome.",
	}, []string{"result"})

	MalformedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_messages_total",
		Help:      "Push channel messages dropped because they could not be parsed.",
	})
)

// Registry holds every cronmesh collector plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		Dispatches,
		StatusReports,
		ConnectedAgents,
		InvalidSchedules,
		ResolverCycles,
		MalformedMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
