// Package metrics is the Prometheus exposition surface SPEC_FULL.md
// §6 adds on top of spec.md's plain-JSON GET /api/health: pool
// occupancy per VM, queue depth, active pipelines, alerts by severity,
// and completed tasks by status. One Metrics is constructed at process
// start and threaded explicitly through internal/httpapi, never a
// package-level global, matching the rest of the core's wiring style.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the Prometheus collectors and the registry they are
// registered against.
type Metrics struct {
	registry *prometheus.Registry

	vmPoolOccupied  *prometheus.GaugeVec
	vmPoolAttention *prometheus.GaugeVec
	queueDepth      prometheus.Gauge
	activePipelines prometheus.Gauge
	alertsTotal     *prometheus.CounterVec
	tasksTotal      *prometheus.CounterVec
}

// New builds a Metrics with every collector registered against its own
// registry (never the global DefaultRegisterer, so tests can construct
// more than one without colliding).
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		vmPoolOccupied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "detonator",
			Name:      "vm_pool_occupied",
			Help:      "1 if the named VM is currently leased, else 0.",
		}, []string{"vm_name"}),
		vmPoolAttention: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "detonator",
			Name:      "vm_pool_needs_attention",
			Help:      "1 if the named VM is flagged needs-attention, else 0.",
		}, []string{"vm_name"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "detonator",
			Name:      "queue_depth",
			Help:      "Number of tasks currently queued.",
		}),
		activePipelines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "detonator",
			Name:      "active_pipelines",
			Help:      "Number of pipelines currently running across all tasks.",
		}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detonator",
			Name:      "alerts_total",
			Help:      "Total alerts raised, by severity.",
		}, []string{"severity"}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detonator",
			Name:      "tasks_total",
			Help:      "Total tasks completed, by terminal status.",
		}, []string{"status"}),
	}

	registry.MustRegister(
		m.vmPoolOccupied,
		m.vmPoolAttention,
		m.queueDepth,
		m.activePipelines,
		m.alertsTotal,
		m.tasksTotal,
	)
	return m
}

// SetVMPool reflects one VM's current pool health onto the gauges.
func (m *Metrics) SetVMPool(vmName string, leased, needsAttention bool) {
	m.vmPoolOccupied.WithLabelValues(vmName).Set(boolToFloat(leased))
	m.vmPoolAttention.WithLabelValues(vmName).Set(boolToFloat(needsAttention))
}

// SetQueueDepth records the orchestrator's current pending-task count.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// SetActivePipelines records the number of pipelines currently running.
func (m *Metrics) SetActivePipelines(n int) {
	m.activePipelines.Set(float64(n))
}

// ObserveAlert increments the alert counter for severity.
func (m *Metrics) ObserveAlert(severity string) {
	m.alertsTotal.WithLabelValues(severity).Inc()
}

// ObserveTaskTerminal increments the task counter for a terminal status.
func (m *Metrics) ObserveTaskTerminal(status string) {
	m.tasksTotal.WithLabelValues(status).Inc()
}

// Handler returns the promhttp handler for GET /api/metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
