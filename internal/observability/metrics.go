// Package observability holds the Prometheus instrumentation for the
// planning core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the planning core collectors. All collectors register
// against the Registerer passed to NewMetrics so tests can use a private
// registry.
type Metrics struct {
	CycleDuration   prometheus.Histogram
	StepDispatches  *prometheus.CounterVec
	Verifications   *prometheus.CounterVec
	BreakerTrips    prometheus.Counter
	IdleTicks       *prometheus.CounterVec
	TasksByStatus   *prometheus.GaugeVec
	DrainQueueDepth prometheus.Gauge
	EventsDropped   prometheus.Counter
	PrereqInjected  prometheus.Counter
}

// NewMetrics creates and registers the collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "steve",
			Subsystem: "executor",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one executor cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		StepDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steve",
			Subsystem: "executor",
			Name:      "step_dispatches_total",
			Help:      "Step dispatches by outcome.",
		}, []string{"outcome"}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steve",
			Subsystem: "executor",
			Name:      "verifications_total",
			Help:      "Step verifications by status.",
		}, []string{"status"}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "steve",
			Subsystem: "executor",
			Name:      "breaker_trips_total",
			Help:      "Circuit breaker open transitions.",
		}),
		IdleTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steve",
			Subsystem: "executor",
			Name:      "idle_ticks_total",
			Help:      "Idle cycles by classified reason.",
		}, []string{"reason"}),
		TasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "steve",
			Subsystem: "tasks",
			Name:      "by_status",
			Help:      "Current task count per status.",
		}, []string{"status"}),
		DrainQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "steve",
			Subsystem: "protocol",
			Name:      "drain_queue_depth",
			Help:      "Pending effect batches on the protocol drain.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "steve",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "SSE events dropped on saturated client buffers.",
		}),
		PrereqInjected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "steve",
			Subsystem: "executor",
			Name:      "prereq_injections_total",
			Help:      "Prerequisite subtasks injected.",
		}),
	}
	reg.MustRegister(
		m.CycleDuration, m.StepDispatches, m.Verifications, m.BreakerTrips,
		m.IdleTicks, m.TasksByStatus, m.DrainQueueDepth, m.EventsDropped,
		m.PrereqInjected,
	)
	return m
}
