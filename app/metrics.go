package app

import (
	"github.com/prometheus/client_golang/prometheus"

	"autopilot/core/orchestrator"
)

// Metrics exposes Orchestrator activity as Prometheus gauges/counters, for a
// process that wants to serve /metrics alongside the terminal callbacks
// (both can be attached to the same Callbacks struct).
type Metrics struct {
	toolCalls   *prometheus.CounterVec
	toolErrors  *prometheus.CounterVec
	costTotal   prometheus.Gauge
	checkpoints prometheus.Counter
}

// NewMetrics registers Autopilot's metrics on reg and returns a Metrics
// handle whose methods can be wired into orchestrator.Callbacks.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autopilot_tool_calls_total",
			Help: "Number of tool invocations by tool name.",
		}, []string{"tool"}),
		toolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autopilot_tool_errors_total",
			Help: "Number of tool invocations that returned an error result.",
		}, []string{"tool"}),
		costTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autopilot_cost_total_usd",
			Help: "Accumulated USD cost for the current run.",
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_checkpoints_total",
			Help: "Number of checkpoints saved.",
		}),
	}
	reg.MustRegister(m.toolCalls, m.toolErrors, m.costTotal, m.checkpoints)
	return m
}

// Wrap merges metrics recording into an existing Callbacks set, calling
// through to whatever was already set on each field.
func (m *Metrics) Wrap(cb orchestrator.Callbacks) orchestrator.Callbacks {
	prevToolEnd := cb.OnToolEnd
	cb.OnToolEnd = func(name, result string, isError bool) {
		m.toolCalls.WithLabelValues(name).Inc()
		if isError {
			m.toolErrors.WithLabelValues(name).Inc()
		}
		if prevToolEnd != nil {
			prevToolEnd(name, result, isError)
		}
	}

	prevCheckpoint := cb.OnCheckpoint
	cb.OnCheckpoint = func() {
		m.checkpoints.Inc()
		if prevCheckpoint != nil {
			prevCheckpoint()
		}
	}

	return cb
}

// SetCost updates the cost gauge to the given total.
func (m *Metrics) SetCost(total float64) {
	m.costTotal.Set(total)
}
