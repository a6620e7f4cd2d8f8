// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package kernel

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "neptyne"

// Metrics are the manager's instrument set.
type Metrics struct {
	Running         prometheus.Gauge
	Starts          prometheus.Counter
	Culls           prometheus.Counter
	HeartbeatLosses prometheus.Counter
}

// NewMetrics builds an unregistered instrument set.
func NewMetrics() *Metrics {
	return &Metrics{
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "kernels",
			Name:      "running",
			Help:      "Number of kernels currently running on this replica.",
		}),
		Starts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "kernels",
			Name:      "starts_total",
			Help:      "Kernels started since process start.",
		}),
		Culls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "kernels",
			Name:      "culls_total",
			Help:      "Kernels culled for idleness.",
		}),
		HeartbeatLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "kernels",
			Name:      "heartbeat_losses_total",
			Help:      "Kernels dropped after missing heartbeats.",
		}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.Running.Describe(ch)
	m.Starts.Describe(ch)
	m.Culls.Describe(ch)
	m.HeartbeatLosses.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.Running.Collect(ch)
	m.Starts.Collect(ch)
	m.Culls.Collect(ch)
	m.HeartbeatLosses.Collect(ch)
}
