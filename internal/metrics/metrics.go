// Package metrics centralises Prometheus metric registration for the
// broker, service agent and gateway agent binaries. It registers with the
// global prometheus.DefaultRegisterer, exposed via the /metrics HTTP
// handler from the Prometheus client library.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var once sync.Once

var (
	RegisteredKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pbmapper",
		Subsystem: "broker",
		Name:      "registered_keys",
		Help:      "Number of service keys currently registered with the broker.",
	})

	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pbmapper",
		Subsystem: "broker",
		Name:      "active_connections",
		Help:      "Number of connections currently tracked in the broker's connection table.",
	})

	StatusSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pbmapper",
		Subsystem: "broker",
		Name:      "status_subscribers",
		Help:      "Current number of admin status websocket subscribers.",
	})

	BridgedBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pbmapper",
		Subsystem: "forward",
		Name:      "bridged_bytes_total",
		Help:      "Total bytes copied by the forward engine, by direction.",
	}, []string{"direction"})

	ReconnectAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pbmapper",
		Subsystem: "agent",
		Name:      "reconnect_attempts_total",
		Help:      "Total reconnect attempts made by an agent, by role.",
	}, []string{"role"})
)

// Register exports all metrics; safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			RegisteredKeys,
			ActiveConnections,
			StatusSubscribers,
			BridgedBytesTotal,
			ReconnectAttemptsTotal,
		)
	})
}
