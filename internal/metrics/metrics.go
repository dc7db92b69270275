// Package metrics exposes the prometheus collectors for the proxy engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors holds all prometheus metric collectors.
type Collectors struct {
	ConnsAccepted prometheus.Counter
	ConnsActive   prometheus.Gauge
	HandlerErrors prometheus.Counter
	ProxiesAlive  prometheus.Gauge
	ProbesTotal   prometheus.Counter
	ProbeFailures prometheus.Counter
}

// Init registers and returns the collectors under the given namespace.
func Init(namespace string) *Collectors {
	// Safely register or reuse an existing collector so repeated Init
	// calls (tests) don't panic.
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			return c
		}
		return c
	}

	mc := &Collectors{}

	mc.ConnsAccepted = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_accepted_total",
		Help:      "Total number of accepted client connections",
	})).(prometheus.Counter)

	mc.ConnsActive = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active_count",
		Help:      "Number of client connections currently tunneling",
	})).(prometheus.Gauge)

	mc.HandlerErrors = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handler_errors_total",
		Help:      "Total number of client handlers that ended in error",
	})).(prometheus.Counter)

	mc.ProxiesAlive = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upstreams_alive_count",
		Help:      "Number of upstream proxies whose last probe succeeded",
	})).(prometheus.Gauge)

	mc.ProbesTotal = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probes_total",
		Help:      "Total number of health probes performed",
	})).(prometheus.Counter)

	mc.ProbeFailures = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_failures_total",
		Help:      "Total number of health probes that failed",
	})).(prometheus.Counter)

	return mc
}
