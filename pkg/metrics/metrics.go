// Package metrics exposes prometheus instrumentation for the
// controller.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autoscript"

// Metrics holds every collector the controller records into. With
// enabled false the collectors still accept writes but are never
// registered, so scraping reports nothing.
type Metrics struct {
	enabled  bool
	registry *prometheus.Registry

	EnforcementPasses prometheus.Counter
	SampledBytes      *prometheus.CounterVec
	Evictions         *prometheus.CounterVec
	Reloads           prometheus.Counter
	ReloadFailures    prometheus.Counter
	AccountOperations *prometheus.CounterVec
}

func New(enabled bool) *Metrics {
	m := &Metrics{
		enabled:  enabled,
		registry: prometheus.NewRegistry(),
		EnforcementPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enforcement_passes_total",
			Help:      "Number of completed quota enforcement passes.",
		}),
		SampledBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sampled_bytes_total",
			Help:      "Downlink bytes folded into usage files, by protocol.",
		}, []string{"protocol"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Accounts removed for exceeding their quota, by protocol.",
		}, []string{"protocol"}),
		Reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_reloads_total",
			Help:      "Proxy service restarts issued by the controller.",
		}),
		ReloadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_reload_failures_total",
			Help:      "Proxy service restarts that failed.",
		}),
		AccountOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_operations_total",
			Help:      "Account API operations, by operation and outcome.",
		}, []string{"operation", "status"}),
	}
	if enabled {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			m.EnforcementPasses,
			m.SampledBytes,
			m.Evictions,
			m.Reloads,
			m.ReloadFailures,
			m.AccountOperations,
		)
	}
	return m
}

// Enabled reports whether collectors are registered for scraping.
func (m *Metrics) Enabled() bool {
	return m.enabled
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
