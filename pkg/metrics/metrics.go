// Package metrics exposes supervisor lifecycle events as Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/core-tools/memstack/pkg/events"
)

const namespace = "memstack"

// Metrics owns a private registry so several supervisors can live in one
// test binary.
type Metrics struct {
	registry *prometheus.Registry

	processUp       *prometheus.GaugeVec
	processRestarts *prometheus.CounterVec
	processExits    *prometheus.CounterVec
	processHealth   *prometheus.GaugeVec
	processMemory   *prometheus.GaugeVec
	inhibitorHeld   prometheus.Gauge
	dependencyReady *prometheus.GaugeVec

	mutex        sync.Mutex
	unsubscribes []func()
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		processUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "up",
			Help:      "1 when the supervised process is online",
		}, []string{"process"}),
		processRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Restarts by trigger",
		}, []string{"process", "trigger"}),
		processExits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "exits_total",
			Help:      "Unrequested process exits",
		}, []string{"process"}),
		processHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "health",
			Help:      "1 healthy, 0.5 degraded, 0 otherwise",
		}, []string{"process"}),
		processMemory: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "memory_bytes",
			Help:      "Last sampled resident memory",
		}, []string{"process"}),
		inhibitorHeld: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "inhibitor",
			Name:      "held",
			Help:      "1 while the sleep inhibitor is held",
		}),
		dependencyReady: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dependency",
			Name:      "ready",
			Help:      "1 when the dependency passed its readiness check",
		}, []string{"dependency"}),
	}
}

// Attach feeds the collectors from bus until Detach
func (m *Metrics) Attach(bus *events.Bus) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.unsubscribes = append(m.unsubscribes,
		bus.Subscribe(func(e events.ProcessStateChanged) {
			m.processUp.WithLabelValues(e.Name).Set(boolValue(e.To == "online"))
		}),
		bus.Subscribe(func(e events.ProcessRestarted) {
			m.processRestarts.WithLabelValues(e.Name, e.Trigger).Inc()
		}),
		bus.Subscribe(func(e events.ProcessExited) {
			m.processExits.WithLabelValues(e.Name).Inc()
		}),
		bus.Subscribe(func(e events.HealthChanged) {
			m.processHealth.WithLabelValues(e.Name).Set(healthValue(e.Status))
		}),
		bus.Subscribe(func(e events.MemorySampled) {
			m.processMemory.WithLabelValues(e.Name).Set(float64(e.Bytes))
		}),
		bus.Subscribe(func(e events.InhibitorChanged) {
			m.inhibitorHeld.Set(boolValue(e.Held))
		}),
		bus.Subscribe(func(e events.DependencyChanged) {
			m.dependencyReady.WithLabelValues(e.Name).Set(boolValue(e.Phase == events.DependencyReady))
		}),
	)
}

func (m *Metrics) Detach() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, unsubscribe := range m.unsubscribes {
		unsubscribe()
	}
	m.unsubscribes = nil
}

// Forget drops every series of a deleted process
func (m *Metrics) Forget(process string) {
	labels := prometheus.Labels{"process": process}
	m.processUp.DeletePartialMatch(labels)
	m.processRestarts.DeletePartialMatch(labels)
	m.processExits.DeletePartialMatch(labels)
	m.processHealth.DeletePartialMatch(labels)
	m.processMemory.DeletePartialMatch(labels)
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func healthValue(status string) float64 {
	switch status {
	case "healthy":
		return 1
	case "degraded":
		return 0.5
	default:
		return 0
	}
}
