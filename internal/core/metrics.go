package core

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schemahub/pkg/domain"
)

const metricsNamespace = "schemahub"

// Metrics records operation outcomes and runtime gauges on its own registry.
type Metrics struct {
	registry      *prometheus.Registry
	operations    *prometheus.CounterVec
	durations     *prometheus.HistogramVec
	activeDomains prometheus.Gauge
	locks         prometheus.Gauge
	queueDepth    *prometheus.GaugeVec
}

// NewMetrics registers the schemahub collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Public operations by outcome.",
		}, []string{"operation", "status"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of public operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"operation"}),
		activeDomains: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_domains",
			Help:      "Edit sessions currently registered.",
		}),
		locks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "repository_locks",
			Help:      "Path locks held in the repository.",
		}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "dispatcher_queue_depth",
			Help:      "Pending actions per dispatcher.",
		}, []string{"dispatcher"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveOperation counts op under "ok" or the error kind.
func (m *Metrics) ObserveOperation(op string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = string(domain.KindOf(err))
	}
	m.operations.WithLabelValues(op, status).Inc()
	m.durations.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveActiveDomains(n int) { m.activeDomains.Set(float64(n)) }

func (m *Metrics) ObserveLocks(n int) { m.locks.Set(float64(n)) }

func (m *Metrics) ObserveQueue(dispatcher string, depth int) {
	m.queueDepth.WithLabelValues(dispatcher).Set(float64(depth))
}
