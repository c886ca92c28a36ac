// Package metrics holds the Prometheus collectors exported by the delivery
// service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "delivery"

// Collectors groups every collector the service updates. Components take a
// *Collectors so tests can use an isolated registry.
type Collectors struct {
	Registry *prometheus.Registry

	LiveConnections    prometheus.Gauge
	LiveGroups         prometheus.Gauge
	Pushes             *prometheus.CounterVec
	ImplicitDisconnect prometheus.Counter
	Deliveries         *prometheus.CounterVec
	FanoutSize         prometheus.Histogram
}

// New creates the collectors and registers them with a fresh registry.
func New() *Collectors {
	c := &Collectors{
		Registry: prometheus.NewRegistry(),
		LiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "live_connections",
			Help:      "Number of registered push connections.",
		}),
		LiveGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "live_groups",
			Help:      "Number of non-empty broadcast groups.",
		}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "pushes_total",
			Help:      "Pushes to individual connections by outcome.",
		}, []string{"outcome"}),
		ImplicitDisconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "implicit_disconnects_total",
			Help:      "Connections unregistered after a failed push.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "deliveries_total",
			Help:      "Pipeline delivery operations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		FanoutSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "fanout_size",
			Help:      "Number of members resolved per group send.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	c.Registry.MustRegister(
		c.LiveConnections,
		c.LiveGroups,
		c.Pushes,
		c.ImplicitDisconnect,
		c.Deliveries,
		c.FanoutSize,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return c
}

// Handler returns an HTTP handler exposing the registered metrics.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}
