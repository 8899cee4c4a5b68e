// Package metrics exposes broker-level Prometheus gauges and counters on
// an HTTP /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles the metrics this broker publishes. PublishesOut and
// InFlight are registered and exposed, but nothing in the broker updates
// them, so they always read zero.
type Registry struct {
	Connections   prometheus.Gauge
	PublishesIn   prometheus.Counter
	PublishesOut  *prometheus.CounterVec
	Subscribes    prometheus.Counter
	InFlight      prometheus.Gauge
	QuotaRejected *prometheus.CounterVec
}

// New registers every metric against a fresh registry.
func New() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqttd",
			Name:      "connections",
			Help:      "Number of currently connected clients.",
		}),
		PublishesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mqttd",
			Name:      "publishes_in_total",
			Help:      "Total PUBLISH packets received from clients.",
		}),
		PublishesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mqttd",
			Name:      "publishes_out_total",
			Help:      "Total PUBLISH packets delivered to subscribers, by QoS.",
		}, []string{"qos"}),
		Subscribes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mqttd",
			Name:      "subscribes_total",
			Help:      "Total SUBSCRIBE packets processed.",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqttd",
			Name:      "inflight_deliveries",
			Help:      "Number of QoS 1/2 deliveries currently awaiting acknowledgement.",
		}),
		QuotaRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mqttd",
			Name:      "quota_rejected_total",
			Help:      "Publishes rejected for exceeding a domain's quota, by domain.",
		}, []string{"domain"}),
	}
	return r, reg
}
