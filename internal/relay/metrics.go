package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	forwarded prometheus.Counter
	dropped   *prometheus.CounterVec
	rejected  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them, together with gauges
// reading hub occupancy, on reg.
func NewMetrics(reg *prometheus.Registry, hub func() *Hub) *Metrics {
	m := &Metrics{
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duocall",
			Subsystem: "relay",
			Name:      "messages_forwarded_total",
			Help:      "signaling messages delivered to a room member",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duocall",
			Subsystem: "relay",
			Name:      "messages_dropped_total",
			Help:      "inbound frames or deliveries dropped, by reason",
		}, []string{"reason"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duocall",
			Subsystem: "relay",
			Name:      "connections_rejected_total",
			Help:      "WebSocket connections refused, by reason",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.forwarded,
		m.dropped,
		m.rejected,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "duocall",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "count of non-empty rooms",
		}, func() float64 {
			return float64(hub().Rooms())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "duocall",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "count of connected room members",
		}, func() float64 {
			return float64(hub().Members())
		}),
	)
	return m
}
