package signaling

import "github.com/prometheus/client_golang/prometheus"

var (
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lobbyd",
			Subsystem: "hub",
			Name:      "connections_active",
			Help:      "Number of live WebSocket connections.",
		},
	)
	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lobbyd",
			Subsystem: "hub",
			Name:      "protocol_errors_total",
			Help:      "Protocol-level error replies, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(connectionsActive, protocolErrors)
}
