package lobby

import "github.com/prometheus/client_golang/prometheus"

var (
	lobbiesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lobbyd",
			Subsystem: "registry",
			Name:      "lobbies_active",
			Help:      "Number of lobbies currently registered.",
		},
	)
	peersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lobbyd",
			Subsystem: "registry",
			Name:      "peers_active",
			Help:      "Number of peers currently joined to a lobby.",
		},
	)
	lobbiesSealed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lobbyd",
			Subsystem: "registry",
			Name:      "lobbies_sealed_total",
			Help:      "Lobbies sealed since startup.",
		},
	)
	lobbiesDestroyed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lobbyd",
			Subsystem: "registry",
			Name:      "lobbies_destroyed_total",
			Help:      "Lobbies destroyed since startup.",
		},
	)
	relaysDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lobbyd",
			Subsystem: "registry",
			Name:      "relays_delivered_total",
			Help:      "Relayed signaling frames delivered, by event.",
		},
		[]string{"event"},
	)
	relaysDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lobbyd",
			Subsystem: "registry",
			Name:      "relays_dropped_total",
			Help:      "Relayed signaling frames dropped (target gone or backed up).",
		},
	)
	broadcastsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lobbyd",
			Subsystem: "registry",
			Name:      "broadcasts_dropped_total",
			Help:      "Broadcast copies dropped due to full subscriber buffers.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		lobbiesActive,
		peersActive,
		lobbiesSealed,
		lobbiesDestroyed,
		relaysDelivered,
		relaysDropped,
		broadcastsDropped,
	)
}
