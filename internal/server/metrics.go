package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"blockrelay-server/internal/game"
	"blockrelay-server/internal/protocol"
)

const metricsNamespace = "blockrelay"

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	roomsActive       prometheus.Gauge
	connectionsActive prometheus.Gauge
	framesReceived    *prometheus.CounterVec
	framesSent        prometheus.Counter
	deliveryErrors    *prometheus.CounterVec
	protocolErrors    *prometheus.CounterVec
	roomTransitions   *prometheus.CounterVec
	matchesRecorded   *prometheus.CounterVec
}

// NewMetrics registers the relay collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rooms_active",
			Help:      "Number of rooms currently registered",
		}),

		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Number of open WebSocket connections",
		}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Decoded frames received, by event type",
		}, []string{"type"}),

		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to client sockets",
		}),

		deliveryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_errors_total",
			Help:      "Frames that could not be queued for a recipient",
		}, []string{"code"}),

		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "protocol_errors_total",
			Help:      "Frames rejected with an ERROR reply, by code",
		}, []string{"code"}),

		roomTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "room_transitions_total",
			Help:      "Room state changes",
		}, []string{"from", "to"}),

		matchesRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "matches_recorded_total",
			Help:      "Finished matches written to the match store",
		}, []string{"status"}),
	}
}

// eventLabel bounds label cardinality to the known event names.
func eventLabel(t protocol.EventType) string {
	if t.Valid() {
		return t.String()
	}
	return "UNKNOWN"
}

func (m *Metrics) transition(from, to game.RoomState) {
	m.roomTransitions.WithLabelValues(string(from), string(to)).Inc()
}
