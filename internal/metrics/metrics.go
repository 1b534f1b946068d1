/*
Package metrics exposes the Prometheus collectors of roomcast.  A nil
*Metrics is valid and records nothing, so components can be built without a
registry in tests.
*/
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roomcast"

// Operation outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeDropped  = "dropped"
)

type Metrics struct {
	connections prometheus.Gauge
	activeUsers prometheus.Gauge
	rooms       prometheus.Gauge
	operations  *prometheus.CounterVec
	framesDrop  prometheus.Counter
	feedDrop    prometheus.Counter
	feedPublish prometheus.Counter
}

/*
New creates the collectors and registers them in reg.  Panics if a collector
with the same name is already registered.
*/
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open WebSocket connections.",
		}),
		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_users",
			Help:      "Number of connections with a registered display name.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of rooms created since start.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Client operations by action and outcome.",
		}, []string{"action", "outcome"}),
		framesDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Outbound frames dropped because a recipient buffer was full.",
		}),
		feedDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_dropped_total",
			Help:      "Presence feed events dropped because the publish buffer was full.",
		}),
		feedPublish: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_published_total",
			Help:      "Presence feed events published to the broker.",
		}),
	}

	reg.MustRegister(
		m.connections,
		m.activeUsers,
		m.rooms,
		m.operations,
		m.framesDrop,
		m.feedDrop,
		m.feedPublish,
	)
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) SetActiveUsers(n int) {
	if m != nil {
		m.activeUsers.Set(float64(n))
	}
}

func (m *Metrics) SetRooms(n int) {
	if m != nil {
		m.rooms.Set(float64(n))
	}
}

func (m *Metrics) Operation(action, outcome string) {
	if m != nil {
		m.operations.WithLabelValues(action, outcome).Inc()
	}
}

func (m *Metrics) FrameDropped() {
	if m != nil {
		m.framesDrop.Inc()
	}
}

func (m *Metrics) FeedDropped() {
	if m != nil {
		m.feedDrop.Inc()
	}
}

func (m *Metrics) FeedPublished() {
	if m != nil {
		m.feedPublish.Inc()
	}
}
