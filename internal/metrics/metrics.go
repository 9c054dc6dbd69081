// Package metrics holds the prometheus collectors of the coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dkeye/Breakout/internal/bus"
)

type Metrics struct {
	RoomsByStatus     *prometheus.GaugeVec
	RoomOperations    *prometheus.CounterVec
	Assignments       *prometheus.CounterVec
	EventsPublished   *prometheus.CounterVec
	SocketConnections prometheus.Gauge
}

// New registers the collectors with reg. Pass prometheus.NewRegistry()
// in tests to keep them isolated.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoomsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "breakout",
			Name:      "rooms",
			Help:      "Current number of rooms by status.",
		}, []string{"status"}),
		RoomOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "breakout",
			Name:      "room_operations_total",
			Help:      "Room operations by name and result.",
		}, []string{"operation", "result"}),
		Assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "breakout",
			Name:      "assignments_total",
			Help:      "Assignment outcomes.",
		}, []string{"outcome"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "breakout",
			Name:      "events_published_total",
			Help:      "Events published on the bus by type.",
		}, []string{"type"}),
		SocketConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "breakout",
			Name:      "socket_connections",
			Help:      "Open realtime connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.RoomsByStatus, m.RoomOperations, m.Assignments, m.EventsPublished, m.SocketConnections)
	}
	return m
}

// ObserveBus counts every published event.
func (m *Metrics) ObserveBus(b *bus.Bus) {
	b.Observe(func(e bus.Event) {
		m.EventsPublished.WithLabelValues(string(e.Type)).Inc()
	})
}

// RoomOp records one room operation outcome; an empty code counts as success.
func (m *Metrics) RoomOp(op string, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "success"
	}
	m.RoomOperations.WithLabelValues(op, code).Inc()
}

func (m *Metrics) RoomStatus(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.RoomsByStatus.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.RoomsByStatus.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) Assignment(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Assignments.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) SocketOpened() {
	if m != nil {
		m.SocketConnections.Inc()
	}
}

func (m *Metrics) SocketClosed() {
	if m != nil {
		m.SocketConnections.Dec()
	}
}
