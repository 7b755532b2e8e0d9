package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Navigation outcomes recorded by NavigationsTotal.
const (
	OutcomeAccepted        = "accepted"
	OutcomeCoalesced       = "coalesced"
	OutcomeConflict        = "conflict"
	OutcomeMerged          = "merged"
	OutcomeResolved        = "resolved"
	OutcomeDefaultResolved = "default_resolved"
)

// Metrics groups the Prometheus collectors for the study-room server.
//
// All methods are safe on a nil receiver so components can run without metrics in tests.
type Metrics struct {
	// RoomsActive tracks rooms currently held in the registry.
	RoomsActive prometheus.Gauge

	// ParticipantsActive tracks bound participants across all rooms.
	ParticipantsActive prometheus.Gauge

	// NavigationsTotal counts navigation proposals by outcome.
	// Labels: outcome (accepted|coalesced|conflict|merged|resolved|default_resolved)
	NavigationsTotal *prometheus.CounterVec

	// BroadcastFailures counts messages that could not be delivered to one connection.
	// Labels: kind
	BroadcastFailures *prometheus.CounterVec

	// PersistenceFailures counts durable writes that failed after all retries.
	// Labels: operation
	PersistenceFailures *prometheus.CounterVec

	// SignalsRelayed counts call signaling messages.
	// Labels: kind, status (delivered|target_missing|failed)
	SignalsRelayed *prometheus.CounterVec

	// RoomsReaped counts rooms deleted by the idle reaper.
	RoomsReaped prometheus.Counter

	// ConnectionsActive tracks admitted gateway connections.
	ConnectionsActive prometheus.Gauge

	// AuthFailures counts refused handshakes.
	AuthFailures prometheus.Counter
}

// New registers all collectors with the provided registerer.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lectio_rooms_active",
			Help: "Number of study rooms held in memory",
		}),
		ParticipantsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lectio_participants_active",
			Help: "Number of participants bound to a study room",
		}),
		NavigationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lectio_navigations_total",
				Help: "Navigation proposals by outcome",
			},
			[]string{"outcome"},
		),
		BroadcastFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lectio_broadcast_failures_total",
				Help: "Messages that could not be queued for a participant connection",
			},
			[]string{"kind"},
		),
		PersistenceFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lectio_persistence_failures_total",
				Help: "Durable writes abandoned after retries",
			},
			[]string{"operation"},
		),
		SignalsRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lectio_call_signals_total",
				Help: "Call signaling messages by kind and delivery status",
			},
			[]string{"kind", "status"},
		),
		RoomsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "lectio_rooms_reaped_total",
			Help: "Rooms removed by the idle reaper",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lectio_connections_active",
			Help: "Admitted realtime connections",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lectio_auth_failures_total",
			Help: "Realtime handshakes refused for missing or invalid tokens",
		}),
	}
}

func (m *Metrics) RoomOpened() {
	if m == nil {
		return
	}
	m.RoomsActive.Inc()
}

func (m *Metrics) RoomClosed() {
	if m == nil {
		return
	}
	m.RoomsActive.Dec()
}

func (m *Metrics) ParticipantBound() {
	if m == nil {
		return
	}
	m.ParticipantsActive.Inc()
}

func (m *Metrics) ParticipantUnbound() {
	if m == nil {
		return
	}
	m.ParticipantsActive.Dec()
}

func (m *Metrics) Navigation(outcome string) {
	if m == nil {
		return
	}
	m.NavigationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BroadcastFailed(kind string) {
	if m == nil {
		return
	}
	m.BroadcastFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) PersistenceFailed(operation string) {
	if m == nil {
		return
	}
	m.PersistenceFailures.WithLabelValues(operation).Inc()
}

func (m *Metrics) SignalRelayed(kind, status string) {
	if m == nil {
		return
	}
	m.SignalsRelayed.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) RoomsReapedAdd(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.RoomsReaped.Add(float64(count))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

func (m *Metrics) AuthFailed() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}
