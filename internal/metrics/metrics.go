package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SignalsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_signals_published_total",
		Help: "Total signaling records published to the relay",
	}, []string{"kind"}) // "offer" | "answer" | "ice"

	SignalsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_signals_received_total",
		Help: "Total signaling records received from the relay",
	}, []string{"kind"})

	SignalsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peercall_signals_deduplicated_total",
		Help: "Total redelivered signaling records dropped by the seen set",
	})

	SignalsStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peercall_signals_stale_total",
		Help: "Total signaling records discarded for exceeding the staleness window",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peercall_active_peer_connections",
		Help: "Number of open peer connections",
	})

	ConnectionsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_peer_connections_created_total",
		Help: "Total peer connections created",
	}, []string{"initiator"}) // "local" | "remote"

	ReconnectsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peercall_reconnects_scheduled_total",
		Help: "Total reconnections scheduled after ICE failure",
	})

	RefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peercall_full_refreshes_total",
		Help: "Total full call refreshes run by the health monitor",
	})

	HasActiveLink = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peercall_has_active_link",
		Help: "Whether at least one peer connection is active (1) or not (0)",
	})

	TracksClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_inbound_tracks_classified_total",
		Help: "Total inbound tracks attributed to a role",
	}, []string{"role"})

	TracksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peercall_inbound_tracks_dropped_total",
		Help: "Total inbound tracks dropped as unattributable",
	})

	SpeakingTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peercall_speaking_transitions_total",
		Help: "Total silent/speaking state transitions detected",
	})
)
