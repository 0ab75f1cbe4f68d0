// Package metrics holds the process-wide prometheus collectors for a
// punchtun session.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LanesBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dzpunch_lanes_blocked_total",
			Help: "Number of lanes blocked, labeled by block reason",
		},
		[]string{"reason"},
	)

	PacketsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dzpunch_packets_sent_total",
			Help: "Number of puncher packets sent",
		},
	)

	PacketsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dzpunch_packets_received_total",
			Help: "Number of puncher packets received",
		},
	)

	OpenLanes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dzpunch_open_lanes",
			Help: "Number of lanes not yet blocked or closed",
		},
	)

	SessionOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dzpunch_session_outcome_total",
			Help: "Final outcome of a punch session, labeled by outcome",
		},
		[]string{"outcome"},
	)
)

// SessionOutcome label values.
const (
	OutcomeConnect  = "connect"
	OutcomeListen   = "listen"
	OutcomeFailed   = "failed"
	OutcomeTimeout  = "timeout"
	OutcomeMismatch = "mismatch"
)
