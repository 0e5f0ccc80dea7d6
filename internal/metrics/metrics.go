// Package metrics holds the prometheus collectors shared by the book
// synchronization components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "booksync"

// Metrics groups every collector. Construct one per process and hand it to
// the components that record into it.
type Metrics struct {
	FramesReceived prometheus.Counter
	FramesSent     *prometheus.CounterVec
	DecodeErrors   prometheus.Counter
	Reconnects     prometheus.Counter
	ConnState      prometheus.Gauge
	ActiveTokens   prometheus.Gauge

	Deltas        *prometheus.CounterVec
	SnapshotLoads *prometheus.CounterVec
	Notifications prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg yields
// working but unregistered collectors, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "frames_received_total",
			Help:      "Inbound WebSocket frames read from the exchange.",
		}),
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "frames_sent_total",
			Help:      "Outbound WebSocket frames by type.",
		}, []string{"type"}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "decode_errors_total",
			Help:      "Inbound frames discarded because they could not be parsed.",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "reconnects_total",
			Help:      "Successful connections after a dropped or failed one.",
		}),
		ConnState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connection_state",
			Help:      "0=disconnected 1=connecting 2=connected 3=reconnecting 4=error.",
		}),
		ActiveTokens: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "active_tokens",
			Help:      "Tokens with a positive reference count.",
		}),
		Deltas: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "deltas_applied_total",
			Help:      "Deltas applied to book state by kind.",
		}, []string{"kind"}),
		SnapshotLoads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "snapshot_loads_total",
			Help:      "REST snapshot fetches by result.",
		}, []string{"result"}),
		Notifications: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "notifications_total",
			Help:      "Listener notifications delivered after coalescing.",
		}),
	}
}
