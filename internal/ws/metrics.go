// Package ws — Prometheus instrumentation for the live-connection layer.
//
// Label cardinality is kept deliberately small: connection kind
// ("conversation"|"global") and relay outcome ("sent"|"skipped"|"failed").
// Per-conversation or per-user labels would be unbounded and are avoided.
package ws

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// connectionsActive gauges currently registered live handles by kind.
	connectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of currently registered live WebSocket handles.",
		},
		[]string{"kind"},
	)

	// broadcastErrors counts per-recipient send failures during broadcasts.
	broadcastErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_broadcast_errors_total",
			Help: "Total per-recipient send failures during conversation broadcasts.",
		},
	)
)

func init() {
	prometheus.MustRegister(connectionsActive, broadcastErrors)
}
