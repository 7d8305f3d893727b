// Package metrics provides Prometheus instrumentation for the chat core.
// It exposes gauges for connection, presence, and session counts, counters
// for message and receipt throughput, and a histogram for append latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users with at least one live connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_online_users",
		Help: "Current number of users reported Online",
	})

	// ActiveSessions tracks the number of chat sessions cached in memory.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_active_sessions",
		Help: "Current number of live in-memory chat sessions",
	})

	// ActiveTyping tracks the number of active typing indicators.
	ActiveTyping = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_active_typing_indicators",
		Help: "Current number of active typing indicators",
	})

	// MessagesTotal counts processed messages, labeled by outcome:
	// "delivered", "stored_only" (peer offline), or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// SeenReceiptsTotal counts seen-receipt bursts emitted to senders.
	SeenReceiptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_seen_receipts_total",
		Help: "Total number of seen receipt bursts emitted",
	})

	// AppendLatency records message append latency (validate + persist) in seconds.
	AppendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatcore_append_latency_seconds",
		Help:    "Message append latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		ActiveSessions,
		ActiveTyping,
		MessagesTotal,
		SeenReceiptsTotal,
		AppendLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
