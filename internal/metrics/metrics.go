// Package metrics provides Prometheus instrumentation for the gateway client: counters for connection attempts,
// reconnect causes, events and commands, and a gauge for heartbeat latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectsTotal counts successful WebSocket connections to the gateway.
	ConnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uncord_client_connects_total",
		Help: "Total number of successful gateway connections",
	})

	// ConnectFailuresTotal counts dial attempts that failed before the WebSocket was established.
	ConnectFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uncord_client_connect_failures_total",
		Help: "Total number of failed gateway dial attempts",
	})

	// ReconnectsTotal counts reconnect cycles, labeled by how the next attempt re-enters the session: "resume" or
	// "identify".
	ReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "uncord_client_reconnects_total",
		Help: "Total number of reconnect cycles by recovery kind",
	}, []string{"kind"}) // kind = "resume", "identify"

	// HandshakesTotal counts handshakes sent after HELLO, labeled "identify" or "resume".
	HandshakesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "uncord_client_handshakes_total",
		Help: "Total number of IDENTIFY and RESUME handshakes sent",
	}, []string{"kind"})

	// EventsTotal counts dispatch events received from the gateway.
	EventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uncord_client_events_total",
		Help: "Total number of dispatch events received",
	})

	// CommandsTotal counts commands written to the gateway.
	CommandsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uncord_client_commands_total",
		Help: "Total number of commands sent",
	})

	// PayloadOversizeTotal counts outbound payloads exceeding the documented per-frame limit.
	PayloadOversizeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uncord_client_payload_oversize_total",
		Help: "Total number of outbound payloads over the documented frame limit",
	})

	// HeartbeatLatency reports the most recent heartbeat round trip in seconds.
	HeartbeatLatency = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "uncord_client_heartbeat_latency_seconds",
		Help: "Most recent heartbeat round-trip latency in seconds",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectsTotal,
		ConnectFailuresTotal,
		ReconnectsTotal,
		HandshakesTotal,
		EventsTotal,
		CommandsTotal,
		PayloadOversizeTotal,
		HeartbeatLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
