// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_current",
		Help: "Currently open connections on this gateway",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Total connections accepted since start",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connections_rejected_total",
		Help: "Connections rejected before handshake completion",
	}, []string{"reason"})

	Disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_disconnects_total",
		Help: "Connection teardowns by reason",
	}, []string{"reason"})

	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_events_received_total",
		Help: "Inbound events decoded from clients",
	})

	EventsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_events_sent_total",
		Help: "Outbound events written to clients",
	})

	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_malformed_frames_total",
		Help: "Frames dropped as undecodable",
	})

	Broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_broadcasts_total",
		Help: "Events published to the broadcast bus",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Events rejected by the per-principal rate limiter",
	})

	PresenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_presence_transitions_total",
		Help: "Device online/offline boundary crossings observed",
	}, []string{"direction"})

	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_idempotent_replays_total",
		Help: "State-changing submissions answered from the idempotency record",
	})

	AckTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_ack_timeouts_total",
		Help: "emitWithAck calls that expired without a correlated ACK",
	})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
