// Package metrics exposes the control plane's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClientsConnected tracks the number of live client connections.
	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ari_clients_connected",
		Help: "Number of connected control-plane clients.",
	})

	// SessionsActive tracks the number of non-closed sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ari_sessions_active",
		Help: "Number of non-closed conversation sessions.",
	})

	// SessionsEvicted counts capacity evictions.
	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ari_sessions_evicted_total",
		Help: "Sessions force-closed by capacity limits.",
	})

	// EventsRouted counts events forwarded to subscribed clients.
	EventsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ari_events_routed_total",
		Help: "Events forwarded to subscribed clients, by message type.",
	}, []string{"type"})

	// MessagesRejected counts inbound messages that failed to parse.
	MessagesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ari_messages_rejected_total",
		Help: "Inbound messages rejected at the parse boundary.",
	})
)
