// Package metrics provides Prometheus instrumentation for the chat server:
// connection gauges, match outcomes, relay and chat throughput, and the
// health of degraded features.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of open WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guptmilan_connections_active",
		Help: "Current number of open WebSocket connections",
	})

	// ConnectionsRejected counts refused upgrades by reason.
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guptmilan_connections_rejected_total",
		Help: "WebSocket upgrades refused before registration",
	}, []string{"reason"}) // reason = "capacity", "origin", "banned", "rate_limited"

	// MatchRequests counts match requests by outcome.
	MatchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guptmilan_match_requests_total",
		Help: "Match requests by outcome",
	}, []string{"outcome"}) // outcome = "matched", "waiting", "error"

	// QueueDiscards counts popped candidates that could not be used.
	QueueDiscards = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guptmilan_queue_discards_total",
		Help: "Popped queue candidates that were not paired",
	}, []string{"reason"}) // reason = "self", "stale", "blocked"

	// QueueSize tracks registry entries seen by the last janitor sweep.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guptmilan_queue_size",
		Help: "Waiting entries across all registries",
	})

	// MatchLatency records how long a RequestMatch call takes end to end.
	MatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "guptmilan_match_latency_seconds",
		Help:    "Time spent serving a match request",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// SignalsRelayed counts forwarded negotiation messages by kind.
	SignalsRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guptmilan_signals_relayed_total",
		Help: "Negotiation messages forwarded between peers",
	}, []string{"kind"})

	// ChatMessages counts chat messages by result.
	ChatMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guptmilan_chat_messages_total",
		Help: "Chat messages processed",
	}, []string{"result"}) // result = "relayed", "censored", "rate_limited", "invalid"

	// Reports counts report submissions by result.
	Reports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guptmilan_reports_total",
		Help: "Report submissions",
	}, []string{"result"}) // result = "recorded", "no_partner", "failed"

	// Bans counts bans issued by the moderator.
	Bans = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guptmilan_bans_total",
		Help: "Bans issued by report escalation",
	})

	// ContentFlags counts spam pattern hits reported to the moderator.
	ContentFlags = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guptmilan_content_flags_total",
		Help: "Chat messages flagged by spam inspection",
	}, []string{"term"})

	// DegradedFeatures is 1 while a feature is failing against its store.
	DegradedFeatures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "guptmilan_degraded_features",
		Help: "Features currently running degraded (1) or healthy (0)",
	}, []string{"feature"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsRejected,
		MatchRequests,
		QueueDiscards,
		QueueSize,
		MatchLatency,
		SignalsRelayed,
		ChatMessages,
		Reports,
		Bans,
		ContentFlags,
		DegradedFeatures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
