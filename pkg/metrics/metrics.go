// Package metrics holds the prometheus collectors shared by the services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokenResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultbot_token_resolutions_total",
		Help: "Token resolutions by connection and outcome (cached, refreshed, derived, needs_auth, transport_error).",
	}, []string{"connection", "outcome"})

	TurnInterrupts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultbot_turn_interrupts_total",
		Help: "Chat turns suspended waiting for a connection grant.",
	}, []string{"connection"})

	TurnOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultbot_turn_outcomes_total",
		Help: "Chat turns by terminal or suspended state.",
	}, []string{"state"})

	ConnectCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultbot_connect_completions_total",
		Help: "Connected account completions by outcome.",
	}, []string{"outcome"})

	LinkingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultbot_linking_webhook_requests_total",
		Help: "Account linking webhook requests by endpoint and status code.",
	}, []string{"endpoint", "status"})
)
