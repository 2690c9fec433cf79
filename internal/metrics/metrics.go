// Package metrics exposes prometheus counters for the scheduler and the
// device-flow orchestrator. Exposition is optional; cmd serves the handler
// only when a metrics address is configured.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotabar_fetch_total",
			Help: "Quota fetches by outcome",
		},
		[]string{"outcome"}, // success, auth_error, api_error
	)

	TokenPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotabar_token_polls_total",
			Help: "Device-flow token poll attempts by result",
		},
		[]string{"result"}, // token, pending, slow_down, expired, denied, network_error
	)

	UpdateChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotabar_update_checks_total",
			Help: "Release update checks by outcome",
		},
		[]string{"outcome"}, // newer, current, error
	)
)

// Fetch outcome label values.
const (
	OutcomeSuccess   = "success"
	OutcomeAuthError = "auth_error"
	OutcomeAPIError  = "api_error"
)

// Update check outcome label values.
const (
	OutcomeNewer   = "newer"
	OutcomeCurrent = "current"
	OutcomeError   = "error"
)

// Handler returns the prometheus exposition handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
