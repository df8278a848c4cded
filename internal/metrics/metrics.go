// Package metrics exposes the engine's Prometheus collectors. Collectors are
// registered on the default registry at init via promauto and served through
// the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VerificationsTotal counts completed verifications by classification.
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sendguard_verifications_total",
			Help: "Total address verifications by final classification",
		},
		[]string{"classification"},
	)

	// ProbesTotal counts SMTP handshake probes that reached the network.
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sendguard_probes_total",
			Help: "Total SMTP handshake probes by outcome",
		},
		[]string{"outcome"},
	)

	// PolicyVerdictsTotal counts policy evaluations by verdict.
	PolicyVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sendguard_policy_verdicts_total",
			Help: "Total policy evaluations by verdict (allowed, denied, throttled)",
		},
		[]string{"verdict"},
	)

	// QuotaDenialsTotal counts quota check denials by usage kind.
	QuotaDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sendguard_quota_denials_total",
			Help: "Total quota check denials by usage kind",
		},
		[]string{"kind"},
	)

	// BreakerTripsTotal counts bounce-rate breaker activations.
	BreakerTripsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sendguard_bounce_breaker_trips_total",
			Help: "Total bounce-rate circuit breaker activations",
		},
	)

	// FailOpenTotal counts sub-policy faults that defaulted to allow.
	FailOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sendguard_policy_fail_open_total",
			Help: "Total sub-policy faults resolved by failing open",
		},
		[]string{"component"},
	)

	// AccountsDeactivated counts accounts paused by the bounce breaker.
	AccountsDeactivated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sendguard_accounts_deactivated_total",
			Help: "Total sending accounts deactivated by the bounce breaker",
		},
	)
)
