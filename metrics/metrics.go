// Package metrics holds the Prometheus collectors for login outcomes, token
// exchanges and token refreshes.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Label values.
const (
	OutcomeAuthenticated = "authenticated"
	OutcomeFailed        = "failed"
	OutcomeRedirected    = "redirected"

	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

var (
	LoginOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authazure",
		Name:      "login_outcomes_total",
		Help:      "Login requests by outcome: redirected to the provider, authenticated or failed.",
	}, []string{"outcome"})

	OnBehalfOfExchanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authazure",
		Name:      "obo_exchanges_total",
		Help:      "On-behalf-of token exchanges by service and result.",
	}, []string{"service", "result"})

	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authazure",
		Name:      "token_refreshes_total",
		Help:      "Vault refreshes of expired service tokens by result.",
	}, []string{"result"})
)

// Register registers the collectors on reg, or the default registerer if nil.
// Registering twice is not an error.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{LoginOutcomes, OnBehalfOfExchanges, TokenRefreshes} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
