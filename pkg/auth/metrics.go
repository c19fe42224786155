package auth

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for identity service calls
type Metrics struct {
	attemptsTotal *prometheus.CounterVec
	callsTotal    *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
}

// NewMetrics creates the auth metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_service_attempts_total",
				Help: "Total number of identity service attempts by outcome",
			},
			[]string{"service", "outcome"},
		),
		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_service_calls_total",
				Help: "Total number of logical identity service calls by result",
			},
			[]string{"service", "result"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_token_cache_lookups_total",
				Help: "Token cache lookups by result",
			},
			[]string{"result"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.attemptsTotal, m.callsTotal, m.cacheLookups)
	}
	return m
}

// ObserveAttempt records one attempt of a retried call
func (m *Metrics) ObserveAttempt(service string, _ int, err error) {
	m.attemptsTotal.WithLabelValues(service, attemptOutcome(err)).Inc()
}

// RecordCall records the final result of a call
func (m *Metrics) RecordCall(service string, err error) {
	m.callsTotal.WithLabelValues(service, attemptOutcome(err)).Inc()
}

// RecordCacheLookup records a token cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func attemptOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrRemoteServiceRejected):
		return "rejected"
	default:
		return "failure"
	}
}
