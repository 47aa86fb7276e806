// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metrics provides Prometheus instrumentation for the deliberation
// engine. All methods are nil-receiver safe so instrumented code never has
// to branch on whether metrics were configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	// modelCalls counts gateway completions by operation
	// ("generate" | "rank") and outcome ("ok" | "error").
	modelCalls *prometheus.CounterVec

	// gatewayRetries counts transport-level retries.
	gatewayRetries prometheus.Counter

	// parseFailures counts failed ranking parse attempts.
	parseFailures prometheus.Counter

	// oracleFallbacks counts random fallback ballots.
	oracleFallbacks prometheus.Counter

	// elections counts Schulze tabulations.
	elections prometheus.Counter
}

// New creates the collectors and registers them with reg.
//
// Inputs:
//   - reg: Registerer to attach collectors to. Must not be nil; pass
//     prometheus.DefaultRegisterer for process-global metrics.
//
// Outputs:
//   - *Metrics: Registered collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "model_calls_total",
			Help:      "Model gateway completions by operation and outcome.",
		}, []string{"op", "outcome"}),
		gatewayRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "gateway_retries_total",
			Help:      "Transport-level gateway retries.",
		}),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "ranking_parse_failures_total",
			Help:      "Ranking oracle attempts that failed structured parsing.",
		}),
		oracleFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "ranking_fallbacks_total",
			Help:      "Ballots replaced by a uniform-random fallback ranking.",
		}),
		elections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agora",
			Name:      "elections_total",
			Help:      "Schulze tabulations performed.",
		}),
	}
	reg.MustRegister(m.modelCalls, m.gatewayRetries, m.parseFailures, m.oracleFallbacks, m.elections)
	return m
}

// ModelCall records one gateway completion.
func (m *Metrics) ModelCall(op, outcome string) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(op, outcome).Inc()
}

// GatewayRetry records one transport retry.
func (m *Metrics) GatewayRetry() {
	if m == nil {
		return
	}
	m.gatewayRetries.Inc()
}

// ParseFailure records one failed ranking parse attempt.
func (m *Metrics) ParseFailure() {
	if m == nil {
		return
	}
	m.parseFailures.Inc()
}

// OracleFallback records one random fallback ballot.
func (m *Metrics) OracleFallback() {
	if m == nil {
		return
	}
	m.oracleFallbacks.Inc()
}

// Election records one tabulation.
func (m *Metrics) Election() {
	if m == nil {
		return
	}
	m.elections.Inc()
}
