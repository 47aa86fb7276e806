// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.ModelCall("generate", "ok")
	m.GatewayRetry()
	m.ParseFailure()
	m.OracleFallback()
	m.Election()
}

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ModelCall("rank", "ok")
	m.ModelCall("rank", "ok")
	m.ModelCall("rank", "error")
	m.OracleFallback()
	m.Election()

	if got := testutil.ToFloat64(m.modelCalls.WithLabelValues("rank", "ok")); got != 2 {
		t.Errorf("model_calls_total{rank,ok} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.modelCalls.WithLabelValues("rank", "error")); got != 1 {
		t.Errorf("model_calls_total{rank,error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.oracleFallbacks); got != 1 {
		t.Errorf("ranking_fallbacks_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.elections); got != 1 {
		t.Errorf("elections_total = %v, want 1", got)
	}
}

func TestRegistrationIsPerRegistry(t *testing.T) {
	// Two instances on distinct registries must not collide.
	_ = New(prometheus.NewRegistry())
	_ = New(prometheus.NewRegistry())
}
