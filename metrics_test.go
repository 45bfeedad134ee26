// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package bztree

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordOpAndLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	done := m.timeOp("insert")
	done(nil)

	require.GreaterOrEqual(t, m.LatenciesMicros(50), int64(0))
}

func TestMetricsRecordRetries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.recordRetries(3)
	m.recordRetries(7)
	require.Greater(t, m.RetryCounts(99), int64(0))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		done := m.timeOp("insert")
		done(nil)
		m.recordSMO("split")
		m.recordRetries(1)
	})
	require.Zero(t, m.RetryCounts(50))
	require.Zero(t, m.LatenciesMicros(50))
}

func TestTreeWiresMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	tr := New(&Options{Metrics: m, DisableRecoveryLog: true})

	require.NoError(t, tr.Insert([]byte("a"), 1))
	_, err := tr.Read([]byte("a"))
	require.NoError(t, err)

	require.GreaterOrEqual(t, m.LatenciesMicros(50), int64(0))
}
