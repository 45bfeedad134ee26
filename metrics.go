// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package bztree

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the observability surface SPEC_FULL.md's ambient stack adds
// on top of the core algorithm: counters for every operation outcome,
// exported through prometheus/client_golang the way a production index
// would be scraped, plus an HdrHistogram of per-operation retry counts
// (retraversals after an SMO) for the latency-sensitive tail that a simple counter can't
// show.
type Metrics struct {
	ops       *prometheus.CounterVec
	smos      *prometheus.CounterVec
	retries   *hdrhistogram.Histogram
	latencies *hdrhistogram.Histogram
	mu        sync.Mutex
	registry  prometheus.Registerer
}

// NewMetrics creates a Metrics that registers its collectors with reg. A
// nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bztree",
			Name:      "operations_total",
			Help:      "BzTree operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		smos: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bztree",
			Name:      "structural_modifications_total",
			Help:      "BzTree structural modification operations by kind.",
		}, []string{"kind"}),
		retries:   hdrhistogram.New(1, 10000, 3),
		latencies: hdrhistogram.New(1, time.Minute.Microseconds(), 3),
		registry:  reg,
	}
	reg.MustRegister(m.ops, m.smos)
	return m
}

func (m *Metrics) recordOp(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ops.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) recordSMO(kind string) {
	if m == nil {
		return
	}
	m.smos.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordRetries(n int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.retries.RecordValue(n)
}

// RetryCounts returns the retry-count histogram's current value at p
// (0 < p <= 100), e.g. RetryCounts(99) for p99 retraversals per
// operation.
func (m *Metrics) RetryCounts(p float64) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries.ValueAtPercentile(p)
}

// LatenciesMicros returns the operation-latency histogram's value at p.
func (m *Metrics) LatenciesMicros(p float64) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latencies.ValueAtPercentile(p)
}

// timeOp returns a closure that records op's outcome and latency when
// called; call sites write `done := m.timeOp("insert")` and then
// `defer func() { done(err) }()`.
func (m *Metrics) timeOp(op string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	start := time.Now()
	return func(err error) {
		m.recordOp(op, err)
		m.mu.Lock()
		_ = m.latencies.RecordValue(time.Since(start).Microseconds())
		m.mu.Unlock()
	}
}
