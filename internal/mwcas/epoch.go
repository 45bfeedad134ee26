// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package mwcas

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/swiss"
)

// Guard is the scoped epoch token core spec §5 requires every public
// operation to hold for its duration ("every traversal and leaf operation
// executes inside an epoch guard of the PMwCAS epoch manager").
type Guard struct {
	epoch uint64
}

// Epoch returns the epoch this guard protects, for callers that tag their
// own data (e.g. RecordMetadata's Inserting-epoch) with it.
func (g *Guard) Epoch() uint64 {
	return g.epoch
}

// EpochManager tracks a global, monotone epoch counter and the set of
// guards currently active below it, so retired offsets can be freed once
// no active guard could still observe them. A github.com/cockroachdb/swiss
// map indexes active guards by pointer identity; Protect/Unprotect are the
// hot path and a swiss.Map's open-addressing beats a stdlib map under the
// kind of high-QPS, low-key-count churn this registry sees.
type EpochManager struct {
	current atomic.Uint64

	mu      sync.Mutex
	active  swiss.Map[*Guard, uint64]
	retired []retiredItem
	reclaim func(offset uint64)
}

type retiredItem struct {
	epoch  uint64
	offset uint64
}

// NewEpochManager creates an EpochManager whose reclaim callback is
// invoked, in retirement order, for every offset that becomes safe to
// free.
func NewEpochManager(reclaim func(offset uint64)) *EpochManager {
	m := &EpochManager{reclaim: reclaim}
	m.active.Init(16)
	return m
}

// Protect enters the current epoch and returns a Guard the caller must
// Unprotect when its traversal/operation completes.
func (m *EpochManager) Protect() *Guard {
	g := &Guard{epoch: m.current.Load()}
	m.mu.Lock()
	m.active.Put(g, g.epoch)
	m.mu.Unlock()
	return g
}

// Unprotect exits the epoch g was protecting, and opportunistically
// advances the global epoch and reclaims anything now safe to free.
func (m *EpochManager) Unprotect(g *Guard) {
	m.mu.Lock()
	m.active.Delete(g)
	m.current.Add(1)
	min := m.minActiveEpochLocked()
	ready := m.drainReclaimableLocked(min)
	m.mu.Unlock()
	m.reclaimAll(ready)
}

// minActiveEpochLocked returns the oldest epoch any active guard still
// holds, or the current epoch if none are active. Caller must hold m.mu.
func (m *EpochManager) minActiveEpochLocked() uint64 {
	min := m.current.Load()
	m.active.All(func(_ *Guard, epoch uint64) bool {
		if epoch < min {
			min = epoch
		}
		return true
	})
	return min
}

// Retire schedules offset for reclamation once every guard that entered
// at or before the current epoch has exited, matching core spec §5's
// "replaced nodes are registered with the descriptor's recycle-on-recovery
// facility so that no thread still executing in an earlier epoch can
// observe freed memory."
func (m *EpochManager) Retire(offset uint64) {
	m.mu.Lock()
	m.retired = append(m.retired, retiredItem{epoch: m.current.Load(), offset: offset})
	min := m.minActiveEpochLocked()
	ready := m.drainReclaimableLocked(min)
	m.mu.Unlock()
	m.reclaimAll(ready)
}

// drainReclaimableLocked removes and returns every retired offset whose
// epoch is strictly below min. Caller must hold m.mu.
func (m *EpochManager) drainReclaimableLocked(min uint64) []uint64 {
	var kept []retiredItem
	var ready []uint64
	for _, r := range m.retired {
		if r.epoch < min {
			ready = append(ready, r.offset)
		} else {
			kept = append(kept, r)
		}
	}
	m.retired = kept
	return ready
}

func (m *EpochManager) reclaimAll(offsets []uint64) {
	if m.reclaim == nil {
		return
	}
	for _, offset := range offsets {
		m.reclaim(offset)
	}
}
