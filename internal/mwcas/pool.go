// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package mwcas

import (
	"sync"
)

// DescriptorPool hands out reusable Descriptors, avoiding an allocation on
// every Insert/Update/Delete's PMwCAS the way core spec §4.5's Stack
// avoids allocating traversal frames on the hot path.
type DescriptorPool struct {
	mu             sync.Mutex
	free           []*Descriptor
	recycle        func(offset uint64)
	log            *RecoveryLog
	maxFreezeRetry int
}

// SetRecoveryLog attaches a RecoveryLog that every Descriptor this pool
// hands out will append a record to upon a successful MwCAS, so crash
// recovery can replay committed-but-not-yet-durable transitions. A nil
// log (the default) disables logging.
func (p *DescriptorPool) SetRecoveryLog(log *RecoveryLog) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = log
}

func (p *DescriptorPool) recoveryLog() *RecoveryLog {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.log
}

// SetMaxFreezeRetry bounds how many times a single Freeze CAS loop (the
// root package's LeafNode.Freeze) may retry before giving up (core spec's
// MAX_FREEZE_RETRY liveness knob). n <= 0 means unbounded, the default.
func (p *DescriptorPool) SetMaxFreezeRetry(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxFreezeRetry = n
}

// MaxFreezeRetry returns the bound set by SetMaxFreezeRetry.
func (p *DescriptorPool) MaxFreezeRetry() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxFreezeRetry
}

// NewDescriptorPool creates a pool whose descriptors call recycle for any
// value that needs epoch-guarded reclamation once a commit/abort decides
// its fate. recycle is typically EpochManager.Retire.
func NewDescriptorPool(recycle func(offset uint64)) *DescriptorPool {
	return &DescriptorPool{recycle: recycle}
}

// Allocate returns a Descriptor ready for AddEntry calls. Equivalent to
// core spec §6's PMwCAS facade AllocateDescriptor().
func (p *DescriptorPool) Allocate() *Descriptor {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return &Descriptor{pool: p, recycle: p.recycle}
	}
	d := p.free[n-1]
	p.free = p.free[:n-1]
	p.mu.Unlock()
	d.pool = p
	d.recycle = p.recycle
	return d
}

func (p *DescriptorPool) put(d *Descriptor) {
	p.mu.Lock()
	p.free = append(p.free, d)
	p.mu.Unlock()
}
