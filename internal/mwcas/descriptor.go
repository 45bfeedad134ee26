// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package mwcas implements the PMwCAS facade core spec §6 consumes: a
// descriptor that atomically compares-and-swaps N independent 64-bit
// words as a single linearization point. Nothing in the retrieval pack
// ships a PMwCAS library (the core spec treats it as an external
// collaborator contract), so this is a from-scratch implementation in the
// pack's general lock-free style — raw atomic.CompareAndSwapUint64 retry
// loops, as cockroachdb/pebble/internal/arenaskl uses for its arena
// cursor and skiplist splices.
//
// Every word a Descriptor targets must reserve its top bit (bit 63) as
// described by core spec §3's "control bits (reserved for PMwCAS
// tagging)": this package uses that bit as the sole marker of an
// in-flight multi-word CAS. StatusWord, RecordMetadata, and child-pointer
// packings in the root package never set it.
package mwcas

import (
	"sync/atomic"
	"unsafe"

	berrors "github.com/bzstore/bztree/errors"
)

// pendingBit marks a word as mid-flight in some Descriptor's install
// phase. No legitimately packed StatusWord, RecordMetadata, or child
// pointer ever has this bit set, so any CAS racing against a pending word
// fails cleanly instead of corrupting state.
const pendingBit uint64 = 1 << 63

// RecyclePolicy controls what happens to an entry's *previous* or *new*
// value once the MwCAS commits, for descriptors whose entries reference
// memory that must be reclaimed under the epoch manager rather than
// immediately.
type RecyclePolicy int

const (
	// RecycleNone performs no extra bookkeeping.
	RecycleNone RecyclePolicy = iota
	// RecycleOldOnSuccess schedules the pre-CAS value (typically an
	// offset to a node that is being superseded) for epoch-guarded
	// reclamation once the MwCAS commits.
	RecycleOldOnSuccess
	// RecycleNewOnFailure schedules the reserved new value for
	// reclamation if the MwCAS aborts (used by ReserveAndAddEntry: the
	// slot was allocated speculatively and must be freed if the
	// transaction does not commit).
	RecycleNewOnFailure
)

type wordEntry struct {
	address  *uint64
	expected uint64
	desired  uint64
	policy   RecyclePolicy
	reserved bool // true if added via ReserveAndAddEntry
}

const maxEntries = 4

// Descriptor batches up to maxEntries independent word transitions and
// commits them as a single linearization point via MwCAS.
type Descriptor struct {
	entries   [maxEntries]wordEntry
	nentries  int
	installed int // number of entries successfully moved to pendingBit
	pool      *DescriptorPool
	recycle   func(offset uint64)
}

// AddEntry adds a fixed expected->desired transition for the word at
// address.
func (d *Descriptor) AddEntry(address *uint64, expected, desired uint64) {
	d.addEntry(address, expected, desired, RecycleNone, false)
}

// AddEntryRecycleOld is AddEntry, additionally scheduling expected (the
// value being superseded) for epoch-guarded reclamation once the MwCAS
// commits. Used when desired is a freshly installed node/pointer and
// expected names the node it replaces.
func (d *Descriptor) AddEntryRecycleOld(address *uint64, expected, desired uint64) {
	d.addEntry(address, expected, desired, RecycleOldOnSuccess, false)
}

// ReserveAndAddEntry reserves a slot for a value the caller does not know
// yet (it will write through GetNewValuePtr before calling MwCAS), and
// returns the entry's index. If the MwCAS does not commit, the reserved
// value is scheduled for reclamation instead of becoming visible.
func (d *Descriptor) ReserveAndAddEntry(address *uint64, expected uint64, policy RecyclePolicy) int {
	return d.addEntry(address, expected, 0, policy, true)
}

func (d *Descriptor) addEntry(address *uint64, expected, desired uint64, policy RecyclePolicy, reserved bool) int {
	berrors.AssertInvariant(d.nentries < maxEntries, "mwcas: descriptor full (max %d entries)", maxEntries)
	berrors.AssertInvariant(expected&pendingBit == 0 && desired&pendingBit == 0,
		"mwcas: control bit (63) must never be set in expected/desired values")
	idx := d.nentries
	d.entries[idx] = wordEntry{address: address, expected: expected, desired: desired, policy: policy, reserved: reserved}
	d.nentries++
	return idx
}

// GetNewValuePtr returns a pointer to the desired-value slot for a
// reserved entry, so the caller can fill in a value it only computes
// after reservation (e.g. a freshly allocated node's offset).
func (d *Descriptor) GetNewValuePtr(index int) *uint64 {
	return &d.entries[index].desired
}

// Finish abandons the descriptor without attempting a commit, releasing
// any reserved slots back to the recycler. Used when a caller decides,
// after reserving output slots, not to go through with the MwCAS (core
// spec §4.3's PrepareForSplit discovers it doesn't need a split after
// all, for example).
func (d *Descriptor) Finish() {
	for i := 0; i < d.nentries; i++ {
		e := &d.entries[i]
		if e.reserved && d.recycle != nil {
			d.recycle(e.desired)
		}
	}
	d.returnToPool()
}

// MwCAS attempts to atomically transition every added entry from expected
// to desired. It returns true if every entry's word reflected the
// transition at a single logical instant; false if any entry's word did
// not match its expected value (including contention with another
// in-flight Descriptor), in which case no entry's word is changed and the
// caller should retry or escalate per core spec §7.
func (d *Descriptor) MwCAS() bool {
	defer d.returnToPool()

	ok := true
	for i := 0; i < d.nentries; i++ {
		if !d.installEntry(i) {
			ok = false
			break
		}
	}

	for i := 0; i < d.installed; i++ {
		d.finalizeEntry(i, ok)
	}
	if !ok {
		d.reclaimOnFailure()
	} else {
		d.reclaimOnSuccess()
		d.appendToRecoveryLog()
	}
	return ok
}

// appendToRecoveryLog writes this committed descriptor's entries to the
// pool's RecoveryLog, if one is attached. Addresses are logged as the
// uintptr value of each target word; since these words live in ordinary
// Go heap memory rather than a durable-memory arena, the log here
// exercises the same record/replay format a true offset-addressed
// deployment would use without itself surviving a process restart.
func (d *Descriptor) appendToRecoveryLog() {
	if d.pool == nil {
		return
	}
	log := d.pool.recoveryLog()
	if log == nil {
		return
	}
	addresses := make([]uint64, d.nentries)
	expected := make([]uint64, d.nentries)
	desired := make([]uint64, d.nentries)
	for i := 0; i < d.nentries; i++ {
		e := &d.entries[i]
		addresses[i] = uint64(uintptr(unsafe.Pointer(e.address)))
		expected[i] = e.expected
		desired[i] = e.desired
	}
	_ = log.Append(addresses, expected, desired)
}

func (d *Descriptor) installEntry(i int) bool {
	e := &d.entries[i]
	if atomic.CompareAndSwapUint64(e.address, e.expected, pendingBit) {
		d.installed = i + 1
		return true
	}
	return false
}

func (d *Descriptor) finalizeEntry(i int, succeeded bool) {
	e := &d.entries[i]
	final := e.expected
	if succeeded {
		final = e.desired
	}
	atomic.CompareAndSwapUint64(e.address, pendingBit, final)
}

func (d *Descriptor) reclaimOnSuccess() {
	for i := 0; i < d.nentries; i++ {
		e := &d.entries[i]
		if e.policy == RecycleOldOnSuccess && d.recycle != nil {
			d.recycle(e.expected)
		}
	}
}

func (d *Descriptor) reclaimOnFailure() {
	for i := 0; i < d.nentries; i++ {
		e := &d.entries[i]
		if e.reserved && e.policy == RecycleNewOnFailure && d.recycle != nil {
			d.recycle(e.desired)
		}
	}
}

func (d *Descriptor) reset() {
	d.entries = [maxEntries]wordEntry{}
	d.nentries = 0
	d.installed = 0
}

func (d *Descriptor) returnToPool() {
	pool := d.pool
	d.reset()
	if pool != nil {
		pool.put(d)
	}
}
