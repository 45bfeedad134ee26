// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package bztree

import (
	"bytes"
	"encoding/binary"
	"runtime"
	"sync/atomic"
	"unsafe"

	berrors "github.com/bzstore/bztree/errors"
	"github.com/bzstore/bztree/internal/arena"
	"github.com/bzstore/bztree/internal/mwcas"
)

// metadataSize is the fixed width of one RecordMetadata slot.
const metadataSize = 8

// LeafNode is the core spec §4.1/§4.2 leaf: a forward-growing array of
// RecordMetadata slots describing a sorted prefix and an unsorted
// append-only suffix, backed by a record region that holds each record's
// padded key followed by its 8-byte payload. Unlike the original
// implementation's single carved-up memory block, the record region here
// is its own internal/arena.Arena: this trades the meet-in-the-middle
// memory layout for reusing the arena's offset bookkeeping, recorded as
// a deliberate simplification in DESIGN.md.
type LeafNode struct {
	status uint64 // StatusWord, PMwCAS target

	meta []uint64 // RecordMetadata slots, each individually PMwCAS-targetable

	records *arena.Arena

	sortedCount uint32 // size of the sorted prefix of meta; set at creation/Consolidate only

	// splitThreshold is the used-space bound Insert enforces before
	// reporting NotEnoughSpace (core spec's split_threshold, Options.
	// SplitThreshold), kept distinct from the arena's physical byte
	// capacity: a node may be allocated larger than the point at which it
	// should actually split.
	splitThreshold uint32

	pool  *mwcas.DescriptorPool
	epoch *mwcas.EpochManager
}

// NewLeafNode allocates an empty leaf with room for maxRecords metadata
// slots, a record region of recordCapacity bytes, and splitThreshold as
// the used-space bound Insert enforces.
func NewLeafNode(maxRecords int, recordCapacity, splitThreshold uint32, pool *mwcas.DescriptorPool, epoch *mwcas.EpochManager) *LeafNode {
	return &LeafNode{
		meta:           make([]uint64, maxRecords),
		records:        arena.New(recordCapacity),
		splitThreshold: splitThreshold,
		pool:           pool,
		epoch:          epoch,
	}
}

// StatusWord returns a consistent snapshot of the node's status.
func (n *LeafNode) StatusWord() StatusWord {
	return StatusWord(atomic.LoadUint64(&n.status))
}

// RecordMetadata returns a consistent snapshot of slot i.
func (n *LeafNode) RecordMetadata(i int) RecordMetadata {
	return RecordMetadata(atomic.LoadUint64(&n.meta[i]))
}

// RecordCount returns the node's current metadata slot count (visible,
// inserting and deleted slots all included).
func (n *LeafNode) RecordCount() int {
	return int(n.StatusWord().RecordCount())
}

// SortedCount returns the size of the node's sorted prefix.
func (n *LeafNode) SortedCount() int {
	return int(atomic.LoadUint32((*uint32)(unsafe.Pointer(&n.sortedCount))))
}

func (n *LeafNode) key(m RecordMetadata) []byte {
	return n.records.Bytes(m.Offset(), m.KeyLength())
}

func (n *LeafNode) payload(m RecordMetadata) uint64 {
	b := n.records.Bytes(m.Offset()+m.PaddedKeyLength(), PayloadSize)
	return binary.LittleEndian.Uint64(b)
}

// searchResult is what SearchRecordMeta reports about a key.
type searchResult struct {
	index     int
	meta      RecordMetadata
	found     bool // a visible or inserting record exists at index
	sorted    bool // index falls within the sorted prefix
	insertPos int  // where key would be inserted to keep the sorted prefix sorted (only valid if !sorted)
}

// SearchRecordMeta looks for key among the node's sorted prefix and
// unsorted suffix, core spec §4.2's lookup primitive every one of Read,
// Insert's duplicate check, Update and Delete builds on. Within the
// unsorted suffix the most recently appended slot wins, scanning from
// RecordCount()-1 down to SortedCount.
func (n *LeafNode) SearchRecordMeta(key []byte) searchResult {
	sortedCount := n.SortedCount()
	recordCount := n.RecordCount()

	for i := recordCount - 1; i >= sortedCount; i-- {
		m := n.RecordMetadata(i)
		if m.Vacant() {
			continue
		}
		if bytes.Equal(n.key(m), key) {
			return searchResult{index: i, meta: m, found: true}
		}
	}

	lo, hi := 0, sortedCount
	for lo < hi {
		mid := (lo + hi) / 2
		m := n.RecordMetadata(mid)
		if !m.Visible() {
			// A deleted slot has no key to compare against, so the rest
			// of the range is scanned linearly instead.
			for i := lo; i < hi; i++ {
				mi := n.RecordMetadata(i)
				if mi.Visible() && bytes.Equal(n.key(mi), key) {
					return searchResult{index: i, meta: mi, found: true, sorted: true}
				}
			}
			return searchResult{insertPos: lo}
		}
		cmp := bytes.Compare(n.key(m), key)
		switch {
		case cmp == 0:
			return searchResult{index: mid, meta: m, found: true, sorted: true}
		case cmp < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return searchResult{insertPos: lo}
}

// CheckUnique reports whether key has no visible or inserting record in
// the node, the precondition core spec §4.2 requires before reserving a
// slot for Insert.
func (n *LeafNode) CheckUnique(key []byte) bool {
	r := n.SearchRecordMeta(key)
	if !r.found {
		return true
	}
	return r.meta.Vacant() || r.meta.Deleted()
}

// RecheckUnique repeats CheckUnique for a record this goroutine has
// already reserved a slot for, after some other record may have been
// concurrently inserted into the unsorted suffix. idx is the reserving
// slot's own index. Per core spec §4.2 step 7 the scan is restricted to
// slots reserved strictly before idx, i.e. [sorted_count, idx): a slot
// reserved after ours is necessarily still Inserting (never Vacant or
// Deleted) and would make every concurrent duplicate reservation see
// every other one and abort, so the later reservation must stay
// invisible to this check and instead lose when it runs its own
// RecheckUnique against us. An earlier slot that is still Inserting has
// no readable key yet (its offset is zero until finalized), and one that
// is mid-PMwCAS reads as the bare pending marker, so the check waits
// until its owner finalizes or abandons it.
func (n *LeafNode) RecheckUnique(key []byte, idx int) bool {
	sortedCount := n.SortedCount()
	for i := idx - 1; i >= sortedCount; i-- {
		m := n.RecordMetadata(i)
		for m.Inserting() || uint64(m)&(1<<63) != 0 {
			runtime.Gosched()
			m = n.RecordMetadata(i)
		}
		if m.Vacant() || m.Deleted() {
			continue
		}
		if bytes.Equal(n.key(m), key) {
			return false
		}
	}
	return true
}

// Insert performs core spec §4.2's two-phase insert: reserve a metadata
// slot and StatusWord space via one PMwCAS, copy the key/payload into the
// record region, recheck uniqueness, then finalize the slot to Visible
// via a second PMwCAS. Returns berrors.NodeFrozen if the node was frozen
// for an SMO or its status word changed before the finalize committed,
// berrors.KeyExists if a duplicate is discovered, and
// berrors.NotEnoughSpace if the record region or metadata array is full.
func (n *LeafNode) Insert(key []byte, value uint64, epoch uint64) error {
	totalLength := n.recordSpan(key)

	for {
		sw := n.StatusWord()
		if sw.Frozen() {
			return berrors.NodeFrozen
		}
		idx := int(sw.RecordCount())
		if idx >= len(n.meta) {
			return berrors.NotEnoughSpace
		}
		if sw.FreeSpace(n.splitThreshold, metadataSize) < totalLength {
			return berrors.NotEnoughSpace
		}

		if !n.CheckUnique(key) {
			return berrors.KeyExists
		}

		newSW := sw.PrepareForInsert(totalLength)
		newMeta := PrepareForInsert(epoch)

		d := n.pool.Allocate()
		d.AddEntry(&n.status, uint64(sw), uint64(newSW))
		d.AddEntry(&n.meta[idx], uint64(Vacant), uint64(newMeta))
		if !d.MwCAS() {
			continue
		}

		offset, err := n.writeRecord(key, value)
		if err != nil {
			// The slot was reserved but the record region lacked space
			// despite the earlier FreeSpace check losing a race; leaving
			// it Inserting forever is unsafe, so fall back to Deleted
			// (AsDeleted clears the inserting bit too) so Consolidate
			// reclaims it.
			atomic.StoreUint64(&n.meta[idx], uint64(newMeta.AsDeleted()))
			return err
		}

		if !n.RecheckUnique(key, idx) {
			atomic.StoreUint64(&n.meta[idx], uint64(newMeta.AsDeleted()))
			return berrors.KeyExists
		}

		sw2 := n.StatusWord()
		if sw2.Frozen() {
			// A concurrent SMO froze the node and may already have copied
			// this slot's Inserting state elsewhere; finalizing it to
			// Visible now would make the record appear twice. Abandon it
			// and let the caller retraverse.
			atomic.StoreUint64(&n.meta[idx], uint64(newMeta.AsDeleted()))
			return berrors.NodeFrozen
		}

		// Finalize under a two-word PMwCAS: the metadata slot swings
		// Inserting -> Visible and, in the same commit, the StatusWord is
		// compared-and-set to itself. If some other thread changed the
		// status word at all (a freeze, or another insert, update or
		// delete) between the check above and this commit, it no longer
		// matches sw2 and the whole descriptor aborts, so a freeze racing
		// the finalize can never be missed.
		finalMeta := FinalizeForInsert(offset, uint32(len(key)), totalLength)
		d2 := n.pool.Allocate()
		d2.AddEntry(&n.meta[idx], uint64(newMeta), uint64(finalMeta))
		d2.AddEntry(&n.status, uint64(sw2), uint64(sw2))
		if d2.MwCAS() {
			return nil
		}
		// The commit fails whenever a concurrent freeze or mutation changed
		// the status word out from under sw2; abandon the slot so
		// Consolidate reclaims it and let the caller retraverse.
		atomic.StoreUint64(&n.meta[idx], uint64(newMeta.AsDeleted()))
		return berrors.NodeFrozen
	}
}

// recordSpan returns the padded-key-plus-payload byte span a record for
// key will occupy in the record region.
func (n *LeafNode) recordSpan(key []byte) uint32 {
	return PadKeyLength(uint32(len(key))) + PayloadSize
}

func (n *LeafNode) writeRecord(key []byte, value uint64) (uint32, error) {
	total := n.recordSpan(key)
	offset, err := n.records.Alloc(total, 7)
	if err != nil {
		return 0, berrors.NotEnoughSpace
	}
	buf := n.records.Bytes(offset, total)
	copy(buf, key)
	binary.LittleEndian.PutUint64(buf[PadKeyLength(uint32(len(key))):], value)
	return offset, nil
}

// Read returns the payload visible for key, or ErrNotFound.
func (n *LeafNode) Read(key []byte) (uint64, error) {
	r := n.SearchRecordMeta(key)
	if !r.found || !r.meta.Visible() {
		return 0, berrors.NotFound
	}
	return n.payload(r.meta), nil
}

// Update replaces the payload of an existing visible record for key with
// value via a two-word PMwCAS on the StatusWord and its metadata word: a
// fresh record is written to the record region and the slot is
// atomically repointed, leaving the old bytes for Consolidate to reclaim.
func (n *LeafNode) Update(key []byte, value uint64) error {
	for {
		sw := n.StatusWord()
		if sw.Frozen() {
			return berrors.NodeFrozen
		}
		r := n.SearchRecordMeta(key)
		if !r.found || !r.meta.Visible() {
			return berrors.NotFound
		}

		total := n.recordSpan(key)
		if sw.FreeSpace(n.records.Cap(), metadataSize) < total {
			return berrors.NotEnoughSpace
		}

		offset, err := n.writeRecord(key, value)
		if err != nil {
			return err
		}
		newMeta := r.meta.WithOffsetKeyTotal(offset, uint32(len(key)), total)
		newSW := sw.PrepareForInsert(total)

		d := n.pool.Allocate()
		d.AddEntry(&n.status, uint64(sw), uint64(newSW))
		d.AddEntry(&n.meta[r.index], uint64(r.meta), uint64(newMeta))
		if d.MwCAS() {
			return nil
		}
	}
}

// Delete logically removes the visible record for key via a PMwCAS that
// clears its visible bit and grows the node's delete_size, core spec
// §4.2's space-reclamation accounting that Consolidate later acts on.
func (n *LeafNode) Delete(key []byte) error {
	for {
		sw := n.StatusWord()
		if sw.Frozen() {
			return berrors.NodeFrozen
		}
		r := n.SearchRecordMeta(key)
		if !r.found || !r.meta.Visible() {
			return berrors.NotFound
		}

		newMeta := r.meta.AsDeleted()
		newSW := sw.AfterDelete(r.meta.TotalLength())

		d := n.pool.Allocate()
		d.AddEntry(&n.status, uint64(sw), uint64(newSW))
		d.AddEntry(&n.meta[r.index], uint64(r.meta), uint64(newMeta))
		if d.MwCAS() {
			return nil
		}
	}
}

// Freeze marks the node immutable ahead of an SMO, via a single-entry
// PMwCAS on the StatusWord's frozen bit (core spec §4.3). Returns false
// if the node was already frozen by a concurrent thread, or if the CAS
// kept losing to concurrent status-word updates for more than the
// pool's MaxFreezeRetry attempts (core spec's MAX_FREEZE_RETRY bound,
// applied here to this single-node Freeze loop rather than the original
// implementation's repeated attempts to freeze a parent node, since
// internal nodes in this port have no frozen state of their own to spin
// on). Giving up this way is always safe: the caller treats a false
// return as "someone else's SMO will make progress", and here that
// someone is this same thread's own next trip around the retry loop in
// Tree.withRetry, which is unbounded and will call Freeze again.
func (n *LeafNode) Freeze() bool {
	maxRetry := n.pool.MaxFreezeRetry()
	for attempt := 0; ; attempt++ {
		sw := n.StatusWord()
		if sw.Frozen() {
			return false
		}
		if maxRetry > 0 && attempt >= maxRetry {
			return false
		}
		d := n.pool.Allocate()
		d.AddEntry(&n.status, uint64(sw), uint64(sw.WithFrozen()))
		if d.MwCAS() {
			return true
		}
	}
}

// visibleRecord is one visible key/value pair, used internally by Consolidate and exposed to RangeScan callers via
// the Iterator.
type visibleRecord struct {
	key   []byte
	value uint64
}

// visibleRecords returns every visible record in key order: the sorted
// prefix merged with whatever of the unsorted suffix is still visible,
// last-writer-wins on duplicate keys.
func (n *LeafNode) visibleRecords() []visibleRecord {
	recordCount := n.RecordCount()
	sortedCount := n.SortedCount()

	latest := make(map[string]RecordMetadata, recordCount-sortedCount)
	var order []string
	for i := sortedCount; i < recordCount; i++ {
		m := n.RecordMetadata(i)
		if m.Vacant() || m.Inserting() {
			continue
		}
		k := string(n.key(m))
		if _, ok := latest[k]; !ok {
			order = append(order, k)
		}
		latest[k] = m
	}

	out := make([]visibleRecord, 0, sortedCount+len(order))
	for i := 0; i < sortedCount; i++ {
		m := n.RecordMetadata(i)
		if !m.Visible() {
			continue
		}
		k := string(n.key(m))
		if repl, ok := latest[k]; ok {
			delete(latest, k)
			if repl.Visible() {
				out = append(out, visibleRecord{key: []byte(k), value: n.payload(repl)})
			}
			continue
		}
		out = append(out, visibleRecord{key: []byte(k), value: n.payload(m)})
	}
	for _, k := range order {
		m, ok := latest[k]
		if !ok || !m.Visible() {
			continue
		}
		out = append(out, visibleRecord{key: []byte(k), value: n.payload(m)})
	}
	sortRecords(out)
	return out
}

func sortRecords(r []visibleRecord) {
	for i := 1; i < len(r); i++ {
		for j := i; j > 0 && bytes.Compare(r[j-1].key, r[j].key) > 0; j-- {
			r[j-1], r[j] = r[j], r[j-1]
		}
	}
}

// RangeScan returns every visible record with key in [lo, hi], inclusive
// of both ends, in sorted order. A nil hi means unbounded.
func (n *LeafNode) RangeScan(lo, hi []byte) []visibleRecord {
	all := n.visibleRecords()
	start := 0
	for start < len(all) && bytes.Compare(all[start].key, lo) < 0 {
		start++
	}
	end := len(all)
	if hi != nil {
		end = start
		for end < len(all) && bytes.Compare(all[end].key, hi) <= 0 {
			end++
		}
	}
	return all[start:end]
}

// Consolidate builds a fresh, fully sorted LeafNode containing exactly
// this node's currently visible records, core spec §4.4's space-
// reclamation SMO. The caller is responsible for freezing n first and
// for installing the result in n's parent via PMwCAS.
func (n *LeafNode) Consolidate(maxRecords int, recordCapacity, splitThreshold uint32) *LeafNode {
	records := n.visibleRecords()
	fresh := NewLeafNode(maxRecords, recordCapacity, splitThreshold, n.pool, n.epoch)
	for i, r := range records {
		total := PadKeyLength(uint32(len(r.key))) + PayloadSize
		offset, err := fresh.records.Alloc(total, 7)
		berrors.AssertInvariant(err == nil, "bztree: consolidated node undersized for its own source data")
		buf := fresh.records.Bytes(offset, total)
		copy(buf, r.key)
		binary.LittleEndian.PutUint64(buf[PadKeyLength(uint32(len(r.key))):], r.value)
		fresh.meta[i] = uint64(FinalizeForInsert(offset, uint32(len(r.key)), total))
	}
	fresh.sortedCount = uint32(len(records))
	fresh.status = uint64(NewStatusWord().WithRecordCountAndBlockSize(uint32(len(records)), fresh.records.Len()-1))
	return fresh
}

// PrepareForSplit reports whether the node has accumulated enough records
// to warrant a split, and if so returns the index within the node's
// sorted-after-consolidation key order that separates the two halves:
// core spec §4.4's "first index at which the cumulative size first
// reaches half of the node's capacity" rule, applied to the node's
// already-sorted visibleRecords.
func (n *LeafNode) PrepareForSplit(records []visibleRecord, capacity uint32) (splitIndex int, ok bool) {
	if len(records) < 2 {
		return 0, false
	}
	var cumulative uint32
	half := capacity / 2
	for i, r := range records {
		cumulative += metadataSize + PadKeyLength(uint32(len(r.key))) + PayloadSize
		if cumulative >= half {
			if i == 0 {
				i = 1
			}
			if i >= len(records) {
				i = len(records) - 1
			}
			return i, true
		}
	}
	return len(records) / 2, true
}
