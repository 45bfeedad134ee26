// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package bztree implements a latch-free, concurrent, ordered key-value
// index over fixed-width payloads, built entirely on top of a
// persistent multi-word compare-and-swap (PMwCAS) primitive: every
// mutation to a node's shared state is expressed as one atomic
// transition of one or more 64-bit words, never a lock.
//
// A Tree is a tree of two node kinds. LeafNode holds a fixed-capacity
// array of RecordMetadata words, each independently PMwCAS-targetable,
// describing records appended to a backing arena.Arena: a binary
// searchable sorted prefix plus an append-only unsorted suffix scanned
// newest-first. InternalNode holds fully sorted separator keys and
// child pointers tagged, in their low bit, with whether the child is
// itself a LeafNode or an InternalNode.
//
// Insert, Read, Update, and Delete each traverse from the root, perform
// their single-record operation against the target leaf, and retry
// from the root whenever that leaf reports it was concurrently frozen
// or has run out of space — at which point the caller runs whatever
// structural modification (consolidate or split) the leaf needs and
// retries the original operation against the resulting tree.
//
// Every public operation runs inside an epoch guard
// (internal/mwcas.EpochManager): a node retired by a completed split or
// consolidate is never reused while an older guard might still be
// reading it. BzTree nodes here are ordinary Go values rather than
// offsets into a durable-memory arena, so the epoch manager's
// retirement callback is a no-op — the garbage collector reclaims a
// node once no guard can reach it, and the epoch bookkeeping exists to
// preserve the same logical ordering a true durable-memory deployment
// would need.
package bztree

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"

	berrors "github.com/bzstore/bztree/errors"
	"github.com/bzstore/bztree/internal/mwcas"
)

// Tree is a BzTree index. The zero value is not usable; construct one
// with New.
type Tree struct {
	opts *Options

	pool  *mwcas.DescriptorPool
	epoch *mwcas.EpochManager
	log   *mwcas.RecoveryLog

	rootWord uint64 // PMwCAS target, packed via packChildNode

	metrics *Metrics
}

// New creates an empty Tree. A nil opts uses every default.
func New(opts *Options) *Tree {
	o := opts.EnsureDefaults()
	t := &Tree{opts: o, metrics: o.Metrics}
	t.epoch = mwcas.NewEpochManager(t.reclaim)
	t.pool = mwcas.NewDescriptorPool(t.epoch.Retire)
	t.pool.SetMaxFreezeRetry(o.MaxFreezeRetry)
	if !o.DisableRecoveryLog {
		t.log = mwcas.NewRecoveryLog()
		t.pool.SetRecoveryLog(t.log)
	}
	root := NewLeafNode(o.LeafMaxRecords, o.LeafNodeSize, o.SplitThreshold, t.pool, t.epoch)
	t.rootWord = packChildNode(root)
	return t
}

// RecoveryLogBytes returns the tree's PMwCAS recovery log contents, or
// nil if Options.DisableRecoveryLog was set. Exposed for tests and for
// callers that persist it themselves via internal/durable.
func (t *Tree) RecoveryLogBytes() []byte {
	if t.log == nil {
		return nil
	}
	return t.log.Bytes()
}

// reclaim is the EpochManager's callback for a value Retire scheduled;
// BzTree nodes here are ordinary Go heap values rather than arena
// offsets, so there is nothing to free explicitly — the node becomes
// unreachable once no epoch guard can still observe it, and the garbage
// collector takes it from there.
func (t *Tree) reclaim(uint64) {}

// casRoot attempts to swing the root from old to newNode.
func (t *Tree) casRoot(old uint64, newNode bzTreeNode) bool {
	d := t.pool.Allocate()
	d.AddEntryRecycleOld(&t.rootWord, old, packChildNode(newNode))
	return d.MwCAS()
}

// traverseToLeaf walks from the root to the leaf that should contain key,
// recording every InternalNode visited and the index followed in stack.
func (t *Tree) traverseToLeaf(key []byte, stack *Stack) *LeafNode {
	word := atomic.LoadUint64(&t.rootWord)
	for {
		leaf, internal := unpackChild(word)
		if leaf != nil {
			return leaf
		}
		idx := internal.GetChildIndex(key)
		stack.Push(internal, idx)
		word = internal.ChildWordAt(idx)
	}
}

// withRetry runs op against the leaf that currently owns key, performing
// whatever structural modification is needed whenever op reports
// NodeFrozen or NotEnoughSpace and then retraversing, core spec
// §4.3/§4.4's rule that the driver retries the logical operation against
// the post-SMO tree rather than propagating a transient code to the
// caller.
func (t *Tree) withRetry(key []byte, op func(leaf *LeafNode, epoch uint64) error) error {
	guard := t.epoch.Protect()
	defer t.epoch.Unprotect(guard)

	stack := NewStack(8)
	var retries int64
	for {
		stack.Reset()
		leaf := t.traverseToLeaf(key, stack)
		err := op(leaf, guard.Epoch())
		switch err {
		case nil:
			t.metrics.recordRetries(retries)
			return nil
		case berrors.NodeFrozen, berrors.NotEnoughSpace:
			retries++
			_ = t.structuralModify(leaf, stack)
		default:
			t.metrics.recordRetries(retries)
			return err
		}
	}
}

// structuralModify runs the SMO a frozen or full leaf requires: either a
// Consolidate in place (if reclaiming deleted/shadowed space is enough)
// or a Split, cascading up through ancestor internal nodes that are
// themselves full, per core spec §4.4. stack holds the path from the
// root down to (but not including) leaf.
func (t *Tree) structuralModify(leaf *LeafNode, stack *Stack) error {
	if !leaf.Freeze() && !leaf.StatusWord().Frozen() {
		return nil // Freeze gave up without the leaf being frozen; our own retry tries again
	}
	// Either this thread froze the leaf or another did; in the latter case
	// this thread runs the SMO too, and whichever install lands first wins.

	records := leaf.visibleRecords()
	var liveSize uint32
	for _, r := range records {
		liveSize += metadataSize + PadKeyLength(uint32(len(r.key))) + PayloadSize
	}

	if len(records) < 2 || liveSize*2 <= t.opts.SplitThreshold {
		fresh := leaf.Consolidate(t.opts.LeafMaxRecords, t.opts.LeafNodeSize, t.opts.SplitThreshold)
		t.metrics.recordSMO("consolidate")
		return t.installReplacement(stack, leaf, fresh)
	}

	splitIndex, ok := leaf.PrepareForSplit(records, t.opts.SplitThreshold)
	if !ok {
		fresh := leaf.Consolidate(t.opts.LeafMaxRecords, t.opts.LeafNodeSize, t.opts.SplitThreshold)
		t.metrics.recordSMO("consolidate")
		return t.installReplacement(stack, leaf, fresh)
	}

	left := buildLeafFromRecords(records[:splitIndex], t.opts.LeafMaxRecords, t.opts.LeafNodeSize, t.opts.SplitThreshold, t.pool, t.epoch)
	right := buildLeafFromRecords(records[splitIndex:], t.opts.LeafMaxRecords, t.opts.LeafNodeSize, t.opts.SplitThreshold, t.pool, t.epoch)
	separator := records[splitIndex].key
	t.metrics.recordSMO("split")
	return t.propagateSplit(stack, leaf, separator, left, right)
}

// buildLeafFromRecords constructs a fresh, fully sorted LeafNode holding
// exactly the given records.
func buildLeafFromRecords(records []visibleRecord, maxRecords int, capacity, splitThreshold uint32, pool *mwcas.DescriptorPool, epoch *mwcas.EpochManager) *LeafNode {
	n := NewLeafNode(maxRecords, capacity, splitThreshold, pool, epoch)
	for i, r := range records {
		total := PadKeyLength(uint32(len(r.key))) + PayloadSize
		offset, err := n.records.Alloc(total, 7)
		berrors.AssertInvariant(err == nil, "bztree: split half undersized for its own data")
		buf := n.records.Bytes(offset, total)
		copy(buf, r.key)
		binary.LittleEndian.PutUint64(buf[PadKeyLength(uint32(len(r.key))):], r.value)
		n.meta[i] = uint64(FinalizeForInsert(offset, uint32(len(r.key)), total))
	}
	n.sortedCount = uint32(len(records))
	n.status = uint64(NewStatusWord().WithRecordCountAndBlockSize(uint32(len(records)), n.records.Len()-1))
	return n
}

// propagateSplit installs (separator, left, right) in place of oldNode,
// walking up stack one level at a time. Each ancestor that still has
// room simply gains one entry and the recursion stops; an ancestor that
// is already full is itself split in two, and the loop continues with
// that split propagated to the next level up. Running out of stack means
// oldNode was the root, which is replaced by a brand new two-child root.
func (t *Tree) propagateSplit(stack *Stack, oldNode bzTreeNode, separator []byte, left, right bzTreeNode) error {
	for {
		parent, idx, ok := stack.Pop()
		if !ok {
			newRoot := NewRootInternalNode(separator, left, right, t.opts.InternalNodeFanout, t.pool)
			if t.casRoot(packChildNode(oldNode), newRoot) {
				return nil
			}
			return berrors.PMwCASFailure
		}

		if !parent.Full() {
			newParent := NewInternalNodeFromSplit(parent, idx, separator, left, right)
			return t.installReplacement(stack, parent, newParent)
		}

		expanded := expandedWithSplitChild(parent, idx, separator, left, right)
		mid, _ := expanded.PrepareForSplit()
		newLeft, newRight, nextSeparator := expanded.splitAt(mid)
		oldNode, separator, left, right = parent, nextSeparator, newLeft, newRight
	}
}

// installReplacement swaps oldNode for newNode at whatever stack's
// current top names, or at the root if the stack is now empty.
func (t *Tree) installReplacement(stack *Stack, oldNode, newNode bzTreeNode) error {
	parent, idx, ok := stack.Pop()
	if !ok {
		if t.casRoot(packChildNode(oldNode), newNode) {
			return nil
		}
		return berrors.PMwCASFailure
	}
	if parent.Update(idx, packChildNode(oldNode), newNode) {
		return nil
	}
	return berrors.PMwCASFailure
}

// Insert adds key->value if no visible record for key exists, otherwise
// returns berrors.KeyExists (core spec §4.2).
func (t *Tree) Insert(key []byte, value uint64) (err error) {
	done := t.metrics.timeOp("insert")
	defer func() { done(err) }()
	err = t.withRetry(key, func(leaf *LeafNode, epoch uint64) error {
		return leaf.Insert(key, value, epoch)
	})
	return err
}

// Read returns the payload visible for key, or ErrNotFound.
func (t *Tree) Read(key []byte) (value uint64, err error) {
	done := t.metrics.timeOp("read")
	defer func() { done(err) }()
	err = t.withRetry(key, func(leaf *LeafNode, _ uint64) error {
		v, readErr := leaf.Read(key)
		value = v
		return readErr
	})
	return value, err
}

// Update replaces the payload of an existing visible record for key, or
// returns ErrNotFound.
func (t *Tree) Update(key []byte, value uint64) (err error) {
	done := t.metrics.timeOp("update")
	defer func() { done(err) }()
	err = t.withRetry(key, func(leaf *LeafNode, _ uint64) error {
		return leaf.Update(key, value)
	})
	return err
}

// Upsert inserts key->value, or updates it if a visible record already
// exists. This composes Insert and Update as two separate tree
// operations rather than a single atomic one: if another goroutine
// deletes the existing record between the two, Update reports NotFound
// and Upsert starts over with Insert. Upsert offers read-modify-write
// convenience, not additional atomicity over calling Insert then Update
// yourself. See DESIGN.md.
func (t *Tree) Upsert(key []byte, value uint64) error {
	for {
		err := t.Insert(key, value)
		if err != berrors.KeyExists {
			return err
		}
		err = t.Update(key, value)
		if err != berrors.NotFound {
			return err
		}
	}
}

// Delete logically removes the visible record for key, or returns
// ErrNotFound.
func (t *Tree) Delete(key []byte) (err error) {
	done := t.metrics.timeOp("delete")
	defer func() { done(err) }()
	err = t.withRetry(key, func(leaf *LeafNode, _ uint64) error {
		return leaf.Delete(key)
	})
	return err
}

// RangeScan returns every visible record with key in [lo, hi], inclusive
// of both ends, in sorted order. A nil hi means unbounded.
func (t *Tree) RangeScan(lo, hi []byte) []visibleRecord {
	guard := t.epoch.Protect()
	defer t.epoch.Unprotect(guard)

	var out []visibleRecord
	t.collectRange(atomic.LoadUint64(&t.rootWord), lo, hi, &out)
	sortRecords(out)
	return out
}

func (t *Tree) collectRange(word uint64, lo, hi []byte, out *[]visibleRecord) {
	leaf, internal := unpackChild(word)
	if leaf != nil {
		*out = append(*out, leaf.RangeScan(lo, hi)...)
		return
	}
	start := internal.GetChildIndex(lo)
	if start < 0 {
		start = 0
	}
	for i := start; i < internal.Len(); i++ {
		if hi != nil && i > start && bytes.Compare(internal.Separator(i), hi) > 0 {
			break
		}
		t.collectRange(internal.ChildWordAt(i), lo, hi, out)
	}
}
