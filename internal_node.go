// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package bztree

import (
	"bytes"
	"sync/atomic"
	"unsafe"

	berrors "github.com/bzstore/bztree/errors"
	"github.com/bzstore/bztree/internal/mwcas"
)

// childInternalTag marks an internalEntry's child word as pointing to
// another InternalNode rather than a LeafNode. Child pointers are native
// Go pointers rather than arena offsets (InternalNode is a plain heap
// value, not carved from durable memory), tagged in their low bit since
// every *LeafNode/*InternalNode is at least word-aligned; see DESIGN.md.
const childInternalTag = uint64(1)

func packChild(ptr unsafe.Pointer, internal bool) uint64 {
	w := uint64(uintptr(ptr))
	berrors.AssertInvariant(w&childInternalTag == 0, "bztree: child pointer is not word-aligned")
	berrors.AssertInvariant(w&(uint64(1)<<63) == 0, "bztree: child pointer collides with the PMwCAS control bit")
	if internal {
		w |= childInternalTag
	}
	return w
}

func unpackChild(word uint64) (leaf *LeafNode, internal *InternalNode) {
	ptr := unsafe.Pointer(uintptr(word &^ childInternalTag))
	if word&childInternalTag != 0 {
		return nil, (*InternalNode)(ptr)
	}
	return (*LeafNode)(ptr), nil
}

// internalEntry is one separator/child-pointer pair. Slot 0 always has a
// zero-length key, the dummy entry core spec §4.1 describes that sorts
// before every real key and makes GetChildIndex's binary search total.
type internalEntry struct {
	key   []byte
	child uint64 // PMwCAS-targetable
}

// InternalNode is the core spec §4.1 routing node: a fully sorted array
// of separator keys and child pointers, produced fully formed by one of
// the New constructors below and thereafter mutated only by Update's
// single-word PMwCAS on a child pointer.
type InternalNode struct {
	entries  []internalEntry // len() is this node's live entry count
	capacity int             // max entries before PrepareForSplit triggers
	pool     *mwcas.DescriptorPool
}

// bzTreeNode is implemented by *LeafNode and *InternalNode so a child can
// be either without the constructors below needing separate overloads.
type bzTreeNode interface {
	isBzTreeNode()
}

func (n *LeafNode) isBzTreeNode()     {}
func (n *InternalNode) isBzTreeNode() {}

// NewRootInternalNode builds a fresh two-child root, used both for a
// brand new tree's first split and for a root split that wraps the whole
// tree in a new top: slot 0 is the dummy (routes every key less than
// separator to left), slot 1 routes everything else to right.
func NewRootInternalNode(separator []byte, left, right bzTreeNode, capacity int, pool *mwcas.DescriptorPool) *InternalNode {
	n := &InternalNode{capacity: capacity, pool: pool}
	n.entries = make([]internalEntry, 2, capacity)
	n.entries[0] = internalEntry{key: nil, child: packChildNode(left)}
	n.entries[1] = internalEntry{key: append([]byte(nil), separator...), child: packChildNode(right)}
	return n
}

// NewInternalNodeFromSplit builds the replacement for parent after the
// child at index idx split into (left, right) at separator: every entry
// is range-copied except idx, whose slot is rewritten to point at left
// and is immediately followed by a fresh slot for (separator, right).
// This is the "range-copy constructor" core spec §4.4 names; the original
// implementation has a long-standing bug here where the copy loop
// dereferences the node being built instead of the node being read
// (`*mem` in place of `*new_node`) for the tail half of the range, which
// this constructor does not reproduce.
func NewInternalNodeFromSplit(parent *InternalNode, idx int, separator []byte, left, right bzTreeNode) *InternalNode {
	berrors.AssertInvariant(idx >= 0 && idx < len(parent.entries), "bztree: split index out of range")
	n := &InternalNode{capacity: parent.capacity, pool: parent.pool}
	n.entries = make([]internalEntry, 0, len(parent.entries)+1)
	n.entries = append(n.entries, parent.entries[:idx]...)
	n.entries = append(n.entries, internalEntry{key: parent.entries[idx].key, child: packChildNode(left)})
	n.entries = append(n.entries, internalEntry{key: append([]byte(nil), separator...), child: packChildNode(right)})
	n.entries = append(n.entries, parent.entries[idx+1:]...)
	return n
}

func packChildNode(n bzTreeNode) uint64 {
	switch v := n.(type) {
	case *LeafNode:
		return packChild(unsafe.Pointer(v), false)
	case *InternalNode:
		return packChild(unsafe.Pointer(v), true)
	default:
		berrors.AssertInvariant(false, "bztree: unknown node type %T", n)
		return 0
	}
}

// Len returns the node's live entry count.
func (n *InternalNode) Len() int {
	return len(n.entries)
}

// Full reports whether the node has reached its entry capacity and must
// go through PrepareForSplit before it can route another split up from a
// child.
func (n *InternalNode) Full() bool {
	return len(n.entries) >= n.capacity
}

// GetChildIndex returns the index of the entry that routes key: the
// largest i such that entries[i].key <= key (entry 0's empty key always
// qualifies), core spec §4.1's routing rule.
func (n *InternalNode) GetChildIndex(key []byte) int {
	lo, hi := 0, len(n.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(n.entries[mid].key, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// Separator returns the routing key at index i ("" for the dummy slot 0).
func (n *InternalNode) Separator(i int) []byte {
	return n.entries[i].key
}

// ChildAt returns the child pointer stored at index i, as whichever of
// leaf/internal it actually is.
func (n *InternalNode) ChildAt(i int) (leaf *LeafNode, internal *InternalNode) {
	return unpackChild(n.ChildWordAt(i))
}

// ChildWordAt returns the raw PMwCAS word stored at index i.
func (n *InternalNode) ChildWordAt(i int) uint64 {
	return atomic.LoadUint64(&n.entries[i].child)
}

// Update atomically repoints entries[idx]'s child from old to newChild
// via a single-entry PMwCAS, core spec §4.4's rule that an InternalNode,
// once built, is only ever mutated by swinging one child pointer at a
// time. Returns false if the word no longer holds old (a concurrent SMO
// already moved past this node).
func (n *InternalNode) Update(idx int, old uint64, newChild bzTreeNode) bool {
	d := n.pool.Allocate()
	d.AddEntryRecycleOld(&n.entries[idx].child, old, packChildNode(newChild))
	return d.MwCAS()
}

// PrepareForSplit reports whether the node has reached capacity and, if
// so, the index that splits its entries into two roughly equal halves:
// core spec §4.4 applies the same halving rule to internal nodes as to
// leaves, measured in entry count rather than bytes since every entry is
// the same conceptual size.
func (n *InternalNode) PrepareForSplit() (splitIndex int, ok bool) {
	if !n.Full() {
		return 0, false
	}
	mid := len(n.entries) / 2
	if mid == 0 {
		mid = 1
	}
	return mid, true
}

// expandedWithSplitChild builds the *InternalNode.entries a split of the
// child at idx logically produces in n, without yet deciding whether n
// itself needs to split to hold it: idx's entry is rewritten to point at
// left and a fresh entry for (separator, right) follows it.
func expandedWithSplitChild(n *InternalNode, idx int, separator []byte, left, right bzTreeNode) *InternalNode {
	expanded := &InternalNode{capacity: n.capacity, pool: n.pool}
	expanded.entries = make([]internalEntry, 0, len(n.entries)+1)
	expanded.entries = append(expanded.entries, n.entries[:idx]...)
	expanded.entries = append(expanded.entries, internalEntry{key: n.entries[idx].key, child: packChildNode(left)})
	expanded.entries = append(expanded.entries, internalEntry{key: append([]byte(nil), separator...), child: packChildNode(right)})
	expanded.entries = append(expanded.entries, n.entries[idx+1:]...)
	return expanded
}

// splitAt divides n's entries into two fresh, capacity-respecting
// InternalNodes at splitIndex, along with the separator key the parent
// should route on: the key of the entry that becomes the right half's
// first entry.
func (n *InternalNode) splitAt(splitIndex int) (left, right *InternalNode, separator []byte) {
	left = &InternalNode{capacity: n.capacity, pool: n.pool}
	left.entries = append(make([]internalEntry, 0, n.capacity), n.entries[:splitIndex]...)
	right = &InternalNode{capacity: n.capacity, pool: n.pool}
	right.entries = append(make([]internalEntry, 0, n.capacity), n.entries[splitIndex:]...)
	separator = append([]byte(nil), right.entries[0].key...)
	// The right half's own slot 0 becomes its new dummy entry: it routes
	// everything not claimed by a later, more specific separator.
	right.entries[0] = internalEntry{key: nil, child: right.entries[0].child}
	return left, right, separator
}
