// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package bztree

// Iterator walks a snapshot of the records a RangeScan selected, in
// ascending key order. The snapshot is taken eagerly when the Iterator is
// created: records inserted or deleted by other goroutines afterward are
// not reflected, a stronger guarantee than core spec §4.5's per-leaf
// visibility rule technically requires but one this in-heap
// implementation gets for free since Go's garbage collector, not an
// epoch-guarded allocator, owns the lifetime of every node an Iterator
// might otherwise need to keep pinned.
type Iterator struct {
	records []visibleRecord
	pos     int
}

// NewIterator returns an Iterator over every visible record with key in
// [lo, hi], inclusive of both ends. A nil hi means unbounded.
func (t *Tree) NewIterator(lo, hi []byte) *Iterator {
	return &Iterator{records: t.RangeScan(lo, hi), pos: -1}
}

// Next advances the iterator and reports whether a record is available.
// Must be called before the first Key/Value.
func (it *Iterator) Next() bool {
	it.pos++
	return it.pos < len(it.records)
}

// Key returns the current record's key. Valid only after Next returns
// true.
func (it *Iterator) Key() []byte {
	return it.records[it.pos].key
}

// Value returns the current record's payload. Valid only after Next
// returns true.
func (it *Iterator) Value() uint64 {
	return it.records[it.pos].value
}

// Len returns the total number of records this iterator will yield.
func (it *Iterator) Len() int {
	return len(it.records)
}
