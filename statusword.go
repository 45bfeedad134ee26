// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package bztree

// StatusWord is the 8-byte, PMwCAS-targetable summary every LeafNode
// carries (core spec §3/§4.1): whether the node is frozen for a
// structural modification, how many metadata slots are in use, and the
// block/delete space accounting Consolidate and PrepareForSplit need to
// decide when a node is full or sparse enough to act on.
//
// Bit layout, high to low:
//
//	63    reserved for mwcas.pendingBit (never set by this package)
//	62    frozen
//	61-56 reserved
//	55-40 record_count (16 bits)
//	39-20 block_size (20 bits)
//	19-0  delete_size (20 bits)
type StatusWord uint64

const (
	swFrozenBit = uint64(1) << 62

	swRecordCountShift = 40
	swRecordCountMask  = 0xFFFF

	swBlockSizeShift = 20
	swBlockSizeMask  = 0xFFFFF

	swDeleteSizeShift = 0
	swDeleteSizeMask  = 0xFFFFF
)

// NewStatusWord returns the initial StatusWord of a freshly allocated,
// empty LeafNode.
func NewStatusWord() StatusWord {
	return 0
}

// Frozen reports whether s's frozen bit is set, meaning the node is
// immutable and mid-SMO (core spec §4.3/§4.4).
func (s StatusWord) Frozen() bool {
	return uint64(s)&swFrozenBit != 0
}

// RecordCount is the number of metadata slots in use, visible or not.
func (s StatusWord) RecordCount() uint32 {
	return uint32((uint64(s) >> swRecordCountShift) & swRecordCountMask)
}

// BlockSize is the number of bytes consumed by the record region,
// including deleted and in-progress records.
func (s StatusWord) BlockSize() uint32 {
	return uint32((uint64(s) >> swBlockSizeShift) & swBlockSizeMask)
}

// DeleteSize is the number of bytes occupied by records that have been
// logically deleted but not yet reclaimed by Consolidate.
func (s StatusWord) DeleteSize() uint32 {
	return uint32((uint64(s) >> swDeleteSizeShift) & swDeleteSizeMask)
}

// WithFrozen returns a copy of s with the frozen bit set. Idempotent: used
// both to begin freezing a node and to recognize a lost race with a
// concurrent freeze (core spec §4.3).
func (s StatusWord) WithFrozen() StatusWord {
	return StatusWord(uint64(s) | swFrozenBit)
}

// PrepareForInsert returns the StatusWord a node's status transitions to
// when reserving a slot for a new record of totalLength bytes: one more
// record, block_size grown by totalLength (the metadata word's own 8
// bytes are counted separately, by UsedSpace).
func (s StatusWord) PrepareForInsert(totalLength uint32) StatusWord {
	rc := s.RecordCount() + 1
	bs := s.BlockSize() + totalLength
	return s.withCounts(rc, bs, s.DeleteSize())
}

// AfterDelete returns the StatusWord a node's status transitions to when
// a record of totalLength bytes is logically deleted: record_count is
// unchanged (the slot stays occupied until Consolidate), delete_size
// grows.
func (s StatusWord) AfterDelete(totalLength uint32) StatusWord {
	return s.withCounts(s.RecordCount(), s.BlockSize(), s.DeleteSize()+totalLength)
}

func (s StatusWord) withCounts(recordCount, blockSize, deleteSize uint32) StatusWord {
	v := uint64(s) & swFrozenBit
	v |= uint64(recordCount&swRecordCountMask) << swRecordCountShift
	v |= uint64(blockSize&swBlockSizeMask) << swBlockSizeShift
	v |= uint64(deleteSize&swDeleteSizeMask) << swDeleteSizeShift
	return StatusWord(v)
}

// WithRecordCountAndBlockSize returns a StatusWord with record_count and
// block_size set directly, delete_size reset to zero. Used by Consolidate
// to stamp a freshly rebuilt node's status in one step rather than
// replaying PrepareForInsert once per record.
func (s StatusWord) WithRecordCountAndBlockSize(recordCount, blockSize uint32) StatusWord {
	return s.withCounts(recordCount, blockSize, 0)
}

// UsedSpace is the bytes committed to metadata slots plus the record
// region, the figure FreeSpace and Dump compare against a node's
// capacity.
func (s StatusWord) UsedSpace(metadataSize uint32) uint32 {
	return metadataSize*s.RecordCount() + s.BlockSize()
}

// FreeSpace returns how many bytes remain in a node of the given
// capacity once the next metadata slot and the used space are both
// accounted for.
func (s StatusWord) FreeSpace(capacity, metadataSize uint32) uint32 {
	used := s.UsedSpace(metadataSize) + metadataSize
	if used >= capacity {
		return 0
	}
	return capacity - used
}
