// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package bztree

// RecordMetadata is the 8-byte, PMwCAS-targetable slot descriptor of core
// spec §3/§4.1: visibility, an in-progress-insert marker carrying the
// reserving epoch, and the record's geometry within the node (byte
// offset, key length, total padded length).
//
// Bit layout, high to low:
//
//	63    reserved for mwcas.pendingBit (never set by this package)
//	62    visible
//	61    inserting
//	60-45 epoch (16 bits)
//	44-29 offset (16 bits)
//	28-17 key length (12 bits, max 4095)
//	16-0  total length (17 bits, max 131071)
//
// A zero RecordMetadata is the Vacant state core spec §3 describes: no
// bits set, slot never reserved.
type RecordMetadata uint64

const (
	rmVisibleBit   = uint64(1) << 62
	rmInsertingBit = uint64(1) << 61

	rmEpochShift = 45
	rmEpochMask  = 0xFFFF

	rmOffsetShift = 29
	rmOffsetMask  = 0xFFFF

	rmKeyLenShift = 17
	rmKeyLenMask  = 0xFFF

	rmTotalLenShift = 0
	rmTotalLenMask  = 0x1FFFF
)

// MaxKeyLength is the largest key this packing can address.
const MaxKeyLength = rmKeyLenMask

// KeyAlignment is the byte boundary keys are padded to within a node's
// record region, matching the original implementation's
// RecordMetadata::PadKeyLength.
const KeyAlignment = 8

// PadKeyLength rounds n up to the next multiple of KeyAlignment.
func PadKeyLength(n uint32) uint32 {
	return (n + KeyAlignment - 1) &^ (KeyAlignment - 1)
}

// PayloadSize is the fixed width of a BzTree value (core spec §1: "values
// are fixed-width 64-bit payloads").
const PayloadSize = 8

// Vacant is the all-zero metadata state: the slot has never been
// reserved.
const Vacant = RecordMetadata(0)

// Vacant reports whether m is in the Vacant state.
func (m RecordMetadata) Vacant() bool {
	return m == 0
}

// Visible reports whether m's visible bit is set.
func (m RecordMetadata) Visible() bool {
	return uint64(m)&rmVisibleBit != 0
}

// Inserting reports whether m's inserting bit is set.
func (m RecordMetadata) Inserting() bool {
	return uint64(m)&rmInsertingBit != 0
}

// Deleted reports whether m was once a visible record that has since been
// logically deleted: not vacant, not visible, not inserting.
func (m RecordMetadata) Deleted() bool {
	return !m.Vacant() && !m.Visible() && !m.Inserting()
}

// Epoch returns the reserving epoch recorded while m.Inserting() is true.
func (m RecordMetadata) Epoch() uint64 {
	return (uint64(m) >> rmEpochShift) & rmEpochMask
}

// Offset returns the byte offset of the record's key within the node.
func (m RecordMetadata) Offset() uint32 {
	return uint32((uint64(m) >> rmOffsetShift) & rmOffsetMask)
}

// KeyLength returns the unpadded key length in bytes.
func (m RecordMetadata) KeyLength() uint32 {
	return uint32((uint64(m) >> rmKeyLenShift) & rmKeyLenMask)
}

// TotalLength returns the padded-key-length-plus-payload size in bytes.
func (m RecordMetadata) TotalLength() uint32 {
	return uint32((uint64(m) >> rmTotalLenShift) & rmTotalLenMask)
}

// PaddedKeyLength returns KeyLength padded to KeyAlignment.
func (m RecordMetadata) PaddedKeyLength() uint32 {
	return PadKeyLength(m.KeyLength())
}

// PrepareForInsert returns the Inserting(epoch) state a Vacant slot
// transitions to in phase 1 of LeafNode.Insert (core spec §4.2).
func PrepareForInsert(epoch uint64) RecordMetadata {
	return RecordMetadata(rmInsertingBit | ((epoch & rmEpochMask) << rmEpochShift))
}

// FinalizeForInsert returns the Visible state an Inserting slot
// transitions to in phase 2 of LeafNode.Insert, once the record's final
// geometry is known.
func FinalizeForInsert(offset, keyLength, totalLength uint32) RecordMetadata {
	return RecordMetadata(rmVisibleBit |
		(uint64(offset&rmOffsetMask) << rmOffsetShift) |
		(uint64(keyLength&rmKeyLenMask) << rmKeyLenShift) |
		(uint64(totalLength&rmTotalLenMask) << rmTotalLenShift))
}

// AsDeleted returns the Deleted state m transitions to: visible and
// inserting both cleared, offset zeroed, key/total length preserved for
// accounting (core spec §3's RecordMetadata state table). Clearing the
// inserting bit matters for the abandoned-slot callers in
// LeafNode.Insert, which call AsDeleted on a still-Inserting metadata
// value (never visible to begin with); without it the slot would stay
// Inserting forever, which Deleted() and Vacant() both report false for.
func (m RecordMetadata) AsDeleted() RecordMetadata {
	v := uint64(m) &^ rmVisibleBit
	v &^= rmInsertingBit
	v &^= uint64(rmOffsetMask) << rmOffsetShift
	return RecordMetadata(v)
}

// WithOffsetKeyTotal returns a copy of m with offset/keyLength/totalLength
// replaced, preserving the visible/inserting/epoch bits. Used by
// LeafNode.Update to repoint a visible slot at its freshly written
// record.
func (m RecordMetadata) WithOffsetKeyTotal(offset, keyLength, totalLength uint32) RecordMetadata {
	v := uint64(m)
	v &^= uint64(rmOffsetMask) << rmOffsetShift
	v &^= uint64(rmKeyLenMask) << rmKeyLenShift
	v &^= uint64(rmTotalLenMask) << rmTotalLenShift
	v |= uint64(offset&rmOffsetMask) << rmOffsetShift
	v |= uint64(keyLength&rmKeyLenMask) << rmKeyLenShift
	v |= uint64(totalLength&rmTotalLenMask) << rmTotalLenShift
	return RecordMetadata(v)
}
