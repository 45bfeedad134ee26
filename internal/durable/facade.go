// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package durable implements the "durable-memory facade" core spec §6
// names as an external collaborator used only through a narrow interface:
// allocate/free a contiguous region, translate between a direct pointer
// and an allocator-stable offset, and flush a byte range. BzTree code
// never reaches into an mmap'd region directly; it goes through Facade so
// that swapping the backend (anonymous mmap'd memory, mmap'd file for
// a durable run) never touches node/tree logic.
package durable

import (
	"unsafe"

	"github.com/cespare/xxhash/v2"

	berrors "github.com/bzstore/bztree/errors"
	"github.com/bzstore/bztree/internal/arena"
	"github.com/bzstore/bztree/internal/invariants"
)

// Facade is the durable-memory contract BzTree nodes are built on.
type Facade interface {
	// Allocate reserves size bytes aligned to align and returns the
	// allocator-stable offset of the first byte.
	Allocate(size, align uint32) (offset uint32, err error)
	// Direct translates an offset into a dereferenceable pointer to the
	// first byte of the allocation.
	Direct(offset uint32) unsafe.Pointer
	// Offset translates a direct pointer back into its allocator-stable
	// offset.
	Offset(ptr unsafe.Pointer) uint32
	// Bytes returns the size bytes at offset as a slice.
	Bytes(offset, size uint32) []byte
	// Flush persists the size bytes at offset and records a checksum
	// so a later Bytes-time corruption check has something to compare
	// against.
	Flush(offset, size uint32)
	// PersistPtr is Flush addressed by direct pointer instead of offset,
	// used right after New() placement-constructs a node in place.
	PersistPtr(ptr unsafe.Pointer, size uint32)
	// Close releases the backing region.
	Close() error
}

type checksumKey struct {
	offset uint32
	size   uint32
}

// base implements the checksum/verify bookkeeping shared by the memory
// and file-backed facades; each backend supplies the Arena and an fsync
// hook through flushRange.
type base struct {
	arena      *arena.Arena
	checksums  map[checksumKey]uint64
	flushRange func(offset, size uint32)
}

func newBase(a *arena.Arena, flushRange func(offset, size uint32)) base {
	return base{
		arena:      a,
		checksums:  make(map[checksumKey]uint64),
		flushRange: flushRange,
	}
}

func (b *base) Allocate(size, align uint32) (uint32, error) {
	return b.arena.Alloc(size, align)
}

func (b *base) Direct(offset uint32) unsafe.Pointer {
	return b.arena.Pointer(offset)
}

func (b *base) Offset(ptr unsafe.Pointer) uint32 {
	return b.arena.Offset(ptr)
}

func (b *base) Bytes(offset, size uint32) []byte {
	buf := b.arena.Bytes(offset, size)
	b.maybeVerify(offset, size, buf)
	return buf
}

func (b *base) Flush(offset, size uint32) {
	if offset == 0 {
		return
	}
	sum := xxhash.Sum64(b.arena.Bytes(offset, size))
	b.checksums[checksumKey{offset, size}] = sum
	if b.flushRange != nil {
		b.flushRange(offset, size)
	}
}

func (b *base) PersistPtr(ptr unsafe.Pointer, size uint32) {
	b.Flush(b.arena.Offset(ptr), size)
}

// maybeVerify re-checksums a previously flushed region some of the time,
// mirroring cockroachdb/pebble/internal/invariants.Sometimes's pattern of
// cheap-but-not-free extra validation; outside race/invariants builds
// Sometimes is always false and no verification happens. A
// mismatch means the region was mutated after its last Flush without
// going through a PMwCAS-protected word, which the node-layout invariants
// of core spec §3 never permit.
func (b *base) maybeVerify(offset, size uint32, buf []byte) {
	if offset == 0 || !invariants.Sometimes(10) {
		return
	}
	want, ok := b.checksums[checksumKey{offset, size}]
	if !ok {
		return
	}
	berrors.AssertInvariant(xxhash.Sum64(buf) == want,
		"durable: checksum mismatch at offset %d size %d", offset, size)
}
