// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package arena implements the fixed-size, offset-addressed byte buffer
// every BzTree node and the durable-memory facade are built on: a single
// atomically-bumped cursor over a pre-allocated []byte, offset 0 reserved
// as a nil sentinel so a zeroed RecordMetadata/child-pointer word reads as
// "not yet allocated" rather than as a valid address.
package arena

import (
	"sync/atomic"
	"unsafe"

	berrors "github.com/bzstore/bztree/errors"
)

// ErrFull is returned by Alloc when the arena cannot satisfy the request
// without exceeding its fixed capacity.
var ErrFull = berrors.Newf("arena: allocation failed, arena is full")

// Arena is a lock-free, append-only byte buffer. Offsets are stable for
// the Arena's lifetime: once returned from Alloc, an offset is never
// reused until the whole Arena is discarded, matching the core spec's
// requirement that a node's record region only ever grows (monotone
// block_size) until Consolidate replaces the node wholesale.
type Arena struct {
	n   atomic.Uint32
	buf []byte
}

// New allocates a new arena with the given capacity in bytes.
func New(capacity uint32) *Arena {
	a := &Arena{buf: make([]byte, capacity)}
	a.n.Store(1) // reserve offset 0 as the nil sentinel
	return a
}

// NewOver wraps an already-allocated byte slice (e.g. an mmap'd region
// owned by internal/durable) as an Arena. The first allocation still
// starts at offset 1 within this slice.
func NewOver(buf []byte) *Arena {
	a := &Arena{buf: buf}
	a.n.Store(1)
	return a
}

// Len returns the number of bytes allocated so far, including the
// reserved offset-0 byte.
func (a *Arena) Len() uint32 {
	return a.n.Load()
}

// Cap returns the arena's total capacity.
func (a *Arena) Cap() uint32 {
	return uint32(len(a.buf))
}

// Alloc reserves size bytes aligned to align (a power-of-two minus one,
// e.g. 7 for 8-byte alignment) and returns the offset of the first byte.
func (a *Arena) Alloc(size, align uint32) (uint32, error) {
	padded := size + align
	newLen := a.n.Add(padded)
	if int(newLen) > len(a.buf) {
		a.n.Add(^uint32(padded - 1)) // undo: newLen -= padded
		return 0, ErrFull
	}
	offset := (newLen - padded + align) &^ align
	return offset, nil
}

// Bytes returns the size bytes at offset. Returns nil for offset 0.
func (a *Arena) Bytes(offset, size uint32) []byte {
	if offset == 0 {
		return nil
	}
	return a.buf[offset : offset+size : offset+size]
}

// Pointer returns a raw, dereferenceable pointer to the byte at offset.
// Returns nil for offset 0. Callers outside this package should prefer
// Bytes; Pointer exists for the durable-memory facade's direct-pointer
// translation (core spec §6, GetDirect/GetOffset).
func (a *Arena) Pointer(offset uint32) unsafe.Pointer {
	if offset == 0 {
		return nil
	}
	return unsafe.Pointer(&a.buf[offset])
}

// Offset returns the arena-relative offset of a pointer previously
// returned by Pointer, or 0 if ptr is nil.
func (a *Arena) Offset(ptr unsafe.Pointer) uint32 {
	if ptr == nil {
		return 0
	}
	return uint32(uintptr(ptr) - uintptr(unsafe.Pointer(&a.buf[0])))
}

// Raw exposes the backing slice for the durable-memory facade's
// checksum/flush bookkeeping. Mutating it outside of Alloc'd regions
// violates the Arena's invariants.
func (a *Arena) Raw() []byte {
	return a.buf
}
