// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package bztree

import (
	"sync/atomic"

	"github.com/bzstore/bztree/internal/durable"
)

// LeafPlacement records where one leaf's record region landed within a
// durable.Facade after Checkpoint.
type LeafPlacement struct {
	Offset uint32
	Size   uint32
}

// Checkpoint mirrors every leaf's record-region bytes into facade and
// flushes each one, exercising the durable-memory facade's Allocate/
// Bytes/Flush contract (core spec §6) from the tree driver itself rather
// than leaving it as an unconsumed interface: BzTree nodes are plain Go
// heap values during normal operation (see package doc), but a deployment
// that wants the node bytes themselves written to mmap'd/file-backed
// durable memory — not just the PMwCAS recovery log — does so through
// Checkpoint. It is read-only and epoch-guarded like Dump and RangeScan.
func (t *Tree) Checkpoint(facade durable.Facade) ([]LeafPlacement, error) {
	guard := t.epoch.Protect()
	defer t.epoch.Unprotect(guard)

	var placements []LeafPlacement
	if err := t.checkpointSubtree(atomic.LoadUint64(&t.rootWord), facade, &placements); err != nil {
		return nil, err
	}
	return placements, nil
}

func (t *Tree) checkpointSubtree(word uint64, facade durable.Facade, out *[]LeafPlacement) error {
	leaf, internal := unpackChild(word)
	if leaf != nil {
		raw := leaf.records.Raw()
		size := leaf.records.Len()
		offset, err := facade.Allocate(size, 7)
		if err != nil {
			return err
		}
		copy(facade.Bytes(offset, size), raw[:size])
		facade.Flush(offset, size)
		*out = append(*out, LeafPlacement{Offset: offset, Size: size})
		return nil
	}
	for i := 0; i < internal.Len(); i++ {
		if err := t.checkpointSubtree(internal.ChildWordAt(i), facade, out); err != nil {
			return err
		}
	}
	return nil
}
