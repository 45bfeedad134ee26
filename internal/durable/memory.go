// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package durable

import (
	"runtime"

	"golang.org/x/sys/unix"

	berrors "github.com/bzstore/bztree/errors"
	"github.com/bzstore/bztree/internal/arena"
)

// MemoryFacade is an anonymous-mmap-backed Facade: "durable" only in the
// sense of being a stable, offset-addressed region for the lifetime of the
// process. This is the in-process backend (the checkpoint test and most
// tests in this package use it), mirroring outofforest-quantum/persistent.MemoryStore's
// "in-memory persistent store, used for testing" role, adapted onto
// internal/arena instead of a raw byte slice.
type MemoryFacade struct {
	base
	region []byte
}

// NewMemoryFacade allocates a size-byte anonymous mapping.
func NewMemoryFacade(size uint32) (*MemoryFacade, error) {
	region, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, berrors.Wrap(err, "durable: anonymous mmap failed")
	}
	f := &MemoryFacade{region: region}
	f.base = newBase(arena.NewOver(region), f.flushRange)
	return f, nil
}

// flushRange is a no-op for an anonymous mapping: there is no backing file
// to sync, but KeepAlive documents that the region must outlive any
// unsafe.Pointer derived from it until this point.
func (f *MemoryFacade) flushRange(offset, size uint32) {
	runtime.KeepAlive(f.region)
}

// Close unmaps the region.
func (f *MemoryFacade) Close() error {
	return unix.Munmap(f.region)
}
