// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package durable

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestMemoryFacadeRoundTrip(t *testing.T) {
	f, err := NewMemoryFacade(4096)
	require.NoError(t, err)
	defer f.Close()

	off, err := f.Allocate(16, 7)
	require.NoError(t, err)
	buf := f.Bytes(off, 16)
	copy(buf, "0123456789abcdef")
	f.Flush(off, 16)

	require.Equal(t, "0123456789abcdef", string(f.Bytes(off, 16)))
	require.Equal(t, off, f.Offset(f.Direct(off)))
}

func TestFileFacadeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.db")
	fh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	require.NoError(t, fh.Truncate(4096))

	f, err := NewFileFacade(fh, 4096)
	require.NoError(t, err)
	defer f.Close()

	off, err := f.Allocate(8, 7)
	require.NoError(t, err)
	copy(f.Bytes(off, 8), "durable!")
	f.PersistPtr(f.Direct(off), 8)
	require.NoError(t, f.Sync())

	require.Equal(t, "durable!", string(f.Bytes(off, 8)))
}

func TestFacadeOffsetZeroIsNil(t *testing.T) {
	f, err := NewMemoryFacade(64)
	require.NoError(t, err)
	defer f.Close()

	require.Nil(t, f.Direct(0))
	require.EqualValues(t, 0, f.Offset(nil))
	var nilPtr unsafe.Pointer
	require.EqualValues(t, 0, f.Offset(nilPtr))
}
