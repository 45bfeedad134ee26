// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArenaAllocReservesOffsetZero(t *testing.T) {
	a := New(64)
	require.EqualValues(t, 1, a.Len())
	require.Nil(t, a.Bytes(0, 8))
}

func TestArenaAllocGrows(t *testing.T) {
	a := New(64)
	off1, err := a.Alloc(8, 7)
	require.NoError(t, err)
	off2, err := a.Alloc(8, 7)
	require.NoError(t, err)
	require.NotEqual(t, off1, off2)
	require.Greater(t, off2, off1)
}

func TestArenaAllocFull(t *testing.T) {
	a := New(32)
	_, err := a.Alloc(8, 7)
	require.NoError(t, err)
	_, err = a.Alloc(64, 7)
	require.ErrorIs(t, err, ErrFull)
	// A failed allocation must not have consumed capacity: a subsequent
	// small allocation that fits should still succeed.
	_, err = a.Alloc(4, 3)
	require.NoError(t, err)
}

func TestArenaPointerRoundTrip(t *testing.T) {
	a := New(64)
	off, err := a.Alloc(8, 7)
	require.NoError(t, err)
	ptr := a.Pointer(off)
	require.Equal(t, off, a.Offset(ptr))
	require.Nil(t, a.Pointer(0))
	require.EqualValues(t, 0, a.Offset(nil))
}
