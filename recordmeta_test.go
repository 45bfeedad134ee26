// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package bztree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordMetadataVacant(t *testing.T) {
	require.True(t, Vacant.Vacant())
	require.False(t, Vacant.Visible())
	require.False(t, Vacant.Inserting())
	require.False(t, Vacant.Deleted())
}

func TestRecordMetadataPrepareForInsert(t *testing.T) {
	m := PrepareForInsert(7)
	require.False(t, m.Vacant())
	require.True(t, m.Inserting())
	require.False(t, m.Visible())
	require.EqualValues(t, 7, m.Epoch())
}

func TestRecordMetadataFinalizeForInsert(t *testing.T) {
	m := FinalizeForInsert(123, 5, 16)
	require.True(t, m.Visible())
	require.False(t, m.Inserting())
	require.EqualValues(t, 123, m.Offset())
	require.EqualValues(t, 5, m.KeyLength())
	require.EqualValues(t, 16, m.TotalLength())
	require.EqualValues(t, 8, m.PaddedKeyLength())
}

func TestRecordMetadataAsDeleted(t *testing.T) {
	m := FinalizeForInsert(123, 5, 16)
	d := m.AsDeleted()
	require.True(t, d.Deleted())
	require.False(t, d.Visible())
	require.EqualValues(t, 5, d.KeyLength(), "length accounting survives deletion")
	require.EqualValues(t, 16, d.TotalLength())
}

// An abandoned Insert calls AsDeleted on a slot that never made it past
// PrepareForInsert, i.e. still has the inserting bit set and never had
// the visible bit at all. AsDeleted must clear inserting too, or the
// slot is stuck reporting Inserting() forever.
func TestRecordMetadataAsDeletedFromInserting(t *testing.T) {
	m := PrepareForInsert(7)
	require.True(t, m.Inserting())
	d := m.AsDeleted()
	require.True(t, d.Deleted())
	require.False(t, d.Inserting())
	require.False(t, d.Visible())
	require.False(t, d.Vacant())
}

func TestRecordMetadataWithOffsetKeyTotal(t *testing.T) {
	m := FinalizeForInsert(1, 1, 9)
	m2 := m.WithOffsetKeyTotal(200, 9, 16)
	require.True(t, m2.Visible())
	require.EqualValues(t, 200, m2.Offset())
	require.EqualValues(t, 9, m2.KeyLength())
	require.EqualValues(t, 16, m2.TotalLength())
}

func TestPadKeyLength(t *testing.T) {
	cases := map[uint32]uint32{0: 0, 1: 8, 7: 8, 8: 8, 9: 16}
	for in, want := range cases {
		require.EqualValues(t, want, PadKeyLength(in), "PadKeyLength(%d)", in)
	}
}

func TestRecordMetadataFieldsDoNotCollide(t *testing.T) {
	m := FinalizeForInsert(0xABCD, 0xABC, 0x1ABCD&rmTotalLenMask)
	require.EqualValues(t, 0xABCD&rmOffsetMask, m.Offset())
	require.EqualValues(t, 0xABC&rmKeyLenMask, m.KeyLength())
	require.Zero(t, uint64(m)&(uint64(1)<<63), "bit 63 is reserved for the PMwCAS pending marker")
}
