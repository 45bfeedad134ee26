// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package bztree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	berrors "github.com/bzstore/bztree/errors"
	"github.com/bzstore/bztree/internal/mwcas"
)

func newTestLeaf(t *testing.T) (*LeafNode, *mwcas.EpochManager) {
	t.Helper()
	epoch := mwcas.NewEpochManager(nil)
	pool := mwcas.NewDescriptorPool(epoch.Retire)
	return NewLeafNode(32, 4096, 4096, pool, epoch), epoch
}

func TestLeafInsertAndRead(t *testing.T) {
	leaf, epoch := newTestLeaf(t)
	g := epoch.Protect()
	defer epoch.Unprotect(g)

	require.NoError(t, leaf.Insert([]byte("abc"), 100, g.Epoch()))
	v, err := leaf.Read([]byte("abc"))
	require.NoError(t, err)
	require.EqualValues(t, 100, v)
}

func TestLeafInsertDuplicateKeyFails(t *testing.T) {
	leaf, epoch := newTestLeaf(t)
	g := epoch.Protect()
	defer epoch.Unprotect(g)

	require.NoError(t, leaf.Insert([]byte("abc"), 100, g.Epoch()))
	err := leaf.Insert([]byte("abc"), 200, g.Epoch())
	require.ErrorIs(t, err, berrors.KeyExists)

	v, err := leaf.Read([]byte("abc"))
	require.NoError(t, err)
	require.EqualValues(t, 100, v, "the losing insert must not have overwritten the original value")
}

func TestLeafReadMissing(t *testing.T) {
	leaf, _ := newTestLeaf(t)
	_, err := leaf.Read([]byte("nope"))
	require.ErrorIs(t, err, berrors.NotFound)
}

func TestLeafUpdate(t *testing.T) {
	leaf, epoch := newTestLeaf(t)
	g := epoch.Protect()
	defer epoch.Unprotect(g)

	require.NoError(t, leaf.Insert([]byte("abc"), 1, g.Epoch()))
	require.NoError(t, leaf.Update([]byte("abc"), 2))
	v, err := leaf.Read([]byte("abc"))
	require.NoError(t, err)
	require.EqualValues(t, 2, v)
}

func TestLeafUpdateMissingFails(t *testing.T) {
	leaf, _ := newTestLeaf(t)
	err := leaf.Update([]byte("abc"), 1)
	require.ErrorIs(t, err, berrors.NotFound)
}

func TestLeafDelete(t *testing.T) {
	leaf, epoch := newTestLeaf(t)
	g := epoch.Protect()
	defer epoch.Unprotect(g)

	require.NoError(t, leaf.Insert([]byte("abc"), 1, g.Epoch()))
	require.NoError(t, leaf.Delete([]byte("abc")))
	_, err := leaf.Read([]byte("abc"))
	require.ErrorIs(t, err, berrors.NotFound)
}

func TestLeafDeleteThenInsertSucceeds(t *testing.T) {
	leaf, epoch := newTestLeaf(t)
	g := epoch.Protect()
	defer epoch.Unprotect(g)

	require.NoError(t, leaf.Insert([]byte("abc"), 1, g.Epoch()))
	require.NoError(t, leaf.Delete([]byte("abc")))
	require.NoError(t, leaf.Insert([]byte("abc"), 2, g.Epoch()))
	v, err := leaf.Read([]byte("abc"))
	require.NoError(t, err)
	require.EqualValues(t, 2, v)
}

func TestLeafFreezeBlocksFurtherInserts(t *testing.T) {
	leaf, epoch := newTestLeaf(t)
	g := epoch.Protect()
	defer epoch.Unprotect(g)

	require.True(t, leaf.Freeze())
	require.False(t, leaf.Freeze(), "a second Freeze on an already-frozen node reports false")
	err := leaf.Insert([]byte("abc"), 1, g.Epoch())
	require.ErrorIs(t, err, berrors.NodeFrozen)
}

func TestLeafVisibleRecordsSortedOrder(t *testing.T) {
	leaf, epoch := newTestLeaf(t)
	g := epoch.Protect()
	defer epoch.Unprotect(g)

	for _, k := range []string{"def", "bdef", "abc"} {
		require.NoError(t, leaf.Insert([]byte(k), 100, g.Epoch()))
	}
	records := leaf.visibleRecords()
	require.Len(t, records, 3)
	require.Equal(t, "abc", string(records[0].key))
	require.Equal(t, "bdef", string(records[1].key))
	require.Equal(t, "def", string(records[2].key))
}

func TestLeafRangeScan(t *testing.T) {
	leaf, epoch := newTestLeaf(t)
	g := epoch.Protect()
	defer epoch.Unprotect(g)

	for i := 0; i < 10; i++ {
		k := []byte(fmt.Sprintf("k%02d", i))
		require.NoError(t, leaf.Insert(k, uint64(i), g.Epoch()))
	}
	out := leaf.RangeScan([]byte("k03"), []byte("k07"))
	require.Len(t, out, 5)
	require.Equal(t, "k03", string(out[0].key))
	require.Equal(t, "k07", string(out[4].key))
}

func TestLeafConsolidateDropsDeletedAndSorts(t *testing.T) {
	leaf, epoch := newTestLeaf(t)
	g := epoch.Protect()

	for _, k := range []string{"def", "bdef", "abc"} {
		require.NoError(t, leaf.Insert([]byte(k), 100, g.Epoch()))
	}
	require.NoError(t, leaf.Delete([]byte("bdef")))
	epoch.Unprotect(g)

	require.True(t, leaf.Freeze())
	fresh := leaf.Consolidate(32, 4096, 4096)
	require.EqualValues(t, 2, fresh.RecordCount())
	require.EqualValues(t, 2, fresh.SortedCount())
	require.Zero(t, fresh.StatusWord().DeleteSize())

	records := fresh.visibleRecords()
	require.Equal(t, "abc", string(records[0].key))
	require.Equal(t, "def", string(records[1].key))
}

func TestLeafPrepareForSplitPicksHalfwayPoint(t *testing.T) {
	leaf, epoch := newTestLeaf(t)
	g := epoch.Protect()
	for i := 0; i < 20; i++ {
		k := []byte(fmt.Sprintf("k%03d", i))
		require.NoError(t, leaf.Insert(k, uint64(i), g.Epoch()))
	}
	epoch.Unprotect(g)

	records := leaf.visibleRecords()
	splitIndex, ok := leaf.PrepareForSplit(records, 4096)
	require.True(t, ok)
	require.Greater(t, splitIndex, 0)
	require.Less(t, splitIndex, len(records))
}

func TestLeafPrepareForSplitDeclinesTooFewRecords(t *testing.T) {
	leaf, epoch := newTestLeaf(t)
	g := epoch.Protect()
	require.NoError(t, leaf.Insert([]byte("abc"), 1, g.Epoch()))
	epoch.Unprotect(g)

	_, ok := leaf.PrepareForSplit(leaf.visibleRecords(), 4096)
	require.False(t, ok)
}

func TestLeafInsertNotEnoughSpace(t *testing.T) {
	epoch := mwcas.NewEpochManager(nil)
	pool := mwcas.NewDescriptorPool(epoch.Retire)
	leaf := NewLeafNode(4, 32, 32, pool, epoch)
	g := epoch.Protect()
	defer epoch.Unprotect(g)

	var lastErr error
	for i := 0; i < 4; i++ {
		k := []byte(fmt.Sprintf("key%d", i))
		lastErr = leaf.Insert(k, uint64(i), g.Epoch())
		if lastErr != nil {
			break
		}
	}
	require.ErrorIs(t, lastErr, berrors.NotEnoughSpace)
}
