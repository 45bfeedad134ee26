// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package mwcas

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestDescriptorSingleEntryCommits(t *testing.T) {
	pool := NewDescriptorPool(nil)
	var word uint64 = 10

	d := pool.Allocate()
	d.AddEntry(&word, 10, 20)
	require.True(t, d.MwCAS())
	require.EqualValues(t, 20, atomic.LoadUint64(&word))
}

func TestDescriptorMultiEntryIsAtomic(t *testing.T) {
	pool := NewDescriptorPool(nil)
	var a, b uint64 = 1, 2

	d := pool.Allocate()
	d.AddEntry(&a, 1, 100)
	d.AddEntry(&b, 2, 200)
	require.True(t, d.MwCAS())
	require.EqualValues(t, 100, atomic.LoadUint64(&a))
	require.EqualValues(t, 200, atomic.LoadUint64(&b))
}

func TestDescriptorFailsOnStaleExpected(t *testing.T) {
	pool := NewDescriptorPool(nil)
	var word uint64 = 10
	atomic.StoreUint64(&word, 999)

	d := pool.Allocate()
	d.AddEntry(&word, 10, 20)
	require.False(t, d.MwCAS())
	require.EqualValues(t, 999, atomic.LoadUint64(&word), "a failed MwCAS must not touch the word")
}

func TestDescriptorPartialFailureRollsBack(t *testing.T) {
	pool := NewDescriptorPool(nil)
	var a, b uint64 = 1, 999 // b does not match its expected value

	d := pool.Allocate()
	d.AddEntry(&a, 1, 100)
	d.AddEntry(&b, 2, 200)
	require.False(t, d.MwCAS())
	require.EqualValues(t, 1, atomic.LoadUint64(&a), "entry installed before the failing one must roll back")
	require.EqualValues(t, 999, atomic.LoadUint64(&b))
}

func TestDescriptorReserveAndAddEntry(t *testing.T) {
	pool := NewDescriptorPool(nil)
	var word uint64 = 5

	d := pool.Allocate()
	idx := d.ReserveAndAddEntry(&word, 5, RecycleNone)
	*d.GetNewValuePtr(idx) = 42
	require.True(t, d.MwCAS())
	require.EqualValues(t, 42, atomic.LoadUint64(&word))
}

func TestDescriptorFinishAbandonsReservedSlot(t *testing.T) {
	var recycled []uint64
	pool := NewDescriptorPool(func(offset uint64) { recycled = append(recycled, offset) })
	var word uint64 = 5

	d := pool.Allocate()
	idx := d.ReserveAndAddEntry(&word, 5, RecycleNewOnFailure)
	*d.GetNewValuePtr(idx) = 999
	d.Finish()
	require.EqualValues(t, 5, atomic.LoadUint64(&word), "Finish must not touch the target word")
}

func TestConcurrentMwCASOnSameWordExactlyOneWins(t *testing.T) {
	pool := NewDescriptorPool(nil)
	var word uint64 = 0

	const n = 32
	var wins atomic.Int32
	var g errgroup.Group
	var start sync.WaitGroup
	start.Add(1)
	for i := 1; i <= n; i++ {
		i := uint64(i)
		g.Go(func() error {
			start.Wait()
			d := pool.Allocate()
			d.AddEntry(&word, 0, i)
			if d.MwCAS() {
				wins.Add(1)
			}
			return nil
		})
	}
	start.Done()
	require.NoError(t, g.Wait())
	require.EqualValues(t, 1, wins.Load())
	require.NotZero(t, atomic.LoadUint64(&word))
}

func TestEpochManagerRetiresOnlyAfterGuardsExit(t *testing.T) {
	var reclaimed []uint64
	m := NewEpochManager(func(offset uint64) { reclaimed = append(reclaimed, offset) })

	g1 := m.Protect()
	m.Retire(111)
	require.Empty(t, reclaimed, "must not reclaim while g1 is still active")

	m.Unprotect(g1)
	g2 := m.Protect()
	m.Retire(222)
	require.Contains(t, reclaimed, uint64(111))

	m.Unprotect(g2)
	require.Contains(t, reclaimed, uint64(222))
}

func TestRecoveryLogRoundTrip(t *testing.T) {
	log := NewRecoveryLog()
	require.NoError(t, log.Append([]uint64{1, 2}, []uint64{10, 20}, []uint64{11, 21}))
	require.NoError(t, log.Append([]uint64{3}, []uint64{30}, []uint64{31}))

	var applied [][]uint64
	require.NoError(t, Replay(log.Bytes(), func(addresses, expected, desired []uint64) {
		applied = append(applied, desired)
	}))
	require.Len(t, applied, 2)
	require.Equal(t, []uint64{11, 21}, applied[0])
	require.Equal(t, []uint64{31}, applied[1])
}
