// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package bztree

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/guptarohit/asciigraph"
	"github.com/klauspost/compress/gzip"
	"github.com/olekukonko/tablewriter"
)

// Dump writes a human-readable rendering of the tree's current shape to
// w: one table row per leaf reached by a full traversal, its record
// count, space utilization, and frozen state, followed by an ASCII plot
// of per-leaf utilization. Intended for interactive debugging, the role
// core spec §13 carves out for logging/CLI-adjacent tooling even though
// the CLI itself is a non-goal.
func (t *Tree) Dump(w io.Writer) {
	guard := t.epoch.Protect()
	defer t.epoch.Unprotect(guard)

	var rows []leafSummary
	t.walkLeaves(atomic.LoadUint64(&t.rootWord), 0, &rows)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"depth", "records", "used", "capacity", "frozen"})
	utilization := make([]float64, len(rows))
	for i, r := range rows {
		table.Append([]string{
			fmt.Sprintf("%d", r.depth),
			fmt.Sprintf("%d", r.records),
			fmt.Sprintf("%d", r.used),
			fmt.Sprintf("%d", r.capacity),
			fmt.Sprintf("%t", r.frozen),
		})
		if r.capacity > 0 {
			utilization[i] = float64(r.used) / float64(r.capacity) * 100
		}
	}
	table.Render()

	if len(utilization) > 1 {
		fmt.Fprintln(w, asciigraph.Plot(utilization, asciigraph.Height(10), asciigraph.Caption("leaf utilization %")))
	}
}

type leafSummary struct {
	depth    int
	records  int
	used     uint32
	capacity uint32
	frozen   bool
}

func (t *Tree) walkLeaves(word uint64, depth int, out *[]leafSummary) {
	leaf, internal := unpackChild(word)
	if leaf != nil {
		sw := leaf.StatusWord()
		*out = append(*out, leafSummary{
			depth:    depth,
			records:  leaf.RecordCount(),
			used:     sw.UsedSpace(metadataSize),
			capacity: leaf.records.Cap(),
			frozen:   sw.Frozen(),
		})
		return
	}
	for i := 0; i < internal.Len(); i++ {
		t.walkLeaves(internal.ChildWordAt(i), depth+1, out)
	}
}

// SaveSnapshot writes every visible record as "key value\n" lines,
// gzip-compressed, to w: a portable export format independent of the
// in-memory node layout, for copying a tree's contents between processes
// or into a test fixture.
func (t *Tree) SaveSnapshot(w io.Writer) error {
	gz := gzip.NewWriter(w)
	bw := bufio.NewWriter(gz)
	for _, r := range t.RangeScan(nil, nil) {
		if _, err := fmt.Fprintf(bw, "%s %d\n", hex.EncodeToString(r.key), r.value); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return gz.Close()
}

// LoadSnapshot reads records previously written by SaveSnapshot and
// Upserts each into t.
func (t *Tree) LoadSnapshot(r io.Reader) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		key, err := hex.DecodeString(fields[0])
		if err != nil {
			return err
		}
		var value uint64
		if _, err := fmt.Sscanf(fields[1], "%d", &value); err != nil {
			return err
		}
		if err := t.Upsert(key, value); err != nil {
			return err
		}
	}
	return scanner.Err()
}

