// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package bztree

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
)

// TestDataDriven runs the end-to-end scenarios of testdata/ as scripted
// sequences of tree operations, one file per scenario, in the style
// pebble's own sstable/compaction suites use datadriven for.
//
// Commands:
//
//	insert <key> <value>     -> "ok" or the error code
//	read <key>                -> "<value>" or the error code
//	update <key> <value>      -> "ok" or the error code
//	upsert <key> <value>      -> "ok" or the error code
//	delete <key>              -> "ok" or the error code
//	scan [<lo> <hi>]          -> one "<key> <value>" line per record
//	dump                      -> Dump via tablewriter/asciigraph
func TestDataDriven(t *testing.T) {
	datadriven.Walk(t, "testdata/scenarios", func(t *testing.T, path string) {
		tr := New(&Options{
			LeafNodeSize:       256,
			LeafMaxRecords:     16,
			InternalNodeFanout: 4,
			DisableRecoveryLog: true,
		})

		datadriven.RunTest(t, path, func(t *testing.T, td *datadriven.TestData) string {
			switch td.Cmd {
			case "insert":
				key, value := mustKV(t, td)
				err := tr.Insert([]byte(key), value)
				return resultLine(err)

			case "update":
				key, value := mustKV(t, td)
				err := tr.Update([]byte(key), value)
				return resultLine(err)

			case "upsert":
				key, value := mustKV(t, td)
				err := tr.Upsert([]byte(key), value)
				return resultLine(err)

			case "delete":
				key := td.CmdArgs[0].String()
				err := tr.Delete([]byte(key))
				return resultLine(err)

			case "read":
				key := td.CmdArgs[0].String()
				v, err := tr.Read([]byte(key))
				if err != nil {
					return resultLine(err)
				}
				return strconv.FormatUint(v, 10)

			case "scan":
				var lo, hi []byte
				if len(td.CmdArgs) >= 2 {
					lo = []byte(td.CmdArgs[0].String())
					hi = []byte(td.CmdArgs[1].String())
				}
				records := tr.RangeScan(lo, hi)
				var sb strings.Builder
				for _, r := range records {
					fmt.Fprintf(&sb, "%s %d\n", r.key, r.value)
				}
				return sb.String()

			case "dump":
				var sb strings.Builder
				tr.Dump(&sb)
				return sb.String()

			default:
				t.Fatalf("unknown command: %s", td.Cmd)
				return ""
			}
		})
	})
}

func mustKV(t *testing.T, td *datadriven.TestData) (string, uint64) {
	t.Helper()
	if len(td.CmdArgs) != 2 {
		t.Fatalf("expected <key> <value>, got %v", td.CmdArgs)
	}
	key := td.CmdArgs[0].String()
	value, err := strconv.ParseUint(td.CmdArgs[1].String(), 10, 64)
	if err != nil {
		t.Fatalf("bad value %q: %v", td.CmdArgs[1].String(), err)
	}
	return key, value
}

func resultLine(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}
