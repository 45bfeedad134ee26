// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package bztree

import (
	"github.com/bzstore/bztree/internal/base"
)

const (
	// defaultLeafNodeSize is the record region capacity a LeafNode is
	// given when Options.LeafNodeSize is left unset.
	defaultLeafNodeSize = 4096
	// defaultInternalNodeFanout is the entry capacity an InternalNode is
	// given when Options.InternalNodeFanout is left unset.
	defaultInternalNodeFanout = 64
	// defaultLeafMaxRecords bounds a LeafNode's metadata array; keeping it
	// a fixed multiple of the node size means PrepareForSplit never needs
	// to distinguish "out of metadata slots" from "out of record bytes" in
	// the common case.
	defaultLeafMaxRecords = defaultLeafNodeSize / metadataSize
	// defaultMaxFreezeRetry bounds LeafNode.Freeze's CAS loop; the spec
	// only requires this be finite, so the exact value is a liveness
	// tuning knob, not a correctness one.
	defaultMaxFreezeRetry = 3
)

// Options configures a Tree, mirroring the role cockroachdb/pebble's
// Options struct plays for a Pebble instance: every field has a usable
// zero value, and EnsureDefaults fills in the rest.
type Options struct {
	// LeafNodeSize is the byte capacity of each leaf's record region.
	LeafNodeSize uint32
	// SplitThreshold is the used-space bound (metadata + padded keys +
	// payloads) a leaf may reach before Insert reports NotEnoughSpace and
	// the driver runs a split, core spec §4.2/§6's split_threshold. Left
	// unset, it defaults to LeafNodeSize, so a leaf only splits once its
	// record region is essentially full; setting it lower reserves
	// headroom and triggers splits earlier.
	SplitThreshold uint32
	// MergeThreshold is reserved configuration for a node-merge-on-delete
	// SMO. Core spec §9 leaves merge as an explicit open question and
	// this port does not implement it (see DESIGN.md); the field is
	// carried so a future merge SMO has a configuration home without an
	// Options-shape change.
	MergeThreshold uint32
	// LeafMaxRecords bounds the number of metadata slots a leaf carries.
	LeafMaxRecords int
	// InternalNodeFanout bounds the number of entries an internal node
	// carries before PrepareForSplit triggers.
	InternalNodeFanout int
	// MaxFreezeRetry bounds how many times LeafNode.Freeze retries its
	// CAS against concurrent status-word updates before giving up and
	// letting the caller's retraversal make progress instead (core
	// spec's MAX_FREEZE_RETRY liveness bound). Zero (the default, left
	// unset) picks defaultMaxFreezeRetry; a negative value explicitly
	// requests unbounded retries.
	MaxFreezeRetry int

	// Logger is carried on Options and defaults to base.DefaultLogger{}.
	// No Tree operation writes to it; Dump writes to the io.Writer it is
	// given.
	Logger base.Logger

	// Metrics, if non-nil, receives counters and latency histograms for
	// every Tree operation. Construct one with NewMetrics and share it
	// across Trees that should report to the same prometheus registry.
	Metrics *Metrics

	// DisableRecoveryLog skips wiring a mwcas.RecoveryLog into the Tree's
	// PMwCAS engine. Tests that don't care about crash recovery set this
	// to avoid the log's bookkeeping overhead.
	DisableRecoveryLog bool
}

// EnsureDefaults returns a copy of o with every unset field given its
// default value. Safe to call on a nil *Options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	} else {
		clone := *o
		o = &clone
	}
	if o.LeafNodeSize == 0 {
		o.LeafNodeSize = defaultLeafNodeSize
	}
	if o.SplitThreshold == 0 {
		o.SplitThreshold = o.LeafNodeSize
	}
	if o.LeafMaxRecords == 0 {
		o.LeafMaxRecords = defaultLeafMaxRecords
	}
	if o.InternalNodeFanout == 0 {
		o.InternalNodeFanout = defaultInternalNodeFanout
	}
	if o.MaxFreezeRetry == 0 {
		o.MaxFreezeRetry = defaultMaxFreezeRetry
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger{}
	}
	return o
}
