// Copyright 2024 The BzTree Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package mwcas

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/DataDog/zstd"
	"github.com/cespare/xxhash/v2"

	berrors "github.com/bzstore/bztree/errors"
)

// RecoveryLog is an append-only, zstd-compressed log of committed
// PMwCAS descriptors, giving concrete shape to the "recycle-on-recovery
// hook" core spec §3/§5 names but leaves to the (out-of-scope) PMwCAS
// engine's own durable descriptor pool. Each record is the address/
// expected/desired triples of one committed Descriptor plus an xxhash
// checksum; Replay hands every record whose checksum verifies to the
// caller's apply function and does not itself inspect the target words.
// Deciding per word whether to roll a record forward is apply's job.
type RecoveryLog struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// NewRecoveryLog creates an empty in-memory recovery log. Callers that
// want it durable wrap Bytes()/Replay around an internal/durable.Facade
// file.
func NewRecoveryLog() *RecoveryLog {
	return &RecoveryLog{}
}

// Append compresses and appends one descriptor's entries as a recovery
// record. Called right after a Descriptor.MwCAS() commits.
func (l *RecoveryLog) Append(addresses, expected, desired []uint64) error {
	raw := encodeRecord(addresses, expected, desired)
	compressed, err := zstd.Compress(nil, raw)
	if err != nil {
		return berrors.Wrap(err, "mwcas: recovery log compress failed")
	}
	sum := xxhash.Sum64(compressed)

	l.mu.Lock()
	defer l.mu.Unlock()
	var lenBuf [12]byte
	binary.LittleEndian.PutUint32(lenBuf[0:4], uint32(len(compressed)))
	binary.LittleEndian.PutUint64(lenBuf[4:12], sum)
	l.buf.Write(lenBuf[:])
	l.buf.Write(compressed)
	return nil
}

// Bytes returns the log's current contents.
func (l *RecoveryLog) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.buf.Bytes()...)
}

// Replay decodes a serialized log and invokes apply for each record whose
// checksum verifies. apply should CAS each (address, expected, desired)
// triple forward if the address's word is still expected, the standard
// PMwCAS recovery rule. Corrupt trailing bytes
// (a crash mid-append) are silently truncated, not treated as fatal: the
// last record's compressed bytes simply don't decode.
func Replay(log []byte, apply func(addresses, expected, desired []uint64)) error {
	for len(log) >= 12 {
		n := binary.LittleEndian.Uint32(log[0:4])
		sum := binary.LittleEndian.Uint64(log[4:12])
		log = log[12:]
		if uint32(len(log)) < n {
			break
		}
		compressed := log[:n]
		log = log[n:]
		if xxhash.Sum64(compressed) != sum {
			break
		}
		raw, err := zstd.Decompress(nil, compressed)
		if err != nil {
			break
		}
		addresses, expected, desired, ok := decodeRecord(raw)
		if !ok {
			break
		}
		apply(addresses, expected, desired)
	}
	return nil
}

func encodeRecord(addresses, expected, desired []uint64) []byte {
	n := len(addresses)
	buf := make([]byte, 4+24*n)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(n))
	off := 4
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(buf[off:], addresses[i])
		binary.LittleEndian.PutUint64(buf[off+8:], expected[i])
		binary.LittleEndian.PutUint64(buf[off+16:], desired[i])
		off += 24
	}
	return buf
}

func decodeRecord(buf []byte) (addresses, expected, desired []uint64, ok bool) {
	if len(buf) < 4 {
		return nil, nil, nil, false
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	if len(buf) < 4+24*n {
		return nil, nil, nil, false
	}
	addresses = make([]uint64, n)
	expected = make([]uint64, n)
	desired = make([]uint64, n)
	off := 4
	for i := 0; i < n; i++ {
		addresses[i] = binary.LittleEndian.Uint64(buf[off:])
		expected[i] = binary.LittleEndian.Uint64(buf[off+8:])
		desired[i] = binary.LittleEndian.Uint64(buf[off+16:])
		off += 24
	}
	return addresses, expected, desired, true
}
