// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package gsktable

import "bytes"

// Compare compares two keys, returning <0, 0, or >0 the way bytes.Compare
// does. The default, when Options.Compare is nil, is bytes.Compare.
type Compare func(a, b []byte) int

// MergeResult is returned by a Merge func to say how two values for the
// same key combine.
type MergeResult int

const (
	// MergeReturnA keeps the older value unchanged.
	MergeReturnA MergeResult = iota
	// MergeReturnB keeps the newer value unchanged.
	MergeReturnB
	// MergeSuccess means the merged value was written to the output Buffer.
	MergeSuccess
	// MergeDrop deletes the entry entirely.
	MergeDrop
)

// Merge combines the existing value for a key with a newly inserted value.
// If it returns MergeSuccess, the merged bytes must have been written to
// out. a is always the older value and b the newer one, whichever
// direction the query walk takes.
type Merge func(key, a, b []byte, out *Buffer) MergeResult

// SimplifyResult is returned by a Simplify func.
type SimplifyResult int

const (
	// SimplifyIdentity leaves the value unchanged.
	SimplifyIdentity SimplifyResult = iota
	// SimplifySuccess means the simplified value was written to out.
	SimplifySuccess
	// SimplifyDelete removes the entry.
	SimplifyDelete
)

// Simplify is applied when a merge consumes the entry at input-sequence
// zero (the earliest known history for a key), letting the value be
// reduced or dropped now that no older history remains to merge against.
type Simplify func(key, value []byte, out *Buffer) SimplifyResult

// Stable reports whether further folds of key's accumulator cannot change
// the final answer, letting a query walk terminate early.
type Stable func(key, value []byte) bool

// JournalMode controls how aggressively inserts are made durable before
// the next flush-driven checkpoint.
type JournalMode int

const (
	// JournalDefault journals every insert as it's applied. The zero
	// value, so a zero Options never silently loses acknowledged writes.
	JournalDefault JournalMode = iota
	// JournalOccasionally writes every insert record but only fsyncs the
	// tail every 32 appends (and on Close). A crash can lose the
	// unsynced batch; recovery still never replays a torn record.
	JournalOccasionally
	// JournalNone never journals inserts, only checkpoints. Fastest;
	// loses unflushed writes on crash.
	JournalNone
)

// OpenFlags controls what Open is permitted to do to the directory.
type OpenFlags struct {
	// AllowCreate permits creating a new, empty store at dir.
	AllowCreate bool
	// AllowOpenExisting permits opening a directory with an existing store.
	AllowOpenExisting bool
}

// Options configures an Engine. Compare is mandatory in spirit (bytes.Compare
// is substituted when nil). Compare/Merge/Simplify all take explicit-length
// byte slices, and gsktable only implements variable length (explicit
// lengths stored), so FixedKeyLen/FixedValueLen are zero unless explicitly
// set, and must be set consistently across keys/values that opt in.
type Options struct {
	Compare  Compare
	Merge    Merge
	Simplify Simplify
	Stable   Stable

	JournalMode JournalMode

	// MaxInMemoryEntries bounds the memtable's entry count before a flush.
	MaxInMemoryEntries int
	// MaxInMemoryBytes bounds the memtable's summed key+value bytes.
	MaxInMemoryBytes int64

	// FixedKeyLen, if nonzero, means every key has exactly this length;
	// Insert and Lookup reject keys of any other length. The length is
	// still stored explicitly on disk.
	FixedKeyLen int
	// FixedValueLen, if nonzero, means every value has exactly this length.
	FixedValueLen int

	// UseBTreeFormat selects the B-tree run format (§4.C) instead of the
	// default flat run format (§4.B) for newly created runs.
	UseBTreeFormat bool

	// Chronological selects oldest-first query order. The zero value
	// (false) is reverse-chronological (youngest first), the default.
	Chronological bool

	// MaxRunningTasks bounds the merge scheduler's concurrently started
	// tasks. Zero selects the default of 4.
	MaxRunningTasks int
	// MaxMergeRatioQ16 bounds the size-imbalance ratio (Q16 fixed point)
	// a task may have and still be started. Zero selects the default of
	// 3<<16.
	MaxMergeRatioQ16 uint32

	// ChecksumBlocks enables a per-block xxhash64 checksum in the flat run
	// format.
	ChecksumBlocks bool

	// FlatBlockSize bounds the uncompressed size of a flat run block.
	// Zero selects flatrun.DefaultBlockSize (16KiB).
	FlatBlockSize int
	// FlatCacheBlocks bounds the number of decompressed blocks a flat
	// run reader keeps cached. Zero selects a default of 64.
	FlatCacheBlocks int

	// CheckpointInterval is how many memtable flushes elapse between two
	// journal checkpoints. Zero selects a default of 3. Flushes between
	// checkpoints still grow
	// the journal tail, which Recover replays on top of the last
	// checkpoint, so no durability is lost between checkpoints.
	CheckpointInterval int

	Logger Logger
}

func (o *Options) compare() Compare {
	if o.Compare != nil {
		return o.Compare
	}
	return bytes.Compare
}

func (o *Options) logger() Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return defaultLogger
}

func (o *Options) maxInMemoryEntries() int {
	if o.MaxInMemoryEntries > 0 {
		return o.MaxInMemoryEntries
	}
	return 2048
}

func (o *Options) maxInMemoryBytes() int64 {
	if o.MaxInMemoryBytes > 0 {
		return o.MaxInMemoryBytes
	}
	return 1 << 20
}

func (o *Options) maxRunningTasks() int {
	if o.MaxRunningTasks > 0 {
		return o.MaxRunningTasks
	}
	return 4
}

func (o *Options) maxMergeRatioQ16() uint32 {
	if o.MaxMergeRatioQ16 > 0 {
		return o.MaxMergeRatioQ16
	}
	return 3 << 16
}

func (o *Options) flatBlockSize() int {
	if o.FlatBlockSize > 0 {
		return o.FlatBlockSize
	}
	return 16 * 1024
}

func (o *Options) flatCacheBlocks() int {
	if o.FlatCacheBlocks > 0 {
		return o.FlatCacheBlocks
	}
	return 64
}

func (o *Options) checkpointInterval() int {
	if o.CheckpointInterval > 0 {
		return o.CheckpointInterval
	}
	return 3
}

// validate checks option-combination invariants that are configuration
// errors rather than runtime errors: negative fixed lengths or in-memory
// limits, and a Simplify without a Merge, which makes no sense since
// Simplify only ever fires as part of a merge step.
func (o *Options) validate() error {
	if o.FixedKeyLen < 0 || o.FixedValueLen < 0 {
		return ConfigErrorf("negative fixed length")
	}
	if o.MaxInMemoryEntries < 0 || o.MaxInMemoryBytes < 0 {
		return ConfigErrorf("negative in-memory limit")
	}
	if o.Simplify != nil && o.Merge == nil {
		return ConfigErrorf("Simplify configured without Merge")
	}
	return nil
}

// ReplacementOptions returns Options configured with "last write wins"
// merge semantics plus an always-stable predicate: the first fold seen
// under the configured chronological direction is final, so the query
// walk can stop immediately. The short-circuit is only valid in the
// default reverse-chronological direction, where the first value found
// is the newest.
func ReplacementOptions(cmp Compare) *Options {
	return &Options{
		Compare: cmp,
		Merge: func(key, a, b []byte, out *Buffer) MergeResult {
			return MergeReturnB
		},
		Stable: func(key, value []byte) bool {
			return true
		},
	}
}
