// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package run defines the uniform contract the engine uses over the two
// run file formats (flatrun, btreerun), and the Run/List types built on
// top of it that carry the run-list bookkeeping: each run's
// input-sequence range and the contiguity invariant over the whole list.
package run

// FeedResult mirrors the three-state result of File.Feed.
type FeedResult int

const (
	WantMore FeedResult = iota
	Success
)

// Compare compares two keys as bytes.Compare does.
type Compare func(a, b []byte) int

// Reader is a sequential, forward-only reader over a run's entries, used
// by the merge scheduler to walk two inputs in lockstep.
type Reader interface {
	// Advance moves to the next entry, returning false at EOF or error.
	Advance() bool
	Key() []byte
	Value() []byte
	EOF() bool
	Err() error
}

// File is the uniform contract the engine uses over both run formats.
type File interface {
	// Feed appends one entry during the build phase; entries must arrive
	// in strictly increasing key order under the run's comparator.
	Feed(key, value []byte) (FeedResult, error)

	// DoneFeeding finalizes the file. A false return means BuildFile must
	// be called (possibly repeatedly) to finish background work before
	// the file is queryable.
	DoneFeeding() (ready bool, err error)

	// BuildFile advances background build work for multi-phase formats.
	// Both formats in this package complete synchronously in DoneFeeding,
	// so their BuildFile does no work and reports ready.
	BuildFile() (ready bool, err error)

	// GetBuildState serializes enough state to resume the file after a
	// restart. Only valid to call right after Feed returns Success.
	GetBuildState() []byte

	// Query performs a random-access exact-match lookup.
	Query(target []byte) (value []byte, found bool, err error)

	// CreateReader opens a sequential reader positioned before the first
	// entry.
	CreateReader() (Reader, error)

	// RecreateReader restores a sequential reader from GetReaderState.
	RecreateReader(state []byte) (Reader, error)

	// GetReaderState serializes a reader's current position.
	GetReaderState(r Reader) []byte

	// Destroy releases in-memory resources and, if erase is true, unlinks
	// the backing files.
	Destroy(erase bool) error
}
