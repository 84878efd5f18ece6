// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package run

// Format identifies which run file format backs a Run, so the engine's
// checkpoint writer knows how to reopen it after a restart.
type Format int

const (
	FormatFlat Format = iota
	FormatBTree
)

// Run is an immutable sorted on-disk file plus the input-sequence range
// it covers. Runs are totally ordered by FirstInputEntry; the full run
// list covers [0, totalInserts) contiguously without gaps or overlaps.
type Run struct {
	ID              uint64
	File            File
	Format          Format
	FirstInputEntry uint64
	NInputEntries   uint64
	NEntries        uint64
}

// List is the ordered, contiguous sequence of runs, implemented as a
// plain slice indexed by position rather than a linked list: runs are
// only ever removed from the middle (a completed merge swaps its two
// inputs for one output) or appended (a flush), both O(n) either way for
// a slice, and a slice keeps iteration and binary search trivial.
type List struct {
	runs []*Run
}

// Append adds a newly-built run, which must cover the input-sequence
// range immediately following the list's current end.
func (l *List) Append(r *Run) error {
	if len(l.runs) > 0 {
		last := l.runs[len(l.runs)-1]
		if r.FirstInputEntry != last.FirstInputEntry+last.NInputEntries {
			return errNonContiguous
		}
	}
	l.runs = append(l.runs, r)
	return nil
}

var errNonContiguous = &listError{"run: appended run does not extend the contiguous range"}

type listError struct{ msg string }

func (e *listError) Error() string { return e.msg }

// Len returns the number of runs.
func (l *List) Len() int { return len(l.runs) }

// At returns the run at position i, youngest-last (i.e. At(Len()-1) is
// the most recently created run).
func (l *List) At(i int) *Run { return l.runs[i] }

// All returns the runs in ascending FirstInputEntry order. The returned
// slice must not be mutated.
func (l *List) All() []*Run { return l.runs }

// TotalInputEntries returns the sum of NInputEntries across all runs, the
// low end of the memtable's logical position.
func (l *List) TotalInputEntries() uint64 {
	if len(l.runs) == 0 {
		return 0
	}
	last := l.runs[len(l.runs)-1]
	return last.FirstInputEntry + last.NInputEntries
}

// ReplaceAdjacent replaces the two adjacent runs at positions i, i+1 with
// a single output run, preserving list order. It panics (an
// InvariantViolation in spirit) if the two runs are not in fact adjacent
// in the list or if out doesn't cover exactly their combined range.
func (l *List) ReplaceAdjacent(i int, out *Run) {
	a, b := l.runs[i], l.runs[i+1]
	if out.FirstInputEntry != a.FirstInputEntry || out.NInputEntries != a.NInputEntries+b.NInputEntries {
		panic("run: merge output does not cover exactly its two inputs' range")
	}
	next := append([]*Run{out}, l.runs[i+2:]...)
	l.runs = append(l.runs[:i], next...)
}

// IndexOf returns the position of run r in the list, or -1.
func (l *List) IndexOf(r *Run) int {
	for i, x := range l.runs {
		if x == r {
			return i
		}
	}
	return -1
}
