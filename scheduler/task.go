// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package scheduler implements the background merge scheduler: the
// unstarted/started task sets, the size-imbalance-ratio start policy, and
// the cooperative step loop that drives merges forward a bounded number
// of records at a time.
package scheduler

import (
	"github.com/novator24/gsktable/run"
)

// TaskState is a merge task's lifecycle stage.
type TaskState int

const (
	Unstarted TaskState = iota
	Started
	Done
)

// Task is a plan (Unstarted) or in-progress job (Started) that fuses two
// adjacent runs into one.
type Task struct {
	state TaskState

	older, younger *run.Run // older.FirstInputEntry < younger.FirstInputEntry

	// Started fields.
	readerOlder, readerYounger run.Reader
	oAdvanced, yAdvanced       bool // has Advance() been called for the current position
	output                     run.File
	outputRun                  *run.Run
	lastQueryableKey           []byte

	// atBoundary reports whether the output's last Feed returned Success
	// (or nothing has been fed yet), i.e. the builder sits at a flushed
	// block boundary where GetBuildState is valid. A checkpoint may only
	// snapshot the task while this holds.
	atBoundary bool
}

// RatioQ16 is the Q16.16 fixed-point size-imbalance ratio
// entries(older)/entries(younger), clamped to fit 32 bits. Smaller is a
// better (more eagerly started) candidate.
func (t *Task) RatioQ16() uint32 {
	older := t.older.NEntries
	younger := t.younger.NEntries
	if younger == 0 {
		younger = 1
	}
	ratio := (older << 16) / younger
	if ratio > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(ratio)
}

// TotalInputEntries is the sum of both inputs' entry counts, the key the
// started-task list is ordered by (ascending, so the cheapest merge
// finishes first).
func (t *Task) TotalInputEntries() uint64 {
	return t.older.NEntries + t.younger.NEntries
}

// LastQueryableKey returns the highest key already durably written to the
// output, or nil if nothing has been flushed yet. The engine's query walk
// does not use it: queries read the two inputs until the task completes.
func (t *Task) LastQueryableKey() []byte { return t.lastQueryableKey }

// OutputRun returns the task's in-progress output run, valid once Started.
func (t *Task) OutputRun() *run.Run { return t.outputRun }

// State returns the task's lifecycle stage.
func (t *Task) State() TaskState { return t.state }

// Older, Younger expose the two input runs.
func (t *Task) Older() *run.Run   { return t.older }
func (t *Task) Younger() *run.Run { return t.younger }

// ReaderOlder, ReaderYounger, Output expose a started task's in-progress
// readers and output file, so the engine can serialize their state into a
// checkpoint.
func (t *Task) ReaderOlder() run.Reader   { return t.readerOlder }
func (t *Task) ReaderYounger() run.Reader { return t.readerYounger }
func (t *Task) Output() run.File          { return t.output }

// AtBoundary reports whether the task's output builder sits at a flushed
// block boundary, the only state a checkpoint may serialize it in.
func (t *Task) AtBoundary() bool { return t.atBoundary }

// OlderAdvanced, YoungerAdvanced report whether each reader's current
// record has been peeked but not yet consumed into the output. A
// checkpoint persists these alongside the reader states so a resumed
// merge neither re-feeds an already-consumed record nor skips a peeked
// one.
func (t *Task) OlderAdvanced() bool   { return t.oAdvanced }
func (t *Task) YoungerAdvanced() bool { return t.yAdvanced }
