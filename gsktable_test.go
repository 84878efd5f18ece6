// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package gsktable

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func openFresh(t *testing.T, opts *Options) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(dir, opts, OpenFlags{AllowCreate: true})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// TestInsertLookupBasic: a single insert is visible immediately, and a
// missing key reports not-found rather than an error.
func TestInsertLookupBasic(t *testing.T) {
	e := openFresh(t, &Options{})
	require.NoError(t, e.Insert([]byte("alpha"), []byte("1")))

	v, found, err := e.Lookup([]byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", string(v))

	_, found, err = e.Lookup([]byte("missing"))
	require.NoError(t, err)
	require.False(t, found)
}

// TestLastWriteWinsDefault exercises the default (no Merge configured)
// reverse-chronological walk: Lookup returns the newest value.
func TestLastWriteWinsDefault(t *testing.T) {
	e := openFresh(t, &Options{})
	for i := 0; i < 20; i++ {
		require.NoError(t, e.Insert([]byte("k"), []byte(fmt.Sprintf("v%d", i))))
	}
	v, found, err := e.Lookup([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v19", string(v))
}

// TestMergeFoldsAcrossRepeatedInserts: a configured Merge combines every
// value fed for a key, across repeated inserts into the same
// still-unflushed memtable generation.
func TestMergeFoldsAcrossRepeatedInserts(t *testing.T) {
	sum := func(key, a, b []byte, out *Buffer) MergeResult {
		out.SetBytes([]byte(fmt.Sprintf("%s+%s", a, b)))
		return MergeSuccess
	}
	e := openFresh(t, &Options{Merge: sum})
	require.NoError(t, e.Insert([]byte("k"), []byte("1")))
	require.NoError(t, e.Insert([]byte("k"), []byte("2")))
	require.NoError(t, e.Insert([]byte("k"), []byte("3")))

	v, found, err := e.Lookup([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1+2+3", string(v))
}

// TestMergeDropRemovesKey exercises the MergeDrop path end to end: a key
// merged away is indistinguishable from one never inserted.
func TestMergeDropRemovesKey(t *testing.T) {
	drop := func(key, a, b []byte, out *Buffer) MergeResult { return MergeDrop }
	e := openFresh(t, &Options{Merge: drop})
	require.NoError(t, e.Insert([]byte("k"), []byte("1")))
	require.NoError(t, e.Insert([]byte("k"), []byte("2")))

	_, found, err := e.Lookup([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

// TestFlushAcrossMemtableBoundaryPreservesData forces at least one flush by
// using a tiny MaxInMemoryEntries, then confirms every key inserted before
// and after the flush boundary is still found, through the full engine
// rather than a bare flatrun file.
func TestFlushAcrossMemtableBoundaryPreservesData(t *testing.T) {
	e := openFresh(t, &Options{MaxInMemoryEntries: 8})
	const n = 200
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%05d", i)
		require.NoError(t, e.Insert([]byte(k), []byte(fmt.Sprintf("val-%d", i))))
	}
	require.Greater(t, e.runs.Len(), 0, "at least one flush must have occurred")

	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%05d", i)
		v, found, err := e.Lookup([]byte(k))
		require.NoError(t, err)
		require.True(t, found, "key %s must survive across flush boundary", k)
		require.Equal(t, fmt.Sprintf("val-%d", i), string(v))
	}
}

// TestReopenRecoversUnflushedInserts exercises crash-safety: inserts
// journaled but never flushed into a run must reappear after Close/Open.
func TestReopenRecoversUnflushedInserts(t *testing.T) {
	dir := t.TempDir()
	e1, err := Open(dir, &Options{JournalMode: JournalDefault}, OpenFlags{AllowCreate: true})
	require.NoError(t, err)
	require.NoError(t, e1.Insert([]byte("a"), []byte("1")))
	require.NoError(t, e1.Insert([]byte("b"), []byte("2")))
	require.NoError(t, e1.Close())

	e2, err := Open(dir, &Options{JournalMode: JournalDefault}, OpenFlags{AllowOpenExisting: true})
	require.NoError(t, err)
	defer e2.Close()

	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}} {
		v, found, err := e2.Lookup([]byte(kv[0]))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, kv[1], string(v))
	}
}

// TestReopenAfterFlushSurvivesAcrossProcesses combines a flush with a
// reopen: once a run is checkpointed, data must survive even though the
// journal tail that produced it is gone.
func TestReopenAfterFlushSurvivesAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	opts := &Options{MaxInMemoryEntries: 4, JournalMode: JournalDefault}
	e1, err := Open(dir, opts, OpenFlags{AllowCreate: true})
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		k := fmt.Sprintf("key-%03d", i)
		require.NoError(t, e1.Insert([]byte(k), []byte(fmt.Sprintf("val-%d", i))))
	}
	require.NoError(t, e1.Close())

	e2, err := Open(dir, opts, OpenFlags{AllowOpenExisting: true})
	require.NoError(t, err)
	defer e2.Close()

	for i := 0; i < 40; i++ {
		k := fmt.Sprintf("key-%03d", i)
		v, found, err := e2.Lookup([]byte(k))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, fmt.Sprintf("val-%d", i), string(v))
	}
}

// TestFlushCheckpointsEveryNthFlush exercises the checkpoint-interval
// policy directly: with CheckpointInterval 2, the engine's flush counter
// must cycle 1, 0, 1, 0, ... (checkpointing, which resets it to 0, on
// every second flush) rather than checkpointing on every single flush.
func TestFlushCheckpointsEveryNthFlush(t *testing.T) {
	e := openFresh(t, &Options{CheckpointInterval: 2})

	var seen []int
	for i := 0; i < 4; i++ {
		require.NoError(t, e.Insert([]byte(fmt.Sprintf("k%02d", i)), []byte("v")))
		require.NoError(t, e.flush())
		seen = append(seen, e.flushesSinceCkpt)
	}
	require.Equal(t, []int{1, 0, 1, 0}, seen)
}

// TestOpenRejectsMismatchedFlags exercises Open's create-vs-recover-vs-
// reject branching directly.
func TestOpenRejectsMismatchedFlags(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(dir, nil, OpenFlags{}) // neither AllowCreate nor AllowOpenExisting
	require.Error(t, err)
	require.Equal(t, KindConfig, KindOf(err))

	e, err := Open(dir, nil, OpenFlags{AllowCreate: true})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = Open(dir, nil, OpenFlags{AllowCreate: true}) // exists, AllowOpenExisting not set
	require.Error(t, err)
	require.Equal(t, KindConfig, KindOf(err))

	e2, err := Open(dir, nil, OpenFlags{AllowOpenExisting: true})
	require.NoError(t, err)
	require.NoError(t, e2.Close())
}

// TestFixedKeyLenRejectsMismatch exercises the fixed-length validation
// end to end.
func TestFixedKeyLenRejectsMismatch(t *testing.T) {
	e := openFresh(t, &Options{FixedKeyLen: 4})
	require.NoError(t, e.Insert([]byte("abcd"), []byte("v")))
	err := e.Insert([]byte("ab"), []byte("v"))
	require.Error(t, err)
	require.Equal(t, KindConfig, KindOf(err))
}

// TestReplacementOptionsLastWriteWins exercises the ReplacementOptions
// helper end to end.
func TestReplacementOptionsLastWriteWins(t *testing.T) {
	e := openFresh(t, ReplacementOptions(nil))
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Insert([]byte("k"), []byte(fmt.Sprintf("v%d", i))))
	}
	v, found, err := e.Lookup([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v4", string(v))
}

// TestChronologicalOrderWalksOldestFirst exercises Options.Chronological's
// inverted-default semantics: with no Merge configured, oldest-first order
// means later writes are folded over earlier ones and still win, same
// observable result as the default, but driven through the opposite walk
// direction (query.go's reverse := !e.opts.Chronological branch).
func TestChronologicalOrderWalksOldestFirst(t *testing.T) {
	e := openFresh(t, &Options{Chronological: true})
	require.NoError(t, e.Insert([]byte("k"), []byte("old")))
	require.NoError(t, e.Insert([]byte("k"), []byte("new")))

	v, found, err := e.Lookup([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "new", string(v))
}

// TestBTreeFormatRoundTrip exercises Options.UseBTreeFormat across a flush,
// confirming the alternate run file format is wired end to end through the
// engine, not just unit-tested in isolation.
func TestBTreeFormatRoundTrip(t *testing.T) {
	e := openFresh(t, &Options{UseBTreeFormat: true, MaxInMemoryEntries: 8})
	const n = 64
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("bt-%04d", i)
		require.NoError(t, e.Insert([]byte(k), []byte(fmt.Sprintf("v%d", i))))
	}
	require.Greater(t, e.runs.Len(), 0)

	for i := 0; i < n; i++ {
		k := fmt.Sprintf("bt-%04d", i)
		v, found, err := e.Lookup([]byte(k))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, fmt.Sprintf("v%d", i), string(v))
	}
}

// TestChecksumBlocksRoundTrip exercises Options.ChecksumBlocks through a
// full engine flush/reopen cycle.
func TestChecksumBlocksRoundTrip(t *testing.T) {
	dir := t.TempDir()
	opts := &Options{ChecksumBlocks: true, MaxInMemoryEntries: 4, JournalMode: JournalDefault}
	e1, err := Open(dir, opts, OpenFlags{AllowCreate: true})
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		k := fmt.Sprintf("ck-%03d", i)
		require.NoError(t, e1.Insert([]byte(k), []byte(fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, e1.Close())

	e2, err := Open(dir, opts, OpenFlags{AllowOpenExisting: true})
	require.NoError(t, err)
	defer e2.Close()
	for i := 0; i < 30; i++ {
		k := fmt.Sprintf("ck-%03d", i)
		v, found, err := e2.Lookup([]byte(k))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, fmt.Sprintf("v%d", i), string(v))
	}
}

// TestFixedValueLenRejectsMismatch mirrors TestFixedKeyLenRejectsMismatch for
// FixedValueLen.
func TestFixedValueLenRejectsMismatch(t *testing.T) {
	e := openFresh(t, &Options{FixedValueLen: 2})
	require.NoError(t, e.Insert([]byte("k"), []byte("vv")))
	err := e.Insert([]byte("k2"), []byte("v"))
	require.Error(t, err)
	require.Equal(t, KindConfig, KindOf(err))
}

// TestSumMergeAcrossFlushes folds a 4-byte big-endian sum merge across
// memtable generations and on-disk runs: every key's lookup must equal
// the true sum of everything inserted for it, no matter how the history
// was split between the memtable, flushed runs, and completed merges.
func TestSumMergeAcrossFlushes(t *testing.T) {
	sum := func(key, a, b []byte, out *Buffer) MergeResult {
		av := uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
		bv := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
		s := av + bv
		out.SetBytes([]byte{byte(s >> 24), byte(s >> 16), byte(s >> 8), byte(s)})
		return MergeSuccess
	}
	e := openFresh(t, &Options{Merge: sum, MaxInMemoryEntries: 16})

	const keySpace = 32
	want := map[string]uint32{}
	for i := 0; i < 2000; i++ {
		k := fmt.Sprintf("sk-%02d", i%keySpace)
		v := uint32(i + 1)
		require.NoError(t, e.Insert([]byte(k), []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}))
		want[k] += v
	}

	for k, w := range want {
		v, found, err := e.Lookup([]byte(k))
		require.NoError(t, err)
		require.True(t, found, "key %s", k)
		got := uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3])
		require.Equal(t, w, got, "key %s", k)
	}
}

// TestRunCountStaysBounded: with a tiny memtable forcing frequent
// flushes, the background merges driven from Insert must keep the run
// count from growing without bound.
func TestRunCountStaysBounded(t *testing.T) {
	e := openFresh(t, &Options{MaxInMemoryEntries: 16})
	const n = 2000
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("rb-%06d", i)
		require.NoError(t, e.Insert([]byte(k), []byte("v")))
	}
	require.Greater(t, e.runs.Len(), 0)
	require.LessOrEqual(t, e.runs.Len(), 20)

	for i := 0; i < n; i += 97 {
		k := fmt.Sprintf("rb-%06d", i)
		_, found, err := e.Lookup([]byte(k))
		require.NoError(t, err)
		require.True(t, found, "key %s", k)
	}
}

// TestMergeStepsDoNotChangeLookups: driving merges to completion between
// inserts must change no lookup result for any key.
func TestMergeStepsDoNotChangeLookups(t *testing.T) {
	e := openFresh(t, &Options{MaxInMemoryEntries: 8})
	const n = 300
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("mn-%04d", i%50)
		require.NoError(t, e.Insert([]byte(k), []byte(fmt.Sprintf("v%d", i))))
	}

	before := map[string]string{}
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("mn-%04d", i)
		v, found, err := e.Lookup([]byte(k))
		require.NoError(t, err)
		require.True(t, found)
		before[k] = string(v)
	}

	// Run every eligible merge to completion.
	require.NoError(t, e.sched.MaybeScheduleTasks())
	for i := 0; i < 10000 && len(e.sched.Started()) > 0; i++ {
		require.NoError(t, e.sched.Step(64))
	}
	require.Empty(t, e.sched.Started())

	for k, w := range before {
		v, found, err := e.Lookup([]byte(k))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, w, string(v), "key %s changed across a merge", k)
	}
}

// twoRunEngine opens an engine at dir and hand-flushes two 25-entry runs
// (keys cp-00000..cp-00049), leaving the second flush's scheduling pass
// with exactly one started merge task over them.
func twoRunEngine(t *testing.T, dir string, opts *Options) *Engine {
	t.Helper()
	e, err := Open(dir, opts, OpenFlags{AllowCreate: true})
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		require.NoError(t, e.Insert([]byte(fmt.Sprintf("cp-%05d", i)), []byte(fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, e.flush())
	for i := 25; i < 50; i++ {
		require.NoError(t, e.Insert([]byte(fmt.Sprintf("cp-%05d", i)), []byte(fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, e.flush())
	require.Len(t, e.sched.Started(), 1)
	return e
}

// TestCheckpointMidMergeFallsBackToInputs: a checkpoint landing while a
// merge task sits mid-block (its output builder not at a flushed
// boundary, the steady state for small entries against the default
// 16 KiB block size) must leave that task out of the snapshot entirely.
// Recovery then sees its two inputs as plain runs, re-eligible for a
// fresh merge, rather than resuming a builder from a state that was
// never valid to serialize.
func TestCheckpointMidMergeFallsBackToInputs(t *testing.T) {
	dir := t.TempDir()
	opts := &Options{MaxInMemoryEntries: 64}
	e1 := twoRunEngine(t, dir, opts)

	require.NoError(t, e1.sched.Step(5))
	tsk := e1.sched.Started()[0]
	require.False(t, tsk.AtBoundary(), "five small records cannot fill a 16KiB block")

	require.NoError(t, e1.checkpoint())
	require.NoError(t, e1.Close())

	e2, err := Open(dir, opts, OpenFlags{AllowOpenExisting: true})
	require.NoError(t, err)
	defer e2.Close()

	require.Empty(t, e2.sched.Started(), "a mid-block task must not be resumed")
	require.Equal(t, 2, e2.runs.Len(), "both inputs recover as plain runs")
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("cp-%05d", i)
		v, found, err := e2.Lookup([]byte(k))
		require.NoError(t, err)
		require.True(t, found, "key %s", k)
		require.Equal(t, fmt.Sprintf("v%d", i), string(v))
	}
}

// TestCheckpointAtBoundaryResumesMergeExactly: with a tiny block size the
// output builder hits Success boundaries every few records, so a
// checkpoint can snapshot the in-flight task. Resuming it must continue
// the merge without re-feeding the record consumed just before the
// boundary or skipping one peeked just after: the finished output must
// hold all 50 keys exactly once, in strictly increasing order.
func TestCheckpointAtBoundaryResumesMergeExactly(t *testing.T) {
	dir := t.TempDir()
	opts := &Options{MaxInMemoryEntries: 64, FlatBlockSize: 32}
	e1 := twoRunEngine(t, dir, opts)

	tsk := e1.sched.Started()[0]
	for i := 0; i < 30 && !(tsk.AtBoundary() && tsk.OutputRun().NEntries > 0); i++ {
		require.NoError(t, e1.sched.Step(1))
	}
	require.True(t, tsk.AtBoundary(), "expected a block boundary within 30 tiny-block records")
	require.Len(t, e1.sched.Started(), 1, "the task must still be in flight")

	require.NoError(t, e1.checkpoint())
	require.NoError(t, e1.Close())

	e2, err := Open(dir, opts, OpenFlags{AllowOpenExisting: true})
	require.NoError(t, err)
	defer e2.Close()

	require.Len(t, e2.sched.Started(), 1, "the boundary task must be resumed")
	for i := 0; i < 1000 && len(e2.sched.Started()) > 0; i++ {
		require.NoError(t, e2.sched.Step(16))
	}
	require.Empty(t, e2.sched.Started())
	require.Equal(t, 1, e2.runs.Len())

	r, err := e2.runs.At(0).File.CreateReader()
	require.NoError(t, err)
	count := 0
	var prev []byte
	for r.Advance() {
		if prev != nil {
			require.True(t, bytes.Compare(prev, r.Key()) < 0, "output keys must be strictly increasing")
		}
		prev = append(prev[:0], r.Key()...)
		count++
	}
	require.NoError(t, r.Err())
	require.Equal(t, 50, count, "the resumed merge must emit every input record exactly once")

	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("cp-%05d", i)
		v, found, err := e2.Lookup([]byte(k))
		require.NoError(t, err)
		require.True(t, found, "key %s", k)
		require.Equal(t, fmt.Sprintf("v%d", i), string(v))
	}
}

// TestJournalOccasionallySurvivesCloseReopen: the batched journal mode
// defers fsyncs but must still sync on Close, so a clean shutdown loses
// nothing.
func TestJournalOccasionallySurvivesCloseReopen(t *testing.T) {
	dir := t.TempDir()
	opts := &Options{JournalMode: JournalOccasionally}
	e1, err := Open(dir, opts, OpenFlags{AllowCreate: true})
	require.NoError(t, err)
	const n = 100 // spans several occasionalSyncBatch batches
	for i := 0; i < n; i++ {
		require.NoError(t, e1.Insert([]byte(fmt.Sprintf("oc-%03d", i)), []byte(fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, e1.Close())

	e2, err := Open(dir, opts, OpenFlags{AllowOpenExisting: true})
	require.NoError(t, err)
	defer e2.Close()
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("oc-%03d", i)
		v, found, err := e2.Lookup([]byte(k))
		require.NoError(t, err)
		require.True(t, found, "key %s", k)
		require.Equal(t, fmt.Sprintf("v%d", i), string(v))
	}
}

// TestSimplifyWithoutMergeRejected exercises Options.validate's documented
// config-error invariant.
func TestSimplifyWithoutMergeRejected(t *testing.T) {
	_, err := Open(t.TempDir(), &Options{
		Simplify: func(key, value []byte, out *Buffer) SimplifyResult { return SimplifyIdentity },
	}, OpenFlags{AllowCreate: true})
	require.Error(t, err)
	require.Equal(t, KindConfig, KindOf(err))
}
