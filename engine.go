// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package gsktable

import (
	"os"

	"github.com/novator24/gsktable/journal"
	"github.com/novator24/gsktable/memtable"
	"github.com/novator24/gsktable/pathmgr"
	"github.com/novator24/gsktable/run"
	"github.com/novator24/gsktable/scheduler"
)

// stepBudgetPerInsert bounds how many merge-scheduler input records a
// single Insert call drives forward, so merges make steady progress
// without ever blocking an insert for long.
const stepBudgetPerInsert = 32

// occasionalSyncBatch is how many JournalOccasionally appends accumulate
// before the tail is fsynced.
const occasionalSyncBatch = 32

// Engine is an open gsktable store: a memtable, an ordered run list, the
// background merge scheduler driving them toward one run, and the
// journal that makes inserts and scheduler progress crash-recoverable.
type Engine struct {
	opts *Options
	cmp  func(a, b []byte) int

	pm    *pathmgr.Manager
	mt    *memtable.Memtable
	runs  *run.List
	sched *scheduler.Scheduler
	jrn   *journal.Journal

	totalInserted    uint64
	flushesSinceCkpt int
	unsyncedAppends  int
}

// Open opens or creates a gsktable store at dir according to flags.
func Open(dir string, opts *Options, flags OpenFlags) (*Engine, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	pm, err := pathmgr.Open(dir, flags.AllowCreate)
	if err != nil {
		return nil, IOErrorf("open directory", err)
	}

	e := &Engine{opts: opts, cmp: opts.compare(), pm: pm, runs: &run.List{}}
	e.mt = memtable.New(e.cmp, e.memtableMerge, opts.maxInMemoryEntries(), opts.maxInMemoryBytes())
	e.sched = scheduler.New(e.schedulerConfig(), e.runs)

	journalPath := pm.FileName(0, pathmgr.ExtJournal)
	_, statErr := os.Stat(journalPath)
	existing := statErr == nil

	switch {
	case existing && !flags.AllowOpenExisting:
		pm.Close()
		return nil, ConfigErrorf("store at %q already exists", dir)
	case !existing && !flags.AllowCreate:
		pm.Close()
		return nil, ConfigErrorf("store at %q does not exist", dir)
	case existing:
		if err := e.recover(); err != nil {
			pm.Close()
			return nil, err
		}
	default:
		jrn, err := journal.WriteCheckpoint(pm, journal.Checkpoint{})
		if err != nil {
			pm.Close()
			return nil, IOErrorf("initial checkpoint", err)
		}
		e.jrn = jrn
	}

	return e, nil
}

// recover replays the journal header into the run list and started-task
// set, replays the insert tail into the memtable (flushing along the way
// if the tail outgrew one memtable's worth of entries), and sweeps any
// files left behind by a crash mid-flush or mid-checkpoint.
func (e *Engine) recover() error {
	idToRun := make(map[uint64]*run.Run)

	// Checkpoints only happen every CheckpointInterval flushes, so the
	// tail being replayed here may hold more entries than a
	// single memtable is configured to accept. It's replayed first into an
	// unbounded scratch memtable (Full() never trips when both limits are
	// zero), then drained into e.mt below with the same flush-on-full
	// behavior Insert uses, once the run list and scheduler are populated
	// enough for a flush to be well-formed.
	replayMT := memtable.New(e.cmp, e.memtableMerge, 0, 0)
	var replayedCount uint64

	cp, jrn, err := journal.Recover(e.pm, func(key, value []byte) {
		replayMT.Put(key, value)
		replayedCount++
	})
	if err != nil {
		return CorruptErrorf("recover journal: %v", err)
	}
	e.jrn = jrn
	e.totalInserted = cp.NInputEntries + replayedCount

	for _, fi := range cp.Files {
		f, format, err := e.openExistingRun(fi.ID, fi.Ext)
		if err != nil {
			return IOErrorf("reopen run", err)
		}
		r := &run.Run{ID: fi.ID, File: f, Format: format, FirstInputEntry: fi.FirstInputEntry, NInputEntries: fi.NInputEntries, NEntries: fi.NEntries}
		if err := e.runs.Append(r); err != nil {
			return InvariantViolation("recovered run list is non-contiguous: %v", err)
		}
		idToRun[fi.ID] = r
		e.pm.MarkIDUsed(fi.ID)
	}

	for _, t := range cp.Tasks {
		older, younger := idToRun[t.OlderID], idToRun[t.YoungerID]
		if older == nil || younger == nil {
			return InvariantViolation("checkpoint task refers to unknown run")
		}
		readerOlder, err := older.File.RecreateReader(t.ReaderOlderState)
		if err != nil {
			return CorruptErrorf("recreate older reader: %v", err)
		}
		readerYounger, err := younger.File.RecreateReader(t.ReaderYoungerState)
		if err != nil {
			return CorruptErrorf("recreate younger reader: %v", err)
		}
		outFile, err := e.reopenBuildingRun(t.OutputID, t.OutputExt, t.OutputBuildState)
		if err != nil {
			return IOErrorf("reopen in-progress merge output", err)
		}
		outFormat := run.FormatFlat
		if t.OutputExt == journal.FormatBTree {
			outFormat = run.FormatBTree
		}
		e.sched.ResumeTask(older, younger, readerOlder, readerYounger, t.ReaderOlderAdvanced, t.ReaderYoungerAdvanced, outFile, t.OutputID, outFormat)
		e.pm.MarkIDUsed(t.OutputID)
	}

	var flushErr error
	replayMT.Each(func(key, value []byte) {
		if flushErr != nil {
			return
		}
		if err := e.mt.Put(key, value); err == memtable.ErrFull {
			if err := e.flush(); err != nil {
				flushErr = err
				return
			}
			if err := e.mt.Put(key, value); err != nil {
				flushErr = err
			}
		} else if err != nil {
			flushErr = err
		}
	})
	if flushErr != nil {
		return IOErrorf("replay journal tail", flushErr)
	}

	// Two-phase sweep: now that
	// every live run and in-progress merge output is known (including any
	// new runs a replay-driven flush above just created), anything else
	// pathmgr owns in the directory is debris from a flush or checkpoint
	// that crashed before its rename, and is safe to unlink.
	liveIDs := map[uint64]bool{0: true} // the journal file itself
	for _, r := range e.runs.All() {
		liveIDs[r.ID] = true
	}
	for _, t := range e.sched.Started() {
		liveIDs[t.OutputRun().ID] = true
	}
	return e.pm.Sweep(liveIDs)
}

func (e *Engine) openExistingRun(id uint64, ext journal.FormatExt) (run.File, run.Format, error) {
	if ext == journal.FormatBTree {
		f, err := run.OpenBTree(e.pm, id, e.cmp)
		return f, run.FormatBTree, err
	}
	f, err := run.OpenFlat(e.pm, id, e.cmp, e.opts.flatCacheBlocks(), e.opts.ChecksumBlocks)
	return f, run.FormatFlat, err
}

func (e *Engine) reopenBuildingRun(id uint64, ext journal.FormatExt, state []byte) (run.File, error) {
	if ext == journal.FormatBTree {
		return run.OpenBuildingBTree(e.pm, id, e.cmp, state)
	}
	return run.OpenBuildingFlat(e.pm, id, e.cmp, e.opts.flatBlockSize(), e.opts.flatCacheBlocks(), e.opts.ChecksumBlocks, state)
}

func (e *Engine) outputFormat() run.Format {
	if e.opts.UseBTreeFormat {
		return run.FormatBTree
	}
	return run.FormatFlat
}

func (e *Engine) schedulerConfig() scheduler.Config {
	return scheduler.Config{
		Compare:          e.cmp,
		Merge:            e.schedulerMerge,
		Simplify:         e.schedulerSimplify,
		MaxRunningTasks:  e.opts.maxRunningTasks(),
		MaxMergeRatioQ16: e.opts.maxMergeRatioQ16(),
		OutputFormat:     e.outputFormat(),
		NewOutputFile: func(id uint64) (run.File, error) {
			if e.opts.UseBTreeFormat {
				return run.CreateBTree(e.pm, id, e.cmp)
			}
			return run.CreateFlat(e.pm, id, e.cmp, e.opts.flatBlockSize(), e.opts.flatCacheBlocks(), e.opts.ChecksumBlocks)
		},
		NextRunID: e.pm.NextID,
		Logger:    e.opts.logger(),
	}
}

// memtableMerge adapts Options.Merge (which writes into a Buffer) to the
// memtable package's dependency-free, *[]byte-based Merge signature.
func (e *Engine) memtableMerge(key, a, b []byte, out *[]byte) memtable.MergeResult {
	if e.opts.Merge == nil {
		return memtable.MergeReturnB
	}
	var buf Buffer
	switch e.opts.Merge(key, a, b, &buf) {
	case MergeReturnA:
		return memtable.MergeReturnA
	case MergeSuccess:
		*out = append((*out)[:0], buf.Bytes()...)
		return memtable.MergeSuccess
	case MergeDrop:
		return memtable.MergeDrop
	default:
		return memtable.MergeReturnB
	}
}

func (e *Engine) schedulerMerge(key, a, b []byte, out *[]byte) scheduler.MergeResult {
	if e.opts.Merge == nil {
		return scheduler.MergeReturnB
	}
	var buf Buffer
	switch e.opts.Merge(key, a, b, &buf) {
	case MergeReturnA:
		return scheduler.MergeReturnA
	case MergeSuccess:
		*out = append((*out)[:0], buf.Bytes()...)
		return scheduler.MergeSuccess
	case MergeDrop:
		return scheduler.MergeDrop
	default:
		return scheduler.MergeReturnB
	}
}

func (e *Engine) schedulerSimplify(key, value []byte, out *[]byte) scheduler.SimplifyResult {
	if e.opts.Simplify == nil {
		return scheduler.SimplifyIdentity
	}
	var buf Buffer
	switch e.opts.Simplify(key, value, &buf) {
	case SimplifySuccess:
		*out = append((*out)[:0], buf.Bytes()...)
		return scheduler.SimplifySuccess
	case SimplifyDelete:
		return scheduler.SimplifyDelete
	default:
		return scheduler.SimplifyIdentity
	}
}

// Insert applies one key/value write: if the memtable is full it is first
// flushed to a new run, then the write is journaled (unless JournalMode is
// JournalNone), folded into the memtable, and the merge scheduler is
// driven forward a bounded number of steps.
func (e *Engine) Insert(key, value []byte) error {
	if e.opts.FixedKeyLen != 0 && len(key) != e.opts.FixedKeyLen {
		return ConfigErrorf("key length %d does not match FixedKeyLen %d", len(key), e.opts.FixedKeyLen)
	}
	if e.opts.FixedValueLen != 0 && len(value) != e.opts.FixedValueLen {
		return ConfigErrorf("value length %d does not match FixedValueLen %d", len(value), e.opts.FixedValueLen)
	}

	// Flush before journaling: a flush can checkpoint, and a checkpoint
	// starts a journal with an empty tail, so a record appended before
	// the flush would be dropped while its insert lived only in the new
	// memtable.
	if e.mt.Full() {
		if err := e.flush(); err != nil {
			return err
		}
	}

	switch e.opts.JournalMode {
	case JournalNone:
	case JournalOccasionally:
		// Batched durability: records are written without an fsync and
		// synced every occasionalSyncBatch appends (and on Close). A
		// crash can lose the unsynced batch; it cannot replay garbage,
		// since recovery's sentinel check stops at the first tear.
		if err := e.jrn.AppendNoSync(key, value); err != nil {
			return IOErrorf("journal append", err)
		}
		e.unsyncedAppends++
		if e.unsyncedAppends >= occasionalSyncBatch {
			if err := e.jrn.Sync(); err != nil {
				return IOErrorf("journal sync", err)
			}
			e.unsyncedAppends = 0
		}
	default:
		if err := e.jrn.Append(key, value); err != nil {
			return IOErrorf("journal append", err)
		}
	}

	if err := e.mt.Put(key, value); err == memtable.ErrFull {
		if err := e.flush(); err != nil {
			return err
		}
		if err := e.mt.Put(key, value); err != nil {
			return IOErrorf("memtable put", err)
		}
	} else if err != nil {
		return IOErrorf("memtable put", err)
	}
	e.totalInserted++

	return e.sched.Step(stepBudgetPerInsert)
}

// flush seals the current memtable into a new run, appends it to the run
// list, schedules any merges it newly makes eligible, and checkpoints
// every Options.CheckpointInterval'th flush.
func (e *Engine) flush() error {
	id := e.pm.NextID()
	var f run.File
	var err error
	if e.opts.UseBTreeFormat {
		f, err = run.CreateBTree(e.pm, id, e.cmp)
	} else {
		f, err = run.CreateFlat(e.pm, id, e.cmp, e.opts.flatBlockSize(), e.opts.flatCacheBlocks(), e.opts.ChecksumBlocks)
	}
	if err != nil {
		return IOErrorf("create run", err)
	}

	firstEntry := e.runs.TotalInputEntries()
	var n uint64
	var feedErr error
	e.mt.Each(func(key, value []byte) {
		if feedErr != nil {
			return
		}
		if _, err := f.Feed(key, value); err != nil {
			feedErr = err
			return
		}
		n++
	})
	if feedErr != nil {
		return IOErrorf("feed run", feedErr)
	}

	ready, err := f.DoneFeeding()
	if err != nil {
		return IOErrorf("finish run", err)
	}
	for !ready {
		if ready, err = f.BuildFile(); err != nil {
			return IOErrorf("build run", err)
		}
	}

	r := &run.Run{ID: id, File: f, Format: e.outputFormat(), FirstInputEntry: firstEntry, NInputEntries: n, NEntries: n}
	if err := e.runs.Append(r); err != nil {
		return InvariantViolation("flushed run does not extend the run list: %v", err)
	}

	e.mt = memtable.New(e.cmp, e.memtableMerge, e.opts.maxInMemoryEntries(), e.opts.maxInMemoryBytes())

	if err := e.sched.MaybeScheduleTasks(); err != nil {
		return err
	}

	e.flushesSinceCkpt++
	if e.flushesSinceCkpt < e.opts.checkpointInterval() {
		return nil
	}
	e.flushesSinceCkpt = 0
	return e.checkpoint()
}

// checkpoint atomically rewrites the journal header to reflect the
// current run list and started-task set, then truncates the tail: every
// insert now folded into a run or still sitting in the (still-live)
// memtable doesn't need replaying again, since the memtable itself isn't
// checkpointed — only a flushed memtable (a run) is ever durable, so
// checkpoint is only ever called right after a flush empties it.
func (e *Engine) checkpoint() error {
	cp := journal.Checkpoint{NInputEntries: e.totalInserted}
	for _, r := range e.runs.All() {
		ext := journal.FormatFlat
		if r.Format == run.FormatBTree {
			ext = journal.FormatBTree
		}
		cp.Files = append(cp.Files, journal.FileInfo{
			ID: r.ID, Ext: ext, FirstInputEntry: r.FirstInputEntry, NInputEntries: r.NInputEntries, NEntries: r.NEntries,
		})
	}
	for _, t := range e.sched.Started() {
		// GetBuildState is only valid at a flushed block boundary. A task
		// caught mid-block is simply left out of the checkpoint: its two
		// inputs are in cp.Files and untouched, so recovery falls back to
		// "never started" and a later scheduling pass re-picks the pair;
		// the orphaned output file is swept on the next open.
		if !t.AtBoundary() {
			continue
		}
		outExt := journal.FormatFlat
		if t.OutputRun().Format == run.FormatBTree {
			outExt = journal.FormatBTree
		}
		cp.Tasks = append(cp.Tasks, journal.TaskInfo{
			OlderID: t.Older().ID, YoungerID: t.Younger().ID, OutputID: t.OutputRun().ID, OutputExt: outExt,
			ReaderOlderAdvanced:   t.OlderAdvanced(),
			ReaderYoungerAdvanced: t.YoungerAdvanced(),
			ReaderOlderState:      t.Older().File.GetReaderState(t.ReaderOlder()),
			ReaderYoungerState:    t.Younger().File.GetReaderState(t.ReaderYounger()),
			OutputBuildState:      t.Output().GetBuildState(),
		})
	}

	newJrn, err := journal.WriteCheckpoint(e.pm, cp)
	if err != nil {
		return IOErrorf("checkpoint", err)
	}
	if e.jrn != nil {
		e.jrn.Close()
	}
	e.jrn = newJrn
	e.unsyncedAppends = 0
	return nil
}

// Close releases every open file and the directory lock. It does not
// flush the memtable; an unflushed memtable is recovered from the
// journal tail on the next Open.
func (e *Engine) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, r := range e.runs.All() {
		record(r.File.Destroy(false))
	}
	for _, t := range e.sched.Started() {
		record(t.Output().Destroy(false))
	}
	if e.jrn != nil {
		record(e.jrn.Close())
	}
	record(e.pm.Close())
	return firstErr
}
