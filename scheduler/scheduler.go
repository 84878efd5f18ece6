// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package scheduler

import (
	"sort"

	"github.com/novator24/gsktable/run"
)

// MergeResult mirrors the root package's MergeResult (kept dependency-free
// here, the same way package memtable does, so engine.go is the only
// place that needs to import both and translate).
type MergeResult int

const (
	MergeReturnA MergeResult = iota
	MergeReturnB
	MergeSuccess
	MergeDrop
)

type SimplifyResult int

const (
	SimplifyIdentity SimplifyResult = iota
	SimplifySuccess
	SimplifyDelete
)

// Config bundles everything the scheduler needs from the engine: the
// comparator and merge/simplify hooks, size thresholds, and a factory for
// allocating a fresh output run.
type Config struct {
	Compare  func(a, b []byte) int
	Merge    func(key, a, b []byte, out *[]byte) MergeResult
	Simplify func(key, value []byte, out *[]byte) SimplifyResult

	MaxRunningTasks  int
	MaxMergeRatioQ16 uint32

	// OutputFormat is recorded on every merge output's Run so a later
	// checkpoint knows which extension to recover it under; it must
	// match whatever format NewOutputFile actually builds.
	OutputFormat run.Format

	NewOutputFile func(id uint64) (run.File, error)
	NextRunID     func() uint64

	Logger interface {
		Errorf(format string, args ...interface{})
	}
}

// Scheduler selects, starts, and steps background merges over a shared
// run list.
type Scheduler struct {
	cfg Config
	rl  *run.List

	started      []*Task // sorted by TotalInputEntries ascending
	startedByRun map[*run.Run]*Task

	// aborted holds the inputs of tasks discarded by abort. They stay in
	// the run list and stay queryable, but are not rescheduled by this
	// engine instance; the next open retries them with fresh readers.
	aborted map[*run.Run]bool
}

// New creates a Scheduler over rl, which must be the same *run.List the
// engine mutates on flush.
func New(cfg Config, rl *run.List) *Scheduler {
	return &Scheduler{cfg: cfg, rl: rl, startedByRun: make(map[*run.Run]*Task), aborted: make(map[*run.Run]bool)}
}

// Started returns the current started-task list, ordered ascending by
// total input entries (the order Step draws from).
func (s *Scheduler) Started() []*Task { return s.started }

// candidate is an ephemeral, not-yet-allocated unstarted task: the
// adjacent-pair set is recomputed on each scheduling pass rather than
// retained with incremental neighbor-invalidation bookkeeping, since the
// valid candidate set at any instant is exactly "adjacent pairs where
// neither run is already a started task's input" — trivial to rebuild
// and cheap at realistic run counts.
type candidate struct {
	pos            int // position of the older run in the list
	older, younger *run.Run
	ratio          uint32
}

func (s *Scheduler) candidates() []candidate {
	var out []candidate
	all := s.rl.All()
	for i := 0; i+1 < len(all); i++ {
		a, b := all[i], all[i+1]
		if s.startedByRun[a] != nil || s.startedByRun[b] != nil {
			continue
		}
		if s.aborted[a] || s.aborted[b] {
			continue
		}
		younger := b.NEntries
		if younger == 0 {
			younger = 1
		}
		ratio := (a.NEntries << 16) / younger
		if ratio > 0xFFFFFFFF {
			ratio = 0xFFFFFFFF
		}
		out = append(out, candidate{pos: i, older: a, younger: b, ratio: uint32(ratio)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ratio != out[j].ratio {
			return out[i].ratio < out[j].ratio
		}
		return out[i].pos < out[j].pos
	})
	return out
}

func (s *Scheduler) maxRunning() int {
	if s.cfg.MaxRunningTasks > 0 {
		return s.cfg.MaxRunningTasks
	}
	return 4
}

func (s *Scheduler) maxRatio() uint32 {
	if s.cfg.MaxMergeRatioQ16 > 0 {
		return s.cfg.MaxMergeRatioQ16
	}
	return 3 << 16
}

// MaybeScheduleTasks starts tasks from the best (lowest-ratio) unstarted
// candidates while the started count is below the limit and the best
// remaining candidate's ratio is at or below the configured maximum. Call
// this after any event that changes the run graph: a flush completing or
// a merge completing.
func (s *Scheduler) MaybeScheduleTasks() error {
	for len(s.started) < s.maxRunning() {
		cands := s.candidates()
		if len(cands) == 0 || cands[0].ratio > s.maxRatio() {
			return nil
		}
		if err := s.start(cands[0]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) start(c candidate) error {
	id := s.cfg.NextRunID()
	outFile, err := s.cfg.NewOutputFile(id)
	if err != nil {
		return err
	}
	readerOlder, err := c.older.File.CreateReader()
	if err != nil {
		return err
	}
	readerYounger, err := c.younger.File.CreateReader()
	if err != nil {
		return err
	}
	t := &Task{
		state:         Started,
		older:         c.older,
		younger:       c.younger,
		readerOlder:   readerOlder,
		readerYounger: readerYounger,
		output:        outFile,
		outputRun: &run.Run{
			ID:              id,
			Format:          s.cfg.OutputFormat,
			FirstInputEntry: c.older.FirstInputEntry,
			NInputEntries:   c.older.NInputEntries + c.younger.NInputEntries,
		},
		atBoundary: true, // nothing fed yet: the empty output is a clean boundary
	}
	s.startedByRun[c.older] = t
	s.startedByRun[c.younger] = t
	s.insertStarted(t)
	return nil
}

// ResumeTask reattaches a started task recovered from a checkpoint: the
// two readers and output file are already positioned/built exactly where
// the previous process left them. oAdvanced/yAdvanced are the persisted
// peek flags: true means that reader's current record has not yet been
// consumed into the output and must be fed before advancing; false means
// it was already consumed, so the resumed merge advances past it first.
func (s *Scheduler) ResumeTask(older, younger *run.Run, readerOlder, readerYounger run.Reader, oAdvanced, yAdvanced bool, output run.File, outputID uint64, outputFormat run.Format) *Task {
	t := &Task{
		state:         Started,
		older:         older,
		younger:       younger,
		readerOlder:   readerOlder,
		readerYounger: readerYounger,
		oAdvanced:     oAdvanced,
		yAdvanced:     yAdvanced,
		output:        output,
		outputRun: &run.Run{
			ID:              outputID,
			Format:          outputFormat,
			FirstInputEntry: older.FirstInputEntry,
			NInputEntries:   older.NInputEntries + younger.NInputEntries,
		},
		atBoundary: true, // checkpoints only ever serialize boundary states
	}
	s.startedByRun[older] = t
	s.startedByRun[younger] = t
	s.insertStarted(t)
	return t
}

func (s *Scheduler) insertStarted(t *Task) {
	idx := sort.Search(len(s.started), func(i int) bool {
		return s.started[i].TotalInputEntries() >= t.TotalInputEntries()
	})
	s.started = append(s.started, nil)
	copy(s.started[idx+1:], s.started[idx:])
	s.started[idx] = t
}

func (s *Scheduler) removeStarted(t *Task) {
	for i, x := range s.started {
		if x == t {
			s.started = append(s.started[:i], s.started[i+1:]...)
			return
		}
	}
}

// Step processes up to count input records total, drawn from the head of
// the started-task list (the task with the fewest combined input
// entries) and, budget permitting, subsequent heads as earlier ones
// finish within the same call.
func (s *Scheduler) Step(count int) error {
	for count > 0 && len(s.started) > 0 {
		t := s.started[0]
		consumed, done, err := s.stepTask(t, count)
		if err != nil {
			// An I/O error during a merge step is local to that task.
			// abort logs it, drops the task, and leaves its two inputs
			// in the run list for a later retry; Step must keep driving
			// the other started tasks rather than failing the Insert
			// call that happened to trigger this step.
			s.abort(t, err)
			continue
		}
		count -= consumed
		if done {
			if err := s.complete(t); err != nil {
				return err
			}
		} else if consumed == 0 {
			break
		}
	}
	return nil
}

// stepTask advances t by up to budget records, returning how many records
// were consumed and whether the task finished (both readers hit EOF).
func (s *Scheduler) stepTask(t *Task, budget int) (consumed int, done bool, err error) {
	var buf []byte
	for consumed < budget {
		oHasMore := peek(t.readerOlder, &t.oAdvanced)
		yHasMore := peek(t.readerYounger, &t.yAdvanced)

		if !oHasMore && !yHasMore {
			if err := finishOutput(t.output); err != nil {
				return consumed, false, err
			}
			return consumed, true, nil
		}

		var emitKey, emitValue []byte
		switch {
		case !oHasMore:
			emitKey, emitValue = t.readerYounger.Key(), t.readerYounger.Value()
			t.yAdvanced = false
		case !yHasMore:
			emitKey, emitValue = t.readerOlder.Key(), t.readerOlder.Value()
			t.oAdvanced = false
		default:
			c := s.cfg.Compare(t.readerOlder.Key(), t.readerYounger.Key())
			switch {
			case c < 0:
				emitKey, emitValue = t.readerOlder.Key(), t.readerOlder.Value()
				t.oAdvanced = false
			case c > 0:
				emitKey, emitValue = t.readerYounger.Key(), t.readerYounger.Value()
				t.yAdvanced = false
			default:
				key := t.readerOlder.Key()
				a, b := t.readerOlder.Value(), t.readerYounger.Value()
				result := MergeReturnB
				if s.cfg.Merge != nil {
					buf = buf[:0]
					result = s.cfg.Merge(key, a, b, &buf)
				}
				var mergedValue []byte
				drop := false
				switch result {
				case MergeReturnA:
					mergedValue = a
				case MergeReturnB:
					mergedValue = b
				case MergeSuccess:
					mergedValue = append([]byte(nil), buf...)
				case MergeDrop:
					drop = true
				}
				if !drop && t.older.FirstInputEntry == 0 && s.cfg.Simplify != nil {
					var sbuf []byte
					switch s.cfg.Simplify(key, mergedValue, &sbuf) {
					case SimplifySuccess:
						mergedValue = append([]byte(nil), sbuf...)
					case SimplifyDelete:
						drop = true
					}
				}
				t.oAdvanced = false
				t.yAdvanced = false
				if drop {
					consumed++
					continue
				}
				emitKey, emitValue = key, mergedValue
			}
		}

		res, err := t.output.Feed(emitKey, emitValue)
		if err != nil {
			return consumed, false, err
		}
		t.atBoundary = res == run.Success
		if res == run.Success {
			t.lastQueryableKey = append(t.lastQueryableKey[:0], emitKey...)
		}
		t.outputRun.NEntries++
		consumed++
	}
	return consumed, false, nil
}

// peek ensures r has been advanced to its current position at most once
// since the last consumed record, then reports whether a record is
// available there. Readers don't expose a peek of their own, so the
// *advanced flag (cleared by the caller whenever a record is consumed)
// tracks whether the current Key()/Value() are fresh or already used.
func peek(r run.Reader, advanced *bool) bool {
	if !*advanced {
		r.Advance()
		*advanced = true
	}
	return !r.EOF()
}

func finishOutput(f run.File) error {
	ready, err := f.DoneFeeding()
	if err != nil {
		return err
	}
	for !ready {
		ready, err = f.BuildFile()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) complete(t *Task) error {
	s.removeStarted(t)
	delete(s.startedByRun, t.older)
	delete(s.startedByRun, t.younger)

	pos := s.rl.IndexOf(t.older)
	if pos < 0 {
		return &listErr{"scheduler: completed task's input run is not in the run list"}
	}
	t.outputRun.File = t.output
	t.state = Done
	s.rl.ReplaceAdjacent(pos, t.outputRun)

	if err := t.older.File.Destroy(true); err != nil {
		return err
	}
	if err := t.younger.File.Destroy(true); err != nil {
		return err
	}

	return s.MaybeScheduleTasks()
}

// abort discards a task whose reader or output failed: the task is
// dropped, its output deleted, and the two inputs remain in the run list
// (untouched). They are marked aborted, so this Scheduler does not pair
// them again; the next open retries them.
func (s *Scheduler) abort(t *Task, cause error) {
	s.removeStarted(t)
	delete(s.startedByRun, t.older)
	delete(s.startedByRun, t.younger)
	s.aborted[t.older] = true
	s.aborted[t.younger] = true
	t.output.Destroy(true)
	if s.cfg.Logger != nil {
		s.cfg.Logger.Errorf("merge task for runs %d,%d aborted: %v", t.older.ID, t.younger.ID, cause)
	}
}

type listErr struct{ msg string }

func (e *listErr) Error() string { return e.msg }
