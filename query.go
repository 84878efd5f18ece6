// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package gsktable

// querySource is one age-ordered place a key's history might live: a run
// file's random-access Query, or the memtable's Get.
type querySource struct {
	query func(key []byte) (value []byte, found bool, err error)
}

// sources returns every source in chronological (oldest-first) order:
// the run list, already FirstInputEntry-ascending, followed last by the
// memtable (always the youngest data).
//
// A run currently serving as a started merge task's input remains
// directly queryable through its own File for as long as it's in the run
// list — the scheduler never destroys an input until ReplaceAdjacent has
// already swapped in the task's output — so queries read the original
// input files rather than consulting a task's partially written output;
// it costs an extra random read on the rare key that lands in a run
// mid-merge, never a correctness gap.
func (e *Engine) sources() []querySource {
	all := e.runs.All()
	srcs := make([]querySource, 0, len(all)+1)
	for _, r := range all {
		r := r
		srcs = append(srcs, querySource{query: func(key []byte) ([]byte, bool, error) {
			return r.File.Query(key)
		}})
	}
	srcs = append(srcs, querySource{query: func(key []byte) ([]byte, bool, error) {
		v, ok := e.mt.Get(key)
		return v, ok, nil
	}})
	return srcs
}

// walkOutcome tells Lookup's driving loop why a single source visit
// stopped the walk, if it did.
type walkOutcome int

const (
	walkContinue walkOutcome = iota
	walkStop                // Stable said the accumulator is final
	walkDropped             // a merge deleted the entry
)

// Lookup resolves key by folding its history across every source through
// the configured Merge, in the order Options.Chronological selects
// (default youngest-first, so a Stable accumulator can cut the walk short
// before reaching the oldest source). Simplify runs once, and only if the
// oldest source (the one starting at input sequence zero) holds the key —
// the point past which no older history for the key can exist.
func (e *Engine) Lookup(key []byte) (value []byte, found bool, err error) {
	if e.opts.FixedKeyLen != 0 && len(key) != e.opts.FixedKeyLen {
		return nil, false, ConfigErrorf("key length %d does not match FixedKeyLen %d", len(key), e.opts.FixedKeyLen)
	}

	srcs := e.sources()
	n := len(srcs)
	reverse := !e.opts.Chronological

	var acc []byte
	haveAcc := false
	reachedOldest := false

	visit := func(idx int) (walkOutcome, error) {
		value, ok, err := srcs[idx].query(key)
		if err != nil {
			return walkContinue, err
		}
		if !ok {
			return walkContinue, nil
		}
		if idx == 0 {
			reachedOldest = true
		}

		switch {
		case !haveAcc:
			acc = append([]byte(nil), value...)
			haveAcc = true
		case e.opts.Merge != nil:
			var older, newer []byte
			if reverse {
				older, newer = value, acc // value is strictly older than whatever's accumulated
			} else {
				older, newer = acc, value // value is strictly newer
			}
			var buf Buffer
			switch e.opts.Merge(key, older, newer, &buf) {
			case MergeReturnA:
				acc = append(acc[:0], older...)
			case MergeReturnB:
				acc = append(acc[:0], newer...)
			case MergeSuccess:
				acc = append(acc[:0], buf.Bytes()...)
			case MergeDrop:
				return walkDropped, nil
			}
		case !reverse:
			// No Merge configured: last write wins. Walking oldest-first,
			// each later hit simply replaces the accumulator.
			acc = append(acc[:0], value...)
		}

		if reverse && e.opts.Stable != nil && e.opts.Stable(key, acc) {
			return walkStop, nil
		}
		return walkContinue, nil
	}

	order := make([]int, n)
	if reverse {
		for i := range order {
			order[i] = n - 1 - i
		}
	} else {
		for i := range order {
			order[i] = i
		}
	}

	for _, idx := range order {
		outcome, err := visit(idx)
		if err != nil {
			return nil, false, err
		}
		if outcome == walkDropped {
			return nil, false, nil
		}
		if outcome == walkStop {
			break
		}
	}

	if !haveAcc {
		return nil, false, nil
	}
	if reachedOldest && e.opts.Simplify != nil {
		var buf Buffer
		switch e.opts.Simplify(key, acc, &buf) {
		case SimplifySuccess:
			acc = append(acc[:0], buf.Bytes()...)
		case SimplifyDelete:
			return nil, false, nil
		}
	}
	return acc, true, nil
}
