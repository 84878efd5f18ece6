// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package memtable implements the engine's in-memory sorted map of
// pending inserts: a skiplist over an arena of nodes addressed by int32
// index instead of pointer, with merge-on-insert and a dual
// entry-count/byte-budget flush trigger. Arena indices keep the node
// links compact and sidestep per-node allocation.
package memtable

import (
	"errors"
	"math/rand"
)

// ErrFull is returned by Put when the memtable has reached either its
// entry-count or byte-budget limit and must be flushed before accepting
// more inserts.
var ErrFull = errors.New("memtable: full")

const maxHeight = 20
const branching = 4 // P = 1/4, matching typical skiplist tuning

// Compare compares two keys as bytes.Compare does.
type Compare func(a, b []byte) int

// MergeResult mirrors the top-level package's MergeResult without
// importing it, keeping memtable dependency-free of the root package so
// the root package can import memtable.
type MergeResult int

const (
	MergeReturnA MergeResult = iota
	MergeReturnB
	MergeSuccess
	MergeDrop
)

// Merge combines an existing value with a newly-inserted one for the same
// key, writing a MergeSuccess result into out.
type Merge func(key, a, b []byte, out *[]byte) MergeResult

type node struct {
	key, value []byte
	next       []int32 // per-level forward index; -1 means nil
}

// Memtable is a single-writer ordered map bounded by entry count and byte
// budget. It is not safe for concurrent use; the engine that owns it is
// itself single-threaded cooperative.
type Memtable struct {
	cmp   Compare
	merge Merge
	rng   *rand.Rand

	nodes      []node
	head       node
	maxEntries int
	maxBytes   int64

	entries   int
	usedBytes int64
}

// New creates an empty Memtable bounded by maxEntries and maxBytes. Either
// limit, once reached, makes the next Put (that doesn't merge into an
// existing key) return ErrFull.
func New(cmp Compare, merge Merge, maxEntries int, maxBytes int64) *Memtable {
	m := &Memtable{
		cmp:        cmp,
		merge:      merge,
		rng:        rand.New(rand.NewSource(1)),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
	m.head.next = make([]int32, maxHeight)
	for i := range m.head.next {
		m.head.next[i] = -1
	}
	return m
}

func (m *Memtable) randomHeight() int {
	h := 1
	for h < maxHeight && m.rng.Intn(branching) == 0 {
		h++
	}
	return h
}

// findPath locates, for each level, the index of the last node whose key
// is < key (-1 for the head sentinel). prevIdx[0]'s next at level 0 is
// either the first node with key >= key, or -1.
func (m *Memtable) findPath(key []byte) (prevIdx [maxHeight]int32) {
	cur := &m.head
	curIdx := int32(-1)
	for level := maxHeight - 1; level >= 0; level-- {
		for {
			nextIdx := cur.next[level]
			if nextIdx == -1 {
				break
			}
			next := &m.nodes[nextIdx]
			if m.cmp(next.key, key) < 0 {
				cur = next
				curIdx = nextIdx
				continue
			}
			break
		}
		prevIdx[level] = curIdx
	}
	return prevIdx
}

// nextAfter returns the next index at the given level after prevIdx, or -1.
func (m *Memtable) nextAfter(prevIdx int32, level int) int32 {
	if prevIdx == -1 {
		return m.head.next[level]
	}
	return m.nodes[prevIdx].next[level]
}

func (m *Memtable) nodeRef(idx int32) *node {
	if idx == -1 {
		return &m.head
	}
	return &m.nodes[idx]
}

// Put inserts key/value, merging with an existing equal key via the
// configured Merge function. When no Merge is configured, duplicates are
// kept: the new node lands in front of any existing equal-keyed nodes,
// so Get always observes the most recent insert for a key.
func (m *Memtable) Put(key, value []byte) error {
	prevIdx := m.findPath(key)
	existingIdx := m.nextAfter(prevIdx[0], 0)

	if existingIdx != -1 && m.cmp(m.nodes[existingIdx].key, key) == 0 && m.merge != nil {
		existing := &m.nodes[existingIdx]
		var out []byte
		switch m.merge(key, existing.value, value, &out) {
		case MergeReturnA:
			return nil
		case MergeReturnB:
			m.accountReplace(existing, value)
			existing.value = append([]byte(nil), value...)
			return nil
		case MergeSuccess:
			m.accountReplace(existing, out)
			existing.value = append([]byte(nil), out...)
			return nil
		case MergeDrop:
			m.removeAt(prevIdx, existingIdx)
			return nil
		}
	}

	if m.Full() {
		return ErrFull
	}

	height := m.randomHeight()
	idx := int32(len(m.nodes))
	n := node{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
		next:  make([]int32, height),
	}
	for level := 0; level < height; level++ {
		n.next[level] = m.nextAfter(prevIdx[level], level)
		m.nodeRef(prevIdx[level]).next[level] = idx
	}
	m.nodes = append(m.nodes, n)
	m.entries++
	m.usedBytes += int64(len(key) + len(value))
	return nil
}

func (m *Memtable) accountReplace(n *node, newValue []byte) {
	m.usedBytes += int64(len(newValue) - len(n.value))
}

func (m *Memtable) removeAt(prevIdx [maxHeight]int32, idx int32) {
	target := &m.nodes[idx]
	for level := 0; level < len(target.next); level++ {
		p := m.nodeRef(prevIdx[level])
		if p.next[level] == idx {
			if prevIdx[level] == -1 {
				m.head.next[level] = target.next[level]
			} else {
				p.next[level] = target.next[level]
			}
		}
	}
	m.usedBytes -= int64(len(target.key) + len(target.value))
	m.entries--
	// The slice slot is left as a tombstone (its pointers are unlinked);
	// indices are never reused within one Memtable's lifetime.
	target.key = nil
	target.value = nil
}

// Full reports whether the memtable has reached its entry-count or
// byte-budget limit and must be sealed and flushed.
func (m *Memtable) Full() bool {
	if m.maxEntries > 0 && m.entries >= m.maxEntries {
		return true
	}
	if m.maxBytes > 0 && m.usedBytes >= m.maxBytes {
		return true
	}
	return false
}

// Len returns the current number of live entries.
func (m *Memtable) Len() int { return m.entries }

// Get returns the value stored for key, if present.
func (m *Memtable) Get(key []byte) (value []byte, ok bool) {
	prevIdx := m.findPath(key)
	idx := m.nextAfter(prevIdx[0], 0)
	if idx == -1 {
		return nil, false
	}
	n := &m.nodes[idx]
	if m.cmp(n.key, key) != 0 || n.key == nil {
		return nil, false
	}
	return n.value, true
}

// Each calls fn for every live entry in ascending key order.
func (m *Memtable) Each(fn func(key, value []byte)) {
	for idx := m.head.next[0]; idx != -1; idx = m.nodes[idx].next[0] {
		n := &m.nodes[idx]
		if n.key == nil {
			continue
		}
		fn(n.key, n.value)
	}
}
