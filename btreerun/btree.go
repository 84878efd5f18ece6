// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package btreerun implements the alternate B-tree run format: a
// height-H tree with a fixed per-node fanout, leaves holding entries
// (with values in a side "value" file) and interior levels holding
// separator keys plus child pointers.
//
// The tree is built eagerly: entries are buffered during Feed and the
// whole tree is constructed in one pass during DoneFeeding. This trades
// build-time memory for a much simpler builder than a streaming
// bottom-up construction would need, and keeps the format's external
// contract identical to the flat run format's.
package btreerun

import (
	"encoding/binary"
	"os"
)

// Fanout is the fixed number of entries per leaf node and fixed number of
// children per interior node.
const Fanout = 64

const magic = 0x67736b42 // "gskB"

// Compare compares two keys as bytes.Compare does.
type Compare func(a, b []byte) int

type entry struct {
	key, value []byte
}

// Writer buffers entries fed in sorted order and builds the tree on
// DoneFeeding.
type Writer struct {
	mainFile  *os.File
	valueFile *os.File
	entries   []entry
	built     bool
}

// Create begins writing a new B-tree run.
func Create(mainFile, valueFile *os.File) (*Writer, error) {
	return &Writer{mainFile: mainFile, valueFile: valueFile}, nil
}

// OpenBuilding resumes a writer from serialized state: the length-prefixed
// log of every entry fed so far, as GetBuildState produced it. Nothing is
// read back from mainFile or valueFile; the tree is built from the
// restored entries at DoneFeeding.
func OpenBuilding(mainFile, valueFile *os.File, state []byte) (*Writer, error) {
	w := &Writer{mainFile: mainFile, valueFile: valueFile}
	off := 0
	for off < len(state) {
		if off+8 > len(state) {
			return nil, errCorrupt
		}
		kl := binary.LittleEndian.Uint32(state[off:])
		vl := binary.LittleEndian.Uint32(state[off+4:])
		off += 8
		if off+int(kl)+int(vl) > len(state) {
			return nil, errCorrupt
		}
		k := append([]byte(nil), state[off:off+int(kl)]...)
		off += int(kl)
		v := append([]byte(nil), state[off:off+int(vl)]...)
		off += int(vl)
		w.entries = append(w.entries, entry{k, v})
	}
	return w, nil
}

type corruptError string

func (e corruptError) Error() string { return string(e) }

var errCorrupt = corruptError("btreerun: malformed build state")

// Feed buffers one entry. Every Feed returns WantMore: this format never
// signals a block boundary, since the tree is only assembled once, at
// DoneFeeding.
func (w *Writer) Feed(key, value []byte) (wantMore bool, err error) {
	w.entries = append(w.entries, entry{append([]byte(nil), key...), append([]byte(nil), value...)})
	return true, nil
}

// GetBuildState serializes the buffered entries as a simple length-
// prefixed log, valid to call at any point (every Feed is a safe point
// for this format, since nothing has been written to disk yet).
func (w *Writer) GetBuildState() []byte {
	var buf []byte
	var tmp [8]byte
	for _, e := range w.entries {
		binary.LittleEndian.PutUint32(tmp[0:4], uint32(len(e.key)))
		binary.LittleEndian.PutUint32(tmp[4:8], uint32(len(e.value)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, e.key...)
		buf = append(buf, e.value...)
	}
	return buf
}

type levelNode struct {
	firstKey []byte
	offset   uint64
	length   uint32
}

// DoneFeeding builds the whole tree in one pass and returns ready=true.
// Entries must already have arrived in sorted order through Feed.
func (w *Writer) DoneFeeding() (ready bool, err error) {
	var valueOff uint64
	leaves := make([]levelNode, 0, (len(w.entries)+Fanout-1)/Fanout+1)
	var mainBuf []byte

	for start := 0; start < len(w.entries) || len(w.entries) == 0; start += Fanout {
		end := start + Fanout
		if end > len(w.entries) {
			end = len(w.entries)
		}
		chunk := w.entries[start:end]

		node, err := encodeLeaf(chunk, w.valueFile, &valueOff)
		if err != nil {
			return false, err
		}
		off := uint64(len(mainBuf))
		mainBuf = append(mainBuf, node...)
		fk := []byte{}
		if len(chunk) > 0 {
			fk = chunk[0].key
		}
		leaves = append(leaves, levelNode{firstKey: fk, offset: off, length: uint32(len(node))})
		if len(w.entries) == 0 {
			break
		}
	}

	levels := [][]levelNode{leaves}
	for len(levels[len(levels)-1]) > 1 {
		prev := levels[len(levels)-1]
		var next []levelNode
		for start := 0; start < len(prev); start += Fanout {
			end := start + Fanout
			if end > len(prev) {
				end = len(prev)
			}
			chunk := prev[start:end]
			node := encodeInterior(chunk)
			off := uint64(len(mainBuf))
			mainBuf = append(mainBuf, node...)
			next = append(next, levelNode{firstKey: chunk[0].firstKey, offset: off, length: uint32(len(node))})
		}
		levels = append(levels, next)
	}

	height := len(levels)
	hdr := encodeHeader(height, levels)
	if _, err := w.mainFile.WriteAt(hdr, 0); err != nil {
		return false, err
	}
	if _, err := w.mainFile.WriteAt(mainBuf, int64(len(hdr))); err != nil {
		return false, err
	}
	if err := w.mainFile.Truncate(int64(len(hdr) + len(mainBuf))); err != nil {
		return false, err
	}
	if err := w.valueFile.Truncate(int64(valueOff)); err != nil {
		return false, err
	}
	w.built = true
	return true, nil
}

func encodeLeaf(chunk []entry, valueFile *os.File, valueOff *uint64) ([]byte, error) {
	var buf []byte
	buf = append(buf, 1) // isLeaf
	var cnt [4]byte
	binary.LittleEndian.PutUint32(cnt[:], uint32(len(chunk)))
	buf = append(buf, cnt[:]...)
	for _, e := range chunk {
		var tmp [4 + 8 + 4]byte
		binary.LittleEndian.PutUint32(tmp[0:4], uint32(len(e.key)))
		binary.LittleEndian.PutUint64(tmp[4:12], *valueOff)
		binary.LittleEndian.PutUint32(tmp[12:16], uint32(len(e.value)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, e.key...)
		if _, err := valueFile.WriteAt(e.value, int64(*valueOff)); err != nil {
			return nil, err
		}
		*valueOff += uint64(len(e.value))
	}
	return buf, nil
}

func encodeInterior(chunk []levelNode) []byte {
	var buf []byte
	buf = append(buf, 0) // not leaf
	var cnt [4]byte
	binary.LittleEndian.PutUint32(cnt[:], uint32(len(chunk)))
	buf = append(buf, cnt[:]...)
	for _, c := range chunk {
		var tmp [4 + 8 + 4]byte
		binary.LittleEndian.PutUint32(tmp[0:4], uint32(len(c.firstKey)))
		binary.LittleEndian.PutUint64(tmp[4:12], c.offset)
		binary.LittleEndian.PutUint32(tmp[12:16], c.length)
		buf = append(buf, tmp[:]...)
		buf = append(buf, c.firstKey...)
	}
	return buf
}

// header layout: magic(4) height(4) flags(4) reserved(4) then per level
// (offset:8, length:4) where offset is relative to end-of-header.
func encodeHeader(height int, levels [][]levelNode) []byte {
	buf := make([]byte, 16+12*height)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(height))
	// flags: bit0 fixed-key, bit1 fixed-value — unused, always variable.
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	off := 0
	for i, lvl := range levels {
		var length int
		for _, n := range lvl {
			length += int(n.length)
		}
		base := 16 + 12*i
		binary.LittleEndian.PutUint64(buf[base:base+8], uint64(off))
		binary.LittleEndian.PutUint32(buf[base+8:base+12], uint32(length))
		off += length
	}
	return buf
}

// BuildFile is a no-op: DoneFeeding always completes synchronously.
func (w *Writer) BuildFile() (ready bool, err error) { return true, nil }
