// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package btreerun

import (
	"encoding/binary"
	"os"
	"sort"
)

type levelSpan struct {
	off uint64
	len uint32
}

// Reader is a random-access and sequential reader over a completed
// B-tree run.
type Reader struct {
	mainFile  *os.File
	valueFile *os.File
	cmp       Compare

	headerLen int
	height    int
	levels    []levelSpan
}

// Open opens a completed B-tree run read-only.
func Open(mainFile, valueFile *os.File, cmp Compare) (*Reader, error) {
	var hdr [16]byte
	if _, err := mainFile.ReadAt(hdr[:], 0); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != magic {
		return nil, errCorrupt
	}
	height := int(binary.LittleEndian.Uint32(hdr[4:8]))
	headerLen := 16 + 12*height
	lvlHdr := make([]byte, 12*height)
	if _, err := mainFile.ReadAt(lvlHdr, 16); err != nil {
		return nil, err
	}
	levels := make([]levelSpan, height)
	for i := 0; i < height; i++ {
		base := 12 * i
		levels[i] = levelSpan{
			off: binary.LittleEndian.Uint64(lvlHdr[base : base+8]),
			len: binary.LittleEndian.Uint32(lvlHdr[base+8 : base+12]),
		}
	}
	return &Reader{mainFile: mainFile, valueFile: valueFile, cmp: cmp, headerLen: headerLen, height: height, levels: levels}, nil
}

type nodeEntry struct {
	key         []byte
	child       uint64 // interior: absolute child offset; leaf: value offset
	childLen    uint32
	valueLen    uint32
}

func (r *Reader) readNode(absOffset uint64, length uint32) (isLeaf bool, entries []nodeEntry, err error) {
	buf := make([]byte, length)
	if _, err := r.mainFile.ReadAt(buf, int64(absOffset)); err != nil {
		return false, nil, err
	}
	isLeaf = buf[0] == 1
	count := int(binary.LittleEndian.Uint32(buf[1:5]))
	off := 5
	entries = make([]nodeEntry, count)
	for i := 0; i < count; i++ {
		if isLeaf {
			keyLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
			valOff := binary.LittleEndian.Uint64(buf[off+4 : off+12])
			valLen := binary.LittleEndian.Uint32(buf[off+12 : off+16])
			off += 16
			key := buf[off : off+keyLen]
			off += keyLen
			entries[i] = nodeEntry{key: key, child: valOff, valueLen: valLen}
		} else {
			keyLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
			childOff := binary.LittleEndian.Uint64(buf[off+4 : off+12])
			childLen := binary.LittleEndian.Uint32(buf[off+12 : off+16])
			off += 16
			key := buf[off : off+keyLen]
			off += keyLen
			entries[i] = nodeEntry{key: key, child: childOff, childLen: childLen}
		}
	}
	return isLeaf, entries, nil
}

func (r *Reader) rootSpan() (uint64, uint32, bool) {
	if r.height == 0 {
		return 0, 0, false
	}
	top := r.levels[r.height-1]
	if top.len == 0 {
		return 0, 0, false
	}
	return uint64(r.headerLen) + top.off, top.len, true
}

// Query performs an exact-match lookup by descending from the root.
func (r *Reader) Query(target []byte) (value []byte, found bool, err error) {
	off, length, ok := r.rootSpan()
	if !ok {
		return nil, false, nil
	}
	for {
		isLeaf, entries, err := r.readNode(off, length)
		if err != nil {
			return nil, false, err
		}
		if len(entries) == 0 {
			return nil, false, nil
		}
		if isLeaf {
			idx := sort.Search(len(entries), func(i int) bool {
				return r.cmp(entries[i].key, target) >= 0
			})
			if idx >= len(entries) || r.cmp(entries[idx].key, target) != 0 {
				return nil, false, nil
			}
			buf := make([]byte, entries[idx].valueLen)
			if _, err := r.valueFile.ReadAt(buf, int64(entries[idx].child)); err != nil {
				return nil, false, err
			}
			return buf, true, nil
		}
		// Find the last child whose separator key is <= target.
		idx := sort.Search(len(entries), func(i int) bool {
			return r.cmp(entries[i].key, target) > 0
		})
		if idx == 0 {
			return nil, false, nil
		}
		sel := entries[idx-1]
		off = uint64(r.headerLen) + sel.child
		length = sel.childLen
	}
}

// SeqReader walks every leaf entry in key order, for merges.
type SeqReader struct {
	r        *Reader
	leafIdx  int
	entries  []nodeEntry
	entryIdx int
	eof      bool
	err      error

	key, value []byte
}

// NewSeqReader creates a sequential reader positioned before the first
// entry.
func NewSeqReader(r *Reader) *SeqReader {
	return &SeqReader{r: r, leafIdx: -1}
}

func (s *SeqReader) loadLeaf(idx int) error {
	if s.r.height == 0 || idx >= len(s.r.leafOffsets()) {
		s.eof = true
		return nil
	}
	off, length := s.r.leafOffsets()[idx].off, s.r.leafOffsets()[idx].len
	_, entries, err := s.r.readNode(off, length)
	if err != nil {
		return err
	}
	s.entries = entries
	s.entryIdx = 0
	return nil
}

// leafOffsets returns the absolute (offset, length) of every level-0 node.
func (r *Reader) leafOffsets() []levelSpanAbs {
	if r.height == 0 {
		return nil
	}
	lvl := r.levels[0]
	var out []levelSpanAbs
	pos := lvl.off
	end := lvl.off + uint64(lvl.len)
	for pos < end {
		var hdr [5]byte
		if _, err := r.mainFile.ReadAt(hdr[:], int64(uint64(r.headerLen)+pos)); err != nil {
			break
		}
		count := binary.LittleEndian.Uint32(hdr[1:5])
		nodeLen := nodeByteLen(r, uint64(r.headerLen)+pos, true, count)
		out = append(out, levelSpanAbs{off: uint64(r.headerLen) + pos, len: uint32(nodeLen)})
		pos += uint64(nodeLen)
	}
	return out
}

type levelSpanAbs struct {
	off uint64
	len uint32
}

// nodeByteLen re-derives a node's on-disk length by scanning its entries,
// since leaf/interior nodes are variable length and level spans only
// store the whole level's total length.
func nodeByteLen(r *Reader, absOffset uint64, isLeaf bool, count uint32) int {
	// Read a generous chunk and parse incrementally; nodes are small
	// (Fanout entries), so a bounded re-read is cheap.
	const guess = 64 * 1024
	buf := make([]byte, guess)
	n, _ := r.mainFile.ReadAt(buf, int64(absOffset))
	buf = buf[:n]
	off := 5
	for i := uint32(0); i < count; i++ {
		if off+16 > len(buf) {
			break
		}
		keyLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 16 + keyLen
	}
	return off
}

// Advance moves to the next entry, returning false at EOF.
func (s *SeqReader) Advance() bool {
	if s.eof || s.err != nil {
		return false
	}
	for {
		if s.entries == nil {
			s.leafIdx++
			if err := s.loadLeaf(s.leafIdx); err != nil {
				s.err = err
				return false
			}
			if s.eof {
				return false
			}
			if s.entryIdx < len(s.entries) {
				e := s.entries[s.entryIdx]
				s.key, s.value = e.key, s.readValue(e)
				return true
			}
			s.entries = nil
			continue
		}
		s.entryIdx++
		if s.entryIdx < len(s.entries) {
			e := s.entries[s.entryIdx]
			s.key, s.value = e.key, s.readValue(e)
			return true
		}
		s.entries = nil
	}
}

func (s *SeqReader) readValue(e nodeEntry) []byte {
	buf := make([]byte, e.valueLen)
	s.r.valueFile.ReadAt(buf, int64(e.child))
	return buf
}

func (s *SeqReader) Key() []byte   { return s.key }
func (s *SeqReader) Value() []byte { return s.value }
func (s *SeqReader) EOF() bool     { return s.eof }
func (s *SeqReader) Err() error    { return s.err }

// GetState serializes the reader's position as (leafIdx, entryIdx).
func (s *SeqReader) GetState() []byte {
	if s.eof {
		return []byte{1}
	}
	buf := make([]byte, 9)
	buf[0] = 0
	binary.LittleEndian.PutUint32(buf[1:5], uint32(s.leafIdx))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(s.entryIdx))
	return buf
}

// Recreate restores a sequential reader from GetState.
func Recreate(r *Reader, state []byte) (*SeqReader, error) {
	if len(state) == 0 {
		return nil, errCorrupt
	}
	if state[0] == 1 {
		return &SeqReader{r: r, eof: true}, nil
	}
	if len(state) != 9 {
		return nil, errCorrupt
	}
	leafIdx := int(int32(binary.LittleEndian.Uint32(state[1:5])))
	entryIdx := int(binary.LittleEndian.Uint32(state[5:9]))
	if leafIdx < 0 {
		// State of a reader that was never advanced.
		return NewSeqReader(r), nil
	}
	s := &SeqReader{r: r, leafIdx: leafIdx}
	if err := s.loadLeaf(leafIdx); err != nil {
		return nil, err
	}
	s.entryIdx = entryIdx
	if !s.eof && entryIdx < len(s.entries) {
		e := s.entries[entryIdx]
		s.key, s.value = e.key, s.readValue(e)
	}
	return s, nil
}
