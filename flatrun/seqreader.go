// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flatrun

import "encoding/binary"

// SeqReader is a sequential reader over a flat run, used by the merge
// scheduler to walk two input runs in lockstep. Its serialized state is
// (mode byte, block index, record index within block): the per-file
// offsets of the current block are already determined by the block
// index through the index file, so the block index alone restores the
// exact position.
type SeqReader struct {
	r     *Reader
	block int
	bi    *blockIter
	eof   bool
	err   error
}

// NewSeqReader creates a sequential reader positioned before the first
// entry; call Advance to load the first entry.
func NewSeqReader(r *Reader) *SeqReader {
	return &SeqReader{r: r, block: -1}
}

const (
	seqModeInProgress byte = 0
	seqModeEOF        byte = 1
)

// GetState serializes the reader's current position.
func (s *SeqReader) GetState() []byte {
	if s.eof {
		return []byte{seqModeEOF}
	}
	buf := make([]byte, 9)
	buf[0] = seqModeInProgress
	binary.LittleEndian.PutUint32(buf[1:5], uint32(s.block))
	recIdx := uint32(0)
	if s.bi != nil {
		recIdx = uint32(s.bi.idx)
	}
	binary.LittleEndian.PutUint32(buf[5:9], recIdx)
	return buf
}

// Recreate restores a sequential reader from state produced by GetState.
func Recreate(r *Reader, state []byte) (*SeqReader, error) {
	if len(state) == 0 {
		return nil, errCorruptState
	}
	if state[0] == seqModeEOF {
		return &SeqReader{r: r, block: r.nBlocks, eof: true}, nil
	}
	if len(state) != 9 {
		return nil, errCorruptState
	}
	block := int(int32(binary.LittleEndian.Uint32(state[1:5])))
	recIdx := int(binary.LittleEndian.Uint32(state[5:9]))
	if block < 0 {
		// State of a reader that was never advanced.
		return NewSeqReader(r), nil
	}
	s := &SeqReader{r: r, block: block}
	if err := s.loadBlock(); err != nil {
		return nil, err
	}
	for s.bi.idx < recIdx {
		if err := s.bi.next(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *SeqReader) loadBlock() error {
	if s.block >= s.r.nBlocks {
		s.eof = true
		return nil
	}
	rec, err := s.r.indexRecord(s.block)
	if err != nil {
		return err
	}
	bi, err := s.r.loadBlock(s.block, rec)
	if err != nil {
		return err
	}
	clone := &blockIter{data: bi.data, n: bi.n}
	if err := clone.first(); err != nil {
		return err
	}
	s.bi = clone
	return nil
}

// Advance moves to the next entry, returning false at EOF.
func (s *SeqReader) Advance() bool {
	if s.eof || s.err != nil {
		return false
	}
	for {
		if s.bi == nil {
			s.block++
			if err := s.loadBlock(); err != nil {
				s.err = err
				return false
			}
			if s.eof {
				return false
			}
			if s.bi.valid() {
				return true
			}
			continue
		}
		if err := s.bi.next(); err != nil {
			s.err = err
			return false
		}
		if s.bi.valid() {
			return true
		}
		s.bi = nil
	}
}

// Key returns the current entry's key. Only valid after Advance returns true.
func (s *SeqReader) Key() []byte { return s.bi.key }

// Value returns the current entry's value.
func (s *SeqReader) Value() []byte { return s.bi.value }

// EOF reports whether the reader has been exhausted.
func (s *SeqReader) EOF() bool { return s.eof }

// Err returns any error encountered while reading.
func (s *SeqReader) Err() error { return s.err }
