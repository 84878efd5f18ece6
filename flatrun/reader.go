// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flatrun

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/flate"

	"github.com/novator24/gsktable/varint"
)

// Compare compares two keys as bytes.Compare does.
type Compare func(a, b []byte) int

// Reader is a random-access reader over a completed flat run, optimized
// for binary-searching a single key: an index-driven block selection
// step narrows to one block, which is then decompressed (through the
// block cache) and scanned.
type Reader struct {
	indexFile     *os.File
	firstKeysFile *os.File
	dataFile      *os.File
	cmp           Compare
	checksum      bool

	nEntries uint64
	nBlocks  int
	cache    *blockCache
}

var errChecksumMismatch = &stateError{"flatrun: block checksum mismatch"}

// Open opens a completed flat run read-only. checksum must match what the
// run was written with (Options.ChecksumBlocks): it's passed by the
// caller rather than stored in the file itself, since the engine always
// reopens a run with the same Options it was created under.
func Open(indexFile, firstKeysFile, dataFile *os.File, cmp Compare, cacheBlocks int, checksum bool) (*Reader, error) {
	var hdr [8]byte
	if _, err := indexFile.ReadAt(hdr[:], 0); err != nil {
		return nil, err
	}
	nEntries := binary.LittleEndian.Uint64(hdr[:])

	st, err := indexFile.Stat()
	if err != nil {
		return nil, err
	}
	nBlocks := int((st.Size() - indexHeaderSize) / indexRecordSize)

	if cacheBlocks <= 0 {
		cacheBlocks = 64
	}
	return &Reader{
		indexFile:     indexFile,
		firstKeysFile: firstKeysFile,
		dataFile:      dataFile,
		cmp:           cmp,
		checksum:      checksum,
		nEntries:      nEntries,
		nBlocks:       nBlocks,
		cache:         newBlockCache(cacheBlocks),
	}, nil
}

// NEntries returns the run's total entry count.
func (r *Reader) NEntries() uint64 { return r.nEntries }

// NBlocks returns the number of blocks in the run.
func (r *Reader) NBlocks() int { return r.nBlocks }

func (r *Reader) indexRecord(i int) (indexRecord, error) {
	var buf [indexRecordSize]byte
	if _, err := r.indexFile.ReadAt(buf[:], indexHeaderSize+int64(i)*indexRecordSize); err != nil {
		return indexRecord{}, err
	}
	return decodeIndexRecord(buf[:]), nil
}

func (r *Reader) firstKey(rec indexRecord) ([]byte, error) {
	buf := make([]byte, rec.firstKeysLen)
	if _, err := r.firstKeysFile.ReadAt(buf, int64(rec.firstKeysOff)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *Reader) loadBlock(i int, rec indexRecord) (*blockIter, error) {
	if bi, ok := r.cache.get(i); ok {
		return bi, nil
	}
	compressed := make([]byte, rec.dataLen)
	if _, err := r.dataFile.ReadAt(compressed, int64(rec.dataOff)); err != nil {
		return nil, err
	}
	nEnt64, n1, err := varint.Get(compressed)
	if err != nil {
		return nil, err
	}
	uncompLen, n2, err := varint.Get(compressed[n1:])
	if err != nil {
		return nil, err
	}
	hdr := n1 + n2
	deflated := compressed[hdr:]
	if r.checksum {
		if len(deflated) < 8 {
			return nil, errChecksumMismatch
		}
		split := len(deflated) - 8
		want := binary.LittleEndian.Uint64(deflated[split:])
		if xxhash.Sum64(deflated[:split]) != want {
			return nil, errChecksumMismatch
		}
		deflated = deflated[:split]
	}
	fr := flate.NewReader(bytes.NewReader(deflated))
	defer fr.Close()
	payload := make([]byte, uncompLen)
	if _, err := io.ReadFull(fr, payload); err != nil {
		return nil, err
	}
	bi := newBlockIter(payload, int(nEnt64))
	r.cache.put(i, bi)
	return bi, nil
}

// Query binary-searches the block index for target, then within the
// selected block, returning the value of an exact match.
func (r *Reader) Query(target []byte) (value []byte, found bool, err error) {
	if r.nBlocks == 0 {
		return nil, false, nil
	}

	// Find the last block whose first key is <= target.
	blockIdx := sort.Search(r.nBlocks, func(i int) bool {
		rec, e := r.indexRecord(i)
		if e != nil {
			err = e
			return true
		}
		fk, e := r.firstKey(rec)
		if e != nil {
			err = e
			return true
		}
		return r.cmp(fk, target) > 0
	})
	if err != nil {
		return nil, false, err
	}
	if blockIdx == 0 {
		return nil, false, nil
	}
	blockIdx--

	rec, err := r.indexRecord(blockIdx)
	if err != nil {
		return nil, false, err
	}
	bi, err := r.loadBlock(blockIdx, rec)
	if err != nil {
		return nil, false, err
	}
	cloned := &blockIter{data: bi.data, n: bi.n}
	if err := cloned.first(); err != nil {
		return nil, false, err
	}
	for cloned.valid() {
		c := r.cmp(cloned.key, target)
		if c == 0 {
			out := append([]byte(nil), cloned.value...)
			return out, true, nil
		}
		if c > 0 {
			return nil, false, nil
		}
		if err := cloned.next(); err != nil {
			return nil, false, err
		}
	}
	return nil, false, nil
}

