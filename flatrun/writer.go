// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flatrun

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/flate"

	"github.com/novator24/gsktable/varint"
)

// FeedResult mirrors the File abstraction's tri-state feed result:
// WantMore, Success (a block boundary, the safe point to call
// GetBuildState), or an error.
type FeedResult int

const (
	WantMore FeedResult = iota
	Success
)

// Writer is a one-pass flat-run writer: entries must be fed in strictly
// increasing key order.
type Writer struct {
	blockSize int
	checksum  bool // append an xxhash64 trailer to each compressed block

	indexFile     *os.File
	firstKeysFile *os.File
	dataFile      *os.File

	indexOff     uint64
	firstKeysOff uint64
	dataOff      uint64

	nEntries     uint64 // total entries fed so far
	block        blockWriter
	blockFirst   []byte
	compressBuf  bytes.Buffer
	flateWriter  *flate.Writer
	pendingBytes int
}

// Create begins writing a new flat run backed by the three given files,
// which must be empty and opened for writing. checksum enables an
// xxhash64 trailer on every compressed block (Options.ChecksumBlocks),
// verified by the Reader on load.
func Create(indexFile, firstKeysFile, dataFile *os.File, blockSize int, checksum bool) (*Writer, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	fw, err := flate.NewWriter(&bytes.Buffer{}, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		blockSize:     blockSize,
		checksum:      checksum,
		indexFile:     indexFile,
		firstKeysFile: firstKeysFile,
		dataFile:      dataFile,
		flateWriter:   fw,
	}
	// Reserve the 8-byte entry-count header; it's finalized in
	// DoneFeeding once the total is known.
	var hdr [indexHeaderSize]byte
	if _, err := w.indexFile.WriteAt(hdr[:], 0); err != nil {
		return nil, err
	}
	w.indexOff = indexHeaderSize
	return w, nil
}

// OpenBuilding resumes a writer whose GetBuildState was serialized at a
// prior Success boundary: state is (entry count, index offset, firstkeys
// offset, data offset), each 8 bytes. The process that crashed may have
// flushed further blocks after that boundary, so each backing file is
// truncated back to its saved offset before appends resume; everything
// past the boundary is discarded, not incorporated.
func OpenBuilding(indexFile, firstKeysFile, dataFile *os.File, blockSize int, checksum bool, state []byte) (*Writer, error) {
	if len(state) != 32 {
		return nil, errCorruptState
	}
	w, err := Create(indexFile, firstKeysFile, dataFile, blockSize, checksum)
	if err != nil {
		return nil, err
	}
	w.nEntries = binary.LittleEndian.Uint64(state[0:8])
	w.indexOff = binary.LittleEndian.Uint64(state[8:16])
	w.firstKeysOff = binary.LittleEndian.Uint64(state[16:24])
	w.dataOff = binary.LittleEndian.Uint64(state[24:32])

	if err := indexFile.Truncate(int64(w.indexOff)); err != nil {
		return nil, err
	}
	if err := firstKeysFile.Truncate(int64(w.firstKeysOff)); err != nil {
		return nil, err
	}
	if err := dataFile.Truncate(int64(w.dataOff)); err != nil {
		return nil, err
	}
	return w, nil
}

var errCorruptState = &stateError{"flatrun: malformed writer build state"}

type stateError struct{ msg string }

func (e *stateError) Error() string { return e.msg }

// GetBuildState serializes enough state to resume the writer after a
// restart. It must only be called right after Feed returned Success,
// when the in-progress block is empty and the file offsets mark a clean
// boundary.
func (w *Writer) GetBuildState() []byte {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:8], w.nEntries)
	binary.LittleEndian.PutUint64(buf[8:16], w.indexOff)
	binary.LittleEndian.PutUint64(buf[16:24], w.firstKeysOff)
	binary.LittleEndian.PutUint64(buf[24:32], w.dataOff)
	return buf[:]
}

// Feed appends one entry, which must sort after every previously fed
// entry under the run's comparator. It returns Success exactly when a
// block has just been flushed to the backing files.
func (w *Writer) Feed(key, value []byte) (FeedResult, error) {
	if w.block.nEntries == 0 {
		w.blockFirst = append(w.blockFirst[:0], key...)
	}
	w.pendingBytes += w.block.add(key, value)
	w.nEntries++

	if w.pendingBytes >= w.blockSize {
		if err := w.flushBlock(); err != nil {
			return 0, err
		}
		return Success, nil
	}
	return WantMore, nil
}

// flushBlock compresses and writes out the current in-progress block,
// then resets block-local state.
func (w *Writer) flushBlock() error {
	if w.block.nEntries == 0 {
		return nil
	}
	compressed, err := compressBlock(w.flateWriter, &w.compressBuf, w.block.buf)
	if err != nil {
		return err
	}
	if w.checksum {
		var sum [8]byte
		binary.LittleEndian.PutUint64(sum[:], xxhash.Sum64(compressed))
		compressed = append(compressed, sum[:]...)
	}

	var hdr [2 * varint.MaxLen]byte
	n := varint.Put(hdr[0:], uint32(w.block.nEntries))
	n += varint.Put(hdr[n:], uint32(len(w.block.buf)))

	dataLen := n + len(compressed)
	if _, err := w.dataFile.WriteAt(hdr[:n], int64(w.dataOff)); err != nil {
		return err
	}
	if _, err := w.dataFile.WriteAt(compressed, int64(w.dataOff)+int64(n)); err != nil {
		return err
	}

	if _, err := w.firstKeysFile.WriteAt(w.blockFirst, int64(w.firstKeysOff)); err != nil {
		return err
	}

	rec := indexRecord{
		firstKeysOff: w.firstKeysOff,
		firstKeysLen: uint32(len(w.blockFirst)),
		dataOff:      w.dataOff,
		dataLen:      uint32(dataLen),
	}
	var recBuf [indexRecordSize]byte
	rec.encode(recBuf[:])
	if _, err := w.indexFile.WriteAt(recBuf[:], int64(w.indexOff)); err != nil {
		return err
	}

	w.firstKeysOff += uint64(len(w.blockFirst))
	w.dataOff += uint64(dataLen)
	w.indexOff += indexRecordSize

	w.block.reset()
	w.pendingBytes = 0
	return nil
}

// DoneFeeding closes the current block if nonempty, then truncates the
// three backing files to their logical length and writes the final
// 8-byte entry count at index-file offset 0.
func (w *Writer) DoneFeeding() error {
	if err := w.flushBlock(); err != nil {
		return err
	}
	if err := w.indexFile.Truncate(int64(w.indexOff)); err != nil {
		return err
	}
	if err := w.firstKeysFile.Truncate(int64(w.firstKeysOff)); err != nil {
		return err
	}
	if err := w.dataFile.Truncate(int64(w.dataOff)); err != nil {
		return err
	}
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], w.nEntries)
	if _, err := w.indexFile.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	return nil
}

// NEntries returns the number of entries fed so far.
func (w *Writer) NEntries() uint64 { return w.nEntries }
