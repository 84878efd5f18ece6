// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flatrun

import (
	"bytes"

	"github.com/klauspost/compress/flate"

	"github.com/novator24/gsktable/varint"
)

// blockWriter accumulates one block's worth of entries in their
// uncompressed, prefix-compressed wire form: per record, varints for
// (shared prefix len, suffix len, value len), then the key suffix and
// the value. The first record of a block always has shared == 0, so a
// block decodes standalone.
type blockWriter struct {
	nEntries int
	buf      []byte
	prevKey  []byte
	tmp      [3 * varint.MaxLen]byte
}

func (w *blockWriter) reset() {
	w.nEntries = 0
	w.buf = w.buf[:0]
	w.prevKey = w.prevKey[:0]
}

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// add appends one entry's wire encoding to the block's uncompressed
// payload and returns the number of uncompressed bytes just added, so the
// caller can track the block-size threshold.
func (w *blockWriter) add(key, value []byte) int {
	shared := 0
	if w.nEntries > 0 {
		shared = sharedPrefixLen(key, w.prevKey)
	}
	suffix := key[shared:]

	n := varint.Put(w.tmp[0:], uint32(shared))
	n += varint.Put(w.tmp[n:], uint32(len(suffix)))
	n += varint.Put(w.tmp[n:], uint32(len(value)))
	start := len(w.buf)
	w.buf = append(w.buf, w.tmp[:n]...)
	w.buf = append(w.buf, suffix...)
	w.buf = append(w.buf, value...)
	w.nEntries++
	w.prevKey = append(w.prevKey[:0], key...)
	return len(w.buf) - start
}

// compressBlock finalizes the accumulated block, returning the deflate-
// compressed bytes of its uncompressed payload. The compressor is reset
// per block (no cross-block dictionary): every block must be
// independently decompressible, since the reader binary-searches the
// index down to a single block and decompresses only that one.
func compressBlock(fw *flate.Writer, buf *bytes.Buffer, payload []byte) ([]byte, error) {
	buf.Reset()
	fw.Reset(buf)
	if _, err := fw.Write(payload); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// blockIter decodes entries out of one decompressed block payload.
type blockIter struct {
	data []byte
	off  int
	idx  int
	n    int

	key, value []byte
}

func newBlockIter(data []byte, n int) *blockIter {
	return &blockIter{data: data, n: n}
}

// first resets the iterator to the block's first entry.
func (it *blockIter) first() error {
	it.off = 0
	it.idx = 0
	it.key = it.key[:0]
	return it.loadCurrent()
}

func (it *blockIter) loadCurrent() error {
	if it.idx >= it.n {
		return nil
	}
	shared, n1, err := varint.Get(it.data[it.off:])
	if err != nil {
		return err
	}
	unshared, n2, err := varint.Get(it.data[it.off+n1:])
	if err != nil {
		return err
	}
	valLen, n3, err := varint.Get(it.data[it.off+n1+n2:])
	if err != nil {
		return err
	}
	hdr := n1 + n2 + n3
	suffixStart := it.off + hdr
	suffixEnd := suffixStart + int(unshared)
	valEnd := suffixEnd + int(valLen)

	newKey := append(it.key[:shared:shared], it.data[suffixStart:suffixEnd]...)
	it.key = newKey
	it.value = it.data[suffixEnd:valEnd]
	it.off = valEnd
	return nil
}

// valid reports whether the iterator is positioned on a real entry.
func (it *blockIter) valid() bool { return it.idx < it.n }

// next advances to the next entry in the block.
func (it *blockIter) next() error {
	it.idx++
	if it.idx >= it.n {
		return nil
	}
	return it.loadCurrent()
}
