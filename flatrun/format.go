// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package flatrun implements the flat run file format: a
// writable/readable immutable sorted file split across three backing
// files (index, firstkeys, data) so that small read regions suffice for
// index/firstkeys while data is streamed, with ~16 KiB compressed blocks
// and prefix-compressed keys within each block. There are no intra-block
// restart points; every block boundary is an implicit restart, since
// each block must be independently decompressible for random access.
package flatrun

import (
	"encoding/binary"
)

// DefaultBlockSize is the target uncompressed payload size per block.
const DefaultBlockSize = 16 * 1024

// indexRecordSize is the fixed size of one index-file record:
// (firstkeys_off:8, firstkeys_len:4, data_off:8, data_len:4).
const indexRecordSize = 24

// indexHeaderSize is the 8-byte entry count at offset 0 of the index file.
const indexHeaderSize = 8

type indexRecord struct {
	firstKeysOff uint64
	firstKeysLen uint32
	dataOff      uint64
	dataLen      uint32
}

func (r indexRecord) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], r.firstKeysOff)
	binary.LittleEndian.PutUint32(buf[8:12], r.firstKeysLen)
	binary.LittleEndian.PutUint64(buf[12:20], r.dataOff)
	binary.LittleEndian.PutUint32(buf[20:24], r.dataLen)
}

func decodeIndexRecord(buf []byte) indexRecord {
	return indexRecord{
		firstKeysOff: binary.LittleEndian.Uint64(buf[0:8]),
		firstKeysLen: binary.LittleEndian.Uint32(buf[8:12]),
		dataOff:      binary.LittleEndian.Uint64(buf[12:20]),
		dataLen:      binary.LittleEndian.Uint32(buf[20:24]),
	}
}
