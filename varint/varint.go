// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package varint implements the unsigned, MSB-continuation varint
// encoding used by the flat run format's block records. Groups of 7
// payload bits are stored most-significant first; bit 7 of every byte
// except the last is set as a continuation flag.
package varint

import "errors"

// ErrOverflow is returned when a varint would require more than 5 bytes
// (i.e. does not fit in 32 bits), which gsktable treats as corruption: no
// legitimate length field needs more than 5 bytes of varint.
var ErrOverflow = errors.New("varint: overflow")

// ErrShort is returned when the continuation bit is set on the last
// available byte.
var ErrShort = errors.New("varint: short buffer")

// MaxLen is the maximum number of bytes a 32-bit varint can occupy.
const MaxLen = 5

// Put encodes v into buf (which must have length >= MaxLen) and returns the
// number of bytes written. The most significant 7-bit group comes first.
func Put(buf []byte, v uint32) int {
	n := Len(v)
	for i := n - 1; i >= 0; i-- {
		b := byte(v & 0x7f)
		if i != n-1 {
			b |= 0x80
		}
		buf[i] = b
		v >>= 7
	}
	return n
}

// Len returns the number of bytes Put(v) would write.
func Len(v uint32) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// Get decodes a varint from the front of buf, returning the value and the
// number of bytes consumed. It returns an error if buf is exhausted before
// the continuation bit clears, or if more than MaxLen bytes would be
// required.
func Get(buf []byte) (uint32, int, error) {
	var v uint32
	for i := 0; i < MaxLen; i++ {
		if i >= len(buf) {
			return 0, 0, ErrShort
		}
		b := buf[i]
		v = v<<7 | uint32(b&0x7f)
		if b < 0x80 {
			return v, i + 1, nil
		}
	}
	return 0, 0, ErrOverflow
}
