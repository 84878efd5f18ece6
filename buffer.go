// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package gsktable

// Buffer is a reusable output area for Merge and Simplify callbacks.
// Callers write the combined value into it via SetBytes or Append and
// return the corresponding *Success result; the caller never needs to
// allocate a fresh slice for a single merge step.
type Buffer struct {
	buf []byte
}

// SetBytes replaces the buffer's contents with a copy of b.
func (buf *Buffer) SetBytes(b []byte) {
	buf.buf = append(buf.buf[:0], b...)
}

// Append appends b to the buffer's current contents.
func (buf *Buffer) Append(b []byte) {
	buf.buf = append(buf.buf, b...)
}

// Bytes returns the buffer's current contents. The slice is invalidated by
// the next SetBytes or Append call.
func (buf *Buffer) Bytes() []byte {
	return buf.buf
}
