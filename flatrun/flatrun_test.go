// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flatrun

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempTriple(t *testing.T) (idx, fk, data *os.File) {
	t.Helper()
	dir := t.TempDir()
	open := func(name string) *os.File {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		require.NoError(t, err)
		t.Cleanup(func() { f.Close() })
		return f
	}
	return open("index"), open("firstkeys"), open("data")
}

func sortedEntries(n int) [][2]string {
	out := make([][2]string, n)
	for i := 0; i < n; i++ {
		out[i] = [2]string{fmt.Sprintf("key-%06d", i), fmt.Sprintf("value-%d", i)}
	}
	return out
}

func writeAll(t *testing.T, w *Writer, entries [][2]string) {
	t.Helper()
	for _, e := range entries {
		_, err := w.Feed([]byte(e[0]), []byte(e[1]))
		require.NoError(t, err)
	}
	require.NoError(t, w.DoneFeeding())
}

func TestWriteReadRoundTrip(t *testing.T) {
	idx, fk, data := tempTriple(t)
	w, err := Create(idx, fk, data, 256, false)
	require.NoError(t, err)

	entries := sortedEntries(500)
	writeAll(t, w, entries)

	r, err := Open(idx, fk, data, Compare(bytes.Compare), 8, false)
	require.NoError(t, err)
	require.EqualValues(t, len(entries), r.NEntries())

	for _, e := range entries {
		v, found, err := r.Query([]byte(e[0]))
		require.NoError(t, err)
		require.True(t, found, "key %s", e[0])
		require.Equal(t, e[1], string(v))
	}

	_, found, err := r.Query([]byte("zzz-missing"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestSequentialReaderWalksInOrder(t *testing.T) {
	idx, fk, data := tempTriple(t)
	w, err := Create(idx, fk, data, 128, false)
	require.NoError(t, err)
	entries := sortedEntries(200)
	writeAll(t, w, entries)

	r, err := Open(idx, fk, data, Compare(bytes.Compare), 8, false)
	require.NoError(t, err)

	sr := NewSeqReader(r)
	i := 0
	for sr.Advance() {
		require.Equal(t, entries[i][0], string(sr.Key()))
		require.Equal(t, entries[i][1], string(sr.Value()))
		i++
	}
	require.NoError(t, sr.Err())
	require.True(t, sr.EOF())
	require.Equal(t, len(entries), i)
}

func TestSeqReaderCheckpointResume(t *testing.T) {
	idx, fk, data := tempTriple(t)
	w, err := Create(idx, fk, data, 128, false)
	require.NoError(t, err)
	entries := sortedEntries(300)
	writeAll(t, w, entries)

	r, err := Open(idx, fk, data, Compare(bytes.Compare), 8, false)
	require.NoError(t, err)

	sr := NewSeqReader(r)
	for i := 0; i < 137; i++ {
		require.True(t, sr.Advance())
	}
	state := sr.GetState()

	resumed, err := Recreate(r, state)
	require.NoError(t, err)
	require.Equal(t, sr.Key(), resumed.Key())
	require.Equal(t, sr.Value(), resumed.Value())

	// Both readers should walk the remaining entries identically.
	for sr.Advance() {
		require.True(t, resumed.Advance())
		require.Equal(t, sr.Key(), resumed.Key())
		require.Equal(t, sr.Value(), resumed.Value())
	}
	require.False(t, resumed.Advance())
}

func TestWriterResumeAfterSuccessBoundary(t *testing.T) {
	idx, fk, data := tempTriple(t)
	w, err := Create(idx, fk, data, 32, false) // small blocks to force Success often
	require.NoError(t, err)

	entries := sortedEntries(100)
	var resumeState []byte
	var resumeAt int
	for i, e := range entries {
		res, err := w.Feed([]byte(e[0]), []byte(e[1]))
		require.NoError(t, err)
		if res == Success && resumeState == nil {
			resumeState = w.GetBuildState()
			resumeAt = i + 1
			break
		}
	}
	require.NotNil(t, resumeState, "expected at least one block boundary in 100 small entries")

	// Simulate a restart: reopen a fresh writer handle from the saved state
	// and feed the remaining entries.
	w2, err := OpenBuilding(idx, fk, data, 32, false, resumeState)
	require.NoError(t, err)
	for _, e := range entries[resumeAt:] {
		_, err := w2.Feed([]byte(e[0]), []byte(e[1]))
		require.NoError(t, err)
	}
	require.NoError(t, w2.DoneFeeding())

	r, err := Open(idx, fk, data, Compare(bytes.Compare), 8, false)
	require.NoError(t, err)
	require.EqualValues(t, len(entries), r.NEntries())
	for _, e := range entries {
		v, found, err := r.Query([]byte(e[0]))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, e[1], string(v))
	}
}

func TestChecksumMismatchDetected(t *testing.T) {
	idx, fk, data := tempTriple(t)
	w, err := Create(idx, fk, data, 64, true)
	require.NoError(t, err)
	writeAll(t, w, sortedEntries(50))

	// Corrupt a byte in the middle of the data file's first block.
	_, err = data.WriteAt([]byte{0xff}, 20)
	require.NoError(t, err)

	r, err := Open(idx, fk, data, Compare(bytes.Compare), 8, true)
	require.NoError(t, err)
	_, _, err = r.Query([]byte("key-000000"))
	require.Error(t, err)
}

func TestChecksumRoundTripSucceeds(t *testing.T) {
	idx, fk, data := tempTriple(t)
	w, err := Create(idx, fk, data, 64, true)
	require.NoError(t, err)
	entries := sortedEntries(80)
	writeAll(t, w, entries)

	r, err := Open(idx, fk, data, Compare(bytes.Compare), 8, true)
	require.NoError(t, err)
	for _, e := range entries {
		v, found, err := r.Query([]byte(e[0]))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, e[1], string(v))
	}
}
