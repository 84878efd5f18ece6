// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package memtable

import (
	"bytes"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetOrdering(t *testing.T) {
	m := New(bytes.Compare, nil, 0, 0)
	keys := []string{"beta", "alpha", "delta", "gamma"}
	for _, k := range keys {
		require.NoError(t, m.Put([]byte(k), []byte(k+"-v")))
	}

	var seen []string
	m.Each(func(key, value []byte) {
		seen = append(seen, string(key))
		require.Equal(t, string(key)+"-v", string(value))
	})

	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	require.Equal(t, sorted, seen)
	require.Equal(t, len(keys), m.Len())
}

func TestGetMissing(t *testing.T) {
	m := New(bytes.Compare, nil, 0, 0)
	require.NoError(t, m.Put([]byte("a"), []byte("1")))
	_, ok := m.Get([]byte("b"))
	require.False(t, ok)
	v, ok := m.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, "1", string(v))
}

// sumMerge sums two 4-byte big-endian integer values.
func sumMerge(key, a, b []byte, out *[]byte) MergeResult {
	var av, bv uint32
	for _, c := range a {
		av = av<<8 | uint32(c)
	}
	for _, c := range b {
		bv = bv<<8 | uint32(c)
	}
	sum := av + bv
	*out = []byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)}
	return MergeSuccess
}

func TestMergeOnInsert(t *testing.T) {
	m := New(bytes.Compare, sumMerge, 0, 0)
	one := []byte{0, 0, 0, 1}
	require.NoError(t, m.Put([]byte("k"), one))
	require.NoError(t, m.Put([]byte("k"), one))
	require.NoError(t, m.Put([]byte("k"), one))

	v, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte{0, 0, 0, 3}, v)
	require.Equal(t, 1, m.Len())
}

func alwaysB(key, a, b []byte, out *[]byte) MergeResult { return MergeReturnB }

func TestReplacementSemanticsLastWriteWins(t *testing.T) {
	m := New(bytes.Compare, alwaysB, 0, 0)
	for i := 0; i < 50; i++ {
		v := []byte{byte(i)}
		require.NoError(t, m.Put([]byte("k"), v))
	}
	v, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte{49}, v)
}

func dropAll(key, a, b []byte, out *[]byte) MergeResult { return MergeDrop }

func TestMergeDropRemovesEntry(t *testing.T) {
	m := New(bytes.Compare, nil, 0, 0)
	require.NoError(t, m.Put([]byte("k"), []byte("v1")))
	require.Equal(t, 1, m.Len())

	m2 := New(bytes.Compare, dropAll, 0, 0)
	require.NoError(t, m2.Put([]byte("k"), []byte("v1")))
	require.NoError(t, m2.Put([]byte("k"), []byte("v2")))
	_, ok := m2.Get([]byte("k"))
	require.False(t, ok)
	require.Equal(t, 0, m2.Len())
}

func TestFullByEntryCount(t *testing.T) {
	m := New(bytes.Compare, nil, 2, 0)
	require.NoError(t, m.Put([]byte("a"), []byte("1")))
	require.NoError(t, m.Put([]byte("b"), []byte("1")))
	require.True(t, m.Full())
	require.Equal(t, ErrFull, m.Put([]byte("c"), []byte("1")))
}

func TestFullByByteBudget(t *testing.T) {
	m := New(bytes.Compare, nil, 0, 4)
	require.NoError(t, m.Put([]byte("ab"), []byte("cd"))) // 4 bytes
	require.True(t, m.Full())
	require.Equal(t, ErrFull, m.Put([]byte("e"), []byte("f")))
}

// TestDuplicateOrderWithoutMerge exercises the "no merge configured"
// path: duplicates are kept rather than merged, and Get must return the
// most recent insert for the key.
func TestDuplicateOrderWithoutMerge(t *testing.T) {
	m := New(bytes.Compare, nil, 0, 0)
	require.NoError(t, m.Put([]byte("alpha"), []byte("1")))
	require.NoError(t, m.Put([]byte("beta"), []byte("2")))
	require.NoError(t, m.Put([]byte("alpha"), []byte("3")))

	v, ok := m.Get([]byte("alpha"))
	require.True(t, ok)
	require.Equal(t, "3", string(v))
}

func TestRandomizedAgainstReferenceMap(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	m := New(bytes.Compare, alwaysB, 0, 0)
	ref := map[string]string{}

	for i := 0; i < 5000; i++ {
		key := string([]byte{byte(rng.Intn(64))})
		val := string([]byte{byte(rng.Intn(256)), byte(rng.Intn(256))})
		require.NoError(t, m.Put([]byte(key), []byte(val)))
		ref[key] = val
	}

	require.Equal(t, len(ref), m.Len())
	for k, v := range ref {
		got, ok := m.Get([]byte(k))
		require.True(t, ok)
		require.Equal(t, v, string(got))
	}
}
