// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package pathmgr owns the on-disk directory layout for a gsktable engine:
// the `<16-hex-digit id>.<ext>` filename convention, the exclusive
// directory lock held for the engine's lifetime, and the garbage-file
// sweep run after journal recovery.
package pathmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Ext is one of the file extensions gsktable owns within the directory.
type Ext string

const (
	ExtIndex      Ext = "index"     // flat run
	ExtFirstKeys  Ext = "firstkeys" // flat run
	ExtData       Ext = "data"      // flat run
	ExtBTree      Ext = "btree"     // b-tree run
	ExtValue      Ext = "value"     // b-tree run
	ExtBuffer     Ext = "buffer"    // b-tree run, transient build scratch
	ExtJournal    Ext = "journal"
	ExtJournalTmp Ext = "journal.tmp"
)

// ownedExts lists every extension pathmgr considers its own; any other
// filename in the directory (in particular, anything not matching
// <16-hex>.<ext>, including capitalized user files) is left untouched by
// Sweep.
var ownedExts = map[Ext]bool{
	ExtIndex: true, ExtFirstKeys: true, ExtData: true,
	ExtBTree: true, ExtValue: true, ExtBuffer: true,
	ExtJournal: true, ExtJournalTmp: true,
}

// Manager owns a directory: its exclusive lock and the id counter used to
// mint new file basenames.
type Manager struct {
	dir      string
	lockFile *os.File
	nextID   uint64 // atomic
}

// Open acquires dir's exclusive advisory lock and returns a Manager for it.
// allowCreate controls whether dir may be created if absent.
func Open(dir string, allowCreate bool) (*Manager, error) {
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("pathmgr: stat %q: %w", dir, err)
		}
		if !allowCreate {
			return nil, fmt.Errorf("pathmgr: directory %q does not exist", dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("pathmgr: mkdir %q: %w", dir, err)
		}
	}

	lockPath := filepath.Join(dir, "LOCK")
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pathmgr: open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("pathmgr: directory %q is locked by another process: %w", dir, err)
	}

	return &Manager{dir: dir, lockFile: f, nextID: 1}, nil
}

// Close releases the directory lock.
func (m *Manager) Close() error {
	if m.lockFile == nil {
		return nil
	}
	err := unix.Flock(int(m.lockFile.Fd()), unix.LOCK_UN)
	cerr := m.lockFile.Close()
	m.lockFile = nil
	if err != nil {
		return err
	}
	return cerr
}

// Dir returns the managed directory path.
func (m *Manager) Dir() string { return m.dir }

// NextID mints a fresh, monotonically increasing file id.
func (m *Manager) NextID() uint64 {
	return atomic.AddUint64(&m.nextID, 1) - 1
}

// MarkIDUsed ensures future NextID calls stay above id, used during
// journal recovery to avoid reusing an id already on disk.
func (m *Manager) MarkIDUsed(id uint64) {
	for {
		cur := atomic.LoadUint64(&m.nextID)
		if id < cur {
			return
		}
		if atomic.CompareAndSwapUint64(&m.nextID, cur, id+1) {
			return
		}
	}
}

// FileName returns the path for the given id and extension: `<16-hex>.<ext>`.
func (m *Manager) FileName(id uint64, ext Ext) string {
	return filepath.Join(m.dir, fmt.Sprintf("%016x.%s", id, ext))
}

// ParseFileName parses a basename of the form `<16-hex>.<ext>`, returning
// ok=false for anything else (including capitalized user files).
func ParseFileName(name string) (id uint64, ext Ext, ok bool) {
	dot := -1
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			dot = i
			break
		}
	}
	if dot <= 0 {
		return 0, "", false
	}
	hexPart := name[:dot]
	extPart := Ext(name[dot+1:])
	if !ownedExts[extPart] {
		return 0, "", false
	}
	if len(hexPart) != 16 {
		return 0, "", false
	}
	for i := 0; i < len(hexPart); i++ {
		c := hexPart[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return 0, "", false
		}
	}
	v, err := strconv.ParseUint(hexPart, 16, 64)
	if err != nil {
		return 0, "", false
	}
	return v, extPart, true
}

// Sweep unlinks every owned file in the directory whose id is not present
// in liveIDs. It must be called only after journal recovery has fully
// reconciled the live run/merge-task id set, so this two-phase shape
// (caller builds the reconciled set first, Sweep unlinks second) never
// races a still-resuming builder's files with deletion.
func (m *Manager) Sweep(liveIDs map[uint64]bool) error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("pathmgr: readdir: %w", err)
	}
	var toRemove []string
	for _, e := range entries {
		id, _, ok := ParseFileName(e.Name())
		if !ok {
			continue
		}
		if !liveIDs[id] {
			toRemove = append(toRemove, e.Name())
		}
	}
	sort.Strings(toRemove)
	for _, name := range toRemove {
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("pathmgr: remove %q: %w", name, err)
		}
	}
	return nil
}
