// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package journal implements the write-ahead log and checkpoint file: a
// header snapshot of the run list and in-flight merge tasks, followed by
// an append-only tail of insert records replayed on recovery.
//
// The header snapshot means recovery never has to rebuild the run list
// from a from-scratch directory scan, and the barrier-before-sentinel
// record framing lets recovery detect and discard a torn write at the
// tail without a whole-file CRC.
package journal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/novator24/gsktable/pathmgr"
)

const magic = 0x1143eeab

// journalID is the fixed pathmgr id reserved for the single journal file
// per directory (every other extension is minted a fresh id per run or
// task; the journal has exactly one instance, so it owns id 0).
const journalID = 0

// FormatExt records which run file format a run or merge output uses, so
// recovery can reopen it with the right constructor.
type FormatExt byte

const (
	FormatFlat  FormatExt = 0
	FormatBTree FormatExt = 1
)

// FileInfo snapshots one run list entry.
type FileInfo struct {
	ID              uint64
	Ext             FormatExt
	FirstInputEntry uint64
	NInputEntries   uint64
	NEntries        uint64
}

// TaskInfo snapshots one started merge task: its two inputs, its output
// run in progress, and enough reader/builder state to resume exactly
// where it left off. The two Advanced bits record whether each reader's
// current record has been peeked but not yet consumed into the output
// (true), or already consumed so the resumed merge must advance past it
// before reading (false).
type TaskInfo struct {
	OlderID, YoungerID, OutputID uint64
	OutputExt                    FormatExt
	ReaderOlderAdvanced          bool
	ReaderYoungerAdvanced        bool
	ReaderOlderState             []byte
	ReaderYoungerState           []byte
	OutputBuildState             []byte
}

// Checkpoint is the full recoverable state as of the last call to
// WriteCheckpoint: the run list, the in-flight merge tasks, and the total
// number of entries ever inserted (the memtable's starting logical
// position for any tail records replayed on top).
type Checkpoint struct {
	NInputEntries uint64
	Files         []FileInfo
	Tasks         []TaskInfo
}

// Journal owns the on-disk journal file: WriteCheckpoint replaces it with
// one holding just the header, Append grows its tail.
type Journal struct {
	m *pathmgr.Manager
	f *os.File
}

var errCorrupt = fmt.Errorf("journal: corrupt header")

// WriteCheckpoint atomically replaces the journal file with one
// containing only cp's header (an empty tail), via journal.tmp plus
// rename(2): a crash before the rename leaves the previous journal file
// intact, and a crash after leaves the new one intact, so recovery never
// observes a half-written header.
func WriteCheckpoint(m *pathmgr.Manager, cp Checkpoint) (*Journal, error) {
	tmpPath := m.FileName(journalID, pathmgr.ExtJournalTmp)
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if err := writeHeader(f, cp); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	f.Close()

	finalPath := m.FileName(journalID, pathmgr.ExtJournal)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, err
	}

	f, err = os.OpenFile(finalPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return &Journal{m: m, f: f}, nil
}

func writeHeader(f *os.File, cp Checkpoint) error {
	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(cp.Files)))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(cp.Tasks)))
	binary.LittleEndian.PutUint32(hdr[12:16], 0) // reserved
	binary.LittleEndian.PutUint64(hdr[16:24], cp.NInputEntries)
	if _, err := f.Write(hdr[:]); err != nil {
		return err
	}
	for _, fi := range cp.Files {
		var rec [33]byte
		binary.LittleEndian.PutUint64(rec[0:8], fi.ID)
		rec[8] = byte(fi.Ext)
		binary.LittleEndian.PutUint64(rec[9:17], fi.FirstInputEntry)
		binary.LittleEndian.PutUint64(rec[17:25], fi.NInputEntries)
		binary.LittleEndian.PutUint64(rec[25:33], fi.NEntries)
		if _, err := f.Write(rec[:]); err != nil {
			return err
		}
	}
	for _, t := range cp.Tasks {
		var rec [27]byte
		binary.LittleEndian.PutUint64(rec[0:8], t.OlderID)
		binary.LittleEndian.PutUint64(rec[8:16], t.YoungerID)
		binary.LittleEndian.PutUint64(rec[16:24], t.OutputID)
		rec[24] = byte(t.OutputExt)
		if t.ReaderOlderAdvanced {
			rec[25] = 1
		}
		if t.ReaderYoungerAdvanced {
			rec[26] = 1
		}
		if _, err := f.Write(rec[:]); err != nil {
			return err
		}
		for _, blob := range [][]byte{t.ReaderOlderState, t.ReaderYoungerState, t.OutputBuildState} {
			var l [4]byte
			binary.LittleEndian.PutUint32(l[:], uint32(len(blob)))
			if _, err := f.Write(l[:]); err != nil {
				return err
			}
			if _, err := f.Write(blob); err != nil {
				return err
			}
		}
	}
	return nil
}

// Recover opens the existing journal file, parses its header into a
// Checkpoint, and leaves the Journal positioned to append further insert
// records. replay is called once per tail record still recoverable, in
// append order; a record torn by a mid-write crash (and everything
// physically after it) is silently dropped, and the file is truncated to
// discard that garbage before further appends resume.
func Recover(m *pathmgr.Manager, replay func(key, value []byte)) (*Checkpoint, *Journal, error) {
	path := m.FileName(journalID, pathmgr.ExtJournal)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, err
	}

	cp, headerLen, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	tailEnd, err := replayTail(f, headerLen, replay)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if err := f.Truncate(tailEnd); err != nil {
		f.Close()
		return nil, nil, err
	}
	if _, err := f.Seek(tailEnd, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, err
	}

	return cp, &Journal{m: m, f: f}, nil
}

func readHeader(f *os.File) (*Checkpoint, int64, error) {
	var hdr [24]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, 0, err
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != magic {
		return nil, 0, errCorrupt
	}
	nFiles := binary.LittleEndian.Uint32(hdr[4:8])
	nTasks := binary.LittleEndian.Uint32(hdr[8:12])
	nInputEntries := binary.LittleEndian.Uint64(hdr[16:24])

	cp := &Checkpoint{NInputEntries: nInputEntries}
	for i := uint32(0); i < nFiles; i++ {
		var rec [33]byte
		if _, err := io.ReadFull(f, rec[:]); err != nil {
			return nil, 0, err
		}
		cp.Files = append(cp.Files, FileInfo{
			ID:              binary.LittleEndian.Uint64(rec[0:8]),
			Ext:             FormatExt(rec[8]),
			FirstInputEntry: binary.LittleEndian.Uint64(rec[9:17]),
			NInputEntries:   binary.LittleEndian.Uint64(rec[17:25]),
			NEntries:        binary.LittleEndian.Uint64(rec[25:33]),
		})
	}
	for i := uint32(0); i < nTasks; i++ {
		var rec [27]byte
		if _, err := io.ReadFull(f, rec[:]); err != nil {
			return nil, 0, err
		}
		t := TaskInfo{
			OlderID:               binary.LittleEndian.Uint64(rec[0:8]),
			YoungerID:             binary.LittleEndian.Uint64(rec[8:16]),
			OutputID:              binary.LittleEndian.Uint64(rec[16:24]),
			OutputExt:             FormatExt(rec[24]),
			ReaderOlderAdvanced:   rec[25] == 1,
			ReaderYoungerAdvanced: rec[26] == 1,
		}
		blobs := make([][]byte, 3)
		for j := range blobs {
			var l [4]byte
			if _, err := io.ReadFull(f, l[:]); err != nil {
				return nil, 0, err
			}
			n := binary.LittleEndian.Uint32(l[:])
			blob := make([]byte, n)
			if _, err := io.ReadFull(f, blob); err != nil {
				return nil, 0, err
			}
			blobs[j] = blob
		}
		t.ReaderOlderState, t.ReaderYoungerState, t.OutputBuildState = blobs[0], blobs[1], blobs[2]
		cp.Tasks = append(cp.Tasks, t)
	}

	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, 0, err
	}
	return cp, pos, nil
}

const sentinel = 0xA5

// replayTail scans insert records starting at headerLen, calling replay
// for each one whose body and trailing sentinel byte are both fully
// present, and returns the offset just past the last such record: the
// point recovery should truncate to and resume appending from. Any bytes
// after that point are either a torn write (the process crashed between
// writing the body and its sentinel, or mid-body) or physically
// unreachable garbage, and are discarded either way.
func replayTail(f *os.File, headerLen int64, replay func(key, value []byte)) (int64, error) {
	if _, err := f.Seek(headerLen, io.SeekStart); err != nil {
		return 0, err
	}
	pos := headerLen
	for {
		var lens [8]byte
		n, err := io.ReadFull(f, lens[:])
		if err != nil || n < len(lens) {
			return pos, nil
		}
		keyLen := binary.LittleEndian.Uint32(lens[0:4])
		valueLen := binary.LittleEndian.Uint32(lens[4:8])
		body := make([]byte, int(keyLen)+int(valueLen)+1) // +1 for the sentinel byte
		n, err = io.ReadFull(f, body)
		if err != nil || n < len(body) {
			return pos, nil
		}
		if body[len(body)-1] != sentinel {
			return pos, nil
		}
		key := body[:keyLen]
		value := body[keyLen : keyLen+valueLen]
		replay(key, value)
		pos += int64(len(lens) + len(body))
	}
}

// Append writes one insert record to the tail: the barrier is the Sync
// call between the body write and the sentinel write, so a crash can
// only ever be observed as "body absent" or "body present, sentinel
// absent," never a sentinel with a torn body.
func (j *Journal) Append(key, value []byte) error {
	var lens [8]byte
	binary.LittleEndian.PutUint32(lens[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(lens[4:8], uint32(len(value)))
	if _, err := j.f.Write(lens[:]); err != nil {
		return err
	}
	if _, err := j.f.Write(key); err != nil {
		return err
	}
	if _, err := j.f.Write(value); err != nil {
		return err
	}
	if err := j.f.Sync(); err != nil {
		return err
	}
	if _, err := j.f.Write([]byte{sentinel}); err != nil {
		return err
	}
	return j.f.Sync()
}

// AppendNoSync writes one insert record without forcing it to stable
// storage: durability is deferred to the next Sync (or Close). A crash
// before that can lose the batch, and without the barrier between body
// and sentinel a record in the batch can tear; replay's sentinel check
// discards everything from the first tear onward, so recovery still
// never replays framing garbage, it just loses more of the tail than
// the synced path would.
func (j *Journal) AppendNoSync(key, value []byte) error {
	var lens [8]byte
	binary.LittleEndian.PutUint32(lens[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(lens[4:8], uint32(len(value)))
	if _, err := j.f.Write(lens[:]); err != nil {
		return err
	}
	if _, err := j.f.Write(key); err != nil {
		return err
	}
	if _, err := j.f.Write(value); err != nil {
		return err
	}
	_, err := j.f.Write([]byte{sentinel})
	return err
}

// Sync flushes the journal file to stable storage.
func (j *Journal) Sync() error { return j.f.Sync() }

// Close syncs any still-buffered appends, then releases the journal
// file handle.
func (j *Journal) Close() error {
	serr := j.f.Sync()
	cerr := j.f.Close()
	if serr != nil {
		return serr
	}
	return cerr
}
