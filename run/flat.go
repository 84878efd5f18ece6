// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package run

import (
	"os"

	"github.com/novator24/gsktable/flatrun"
	"github.com/novator24/gsktable/pathmgr"
)

// flatFile adapts flatrun's Writer/Reader pair to the File interface.
type flatFile struct {
	cmp Compare

	indexFile, firstKeysFile, dataFile *os.File

	w *flatrun.Writer
	r *flatrun.Reader

	blockSize   int
	cacheBlocks int
	checksum    bool
}

// CreateFlat begins writing a new flat run with the given id in dir.
func CreateFlat(m *pathmgr.Manager, id uint64, cmp Compare, blockSize, cacheBlocks int, checksum bool) (File, error) {
	idxF, err := os.OpenFile(m.FileName(id, pathmgr.ExtIndex), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	fkF, err := os.OpenFile(m.FileName(id, pathmgr.ExtFirstKeys), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	dF, err := os.OpenFile(m.FileName(id, pathmgr.ExtData), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	w, err := flatrun.Create(idxF, fkF, dF, blockSize, checksum)
	if err != nil {
		return nil, err
	}
	return &flatFile{cmp: cmp, indexFile: idxF, firstKeysFile: fkF, dataFile: dF, w: w, blockSize: blockSize, cacheBlocks: cacheBlocks, checksum: checksum}, nil
}

// OpenBuildingFlat resumes a half-written flat run from serialized state.
func OpenBuildingFlat(m *pathmgr.Manager, id uint64, cmp Compare, blockSize, cacheBlocks int, checksum bool, state []byte) (File, error) {
	idxF, err := os.OpenFile(m.FileName(id, pathmgr.ExtIndex), os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	fkF, err := os.OpenFile(m.FileName(id, pathmgr.ExtFirstKeys), os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	dF, err := os.OpenFile(m.FileName(id, pathmgr.ExtData), os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	w, err := flatrun.OpenBuilding(idxF, fkF, dF, blockSize, checksum, state)
	if err != nil {
		return nil, err
	}
	return &flatFile{cmp: cmp, indexFile: idxF, firstKeysFile: fkF, dataFile: dF, w: w, blockSize: blockSize, cacheBlocks: cacheBlocks, checksum: checksum}, nil
}

// OpenFlat opens a completed flat run read-only.
func OpenFlat(m *pathmgr.Manager, id uint64, cmp Compare, cacheBlocks int, checksum bool) (File, error) {
	idxF, err := os.Open(m.FileName(id, pathmgr.ExtIndex))
	if err != nil {
		return nil, err
	}
	fkF, err := os.Open(m.FileName(id, pathmgr.ExtFirstKeys))
	if err != nil {
		return nil, err
	}
	dF, err := os.Open(m.FileName(id, pathmgr.ExtData))
	if err != nil {
		return nil, err
	}
	r, err := flatrun.Open(idxF, fkF, dF, flatrun.Compare(cmp), cacheBlocks, checksum)
	if err != nil {
		return nil, err
	}
	return &flatFile{cmp: cmp, indexFile: idxF, firstKeysFile: fkF, dataFile: dF, r: r, cacheBlocks: cacheBlocks, checksum: checksum}, nil
}

func (f *flatFile) Feed(key, value []byte) (FeedResult, error) {
	res, err := f.w.Feed(key, value)
	return FeedResult(res), err
}

func (f *flatFile) DoneFeeding() (bool, error) {
	if err := f.w.DoneFeeding(); err != nil {
		return false, err
	}
	r, err := flatrun.Open(f.indexFile, f.firstKeysFile, f.dataFile, flatrun.Compare(f.cmp), f.cacheBlocks, f.checksum)
	if err != nil {
		return false, err
	}
	f.r = r
	return true, nil
}

// BuildFile is a no-op for the flat format: DoneFeeding always completes
// synchronously.
func (f *flatFile) BuildFile() (bool, error) { return true, nil }

func (f *flatFile) GetBuildState() []byte { return f.w.GetBuildState() }

func (f *flatFile) Query(target []byte) ([]byte, bool, error) {
	return f.r.Query(target)
}

func (f *flatFile) CreateReader() (Reader, error) {
	return flatrun.NewSeqReader(f.r), nil
}

func (f *flatFile) RecreateReader(state []byte) (Reader, error) {
	return flatrun.Recreate(f.r, state)
}

func (f *flatFile) GetReaderState(r Reader) []byte {
	return r.(*flatrun.SeqReader).GetState()
}

func (f *flatFile) Destroy(erase bool) error {
	var names []string
	if f.indexFile != nil {
		names = append(names, f.indexFile.Name())
		f.indexFile.Close()
	}
	if f.firstKeysFile != nil {
		names = append(names, f.firstKeysFile.Name())
		f.firstKeysFile.Close()
	}
	if f.dataFile != nil {
		names = append(names, f.dataFile.Name())
		f.dataFile.Close()
	}
	if !erase {
		return nil
	}
	for _, n := range names {
		if err := os.Remove(n); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
