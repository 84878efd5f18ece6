// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package run

import (
	"os"

	"github.com/novator24/gsktable/btreerun"
	"github.com/novator24/gsktable/pathmgr"
)

type btreeFile struct {
	cmp Compare

	mainFile, valueFile *os.File
	w                   *btreerun.Writer
	r                   *btreerun.Reader
}

// CreateBTree begins writing a new B-tree run with the given id in dir.
func CreateBTree(m *pathmgr.Manager, id uint64, cmp Compare) (File, error) {
	mainF, err := os.OpenFile(m.FileName(id, pathmgr.ExtBTree), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	valF, err := os.OpenFile(m.FileName(id, pathmgr.ExtValue), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	w, err := btreerun.Create(mainF, valF)
	if err != nil {
		return nil, err
	}
	return &btreeFile{cmp: cmp, mainFile: mainF, valueFile: valF, w: w}, nil
}

// OpenBuildingBTree resumes a half-written B-tree run from serialized state.
func OpenBuildingBTree(m *pathmgr.Manager, id uint64, cmp Compare, state []byte) (File, error) {
	mainF, err := os.OpenFile(m.FileName(id, pathmgr.ExtBTree), os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	valF, err := os.OpenFile(m.FileName(id, pathmgr.ExtValue), os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	w, err := btreerun.OpenBuilding(mainF, valF, state)
	if err != nil {
		return nil, err
	}
	return &btreeFile{cmp: cmp, mainFile: mainF, valueFile: valF, w: w}, nil
}

// OpenBTree opens a completed B-tree run read-only.
func OpenBTree(m *pathmgr.Manager, id uint64, cmp Compare) (File, error) {
	mainF, err := os.Open(m.FileName(id, pathmgr.ExtBTree))
	if err != nil {
		return nil, err
	}
	valF, err := os.Open(m.FileName(id, pathmgr.ExtValue))
	if err != nil {
		return nil, err
	}
	r, err := btreerun.Open(mainF, valF, btreerun.Compare(cmp))
	if err != nil {
		return nil, err
	}
	return &btreeFile{cmp: cmp, mainFile: mainF, valueFile: valF, r: r}, nil
}

func (f *btreeFile) Feed(key, value []byte) (FeedResult, error) {
	_, err := f.w.Feed(key, value)
	return WantMore, err // this format never emits a mid-build Success
}

func (f *btreeFile) DoneFeeding() (bool, error) {
	if _, err := f.w.DoneFeeding(); err != nil {
		return false, err
	}
	r, err := btreerun.Open(f.mainFile, f.valueFile, btreerun.Compare(f.cmp))
	if err != nil {
		return false, err
	}
	f.r = r
	return true, nil
}

func (f *btreeFile) BuildFile() (bool, error) { return true, nil }

func (f *btreeFile) GetBuildState() []byte { return f.w.GetBuildState() }

func (f *btreeFile) Query(target []byte) ([]byte, bool, error) {
	return f.r.Query(target)
}

func (f *btreeFile) CreateReader() (Reader, error) {
	return btreerun.NewSeqReader(f.r), nil
}

func (f *btreeFile) RecreateReader(state []byte) (Reader, error) {
	return btreerun.Recreate(f.r, state)
}

func (f *btreeFile) GetReaderState(r Reader) []byte {
	return r.(*btreerun.SeqReader).GetState()
}

func (f *btreeFile) Destroy(erase bool) error {
	var names []string
	if f.mainFile != nil {
		names = append(names, f.mainFile.Name())
		f.mainFile.Close()
	}
	if f.valueFile != nil {
		names = append(names, f.valueFile.Name())
		f.valueFile.Close()
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
