// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flatrun

import "container/list"

// blockCache is a fixed-entry-count LRU of decompressed blocks, keyed by
// block index and moved-to-front on hit. container/list gives the
// move-to-front/evict-oldest behavior directly.
type blockCache struct {
	capacity int
	ll       *list.List
	index    map[int]*list.Element
}

type cacheEntry struct {
	block int
	iter  *blockIter
}

func newBlockCache(capacity int) *blockCache {
	return &blockCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[int]*list.Element),
	}
}

func (c *blockCache) get(block int) (*blockIter, bool) {
	el, ok := c.index[block]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).iter, true
}

func (c *blockCache) put(block int, bi *blockIter) {
	if el, ok := c.index[block]; ok {
		el.Value.(*cacheEntry).iter = bi
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheEntry{block: block, iter: bi})
	c.index[block] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(*cacheEntry).block)
		}
	}
}
