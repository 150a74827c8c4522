// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import "sync"

// lastItemCache keeps the most recent item of each node in RAM so send-last
// policies and non-persistent nodes do not hit the store. It is written only
// from the service task of the owning host; reads may come from anywhere.
type lastItemCache struct {
	mu    sync.RWMutex
	items map[int64]Item
}

func newLastItemCache() *lastItemCache {
	return &lastItemCache{items: make(map[int64]Item)}
}

func (c *lastItemCache) get(nodeIdx int64) (Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[nodeIdx]
	return it, ok
}

func (c *lastItemCache) put(nodeIdx int64, it Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[nodeIdx] = it
}

func (c *lastItemCache) drop(nodeIdx int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, nodeIdx)
}

// dropItem removes the cache entry only if it holds the given item ID.
func (c *lastItemCache) dropItem(nodeIdx int64, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[nodeIdx]; ok && it.ID == id {
		delete(c.items, nodeIdx)
	}
}
