// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"container/list"
	"sync"
	"time"

	"github.com/specforged/broker/pkg/operation"
)

// cacheMaxEntries and cacheTTL bound the result cache (spec.md §4.5:
// "caching, dedup, batching" — sized conservatively since entries are
// only a latency optimization, never a correctness dependency).
const (
	cacheMaxEntries = 500
	cacheTTL        = 5 * time.Minute
)

type cacheEntry struct {
	key       string
	result    map[string]interface{}
	expiresAt time.Time
}

// resultCache is a bounded, TTL'd LRU keyed by operation type plus
// sorted key-params — effectively the same key space as
// operation.Operation.Signature, reused here to avoid recomputing two
// different hashes for the same notion of "this operation again."
type resultCache struct {
	mu    sync.Mutex
	ll    *list.List
	index map[string]*list.Element
}

func newResultCache() *resultCache {
	return &resultCache{ll: list.New(), index: make(map[string]*list.Element)}
}

func cacheKey(op *operation.Operation) string {
	return string(op.Type) + ":" + op.ResourcePath() + ":" + op.Signature()
}

// Get returns a cached result for op if present and unexpired.
func (c *resultCache) Get(op *operation.Operation) (map[string]interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(op)
	el, ok := c.index[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.ll.Remove(el)
		delete(c.index, key)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return entry.result, true
}

// Put records result for op, evicting the least-recently-used entry if
// the cache is at capacity.
func (c *resultCache) Put(op *operation.Operation, result map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(op)
	if el, ok := c.index[key]; ok {
		el.Value.(*cacheEntry).result = result
		el.Value.(*cacheEntry).expiresAt = time.Now().Add(cacheTTL)
		c.ll.MoveToFront(el)
		return
	}

	if c.ll.Len() >= cacheMaxEntries {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(*cacheEntry).key)
		}
	}

	entry := &cacheEntry{key: key, result: result, expiresAt: time.Now().Add(cacheTTL)}
	c.index[key] = c.ll.PushFront(entry)
}
