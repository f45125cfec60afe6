// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"strings"
	"time"
)

// cache is the in-memory side of the write-through TTL cache. The manager
// serializes access and mirrors mutations to the durable store; cache
// itself carries no lock.
type cache struct {
	entries map[string]CacheEntry
	bytes   int64
}

func newCache() *cache {
	return &cache{entries: make(map[string]CacheEntry)}
}

func entrySize(e CacheEntry) int64 {
	return int64(len(e.Key) + len(e.Value))
}

func (c *cache) put(e CacheEntry) {
	if old, ok := c.entries[e.Key]; ok {
		c.bytes -= entrySize(old)
	}
	c.entries[e.Key] = e
	c.bytes += entrySize(e)
}

// get returns the live entry for key. Expired entries are removed on the
// spot (lazy expiry) and reported through the second return so the caller
// can delete the persisted copy.
func (c *cache) get(key string, now time.Time) (CacheEntry, bool, bool) {
	e, ok := c.entries[key]
	if !ok {
		return CacheEntry{}, false, false
	}
	if e.expired(now) {
		c.deleteKey(key)
		return CacheEntry{}, false, true
	}
	return e, true, false
}

// clear removes entries matching pattern and returns the removed keys.
// Empty pattern clears everything; a trailing '*' does prefix matching;
// anything else is an exact key.
func (c *cache) clear(pattern string) []string {
	var removed []string
	for key := range c.entries {
		if matchPattern(key, pattern) {
			removed = append(removed, key)
		}
	}
	for _, key := range removed {
		c.deleteKey(key)
	}
	return removed
}

// sweep removes every expired entry and returns the removed keys.
func (c *cache) sweep(now time.Time) []string {
	var removed []string
	for key, e := range c.entries {
		if e.expired(now) {
			removed = append(removed, key)
		}
	}
	for _, key := range removed {
		c.deleteKey(key)
	}
	return removed
}

func (c *cache) deleteKey(key string) {
	if e, ok := c.entries[key]; ok {
		c.bytes -= entrySize(e)
		delete(c.entries, key)
	}
}

func (c *cache) stats() (entries int, bytes int64) {
	return len(c.entries), c.bytes
}

func matchPattern(key, pattern string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	default:
		return key == pattern
	}
}
