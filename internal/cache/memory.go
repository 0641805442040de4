// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

package cache

import (
	"sync"
	"time"
)

// EvictFunc observes an entry leaving the memory tier. The manager uses
// it to push last-accessed updates into the write-behind queue so the
// durable store learns about hot-tier activity.
type EvictFunc func(entry *Entry)

// memoryNode is one node in the memory tier's recency list.
type memoryNode struct {
	entry     *Entry
	prev      *memoryNode
	next      *memoryNode
	expiresAt time.Time
}

// MemoryCache is a thread-safe bounded LRU holding decoded cache
// entries with sliding expiration. Get, Put and Remove are O(1): a
// doubly-linked list keeps recency order and a map gives direct lookup.
// head.next is the most recently used, tail.prev the least.
type MemoryCache struct {
	mu sync.Mutex

	capacity int
	ttl      time.Duration
	onEvict  EvictFunc

	items map[string]*memoryNode
	head  *memoryNode
	tail  *memoryNode
}

// NewMemoryCache creates a memory tier with the given entry capacity
// and sliding TTL. onEvict may be nil.
func NewMemoryCache(capacity int, ttl time.Duration, onEvict EvictFunc) *MemoryCache {
	if capacity <= 0 {
		capacity = 100
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	c := &MemoryCache{
		capacity: capacity,
		ttl:      ttl,
		onEvict:  onEvict,
		items:    make(map[string]*memoryNode, capacity),
		head:     &memoryNode{},
		tail:     &memoryNode{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head

	return c
}

// Get retrieves an entry, refreshes its sliding expiration and stamps
// its last-accessed time. Expired entries are removed on access and
// reported through onEvict so their final access time is not lost.
func (c *MemoryCache) Get(key string, now time.Time) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, exists := c.items[key]
	if !exists {
		return nil, false
	}
	if now.After(node.expiresAt) {
		c.removeNode(node, true)
		return nil, false
	}

	node.entry.Touch(now)
	node.expiresAt = now.Add(c.ttl)
	c.moveToFront(node)
	return node.entry, true
}

// Put adds or replaces an entry. When the tier is over capacity the
// least recently used entries are evicted through onEvict.
func (c *MemoryCache) Put(entry *Entry, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := now.Add(c.ttl)

	if node, exists := c.items[entry.Key]; exists {
		node.entry = entry
		node.expiresAt = expiresAt
		c.moveToFront(node)
		return
	}

	node := &memoryNode{entry: entry, expiresAt: expiresAt}
	c.addToFront(node)
	c.items[entry.Key] = node

	for len(c.items) > c.capacity {
		c.evictOldest()
	}
}

// Remove drops an entry without reporting an eviction.
// Returns true if the entry was present.
func (c *MemoryCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, exists := c.items[key]; exists {
		c.removeNode(node, false)
		return true
	}
	return false
}

// Len returns the current number of entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// PurgeExpired removes entries whose sliding window has lapsed,
// reporting each through onEvict. Returns the number removed.
func (c *MemoryCache) PurgeExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for node := c.tail.prev; node != c.head; {
		prev := node.prev
		if now.After(node.expiresAt) {
			c.removeNode(node, true)
			removed++
		}
		node = prev
	}
	return removed
}

// Flush evicts every entry, reporting each through onEvict. Called at
// shutdown so final access stamps reach the durable store.
func (c *MemoryCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for node := c.tail.prev; node != c.head; {
		prev := node.prev
		c.removeNode(node, true)
		node = prev
	}
}

// Internal methods, called with mu held.

func (c *MemoryCache) addToFront(node *memoryNode) {
	node.prev = c.head
	node.next = c.head.next
	c.head.next.prev = node
	c.head.next = node
}

func (c *MemoryCache) moveToFront(node *memoryNode) {
	node.prev.next = node.next
	node.next.prev = node.prev
	c.addToFront(node)
}

func (c *MemoryCache) removeNode(node *memoryNode, report bool) {
	node.prev.next = node.next
	node.next.prev = node.prev
	delete(c.items, node.entry.Key)

	if report && c.onEvict != nil {
		c.onEvict(node.entry)
	}
}

func (c *MemoryCache) evictOldest() {
	oldest := c.tail.prev
	if oldest == c.head {
		return
	}
	c.removeNode(oldest, true)
}
