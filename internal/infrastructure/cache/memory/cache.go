// Package memory is the in-process response cache with optional LRU bounding.
package memory

import (
	"container/list"
	"context"
	"sync"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
)

// Cache maps (normalized query, domain) to a bundle. Capacity <= 0 means unbounded.
// Reads refresh recency, so every access takes the write lock.
type Cache struct {
	capacity int

	mu      sync.Mutex
	entries map[domain.CacheKey]*list.Element
	routed  map[string]domain.CacheKey
	lru     *list.List
}

func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		entries:  make(map[domain.CacheKey]*list.Element),
		routed:   make(map[string]domain.CacheKey),
		lru:      list.New(),
	}
}

func (c *Cache) Get(_ context.Context, key domain.CacheKey) (*domain.CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache) Lookup(_ context.Context, query string) (*domain.CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.routed[query]
	if !ok {
		return nil, false, nil
	}
	return c.getLocked(key)
}

func (c *Cache) getLocked(key domain.CacheKey) (*domain.CacheEntry, bool, error) {
	elem, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	c.lru.MoveToFront(elem)
	out := copyEntry(*elem.Value.(*domain.CacheEntry))
	return &out, true, nil
}

// Put stores entry; the last write for a key wins.
func (c *Cache) Put(_ context.Context, entry domain.CacheEntry) error {
	entry = copyEntry(entry)

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.Routed {
		c.routed[entry.Key.Query] = entry.Key
	}
	if elem, ok := c.entries[entry.Key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value = &entry
		return nil
	}

	c.entries[entry.Key] = c.lru.PushFront(&entry)
	if c.capacity > 0 && c.lru.Len() > c.capacity {
		if oldest := c.lru.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}
	return nil
}

func (c *Cache) removeLocked(elem *list.Element) {
	e := elem.Value.(*domain.CacheEntry)
	c.lru.Remove(elem)
	delete(c.entries, e.Key)
	if key, ok := c.routed[e.Key.Query]; ok && key == e.Key {
		delete(c.routed, e.Key.Query)
	}
}

func (c *Cache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[domain.CacheKey]*list.Element)
	c.routed = make(map[string]domain.CacheKey)
	c.lru.Init()
	return nil
}

func (c *Cache) Len(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len(), nil
}

func copyEntry(e domain.CacheEntry) domain.CacheEntry {
	ids := make([]string, len(e.Bundle.CitedChunkIDs))
	copy(ids, e.Bundle.CitedChunkIDs)
	e.Bundle.CitedChunkIDs = ids
	return e
}
