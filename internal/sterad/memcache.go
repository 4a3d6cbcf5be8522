package sterad

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheEntry is one in-memory response body and its content type.
type CacheEntry struct {
	Body        []byte
	ContentType string
}

// MemoryCache is a bounded path -> entry map. Recency follows insertion:
// Get leaves the order untouched, Put of an existing key moves it to the most
// recent position, and an insert beyond capacity evicts the least recent key.
type MemoryCache struct {
	lru *lru.Cache[string, CacheEntry]
}

// NewMemoryCache returns a cache holding at most capacity entries; a
// non-positive capacity selects the default of 100.
func NewMemoryCache(capacity int) (*MemoryCache, error) {
	if capacity <= 0 {
		capacity = defaultMemoryCacheLimit
	}
	c, err := lru.New[string, CacheEntry](capacity)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{lru: c}, nil
}

func (m *MemoryCache) Get(path string) (CacheEntry, bool) {
	return m.lru.Peek(path)
}

// Put stores ent and reports whether the least recent entry was evicted.
func (m *MemoryCache) Put(path string, ent CacheEntry) (evicted bool) {
	return m.lru.Add(path, ent)
}

func (m *MemoryCache) Delete(path string) {
	m.lru.Remove(path)
}

func (m *MemoryCache) Len() int { return m.lru.Len() }

// Keys returns keys from least to most recent.
func (m *MemoryCache) Keys() []string { return m.lru.Keys() }

func (m *MemoryCache) Purge() { m.lru.Purge() }

// TotalSize sums the body sizes currently held.
func (m *MemoryCache) TotalSize() int64 {
	var total int64
	for _, k := range m.lru.Keys() {
		if ent, ok := m.lru.Peek(k); ok {
			total += int64(len(ent.Body))
		}
	}
	return total
}
