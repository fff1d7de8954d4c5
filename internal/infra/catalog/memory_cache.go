package catalog

import (
	"context"
	"sync"

	"webinteract/internal/domain"
)

type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]domain.CatalogEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]domain.CatalogEntry)}
}

func (c *MemoryCache) Get(_ context.Context, origin string) (domain.CatalogEntry, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[origin]
	c.mu.RUnlock()
	if !ok {
		return domain.CatalogEntry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (c *MemoryCache) Set(_ context.Context, entry domain.CatalogEntry) error {
	stored := cloneEntry(entry)
	c.mu.Lock()
	c.entries[entry.Origin] = stored
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, origin string) error {
	c.mu.Lock()
	delete(c.entries, origin)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) Close() error {
	return nil
}

var _ Cache = (*MemoryCache)(nil)
