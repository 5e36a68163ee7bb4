package cache

import (
	"context"
	"sync"
	"time"

	"restopos/backend/internal/domain"
)

type memoryEntry struct {
	item      domain.InventoryItem
	expiresAt time.Time
}

// MemoryStockCache is a process-local StockCache for terminals without redis.
type MemoryStockCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStockCache() *MemoryStockCache {
	return &MemoryStockCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryStockCache) GetItem(_ context.Context, itemID string) (*domain.InventoryItem, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[itemID]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		delete(c.entries, itemID)
		return nil, false, nil
	}
	item := entry.item
	return &item, true, nil
}

func (c *MemoryStockCache) SetItem(_ context.Context, item domain.InventoryItem, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := memoryEntry{item: item}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.entries[item.ID] = entry
	return nil
}

func (c *MemoryStockCache) Invalidate(_ context.Context, itemIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range itemIDs {
		delete(c.entries, id)
	}
	return nil
}
