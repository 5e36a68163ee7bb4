package cache

import (
	"context"
	"time"

	"restopos/backend/internal/domain"
)

// StockCache memoizes inventory item reads. The ledger stays the source of
// truth; writers invalidate after every stock change.
type StockCache interface {
	GetItem(ctx context.Context, itemID string) (*domain.InventoryItem, bool, error)
	SetItem(ctx context.Context, item domain.InventoryItem, ttl time.Duration) error
	Invalidate(ctx context.Context, itemIDs ...string) error
}

type NoopStockCache struct{}

func (NoopStockCache) GetItem(_ context.Context, _ string) (*domain.InventoryItem, bool, error) {
	return nil, false, nil
}

func (NoopStockCache) SetItem(_ context.Context, _ domain.InventoryItem, _ time.Duration) error {
	return nil
}

func (NoopStockCache) Invalidate(_ context.Context, _ ...string) error {
	return nil
}
