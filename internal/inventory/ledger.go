package inventory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"restopos/backend/internal/audit"
	"restopos/backend/internal/cache"
	"restopos/backend/internal/clock"
	"restopos/backend/internal/domain"
	"restopos/backend/internal/events"
	"restopos/backend/internal/store"
	"restopos/backend/internal/xid"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 500
)

// Outbox receives every applied ledger entry for replay to the gateway.
type Outbox interface {
	Enqueue(ctx context.Context, payload domain.OperationPayload) (domain.SyncOperation, error)
}

type Options struct {
	Cache     cache.StockCache
	CacheTTL  time.Duration
	Publisher events.Publisher
	Audit     *audit.Recorder
	Outbox    Outbox
	Clock     clock.Clock
}

// Ledger is the append-only stock log. Item stock is a projection of it.
type Ledger struct {
	repo      store.InventoryStore
	cache     cache.StockCache
	cacheTTL  time.Duration
	publisher events.Publisher
	audit     *audit.Recorder
	outbox    Outbox
	clock     clock.Clock
}

func NewLedger(repo store.InventoryStore, opts Options) *Ledger {
	if opts.Cache == nil {
		opts.Cache = cache.NoopStockCache{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	return &Ledger{
		repo:      repo,
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		publisher: opts.Publisher,
		audit:     opts.Audit,
		outbox:    opts.Outbox,
		clock:     opts.Clock,
	}
}

// CreateItem registers an item. Opening stock goes through the ledger as an
// adjustment so stock always equals the sum of its entries.
func (l *Ledger) CreateItem(ctx context.Context, req domain.InventoryItemCreateRequest) (*domain.InventoryItem, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, fmt.Errorf("%w: item name is required", domain.ErrInvalidInput)
	}
	if req.InitialStock < 0 || req.LowStockThreshold < 0 {
		return nil, fmt.Errorf("%w: stock and threshold must be >= 0", domain.ErrInvalidInput)
	}
	if req.ID == "" {
		req.ID = xid.New("item")
	}

	now := l.clock.Now()
	item := domain.InventoryItem{
		ID:                req.ID,
		BranchID:          req.BranchID,
		Name:              req.Name,
		Unit:              strings.TrimSpace(req.Unit),
		LowStockThreshold: req.LowStockThreshold,
		UpdatedAt:         now,
	}
	var opening *domain.InventoryLogEntry
	if req.InitialStock > 0 {
		opening = &domain.InventoryLogEntry{
			ID:             xid.New("invlog"),
			Change:         req.InitialStock,
			Reason:         domain.ReasonAdjustment,
			ReportedBy:     actorName(ctx, ""),
			IdempotencyKey: "opening:" + req.ID,
			CreatedAt:      now,
		}
	}

	created, err := l.repo.CreateInventoryItem(ctx, item, opening)
	if err != nil {
		return nil, fmt.Errorf("create inventory item: %w", err)
	}
	l.audit.Record(ctx, audit.Entry{
		BranchID:     created.BranchID,
		ActionType:   "inventory_item_create",
		ResourceType: "inventory_item",
		ResourceID:   created.ID,
		NewValues:    created,
	})
	return created, nil
}

func (l *Ledger) GetItem(ctx context.Context, itemID string) (*domain.InventoryItem, error) {
	if cached, ok, err := l.cache.GetItem(ctx, itemID); err != nil {
		log.Printf("[inventory] WARN: stock cache read failed item=%s: %v", itemID, err)
	} else if ok {
		item := cached.WithLowStock()
		return &item, nil
	}

	item, err := l.repo.GetInventoryItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if err := l.cache.SetItem(ctx, *item, l.cacheTTL); err != nil {
		log.Printf("[inventory] WARN: stock cache write failed item=%s: %v", itemID, err)
	}
	return item, nil
}

func (l *Ledger) ListItems(ctx context.Context, branchID string) ([]domain.InventoryItem, error) {
	return l.repo.ListInventoryItems(ctx, branchID)
}

func (l *Ledger) LowStockItems(ctx context.Context, branchID string) ([]domain.InventoryItem, error) {
	items, err := l.repo.ListInventoryItems(ctx, branchID)
	if err != nil {
		return nil, err
	}
	low := make([]domain.InventoryItem, 0, len(items))
	for _, item := range items {
		if item.LowStock {
			low = append(low, item)
		}
	}
	return low, nil
}

// AdjustStock sets an absolute stock level (stock-take). The delta is computed
// against the stored stock inside the same store transaction that writes the
// log entry. A zero delta writes nothing.
func (l *Ledger) AdjustStock(ctx context.Context, itemID string, newStock int, reason domain.InventoryReason, reportedBy string) (domain.StockAdjustResult, error) {
	if newStock < 0 {
		return domain.StockAdjustResult{}, fmt.Errorf("%w: new stock must be >= 0", domain.ErrInvalidInput)
	}
	if reason == "" {
		reason = domain.ReasonAdjustment
	}
	if !reason.Valid() {
		return domain.StockAdjustResult{}, fmt.Errorf("%w: unknown reason %q", domain.ErrInvalidInput, reason)
	}

	entryID := xid.New("invlog")
	item, entry, err := l.repo.AdjustStockTo(ctx, itemID, newStock, domain.InventoryLogEntry{
		ID:             entryID,
		Reason:         reason,
		ReportedBy:     actorName(ctx, reportedBy),
		IdempotencyKey: "adjust:" + entryID,
		CreatedAt:      l.clock.Now(),
	})
	if err != nil {
		return domain.StockAdjustResult{}, fmt.Errorf("adjust stock %s: %w", itemID, err)
	}
	if entry == nil {
		return domain.StockAdjustResult{Item: *item}, nil
	}

	l.afterApply(ctx, *item, *entry)
	l.audit.Record(ctx, audit.Entry{
		BranchID:     item.BranchID,
		ActorID:      entry.ReportedBy,
		ActionType:   "inventory_adjust",
		ResourceType: "inventory_item",
		ResourceID:   item.ID,
		OldValues:    map[string]int{"stock": item.Stock - entry.Change},
		NewValues:    map[string]any{"stock": item.Stock, "reason": entry.Reason},
	})
	return domain.StockAdjustResult{Item: *item, Entry: entry}, nil
}

func (l *Ledger) Restock(ctx context.Context, itemID string, qty int, reportedBy string, key string) (*domain.InventoryItem, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: restock quantity must be > 0", domain.ErrInvalidInput)
	}
	item, applied, err := l.applyDelta(ctx, itemID, qty, domain.ReasonRestock, reportedBy, key)
	if err != nil {
		return nil, err
	}
	if applied {
		l.audit.Record(ctx, audit.Entry{
			BranchID:     item.BranchID,
			ActionType:   "inventory_restock",
			ResourceType: "inventory_item",
			ResourceID:   item.ID,
			NewValues:    map[string]int{"quantity": qty, "stock": item.Stock},
		})
	}
	return item, nil
}

func (l *Ledger) RecordWaste(ctx context.Context, itemID string, qty int, reportedBy string, key string) (*domain.InventoryItem, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: waste quantity must be > 0", domain.ErrInvalidInput)
	}
	item, applied, err := l.applyDelta(ctx, itemID, -qty, domain.ReasonWaste, reportedBy, key)
	if err != nil {
		return nil, err
	}
	if applied {
		l.audit.Record(ctx, audit.Entry{
			BranchID:     item.BranchID,
			ActionType:   "inventory_waste",
			ResourceType: "inventory_item",
			ResourceID:   item.ID,
			NewValues:    map[string]int{"quantity": qty, "stock": item.Stock},
		})
	}
	return item, nil
}

// RecordSale deducts qty for a sold line. Stock may go negative: a sale that
// already happened is never refused by the ledger.
func (l *Ledger) RecordSale(ctx context.Context, itemID string, qty int, key string) (*domain.InventoryItem, bool, error) {
	if qty <= 0 {
		return nil, false, fmt.Errorf("%w: sale quantity must be > 0", domain.ErrInvalidInput)
	}
	return l.applyDelta(ctx, itemID, -qty, domain.ReasonSale, "", key)
}

// ReverseSale puts qty back as an adjustment, e.g. after a full refund.
func (l *Ledger) ReverseSale(ctx context.Context, itemID string, qty int, reportedBy string, key string) (*domain.InventoryItem, bool, error) {
	if qty <= 0 {
		return nil, false, fmt.Errorf("%w: reversal quantity must be > 0", domain.ErrInvalidInput)
	}
	return l.applyDelta(ctx, itemID, qty, domain.ReasonAdjustment, reportedBy, key)
}

func (l *Ledger) GetItemHistory(ctx context.Context, itemID string, filter domain.InventoryLogFilter) ([]domain.InventoryLogEntry, error) {
	if strings.TrimSpace(itemID) == "" {
		return nil, fmt.Errorf("%w: item id is required", domain.ErrInvalidInput)
	}
	if _, err := l.repo.GetInventoryItem(ctx, itemID); err != nil {
		return nil, err
	}
	filter.ItemID = itemID
	return l.GetInventoryLogs(ctx, filter)
}

func (l *Ledger) GetInventoryLogs(ctx context.Context, filter domain.InventoryLogFilter) ([]domain.InventoryLogEntry, error) {
	if filter.Reason != "" && !filter.Reason.Valid() {
		return nil, fmt.Errorf("%w: unknown reason %q", domain.ErrInvalidInput, filter.Reason)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultLogLimit
	}
	if filter.Limit > maxLogLimit {
		filter.Limit = maxLogLimit
	}
	return l.repo.ListInventoryLogs(ctx, filter)
}

// Reconcile resets every item's stock to its ledger sum. Run it at startup,
// before serving writes.
func (l *Ledger) Reconcile(ctx context.Context) ([]domain.StockDrift, error) {
	drifts, err := l.repo.RebuildStockFromLedger(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebuild stock from ledger: %w", err)
	}
	if len(drifts) == 0 {
		return drifts, nil
	}

	ids := make([]string, 0, len(drifts))
	for _, d := range drifts {
		log.Printf("[inventory] WARN: corrected stock drift item=%s cached=%d ledger=%d", d.ItemID, d.CachedStock, d.LedgerStock)
		ids = append(ids, d.ItemID)
	}
	if err := l.cache.Invalidate(ctx, ids...); err != nil {
		log.Printf("[inventory] WARN: stock cache invalidation failed: %v", err)
	}
	return drifts, nil
}

func (l *Ledger) applyDelta(ctx context.Context, itemID string, change int, reason domain.InventoryReason, reportedBy string, key string) (*domain.InventoryItem, bool, error) {
	entryID := xid.New("invlog")
	if key == "" {
		key = string(reason) + ":" + entryID
	}
	entry := domain.InventoryLogEntry{
		ID:             entryID,
		ItemID:         itemID,
		Change:         change,
		Reason:         reason,
		ReportedBy:     actorName(ctx, reportedBy),
		IdempotencyKey: key,
		CreatedAt:      l.clock.Now(),
	}

	item, applied, err := l.repo.AppendInventoryLog(ctx, entry)
	if err != nil {
		return nil, false, fmt.Errorf("append inventory log %s: %w", itemID, err)
	}
	if !applied {
		return item, false, nil
	}

	entry.ItemName = item.Name
	entry.BranchID = item.BranchID
	l.afterApply(ctx, *item, entry)
	return item, true, nil
}

func (l *Ledger) afterApply(ctx context.Context, item domain.InventoryItem, entry domain.InventoryLogEntry) {
	if err := l.cache.Invalidate(ctx, item.ID); err != nil {
		log.Printf("[inventory] WARN: stock cache invalidation failed item=%s: %v", item.ID, err)
	}

	before := item.Stock - entry.Change
	if before >= item.LowStockThreshold && item.Stock < item.LowStockThreshold {
		events.Emit(ctx, l.publisher, events.New(events.KindStockBelowThreshold, item.BranchID, entry.CreatedAt, events.StockBelowThreshold{
			ItemID:    item.ID,
			ItemName:  item.Name,
			Stock:     item.Stock,
			Threshold: item.LowStockThreshold,
		}))
	}

	if l.outbox != nil {
		if _, err := l.outbox.Enqueue(ctx, domain.InventoryOp{Entry: entry}); err != nil {
			log.Printf("[inventory] WARN: failed to enqueue ledger entry %s: %v", entry.ID, err)
		}
	}
}

func actorName(ctx context.Context, explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	if actor, ok := audit.ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}
