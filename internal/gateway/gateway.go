package gateway

import (
	"context"
	"fmt"
	"strings"

	"restopos/backend/internal/clock"
	"restopos/backend/internal/domain"
	"restopos/backend/internal/events"
	"restopos/backend/internal/metrics"
	"restopos/backend/internal/order"
	"restopos/backend/internal/payment"
	"restopos/backend/internal/store"
	"restopos/backend/internal/xid"
)

type Options struct {
	Publisher events.Publisher
	Clock     clock.Clock
}

// Gateway applies operations replayed by terminals to the shared store. Every
// entry point is idempotent so a terminal may resend after a lost ack.
type Gateway struct {
	repo      store.SyncStore
	publisher events.Publisher
	clock     clock.Clock
}

func New(repo store.SyncStore, opts Options) *Gateway {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	return &Gateway{repo: repo, publisher: opts.Publisher, clock: opts.Clock}
}

// SyncOrders upserts the batch in one transaction. Totals are recomputed from
// the lines rather than trusted.
func (g *Gateway) SyncOrders(ctx context.Context, orders []domain.Order) (domain.SyncResponse, error) {
	if len(orders) == 0 {
		return domain.SyncResponse{}, fmt.Errorf("%w: empty order batch", domain.ErrInvalidInput)
	}
	batch := make([]domain.Order, 0, len(orders))
	for _, o := range orders {
		if err := validateOrder(o); err != nil {
			metrics.GatewayRequest("orders", "rejected")
			return domain.SyncResponse{}, err
		}
		order.RecomputeTotals(&o)
		if o.UpdatedAt.IsZero() {
			o.UpdatedAt = g.clock.Now()
		}
		if o.CreatedAt.IsZero() {
			o.CreatedAt = o.UpdatedAt
		}
		batch = append(batch, o)
	}

	if err := g.repo.UpsertOrders(ctx, batch); err != nil {
		metrics.GatewayRequest("orders", "error")
		return domain.SyncResponse{}, fmt.Errorf("upsert orders: %w", err)
	}
	metrics.GatewayRequest("orders", "applied")
	return domain.SyncResponse{Success: true, Message: fmt.Sprintf("synced %d orders", len(batch))}, nil
}

// SyncPayment records a settled payment keyed by order. The tendered total must
// match the stored order total. A second payment for an already settled order
// is acknowledged without effect.
func (g *Gateway) SyncPayment(ctx context.Context, req domain.PaymentSync) (domain.SyncResponse, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return domain.SyncResponse{}, fmt.Errorf("%w: orderId is required", domain.ErrInvalidInput)
	}
	if req.CashAmount.IsNegative() || req.CardAmount.IsNegative() || req.TotalAmount.IsNegative() {
		return domain.SyncResponse{}, fmt.Errorf("%w: amounts must be >= 0", domain.ErrInvalidInput)
	}
	if v := payment.Validate(req.CashAmount, req.CardAmount, req.TotalAmount); !v.Valid() {
		metrics.GatewayRequest("payments", "rejected")
		return domain.SyncResponse{}, v.Err()
	}
	if req.CardAmount.IsPositive() && strings.TrimSpace(req.CardReference) == "" {
		metrics.GatewayRequest("payments", "rejected")
		return domain.SyncResponse{}, domain.ErrCardReferenceRequired
	}

	at := req.Timestamp.UTC()
	if req.Timestamp.IsZero() {
		at = g.clock.Now()
	}
	id := req.TransactionID
	if id == "" {
		id = xid.New("pay")
	}
	tx := domain.PaymentTransaction{
		ID:               id,
		OrderID:          req.OrderID,
		BranchID:         req.BranchID,
		CashAmount:       req.CashAmount,
		CardAmount:       req.CardAmount,
		TotalAmount:      req.TotalAmount,
		TransactionType:  payment.TransactionTypeFor(req.CashAmount, req.CardAmount),
		ValidationStatus: domain.ValidationValid,
		Status:           domain.PaymentCompleted,
		CardReference:    strings.TrimSpace(req.CardReference),
		ActorID:          req.ActorID,
		CreatedAt:        at,
		CompletedAt:      &at,
	}

	applied, err := g.repo.SyncPayment(ctx, tx)
	if err != nil {
		if domain.IsValidation(err) {
			metrics.GatewayRequest("payments", "rejected")
			return domain.SyncResponse{}, err
		}
		metrics.GatewayRequest("payments", "error")
		return domain.SyncResponse{}, fmt.Errorf("sync payment for order %s: %w", req.OrderID, err)
	}
	if !applied {
		metrics.GatewayRequest("payments", "duplicate")
		return domain.SyncResponse{Success: true, Message: "payment already settled"}, nil
	}

	metrics.GatewayRequest("payments", "applied")
	events.Emit(ctx, g.publisher, events.New(events.KindPaymentCompleted, tx.BranchID, at, events.PaymentCompleted{
		TransactionID:   tx.ID,
		OrderID:         tx.OrderID,
		TransactionType: tx.TransactionType,
		TotalAmount:     tx.TotalAmount,
		CardReference:   tx.CardReference,
	}))
	return domain.SyncResponse{Success: true, Message: "payment recorded"}, nil
}

// SyncInventory appends ledger entries. Entries whose idempotency key was
// already applied are skipped.
func (g *Gateway) SyncInventory(ctx context.Context, entries []domain.InventoryLogEntry) (domain.SyncResponse, error) {
	if len(entries) == 0 {
		return domain.SyncResponse{}, fmt.Errorf("%w: empty inventory batch", domain.ErrInvalidInput)
	}
	for i := range entries {
		if err := validateEntry(&entries[i]); err != nil {
			metrics.GatewayRequest("inventory", "rejected")
			return domain.SyncResponse{}, err
		}
	}

	applied := 0
	for _, entry := range entries {
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = g.clock.Now()
		}
		item, ok, err := g.repo.AppendInventoryLog(ctx, entry)
		if err != nil {
			metrics.GatewayRequest("inventory", "error")
			return domain.SyncResponse{}, fmt.Errorf("append inventory entry %s: %w", entry.IdempotencyKey, err)
		}
		if !ok {
			continue
		}
		applied++
		before := item.Stock - entry.Change
		if before >= item.LowStockThreshold && item.Stock < item.LowStockThreshold {
			events.Emit(ctx, g.publisher, events.New(events.KindStockBelowThreshold, item.BranchID, entry.CreatedAt, events.StockBelowThreshold{
				ItemID:    item.ID,
				ItemName:  item.Name,
				Stock:     item.Stock,
				Threshold: item.LowStockThreshold,
			}))
		}
	}

	metrics.GatewayRequest("inventory", "applied")
	return domain.SyncResponse{
		Success: true,
		Message: fmt.Sprintf("applied %d of %d entries", applied, len(entries)),
	}, nil
}

// Apply dispatches one queued operation.
func (g *Gateway) Apply(ctx context.Context, payload domain.OperationPayload) error {
	var err error
	switch op := payload.(type) {
	case domain.CreateOrderOp:
		_, err = g.SyncOrders(ctx, []domain.Order{op.Order})
	case domain.UpdateOrderOp:
		_, err = g.SyncOrders(ctx, []domain.Order{op.Order})
	case domain.PaymentOp:
		_, err = g.SyncPayment(ctx, op.Payment)
	case domain.InventoryOp:
		_, err = g.SyncInventory(ctx, []domain.InventoryLogEntry{op.Entry})
	default:
		err = fmt.Errorf("%w: unsupported operation %T", domain.ErrInvalidInput, payload)
	}
	return err
}

// LocalSubmitter applies queued operations in-process, for single-node
// deployments and tests.
type LocalSubmitter struct {
	Gateway *Gateway
}

func (s LocalSubmitter) Submit(ctx context.Context, op domain.SyncOperation) error {
	return s.Gateway.Apply(ctx, op.Payload)
}

// Ping always succeeds: an in-process gateway is never unreachable.
func (s LocalSubmitter) Ping(context.Context) error {
	return nil
}

func validateOrder(o domain.Order) error {
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("%w: order id is required", domain.ErrInvalidInput)
	}
	if !o.Status.Valid() {
		return fmt.Errorf("%w: order %s has unknown status %q", domain.ErrInvalidInput, o.ID, o.Status)
	}
	if o.DiningMode != "" && !o.DiningMode.Valid() {
		return fmt.Errorf("%w: order %s has unknown dining mode %q", domain.ErrInvalidInput, o.ID, o.DiningMode)
	}
	if o.Discount.IsNegative() || o.TaxRatePercent.IsNegative() {
		return fmt.Errorf("%w: order %s has negative amounts", domain.ErrInvalidInput, o.ID)
	}
	for i, line := range o.Lines {
		if line.Quantity <= 0 || line.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: order %s line %d is invalid", domain.ErrInvalidInput, o.ID, i)
		}
	}
	return nil
}

func validateEntry(entry *domain.InventoryLogEntry) error {
	if strings.TrimSpace(entry.ItemID) == "" {
		return fmt.Errorf("%w: item_id is required", domain.ErrInvalidInput)
	}
	if !entry.Reason.Valid() {
		return fmt.Errorf("%w: unknown reason %q", domain.ErrInvalidInput, entry.Reason)
	}
	if entry.Change == 0 {
		return fmt.Errorf("%w: change must be non-zero", domain.ErrInvalidInput)
	}
	if entry.ID == "" {
		entry.ID = xid.New("invlog")
	}
	if entry.IdempotencyKey == "" {
		entry.IdempotencyKey = "log:" + entry.ID
	}
	return nil
}
