package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"restopos/backend/internal/domain"
	"restopos/backend/internal/store"
)

func TestCreateOrderRejectsDuplicateID(t *testing.T) {
	s := New()
	ctx := context.Background()

	order := domain.Order{ID: "order-1", BranchID: "main-branch", Status: domain.OrderPending}
	if _, err := s.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := s.CreateOrder(ctx, order); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}
}

func TestGetOrderReturnsIsolatedCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.CreateOrder(ctx, domain.Order{
		ID:    "order-1",
		Lines: []domain.OrderLine{{MenuItemID: "burger", Quantity: 1, Modifiers: []domain.Modifier{{ID: "cheese"}}}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	got, err := s.GetOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	got.Lines[0].Modifiers[0].ID = "mutated"

	again, _ := s.GetOrder(ctx, "order-1")
	if again.Lines[0].Modifiers[0].ID != "cheese" {
		t.Fatalf("expected stored order to be unaffected by caller mutation")
	}
}

func TestUpsertOrdersSkipsStaleVersionAndKeepsPaid(t *testing.T) {
	s := New()
	ctx := context.Background()
	total := decimal.RequireFromString("12.50")

	if err := s.UpsertOrders(ctx, []domain.Order{{ID: "order-1", Status: domain.OrderReady, Version: 2, TotalAmount: total}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if applied, err := s.SyncPayment(ctx, domain.PaymentTransaction{ID: "pay-1", OrderID: "order-1", TotalAmount: total, CreatedAt: time.Now().UTC()}); err != nil || !applied {
		t.Fatalf("sync payment: applied=%v err=%v", applied, err)
	}
	if err := s.UpsertOrders(ctx, []domain.Order{{ID: "order-1", Status: domain.OrderCooking, Version: 1}}); err != nil {
		t.Fatalf("upsert stale: %v", err)
	}
	got, _ := s.GetOrder(ctx, "order-1")
	if got.Version != 2 || got.Status != domain.OrderPaid {
		t.Fatalf("expected stale version ignored, got version=%d status=%s", got.Version, got.Status)
	}

	if err := s.UpsertOrders(ctx, []domain.Order{{ID: "order-1", Status: domain.OrderReady, Version: 4, TotalAmount: total}}); err != nil {
		t.Fatalf("upsert newer: %v", err)
	}
	got, _ = s.GetOrder(ctx, "order-1")
	if got.Status != domain.OrderPaid || got.PaidAt == nil {
		t.Fatalf("expected paid status to survive newer version, got %s", got.Status)
	}
	if got.Version != 4 {
		t.Fatalf("expected newer version applied, got %d", got.Version)
	}
}

func TestUpsertOrdersWithoutPaymentNeverMarksPaid(t *testing.T) {
	s := New()
	ctx := context.Background()
	paidAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.UpsertOrders(ctx, []domain.Order{{ID: "order-1", Status: domain.OrderPaid, Version: 1, PaidAt: &paidAt}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ := s.GetOrder(ctx, "order-1")
	if got.Status != domain.OrderReady || got.PaidAt != nil {
		t.Fatalf("expected new unsettled order held at ready, got %s paidAt=%v", got.Status, got.PaidAt)
	}

	if err := s.UpsertOrders(ctx, []domain.Order{{ID: "order-2", Status: domain.OrderCooking, Version: 1}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertOrders(ctx, []domain.Order{{ID: "order-2", Status: domain.OrderPaid, Version: 2, PaidAt: &paidAt}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = s.GetOrder(ctx, "order-2")
	if got.Status != domain.OrderCooking || got.Version != 2 {
		t.Fatalf("expected previous status kept with newer version, got %s v%d", got.Status, got.Version)
	}
	if _, err := s.FindCompletedPayment(ctx, "order-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no completed payment, got %v", err)
	}
}

func TestCompletePaymentMarksOrderPaidOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.CreateOrder(ctx, domain.Order{ID: "order-1", Status: domain.OrderReady}); err != nil {
		t.Fatalf("create order: %v", err)
	}
	for _, id := range []string{"pay-1", "pay-2"} {
		if _, err := s.CreatePayment(ctx, domain.PaymentTransaction{ID: id, OrderID: "order-1", Status: domain.PaymentPending}); err != nil {
			t.Fatalf("create payment %s: %v", id, err)
		}
	}

	tx, order, err := s.CompletePayment(ctx, "pay-1", now)
	if err != nil {
		t.Fatalf("complete payment: %v", err)
	}
	if tx.Status != domain.PaymentCompleted || order.Status != domain.OrderPaid {
		t.Fatalf("expected completed payment and paid order, got %s/%s", tx.Status, order.Status)
	}

	if _, _, err := s.CompletePayment(ctx, "pay-1", now); err != nil {
		t.Fatalf("expected idempotent completion, got %v", err)
	}
	if _, _, err := s.CompletePayment(ctx, "pay-2", now); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for second payment, got %v", err)
	}
}

func TestSyncPaymentIsNoOpOnceSettled(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.CreateOrder(ctx, domain.Order{ID: "order-1", Status: domain.OrderReady, TotalAmount: decimal.RequireFromString("47.25")}); err != nil {
		t.Fatalf("create order: %v", err)
	}
	payment := domain.PaymentTransaction{ID: "pay-1", OrderID: "order-1", TotalAmount: decimal.RequireFromString("47.25"), CreatedAt: time.Now().UTC()}

	applied, err := s.SyncPayment(ctx, payment)
	if err != nil || !applied {
		t.Fatalf("expected first sync applied, got applied=%v err=%v", applied, err)
	}
	payment.ID = "pay-2"
	applied, err = s.SyncPayment(ctx, payment)
	if err != nil || applied {
		t.Fatalf("expected second sync no-op, got applied=%v err=%v", applied, err)
	}
}

func TestSyncPaymentRejectsTotalOffStoredOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.CreateOrder(ctx, domain.Order{ID: "order-1", Status: domain.OrderReady, TotalAmount: decimal.RequireFromString("47.25")}); err != nil {
		t.Fatalf("create order: %v", err)
	}
	_, err := s.SyncPayment(ctx, domain.PaymentTransaction{ID: "pay-1", OrderID: "order-1", TotalAmount: decimal.RequireFromString("1.00"), CreatedAt: time.Now().UTC()})
	var mismatch *domain.MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected mismatch error, got %v", err)
	}
	if !mismatch.Expected.Equal(decimal.RequireFromString("47.25")) {
		t.Fatalf("expected stored total as expected amount, got %s", mismatch.Expected)
	}
	got, _ := s.GetOrder(ctx, "order-1")
	if got.Status == domain.OrderPaid {
		t.Fatalf("order must stay unpaid after a rejected payment")
	}
}

func TestInventoryLedgerMatchesStock(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.CreateInventoryItem(ctx,
		domain.InventoryItem{ID: "bun", Name: "Bun", BranchID: "main-branch", LowStockThreshold: 5},
		&domain.InventoryLogEntry{ID: "log-0", Change: 10, Reason: domain.ReasonAdjustment, IdempotencyKey: "opening:bun", CreatedAt: now},
	)
	if err != nil {
		t.Fatalf("create item: %v", err)
	}

	if _, applied, err := s.AppendInventoryLog(ctx, domain.InventoryLogEntry{ID: "log-1", ItemID: "bun", Change: -7, Reason: domain.ReasonSale, IdempotencyKey: "sale:o1:0", CreatedAt: now}); err != nil || !applied {
		t.Fatalf("append sale: applied=%v err=%v", applied, err)
	}
	item, applied, err := s.AppendInventoryLog(ctx, domain.InventoryLogEntry{ID: "log-2", ItemID: "bun", Change: -7, Reason: domain.ReasonSale, IdempotencyKey: "sale:o1:0", CreatedAt: now})
	if err != nil || applied {
		t.Fatalf("expected duplicate key no-op, got applied=%v err=%v", applied, err)
	}
	if item.Stock != 3 || !item.LowStock {
		t.Fatalf("expected stock 3 flagged low, got %d low=%v", item.Stock, item.LowStock)
	}

	item, entry, err := s.AdjustStockTo(ctx, "bun", 3, domain.InventoryLogEntry{ID: "log-3", Reason: domain.ReasonAdjustment, CreatedAt: now})
	if err != nil {
		t.Fatalf("adjust to same stock: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected zero delta to write nothing")
	}

	logs, _ := s.ListInventoryLogs(ctx, domain.InventoryLogFilter{ItemID: "bun"})
	sum := 0
	for _, l := range logs {
		sum += l.Change
	}
	if sum != item.Stock {
		t.Fatalf("ledger sum %d differs from stock %d", sum, item.Stock)
	}
}

func TestRebuildStockFromLedgerCorrectsDrift(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	s.SetStockUnsafe("cola-can", 5)
	drifts, err := s.RebuildStockFromLedger(ctx)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(drifts) != 1 || drifts[0].ItemID != "cola-can" || drifts[0].LedgerStock != 96 {
		t.Fatalf("unexpected drifts: %+v", drifts)
	}
	item, _ := s.GetInventoryItem(ctx, "cola-can")
	if item.Stock != 96 {
		t.Fatalf("expected stock restored to 96, got %d", item.Stock)
	}
}
