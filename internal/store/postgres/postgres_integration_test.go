package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"restopos/backend/internal/domain"
	"restopos/backend/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("RESTOPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set RESTOPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	s, err := New(context.Background(), databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestCompletePaymentSettlesOrderOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()
	orderID := fmt.Sprintf("order-it-%d", stamp)
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM payment_transactions WHERE order_id = $1`, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
	})

	order := domain.Order{
		ID:       orderID,
		BranchID: "main-branch",
		Status:   domain.OrderReady,
		Lines: []domain.OrderLine{{
			MenuItemID: "burger",
			Name:       "Burger",
			Quantity:   2,
			UnitPrice:  decimal.RequireFromString("12.50"),
			Modifiers:  []domain.Modifier{{ID: "cheese", Name: "Cheese", Price: decimal.RequireFromString("1.00")}},
		}},
		TotalAmount: decimal.RequireFromString("27.00"),
		DiningMode:  domain.DineIn,
		SyncStatus:  domain.SyncUnsynced,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := s.CreateOrder(ctx, order); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on duplicate order, got %v", err)
	}

	got, err := s.GetOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if len(got.Lines) != 1 || len(got.Lines[0].Modifiers) != 1 {
		t.Fatalf("expected line and modifier to round-trip, got %+v", got.Lines)
	}
	if !got.TotalAmount.Equal(order.TotalAmount) {
		t.Fatalf("expected total %s, got %s", order.TotalAmount, got.TotalAmount)
	}

	for _, id := range []string{orderID + "-pay-a", orderID + "-pay-b"} {
		_, err := s.CreatePayment(ctx, domain.PaymentTransaction{
			ID:               id,
			OrderID:          orderID,
			BranchID:         "main-branch",
			CashAmount:       order.TotalAmount,
			TotalAmount:      order.TotalAmount,
			TransactionType:  domain.TransactionCash,
			ValidationStatus: domain.ValidationValid,
			Status:           domain.PaymentPending,
			CreatedAt:        now,
		})
		if err != nil {
			t.Fatalf("create payment %s: %v", id, err)
		}
	}

	payment, paid, err := s.CompletePayment(ctx, orderID+"-pay-a", now)
	if err != nil {
		t.Fatalf("complete payment: %v", err)
	}
	if payment.Status != domain.PaymentCompleted || paid.Status != domain.OrderPaid {
		t.Fatalf("expected completed payment and paid order, got %s / %s", payment.Status, paid.Status)
	}
	if paid.Version != 2 {
		t.Fatalf("expected version bump to 2, got %d", paid.Version)
	}
	if _, _, err := s.CompletePayment(ctx, orderID+"-pay-b", now); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for second completed payment, got %v", err)
	}

	// A stale replay must not regress the paid order.
	stale := order
	stale.Status = domain.OrderCooking
	stale.Version = 3
	if err := s.UpsertOrders(ctx, []domain.Order{stale}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err = s.GetOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != domain.OrderPaid || got.SyncStatus != domain.SyncSynced {
		t.Fatalf("expected paid synced order, got %s / %s", got.Status, got.SyncStatus)
	}
}

func TestInventoryLedgerIdempotencyAndRebuild(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()
	itemID := fmt.Sprintf("item-it-%d", stamp)
	now := time.Now().UTC()

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_logs WHERE item_id = $1`, itemID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_items WHERE id = $1`, itemID)
	})

	_, err := s.CreateInventoryItem(ctx, domain.InventoryItem{
		ID: itemID, BranchID: "main-branch", Name: "Test Patty", LowStockThreshold: 5, UpdatedAt: now,
	}, &domain.InventoryLogEntry{Change: 10, Reason: domain.ReasonAdjustment, ReportedBy: "it", CreatedAt: now})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}

	sale := domain.InventoryLogEntry{
		ItemID: itemID, Change: -6, Reason: domain.ReasonSale, ReportedBy: "it",
		IdempotencyKey: itemID + ":sale", CreatedAt: now,
	}
	item, applied, err := s.AppendInventoryLog(ctx, sale)
	if err != nil || !applied {
		t.Fatalf("append sale: applied=%v err=%v", applied, err)
	}
	if item.Stock != 4 || !item.LowStock {
		t.Fatalf("expected low stock 4, got %d low=%v", item.Stock, item.LowStock)
	}
	item, applied, err = s.AppendInventoryLog(ctx, sale)
	if err != nil || applied {
		t.Fatalf("expected replayed sale to be ignored: applied=%v err=%v", applied, err)
	}
	if item.Stock != 4 {
		t.Fatalf("expected stock unchanged at 4, got %d", item.Stock)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE inventory_items SET stock = 99 WHERE id = $1`, itemID); err != nil {
		t.Fatalf("simulate drift: %v", err)
	}
	drifts, err := s.RebuildStockFromLedger(ctx)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	found := false
	for _, d := range drifts {
		if d.ItemID == itemID {
			found = true
			if d.CachedStock != 99 || d.LedgerStock != 4 {
				t.Fatalf("unexpected drift %+v", d)
			}
		}
	}
	if !found {
		t.Fatalf("expected drift for %s", itemID)
	}

	logs, err := s.ListInventoryLogs(ctx, domain.InventoryLogFilter{ItemID: itemID})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 2 || logs[0].Reason != domain.ReasonSale {
		t.Fatalf("expected sale then opening entry, got %+v", logs)
	}
}

func TestSyncedOrderSettlesOnlyThroughMatchingPayment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	orderID := fmt.Sprintf("order-sync-%d", time.Now().UnixNano())
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM payment_transactions WHERE order_id = $1`, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
	})

	total := decimal.RequireFromString("27.00")
	claimed := domain.Order{
		ID: orderID, BranchID: "main-branch", Status: domain.OrderPaid, PaidAt: &now,
		TotalAmount: total, Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.UpsertOrders(ctx, []domain.Order{claimed}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.GetOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != domain.OrderReady || got.PaidAt != nil {
		t.Fatalf("expected unsettled order held at ready, got %s", got.Status)
	}

	short := domain.PaymentTransaction{
		ID: orderID + "-pay", OrderID: orderID, BranchID: "main-branch",
		CashAmount: decimal.RequireFromString("1.00"), TotalAmount: decimal.RequireFromString("1.00"),
		TransactionType: domain.TransactionCash, ValidationStatus: domain.ValidationValid, CreatedAt: now,
	}
	if _, err := s.SyncPayment(ctx, short); !errors.Is(err, domain.ErrPaymentMismatch) {
		t.Fatalf("expected mismatch against stored total, got %v", err)
	}

	short.CashAmount, short.TotalAmount = total, total
	applied, err := s.SyncPayment(ctx, short)
	if err != nil || !applied {
		t.Fatalf("sync payment: applied=%v err=%v", applied, err)
	}
	got, err = s.GetOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != domain.OrderPaid {
		t.Fatalf("expected paid after matching payment, got %s", got.Status)
	}
}
