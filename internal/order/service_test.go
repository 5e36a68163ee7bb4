package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"restopos/backend/internal/audit"
	"restopos/backend/internal/clock"
	"restopos/backend/internal/domain"
	"restopos/backend/internal/events"
	"restopos/backend/internal/inventory"
	"restopos/backend/internal/store/memory"
)

type recordingOutbox struct {
	mu  sync.Mutex
	ops []domain.OperationPayload
}

func (o *recordingOutbox) Enqueue(_ context.Context, payload domain.OperationPayload) (domain.SyncOperation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, payload)
	return domain.SyncOperation{Type: payload.OperationType(), Payload: payload}, nil
}

func (o *recordingOutbox) types() []domain.OperationType {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.OperationType, 0, len(o.ops))
	for _, op := range o.ops {
		out = append(out, op.OperationType())
	}
	return out
}

type fixture struct {
	svc    *Service
	ledger *inventory.Ledger
	repo   *memory.Store
	pub    *events.Recorder
	outbox *recordingOutbox
}

func newTestService(t *testing.T) fixture {
	t.Helper()
	repo := memory.New()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	pub := &events.Recorder{}
	outbox := &recordingOutbox{}
	rec := audit.NewRecorder(repo, clk, "main-branch")

	ledger := inventory.NewLedger(repo, inventory.Options{Publisher: pub, Audit: rec, Outbox: outbox, Clock: clk})
	if _, err := ledger.CreateItem(context.Background(), domain.InventoryItemCreateRequest{
		ID: "beef-patty", BranchID: "main-branch", Name: "Beef Patty", InitialStock: 20, LowStockThreshold: 5,
	}); err != nil {
		t.Fatalf("create item: %v", err)
	}

	svc := NewService(repo, Options{
		Ledger:     ledger,
		Publisher:  pub,
		Audit:      rec,
		Outbox:     outbox,
		Clock:      clk,
		BranchID:   "main-branch",
		TerminalID: "terminal-1",
	})
	return fixture{svc: svc, ledger: ledger, repo: repo, pub: pub, outbox: outbox}
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func burgerRequest(id string) domain.OrderCreateRequest {
	return domain.OrderCreateRequest{
		ID:             id,
		DiningMode:     domain.DineIn,
		TableNumber:    "T4",
		Discount:       money("5.00"),
		TaxRatePercent: money("5"),
		Lines: []domain.OrderLineInput{
			{MenuItemID: "burger", Name: "Burger", Quantity: 2, UnitPrice: money("18.00"), KitchenRelevant: true, InventoryItemID: "beef-patty",
				Modifiers: []domain.Modifier{{ID: "cheese", Name: "Cheese", Price: money("1.00")}}},
			{MenuItemID: "cola", Name: "Cola", Quantity: 4, UnitPrice: money("3.00")},
		},
	}
}

func TestCreateComputesTotals(t *testing.T) {
	f := newTestService(t)

	order, err := f.svc.Create(context.Background(), burgerRequest("order-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// (18+1)*2 + 3*4 = 50.00; (50-5) * 5% = 2.25
	if !order.Subtotal.Equal(money("50.00")) {
		t.Fatalf("expected subtotal 50.00, got %s", order.Subtotal)
	}
	if !order.Tax.Equal(money("2.25")) {
		t.Fatalf("expected tax 2.25, got %s", order.Tax)
	}
	if !order.TotalAmount.Equal(money("47.25")) {
		t.Fatalf("expected total 47.25, got %s", order.TotalAmount)
	}
	if order.Status != domain.OrderPending || order.Lines[0].KitchenStatus != domain.KitchenWaiting {
		t.Fatalf("unexpected initial state: %s / %s", order.Status, order.Lines[0].KitchenStatus)
	}
	if order.Lines[1].KitchenStatus != "" {
		t.Fatalf("expected non-kitchen line without kitchen status")
	}
}

func TestCreateRecordsSaleOnceForRepeatedID(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	if _, err := f.svc.Create(ctx, burgerRequest("order-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.Create(ctx, burgerRequest("order-1")); err != nil {
		t.Fatalf("repeat create: %v", err)
	}

	item, err := f.ledger.GetItem(ctx, "beef-patty")
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Stock != 18 {
		t.Fatalf("expected one sale of 2 patties, stock=%d", item.Stock)
	}

	want := []domain.OperationType{domain.OpCreateOrder, domain.OpInventory}
	got := f.outbox.types()
	if len(got) != len(want) {
		t.Fatalf("expected ops %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected ops %v, got %v", want, got)
		}
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	cases := map[string]domain.OrderCreateRequest{
		"no lines":          {DiningMode: domain.DineIn},
		"zero quantity":     {Lines: []domain.OrderLineInput{{Name: "Tea", Quantity: 0, UnitPrice: money("2")}}},
		"negative discount": {Discount: money("-1"), Lines: []domain.OrderLineInput{{Name: "Tea", Quantity: 1, UnitPrice: money("2")}}},
		"bad dining mode":   {DiningMode: "drive-thru", Lines: []domain.OrderLineInput{{Name: "Tea", Quantity: 1, UnitPrice: money("2")}}},
	}
	for name, req := range cases {
		if _, err := f.svc.Create(ctx, req); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", name, err)
		}
	}
}

func TestDiscountLargerThanSubtotalClampsTotal(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	order, err := f.svc.Create(ctx, burgerRequest("order-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	order, err = f.svc.SetDiscount(ctx, order.ID, money("80"))
	if err != nil {
		t.Fatalf("set discount: %v", err)
	}
	if !order.TotalAmount.IsZero() || !order.Tax.IsZero() {
		t.Fatalf("expected zero total and tax, got %s / %s", order.TotalAmount, order.Tax)
	}
}

func TestReadyRequiresKitchenComplete(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	order, err := f.svc.Create(ctx, burgerRequest("order-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.Advance(ctx, order.ID, domain.OrderReady); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ready to be refused, got %v", err)
	}

	order, err = f.svc.AdvanceLine(ctx, order.ID, 0, domain.KitchenPreparing)
	if err != nil {
		t.Fatalf("advance line: %v", err)
	}
	if order.Status != domain.OrderCooking {
		t.Fatalf("expected order to start cooking, got %s", order.Status)
	}

	order, err = f.svc.AdvanceLine(ctx, order.ID, 0, domain.KitchenDone)
	if err != nil {
		t.Fatalf("advance line to done: %v", err)
	}
	if !order.Lines[0].Completed {
		t.Fatalf("expected done line to be completed")
	}

	order, err = f.svc.Advance(ctx, order.ID, domain.OrderReady)
	if err != nil {
		t.Fatalf("advance to ready: %v", err)
	}
	if order.Status != domain.OrderReady {
		t.Fatalf("expected ready, got %s", order.Status)
	}
}

func TestLineTransitionsAreForwardOnly(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	order, err := f.svc.Create(ctx, burgerRequest("order-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.AdvanceLine(ctx, order.ID, 1, domain.KitchenPreparing); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected non-kitchen line to be refused, got %v", err)
	}
	if _, err := f.svc.AdvanceLine(ctx, order.ID, 0, domain.KitchenDone); err != nil {
		t.Fatalf("advance to done: %v", err)
	}
	if _, err := f.svc.AdvanceLine(ctx, order.ID, 0, domain.KitchenPreparing); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected backwards line move to be refused, got %v", err)
	}
}

func TestStatusNeverMovesBackwards(t *testing.T) {
	if err := CanTransition(domain.OrderCooking, domain.OrderPending); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected backwards move refused, got %v", err)
	}
	if err := CanTransition(domain.OrderReady, domain.OrderPaid); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected paid to be reserved, got %v", err)
	}
	if err := CanTransition(domain.OrderPaid, domain.OrderReady); !errors.Is(err, domain.ErrOrderPaid) {
		t.Fatalf("expected paid orders to be terminal, got %v", err)
	}
	if err := CanTransition(domain.OrderPending, domain.OrderCooking); err != nil {
		t.Fatalf("expected forward move allowed, got %v", err)
	}
}

func TestAddLinesKeepsExistingLinesAndBumpsVersion(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	order, err := f.svc.Create(ctx, burgerRequest("order-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.AdvanceLine(ctx, order.ID, 0, domain.KitchenPreparing); err != nil {
		t.Fatalf("advance line: %v", err)
	}

	updated, err := f.svc.AddLines(ctx, order.ID, []domain.OrderLineInput{{Name: "Fries", Quantity: 1, UnitPrice: money("4.00"), KitchenRelevant: true}})
	if err != nil {
		t.Fatalf("add lines: %v", err)
	}
	if len(updated.Lines) != 3 || updated.Lines[0].KitchenStatus != domain.KitchenPreparing {
		t.Fatalf("expected existing line untouched, got %+v", updated.Lines)
	}
	if updated.Version != 3 || updated.SyncStatus != domain.SyncUnsynced {
		t.Fatalf("expected version 3 unsynced, got %d %s", updated.Version, updated.SyncStatus)
	}
	if !updated.Subtotal.Equal(money("54.00")) {
		t.Fatalf("expected subtotal 54.00, got %s", updated.Subtotal)
	}
}

func TestAddLinesKeepsReadyOrderOutOfKitchen(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	order, err := f.svc.Create(ctx, burgerRequest("order-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.AdvanceLine(ctx, order.ID, 0, domain.KitchenDone); err != nil {
		t.Fatalf("advance line: %v", err)
	}
	if _, err := f.svc.Advance(ctx, order.ID, domain.OrderReady); err != nil {
		t.Fatalf("advance to ready: %v", err)
	}

	fries := domain.OrderLineInput{Name: "Fries", Quantity: 1, UnitPrice: money("4.00"), KitchenRelevant: true}
	if _, err := f.svc.AddLines(ctx, order.ID, []domain.OrderLineInput{fries}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected kitchen line on ready order refused, got %v", err)
	}
	stored, err := f.svc.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.Lines) != 2 || stored.Status != domain.OrderReady {
		t.Fatalf("expected ready order unchanged, got %d lines status %s", len(stored.Lines), stored.Status)
	}

	updated, err := f.svc.AddLines(ctx, order.ID, []domain.OrderLineInput{{Name: "Tea", Quantity: 1, UnitPrice: money("2.00")}})
	if err != nil {
		t.Fatalf("add drink: %v", err)
	}
	if len(updated.Lines) != 3 || updated.Status != domain.OrderReady {
		t.Fatalf("expected drink appended to ready order, got %d lines status %s", len(updated.Lines), updated.Status)
	}
}

func TestSaleForItemUnknownLocallyIsStillQueued(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	req := burgerRequest("order-1")
	req.Lines[1].InventoryItemID = "cola-can"
	if _, err := f.svc.Create(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}

	var sales []domain.InventoryLogEntry
	for _, op := range f.outbox.ops {
		if inv, ok := op.(domain.InventoryOp); ok {
			sales = append(sales, inv.Entry)
		}
	}
	if len(sales) != 2 {
		t.Fatalf("expected both sale entries queued, got %+v", sales)
	}
	var cola *domain.InventoryLogEntry
	for i := range sales {
		if sales[i].ItemID == "cola-can" {
			cola = &sales[i]
		}
	}
	if cola == nil || cola.IdempotencyKey != "sale:order-1:1" || cola.Change != -4 || cola.Reason != domain.ReasonSale {
		t.Fatalf("unexpected queued sale for unknown item: %+v", cola)
	}
}

func TestPaidOrdersRejectMutations(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	order, err := f.svc.Create(ctx, burgerRequest("order-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	order.Status = domain.OrderPaid
	if _, err := f.repo.UpdateOrder(ctx, *order); err != nil {
		t.Fatalf("force paid: %v", err)
	}

	if _, err := f.svc.AddLines(ctx, order.ID, []domain.OrderLineInput{{Name: "Tea", Quantity: 1, UnitPrice: money("2")}}); !errors.Is(err, domain.ErrOrderPaid) {
		t.Fatalf("expected paid order refusal, got %v", err)
	}
}

func TestActiveOrdersListsPendingAndCooking(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"order-1", "order-2"} {
		if _, err := f.svc.Create(ctx, burgerRequest(id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	takeaway := domain.OrderCreateRequest{ID: "order-3", DiningMode: domain.TakeOut, Lines: []domain.OrderLineInput{{Name: "Cola", Quantity: 1, UnitPrice: money("3")}}}
	if _, err := f.svc.Create(ctx, takeaway); err != nil {
		t.Fatalf("create takeaway: %v", err)
	}
	if _, err := f.svc.Advance(ctx, "order-3", domain.OrderReady); err != nil {
		t.Fatalf("advance takeaway: %v", err)
	}

	active, err := f.svc.ActiveOrders(ctx, "main-branch")
	if err != nil {
		t.Fatalf("active orders: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active orders, got %d", len(active))
	}
}

func TestMarkSyncStatusIgnoresStaleVersion(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	order, err := f.svc.Create(ctx, burgerRequest("order-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.SetDiscount(ctx, order.ID, money("2")); err != nil {
		t.Fatalf("set discount: %v", err)
	}

	if err := f.svc.MarkSyncStatus(ctx, order.ID, 1, domain.SyncSynced); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	got, _ := f.svc.Get(ctx, order.ID)
	if got.SyncStatus != domain.SyncUnsynced {
		t.Fatalf("expected stale ack ignored, got %s", got.SyncStatus)
	}

	if err := f.svc.MarkSyncStatus(ctx, order.ID, 2, domain.SyncSynced); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	got, _ = f.svc.Get(ctx, order.ID)
	if got.SyncStatus != domain.SyncSynced {
		t.Fatalf("expected synced, got %s", got.SyncStatus)
	}
}

func TestStatusChangesArePublished(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	order, err := f.svc.Create(ctx, burgerRequest("order-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.AdvanceLine(ctx, order.ID, 0, domain.KitchenPreparing); err != nil {
		t.Fatalf("advance line: %v", err)
	}

	count := 0
	for _, kind := range f.pub.Kinds() {
		if kind == events.KindOrderStatusChanged {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected create and cooking events, got %d", count)
	}
}
