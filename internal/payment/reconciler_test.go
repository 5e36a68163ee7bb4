package payment

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
	"restopos/backend/internal/order"
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

func (o *recordingOutbox) count(opType domain.OperationType) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, op := range o.ops {
		if op.OperationType() == opType {
			n++
		}
	}
	return n
}

type fixture struct {
	reconciler *Reconciler
	orders     *order.Service
	ledger     *inventory.Ledger
	repo       *memory.Store
	pub        *events.Recorder
	outbox     *recordingOutbox
}

func newTestReconciler(t *testing.T, policy Policy) fixture {
	t.Helper()
	repo := memory.New()
	clk := clock.NewManual(time.Date(2026, 3, 1, 19, 30, 0, 0, time.UTC))
	pub := &events.Recorder{}
	outbox := &recordingOutbox{}
	rec := audit.NewRecorder(repo, clk, "main-branch")

	ledger := inventory.NewLedger(repo, inventory.Options{Audit: rec, Outbox: outbox, Clock: clk})
	if _, err := ledger.CreateItem(context.Background(), domain.InventoryItemCreateRequest{
		ID: "beef-patty", BranchID: "main-branch", Name: "Beef Patty", InitialStock: 10, LowStockThreshold: 2,
	}); err != nil {
		t.Fatalf("create item: %v", err)
	}
	orders := order.NewService(repo, order.Options{Ledger: ledger, Audit: rec, Outbox: outbox, Clock: clk, BranchID: "main-branch"})
	reconciler := NewReconciler(repo, Options{
		Policy:    policy,
		Restocker: ledger,
		Publisher: pub,
		Audit:     rec,
		Outbox:    outbox,
		Clock:     clk,
		BranchID:  "main-branch",
	})
	return fixture{reconciler: reconciler, orders: orders, ledger: ledger, repo: repo, pub: pub, outbox: outbox}
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// createScenarioOrder opens a 50.00 order with a 5.00 discount at 5% tax.
func createScenarioOrder(t *testing.T, f fixture) *domain.Order {
	t.Helper()
	created, err := f.orders.Create(context.Background(), domain.OrderCreateRequest{
		ID:             "order-1",
		DiningMode:     domain.DineIn,
		Discount:       money("5.00"),
		TaxRatePercent: money("5"),
		Lines: []domain.OrderLineInput{
			{Name: "Burger", Quantity: 2, UnitPrice: money("20.00"), InventoryItemID: "beef-patty"},
			{Name: "Lemonade", Quantity: 2, UnitPrice: money("5.00")},
		},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return created
}

func TestValidateToleranceBoundaries(t *testing.T) {
	cases := []struct {
		cash, card, expected string
		valid                bool
	}{
		{"10.00", "0", "10.00", true},
		{"10.009", "0", "10.00", true},
		{"10.01", "0", "10.00", false},
		{"9.99", "0", "10.00", false},
		{"10.005", "0", "10.00", true},
		{"6.00", "4.00", "10.00", true},
		{"5.00", "4.98", "10.00", false},
	}
	for _, tc := range cases {
		v := Validate(money(tc.cash), money(tc.card), money(tc.expected))
		if v.Valid() != tc.valid {
			t.Fatalf("cash=%s card=%s expected=%s: valid=%v variance=%s", tc.cash, tc.card, tc.expected, v.Valid(), v.Variance)
		}
	}
}

func TestValidateReportsSignedDifference(t *testing.T) {
	v := Validate(money("9.00"), money("0"), money("10.00"))
	var mismatch *domain.MismatchError
	if !errors.As(v.Err(), &mismatch) {
		t.Fatalf("expected mismatch error, got %v", v.Err())
	}
	if !mismatch.Difference.Equal(money("-1.00")) {
		t.Fatalf("expected shortfall of -1.00, got %s", mismatch.Difference)
	}
}

func TestTransactionTypeFor(t *testing.T) {
	if got := TransactionTypeFor(money("5"), decimal.Zero); got != domain.TransactionCash {
		t.Fatalf("expected cash, got %s", got)
	}
	if got := TransactionTypeFor(decimal.Zero, money("5")); got != domain.TransactionCard {
		t.Fatalf("expected card, got %s", got)
	}
	if got := TransactionTypeFor(money("1"), money("4")); got != domain.TransactionPartial {
		t.Fatalf("expected partial, got %s", got)
	}
}

func TestScenarioCashPaymentSettlesOrder(t *testing.T) {
	f := newTestReconciler(t, Policy{})
	ctx := context.Background()

	created := createScenarioOrder(t, f)
	if !created.Tax.Equal(money("2.25")) || !created.TotalAmount.Equal(money("47.25")) {
		t.Fatalf("expected tax 2.25 total 47.25, got %s / %s", created.Tax, created.TotalAmount)
	}

	tx, err := f.reconciler.ProcessPayment(ctx, domain.PaymentRequest{
		OrderID:     created.ID,
		CashAmount:  money("47.25"),
		TotalAmount: money("47.25"),
	})
	if err != nil {
		t.Fatalf("process payment: %v", err)
	}
	if tx.TransactionType != domain.TransactionCash || tx.Status != domain.PaymentPending {
		t.Fatalf("unexpected transaction: %s/%s", tx.TransactionType, tx.Status)
	}

	completed, err := f.reconciler.CompletePayment(ctx, tx.ID)
	if err != nil {
		t.Fatalf("complete payment: %v", err)
	}
	if completed.Status != domain.PaymentCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}

	paid, err := f.orders.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if paid.Status != domain.OrderPaid || paid.PaidAt == nil {
		t.Fatalf("expected paid order with timestamp, got %s", paid.Status)
	}
	if f.outbox.count(domain.OpPayment) != 1 {
		t.Fatalf("expected one payment op enqueued")
	}

	logs, err := f.repo.ListAuditLogs(ctx, domain.AuditLogFilter{ResourceType: "payment", ResourceID: tx.ID})
	if err != nil || len(logs) != 1 || logs[0].ActionType != "payment_complete" {
		t.Fatalf("expected payment_complete audit, got %+v err=%v", logs, err)
	}
}

func TestCompletePaymentTwiceHasNoSideEffects(t *testing.T) {
	f := newTestReconciler(t, Policy{})
	ctx := context.Background()

	created := createScenarioOrder(t, f)
	tx, err := f.reconciler.ProcessPayment(ctx, domain.PaymentRequest{OrderID: created.ID, CashAmount: money("47.25"), TotalAmount: money("47.25")})
	if err != nil {
		t.Fatalf("process payment: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.reconciler.CompletePayment(ctx, tx.ID); err != nil {
			t.Fatalf("complete attempt %d: %v", i, err)
		}
	}
	if f.outbox.count(domain.OpPayment) != 1 {
		t.Fatalf("expected one payment op, got %d", f.outbox.count(domain.OpPayment))
	}
	completedEvents := 0
	for _, kind := range f.pub.Kinds() {
		if kind == events.KindPaymentCompleted {
			completedEvents++
		}
	}
	if completedEvents != 1 {
		t.Fatalf("expected one payment event, got %d", completedEvents)
	}
}

func TestProcessPaymentRejections(t *testing.T) {
	f := newTestReconciler(t, Policy{})
	ctx := context.Background()
	created := createScenarioOrder(t, f)

	_, err := f.reconciler.ProcessPayment(ctx, domain.PaymentRequest{OrderID: created.ID, CashAmount: money("40.00"), TotalAmount: money("47.25")})
	if !errors.Is(err, domain.ErrPaymentMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}

	_, err = f.reconciler.ProcessPayment(ctx, domain.PaymentRequest{OrderID: created.ID, CashAmount: money("40.00"), TotalAmount: money("40.00")})
	if !errors.Is(err, domain.ErrPaymentMismatch) {
		t.Fatalf("expected mismatch against order total, got %v", err)
	}

	_, err = f.reconciler.ProcessPayment(ctx, domain.PaymentRequest{OrderID: created.ID, CashAmount: money("20.00"), CardAmount: money("27.25"), TotalAmount: money("47.25")})
	if !errors.Is(err, domain.ErrCardReferenceRequired) {
		t.Fatalf("expected card reference required, got %v", err)
	}

	_, err = f.reconciler.ProcessPayment(ctx, domain.PaymentRequest{OrderID: created.ID, CashAmount: money("-1"), TotalAmount: money("47.25")})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	tx, err := f.reconciler.ProcessPayment(ctx, domain.PaymentRequest{OrderID: created.ID, CashAmount: money("20.00"), CardAmount: money("27.25"), TotalAmount: money("47.25"), CardReference: "AUTH-9921"})
	if err != nil {
		t.Fatalf("split payment: %v", err)
	}
	if tx.TransactionType != domain.TransactionPartial {
		t.Fatalf("expected partial, got %s", tx.TransactionType)
	}
	if _, err := f.reconciler.CompletePayment(ctx, tx.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	_, err = f.reconciler.ProcessPayment(ctx, domain.PaymentRequest{OrderID: created.ID, CashAmount: money("47.25"), TotalAmount: money("47.25")})
	if !errors.Is(err, domain.ErrOrderPaid) {
		t.Fatalf("expected paid order refusal, got %v", err)
	}
}

func settledTransaction(t *testing.T, f fixture) *domain.PaymentTransaction {
	t.Helper()
	ctx := context.Background()
	created := createScenarioOrder(t, f)
	tx, err := f.reconciler.ProcessPayment(ctx, domain.PaymentRequest{OrderID: created.ID, CashAmount: money("47.25"), TotalAmount: money("47.25")})
	if err != nil {
		t.Fatalf("process payment: %v", err)
	}
	tx, err = f.reconciler.CompletePayment(ctx, tx.ID)
	if err != nil {
		t.Fatalf("complete payment: %v", err)
	}
	return tx
}

func TestRefundBound(t *testing.T) {
	f := newTestReconciler(t, Policy{})
	ctx := context.Background()
	tx := settledTransaction(t, f)

	_, err := f.reconciler.RequestRefund(ctx, domain.RefundCreateRequest{TransactionID: tx.ID, Amount: money("47.26"), Reason: "cold food"})
	if !errors.Is(err, domain.ErrRefundExceedsTotal) {
		t.Fatalf("expected refund bound error, got %v", err)
	}
	refunds, _ := f.reconciler.ListRefunds(ctx, tx.ID)
	if len(refunds) != 0 {
		t.Fatalf("expected no refund record, got %d", len(refunds))
	}

	if _, err := f.reconciler.RequestRefund(ctx, domain.RefundCreateRequest{TransactionID: tx.ID, Amount: money("0"), Reason: "x"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected zero refund rejected, got %v", err)
	}

	if _, err := f.reconciler.RequestRefund(ctx, domain.RefundCreateRequest{TransactionID: tx.ID, Amount: money("30.00"), Reason: "wrong dish"}); err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	_, err = f.reconciler.RequestRefund(ctx, domain.RefundCreateRequest{TransactionID: tx.ID, Amount: money("20.00"), Reason: "again"})
	if !errors.Is(err, domain.ErrRefundExceedsTotal) {
		t.Fatalf("expected cumulative bound error, got %v", err)
	}
}

func TestFullRefundRestocksWhenPolicyEnabled(t *testing.T) {
	f := newTestReconciler(t, Policy{RestockOnRefund: true})
	ctx := context.Background()
	tx := settledTransaction(t, f)

	item, _ := f.ledger.GetItem(ctx, "beef-patty")
	if item.Stock != 8 {
		t.Fatalf("expected stock 8 after sale, got %d", item.Stock)
	}

	refund, err := f.reconciler.RequestRefund(ctx, domain.RefundCreateRequest{TransactionID: tx.ID, Amount: money("47.25"), Reason: "order cancelled"})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	approved, err := f.reconciler.ApproveRefund(ctx, refund.ID, "manager")
	if err != nil {
		t.Fatalf("approve refund: %v", err)
	}
	if approved.Status != domain.RefundCompleted || approved.ApprovedBy != "manager" {
		t.Fatalf("unexpected refund state: %+v", approved)
	}

	item, _ = f.ledger.GetItem(ctx, "beef-patty")
	if item.Stock != 10 {
		t.Fatalf("expected stock restored to 10, got %d", item.Stock)
	}

	if _, err := f.reconciler.ApproveRefund(ctx, refund.ID, "manager"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected second approval refused, got %v", err)
	}
}

func TestFullRefundLeavesStockWithoutPolicy(t *testing.T) {
	f := newTestReconciler(t, Policy{})
	ctx := context.Background()
	tx := settledTransaction(t, f)

	refund, err := f.reconciler.RequestRefund(ctx, domain.RefundCreateRequest{TransactionID: tx.ID, Amount: money("47.25"), Reason: "order cancelled"})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	if _, err := f.reconciler.ApproveRefund(ctx, refund.ID, "manager"); err != nil {
		t.Fatalf("approve refund: %v", err)
	}
	item, _ := f.ledger.GetItem(ctx, "beef-patty")
	if item.Stock != 8 {
		t.Fatalf("expected stock to stay 8, got %d", item.Stock)
	}
}

func TestReconcileCashAlwaysWritesRow(t *testing.T) {
	f := newTestReconciler(t, Policy{})
	ctx := context.Background()

	balanced, err := f.reconciler.ReconcileCash(ctx, "", money("500.00"), money("500.009"), "cashier")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !balanced.Balanced {
		t.Fatalf("expected balanced drawer")
	}

	short, err := f.reconciler.ReconcileCash(ctx, "", money("500.00"), money("480.00"), "cashier")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if short.Balanced || !short.Variance.Equal(money("-20.00")) {
		t.Fatalf("expected -20.00 variance, got %s balanced=%v", short.Variance, short.Balanced)
	}

	recs, err := f.reconciler.ListCashReconciliations(ctx, "main-branch", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(recs))
	}
}
