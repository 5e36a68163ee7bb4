package payment

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"restopos/backend/internal/audit"
	"restopos/backend/internal/clock"
	"restopos/backend/internal/domain"
	"restopos/backend/internal/events"
	"restopos/backend/internal/metrics"
	"restopos/backend/internal/store"
	"restopos/backend/internal/xid"
)

// Store is the persistence the reconciler needs.
type Store interface {
	store.PaymentStore
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
}

// Restocker puts refunded quantities back into inventory.
type Restocker interface {
	ReverseSale(ctx context.Context, itemID string, qty int, reportedBy string, key string) (*domain.InventoryItem, bool, error)
}

type Outbox interface {
	Enqueue(ctx context.Context, payload domain.OperationPayload) (domain.SyncOperation, error)
}

// Policy holds business switches for refunds.
type Policy struct {
	// RestockOnRefund returns sold inventory when a refund covers the whole
	// transaction.
	RestockOnRefund bool
}

type Options struct {
	Policy    Policy
	Restocker Restocker
	Publisher events.Publisher
	Audit     *audit.Recorder
	Outbox    Outbox
	Clock     clock.Clock
	BranchID  string
}

type Reconciler struct {
	repo      Store
	policy    Policy
	restocker Restocker
	publisher events.Publisher
	audit     *audit.Recorder
	outbox    Outbox
	clock     clock.Clock
	branchID  string
}

func NewReconciler(repo Store, opts Options) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	return &Reconciler{
		repo:      repo,
		policy:    opts.Policy,
		restocker: opts.Restocker,
		publisher: opts.Publisher,
		audit:     opts.Audit,
		outbox:    opts.Outbox,
		clock:     opts.Clock,
		branchID:  opts.BranchID,
	}
}

// ProcessPayment validates the tender against the order and records a pending
// transaction. Nothing is written when validation fails.
func (r *Reconciler) ProcessPayment(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentTransaction, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return nil, fmt.Errorf("%w: order id is required", domain.ErrInvalidInput)
	}
	if req.CashAmount.IsNegative() || req.CardAmount.IsNegative() || req.TotalAmount.IsNegative() {
		return nil, fmt.Errorf("%w: amounts must be >= 0", domain.ErrInvalidInput)
	}

	if v := Validate(req.CashAmount, req.CardAmount, req.TotalAmount); !v.Valid() {
		metrics.Payment("mismatch")
		return nil, v.Err()
	}

	order, err := r.repo.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status == domain.OrderPaid {
		return nil, domain.ErrOrderPaid
	}
	if !domain.WithinTolerance(req.TotalAmount, order.TotalAmount) {
		metrics.Payment("mismatch")
		return nil, Validate(req.CashAmount, req.CardAmount, order.TotalAmount).Err()
	}

	req.CardReference = strings.TrimSpace(req.CardReference)
	if req.CardAmount.IsPositive() && req.CardReference == "" {
		return nil, domain.ErrCardReferenceRequired
	}

	tx := domain.PaymentTransaction{
		ID:               xid.New("pay"),
		OrderID:          order.ID,
		BranchID:         order.BranchID,
		CashAmount:       req.CashAmount,
		CardAmount:       req.CardAmount,
		TotalAmount:      order.TotalAmount,
		TransactionType:  TransactionTypeFor(req.CashAmount, req.CardAmount),
		ValidationStatus: domain.ValidationValid,
		Status:           domain.PaymentPending,
		CardReference:    req.CardReference,
		ActorID:          actorID(ctx, req.ActorID),
		CreatedAt:        r.clock.Now(),
	}
	created, err := r.repo.CreatePayment(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	metrics.Payment("accepted")
	return created, nil
}

// CompletePayment settles a pending transaction and marks its order paid in one
// store transaction. Completing an already completed transaction returns it
// unchanged.
func (r *Reconciler) CompletePayment(ctx context.Context, transactionID string) (*domain.PaymentTransaction, error) {
	current, err := r.repo.GetPayment(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if current.Status == domain.PaymentCompleted {
		return current, nil
	}
	orderBefore, err := r.repo.GetOrder(ctx, current.OrderID)
	if err != nil {
		return nil, err
	}

	tx, order, err := r.repo.CompletePayment(ctx, transactionID, r.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("complete payment %s: %w", transactionID, err)
	}
	metrics.Payment("completed")

	r.audit.Record(ctx, audit.Entry{
		BranchID:     tx.BranchID,
		ActorID:      tx.ActorID,
		ActionType:   "payment_complete",
		ResourceType: "payment",
		ResourceID:   tx.ID,
		OldValues:    map[string]any{"status": current.Status, "order_status": orderBefore.Status},
		NewValues:    map[string]any{"status": tx.Status, "order_status": order.Status, "total_amount": tx.TotalAmount},
	})

	at := r.clock.Now()
	if tx.CompletedAt != nil {
		at = *tx.CompletedAt
	}
	events.Emit(ctx, r.publisher, events.New(events.KindPaymentCompleted, tx.BranchID, at, events.PaymentCompleted{
		TransactionID:   tx.ID,
		OrderID:         tx.OrderID,
		TransactionType: tx.TransactionType,
		TotalAmount:     tx.TotalAmount,
		CardReference:   tx.CardReference,
	}))
	events.Emit(ctx, r.publisher, events.New(events.KindOrderStatusChanged, order.BranchID, at, events.OrderStatusChanged{
		OrderID: order.ID,
		From:    orderBefore.Status,
		To:      order.Status,
	}))

	if r.outbox != nil {
		op := domain.PaymentOp{Payment: domain.PaymentSync{
			OrderID:       tx.OrderID,
			TransactionID: tx.ID,
			BranchID:      tx.BranchID,
			CashAmount:    tx.CashAmount,
			CardAmount:    tx.CardAmount,
			TotalAmount:   tx.TotalAmount,
			CardReference: tx.CardReference,
			ActorID:       tx.ActorID,
			Timestamp:     at,
		}}
		if _, err := r.outbox.Enqueue(ctx, op); err != nil {
			log.Printf("[payment] WARN: failed to enqueue payment %s: %v", tx.ID, err)
		}
	}
	return tx, nil
}

func (r *Reconciler) GetPayment(ctx context.Context, transactionID string) (*domain.PaymentTransaction, error) {
	return r.repo.GetPayment(ctx, transactionID)
}

// RequestRefund records a pending refund against a completed payment. The
// amount plus every earlier refund must not exceed the original total.
func (r *Reconciler) RequestRefund(ctx context.Context, req domain.RefundCreateRequest) (*domain.RefundRequest, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: refund amount must be > 0", domain.ErrInvalidInput)
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		return nil, fmt.Errorf("%w: refund reason is required", domain.ErrInvalidInput)
	}

	tx, err := r.repo.GetPayment(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.PaymentCompleted {
		return nil, fmt.Errorf("%w: payment %s is not completed", domain.ErrInvalidTransition, tx.ID)
	}
	if req.Amount.GreaterThan(tx.TotalAmount) {
		return nil, fmt.Errorf("%w: %s > %s", domain.ErrRefundExceedsTotal, req.Amount.StringFixed(2), tx.TotalAmount.StringFixed(2))
	}

	previous, err := r.repo.ListRefunds(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	refunded := decimal.Zero
	for _, refund := range previous {
		refunded = refunded.Add(refund.Amount)
	}
	if refunded.Add(req.Amount).GreaterThan(tx.TotalAmount) {
		return nil, fmt.Errorf("%w: %s already refunded of %s", domain.ErrRefundExceedsTotal, refunded.StringFixed(2), tx.TotalAmount.StringFixed(2))
	}

	method := strings.TrimSpace(req.Method)
	if method == "" {
		method = string(tx.TransactionType)
	}
	refund := domain.RefundRequest{
		ID:            xid.New("refund"),
		TransactionID: tx.ID,
		OrderID:       tx.OrderID,
		Amount:        req.Amount,
		Method:        method,
		Reason:        req.Reason,
		Status:        domain.RefundPending,
		RequestedBy:   actorID(ctx, req.RequestedBy),
		CreatedAt:     r.clock.Now(),
	}
	created, err := r.repo.CreateRefund(ctx, refund)
	if err != nil {
		return nil, fmt.Errorf("create refund: %w", err)
	}

	r.audit.Record(ctx, audit.Entry{
		BranchID:     tx.BranchID,
		ActorID:      created.RequestedBy,
		ActionType:   "refund_request",
		ResourceType: "refund",
		ResourceID:   created.ID,
		NewValues:    map[string]any{"transaction_id": tx.ID, "amount": created.Amount, "reason": created.Reason},
	})
	return created, nil
}

// ApproveRefund completes a pending refund. With RestockOnRefund set, a refund
// of the full transaction total returns every tracked line to stock.
func (r *Reconciler) ApproveRefund(ctx context.Context, refundID string, approverID string) (*domain.RefundRequest, error) {
	approverID = strings.TrimSpace(approverID)
	if approverID == "" {
		return nil, fmt.Errorf("%w: approver is required", domain.ErrInvalidInput)
	}
	pending, err := r.repo.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if pending.Status == domain.RefundCompleted {
		return nil, fmt.Errorf("%w: refund %s already completed", domain.ErrInvalidTransition, refundID)
	}

	refund, err := r.repo.CompleteRefund(ctx, refundID, approverID, r.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("complete refund %s: %w", refundID, err)
	}

	tx, err := r.repo.GetPayment(ctx, refund.TransactionID)
	if err != nil {
		return nil, err
	}
	r.audit.Record(ctx, audit.Entry{
		BranchID:     tx.BranchID,
		ActorID:      approverID,
		ActionType:   "refund_approve",
		ResourceType: "refund",
		ResourceID:   refund.ID,
		OldValues:    map[string]any{"status": pending.Status},
		NewValues:    map[string]any{"status": refund.Status, "amount": refund.Amount},
	})

	if r.policy.RestockOnRefund && r.restocker != nil && refund.Amount.Equal(tx.TotalAmount) {
		r.restock(ctx, *refund, approverID)
	}
	return refund, nil
}

func (r *Reconciler) ListRefunds(ctx context.Context, transactionID string) ([]domain.RefundRequest, error) {
	return r.repo.ListRefunds(ctx, transactionID)
}

// ReconcileCash records a drawer count. A row is written even when the drawer
// does not balance.
func (r *Reconciler) ReconcileCash(ctx context.Context, branchID string, expected, actual decimal.Decimal, reportedBy string) (*domain.CashReconciliation, error) {
	if expected.IsNegative() || actual.IsNegative() {
		return nil, fmt.Errorf("%w: cash amounts must be >= 0", domain.ErrInvalidInput)
	}
	if branchID == "" {
		branchID = r.branchID
	}

	rec := domain.CashReconciliation{
		ID:           xid.New("cashrec"),
		BranchID:     branchID,
		ExpectedCash: expected,
		ActualCash:   actual,
		Variance:     actual.Sub(expected),
		Balanced:     domain.WithinTolerance(actual, expected),
		ReportedBy:   actorID(ctx, reportedBy),
		CreatedAt:    r.clock.Now(),
	}
	created, err := r.repo.CreateCashReconciliation(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("create cash reconciliation: %w", err)
	}
	if !created.Balanced {
		log.Printf("[payment] WARN: cash drawer variance branch=%s variance=%s", branchID, created.Variance.StringFixed(2))
	}

	r.audit.Record(ctx, audit.Entry{
		BranchID:     branchID,
		ActorID:      created.ReportedBy,
		ActionType:   "cash_reconcile",
		ResourceType: "cash_reconciliation",
		ResourceID:   created.ID,
		NewValues:    created,
	})
	return created, nil
}

func (r *Reconciler) ListCashReconciliations(ctx context.Context, branchID string, limit int) ([]domain.CashReconciliation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return r.repo.ListCashReconciliations(ctx, branchID, limit)
}

func (r *Reconciler) restock(ctx context.Context, refund domain.RefundRequest, approverID string) {
	order, err := r.repo.GetOrder(ctx, refund.OrderID)
	if err != nil {
		log.Printf("[payment] WARN: refund %s restock skipped, order lookup failed: %v", refund.ID, err)
		return
	}
	for i, line := range order.Lines {
		if !line.InventoryTracked() {
			continue
		}
		key := "refund:" + refund.ID + ":" + strconv.Itoa(i)
		if _, _, err := r.restocker.ReverseSale(ctx, line.InventoryItemID, line.Quantity, approverID, key); err != nil {
			log.Printf("[payment] WARN: refund %s restock failed item=%s: %v", refund.ID, line.InventoryItemID, err)
		}
	}
}

func actorID(ctx context.Context, explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	if actor, ok := audit.ActorFromContext(ctx); ok {
		return actor.Username
	}
	return ""
}
