package store

import (
	"context"
	"errors"
	"time"

	"restopos/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// UnsettledStatus is the status kept for a synced order that claims paid
// without a completed payment on record. Only a payment marks an order paid.
func UnsettledStatus(previous domain.OrderStatus) domain.OrderStatus {
	if previous == "" || previous == domain.OrderPaid {
		return domain.OrderReady
	}
	return previous
}

type OrderStore interface {
	// CreateOrder fails with ErrConflict when the id already exists.
	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	UpdateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
}

type PaymentStore interface {
	CreatePayment(ctx context.Context, tx domain.PaymentTransaction) (*domain.PaymentTransaction, error)
	GetPayment(ctx context.Context, id string) (*domain.PaymentTransaction, error)
	FindCompletedPayment(ctx context.Context, orderID string) (*domain.PaymentTransaction, error)
	// CompletePayment marks the transaction completed and its order paid in one
	// unit. ErrConflict when the order already carries another completed payment.
	CompletePayment(ctx context.Context, id string, paidAt time.Time) (*domain.PaymentTransaction, *domain.Order, error)
	CreateRefund(ctx context.Context, refund domain.RefundRequest) (*domain.RefundRequest, error)
	GetRefund(ctx context.Context, id string) (*domain.RefundRequest, error)
	ListRefunds(ctx context.Context, transactionID string) ([]domain.RefundRequest, error)
	CompleteRefund(ctx context.Context, id string, approvedBy string, at time.Time) (*domain.RefundRequest, error)
	CreateCashReconciliation(ctx context.Context, rec domain.CashReconciliation) (*domain.CashReconciliation, error)
	ListCashReconciliations(ctx context.Context, branchID string, limit int) ([]domain.CashReconciliation, error)
}

type InventoryStore interface {
	// CreateInventoryItem stores the item with stock equal to opening.Change and
	// appends opening to the ledger when it is non-nil.
	CreateInventoryItem(ctx context.Context, item domain.InventoryItem, opening *domain.InventoryLogEntry) (*domain.InventoryItem, error)
	GetInventoryItem(ctx context.Context, id string) (*domain.InventoryItem, error)
	ListInventoryItems(ctx context.Context, branchID string) ([]domain.InventoryItem, error)
	// AdjustStockTo sets stock to newStock and appends entry with the computed
	// delta in one unit. A zero delta writes nothing and returns a nil entry.
	AdjustStockTo(ctx context.Context, itemID string, newStock int, entry domain.InventoryLogEntry) (*domain.InventoryItem, *domain.InventoryLogEntry, error)
	// AppendInventoryLog applies entry.Change to stock and appends the entry.
	// A repeated idempotency key is a no-op reported as applied=false.
	AppendInventoryLog(ctx context.Context, entry domain.InventoryLogEntry) (item *domain.InventoryItem, applied bool, err error)
	ListInventoryLogs(ctx context.Context, filter domain.InventoryLogFilter) ([]domain.InventoryLogEntry, error)
	// RebuildStockFromLedger resets every item's stock to its ledger sum.
	RebuildStockFromLedger(ctx context.Context) ([]domain.StockDrift, error)
}

// SyncStore is what the gateway needs to apply replayed terminal operations.
type SyncStore interface {
	// UpsertOrders applies the whole batch in one transaction: header upsert on
	// id and full line replacement. Stale versions are skipped and a paid
	// order never regresses. An order claiming paid without a completed
	// payment keeps an unsettled status (see UnsettledStatus).
	UpsertOrders(ctx context.Context, orders []domain.Order) error
	// SyncPayment inserts a completed payment and marks its order paid unless a
	// completed payment already exists for the order (applied=false). A total
	// that does not match the stored order total fails with a
	// *domain.MismatchError.
	SyncPayment(ctx context.Context, payment domain.PaymentTransaction) (applied bool, err error)
	AppendInventoryLog(ctx context.Context, entry domain.InventoryLogEntry) (item *domain.InventoryItem, applied bool, err error)
}

type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, filter domain.AuditLogFilter) ([]domain.AuditLog, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	OrderStore
	PaymentStore
	InventoryStore
	SyncStore
	AuditStore
	UserStore
}
