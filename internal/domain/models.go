package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending OrderStatus = "pending"
	OrderCooking OrderStatus = "cooking"
	OrderReady   OrderStatus = "ready"
	OrderPaid    OrderStatus = "paid"
)

// Rank orders statuses along the lifecycle. Unknown statuses rank 0.
func (s OrderStatus) Rank() int {
	switch s {
	case OrderPending:
		return 1
	case OrderCooking:
		return 2
	case OrderReady:
		return 3
	case OrderPaid:
		return 4
	default:
		return 0
	}
}

func (s OrderStatus) Valid() bool {
	return s.Rank() > 0
}

// Active reports whether the kitchen display should show the order.
func (s OrderStatus) Active() bool {
	return s == OrderPending || s == OrderCooking
}

type KitchenStatus string

const (
	KitchenWaiting   KitchenStatus = "waiting"
	KitchenPreparing KitchenStatus = "preparing"
	KitchenDone      KitchenStatus = "done"
)

func (s KitchenStatus) Rank() int {
	switch s {
	case KitchenWaiting:
		return 1
	case KitchenPreparing:
		return 2
	case KitchenDone:
		return 3
	default:
		return 0
	}
}

type DiningMode string

const (
	DineIn   DiningMode = "dine-in"
	TakeOut  DiningMode = "take-out"
	Delivery DiningMode = "delivery"
)

func (m DiningMode) Valid() bool {
	switch m {
	case DineIn, TakeOut, Delivery:
		return true
	default:
		return false
	}
}

type SyncStatus string

const (
	SyncUnsynced SyncStatus = "unsynced"
	SyncSyncing  SyncStatus = "syncing"
	SyncSynced   SyncStatus = "synced"
	SyncFailed   SyncStatus = "failed"
)

type Modifier struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type OrderLine struct {
	MenuItemID      string          `json:"menu_item_id"`
	Name            string          `json:"name"`
	Quantity        int             `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	Modifiers       []Modifier      `json:"modifiers,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	Completed       bool            `json:"completed"`
	KitchenRelevant bool            `json:"kitchen_relevant"`
	KitchenStatus   KitchenStatus   `json:"kitchen_status,omitempty"`
	InventoryItemID string          `json:"inventory_item_id,omitempty"`
}

// LineTotal is (unit price + modifier prices) x quantity.
func (l OrderLine) LineTotal() decimal.Decimal {
	unit := l.UnitPrice
	for _, mod := range l.Modifiers {
		unit = unit.Add(mod.Price)
	}
	return unit.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

func (l OrderLine) InventoryTracked() bool {
	return l.InventoryItemID != ""
}

type Order struct {
	ID             string          `json:"id"`
	BranchID       string          `json:"branch_id"`
	TerminalID     string          `json:"terminal_id,omitempty"`
	Status         OrderStatus     `json:"status"`
	Lines          []OrderLine     `json:"lines"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Tax            decimal.Decimal `json:"tax"`
	Discount       decimal.Decimal `json:"discount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
	DiningMode     DiningMode      `json:"dining_mode"`
	TableNumber    string          `json:"table_number,omitempty"`
	SyncStatus     SyncStatus      `json:"sync_status"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
}

type OrderLineInput struct {
	MenuItemID      string          `json:"menu_item_id"`
	Name            string          `json:"name"`
	Quantity        int             `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	Modifiers       []Modifier      `json:"modifiers,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	KitchenRelevant bool            `json:"kitchen_relevant"`
	InventoryItemID string          `json:"inventory_item_id,omitempty"`
}

type OrderCreateRequest struct {
	ID             string           `json:"id,omitempty"`
	BranchID       string           `json:"branch_id"`
	TerminalID     string           `json:"terminal_id"`
	DiningMode     DiningMode       `json:"dining_mode"`
	TableNumber    string           `json:"table_number,omitempty"`
	Discount       decimal.Decimal  `json:"discount"`
	TaxRatePercent decimal.Decimal  `json:"tax_rate_percent"`
	Lines          []OrderLineInput `json:"lines"`
}

type OrderFilter struct {
	BranchID   string
	Status     OrderStatus
	SyncStatus SyncStatus
	Limit      int
}

type TransactionType string

const (
	TransactionCash    TransactionType = "cash"
	TransactionCard    TransactionType = "card"
	TransactionPartial TransactionType = "partial"
)

type ValidationStatus string

const (
	ValidationValid    ValidationStatus = "valid"
	ValidationMismatch ValidationStatus = "mismatch"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
)

type PaymentTransaction struct {
	ID               string           `json:"id"`
	OrderID          string           `json:"order_id"`
	BranchID         string           `json:"branch_id"`
	CashAmount       decimal.Decimal  `json:"cash_amount"`
	CardAmount       decimal.Decimal  `json:"card_amount"`
	TotalAmount      decimal.Decimal  `json:"total_amount"`
	TransactionType  TransactionType  `json:"transaction_type"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	Status           PaymentStatus    `json:"status"`
	CardReference    string           `json:"card_reference,omitempty"`
	ActorID          string           `json:"actor_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

type PaymentRequest struct {
	OrderID       string          `json:"order_id"`
	CashAmount    decimal.Decimal `json:"cash_amount"`
	CardAmount    decimal.Decimal `json:"card_amount"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	CardReference string          `json:"card_reference,omitempty"`
	ActorID       string          `json:"actor_id,omitempty"`
}

// PaymentSync is the wire shape of a settled payment replayed to the gateway.
type PaymentSync struct {
	OrderID       string          `json:"orderId"`
	TransactionID string          `json:"transactionId,omitempty"`
	BranchID      string          `json:"branchId,omitempty"`
	CashAmount    decimal.Decimal `json:"cashAmount"`
	CardAmount    decimal.Decimal `json:"cardAmount"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	CardReference string          `json:"cardReference,omitempty"`
	ActorID       string          `json:"actorId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
)

type RefundRequest struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	OrderID       string          `json:"order_id"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	Reason        string          `json:"reason"`
	Status        RefundStatus    `json:"status"`
	RequestedBy   string          `json:"requested_by,omitempty"`
	ApprovedBy    string          `json:"approved_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

type RefundCreateRequest struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	Reason        string          `json:"reason"`
	RequestedBy   string          `json:"requested_by,omitempty"`
}

type CashReconciliation struct {
	ID           string          `json:"id"`
	BranchID     string          `json:"branch_id"`
	ExpectedCash decimal.Decimal `json:"expected_cash"`
	ActualCash   decimal.Decimal `json:"actual_cash"`
	Variance     decimal.Decimal `json:"variance"`
	Balanced     bool            `json:"balanced"`
	ReportedBy   string          `json:"reported_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type InventoryReason string

const (
	ReasonSale       InventoryReason = "sale"
	ReasonRestock    InventoryReason = "restock"
	ReasonWaste      InventoryReason = "waste"
	ReasonAdjustment InventoryReason = "adjustment"
)

func (r InventoryReason) Valid() bool {
	switch r {
	case ReasonSale, ReasonRestock, ReasonWaste, ReasonAdjustment:
		return true
	default:
		return false
	}
}

type InventoryItem struct {
	ID                string    `json:"id"`
	BranchID          string    `json:"branch_id"`
	Name              string    `json:"name"`
	Unit              string    `json:"unit,omitempty"`
	Stock             int       `json:"stock"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	LowStock          bool      `json:"low_stock"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// WithLowStock returns the item with LowStock derived from the current stock.
func (i InventoryItem) WithLowStock() InventoryItem {
	i.LowStock = i.Stock < i.LowStockThreshold
	return i
}

type InventoryItemCreateRequest struct {
	ID                string `json:"id,omitempty"`
	BranchID          string `json:"branch_id"`
	Name              string `json:"name"`
	Unit              string `json:"unit,omitempty"`
	InitialStock      int    `json:"initial_stock"`
	LowStockThreshold int    `json:"low_stock_threshold"`
}

type InventoryLogEntry struct {
	ID             string          `json:"id"`
	ItemID         string          `json:"item_id"`
	ItemName       string          `json:"item_name"`
	BranchID       string          `json:"branch_id"`
	Change         int             `json:"change"`
	Reason         InventoryReason `json:"reason"`
	ReportedBy     string          `json:"reported_by"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type InventoryLogFilter struct {
	ItemID   string
	BranchID string
	Reason   InventoryReason
	Limit    int
}

// Matches reports whether the entry passes every non-empty filter field.
func (f InventoryLogFilter) Matches(entry InventoryLogEntry) bool {
	if f.ItemID != "" && entry.ItemID != f.ItemID {
		return false
	}
	if f.BranchID != "" && entry.BranchID != f.BranchID {
		return false
	}
	if f.Reason != "" && entry.Reason != f.Reason {
		return false
	}
	return true
}

type StockAdjustRequest struct {
	NewStock   int             `json:"new_stock"`
	Reason     InventoryReason `json:"reason"`
	ReportedBy string          `json:"reported_by"`
}

type StockAdjustResult struct {
	Item  InventoryItem      `json:"item"`
	Entry *InventoryLogEntry `json:"entry,omitempty"`
}

// StockDrift records an item whose cached stock disagreed with its ledger sum.
type StockDrift struct {
	ItemID      string `json:"item_id"`
	CachedStock int    `json:"cached_stock"`
	LedgerStock int    `json:"ledger_stock"`
}

type SyncResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type OrderBatchRequest struct {
	Orders []Order `json:"orders"`
}

type InventoryBatchRequest struct {
	Entries []InventoryLogEntry `json:"entries"`
}

type AuditLog struct {
	ID           string          `json:"id"`
	BranchID     string          `json:"branch_id"`
	ActorID      string          `json:"actor_id"`
	ActorRole    string          `json:"actor_role,omitempty"`
	ActionType   string          `json:"action_type"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	OldValues    json.RawMessage `json:"old_values,omitempty"`
	NewValues    json.RawMessage `json:"new_values,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type AuditLogFilter struct {
	BranchID     string
	ResourceType string
	ResourceID   string
	Limit        int
}

type Actor struct {
	Username string
	Role     string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
