package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"restopos/backend/internal/domain"
	"restopos/backend/internal/store"
	"restopos/backend/internal/xid"
)

type Store struct {
	mu               sync.RWMutex
	orders           map[string]domain.Order
	payments         map[string]domain.PaymentTransaction
	completedByOrder map[string]string
	refunds          map[string]domain.RefundRequest
	cashRecs         []domain.CashReconciliation
	items            map[string]domain.InventoryItem
	inventoryLogs    []domain.InventoryLogEntry
	inventoryLogKeys map[string]struct{}
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		orders:           make(map[string]domain.Order),
		payments:         make(map[string]domain.PaymentTransaction),
		completedByOrder: make(map[string]string),
		refunds:          make(map[string]domain.RefundRequest),
		cashRecs:         make([]domain.CashReconciliation, 0, 16),
		items:            make(map[string]domain.InventoryItem),
		inventoryLogs:    make([]domain.InventoryLogEntry, 0, 128),
		inventoryLogKeys: make(map[string]struct{}),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, with
// dev defaults and a warning when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
		{"terminal", cashierPwd, "terminal"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo users and a small kitchen inventory
// whose opening stock is recorded in the ledger.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	for _, item := range []domain.InventoryItem{
		{ID: "burger-bun", BranchID: "main-branch", Name: "Burger Bun", Unit: "pcs", Stock: 120, LowStockThreshold: 20},
		{ID: "beef-patty", BranchID: "main-branch", Name: "Beef Patty", Unit: "pcs", Stock: 80, LowStockThreshold: 15},
		{ID: "fries-portion", BranchID: "main-branch", Name: "Fries Portion", Unit: "portion", Stock: 150, LowStockThreshold: 30},
		{ID: "cola-can", BranchID: "main-branch", Name: "Cola Can", Unit: "can", Stock: 96, LowStockThreshold: 24},
		{ID: "espresso-beans", BranchID: "main-branch", Name: "Espresso Beans", Unit: "shot", Stock: 200, LowStockThreshold: 40},
	} {
		item.UpdatedAt = now
		s.items[item.ID] = item
		s.appendLogLocked(domain.InventoryLogEntry{
			ID:             xid.New("invlog"),
			ItemID:         item.ID,
			ItemName:       item.Name,
			BranchID:       item.BranchID,
			Change:         item.Stock,
			Reason:         domain.ReasonAdjustment,
			ReportedBy:     "seed",
			IdempotencyKey: "opening:" + item.ID,
			CreatedAt:      now,
		})
	}
	return s
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	if order.ID == "" {
		return nil, domain.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return nil, store.ErrConflict
	}
	s.orders[order.ID] = cloneOrder(order)
	created := cloneOrder(order)
	return &created, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneOrder(order)
	return &dup, nil
}

func (s *Store) UpdateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[order.ID]; !ok {
		return nil, store.ErrNotFound
	}
	s.orders[order.ID] = cloneOrder(order)
	updated := cloneOrder(order)
	return &updated, nil
}

func (s *Store) ListOrders(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0, len(s.orders))
	for _, order := range s.orders {
		if filter.BranchID != "" && order.BranchID != filter.BranchID {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.SyncStatus != "" && order.SyncStatus != filter.SyncStatus {
			continue
		}
		result = append(result, cloneOrder(order))
	}

	slices.SortFunc(result, func(a, b domain.Order) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmpString(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) UpsertOrders(_ context.Context, orders []domain.Order) error {
	for _, order := range orders {
		if order.ID == "" {
			return domain.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, incoming := range orders {
		existing, exists := s.orders[incoming.ID]
		if exists && existing.Version > incoming.Version {
			continue
		}
		next := cloneOrder(incoming)
		next.SyncStatus = domain.SyncSynced
		_, settled := s.completedByOrder[incoming.ID]
		switch {
		case exists && existing.Status == domain.OrderPaid && next.Status != domain.OrderPaid:
			next.Status = domain.OrderPaid
			next.PaidAt = existing.PaidAt
		case next.Status == domain.OrderPaid && !settled:
			next.Status = store.UnsettledStatus(existing.Status)
			next.PaidAt = nil
		}
		s.orders[next.ID] = next
	}
	return nil
}

func (s *Store) CreatePayment(_ context.Context, tx domain.PaymentTransaction) (*domain.PaymentTransaction, error) {
	if tx.ID == "" || tx.OrderID == "" {
		return nil, domain.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[tx.OrderID]; !ok {
		return nil, store.ErrNotFound
	}
	if _, exists := s.payments[tx.ID]; exists {
		return nil, store.ErrConflict
	}
	s.payments[tx.ID] = tx
	created := tx
	return &created, nil
}

func (s *Store) GetPayment(_ context.Context, id string) (*domain.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &tx, nil
}

func (s *Store) FindCompletedPayment(_ context.Context, orderID string) (*domain.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txID, ok := s.completedByOrder[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	tx := s.payments[txID]
	return &tx, nil
}

func (s *Store) CompletePayment(_ context.Context, id string, paidAt time.Time) (*domain.PaymentTransaction, *domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.payments[id]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	order, ok := s.orders[tx.OrderID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if tx.Status == domain.PaymentCompleted {
		dup := cloneOrder(order)
		return &tx, &dup, nil
	}
	if existing, ok := s.completedByOrder[tx.OrderID]; ok && existing != tx.ID {
		return nil, nil, store.ErrConflict
	}
	if order.Status == domain.OrderPaid {
		return nil, nil, store.ErrConflict
	}

	at := paidAt.UTC()
	tx.Status = domain.PaymentCompleted
	tx.CompletedAt = &at
	s.payments[tx.ID] = tx
	s.completedByOrder[tx.OrderID] = tx.ID

	order.Status = domain.OrderPaid
	order.PaidAt = &at
	order.UpdatedAt = at
	order.Version++
	order.SyncStatus = domain.SyncUnsynced
	s.orders[order.ID] = order

	dup := cloneOrder(order)
	return &tx, &dup, nil
}

func (s *Store) SyncPayment(_ context.Context, payment domain.PaymentTransaction) (bool, error) {
	if payment.ID == "" || payment.OrderID == "" {
		return false, domain.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.completedByOrder[payment.OrderID]; ok {
		return false, nil
	}
	order, ok := s.orders[payment.OrderID]
	if !ok {
		return false, store.ErrNotFound
	}
	if err := domain.CheckSettlement(payment.TotalAmount, order.TotalAmount); err != nil {
		return false, err
	}

	at := payment.CreatedAt.UTC()
	if payment.CompletedAt != nil {
		at = payment.CompletedAt.UTC()
	}
	payment.Status = domain.PaymentCompleted
	payment.CompletedAt = &at
	s.payments[payment.ID] = payment
	s.completedByOrder[payment.OrderID] = payment.ID

	order.Status = domain.OrderPaid
	order.PaidAt = &at
	order.UpdatedAt = at
	s.orders[order.ID] = order
	return true, nil
}

func (s *Store) CreateRefund(_ context.Context, refund domain.RefundRequest) (*domain.RefundRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[refund.TransactionID]; !ok {
		return nil, store.ErrNotFound
	}
	if _, exists := s.refunds[refund.ID]; exists {
		return nil, store.ErrConflict
	}
	s.refunds[refund.ID] = refund
	created := refund
	return &created, nil
}

func (s *Store) GetRefund(_ context.Context, id string) (*domain.RefundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refund, ok := s.refunds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &refund, nil
}

func (s *Store) ListRefunds(_ context.Context, transactionID string) ([]domain.RefundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.RefundRequest, 0, 4)
	for _, refund := range s.refunds {
		if refund.TransactionID == transactionID {
			result = append(result, refund)
		}
	}
	slices.SortFunc(result, func(a, b domain.RefundRequest) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmpString(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) CompleteRefund(_ context.Context, id string, approvedBy string, at time.Time) (*domain.RefundRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refund, ok := s.refunds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if refund.Status == domain.RefundCompleted {
		return nil, store.ErrConflict
	}
	completedAt := at.UTC()
	refund.Status = domain.RefundCompleted
	refund.ApprovedBy = approvedBy
	refund.CompletedAt = &completedAt
	s.refunds[id] = refund
	return &refund, nil
}

func (s *Store) CreateCashReconciliation(_ context.Context, rec domain.CashReconciliation) (*domain.CashReconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cashRecs = append(s.cashRecs, rec)
	created := rec
	return &created, nil
}

func (s *Store) ListCashReconciliations(_ context.Context, branchID string, limit int) ([]domain.CashReconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CashReconciliation, 0, len(s.cashRecs))
	for i := len(s.cashRecs) - 1; i >= 0; i-- {
		rec := s.cashRecs[i]
		if branchID != "" && rec.BranchID != branchID {
			continue
		}
		result = append(result, rec)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateInventoryItem(_ context.Context, item domain.InventoryItem, opening *domain.InventoryLogEntry) (*domain.InventoryItem, error) {
	if item.ID == "" {
		return nil, domain.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.ID]; exists {
		return nil, store.ErrConflict
	}
	item.Stock = 0
	if opening != nil {
		item.Stock = opening.Change
		entry := *opening
		entry.ItemID = item.ID
		entry.ItemName = item.Name
		entry.BranchID = item.BranchID
		s.appendLogLocked(entry)
	}
	s.items[item.ID] = item
	created := item.WithLowStock()
	return &created, nil
}

func (s *Store) GetInventoryItem(_ context.Context, id string) (*domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	item = item.WithLowStock()
	return &item, nil
}

func (s *Store) ListInventoryItems(_ context.Context, branchID string) ([]domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventoryItem, 0, len(s.items))
	for _, item := range s.items {
		if branchID != "" && item.BranchID != branchID {
			continue
		}
		result = append(result, item.WithLowStock())
	}
	slices.SortFunc(result, func(a, b domain.InventoryItem) int {
		return cmpString(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) AdjustStockTo(_ context.Context, itemID string, newStock int, entry domain.InventoryLogEntry) (*domain.InventoryItem, *domain.InventoryLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	delta := newStock - item.Stock
	if delta == 0 {
		current := item.WithLowStock()
		return &current, nil, nil
	}
	if entry.IdempotencyKey != "" {
		if _, seen := s.inventoryLogKeys[entry.IdempotencyKey]; seen {
			return nil, nil, store.ErrConflict
		}
	}

	entry.ItemID = item.ID
	entry.ItemName = item.Name
	entry.BranchID = item.BranchID
	entry.Change = delta
	s.appendLogLocked(entry)

	item.Stock = newStock
	item.UpdatedAt = entry.CreatedAt
	s.items[itemID] = item

	updated := item.WithLowStock()
	return &updated, &entry, nil
}

func (s *Store) AppendInventoryLog(_ context.Context, entry domain.InventoryLogEntry) (*domain.InventoryItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[entry.ItemID]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if entry.IdempotencyKey != "" {
		if _, seen := s.inventoryLogKeys[entry.IdempotencyKey]; seen {
			current := item.WithLowStock()
			return &current, false, nil
		}
	}

	if entry.ItemName == "" {
		entry.ItemName = item.Name
	}
	if entry.BranchID == "" {
		entry.BranchID = item.BranchID
	}
	s.appendLogLocked(entry)

	item.Stock += entry.Change
	item.UpdatedAt = entry.CreatedAt
	s.items[item.ID] = item

	updated := item.WithLowStock()
	return &updated, true, nil
}

func (s *Store) ListInventoryLogs(_ context.Context, filter domain.InventoryLogFilter) ([]domain.InventoryLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventoryLogEntry, 0, 32)
	for i := len(s.inventoryLogs) - 1; i >= 0; i-- {
		if filter.Matches(s.inventoryLogs[i]) {
			result = append(result, s.inventoryLogs[i])
		}
	}
	// Reverse insertion order already breaks ties; the stable sort only fixes
	// entries recorded with out-of-order timestamps.
	slices.SortStableFunc(result, func(a, b domain.InventoryLogEntry) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) RebuildStockFromLedger(_ context.Context) ([]domain.StockDrift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sums := make(map[string]int, len(s.items))
	for _, entry := range s.inventoryLogs {
		sums[entry.ItemID] += entry.Change
	}

	drifts := make([]domain.StockDrift, 0)
	for id, item := range s.items {
		ledger := sums[id]
		if item.Stock == ledger {
			continue
		}
		drifts = append(drifts, domain.StockDrift{ItemID: id, CachedStock: item.Stock, LedgerStock: ledger})
		item.Stock = ledger
		s.items[id] = item
	}
	slices.SortFunc(drifts, func(a, b domain.StockDrift) int {
		return cmpString(a.ItemID, b.ItemID)
	})
	return drifts, nil
}

// SetStockUnsafe overwrites the cached stock without a ledger entry. It exists
// to simulate drift after a crash.
func (s *Store) SetStockUnsafe(itemID string, stock int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[itemID]; ok {
		item.Stock = stock
		s.items[itemID] = item
	}
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, filter domain.AuditLogFilter) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit < 1 {
		limit = 200
	}
	result := make([]domain.AuditLog, 0, 32)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if filter.BranchID != "" && entry.BranchID != filter.BranchID {
			continue
		}
		if filter.ResourceType != "" && entry.ResourceType != filter.ResourceType {
			continue
		}
		if filter.ResourceID != "" && entry.ResourceID != filter.ResourceID {
			continue
		}
		result = append(result, entry)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" || user.Role == "" {
		return domain.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrConflict
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) appendLogLocked(entry domain.InventoryLogEntry) {
	s.inventoryLogs = append(s.inventoryLogs, entry)
	if entry.IdempotencyKey != "" {
		s.inventoryLogKeys[entry.IdempotencyKey] = struct{}{}
	}
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneOrder(src domain.Order) domain.Order {
	dup := src
	dup.Lines = make([]domain.OrderLine, len(src.Lines))
	for i, line := range src.Lines {
		dup.Lines[i] = line
		if line.Modifiers != nil {
			dup.Lines[i].Modifiers = make([]domain.Modifier, len(line.Modifiers))
			copy(dup.Lines[i].Modifiers, line.Modifiers)
		}
	}
	if src.PaidAt != nil {
		paidAt := *src.PaidAt
		dup.PaidAt = &paidAt
	}
	return dup
}
