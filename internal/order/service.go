package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"restopos/backend/internal/audit"
	"restopos/backend/internal/clock"
	"restopos/backend/internal/domain"
	"restopos/backend/internal/events"
	"restopos/backend/internal/store"
	"restopos/backend/internal/xid"
)

// SaleRecorder writes sale entries to the inventory ledger. Keys make repeated
// calls no-ops.
type SaleRecorder interface {
	RecordSale(ctx context.Context, itemID string, qty int, key string) (*domain.InventoryItem, bool, error)
}

type Outbox interface {
	Enqueue(ctx context.Context, payload domain.OperationPayload) (domain.SyncOperation, error)
}

type Options struct {
	Ledger     SaleRecorder
	Publisher  events.Publisher
	Audit      *audit.Recorder
	Outbox     Outbox
	Clock      clock.Clock
	BranchID   string
	TerminalID string
}

type Service struct {
	repo       store.OrderStore
	ledger     SaleRecorder
	publisher  events.Publisher
	audit      *audit.Recorder
	outbox     Outbox
	clock      clock.Clock
	branchID   string
	terminalID string

	// mu serializes read-modify-write cycles on orders.
	mu sync.Mutex
}

func NewService(repo store.OrderStore, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	return &Service{
		repo:       repo,
		ledger:     opts.Ledger,
		publisher:  opts.Publisher,
		audit:      opts.Audit,
		outbox:     opts.Outbox,
		clock:      opts.Clock,
		branchID:   opts.BranchID,
		terminalID: opts.TerminalID,
	}
}

// Create opens a pending order and records one sale entry per
// inventory-tracked line. Creating an id that already exists returns the
// stored order; its sale entries are re-asserted, which the ledger ignores.
func (s *Service) Create(ctx context.Context, req domain.OrderCreateRequest) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID != "" {
		existing, err := s.repo.GetOrder(ctx, req.ID)
		if err == nil {
			s.recordSales(ctx, *existing)
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("%w: order needs at least one line", domain.ErrInvalidInput)
	}
	if err := validateMoneyInputs(req.Discount, req.TaxRatePercent); err != nil {
		return nil, err
	}
	if req.DiningMode == "" {
		req.DiningMode = domain.DineIn
	}
	if !req.DiningMode.Valid() {
		return nil, fmt.Errorf("%w: unknown dining mode %q", domain.ErrInvalidInput, req.DiningMode)
	}

	lines := make([]domain.OrderLine, 0, len(req.Lines))
	for _, in := range req.Lines {
		if err := validateLine(in); err != nil {
			return nil, err
		}
		lines = append(lines, newLine(in))
	}

	now := s.clock.Now()
	order := domain.Order{
		ID:             req.ID,
		BranchID:       firstNonEmpty(req.BranchID, s.branchID),
		TerminalID:     firstNonEmpty(req.TerminalID, s.terminalID),
		Status:         domain.OrderPending,
		Lines:          lines,
		Discount:       req.Discount,
		TaxRatePercent: req.TaxRatePercent,
		DiningMode:     req.DiningMode,
		TableNumber:    strings.TrimSpace(req.TableNumber),
		SyncStatus:     domain.SyncUnsynced,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if order.ID == "" {
		order.ID = xid.New("order")
	}
	RecomputeTotals(&order)

	created, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.enqueue(ctx, domain.CreateOrderOp{Order: *created})
	s.recordSales(ctx, *created)
	s.publishStatus(ctx, *created, "")
	s.audit.Record(ctx, audit.Entry{
		BranchID:     created.BranchID,
		ActionType:   "order_create",
		ResourceType: "order",
		ResourceID:   created.ID,
		NewValues: map[string]any{
			"status":       created.Status,
			"total_amount": created.TotalAmount,
			"lines":        len(created.Lines),
		},
	})
	return created, nil
}

// AddLines appends lines to an unpaid order. Existing lines and their kitchen
// progress are untouched. Added lines never produce sale entries. A ready order
// takes no further kitchen lines; those go on a new order.
func (s *Service) AddLines(ctx context.Context, orderID string, inputs []domain.OrderLineInput) (*domain.Order, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no lines to add", domain.ErrInvalidInput)
	}
	lines := make([]domain.OrderLine, 0, len(inputs))
	for _, in := range inputs {
		if err := validateLine(in); err != nil {
			return nil, err
		}
		lines = append(lines, newLine(in))
	}

	updated, _, err := s.mutate(ctx, orderID, func(order *domain.Order) error {
		if order.Status == domain.OrderReady {
			for _, line := range lines {
				if line.KitchenRelevant {
					return fmt.Errorf("%w: order %s is ready, kitchen line %q needs a new order", domain.ErrInvalidTransition, order.ID, line.Name)
				}
			}
		}
		order.Lines = append(order.Lines, lines...)
		RecomputeTotals(order)
		return nil
	})
	return updated, err
}

func (s *Service) SetDiscount(ctx context.Context, orderID string, discount decimal.Decimal) (*domain.Order, error) {
	if discount.IsNegative() {
		return nil, fmt.Errorf("%w: discount must be >= 0", domain.ErrInvalidInput)
	}
	updated, before, err := s.mutate(ctx, orderID, func(order *domain.Order) error {
		order.Discount = discount
		RecomputeTotals(order)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		BranchID:     updated.BranchID,
		ActionType:   "order_discount",
		ResourceType: "order",
		ResourceID:   updated.ID,
		OldValues:    map[string]any{"discount": before.Discount, "total_amount": before.TotalAmount},
		NewValues:    map[string]any{"discount": updated.Discount, "total_amount": updated.TotalAmount},
	})
	return updated, nil
}

// Advance moves the order forward. Ready requires every kitchen line done.
func (s *Service) Advance(ctx context.Context, orderID string, to domain.OrderStatus) (*domain.Order, error) {
	updated, before, err := s.mutate(ctx, orderID, func(order *domain.Order) error {
		if err := CanTransition(order.Status, to); err != nil {
			return err
		}
		if to == domain.OrderReady && !KitchenComplete(*order) {
			return fmt.Errorf("%w: kitchen lines are still in progress", domain.ErrInvalidTransition)
		}
		order.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishStatus(ctx, *updated, before.Status)
	s.audit.Record(ctx, audit.Entry{
		BranchID:     updated.BranchID,
		ActionType:   "order_status",
		ResourceType: "order",
		ResourceID:   updated.ID,
		OldValues:    map[string]any{"status": before.Status},
		NewValues:    map[string]any{"status": updated.Status},
	})
	return updated, nil
}

// AdvanceLine moves one kitchen line forward. The first line to start
// preparing moves a pending order to cooking.
func (s *Service) AdvanceLine(ctx context.Context, orderID string, lineIndex int, to domain.KitchenStatus) (*domain.Order, error) {
	updated, before, err := s.mutate(ctx, orderID, func(order *domain.Order) error {
		if lineIndex < 0 || lineIndex >= len(order.Lines) {
			return fmt.Errorf("%w: line index %d out of range", domain.ErrInvalidInput, lineIndex)
		}
		line := &order.Lines[lineIndex]
		if err := CanAdvanceLine(*line, to); err != nil {
			return err
		}
		line.KitchenStatus = to
		if to == domain.KitchenDone {
			line.Completed = true
		}
		if to.Rank() >= domain.KitchenPreparing.Rank() && order.Status == domain.OrderPending {
			order.Status = domain.OrderCooking
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if updated.Status != before.Status {
		s.publishStatus(ctx, *updated, before.Status)
	}
	return updated, nil
}

// CompleteLine marks a line that bypasses the kitchen as served.
func (s *Service) CompleteLine(ctx context.Context, orderID string, lineIndex int) (*domain.Order, error) {
	updated, _, err := s.mutate(ctx, orderID, func(order *domain.Order) error {
		if lineIndex < 0 || lineIndex >= len(order.Lines) {
			return fmt.Errorf("%w: line index %d out of range", domain.ErrInvalidInput, lineIndex)
		}
		line := &order.Lines[lineIndex]
		if line.KitchenRelevant {
			return fmt.Errorf("%w: kitchen lines complete through kitchen status", domain.ErrInvalidTransition)
		}
		if line.Completed {
			return errUnchanged
		}
		line.Completed = true
		return nil
	})
	return updated, err
}

func (s *Service) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

func (s *Service) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, filter.Status)
	}
	return s.repo.ListOrders(ctx, filter)
}

// ActiveOrders lists pending and cooking orders for a kitchen display,
// oldest first.
func (s *Service) ActiveOrders(ctx context.Context, branchID string) ([]domain.Order, error) {
	orders, err := s.repo.ListOrders(ctx, domain.OrderFilter{BranchID: branchID})
	if err != nil {
		return nil, err
	}
	active := make([]domain.Order, 0, len(orders))
	for _, order := range orders {
		if order.Status.Active() {
			active = append(active, order)
		}
	}
	return active, nil
}

// MarkSyncStatus records the drainer's progress for an order. A synced mark
// for an older version is ignored: a newer mutation is still queued.
func (s *Service) MarkSyncStatus(ctx context.Context, orderID string, version int64, status domain.SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if status == domain.SyncSynced && version > 0 && order.Version != version {
		return nil
	}
	if order.SyncStatus == status {
		return nil
	}
	order.SyncStatus = status
	_, err = s.repo.UpdateOrder(ctx, *order)
	return err
}

var errUnchanged = errors.New("unchanged")

// mutate applies fn to a fresh copy of the order, bumps its version and
// persists it. Paid orders are immutable.
func (s *Service) mutate(ctx context.Context, orderID string, fn func(*domain.Order) error) (*domain.Order, domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, domain.Order{}, err
	}
	if current.Status == domain.OrderPaid {
		return nil, domain.Order{}, domain.ErrOrderPaid
	}

	before := *current
	before.Lines = append([]domain.OrderLine(nil), current.Lines...)

	next := *current
	next.Lines = append([]domain.OrderLine(nil), current.Lines...)
	if err := fn(&next); err != nil {
		if errors.Is(err, errUnchanged) {
			return current, before, nil
		}
		return nil, domain.Order{}, err
	}
	next.Version++
	next.SyncStatus = domain.SyncUnsynced
	next.UpdatedAt = s.clock.Now()

	updated, err := s.repo.UpdateOrder(ctx, next)
	if err != nil {
		return nil, domain.Order{}, fmt.Errorf("update order %s: %w", orderID, err)
	}
	s.enqueue(ctx, domain.UpdateOrderOp{Order: *updated})
	return updated, before, nil
}

func (s *Service) recordSales(ctx context.Context, order domain.Order) {
	if s.ledger == nil {
		return
	}
	for i, line := range order.Lines {
		if !line.InventoryTracked() {
			continue
		}
		key := "sale:" + order.ID + ":" + strconv.Itoa(i)
		if _, _, err := s.ledger.RecordSale(ctx, line.InventoryItemID, line.Quantity, key); err != nil {
			log.Printf("[order] WARN: failed to record sale order=%s line=%d item=%s: %v", order.ID, i, line.InventoryItemID, err)
			// The gateway still gets the sale under the same key.
			s.enqueue(ctx, domain.InventoryOp{Entry: domain.InventoryLogEntry{
				ID:             xid.New("invlog"),
				ItemID:         line.InventoryItemID,
				BranchID:       order.BranchID,
				Change:         -line.Quantity,
				Reason:         domain.ReasonSale,
				IdempotencyKey: key,
				CreatedAt:      s.clock.Now(),
			}})
		}
	}
}

func (s *Service) enqueue(ctx context.Context, payload domain.OperationPayload) {
	if s.outbox == nil {
		return
	}
	if _, err := s.outbox.Enqueue(ctx, payload); err != nil {
		log.Printf("[order] WARN: failed to enqueue %s %s: %v", payload.OperationType(), payload.OrderingKey(), err)
	}
}

func (s *Service) publishStatus(ctx context.Context, order domain.Order, from domain.OrderStatus) {
	events.Emit(ctx, s.publisher, events.New(events.KindOrderStatusChanged, order.BranchID, order.UpdatedAt, events.OrderStatusChanged{
		OrderID: order.ID,
		From:    from,
		To:      order.Status,
	}))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
