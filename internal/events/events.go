package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"restopos/backend/internal/domain"
	"restopos/backend/internal/xid"
)

type Kind string

const (
	KindOrderStatusChanged  Kind = "order.status_changed"
	KindStockBelowThreshold Kind = "stock.below_threshold"
	KindPaymentCompleted    Kind = "payment.completed"
)

type Event struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	BranchID   string          `json:"branch_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type OrderStatusChanged struct {
	OrderID string             `json:"order_id"`
	From    domain.OrderStatus `json:"from,omitempty"`
	To      domain.OrderStatus `json:"to"`
}

type StockBelowThreshold struct {
	ItemID    string `json:"item_id"`
	ItemName  string `json:"item_name"`
	Stock     int    `json:"stock"`
	Threshold int    `json:"threshold"`
}

type PaymentCompleted struct {
	TransactionID   string                 `json:"transaction_id"`
	OrderID         string                 `json:"order_id"`
	TransactionType domain.TransactionType `json:"transaction_type"`
	TotalAmount     decimal.Decimal        `json:"total_amount"`
	CardReference   string                 `json:"card_reference,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

func New(kind Kind, branchID string, at time.Time, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("null")
	}
	return Event{
		ID:         xid.New("evt"),
		Kind:       kind,
		BranchID:   branchID,
		OccurredAt: at,
		Payload:    raw,
	}
}

// Emit publishes and logs failures. Event delivery never fails the caller.
func Emit(ctx context.Context, pub Publisher, event Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, event); err != nil {
		log.Printf("[events] WARN: failed to publish %s id=%s: %v", event.Kind, event.ID, err)
	}
}

type Noop struct{}

func (Noop) Publish(_ context.Context, _ Event) error {
	return nil
}

// Bus fans events out to in-process subscribers such as a kitchen display.
// Slow subscribers drop events instead of blocking publishers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

func (b *Bus) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Recorder keeps every published event. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Kinds() []Kind {
	events := r.Events()
	kinds := make([]Kind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// Multi publishes to every publisher and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var first error
	for _, pub := range m {
		if err := pub.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
