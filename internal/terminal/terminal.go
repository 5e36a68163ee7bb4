package terminal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"restopos/backend/internal/audit"
	"restopos/backend/internal/cache"
	"restopos/backend/internal/clock"
	"restopos/backend/internal/domain"
	"restopos/backend/internal/events"
	"restopos/backend/internal/inventory"
	"restopos/backend/internal/order"
	"restopos/backend/internal/payment"
	"restopos/backend/internal/store"
	"restopos/backend/internal/syncqueue"
)

type Options struct {
	TerminalID    string
	BranchID      string
	QueuePath     string
	Repo          store.Repository
	Submitter     syncqueue.Submitter
	Pinger        syncqueue.Pinger
	Publisher     events.Publisher
	Clock         clock.Clock
	Policy        payment.Policy
	DrainInterval time.Duration
	ProbeInterval time.Duration
	// StartOnline seeds connectivity before the first probe answers.
	StartOnline bool
}

// Terminal wires the local services to the durable queue and its drainer.
// Every local mutation is enqueued and replayed to the gateway in order.
type Terminal struct {
	Orders    *order.Service
	Payments  *payment.Reconciler
	Inventory *inventory.Ledger
	Queue     *syncqueue.Queue
	Conn      *syncqueue.Connectivity
	Drainer   *syncqueue.Drainer

	pinger        syncqueue.Pinger
	probeInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Terminal, error) {
	if opts.Repo == nil {
		return nil, errors.New("terminal: repository is required")
	}
	if opts.Submitter == nil {
		return nil, errors.New("terminal: submitter is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Noop{}
	}

	queue, err := syncqueue.Open(opts.QueuePath, opts.Clock)
	if err != nil {
		return nil, err
	}
	if corrupt, err := queue.Verify(context.Background()); err != nil {
		if !errors.Is(err, syncqueue.ErrCorrupt) {
			queue.Close()
			return nil, fmt.Errorf("verify queue: %w", err)
		}
		for _, c := range corrupt {
			log.Printf("[terminal] WARN: corrupt queue entry id=%s seq=%d: %s", c.ID, c.Seq, c.Reason)
		}
		log.Printf("[terminal] WARN: %v; entries kept for operator review", err)
	}

	rec := audit.NewRecorder(opts.Repo, opts.Clock, opts.BranchID)
	ledger := inventory.NewLedger(opts.Repo, inventory.Options{
		Cache:     cache.NewMemoryStockCache(),
		Publisher: opts.Publisher,
		Audit:     rec,
		Outbox:    queue,
		Clock:     opts.Clock,
	})
	orders := order.NewService(opts.Repo, order.Options{
		Ledger:     ledger,
		Publisher:  opts.Publisher,
		Audit:      rec,
		Outbox:     queue,
		Clock:      opts.Clock,
		BranchID:   opts.BranchID,
		TerminalID: opts.TerminalID,
	})
	payments := payment.NewReconciler(opts.Repo, payment.Options{
		Policy:    opts.Policy,
		Restocker: ledger,
		Publisher: opts.Publisher,
		Audit:     rec,
		Outbox:    queue,
		Clock:     opts.Clock,
		BranchID:  opts.BranchID,
	})

	conn := syncqueue.NewConnectivity(opts.StartOnline)
	t := &Terminal{
		Orders:        orders,
		Payments:      payments,
		Inventory:     ledger,
		Queue:         queue,
		Conn:          conn,
		pinger:        opts.Pinger,
		probeInterval: opts.ProbeInterval,
	}
	t.Drainer = syncqueue.NewDrainer(queue, opts.Submitter, conn, syncqueue.DrainerOptions{
		Interval: opts.DrainInterval,
		Clock:    opts.Clock,
		Hooks:    t.syncHooks(),
	})
	return t, nil
}

// Start runs the connectivity probe and the drainer until Close.
func (t *Terminal) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	if t.pinger != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			syncqueue.Probe(ctx, t.pinger, t.Conn, t.probeInterval)
		}()
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.Drainer.Run(ctx)
	}()
}

// Close stops background work and closes the queue.
func (t *Terminal) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	return t.Queue.Close()
}

func (t *Terminal) syncHooks() syncqueue.Hooks {
	mark := func(ctx context.Context, op domain.SyncOperation, status domain.SyncStatus) {
		orderID, version, ok := orderRef(op)
		if !ok {
			return
		}
		if err := t.Orders.MarkSyncStatus(ctx, orderID, version, status); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Printf("[terminal] WARN: failed to mark order %s %s: %v", orderID, status, err)
		}
	}
	return syncqueue.Hooks{
		OnSubmit: func(ctx context.Context, op domain.SyncOperation) {
			mark(ctx, op, domain.SyncSyncing)
		},
		OnApplied: func(ctx context.Context, op domain.SyncOperation) {
			mark(ctx, op, domain.SyncSynced)
		},
		OnFailed: func(ctx context.Context, op domain.SyncOperation, _ error) {
			mark(ctx, op, domain.SyncFailed)
		},
		OnDeferred: func(ctx context.Context, op domain.SyncOperation) {
			mark(ctx, op, domain.SyncUnsynced)
		},
	}
}

// orderRef returns the order an operation belongs to. Payment operations carry
// no order version.
func orderRef(op domain.SyncOperation) (string, int64, bool) {
	switch p := op.Payload.(type) {
	case domain.CreateOrderOp:
		return p.Order.ID, p.Order.Version, true
	case domain.UpdateOrderOp:
		return p.Order.ID, p.Order.Version, true
	case domain.PaymentOp:
		return p.Payment.OrderID, 0, true
	case domain.InventoryOp:
		return "", 0, false
	default:
		return "", 0, false
	}
}
