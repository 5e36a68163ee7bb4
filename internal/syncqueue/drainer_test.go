package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restopos/backend/internal/domain"
)

// scriptedSubmitter records submissions and fails according to fail.
type scriptedSubmitter struct {
	mu        sync.Mutex
	submitted []string
	fail      func(op domain.SyncOperation) error
}

func (s *scriptedSubmitter) Submit(_ context.Context, op domain.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, label(op))
	if s.fail != nil {
		return s.fail(op)
	}
	return nil
}

func (s *scriptedSubmitter) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.submitted...)
}

func label(op domain.SyncOperation) string {
	switch p := op.Payload.(type) {
	case domain.CreateOrderOp:
		return fmt.Sprintf("create:%s", p.Order.ID)
	case domain.UpdateOrderOp:
		return fmt.Sprintf("update:%s:v%d", p.Order.ID, p.Order.Version)
	case domain.PaymentOp:
		return fmt.Sprintf("payment:%s", p.Payment.OrderID)
	case domain.InventoryOp:
		return fmt.Sprintf("inventory:%s", p.Entry.ItemID)
	default:
		return "unknown"
	}
}

func TestDrainAppliesInEnqueueOrder(t *testing.T) {
	q, clk, _ := openTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.CreateOrderOp{Order: domain.Order{ID: "order-1", Version: 1}})
	require.NoError(t, err)
	clk.Advance(time.Millisecond)
	_, err = q.Enqueue(ctx, orderOp("order-1", 2))
	require.NoError(t, err)
	clk.Advance(time.Millisecond)
	_, err = q.Enqueue(ctx, domain.PaymentOp{Payment: domain.PaymentSync{OrderID: "order-1"}})
	require.NoError(t, err)

	sub := &scriptedSubmitter{}
	d := NewDrainer(q, sub, NewConnectivity(true), DrainerOptions{Clock: clk})

	res, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, []string{"create:order-1", "update:order-1:v2", "payment:order-1"}, sub.calls())
}

func TestFailureBlocksSameOrderButNotOthers(t *testing.T) {
	q, clk, _ := openTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, orderOp("order-1", 2))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, orderOp("order-2", 1))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, domain.PaymentOp{Payment: domain.PaymentSync{OrderID: "order-1"}})
	require.NoError(t, err)

	rejected := errors.New("gateway rejected batch")
	failing := true
	sub := &scriptedSubmitter{fail: func(op domain.SyncOperation) error {
		if p, ok := op.Payload.(domain.UpdateOrderOp); ok && p.Order.ID == "order-1" && failing {
			return rejected
		}
		return nil
	}}

	var failedIDs []string
	d := NewDrainer(q, sub, NewConnectivity(true), DrainerOptions{
		Clock:       clk,
		BaseBackoff: time.Second,
		Hooks: Hooks{OnFailed: func(_ context.Context, op domain.SyncOperation, err error) {
			failedIDs = append(failedIDs, op.ID)
		}},
	})

	res, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, []string{"update:order-1:v2", "update:order-2:v1"}, sub.calls())
	assert.Len(t, failedIDs, 1)

	entries, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.OperationFailed, entries[0].Status)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, rejected.Error(), entries[0].LastError)

	// Still backing off: nothing for order-1 is attempted.
	res, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, 2, res.Skipped)

	failing = false
	clk.Advance(2 * time.Second)
	res, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 0, res.Remaining)
	calls := sub.calls()
	assert.Equal(t, []string{"update:order-1:v2", "payment:order-1"}, calls[len(calls)-2:])
}

func TestBackoffDoublesUpToMax(t *testing.T) {
	d := NewDrainer(nil, nil, NewConnectivity(true), DrainerOptions{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second})

	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 2*time.Second, d.backoff(2))
	assert.Equal(t, 8*time.Second, d.backoff(4))
	assert.Equal(t, 10*time.Second, d.backoff(5))
	assert.Equal(t, 10*time.Second, d.backoff(30))
}

func TestUnreachableGoesOfflineWithoutChargingAttempts(t *testing.T) {
	q, clk, _ := openTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, orderOp("order-1", 1))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, orderOp("order-2", 1))
	require.NoError(t, err)

	conn := NewConnectivity(true)
	sub := &scriptedSubmitter{fail: func(domain.SyncOperation) error {
		return fmt.Errorf("dial tcp: %w", ErrUnreachable)
	}}
	d := NewDrainer(q, sub, conn, DrainerOptions{Clock: clk})

	res, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.False(t, conn.Online())
	assert.Len(t, sub.calls(), 1)
	assert.Equal(t, 2, res.Remaining)

	entries, err := q.List(ctx)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, domain.OperationPending, e.Status)
		assert.Equal(t, 0, e.Attempts)
	}

	// Offline passes do not submit.
	_, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, sub.calls(), 1)
}

func TestCorruptEntryIsSkippedAndKept(t *testing.T) {
	q, clk, _ := openTestQueue(t)
	ctx := context.Background()

	bad, err := q.Enqueue(ctx, orderOp("order-1", 1))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, orderOp("order-1", 2))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, orderOp("order-2", 1))
	require.NoError(t, err)

	_, err = q.db.ExecContext(ctx, "UPDATE sync_operations SET checksum = 'deadbeef' WHERE id = ?", bad.ID)
	require.NoError(t, err)

	sub := &scriptedSubmitter{}
	d := NewDrainer(q, sub, NewConnectivity(true), DrainerOptions{Clock: clk})
	res, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"update:order-2:v1"}, sub.calls())
	assert.Equal(t, 2, res.Remaining)
}

func TestRunDrainsOnReconnectAndWaitSynced(t *testing.T) {
	q, _, _ := openTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := NewConnectivity(false)
	sub := &scriptedSubmitter{}
	d := NewDrainer(q, sub, conn, DrainerOptions{Interval: time.Hour})
	go d.Run(ctx)

	_, err := q.Enqueue(ctx, orderOp("order-1", 1))
	require.NoError(t, err)
	assert.False(t, d.WaitSynced(ctx, 50*time.Millisecond))
	assert.Empty(t, sub.calls())

	conn.Set(true)
	assert.True(t, d.WaitSynced(ctx, 2*time.Second))
	assert.Equal(t, []string{"update:order-1:v1"}, sub.calls())

	_, err = q.Enqueue(ctx, orderOp("order-1", 2))
	require.NoError(t, err)
	assert.True(t, d.WaitSynced(ctx, 2*time.Second))
	assert.Len(t, sub.calls(), 2)
}
