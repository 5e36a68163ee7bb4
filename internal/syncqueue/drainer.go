package syncqueue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"restopos/backend/internal/clock"
	"restopos/backend/internal/domain"
	"restopos/backend/internal/metrics"
)

// ErrUnreachable is returned by submitters when the gateway cannot be reached
// at all. It ends the drain pass without charging the entry an attempt.
var ErrUnreachable = errors.New("gateway unreachable")

// Submitter delivers one operation to the gateway. A nil error is an
// acknowledgement.
type Submitter interface {
	Submit(ctx context.Context, op domain.SyncOperation) error
}

// Hooks observe entry outcomes. Any of them may be nil.
type Hooks struct {
	OnSubmit  func(ctx context.Context, op domain.SyncOperation)
	OnApplied func(ctx context.Context, op domain.SyncOperation)
	OnFailed  func(ctx context.Context, op domain.SyncOperation, err error)
	// OnDeferred fires when a submission was cut short by lost connectivity.
	OnDeferred func(ctx context.Context, op domain.SyncOperation)
}

type DrainerOptions struct {
	Interval    time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Hooks       Hooks
	Clock       clock.Clock
}

// PassResult summarizes one drain pass.
type PassResult struct {
	Applied   int
	Failed    int
	Skipped   int
	Remaining int
}

type Drainer struct {
	queue     *Queue
	submitter Submitter
	conn      *Connectivity
	opts      DrainerOptions

	passMu   sync.Mutex
	wake     chan struct{}
	doneMu   sync.Mutex
	passDone chan struct{}
}

func NewDrainer(queue *Queue, submitter Submitter, conn *Connectivity, opts DrainerOptions) *Drainer {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	return &Drainer{
		queue:     queue,
		submitter: submitter,
		conn:      conn,
		opts:      opts,
		wake:      make(chan struct{}, 1),
		passDone:  make(chan struct{}),
	}
}

// Run drains whenever the queue signals, connectivity returns or the interval
// ticks, until ctx ends.
func (d *Drainer) Run(ctx context.Context) {
	changes, cancel := d.conn.Subscribe()
	defer cancel()
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	d.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx)
		case <-d.queue.Signal():
			d.drain(ctx)
		case <-d.wake:
			d.drain(ctx)
		case online := <-changes:
			if online {
				d.drain(ctx)
			}
		}
	}
}

// Trigger asks a running loop for an immediate pass.
func (d *Drainer) Trigger() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// WaitSynced triggers a pass and waits until the queue is empty, the timeout
// elapses or ctx ends. It reports whether the queue is empty. It needs Run to
// be active.
func (d *Drainer) WaitSynced(ctx context.Context, timeout time.Duration) bool {
	changes, cancel := d.conn.Subscribe()
	defer cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	trigger := true
	for {
		done := d.passSignal()
		n, err := d.queue.Count(ctx)
		if err == nil && n == 0 {
			return true
		}
		if trigger && d.conn.Online() {
			d.Trigger()
			trigger = false
		}
		select {
		case <-done:
		case online := <-changes:
			trigger = online
		case <-timer.C:
			n, err := d.queue.Count(ctx)
			return err == nil && n == 0
		case <-ctx.Done():
			return false
		}
	}
}

// DrainOnce walks the queue oldest first. Entries sharing an ordering key
// with an entry that failed, is backing off or is corrupt wait for a later
// pass, which keeps each order's operations in enqueue order.
func (d *Drainer) DrainOnce(ctx context.Context) (PassResult, error) {
	d.passMu.Lock()
	defer d.passMu.Unlock()
	defer d.finishPass()

	var res PassResult
	if !d.conn.Online() {
		n, err := d.queue.Count(ctx)
		res.Remaining = n
		return res, err
	}

	entries, err := d.queue.List(ctx)
	if err != nil {
		return res, err
	}

	now := d.opts.Clock.Now()
	blocked := make(map[string]bool)
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if blocked[e.OrderingKey] {
			res.Skipped++
			continue
		}
		if e.Err != nil {
			log.Printf("[syncqueue] WARN: skipping corrupt entry id=%s seq=%d: %v", e.ID, e.Seq, e.Err)
			blocked[e.OrderingKey] = true
			res.Skipped++
			continue
		}
		if e.NextAttemptAt != nil && e.NextAttemptAt.After(now) {
			blocked[e.OrderingKey] = true
			res.Skipped++
			continue
		}

		op := e.SyncOperation
		if d.opts.Hooks.OnSubmit != nil {
			d.opts.Hooks.OnSubmit(ctx, op)
		}
		submitErr := d.submitter.Submit(ctx, op)
		if submitErr == nil {
			if err := d.queue.Delete(ctx, op.ID); err != nil {
				return res, err
			}
			metrics.SyncOperation(string(op.Type), "applied")
			if d.opts.Hooks.OnApplied != nil {
				d.opts.Hooks.OnApplied(ctx, op)
			}
			res.Applied++
			continue
		}

		if errors.Is(submitErr, ErrUnreachable) {
			log.Printf("[syncqueue] WARN: gateway unreachable, pausing drain: %v", submitErr)
			metrics.SyncOperation(string(op.Type), "unreachable")
			d.conn.Set(false)
			if d.opts.Hooks.OnDeferred != nil {
				d.opts.Hooks.OnDeferred(ctx, op)
			}
			break
		}

		attempts, err := d.queue.MarkFailed(ctx, op.ID, submitErr, now.Add(d.backoff(op.Attempts+1)))
		if err != nil {
			return res, err
		}
		log.Printf("[syncqueue] WARN: %s id=%s failed (attempt %d): %v", op.Type, op.ID, attempts, submitErr)
		metrics.SyncOperation(string(op.Type), "failed")
		blocked[e.OrderingKey] = true
		res.Failed++
		if d.opts.Hooks.OnFailed != nil {
			d.opts.Hooks.OnFailed(ctx, op, submitErr)
		}
	}

	n, err := d.queue.Count(ctx)
	if err != nil {
		return res, err
	}
	res.Remaining = n
	metrics.SyncQueueDepth(n)
	return res, nil
}

func (d *Drainer) drain(ctx context.Context) {
	res, err := d.DrainOnce(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[syncqueue] WARN: drain pass failed: %v", err)
		return
	}
	if res.Applied > 0 || res.Failed > 0 {
		log.Printf("[syncqueue] drain pass applied=%d failed=%d skipped=%d remaining=%d", res.Applied, res.Failed, res.Skipped, res.Remaining)
	}
}

// backoff doubles from BaseBackoff per attempt, capped at MaxBackoff.
func (d *Drainer) backoff(attempt int) time.Duration {
	wait := d.opts.BaseBackoff
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= d.opts.MaxBackoff {
			return d.opts.MaxBackoff
		}
	}
	return wait
}

func (d *Drainer) passSignal() <-chan struct{} {
	d.doneMu.Lock()
	defer d.doneMu.Unlock()
	return d.passDone
}

func (d *Drainer) finishPass() {
	d.doneMu.Lock()
	close(d.passDone)
	d.passDone = make(chan struct{})
	d.doneMu.Unlock()
}
