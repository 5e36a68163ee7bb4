package syncqueue

import (
	"context"
	"log"
	"sync"
	"time"
)

// Connectivity tracks whether the gateway is reachable and notifies
// subscribers on every change.
type Connectivity struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]chan bool
}

func NewConnectivity(online bool) *Connectivity {
	return &Connectivity{online: online, subs: make(map[int]chan bool)}
}

func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Set records the current state. Subscribers only hear about changes and
// always see the latest state.
func (c *Connectivity) Set(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.online == online {
		return
	}
	c.online = online
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Subscribe returns a channel of state changes and a cancel func.
func (c *Connectivity) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// WaitOnline blocks until the gateway is reachable, the timeout elapses or ctx
// ends. It reports whether the terminal is online.
func (c *Connectivity) WaitOnline(ctx context.Context, timeout time.Duration) bool {
	changes, cancel := c.Subscribe()
	defer cancel()
	if c.Online() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case online := <-changes:
			if online {
				return true
			}
		case <-timer.C:
			return c.Online()
		case <-ctx.Done():
			return c.Online()
		}
	}
}

// Pinger checks gateway health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe pings immediately and then every interval, updating conn, until ctx
// ends.
func Probe(ctx context.Context, pinger Pinger, conn *Connectivity, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	check := func() {
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := pinger.Ping(pingCtx)
		if err != nil && conn.Online() {
			log.Printf("[syncqueue] WARN: gateway unreachable: %v", err)
		}
		conn.Set(err == nil)
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
