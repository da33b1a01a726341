package dnode

import (
	"context"
	"fmt"
	"sync"
)

// Claim records which generation currently owns pending mutations to an object.
// Transactions bound to the same generation share the claim through a
// reference count; the claim is cleared, and waiters woken, when the last
// holder lets go.
type Claim struct {
	mu       sync.Mutex
	txg      uint64
	holds    int64
	released chan struct{}
}

// TryAcquire stamps the claim with txg (if unclaimed) and takes a reference.
// It refuses, without side effects, when another generation owns the object.
func (c *Claim) TryAcquire(txg uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txg != 0 && c.txg != txg {
		return false
	}
	c.txg = txg
	c.holds++
	return true
}

// Release drops one reference taken for txg.
func (c *Claim) Release(txg uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txg != txg || c.holds <= 0 {
		panic(fmt.Sprintf("dnode: release of generation %d claim, object claimed by %d with %d holds", txg, c.txg, c.holds))
	}
	c.holds--
	if c.holds == 0 {
		c.txg = 0
		if c.released != nil {
			close(c.released)
			c.released = nil
		}
	}
}

// Generation returns the claiming generation, 0 when unclaimed.
func (c *Claim) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txg
}

// Holds returns the number of live references on the claim.
func (c *Claim) Holds() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holds
}

// WaitWhileClaimedBy blocks until the object is no longer claimed by txg.
func (c *Claim) WaitWhileClaimedBy(ctx context.Context, txg uint64) error {
	for {
		c.mu.Lock()
		if c.txg != txg {
			c.mu.Unlock()
			return nil
		}
		if c.released == nil {
			c.released = make(chan struct{})
		}
		ch := c.released
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
