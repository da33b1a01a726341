package txg

import "fmt"

// Cursor is one holder's pin on an open generation. It is released in two
// steps: to quiesce once the holder has finished joining the generation, and
// to sync once its changes are complete.
type Cursor struct {
	s        *Scheduler
	txg      uint64
	quiesced bool
	synced   bool
}

func (c *Cursor) Generation() uint64 { return c.txg }

// ReleaseToQuiesce lets the generation close. Calling it again is a no-op.
func (c *Cursor) ReleaseToQuiesce() {
	if c.quiesced {
		return
	}
	c.quiesced = true
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.gens[c.txg].entering--
	c.s.broadcastLocked()
}

// ReleaseToSync lets the generation sync. It implies ReleaseToQuiesce.
func (c *Cursor) ReleaseToSync() {
	c.ReleaseToQuiesce()
	if c.synced {
		panic(fmt.Sprintf("txg: cursor for generation %d released to sync twice", c.txg))
	}
	c.synced = true
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.gens[c.txg].active--
	c.s.broadcastLocked()
}

// RegisterCallbacks queues cbs to run, in order, once the generation syncs.
// The cursor must not have been released to sync yet.
func (c *Cursor) RegisterCallbacks(cbs []func(error)) {
	if len(cbs) == 0 {
		return
	}
	if c.synced {
		panic(fmt.Sprintf("txg: callbacks registered on released cursor for generation %d", c.txg))
	}
	c.s.RegisterCallbacks(c.txg, cbs)
}
