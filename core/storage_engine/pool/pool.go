// Package pool models the storage pool's space accounting as seen by the
// transaction admission layer: allocation sizing, temporary reservations held
// between assignment and sync, and the suspended state entered on I/O failure.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrRetry     = errors.New("pool: reservation must be retried after pending generations sync")
	ErrNoSpace   = errors.New("pool: out of space")
	ErrNoMemory  = errors.New("pool: pinned memory limit exceeded")
	ErrSuspended = errors.New("pool: suspended")
)

// FailureMode decides how callers behave while the pool is suspended.
type FailureMode string

const (
	FailWait     FailureMode = "wait"
	FailContinue FailureMode = "continue"
)

// Config holds the pool's accounting limits.
type Config struct {
	// Capacity is the total allocatable space in bytes.
	Capacity uint64 `yaml:"capacity"`
	// Quota caps what reservations may claim. Zero means Capacity.
	Quota uint64 `yaml:"quota"`
	// AllocationInflation is the worst-case factor between logical bytes and
	// the physical space they allocate (copies, parity, metadata ditto blocks).
	AllocationInflation uint64 `yaml:"allocation_inflation"`
	// MemoryLimit bounds the pinned memory of outstanding reservations. Zero disables it.
	MemoryLimit uint64      `yaml:"memory_limit"`
	FailureMode FailureMode `yaml:"failure_mode"`
}

func DefaultConfig() Config {
	return Config{
		Capacity:            64 << 30,
		AllocationInflation: 4,
		MemoryLimit:         1 << 30,
		FailureMode:         FailWait,
	}
}

// Validate checks the configuration for values the pool cannot work with.
func (c Config) Validate() error {
	if c.Capacity == 0 {
		return fmt.Errorf("pool: capacity must be positive")
	}
	if c.Quota > c.Capacity {
		return fmt.Errorf("pool: quota %d exceeds capacity %d", c.Quota, c.Capacity)
	}
	if c.AllocationInflation == 0 {
		return fmt.Errorf("pool: allocation inflation must be at least 1")
	}
	switch c.FailureMode {
	case FailWait, FailContinue:
	default:
		return fmt.Errorf("pool: unknown failure mode %q", c.FailureMode)
	}
	return nil
}

// Reservation is the admission-time request for one transaction.
type Reservation struct {
	Memory uint64 // bytes pinned until the transaction commits
	ASize  uint64 // worst-case space allocated by the writes
	FSize  uint64 // space the overwrites and frees give back
	USize  uint64 // space that stops being referenced
}

// Cookie identifies an accepted reservation until ClearReservation.
type Cookie struct {
	txg     uint64
	res     Reservation
	cleared bool
}

func (c *Cookie) Generation() uint64       { return c.txg }
func (c *Cookie) Reservation() Reservation { return c.res }

// Stats is a point-in-time view of the pool's accounting.
type Stats struct {
	Capacity  uint64
	Used      uint64
	InFlight  uint64 // reserved by transactions that have not synced yet
	Memory    uint64
	Pending   int // generations with settled reservations waiting for sync
	Suspended bool
}

type pendingUsage struct {
	asize uint64
	fsize uint64
}

// Pool is an in-memory space oracle. Reservations count against free space
// from Reserve until the generation they were taken in has synced.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	used      uint64
	inflight  uint64
	memory    uint64
	pending   map[uint64]*pendingUsage
	suspended bool
}

func New(cfg Config, logger *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		logger:  logger.Named("pool"),
		pending: make(map[uint64]*pendingUsage),
	}, nil
}

// AllocatedSize converts logical bytes to the worst-case space they allocate.
func (p *Pool) AllocatedSize(logical uint64) uint64 {
	return logical * p.cfg.AllocationInflation
}

func (p *Pool) quota() uint64 {
	if p.cfg.Quota != 0 {
		return p.cfg.Quota
	}
	return p.cfg.Capacity
}

// Reserve admits a reservation for generation txg. A request whose frees cover
// its writes is net-free and bypasses the quota check.
func (p *Pool) Reserve(txg uint64, r Reservation) (*Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if lim := p.cfg.MemoryLimit; lim != 0 && p.memory+r.Memory > lim {
		if r.Memory > lim || p.memory == 0 {
			p.logger.Warn("reservation exceeds memory limit",
				zap.Uint64("txg", txg), zap.Uint64("memory", r.Memory), zap.Uint64("limit", lim))
			return nil, fmt.Errorf("reserve %d bytes of memory: %w", r.Memory, ErrNoMemory)
		}
		p.logger.Debug("memory limit reached, retry", zap.Uint64("txg", txg), zap.Uint64("outstanding", p.memory))
		return nil, fmt.Errorf("reserve %d bytes of memory: %w", r.Memory, ErrRetry)
	}

	netFree := r.FSize >= r.ASize
	if !netFree {
		quota := p.quota()
		var avail uint64
		if committed := p.used + p.inflight; committed < quota {
			avail = quota - committed
		}
		if r.ASize > avail {
			if p.inflight > 0 {
				p.logger.Debug("space held by unsynced generations, retry",
					zap.Uint64("txg", txg), zap.Uint64("asize", r.ASize), zap.Uint64("inflight", p.inflight))
				return nil, fmt.Errorf("reserve %d bytes: %w", r.ASize, ErrRetry)
			}
			p.logger.Warn("pool out of space",
				zap.Uint64("txg", txg), zap.Uint64("asize", r.ASize), zap.Uint64("avail", avail))
			return nil, fmt.Errorf("reserve %d bytes: %w", r.ASize, ErrNoSpace)
		}
	}

	p.inflight += r.ASize
	p.memory += r.Memory
	return &Cookie{txg: txg, res: r}, nil
}

// ClearReservation releases the pinned memory of a committed transaction.
// Its space stays in flight until the generation syncs.
func (p *Pool) ClearReservation(c *Cookie) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.cleared {
		return
	}
	c.cleared = true
	p.memory -= c.res.Memory
	pu := p.pending[c.txg]
	if pu == nil {
		pu = &pendingUsage{}
		p.pending[c.txg] = pu
	}
	pu.asize += c.res.ASize
	pu.fsize += c.res.FSize
}

// Settle applies the net effect of every reservation cleared in txg or earlier.
func (p *Pool) Settle(txg uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for g, pu := range p.pending {
		if g > txg {
			continue
		}
		p.inflight -= pu.asize
		p.used += pu.asize
		if pu.fsize > p.used {
			p.used = 0
		} else {
			p.used -= pu.fsize
		}
		delete(p.pending, g)
	}
}

// SyncHook settles txg's reservations. It fails while the pool is suspended
// so the generation is not reported as synced.
func (p *Pool) SyncHook(ctx context.Context, txg uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Suspended() {
		return fmt.Errorf("sync generation %d: %w", txg, ErrSuspended)
	}
	p.Settle(txg)
	return nil
}

func (p *Pool) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.suspended {
		p.suspended = true
		p.logger.Warn("pool suspended", zap.String("failmode", string(p.cfg.FailureMode)))
	}
}

func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.suspended {
		p.suspended = false
		p.logger.Warn("pool resumed")
	}
}

func (p *Pool) Suspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suspended
}

func (p *Pool) FailureMode() FailureMode { return p.cfg.FailureMode }

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity:  p.cfg.Capacity,
		Used:      p.used,
		InFlight:  p.inflight,
		Memory:    p.memory,
		Pending:   len(p.pending),
		Suspended: p.suspended,
	}
}
