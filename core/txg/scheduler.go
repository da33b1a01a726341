// Package txg drives transaction generations through their open, quiescing and
// syncing states. Exactly one generation is open at a time; closed generations
// sync strictly in order.
package txg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrStopped = errors.New("txg: scheduler stopped")

// Config controls the background sync loop.
type Config struct {
	// SyncInterval is how long a generation stays open when nobody is waiting on it.
	SyncInterval time.Duration `yaml:"sync_interval"`
	// MaxSyncRate caps syncs per second when waiters keep kicking the loop.
	MaxSyncRate float64 `yaml:"max_sync_rate"`
}

func DefaultConfig() Config {
	return Config{
		SyncInterval: 5 * time.Second,
		MaxSyncRate:  50,
	}
}

// SyncHook runs during the sync of a generation. An error leaves the
// generation unsynced; it is retried on the next pass.
type SyncHook func(ctx context.Context, txg uint64) error

type generation struct {
	entering  int64 // cursors not yet released to quiesce
	active    int64 // cursors not yet released to sync
	callbacks []func(error)
}

// Scheduler owns the generation counters. Callers observe state changes
// through a channel that is closed and replaced on every transition.
type Scheduler struct {
	cfg    Config
	logger *zap.Logger

	quiesceMu sync.Mutex
	syncMu    sync.Mutex

	mu         sync.Mutex
	open       uint64
	closing    bool // the open generation is draining; new holders wait for the next
	lastSynced uint64
	gens       map[uint64]*generation
	hooks      []namedHook
	changed    chan struct{}
	stopped    bool

	kick chan struct{}
}

type namedHook struct {
	name string
	fn   SyncHook
}

func New(cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultConfig().SyncInterval
	}
	if cfg.MaxSyncRate <= 0 {
		cfg.MaxSyncRate = DefaultConfig().MaxSyncRate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:     cfg,
		logger:  logger.Named("txg"),
		open:    1,
		gens:    map[uint64]*generation{1: {}},
		changed: make(chan struct{}),
		kick:    make(chan struct{}, 1),
	}
}

// AddSyncHook registers fn to run, in registration order, for every synced generation.
func (s *Scheduler) AddSyncHook(name string, fn SyncHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, namedHook{name: name, fn: fn})
}

// HoldOpen pins the currently open generation for the caller. While that
// generation is being closed it waits for the next one to open.
func (s *Scheduler) HoldOpen() *Cursor {
	s.mu.Lock()
	for s.closing {
		ch := s.changed
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	g := s.gens[s.open]
	g.entering++
	g.active++
	return &Cursor{s: s, txg: s.open}
}

// RegisterCallbacks queues cbs to run once generation txg syncs. If txg has
// already synced they run immediately.
func (s *Scheduler) RegisterCallbacks(txg uint64, cbs []func(error)) {
	s.mu.Lock()
	g := s.gens[txg]
	if g != nil {
		g.callbacks = append(g.callbacks, cbs...)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(nil)
	}
}

// Open returns the currently open generation.
func (s *Scheduler) Open() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Scheduler) LastSynced() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSynced
}

// WaitOpen blocks until generation txg or a later one is open.
func (s *Scheduler) WaitOpen(ctx context.Context, txg uint64) error {
	s.Kick()
	return s.waitFor(ctx, func() bool { return s.open >= txg })
}

// WaitSynced blocks until generation txg has synced. Zero means the
// generation open at the time of the call.
func (s *Scheduler) WaitSynced(ctx context.Context, txg uint64) error {
	if txg == 0 {
		txg = s.Open()
	}
	s.Kick()
	return s.waitFor(ctx, func() bool { return s.lastSynced >= txg })
}

// Kick asks the background loop to close the open generation early.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Advance closes the open generation and opens the next one, returning the
// closed generation. It first waits for the previously closed generation's
// holders to release it to sync, then for the open generation's holders to
// release it to quiesce.
func (s *Scheduler) Advance(ctx context.Context) (uint64, error) {
	s.quiesceMu.Lock()
	defer s.quiesceMu.Unlock()

	s.mu.Lock()
	closing := s.open
	s.mu.Unlock()

	// only one generation may be quiescing at a time
	err := s.waitFor(ctx, func() bool {
		prev := s.gens[closing-1]
		return prev == nil || prev.active == 0
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	err = s.waitFor(ctx, func() bool { return s.gens[closing].entering == 0 })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = false
	if err != nil {
		s.broadcastLocked()
		return 0, err
	}
	s.open = closing + 1
	s.gens[s.open] = &generation{}
	s.broadcastLocked()
	s.logger.Debug("generation closed", zap.Uint64("txg", closing), zap.Int64("active", s.gens[closing].active))
	return closing, nil
}

// Sync syncs the oldest closed generation, if any, and reports which one it
// synced. It waits for the generation's holders to release it, runs the sync
// hooks, and then fires the commit callbacks registered with it.
func (s *Scheduler) Sync(ctx context.Context) (uint64, bool, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	txg := s.lastSynced + 1
	if txg >= s.open {
		s.mu.Unlock()
		return 0, false, nil
	}
	hooks := append([]namedHook(nil), s.hooks...)
	s.mu.Unlock()

	if err := s.waitFor(ctx, func() bool { return s.gens[txg].active == 0 }); err != nil {
		return 0, false, err
	}
	for _, h := range hooks {
		if err := h.fn(ctx, txg); err != nil {
			return 0, false, fmt.Errorf("sync generation %d: hook %s: %w", txg, h.name, err)
		}
	}

	s.mu.Lock()
	g := s.gens[txg]
	delete(s.gens, txg)
	s.lastSynced = txg
	s.broadcastLocked()
	s.mu.Unlock()

	for _, cb := range g.callbacks {
		cb(nil)
	}
	s.logger.Debug("generation synced", zap.Uint64("txg", txg), zap.Int("callbacks", len(g.callbacks)))
	return txg, true, nil
}

// SyncAll closes the open generation and syncs every closed one.
func (s *Scheduler) SyncAll(ctx context.Context) error {
	if _, err := s.Advance(ctx); err != nil {
		return err
	}
	for {
		_, ok, err := s.Sync(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// Run advances and syncs generations every SyncInterval, or sooner when
// kicked, until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.MaxSyncRate), 1)
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	defer s.stop()

	s.logger.Info("sync loop started", zap.Duration("interval", s.cfg.SyncInterval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync loop stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-s.kick:
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.SyncAll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("sync pass failed", zap.Error(err))
		}
	}
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.broadcastLocked()
}

func (s *Scheduler) waitFor(ctx context.Context, cond func() bool) error {
	for {
		s.mu.Lock()
		if cond() {
			s.mu.Unlock()
			return nil
		}
		if s.stopped {
			s.mu.Unlock()
			return ErrStopped
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
