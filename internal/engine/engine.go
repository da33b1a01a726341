// Package engine assembles an in-memory pool, its generation scheduler and an
// object set behind one transaction PoolContext, for the dmutx tools.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sushant-115/dmutx/config"
	"github.com/sushant-115/dmutx/core/dnode"
	"github.com/sushant-115/dmutx/core/storage_engine/pool"
	"github.com/sushant-115/dmutx/core/transaction"
	"github.com/sushant-115/dmutx/core/txg"
	"github.com/sushant-115/dmutx/pkg/telemetry"
	"go.uber.org/zap"
)

// Engine owns the collaborators of one pool.
type Engine struct {
	Pool    *pool.Pool
	Gens    *txg.Scheduler
	Objects *dnode.MemObjectSet
	PC      *transaction.PoolContext

	logger *zap.Logger
	cancel context.CancelFunc
	done   chan error
}

// Open wires the components described by cfg. tel may be nil.
func Open(cfg config.Config, logger *zap.Logger, tel *telemetry.Telemetry) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := pool.New(cfg.Pool, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	gens := txg.New(cfg.Txg, logger)
	gens.AddSyncHook("pool", p.SyncHook)

	pc, err := transaction.NewPoolContext(p, gens, cfg.Limits, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool context: %w", err)
	}
	pc.ShadowAccounting = cfg.ShadowAccounting
	if tel != nil {
		if err := pc.WithTelemetry(tel.Meter, tel.Tracer); err != nil {
			return nil, err
		}
	}

	return &Engine{
		Pool:    p,
		Gens:    gens,
		Objects: dnode.NewMemObjectSet(cfg.Store, logger),
		PC:      pc,
		logger:  logger.Named("engine"),
	}, nil
}

// Start runs the sync loop until Close.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan error, 1)
	go func() { e.done <- e.Gens.Run(ctx) }()
	e.logger.Info("engine started", zap.Uint64("open", e.Gens.Open()))
}

// Close stops the sync loop and syncs what is left.
func (e *Engine) Close(ctx context.Context) error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	if err := <-e.done; err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("sync loop exited", zap.Error(err))
	}
	e.cancel = nil

	// drain what the loop left behind; anything still open reports ErrStopped
	if err := e.Gens.SyncAll(ctx); err != nil && !errors.Is(err, txg.ErrStopped) {
		return fmt.Errorf("final sync: %w", err)
	}
	st := e.Pool.Stats()
	e.logger.Info("engine closed",
		zap.Uint64("lastSynced", e.Gens.LastSynced()),
		zap.Uint64("used", st.Used),
		zap.Uint64("inflight", st.InFlight))
	return nil
}

// NewTx starts a transaction against the engine's object set.
func (e *Engine) NewTx() *transaction.Tx {
	return transaction.Create(e.PC, e.Objects)
}
