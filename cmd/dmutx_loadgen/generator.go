package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/sushant-115/dmutx/core/dnode"
	"github.com/sushant-115/dmutx/core/storage_engine/pool"
	"github.com/sushant-115/dmutx/core/transaction"
	"github.com/sushant-115/dmutx/internal/engine"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type genConfig struct {
	Workers  int
	Objects  int
	Rate     float64 // transactions per second, 0 for unlimited
	MaxWrite uint64
	NoWait   bool
	Seed     uint64
}

// Result counts what happened to the generated transactions.
type Result struct {
	Committed int64
	Aborted   int64
	Retries   int64
	Overruns  int64
}

type generator struct {
	eng     *engine.Engine
	cfg     genConfig
	logger  *zap.Logger
	limiter *rate.Limiter

	committed atomic.Int64
	aborted   atomic.Int64
	retries   atomic.Int64
	overruns  atomic.Int64
}

func newGenerator(eng *engine.Engine, cfg genConfig, logger *zap.Logger) *generator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Objects <= 0 {
		cfg.Objects = 1
	}
	if cfg.MaxWrite == 0 {
		cfg.MaxWrite = 128 << 10
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	return &generator{
		eng:     eng,
		cfg:     cfg,
		logger:  logger.Named("loadgen"),
		limiter: rate.NewLimiter(limit, cfg.Workers),
	}
}

// Run creates the shared objects and runs the workers until ctx is done.
func (g *generator) Run(ctx context.Context) (Result, error) {
	ids := make([]uint64, g.cfg.Objects)
	for i := range ids {
		ids[i] = g.eng.Objects.Create(dnode.KindPlain, 0).ID()
	}

	eg, ctx := errgroup.WithContext(ctx)
	for w := range g.cfg.Workers {
		eg.Go(func() error { return g.worker(ctx, w, ids) })
	}
	err := eg.Wait()
	return Result{
		Committed: g.committed.Load(),
		Aborted:   g.aborted.Load(),
		Retries:   g.retries.Load(),
		Overruns:  g.overruns.Load(),
	}, err
}

func (g *generator) worker(ctx context.Context, id int, ids []uint64) error {
	rng := rand.New(rand.NewPCG(g.cfg.Seed, uint64(id)))
	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil
		}
		err := g.runOne(ctx, rng, ids)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, transaction.ErrTooLarge), errors.Is(err, pool.ErrNoSpace),
			errors.Is(err, pool.ErrNoMemory), transaction.IsRetryable(err):
			g.logger.Debug("transaction dropped", zap.Int("worker", id), zap.Error(err))
		default:
			return fmt.Errorf("worker %d: %w", id, err)
		}
	}
}

// runOne writes or frees a random range of one object in its own transaction.
func (g *generator) runOne(ctx context.Context, rng *rand.Rand, ids []uint64) (err error) {
	tx := g.eng.NewTx()
	defer func() {
		if err == nil {
			return
		}
		switch tx.State() {
		case transaction.TxStateOpen:
			_ = tx.Abort()
			g.aborted.Add(1)
		case transaction.TxStateAssigned:
			// an assigned transaction cannot be aborted
			_ = tx.Commit()
		}
	}()

	object := ids[rng.IntN(len(ids))]
	off := rng.Uint64N(64) * (64 << 10)
	length := 1 + rng.Uint64N(g.cfg.MaxWrite)
	free := rng.IntN(5) == 0
	if free {
		_, err = tx.HoldFree(ctx, object, off, length)
	} else {
		_, err = tx.HoldWrite(ctx, object, off, length)
	}
	if err != nil {
		return err
	}

	if err = g.assign(ctx, tx); err != nil {
		return err
	}

	obj, ok := g.eng.Objects.Object(object)
	if !ok {
		return fmt.Errorf("object %d: %w", object, dnode.ErrNotFound)
	}
	var u dnode.Usage
	if free {
		u = obj.Free(tx.Generation(), off, length)
	} else {
		u = obj.Write(tx.Generation(), off, length)
	}
	tx.WillUseSpace(int64(u.Written))
	tx.WillUseSpace(-int64(u.Freed))

	if err = tx.Commit(); err != nil {
		return err
	}
	g.committed.Add(1)
	if r, ok := tx.Shadow(); ok && r.Overrun() {
		g.overruns.Add(1)
	}
	return nil
}

func (g *generator) assign(ctx context.Context, tx *transaction.Tx) error {
	if !g.cfg.NoWait {
		return tx.Assign(ctx, transaction.Wait)
	}
	for {
		err := tx.Assign(ctx, transaction.NoWait)
		if err == nil || !transaction.IsRetryable(err) {
			return err
		}
		g.retries.Add(1)
		if err := tx.Wait(ctx); err != nil {
			return err
		}
	}
}
