package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sushant-115/dmutx/core/dnode"
	"github.com/sushant-115/dmutx/core/storage_engine/pool"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Policy selects how Assign deals with retry conditions.
type Policy struct {
	wait       bool
	generation uint64
}

var (
	// Wait blocks between attempts until admission succeeds or fails for good.
	Wait = Policy{wait: true}
	// NoWait returns retry conditions to the caller, who may call Tx.Wait and
	// try again.
	NoWait = Policy{}
)

// Generation admits the transaction into generation n only. If n is no
// longer open the attempt fails with ErrRetry.
func Generation(n uint64) Policy { return Policy{generation: n} }

func (p Policy) String() string {
	switch {
	case p.wait:
		return "wait"
	case p.generation != 0:
		return fmt.Sprintf("generation(%d)", p.generation)
	default:
		return "nowait"
	}
}

// Estimate is the aggregate footprint of a transaction's holds and the pool
// sizes derived from it at admission.
type Estimate struct {
	ToWrite     uint64
	ToOverwrite uint64
	ToFree      uint64
	ToUnref     uint64
	Memory      uint64
	Fudge       uint64

	ASize uint64 // worst-case allocation for writes and overwrites
	FSize uint64 // allocation given back by overwrites and frees
	USize uint64 // allocation that stops being referenced
}

// tryAssign makes one admission attempt against the open generation. On
// failure the caller must unassign.
func (tx *Tx) tryAssign(policy Policy) error {
	if tx.err != nil {
		return tx.err
	}
	if tx.os != nil && tx.os.ReadOnly() {
		return ErrReadOnly
	}
	space := tx.pc.Space
	if space.Suspended() {
		// only a caller that will block may wait out a suspension
		if space.FailureMode() == pool.FailContinue && !policy.wait {
			return fmt.Errorf("%w: %w", dnode.ErrIO, pool.ErrSuspended)
		}
		return fmt.Errorf("%w: %w", ErrRetry, pool.ErrSuspended)
	}

	tx.cursor = tx.pc.Generations.HoldOpen()
	tx.txg = tx.cursor.Generation()
	tx.blocking = nil

	if policy.generation != 0 && policy.generation != tx.txg {
		return fmt.Errorf("generation %d requested, %d open: %w", policy.generation, tx.txg, ErrRetry)
	}

	var est Estimate
	for _, h := range tx.holds {
		if obj := h.Object(); obj != nil {
			if !obj.Claim().TryAcquire(tx.txg) {
				tx.blocking = h
				return fmt.Errorf("object %d claimed by generation %d: %w", obj.ID(), obj.Claim().Generation(), ErrRetry)
			}
			h.claimed = true
		}
		est.ToWrite += h.ToWrite
		est.ToOverwrite += h.ToOverwrite
		est.ToFree += h.ToFree
		est.ToUnref += h.ToUnref
		est.Memory += h.Memory
		est.Fudge += h.Fudge
	}

	// a snapshot taken since the holds were made pins the blocks they
	// expected to overwrite
	if tx.os != nil && tx.os.PrevSnapshotGeneration() > tx.lastSnap {
		est.ToWrite += est.ToOverwrite
		est.ToOverwrite = 0
		est.ToFree = 0
	}

	est.ASize = space.AllocatedSize(est.ToWrite + est.ToOverwrite)
	est.FSize = space.AllocatedSize(est.ToOverwrite) + est.ToFree
	est.USize = space.AllocatedSize(est.ToUnref)
	memory := est.ToWrite + est.ToOverwrite + est.Memory + est.Fudge

	if tx.os != nil && est.ASize != 0 {
		cookie, err := space.Reserve(tx.txg, pool.Reservation{
			Memory: memory,
			ASize:  est.ASize,
			FSize:  est.FSize,
			USize:  est.USize,
		})
		if err != nil {
			return err
		}
		tx.cookie = cookie
	}
	tx.estimate = est
	return nil
}

// unassign rolls back a failed attempt: claims taken before the blocking hold
// are released and the cursor is let go.
func (tx *Tx) unassign() {
	if tx.txg == 0 {
		return
	}
	tx.cursor.ReleaseToQuiesce()
	for _, h := range tx.holds {
		if h == tx.blocking {
			break
		}
		h.releaseClaim(tx.txg)
	}
	tx.cursor.ReleaseToSync()
	tx.cursor = nil
	tx.lastTried = tx.txg
	tx.txg = 0
}

// Assign binds the transaction to a generation once its holds can be claimed
// and its estimate reserved.
func (tx *Tx) Assign(ctx context.Context, policy Policy) (err error) {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if tx.txg != 0 {
		return fmt.Errorf("assign tx %s: %w", tx.id, ErrAlreadyAssigned)
	}

	ctx, span := tx.pc.tracer.Start(ctx, "dmu_tx.assign", trace.WithAttributes(
		attribute.String("dmutx.tx", tx.id.String()),
		attribute.String("dmutx.policy", policy.String()),
		attribute.Int("dmutx.holds", len(tx.holds)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int64("dmutx.txg", int64(tx.txg)))
			span.SetStatus(otelcodes.Ok, "Success")
		}
		span.End()
	}()

	for {
		tx.pc.metrics.AssignAttemptsCounter.Add(ctx, 1)
		err = tx.tryAssign(policy)
		if err == nil {
			break
		}
		tx.unassign()

		if !IsRetryable(err) || !policy.wait {
			tx.pc.metrics.AssignFailuresCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("reason", failureReason(err)),
			))
			tx.logger.Debug("assign failed", zap.Uint64("lastTried", tx.lastTried), zap.Error(err))
			return err
		}
		tx.pc.metrics.AssignRetriesCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", failureReason(err)),
		))
		if err = tx.Wait(ctx); err != nil {
			return err
		}
	}

	tx.cursor.ReleaseToQuiesce()
	tx.state = TxStateAssigned
	tx.pc.metrics.ActiveTxUpDownCounter.Add(ctx, 1)
	tx.pc.metrics.ReservedBytesCounter.Add(ctx, int64(tx.estimate.ASize))
	tx.logger.Debug("transaction assigned",
		zap.Uint64("txg", tx.txg),
		zap.Uint64("asize", tx.estimate.ASize),
		zap.Uint64("fsize", tx.estimate.FSize))
	return nil
}

// Wait blocks until a failed attempt is worth repeating: the next generation
// has synced (suspended pool, or nothing tried yet), the blocking object's
// claim by the previous generation is gone, or a new generation has opened.
func (tx *Tx) Wait(ctx context.Context) error {
	if tx.txg != 0 {
		return fmt.Errorf("wait on tx %s: %w", tx.id, ErrAlreadyAssigned)
	}
	start := time.Now()
	defer func() {
		tx.pc.metrics.WaitLatencyHistogram.Record(ctx, time.Since(start).Milliseconds())
	}()

	gens := tx.pc.Generations
	switch {
	case tx.pc.Space.Suspended() || tx.lastTried == 0:
		return gens.WaitSynced(ctx, gens.LastSynced()+1)
	case tx.blocking != nil:
		claim := tx.blocking.Object().Claim()
		return claim.WaitWhileClaimedBy(ctx, tx.lastTried-1)
	default:
		return gens.WaitOpen(ctx, tx.lastTried+1)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, pool.ErrSuspended):
		return "suspended"
	case errors.Is(err, pool.ErrRetry), errors.Is(err, pool.ErrNoSpace):
		return "space"
	case errors.Is(err, pool.ErrNoMemory):
		return "memory"
	case errors.Is(err, ErrReadOnly):
		return "readonly"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, dnode.ErrIO):
		return "io"
	case errors.Is(err, ErrRetry):
		return "claimed"
	default:
		return "other"
	}
}
