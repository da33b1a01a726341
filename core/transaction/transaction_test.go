package transaction_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/dmutx/core/dnode"
	"github.com/sushant-115/dmutx/core/storage_engine/pool"
	"github.com/sushant-115/dmutx/core/transaction"
	"github.com/sushant-115/dmutx/core/txg"
	"go.uber.org/zap"
)

const recordSize = 128 << 10

type testEngine struct {
	gens *txg.Scheduler
	pool *pool.Pool
	os   *dnode.MemObjectSet
	pc   *transaction.PoolContext
}

func setupEngine(t *testing.T, storeCfg dnode.StoreConfig, poolCfg pool.Config) *testEngine {
	t.Helper()
	logger := zap.NewNop()

	p, err := pool.New(poolCfg, logger)
	require.NoError(t, err)
	gens := txg.New(txg.DefaultConfig(), logger)
	gens.AddSyncHook("pool", p.SyncHook)

	pc, err := transaction.NewPoolContext(p, gens, transaction.DefaultLimits(), logger)
	require.NoError(t, err)
	pc.ShadowAccounting = true

	return &testEngine{
		gens: gens,
		pool: p,
		os:   dnode.NewMemObjectSet(storeCfg, logger),
		pc:   pc,
	}
}

func setupDefaultEngine(t *testing.T) *testEngine {
	t.Helper()
	return setupEngine(t, dnode.DefaultStoreConfig(), pool.DefaultConfig())
}

// newFilledObject creates an object of recordSize blocks holding n blocks of
// data written in generation 1.
func (e *testEngine) newFilledObject(t *testing.T, id uint64, n uint64) *dnode.MemObject {
	t.Helper()
	obj, err := e.os.CreateWithID(id, dnode.KindPlain, recordSize)
	require.NoError(t, err)
	obj.Write(1, 0, n*recordSize)
	return obj
}

func (e *testEngine) syncAll(t *testing.T) {
	t.Helper()
	require.NoError(t, e.gens.SyncAll(context.Background()))
}

func TestWriteAssignCommitReleasesClaim(t *testing.T) {
	e := setupDefaultEngine(t)
	ctx := context.Background()
	obj, err := e.os.CreateWithID(5, dnode.KindPlain, 0)
	require.NoError(t, err)

	tx := transaction.Create(e.pc, e.os)
	require.Equal(t, transaction.TxStateOpen, tx.State())
	_, err = tx.HoldWrite(ctx, 5, 0, 100)
	require.NoError(t, err)
	require.Equal(t, 1, e.os.Refs(5))

	require.NoError(t, tx.Assign(ctx, transaction.Wait))
	require.Equal(t, transaction.TxStateAssigned, tx.State())
	require.NotZero(t, tx.Generation())
	require.Equal(t, tx.Generation(), obj.Claim().Generation())
	require.Equal(t, int64(1), obj.Claim().Holds())

	require.NoError(t, tx.Commit())
	require.Equal(t, transaction.TxStateCommitted, tx.State())
	require.Zero(t, obj.Claim().Generation())
	require.Zero(t, obj.Claim().Holds())
	require.Zero(t, e.os.Refs(5))
}

func TestFreeWithUnreadableIndirectFailsAssign(t *testing.T) {
	e := setupDefaultEngine(t)
	ctx := context.Background()
	obj := e.newFilledObject(t, 9, 8)
	require.Equal(t, 2, obj.Shape().Levels)
	obj.InjectFault(1, 0)

	tx := transaction.Create(e.pc, e.os)
	_, err := tx.HoldFree(ctx, 9, 0, transaction.ToEnd)
	require.NoError(t, err)
	require.ErrorIs(t, tx.Err(), dnode.ErrIO)

	err = tx.Assign(ctx, transaction.Wait)
	require.ErrorIs(t, err, dnode.ErrIO)
	require.False(t, transaction.IsRetryable(err))
	require.Zero(t, obj.Claim().Holds())
	require.Zero(t, obj.Claim().Generation())
	require.Zero(t, tx.LastTried())

	require.NoError(t, tx.Abort())
	require.Zero(t, e.os.Refs(9))
}

func TestOversizedWriteFailsAssign(t *testing.T) {
	e := setupDefaultEngine(t)
	ctx := context.Background()
	open := e.gens.Open()

	tx := transaction.Create(e.pc, e.os)
	_, err := tx.HoldWrite(ctx, transaction.NewObject, 0, 200<<20)
	require.NoError(t, err)
	require.ErrorIs(t, tx.Err(), transaction.ErrTooLarge)

	// later holds are not estimated once the transaction has failed
	h, err := tx.HoldWrite(ctx, transaction.NewObject, 0, 10)
	require.NoError(t, err)
	require.Zero(t, h.ToWrite)

	err = tx.Assign(ctx, transaction.Wait)
	require.ErrorIs(t, err, transaction.ErrTooLarge)
	require.Zero(t, tx.LastTried())
	require.Zero(t, tx.Generation())
	require.Equal(t, open, e.gens.Open())
	require.NoError(t, tx.Abort())
}

func TestHoldInputErrorsAreNotSticky(t *testing.T) {
	e := setupDefaultEngine(t)
	ctx := context.Background()
	plain := e.os.Create(dnode.KindPlain, 0)

	tx := transaction.Create(e.pc, e.os)

	_, err := tx.HoldWrite(ctx, 999, 0, 10)
	require.ErrorIs(t, err, dnode.ErrNotFound)

	_, err = tx.HoldWrite(ctx, plain.ID(), 0, 0)
	require.ErrorIs(t, err, transaction.ErrInvalidRange)

	_, err = tx.HoldZap(ctx, plain.ID(), true, "name")
	require.ErrorIs(t, err, transaction.ErrNotDirectory)
	require.Zero(t, tx.Holds(plain.ID()))
	require.Zero(t, e.os.Refs(plain.ID()))

	_, err = tx.HoldFree(ctx, transaction.NewObject, 0, 10)
	require.ErrorIs(t, err, transaction.ErrInvalidRange)

	require.NoError(t, tx.Err())

	_, err = tx.HoldWrite(ctx, plain.ID(), 0, 10)
	require.NoError(t, err)
	require.NoError(t, tx.Assign(ctx, transaction.Wait))
	require.NoError(t, tx.Commit())
}

func TestHoldOnDeletedObject(t *testing.T) {
	e := setupDefaultEngine(t)
	ctx := context.Background()
	obj := e.os.Create(dnode.KindPlain, 0)

	// the object stays resolvable until its last handle goes
	pin, err := e.os.Hold(ctx, obj.ID())
	require.NoError(t, err)
	require.NoError(t, e.os.Delete(obj.ID()))

	tx := transaction.Create(e.pc, e.os)
	_, err = tx.HoldBonus(ctx, obj.ID())
	require.ErrorIs(t, err, dnode.ErrDeleted)
	require.NoError(t, tx.Err())

	require.NoError(t, pin.Release())
	_, ok := e.os.Object(obj.ID())
	require.False(t, ok)
}

func TestCommitAndAbortAreExclusive(t *testing.T) {
	e := setupDefaultEngine(t)
	ctx := context.Background()
	obj := e.os.Create(dnode.KindPlain, 0)

	unassigned := transaction.Create(e.pc, e.os)
	_, err := unassigned.HoldBonus(ctx, obj.ID())
	require.NoError(t, err)
	require.ErrorIs(t, unassigned.Commit(), transaction.ErrNotAssigned)
	require.NoError(t, unassigned.Abort())
	require.Equal(t, transaction.TxStateAborted, unassigned.State())
	require.ErrorIs(t, unassigned.Abort(), transaction.ErrTxFinished)
	require.ErrorIs(t, unassigned.Commit(), transaction.ErrTxFinished)
	_, err = unassigned.HoldBonus(ctx, obj.ID())
	require.ErrorIs(t, err, transaction.ErrTxFinished)
	require.Zero(t, e.os.Refs(obj.ID()))

	assigned := transaction.Create(e.pc, e.os)
	_, err = assigned.HoldBonus(ctx, obj.ID())
	require.NoError(t, err)
	require.NoError(t, assigned.Assign(ctx, transaction.Wait))
	require.ErrorIs(t, assigned.Assign(ctx, transaction.Wait), transaction.ErrAlreadyAssigned)
	require.ErrorIs(t, assigned.Abort(), transaction.ErrAlreadyAssigned)
	require.Equal(t, int64(1), obj.Claim().Holds())

	require.NoError(t, assigned.Commit())
	require.ErrorIs(t, assigned.Commit(), transaction.ErrTxFinished)
	require.ErrorIs(t, assigned.Abort(), transaction.ErrTxFinished)
	require.Zero(t, obj.Claim().Holds())
	require.Zero(t, e.os.Refs(obj.ID()))
}

func TestCallbacksRunAfterSyncInOrder(t *testing.T) {
	e := setupDefaultEngine(t)
	ctx := context.Background()

	tx := transaction.Create(e.pc, e.os)
	_, err := tx.HoldNewObject(ctx)
	require.NoError(t, err)

	var fired []string
	record := func(data any, err error) {
		require.NoError(t, err)
		fired = append(fired, data.(string))
	}
	require.NoError(t, tx.RegisterCallback(record, "first"))
	require.NoError(t, tx.Assign(ctx, transaction.Wait))
	require.NoError(t, tx.RegisterCallback(record, "second"))
	require.NoError(t, tx.Commit())
	require.Empty(t, fired)

	e.syncAll(t)
	require.Equal(t, []string{"first", "second"}, fired)
	require.ErrorIs(t, tx.RegisterCallback(record, "late"), transaction.ErrTxFinished)
}

func TestAbortCancelsCallbacks(t *testing.T) {
	e := setupDefaultEngine(t)

	tx := transaction.Create(e.pc, e.os)
	var got []error
	for i := 0; i < 2; i++ {
		require.NoError(t, tx.RegisterCallback(func(data any, err error) {
			require.Equal(t, i, data)
			got = append(got, err)
		}, i))
	}
	require.NoError(t, tx.Abort())
	require.Len(t, got, 2)
	for _, err := range got {
		require.ErrorIs(t, err, transaction.ErrCanceled)
	}
}

func TestSyncingTransactionJoinsGeneration(t *testing.T) {
	e := setupDefaultEngine(t)
	obj := e.os.Create(dnode.KindPlain, 0)

	var synced []uint64
	var hookErr error
	e.gens.AddSyncHook("internal", func(ctx context.Context, g uint64) error {
		tx := transaction.CreateAssigned(e.pc, e.os, g)
		if !tx.IsSyncing() || tx.State() != transaction.TxStateAssigned {
			hookErr = errors.New("syncing transaction not assigned")
			return nil
		}
		if _, err := tx.HoldWrite(ctx, obj.ID(), 0, 10); err != nil {
			hookErr = err
			return nil
		}
		if obj.Claim().Generation() != g {
			hookErr = errors.New("hold did not claim the syncing generation")
		}
		if err := tx.VerifyDirty(12345); err != nil {
			hookErr = err
		}
		err := tx.RegisterCallback(func(data any, err error) {
			synced = append(synced, data.(uint64))
		}, g)
		if err != nil {
			hookErr = err
		}
		if err := tx.Commit(); err != nil {
			hookErr = err
		}
		return nil
	})

	e.syncAll(t)
	require.NoError(t, hookErr)
	require.Equal(t, []uint64{1}, synced)
	require.Zero(t, obj.Claim().Holds())
	require.Zero(t, e.os.Refs(obj.ID()))
}

func TestVerifyDirtyRequiresHold(t *testing.T) {
	e := setupDefaultEngine(t)
	ctx := context.Background()
	held := e.os.Create(dnode.KindPlain, 0)
	other := e.os.Create(dnode.KindPlain, 0)

	tx := transaction.Create(e.pc, e.os)
	_, err := tx.HoldWrite(ctx, held.ID(), 0, 512)
	require.NoError(t, err)
	require.ErrorIs(t, tx.VerifyDirty(held.ID()), transaction.ErrNotAssigned)

	require.NoError(t, tx.Assign(ctx, transaction.Wait))
	require.NoError(t, tx.VerifyDirty(held.ID()))
	require.Error(t, tx.VerifyDirty(other.ID()))

	// an object allocated by the transaction becomes dirtiable once added
	fresh := e.os.Create(dnode.KindPlain, 0)
	require.NoError(t, tx.AddNewObject(ctx, fresh.ID()))
	require.NoError(t, tx.VerifyDirty(fresh.ID()))
	require.Equal(t, tx.Generation(), fresh.Claim().Generation())

	require.NoError(t, tx.Commit())
	require.Zero(t, fresh.Claim().Holds())
}

func TestHoldOnBoundTransaction(t *testing.T) {
	e := setupDefaultEngine(t)
	ctx := context.Background()
	a := e.os.Create(dnode.KindPlain, 0)
	b := e.os.Create(dnode.KindPlain, 0)

	// t1 keeps a claimed by generation 1 while t2 binds to generation 2
	t1 := holdAndAssign(t, e, a.ID())
	require.Equal(t, uint64(1), t1.Generation())
	_, err := e.gens.Advance(ctx)
	require.NoError(t, err)
	t2 := holdAndAssign(t, e, b.ID())
	require.Equal(t, uint64(2), t2.Generation())

	require.NotPanics(t, func() {
		_, err = t2.HoldWrite(ctx, a.ID(), 0, 10)
	})
	require.ErrorIs(t, err, transaction.ErrAlreadyAssigned)
	_, err = t2.HoldNewObject(ctx)
	require.ErrorIs(t, err, transaction.ErrAlreadyAssigned)

	require.NotPanics(t, func() {
		err = t2.AddNewObject(ctx, a.ID())
	})
	require.ErrorIs(t, err, transaction.ErrClaimed)
	require.Zero(t, t2.Holds(a.ID()))
	require.NoError(t, t2.Err())
	require.Equal(t, uint64(1), a.Claim().Generation())
	require.Equal(t, int64(1), a.Claim().Holds())
	require.Equal(t, 1, e.os.Refs(a.ID()))

	// a syncing transaction is refused the same way instead of crashing
	syncing := transaction.CreateAssigned(e.pc, e.os, 1)
	require.NotPanics(t, func() {
		_, err = syncing.HoldWrite(ctx, b.ID(), 0, 10)
	})
	require.ErrorIs(t, err, transaction.ErrClaimed)
	require.Equal(t, int64(1), b.Claim().Holds())
	require.NoError(t, syncing.Commit())

	require.NoError(t, t1.Commit())
	require.NoError(t, t2.Commit())
	e.syncAll(t)
	require.Zero(t, a.Claim().Holds())
	require.Zero(t, b.Claim().Holds())
	require.Zero(t, e.os.Refs(a.ID()))
	require.Zero(t, e.os.Refs(b.ID()))
}
