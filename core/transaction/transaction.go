package transaction

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sushant-115/dmutx/core/dnode"
	"github.com/sushant-115/dmutx/core/storage_engine/pool"
	"github.com/sushant-115/dmutx/core/txg"
	"go.uber.org/zap"
)

// TxState represents where a transaction is in its lifecycle.
type TxState int

const (
	TxStateOpen      TxState = iota // Holds are being added, no generation yet
	TxStateAssigned                 // Bound to a generation, mutations may be applied
	TxStateCommitted                // Handed to the generation, holds released
	TxStateAborted                  // Dropped before assignment, callbacks canceled
)

func (s TxState) String() string {
	switch s {
	case TxStateOpen:
		return "open"
	case TxStateAssigned:
		return "assigned"
	case TxStateCommitted:
		return "committed"
	case TxStateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("TxState(%d)", int(s))
	}
}

// Tx groups mutations that become durable together in one generation.
// A Tx is owned by a single goroutine; it is not safe for concurrent use.
type Tx struct {
	id     uuid.UUID
	pc     *PoolContext
	os     dnode.ObjectSet // nil for syncing transactions that may touch anything
	logger *zap.Logger

	state     TxState
	txg       uint64
	cursor    *txg.Cursor
	err       error // first estimation error, reported by Assign
	holds     []*Hold
	callbacks []callback

	lastTried uint64
	blocking  *Hold // hold whose object was claimed by the previous generation
	cookie    *pool.Cookie
	estimate  Estimate
	lastSnap  uint64 // snapshot generation the estimates were made against
	anyObject bool

	shadow *shadowAccounting
}

// Create starts a transaction against os.
func Create(pc *PoolContext, os dnode.ObjectSet) *Tx {
	tx := newTx(pc, os)
	if os != nil {
		tx.lastSnap = os.PrevSnapshotGeneration()
	}
	tx.logger.Debug("transaction created")
	return tx
}

// CreateAssigned starts a transaction already bound to generation g, for use
// while that generation is syncing. It takes no cursor, is never admitted,
// and may dirty objects it holds no hold on.
func CreateAssigned(pc *PoolContext, os dnode.ObjectSet, g uint64) *Tx {
	tx := newTx(pc, os)
	tx.txg = g
	tx.state = TxStateAssigned
	tx.anyObject = true
	tx.logger.Debug("syncing transaction created", zap.Uint64("txg", g))
	return tx
}

func newTx(pc *PoolContext, os dnode.ObjectSet) *Tx {
	id := uuid.New()
	tx := &Tx{
		id:     id,
		pc:     pc,
		os:     os,
		logger: pc.logger.With(zap.String("tx", id.String())),
		state:  TxStateOpen,
	}
	if pc.ShadowAccounting {
		tx.shadow = &shadowAccounting{}
	}
	return tx
}

func (tx *Tx) ID() uuid.UUID     { return tx.id }
func (tx *Tx) State() TxState    { return tx.state }
func (tx *Tx) IsSyncing() bool   { return tx.anyObject }
func (tx *Tx) Err() error        { return tx.err }
func (tx *Tx) LastTried() uint64 { return tx.lastTried }

// Generation returns the generation the transaction is bound to, or 0.
func (tx *Tx) Generation() uint64 { return tx.txg }

// Estimate returns the totals computed by the last admission attempt.
func (tx *Tx) Estimate() Estimate { return tx.estimate }

// Holds reports how many holds this transaction has on object.
func (tx *Tx) Holds(object uint64) int {
	n := 0
	for _, h := range tx.holds {
		if h.objectID() == object {
			n++
		}
	}
	return n
}

func (tx *Tx) checkOpen() error {
	if tx.state == TxStateCommitted || tx.state == TxStateAborted {
		return fmt.Errorf("tx %s is %s: %w", tx.id, tx.state, ErrTxFinished)
	}
	return nil
}

// setError records err as the sticky error unless one is already set.
func (tx *Tx) setError(err error) {
	if err == nil || tx.err != nil {
		return
	}
	tx.err = err
	tx.pc.metrics.EstimateErrorsCounter.Add(context.Background(), 1)
	tx.logger.Debug("estimate failed", zap.Error(err))
}

// Commit hands the transaction to its generation. Object claims and handles
// are released, the space reservation is cleared, and callbacks run once the
// generation syncs.
func (tx *Tx) Commit() error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if tx.txg == 0 {
		return fmt.Errorf("commit tx %s: %w", tx.id, ErrNotAssigned)
	}

	for _, h := range tx.holds {
		h.releaseClaim(tx.txg)
		h.releaseHandle()
	}
	if tx.cookie != nil {
		tx.pc.Space.ClearReservation(tx.cookie)
		tx.cookie = nil
	}
	tx.checkShadow()

	cbs := tx.callbackFuncs()
	if tx.cursor != nil {
		tx.cursor.RegisterCallbacks(cbs)
		tx.cursor.ReleaseToSync()
		tx.cursor = nil
		tx.pc.metrics.ActiveTxUpDownCounter.Add(context.Background(), -1)
	} else if len(cbs) > 0 {
		tx.pc.Generations.RegisterCallbacks(tx.txg, cbs)
	}

	tx.state = TxStateCommitted
	tx.holds = nil
	tx.callbacks = nil
	tx.logger.Debug("transaction committed", zap.Uint64("txg", tx.txg))
	return nil
}

// Abort drops a transaction that was never assigned. Registered callbacks
// run immediately with ErrCanceled.
func (tx *Tx) Abort() error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if tx.txg != 0 {
		return fmt.Errorf("abort tx %s bound to generation %d: %w", tx.id, tx.txg, ErrAlreadyAssigned)
	}

	for _, h := range tx.holds {
		h.releaseHandle()
	}
	tx.state = TxStateAborted
	tx.fireCallbacks(ErrCanceled)
	tx.holds = nil
	tx.callbacks = nil
	tx.logger.Debug("transaction aborted", zap.Uint64("lastTried", tx.lastTried))
	return nil
}
