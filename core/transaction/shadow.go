package transaction

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ShadowReport is what holders said they dirtied, next to what was estimated.
type ShadowReport struct {
	Written  uint64 // logical bytes written, comparable to ToWrite+ToOverwrite
	Freed    uint64 // allocated bytes released, comparable to FSize
	Estimate Estimate
}

// Overrun reports whether the actual usage exceeded the estimate.
func (r ShadowReport) Overrun() bool {
	return r.Written > r.Estimate.ToWrite+r.Estimate.ToOverwrite || r.Freed > r.Estimate.FSize
}

// shadowAccounting is only attached when PoolContext.ShadowAccounting is set.
// Syncing code may report from several goroutines.
type shadowAccounting struct {
	mu      sync.Mutex
	written uint64
	freed   uint64
}

// WillUseSpace records delta bytes dirtied (positive) or freed (negative) on
// behalf of the transaction. It is a no-op without shadow accounting.
func (tx *Tx) WillUseSpace(delta int64) {
	if tx.shadow == nil {
		return
	}
	tx.shadow.mu.Lock()
	defer tx.shadow.mu.Unlock()
	if delta >= 0 {
		tx.shadow.written += uint64(delta)
	} else {
		tx.shadow.freed += uint64(-delta)
	}
}

// Shadow returns the usage reported through WillUseSpace. ok is false when
// shadow accounting is off.
func (tx *Tx) Shadow() (report ShadowReport, ok bool) {
	if tx.shadow == nil {
		return ShadowReport{}, false
	}
	tx.shadow.mu.Lock()
	defer tx.shadow.mu.Unlock()
	return ShadowReport{
		Written:  tx.shadow.written,
		Freed:    tx.shadow.freed,
		Estimate: tx.estimate,
	}, true
}

// VerifyDirty checks that the assigned transaction holds object before it is
// dirtied. Syncing transactions may dirty anything.
func (tx *Tx) VerifyDirty(object uint64) error {
	if tx.anyObject {
		return nil
	}
	if tx.txg == 0 {
		return fmt.Errorf("dirty object %d: %w", object, ErrNotAssigned)
	}
	for _, h := range tx.holds {
		if h.objectID() == object {
			return nil
		}
	}
	return fmt.Errorf("dirty object %d: tx %s holds no hold on it", object, tx.id)
}

func (tx *Tx) checkShadow() {
	r, ok := tx.Shadow()
	if !ok || tx.anyObject || !r.Overrun() {
		return
	}
	tx.logger.Warn("transaction used more than estimated",
		zap.Uint64("written", r.Written),
		zap.Uint64("estimatedWrite", r.Estimate.ToWrite+r.Estimate.ToOverwrite),
		zap.Uint64("freed", r.Freed),
		zap.Uint64("estimatedFree", r.Estimate.FSize))
}
