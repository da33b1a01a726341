package transaction

import (
	"context"
	"fmt"

	"github.com/sushant-115/dmutx/core/dnode"
)

// The Hold methods declare what a transaction will change before it is
// assigned; on a bound transaction they fail with ErrAlreadyAssigned, except
// for syncing transactions. Only input errors (bad arguments, objects that
// cannot be resolved, claims owned by another generation) are returned;
// estimation failures are kept as the transaction's sticky error, reported by
// Err and by Assign.

// HoldWrite declares a write of length bytes at off. object may be NewObject.
func (tx *Tx) HoldWrite(ctx context.Context, object, off, length uint64) (*Hold, error) {
	if length == 0 {
		return nil, fmt.Errorf("hold write on object %d: zero length: %w", object, ErrInvalidRange)
	}
	if off+length < off {
		return nil, fmt.Errorf("hold write on object %d at %d: %w", object, off, ErrInvalidRange)
	}
	h, err := tx.hold(ctx, object, HoldKindWrite)
	if err != nil {
		return nil, err
	}
	h.offset, h.length = off, length
	tx.runEstimate(ctx, h)
	return h, nil
}

// HoldFree declares a free of [off, off+length). length may be ToEnd.
func (tx *Tx) HoldFree(ctx context.Context, object, off, length uint64) (*Hold, error) {
	if object == NewObject {
		return nil, fmt.Errorf("hold free: %w", ErrInvalidRange)
	}
	h, err := tx.hold(ctx, object, HoldKindFree)
	if err != nil {
		return nil, err
	}
	h.offset, h.length = off, length
	tx.runEstimate(ctx, h)
	return h, nil
}

// HoldZap declares adding (add) or updating/removing (!add) the entry name in
// a directory object. object may be NewObject for a directory being created.
func (tx *Tx) HoldZap(ctx context.Context, object uint64, add bool, name string) (*Hold, error) {
	h, err := tx.hold(ctx, object, HoldKindZap)
	if err != nil {
		return nil, err
	}
	if obj := h.Object(); obj != nil {
		if dir, ok := obj.(dnode.Directory); !ok || !dir.IsDirectory() {
			tx.dropLastHold()
			return nil, fmt.Errorf("hold zap on object %d: %w", object, ErrNotDirectory)
		}
	}
	h.add, h.name = add, name
	tx.runEstimate(ctx, h)
	return h, nil
}

// HoldBonus declares a change to the object's descriptor only.
func (tx *Tx) HoldBonus(ctx context.Context, object uint64) (*Hold, error) {
	if object == NewObject {
		return nil, fmt.Errorf("hold bonus: %w", ErrInvalidRange)
	}
	h, err := tx.hold(ctx, object, HoldKindBonus)
	if err != nil {
		return nil, err
	}
	tx.runEstimate(ctx, h)
	return h, nil
}

// HoldNewObject declares the allocation of one object.
func (tx *Tx) HoldNewObject(ctx context.Context) (*Hold, error) {
	h, err := tx.hold(ctx, NewObject, HoldKindNewObject)
	if err != nil {
		return nil, err
	}
	tx.runEstimate(ctx, h)
	return h, nil
}

// HoldSpill declares a rewrite of the object's spill block.
func (tx *Tx) HoldSpill(ctx context.Context, object uint64) (*Hold, error) {
	if object == NewObject {
		return nil, fmt.Errorf("hold spill: %w", ErrInvalidRange)
	}
	h, err := tx.hold(ctx, object, HoldKindSpill)
	if err != nil {
		return nil, err
	}
	tx.runEstimate(ctx, h)
	return h, nil
}

// HoldSpace declares n bytes of new writes not tied to any object.
func (tx *Tx) HoldSpace(n uint64) (*Hold, error) {
	h, err := tx.hold(context.Background(), NewObject, HoldKindSpace)
	if err != nil {
		return nil, err
	}
	h.length = n
	tx.runEstimate(context.Background(), h)
	return h, nil
}

// AddNewObject records an object allocated by an assigned transaction so that
// it is claimed for the transaction's generation. Syncing transactions may
// touch any object and skip this.
func (tx *Tx) AddNewObject(ctx context.Context, object uint64) error {
	if tx.anyObject {
		return nil
	}
	if tx.txg == 0 {
		return fmt.Errorf("add new object %d: %w", object, ErrNotAssigned)
	}
	_, err := tx.holdObject(ctx, object, HoldKindNewObject)
	return err
}

// runEstimate skips estimation once the transaction has already failed.
func (tx *Tx) runEstimate(ctx context.Context, h *Hold) {
	if tx.err != nil {
		return
	}
	tx.setError(h.estimate(ctx))
}

// dropLastHold undoes the most recent hold call.
func (tx *Tx) dropLastHold() {
	h := tx.holds[len(tx.holds)-1]
	tx.holds = tx.holds[:len(tx.holds)-1]
	if tx.txg != 0 {
		h.releaseClaim(tx.txg)
	}
	h.releaseHandle()
}
