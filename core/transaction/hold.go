package transaction

import (
	"context"
	"fmt"
	"math"

	"github.com/sushant-115/dmutx/core/dnode"
	"go.uber.org/zap"
)

// NewObject stands in for an object id that has not been allocated yet.
const NewObject = math.MaxUint64

// ToEnd as a free length means through the end of the object.
const ToEnd = math.MaxUint64

// HoldKind is the operation a hold reserves resources for.
type HoldKind int

const (
	HoldKindWrite HoldKind = iota
	HoldKindFree
	HoldKindZap
	HoldKindBonus
	HoldKindSpill
	HoldKindNewObject
	HoldKindSpace
)

func (k HoldKind) String() string {
	switch k {
	case HoldKindWrite:
		return "write"
	case HoldKindFree:
		return "free"
	case HoldKindZap:
		return "zap"
	case HoldKindBonus:
		return "bonus"
	case HoldKindSpill:
		return "spill"
	case HoldKindNewObject:
		return "new-object"
	case HoldKindSpace:
		return "space"
	default:
		return fmt.Sprintf("HoldKind(%d)", int(k))
	}
}

// Hold is one (transaction, object, operation) reservation and the estimate
// accumulated for it.
type Hold struct {
	tx     *Tx
	handle *dnode.Handle // nil for new-object and space holds
	kind   HoldKind

	// arguments, kept for diagnostics
	offset uint64
	length uint64
	name   string
	add    bool

	ToWrite     uint64
	ToOverwrite uint64
	ToFree      uint64
	ToUnref     uint64
	Memory      uint64
	Fudge       uint64

	claimed bool
}

func (h *Hold) Kind() HoldKind { return h.kind }

// Object returns the held object, or nil.
func (h *Hold) Object() dnode.Object {
	if h.handle == nil {
		return nil
	}
	return h.handle.Object()
}

func (h *Hold) objectID() uint64 {
	if obj := h.Object(); obj != nil {
		return obj.ID()
	}
	return NewObject
}

// hold resolves object (unless it is NewObject) and appends a hold for it.
// Resolution failures are returned to the caller and leave the transaction
// untouched. Only syncing transactions may declare holds once bound.
func (tx *Tx) hold(ctx context.Context, object uint64, kind HoldKind) (*Hold, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	if tx.txg != 0 && !tx.anyObject {
		return nil, fmt.Errorf("hold %s on object %d: tx %s bound to generation %d: %w",
			kind, object, tx.id, tx.txg, ErrAlreadyAssigned)
	}
	return tx.holdObject(ctx, object, kind)
}

// holdObject appends the hold. A bound transaction claims the object for its
// generation right away and fails with ErrClaimed if another generation owns it.
func (tx *Tx) holdObject(ctx context.Context, object uint64, kind HoldKind) (*Hold, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	h := &Hold{tx: tx, kind: kind}
	if object != NewObject {
		if tx.os == nil {
			return nil, fmt.Errorf("hold object %d: %w", object, ErrNoObjectSet)
		}
		handle, err := tx.os.Hold(ctx, object)
		if err != nil {
			return nil, fmt.Errorf("hold %s on object %d: %w", kind, object, err)
		}
		h.handle = handle
		if tx.txg != 0 {
			claim := handle.Object().Claim()
			if !claim.TryAcquire(tx.txg) {
				owner := claim.Generation()
				h.releaseHandle()
				return nil, fmt.Errorf("hold %s on object %d in generation %d, claimed by %d: %w",
					kind, object, tx.txg, owner, ErrClaimed)
			}
			h.claimed = true
		}
	}
	tx.holds = append(tx.holds, h)
	return h, nil
}

// releaseClaim drops h's share of its object's claim, if it holds one.
func (h *Hold) releaseClaim(txg uint64) {
	if !h.claimed {
		return
	}
	h.Object().Claim().Release(txg)
	h.claimed = false
}

func (h *Hold) releaseHandle() {
	if h.handle == nil {
		return
	}
	if err := h.handle.Release(); err != nil {
		h.tx.logger.Warn("object handle released twice", zap.Uint64("object", h.objectID()), zap.Error(err))
	}
}
