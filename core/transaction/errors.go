package transaction

import (
	"errors"

	"github.com/sushant-115/dmutx/core/dnode"
	"github.com/sushant-115/dmutx/core/storage_engine/pool"
)

var (
	ErrTooLarge        = errors.New("transaction: estimated footprint exceeds the per-operation limit")
	ErrRetry           = errors.New("transaction: admission must be retried")
	ErrReadOnly        = errors.New("transaction: object set is read-only")
	ErrTxFinished      = errors.New("transaction: already committed or aborted")
	ErrNotAssigned     = errors.New("transaction: not assigned to a generation")
	ErrAlreadyAssigned = errors.New("transaction: already assigned to a generation")
	ErrCanceled        = errors.New("transaction: aborted")
	ErrInvalidRange    = errors.New("transaction: invalid byte range")
	ErrNoObjectSet     = errors.New("transaction: no object set")
	ErrClaimed         = errors.New("transaction: object claimed by another generation")
)

// ErrNotDirectory is returned by HoldZap for objects that hold no entries.
var ErrNotDirectory = dnode.ErrNotDirectory

// IsRetryable reports whether err is a transient admission condition that a
// later attempt may get past.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetry) || errors.Is(err, pool.ErrRetry)
}
