package dnode

import (
	"context"
	"sync/atomic"
)

// Object is the narrow view of a stored object used while estimating and
// admitting transactions.
type Object interface {
	ID() uint64
	Claim() *Claim
	Shape() Shape
	// BlockPointer returns the pointer for block blkid at level. Reading it may
	// require the parent indirect block, so it can fail with ErrIO.
	BlockPointer(level int, blkid uint64) (BlockPointer, error)
	// ReadBlock brings a block in so that I/O failures surface early.
	ReadBlock(ctx context.Context, level int, blkid uint64) error
	// NextAllocated returns the first offset at or after offset that lies in an
	// allocated block at the given level, or ErrNoMoreData.
	NextAllocated(offset uint64, level int) (uint64, error)
	// MetaBlockPointer is the pointer to the block holding this object's descriptor.
	MetaBlockPointer() BlockPointer
	SpillBlockPointer() (BlockPointer, bool)
}

// Directory is an Object holding named entries.
type Directory interface {
	Object
	// IsDirectory is false for objects of another kind behind the same type.
	IsDirectory() bool
	LookupEntry(ctx context.Context, name string) error
	// CountWrite estimates the data blocks an add or remove of name rewrites.
	CountWrite(name string, add bool) (toWrite, toOverwrite uint64, err error)
}

// ObjectSet resolves objects and answers dataset-wide space questions.
type ObjectSet interface {
	Hold(ctx context.Context, id uint64) (*Handle, error)
	ReadOnly() bool
	PrevSnapshotGeneration() uint64
	BlockFreeable(bp BlockPointer) bool
	RecordSize() uint64
	MetaShape() Shape
}

// Handle is a counted reference on an object. Release is the only way to drop it.
type Handle struct {
	obj      Object
	release  func()
	released atomic.Bool
}

func NewHandle(obj Object, release func()) *Handle {
	return &Handle{obj: obj, release: release}
}

func (h *Handle) Object() Object { return h.obj }

// Release drops the reference. A second call reports ErrReleased and does nothing.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	if h.release != nil {
		h.release()
	}
	return nil
}
