package dnode

// BlockPointerShift is log2 of the on-disk size of one block pointer. It fixes
// how many children an indirect block of a given size can reference.
const BlockPointerShift = 7

// MaxOffsetShift bounds the addressable byte range of an object.
const MaxOffsetShift = 64

// BlockPointer is the part of an on-disk block reference the estimator looks at.
// A zero Birth means the pointer is a hole.
type BlockPointer struct {
	Birth         uint64 // generation the block was written in
	LogicalSize   uint64
	AllocatedSize uint64 // physical bytes charged to the pool, all copies included
	Dedup         bool
	Identity      uint64 // stable identity of the physical block, used to spot repeated dedup references
}

func (bp BlockPointer) IsHole() bool { return bp.Birth == 0 }

// Shape describes an object's current block size and indirection layout.
type Shape struct {
	DataBlockSize  uint64
	DataBlockShift uint8 // 0 while the only data block is not a power of two
	IndirectShift  uint8
	Levels         int
	MaxBlockID     uint64
	BlockPointers  int // pointer slots held directly in the object descriptor
}

// EntriesPerIndirectShift returns log2 of the block pointers per indirect block.
func (s Shape) EntriesPerIndirectShift() uint8 {
	return s.IndirectShift - BlockPointerShift
}

// Size is the logical size covered by the allocated block ids.
func (s Shape) Size() uint64 {
	return (s.MaxBlockID + 1) * s.DataBlockSize
}

// HighBit returns the 1-based index of the most significant set bit of x, 0 for x == 0.
func HighBit(x uint64) uint8 {
	var h uint8
	for x != 0 {
		h++
		x >>= 1
	}
	return h
}
