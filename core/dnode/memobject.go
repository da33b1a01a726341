package dnode

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidwall/btree"
)

// ObjectKind selects how an in-memory object lays out its data.
type ObjectKind int

const (
	KindPlain ObjectKind = iota
	KindDirectory
)

func (k ObjectKind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindDirectory:
		return "directory"
	default:
		return fmt.Sprintf("ObjectKind(%d)", int(k))
	}
}

type blockKey struct {
	level int
	blkid uint64
}

// MemObject is an in-memory Object. Block pointers for every level live in
// ordered maps so that next-allocated lookups can seek.
type MemObject struct {
	set   *MemObjectSet
	id    uint64
	kind  ObjectKind
	claim Claim

	// guarded by set.mu
	refs    int
	deleted bool

	mu     sync.RWMutex
	shape  Shape
	blocks []*btree.Map[uint64, BlockPointer]
	meta   BlockPointer
	spill  *BlockPointer
	faults map[blockKey]struct{}
	dir    *memDirectory
}

func newMemObject(set *MemObjectSet, id uint64, kind ObjectKind, blockSize uint64) *MemObject {
	var shift uint8
	if blockSize&(blockSize-1) == 0 {
		shift = HighBit(blockSize) - 1
	}
	o := &MemObject{
		set:  set,
		id:   id,
		kind: kind,
		shape: Shape{
			DataBlockSize:  blockSize,
			DataBlockShift: shift,
			IndirectShift:  set.cfg.IndirectShift,
			Levels:         1,
			BlockPointers:  set.cfg.BlockPointers,
		},
		blocks: []*btree.Map[uint64, BlockPointer]{btree.NewMap[uint64, BlockPointer](0)},
		faults: make(map[blockKey]struct{}),
	}
	if kind == KindDirectory {
		o.dir = &memDirectory{entries: make(map[string]int)}
	}
	return o
}

func (o *MemObject) ID() uint64       { return o.id }
func (o *MemObject) Kind() ObjectKind { return o.kind }
func (o *MemObject) Claim() *Claim    { return &o.claim }

func (o *MemObject) Shape() Shape {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.shape
}

func (o *MemObject) BlockPointer(level int, blkid uint64) (BlockPointer, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if level+1 < o.shape.Levels {
		if err := o.faultLocked(level+1, blkid>>o.shape.EntriesPerIndirectShift()); err != nil {
			return BlockPointer{}, err
		}
	}
	return o.bpLocked(level, blkid), nil
}

func (o *MemObject) ReadBlock(ctx context.Context, level int, blkid uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.faultLocked(level, blkid)
}

func (o *MemObject) NextAllocated(offset uint64, level int) (uint64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if level >= o.shape.Levels {
		if offset < o.shape.Size() {
			return offset, nil
		}
		return 0, ErrNoMoreData
	}
	shift := uint(o.shape.DataBlockShift) + uint(o.shape.EntriesPerIndirectShift())*uint(level)
	idx := offset >> shift
	var found uint64
	ok := false
	o.blocks[level].Ascend(idx, func(blkid uint64, bp BlockPointer) bool {
		if bp.IsHole() {
			return true
		}
		found, ok = blkid, true
		return false
	})
	if !ok {
		return 0, ErrNoMoreData
	}
	if found == idx {
		return offset, nil
	}
	return found << shift, nil
}

func (o *MemObject) MetaBlockPointer() BlockPointer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.meta
}

func (o *MemObject) SpillBlockPointer() (BlockPointer, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.spill == nil {
		return BlockPointer{}, false
	}
	return *o.spill, true
}

// InjectFault makes every read of the given block fail with ErrIO.
func (o *MemObject) InjectFault(level int, blkid uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.faults[blockKey{level, blkid}] = struct{}{}
}

func (o *MemObject) ClearFaults() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.faults = make(map[blockKey]struct{})
}

// MarkDedup flags an allocated level-0 block as deduplicated.
func (o *MemObject) MarkDedup(blkid uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	bp, ok := o.blocks[0].Get(blkid)
	if !ok || bp.IsHole() {
		return false
	}
	bp.Dedup = true
	o.blocks[0].Set(blkid, bp)
	return true
}

// Write simulates syncing a write of [off, off+length) in generation txg.
func (o *MemObject) Write(txg, off, length uint64) Usage {
	var u Usage
	if length == 0 {
		return u
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	end := off + length
	rewriteFirst := o.growBlockLocked(off, end)
	dbs := o.shape.DataBlockSize
	first, last := off/dbs, (end-1)/dbs
	if last > o.shape.MaxBlockID {
		o.shape.MaxBlockID = last
	}
	dirty := o.ensureLevelsLocked()
	if rewriteFirst && first != 0 {
		u.add(o.rewriteLocked(0, 0, dbs, txg))
		dirty.markParents(o.shape, 0)
	}
	for b := first; b <= last; b++ {
		u.add(o.rewriteLocked(0, b, dbs, txg))
		dirty.markParents(o.shape, b)
	}
	u.add(o.flushIndirectsLocked(dirty, txg))
	u.add(o.rewriteMetaLocked(txg))
	return u
}

// Free simulates syncing a free of [off, off+length) in generation txg.
// Blocks only partly covered are rewritten instead of released.
func (o *MemObject) Free(txg, off, length uint64) Usage {
	var u Usage
	o.mu.Lock()
	defer o.mu.Unlock()

	size := o.shape.Size()
	if off >= size {
		return u
	}
	if length > size-off {
		length = size - off
	}
	if length == 0 {
		return u
	}
	end := off + length
	dbs := o.shape.DataBlockSize
	dirty := newDirtySet(o.shape.Levels)
	for b := off / dbs; b <= (end-1)/dbs; b++ {
		bp := o.bpLocked(0, b)
		if bp.IsHole() {
			continue
		}
		start := b * dbs
		if off > start || end < start+dbs {
			u.add(o.rewriteLocked(0, b, dbs, txg))
		} else {
			o.blocks[0].Delete(b)
			if o.set.BlockFreeable(bp) {
				u.Freed += bp.AllocatedSize
			}
		}
		dirty.markParents(o.shape, b)
	}
	u.add(o.flushIndirectsLocked(dirty, txg))
	u.add(o.rewriteMetaLocked(txg))
	return u
}

// WriteBonus simulates syncing a change confined to the object descriptor.
func (o *MemObject) WriteBonus(txg uint64) Usage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rewriteMetaLocked(txg)
}

// WriteSpill simulates syncing a new spill block. The descriptor change that
// points at it is charged separately through WriteBonus.
func (o *MemObject) WriteSpill(txg uint64) Usage {
	o.mu.Lock()
	defer o.mu.Unlock()
	var u Usage
	if o.spill != nil && o.set.BlockFreeable(*o.spill) {
		u.Freed += o.spill.AllocatedSize
	}
	bp := o.set.allocate(o.set.cfg.SpillBlockSize, txg)
	o.spill = &bp
	u.Written += o.set.cfg.SpillBlockSize
	return u
}

func (o *MemObject) faultLocked(level int, blkid uint64) error {
	if _, ok := o.faults[blockKey{level, blkid}]; ok {
		return fmt.Errorf("read object %d level %d block %d: %w", o.id, level, blkid, ErrIO)
	}
	return nil
}

func (o *MemObject) bpLocked(level int, blkid uint64) BlockPointer {
	if level >= len(o.blocks) {
		return BlockPointer{}
	}
	bp, _ := o.blocks[level].Get(blkid)
	return bp
}

func (o *MemObject) rewriteLocked(level int, blkid, size, txg uint64) Usage {
	var u Usage
	if old := o.bpLocked(level, blkid); o.set.BlockFreeable(old) {
		u.Freed += old.AllocatedSize
	}
	o.blocks[level].Set(blkid, o.set.allocate(size, txg))
	u.Written += size
	return u
}

func (o *MemObject) rewriteMetaLocked(txg uint64) Usage {
	var u Usage
	if o.set.BlockFreeable(o.meta) {
		u.Freed += o.meta.AllocatedSize
	}
	size := o.set.metaRewriteSize()
	o.meta = o.set.allocate(size, txg)
	u.Written += size
	return u
}

func (o *MemObject) flushIndirectsLocked(dirty dirtySet, txg uint64) Usage {
	var u Usage
	isize := uint64(1) << o.shape.IndirectShift
	for level := 1; level < len(dirty); level++ {
		for blkid := range dirty[level] {
			u.add(o.rewriteLocked(level, blkid, isize, txg))
		}
	}
	return u
}

// growBlockLocked enlarges the block size of a single-block object the way a
// write past its end would. It reports whether block 0 must be rewritten.
func (o *MemObject) growBlockLocked(off, end uint64) bool {
	rs := o.set.cfg.RecordSize
	dbs := o.shape.DataBlockSize
	if o.shape.MaxBlockID != 0 || end <= dbs || dbs >= rs {
		return false
	}
	if off >= rs && o.shape.DataBlockShift != 0 {
		return false
	}
	nbs := rs
	if end <= rs {
		nbs = uint64(1) << HighBit(end-1)
	}
	o.shape.DataBlockSize = nbs
	o.shape.DataBlockShift = HighBit(nbs) - 1
	return !o.bpLocked(0, 0).IsHole()
}

// ensureLevelsLocked adds indirection levels until MaxBlockID is addressable
// and returns a dirty set sized for the result. New top levels dirty block 0.
func (o *MemObject) ensureLevelsLocked() dirtySet {
	grew := false
	epbs := uint(o.shape.EntriesPerIndirectShift())
	for {
		capacity := uint64(o.shape.BlockPointers) << (epbs * uint(o.shape.Levels-1))
		if o.shape.MaxBlockID < capacity {
			break
		}
		o.shape.Levels++
		o.blocks = append(o.blocks, btree.NewMap[uint64, BlockPointer](0))
		grew = true
	}
	dirty := newDirtySet(o.shape.Levels)
	if grew {
		dirty.markParents(o.shape, 0)
	}
	return dirty
}

func (o *MemObject) needsLevelLocked(maxBlockID uint64) bool {
	epbs := uint(o.shape.EntriesPerIndirectShift())
	return maxBlockID >= uint64(o.shape.BlockPointers)<<(epbs*uint(o.shape.Levels-1))
}

// dirtySet tracks, per level, indirect blocks a sync must rewrite.
type dirtySet []map[uint64]struct{}

func newDirtySet(levels int) dirtySet {
	d := make(dirtySet, levels)
	for i := range d {
		d[i] = make(map[uint64]struct{})
	}
	return d
}

func (d dirtySet) markParents(sh Shape, blkid uint64) {
	epbs := uint(sh.EntriesPerIndirectShift())
	for level := 1; level < len(d); level++ {
		d[level][blkid>>(epbs*uint(level))] = struct{}{}
	}
}
