package transaction

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sushant-115/dmutx/core/dnode"
	"golang.org/x/sync/errgroup"
)

// readAheadConcurrency bounds the block reads one estimate keeps in flight.
const readAheadConcurrency = 8

type blockRef struct {
	level int
	blkid uint64
}

// estimate fills in h's estimate for its operation. Any error it returns is
// the transaction's sticky error.
func (h *Hold) estimate(ctx context.Context) error {
	switch h.kind {
	case HoldKindWrite:
		err := h.countWrite(ctx, h.offset, h.length)
		h.countObjectMeta()
		return err
	case HoldKindFree:
		return h.countFreeRange(ctx)
	case HoldKindZap:
		return h.countZap(ctx)
	case HoldKindBonus, HoldKindNewObject:
		h.countObjectMeta()
		return nil
	case HoldKindSpill:
		h.countSpill()
		return nil
	case HoldKindSpace:
		h.ToWrite += h.length
		return nil
	default:
		panic(fmt.Sprintf("transaction: no estimate for hold kind %v", h.kind))
	}
}

// readAhead reads the given blocks concurrently so that I/O errors surface
// before the transaction is admitted.
func readAhead(ctx context.Context, obj dnode.Object, refs []blockRef) error {
	if len(refs) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readAheadConcurrency)
	for _, r := range refs {
		g.Go(func() error {
			return obj.ReadBlock(gctx, r.level, r.blkid)
		})
	}
	return g.Wait()
}

func newHistory(levels int) []uint64 {
	history := make([]uint64, levels)
	for i := range history {
		history[i] = math.MaxUint64
	}
	return history
}

// countTwig charges block blkid at level and each ancestor above it, skipping
// blocks already charged by this walk. A block is freeable only if it exists
// and either it or the child below it can be freed.
func (h *Hold) countTwig(obj dnode.Object, sh dnode.Shape, level int, blkid uint64, freeable bool, history []uint64) error {
	epbs := sh.EntriesPerIndirectShift()
	for ; level < sh.Levels; level, blkid = level+1, blkid>>epbs {
		if history[level] == blkid {
			return nil
		}
		history[level] = blkid

		space := uint64(1) << sh.IndirectShift
		if level == 0 {
			space = sh.DataBlockSize
		}
		bp, err := obj.BlockPointer(level, blkid)
		if err != nil {
			return err
		}
		freeable = !bp.IsHole() && (freeable || h.tx.os.BlockFreeable(bp))
		if freeable {
			h.ToOverwrite += space
		} else {
			h.ToWrite += space
		}
		if !bp.IsHole() {
			h.ToUnref += bp.AllocatedSize
		}
	}
	return nil
}

func (h *Hold) maxBlockShift() uint8 {
	lim := h.tx.pc.Limits
	shift := lim.MaxBlockShift
	if h.tx.os != nil {
		if rs := dnode.HighBit(h.tx.os.RecordSize()) - 1; rs < shift {
			shift = rs
		}
	}
	if shift < lim.MinBlockShift {
		shift = lim.MinBlockShift
	}
	return shift
}

// countWrite estimates a write of [off, off+length). Existing blocks are
// charged through their twigs; the part past the object's last block is
// charged with the largest shapes the object could grow into.
func (h *Hold) countWrite(ctx context.Context, off, length uint64) error {
	err := h.countWriteBlocks(ctx, off, length)
	if err == nil && h.ToWrite+h.ToOverwrite > 2*h.tx.pc.Limits.MaxAccess {
		err = fmt.Errorf("write of %d bytes at %d: %w", length, off, ErrTooLarge)
	}
	return err
}

func (h *Hold) countWriteBlocks(ctx context.Context, off, length uint64) error {
	lim := h.tx.pc.Limits
	minBS, maxBS := lim.MinBlockShift, h.maxBlockShift()
	minIBS, maxIBS := lim.MinIndirectShift, lim.MaxIndirectShift

	if length > math.MaxUint64-off {
		return fmt.Errorf("write of %d bytes at %d: %w", length, off, ErrTooLarge)
	}

	if obj := h.Object(); obj != nil {
		sh := obj.Shape()
		dbs := sh.DataBlockSize
		var start, end, delta uint64
		var checks []blockRef

		if sh.MaxBlockID == 0 {
			delta = dbs
			if off >= dbs {
				start = 1
			}
			if off+length > dbs {
				end = 1
			}
			if start == 0 && (off > 0 || length < dbs) {
				checks = append(checks, blockRef{0, 0})
				delta -= off
			}
		} else {
			start = off >> sh.DataBlockShift
			if off&(dbs-1) != 0 || length < dbs {
				checks = append(checks, blockRef{0, start})
			}
			end = (off + length - 1) >> sh.DataBlockShift
			if end != start && end <= sh.MaxBlockID && (off+length)&(dbs-1) != 0 {
				checks = append(checks, blockRef{0, end})
			}
			if sh.Levels > 1 {
				shift := sh.EntriesPerIndirectShift()
				for i := (start >> shift) + 1; i < end>>shift; i++ {
					checks = append(checks, blockRef{1, i})
				}
			}
			delta = -off & (dbs - 1)
		}
		if err := readAhead(ctx, obj, checks); err != nil {
			return err
		}

		minIBS, maxIBS = sh.IndirectShift, sh.IndirectShift
		if sh.MaxBlockID > 0 {
			minBS, maxBS = sh.DataBlockShift, sh.DataBlockShift
		} else {
			minBS = dnode.HighBit(dbs - 1)
			maxBS = max(maxBS, minBS)
		}

		// blocks that already exist are overwritten in place
		var history []uint64
		if start <= sh.MaxBlockID {
			history = newHistory(sh.Levels)
		}
		for start <= sh.MaxBlockID {
			if err := h.countTwig(obj, sh, 0, start, false, history); err != nil {
				return err
			}
			start++
			if start > end {
				// indirects that may appear before this transaction is assigned
				epbs := int(minIBS) - dnode.BlockPointerShift
				for bits := 64 - int(minBS) - epbs*(sh.Levels-1); bits >= 0; bits -= epbs {
					h.Fudge += uint64(1) << maxIBS
				}
				return nil
			}
			off += delta
			if length >= delta {
				length -= delta
			}
			delta = dbs
		}
	}

	// end is the last byte touched, not one past it
	bsize := uint64(1) << maxBS
	start := off &^ (bsize - 1)
	end := off + length
	if rem := end & (bsize - 1); rem != 0 {
		end += bsize - rem
	}
	end--
	h.ToWrite += end - start + 1

	start >>= minBS
	end >>= minBS
	epbs := int(minIBS) - dnode.BlockPointerShift
	for bits := 64 - int(minBS); bits >= 0; bits -= epbs {
		start >>= epbs
		end >>= epbs
		h.ToWrite += (end - start + 1) << maxIBS
		if start != 0 {
			// a new blkid 0 indirect references the existing data
			h.ToWrite += uint64(1) << maxIBS
		}
	}
	return nil
}

// countObjectMeta charges the block that holds the object's descriptor.
func (h *Hold) countObjectMeta() {
	if h.tx.os == nil {
		return
	}
	ms := h.tx.os.MetaShape()
	space := ms.DataBlockSize + uint64(ms.Levels-1)<<ms.IndirectShift

	obj := h.Object()
	if obj == nil {
		h.ToWrite += space
		return
	}
	bp := obj.MetaBlockPointer()
	if h.tx.os.BlockFreeable(bp) {
		h.ToOverwrite += space
		h.ToUnref += space
		return
	}
	h.ToWrite += space
	if !bp.IsHole() {
		h.ToUnref += space
	}
}

// countFreeRange estimates a free of [offset, offset+length). Edges that
// only partly cover a block rewrite it, and every level-1 block in range is
// read so that I/O errors surface now.
func (h *Hold) countFreeRange(ctx context.Context) error {
	h.countObjectMeta()
	obj := h.Object()
	sh := obj.Shape()
	dbs := sh.DataBlockSize
	off, length := h.offset, h.length

	size := sh.Size()
	if off >= size {
		return nil
	}
	if length == ToEnd || length > size-off {
		length = size - off
	}

	if sh.DataBlockShift == 0 {
		if off != 0 || length < dbs {
			if err := h.countWrite(ctx, 0, dbs); err != nil {
				return err
			}
		}
	} else {
		if off&(dbs-1) != 0 {
			if err := h.countWrite(ctx, off, 1); err != nil {
				return err
			}
		}
		if (off+length)&(dbs-1) != 0 {
			if err := h.countWrite(ctx, off+length, 1); err != nil {
				return err
			}
		}
	}

	if sh.Levels > 1 {
		shift := sh.DataBlockShift + sh.EntriesPerIndirectShift()
		start, end := off>>shift, (off+length)>>shift
		if sh.DataBlockShift == 0 {
			start, end = 0, 0
		}
		var checks []blockRef
		for i := start; i <= end; i++ {
			next, err := obj.NextAllocated(i<<shift, 1)
			if errors.Is(err, dnode.ErrNoMoreData) {
				break
			}
			if err != nil {
				return err
			}
			if i = next >> shift; i > end {
				break
			}
			checks = append(checks, blockRef{1, i})
		}
		if err := readAhead(ctx, obj, checks); err != nil {
			return err
		}
	}
	return h.countFree(ctx, off, length)
}

// countFree charges the level-0 blocks a free releases. Blocks that can be
// freed now count as freed space; all of them stop being referenced.
func (h *Hold) countFree(ctx context.Context, off, length uint64) error {
	obj := h.Object()
	sh := obj.Shape()
	os := h.tx.os
	epbs := sh.EntriesPerIndirectShift()
	ibs := uint64(1) << sh.IndirectShift

	var blkid, nblks uint64
	if sh.MaxBlockID == 0 {
		if off != 0 || length < sh.DataBlockSize {
			return nil
		}
		blkid, nblks = 0, 1
	} else {
		blkid = off >> sh.DataBlockShift
		nblks = (length + sh.DataBlockSize - 1) >> sh.DataBlockShift
		if blkid > sh.MaxBlockID {
			return nil
		}
		if blkid+nblks > sh.MaxBlockID {
			nblks = sh.MaxBlockID - blkid + 1
		}
	}

	var space, unref, skipped, l1blocks uint64
	seenDedup := make(map[uint64]struct{})
	charge := func(bp dnode.BlockPointer) {
		if bp.IsHole() {
			return
		}
		if os.BlockFreeable(bp) {
			switch {
			case !bp.Dedup:
				space += bp.AllocatedSize
			default:
				if _, seen := seenDedup[bp.Identity]; !seen {
					seenDedup[bp.Identity] = struct{}{}
					space += 2 * bp.AllocatedSize
				}
			}
		}
		unref += bp.AllocatedSize
	}

	l0span := nblks
	if sh.Levels == 1 {
		for i := uint64(0); i < nblks; i++ {
			bp, err := obj.BlockPointer(0, blkid+i)
			if err != nil {
				return err
			}
			charge(bp)
		}
		l1blocks = 1
		nblks = 0
	}

	history := newHistory(sh.Levels)
	lastblk := blkid + nblks - 1
	for nblks > 0 {
		next, err := obj.NextAllocated(blkid<<sh.DataBlockShift, 1)
		if errors.Is(err, dnode.ErrNoMoreData) {
			skipped += (lastblk >> epbs) - (blkid >> epbs) + 1
			break
		}
		if err != nil {
			return err
		}
		nextBlk := next >> sh.DataBlockShift
		if nextBlk > lastblk {
			skipped += (lastblk >> epbs) - (blkid >> epbs) + 1
			break
		}
		if nextBlk > blkid {
			skipped += (nextBlk >> epbs) - (blkid >> epbs) - 1
			nblks -= nextBlk - blkid
			blkid = nextBlk
		}

		epb := uint64(1) << epbs
		blkoff := blkid & (epb - 1)
		tochk := min(epb-blkoff, nblks)

		h.Memory += ibs
		if err := obj.ReadBlock(ctx, 1, blkid>>epbs); err != nil {
			return err
		}
		for i := uint64(0); i < tochk; i++ {
			bp, err := obj.BlockPointer(0, blkid+i)
			if err != nil {
				return err
			}
			charge(bp)
		}
		// the level-1 block is dirtied by the free
		if err := h.countTwig(obj, sh, 1, blkid>>epbs, false, history); err != nil {
			return err
		}

		l1blocks++
		blkid += tochk
		nblks -= tochk
	}

	// memory for higher-level indirects, assuming the worst spread of
	// level-1 blocks over the range
	if epbs > 0 {
		blkcnt := 1 + ((l0span >> epbs) >> epbs)
		maxLevel := 2 + (dnode.MaxOffsetShift-int(sh.DataBlockShift))/int(epbs)
		for level := 2; level < maxLevel; level++ {
			h.Memory += max(min(blkcnt, l1blocks), 1) << sh.IndirectShift
			blkcnt = 1 + (blkcnt >> epbs)
		}
	}

	// level-1 blocks that might show up in the skipped gaps
	if skipped > 0 {
		h.Fudge += skipped << sh.IndirectShift
		skipped = min(skipped, h.tx.pc.Limits.MaxDeleteBlocks>>epbs)
		h.Memory += skipped << sh.IndirectShift
	}
	h.ToFree += space
	h.ToUnref += unref
	return nil
}

// countZap estimates adding or looking up name in a directory object.
func (h *Hold) countZap(ctx context.Context) error {
	h.countObjectMeta()
	lim := h.tx.pc.Limits

	obj := h.Object()
	if obj == nil {
		// a new directory fits in a header block and one leaf
		return h.countWrite(ctx, 0, 2<<lim.FatDirBlockShift)
	}
	dir := obj.(dnode.Directory)
	sh := dir.Shape()

	if sh.MaxBlockID == 0 && !h.add {
		if err := readAhead(ctx, dir, []blockRef{{0, 0}}); err != nil {
			return err
		}
		bp, err := dir.BlockPointer(0, 0)
		if err != nil {
			return err
		}
		// the single block may grow up to the largest micro size before sync
		if h.tx.os.BlockFreeable(bp) {
			h.ToOverwrite += lim.MicroDirMaxBlockSize
		} else {
			h.ToWrite += lim.MicroDirMaxBlockSize
		}
		if !bp.IsHole() {
			h.ToUnref += lim.MicroDirMaxBlockSize
		}
		return nil
	}

	if sh.MaxBlockID > 0 && h.name != "" {
		if err := dir.LookupEntry(ctx, h.name); errors.Is(err, dnode.ErrIO) {
			return err
		}
	}
	toWrite, toOverwrite, err := dir.CountWrite(h.name, h.add)
	if err != nil {
		return err
	}
	h.ToWrite += toWrite
	h.ToOverwrite += toOverwrite

	// reshaping may dirty up to three indirects per level
	epbs := sh.EntriesPerIndirectShift()
	snapshots := h.tx.os.PrevSnapshotGeneration() != 0
	for span := uint64(sh.BlockPointers); span <= sh.MaxBlockID; span <<= epbs {
		if snapshots {
			h.ToWrite += 3 << sh.IndirectShift
		} else {
			h.ToOverwrite += 3 << sh.IndirectShift
		}
	}
	return nil
}

// countSpill charges a rewrite of the object's spill block.
func (h *Hold) countSpill() {
	size := h.tx.pc.Limits.OldMaxBlockSize
	bp, ok := h.Object().SpillBlockPointer()
	if !ok {
		h.ToWrite += size
		return
	}
	if h.tx.os.BlockFreeable(bp) {
		h.ToOverwrite += size
	} else {
		h.ToWrite += size
	}
	if !bp.IsHole() {
		h.ToUnref += size
	}
}
