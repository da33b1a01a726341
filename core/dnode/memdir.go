package dnode

import (
	"context"
	"fmt"
	"hash/fnv"
)

const (
	microEntrySize = 64
	leafEntrySize  = 128
)

// memDirectory keeps entries in one block until it fills, then switches to a
// header block followed by hashed leaf blocks. Leaf i lives in block i+1.
type memDirectory struct {
	entries map[string]int // name to leaf index, 0 in the single-block layout
	leaves  []int          // entry count per leaf
}

func (o *MemObject) directoryLocked(op string) (*memDirectory, error) {
	if o.dir == nil {
		return nil, fmt.Errorf("%s on object %d: %w", op, o.id, ErrNotDirectory)
	}
	return o.dir, nil
}

func (o *MemObject) IsDirectory() bool { return o.kind == KindDirectory }

func (o *MemObject) microLocked() bool { return o.shape.MaxBlockID == 0 }

func (o *MemObject) leafForLocked(name string) int {
	if leaf, ok := o.dir.entries[name]; ok {
		return leaf
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	return int(h.Sum32() % uint32(len(o.dir.leaves)))
}

// Entries returns the number of names held by a directory object.
func (o *MemObject) Entries() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.dir == nil {
		return 0
	}
	return len(o.dir.entries)
}

func (o *MemObject) LookupEntry(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	dir, err := o.directoryLocked("lookup")
	if err != nil {
		return err
	}
	if err := o.faultLocked(0, 0); err != nil {
		return err
	}
	if !o.microLocked() {
		if err := o.faultLocked(0, uint64(o.leafForLocked(name))+1); err != nil {
			return err
		}
	}
	if _, ok := dir.entries[name]; !ok {
		return fmt.Errorf("lookup %q in object %d: %w", name, o.id, ErrEntryMissing)
	}
	return nil
}

func (o *MemObject) CountWrite(name string, add bool) (toWrite, toOverwrite uint64, err error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	dir, err := o.directoryLocked("count")
	if err != nil {
		return 0, 0, err
	}
	dbs := o.shape.DataBlockSize
	charge := func(blkid uint64) {
		if o.set.BlockFreeable(o.bpLocked(0, blkid)) {
			toOverwrite += dbs
		} else {
			toWrite += dbs
		}
	}

	if o.microLocked() {
		charge(0)
		if add && len(dir.entries) >= int(dbs/microEntrySize) {
			toWrite += 2 * dbs
			if o.needsLevelLocked(2) {
				toWrite += 1 << o.shape.IndirectShift
			}
		}
		return toWrite, toOverwrite, nil
	}

	charge(0)
	charge(uint64(o.leafForLocked(name)) + 1)
	if add {
		// a split writes a fresh leaf and grows the pointer table
		toWrite += 2 * dbs
		if o.needsLevelLocked(o.shape.MaxBlockID + 1) {
			toWrite += 1 << o.shape.IndirectShift
		}
	}
	return toWrite, toOverwrite, nil
}

// AddEntry simulates syncing the insertion of name in generation txg.
func (o *MemObject) AddEntry(txg uint64, name string) (Usage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	dir, err := o.directoryLocked("add entry")
	if err != nil {
		return Usage{}, err
	}
	if _, ok := dir.entries[name]; ok {
		return Usage{}, fmt.Errorf("add %q to object %d: %w", name, o.id, ErrEntryExists)
	}
	dbs := o.shape.DataBlockSize

	var touched []uint64
	switch {
	case o.microLocked() && len(dir.entries) < int(dbs/microEntrySize):
		dir.entries[name] = 0
		touched = []uint64{0}
	case o.microLocked():
		o.shape.MaxBlockID = 2
		dir.leaves = []int{0, 0}
		names := make([]string, 0, len(dir.entries)+1)
		for n := range dir.entries {
			names = append(names, n)
		}
		names = append(names, name)
		clear(dir.entries)
		for _, n := range names {
			o.insertLocked(n, o.leafForLocked(n))
		}
		touched = []uint64{0, 1, 2}
	default:
		leaf := o.leafForLocked(name)
		touched = []uint64{0, uint64(leaf) + 1}
		if dir.leaves[leaf] >= int(dbs/leafEntrySize) {
			touched = append(touched, o.splitLeafLocked(leaf))
		}
		o.insertLocked(name, leaf)
	}

	var u Usage
	dirty := o.ensureLevelsLocked()
	for _, blkid := range touched {
		u.add(o.rewriteLocked(0, blkid, dbs, txg))
		dirty.markParents(o.shape, blkid)
	}
	u.add(o.flushIndirectsLocked(dirty, txg))
	u.add(o.rewriteMetaLocked(txg))
	return u, nil
}

// RemoveEntry simulates syncing the removal of name in generation txg.
func (o *MemObject) RemoveEntry(txg uint64, name string) (Usage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	dir, err := o.directoryLocked("remove entry")
	if err != nil {
		return Usage{}, err
	}
	leaf, ok := dir.entries[name]
	if !ok {
		return Usage{}, fmt.Errorf("remove %q from object %d: %w", name, o.id, ErrEntryMissing)
	}
	delete(dir.entries, name)
	touched := []uint64{0}
	if !o.microLocked() {
		dir.leaves[leaf]--
		touched = append(touched, uint64(leaf)+1)
	}

	var u Usage
	dirty := newDirtySet(o.shape.Levels)
	for _, blkid := range touched {
		u.add(o.rewriteLocked(0, blkid, o.shape.DataBlockSize, txg))
		dirty.markParents(o.shape, blkid)
	}
	u.add(o.flushIndirectsLocked(dirty, txg))
	u.add(o.rewriteMetaLocked(txg))
	return u, nil
}

func (o *MemObject) insertLocked(name string, leaf int) {
	o.dir.entries[name] = leaf
	o.dir.leaves[leaf]++
}

// splitLeafLocked moves half of a full leaf into a new one and returns the new
// leaf's block id.
func (o *MemObject) splitLeafLocked(leaf int) uint64 {
	dir := o.dir
	dir.leaves = append(dir.leaves, 0)
	fresh := len(dir.leaves) - 1
	move := dir.leaves[leaf] / 2
	for n, l := range dir.entries {
		if move == 0 {
			break
		}
		if l == leaf {
			dir.entries[n] = fresh
			dir.leaves[leaf]--
			dir.leaves[fresh]++
			move--
		}
	}
	o.shape.MaxBlockID = uint64(fresh) + 1
	return o.shape.MaxBlockID
}
