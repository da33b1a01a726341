package dnode

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupObjectSet(t *testing.T) *MemObjectSet {
	t.Helper()
	return NewMemObjectSet(DefaultStoreConfig(), zap.NewNop())
}

func TestObjectSetHoldAndDelete(t *testing.T) {
	s := setupObjectSet(t)
	ctx := context.Background()
	obj := s.Create(KindPlain, 4096)
	require.Equal(t, 1, s.Len())

	h, err := s.Hold(ctx, obj.ID())
	require.NoError(t, err)
	require.Equal(t, obj.ID(), h.Object().ID())
	require.Equal(t, 1, s.Refs(obj.ID()))

	_, err = s.Hold(ctx, 999)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(obj.ID()))
	_, err = s.Hold(ctx, obj.ID())
	require.ErrorIs(t, err, ErrDeleted)
	require.Equal(t, 1, s.Len(), "held object stays until released")

	require.NoError(t, h.Release())
	require.ErrorIs(t, h.Release(), ErrReleased)
	require.Equal(t, 0, s.Len())
}

func TestCreateWithIDRejectsDuplicates(t *testing.T) {
	s := setupObjectSet(t)
	_, err := s.CreateWithID(10, KindPlain, 0)
	require.NoError(t, err)
	_, err = s.CreateWithID(10, KindPlain, 0)
	require.ErrorIs(t, err, ErrExists)
	obj := s.Create(KindPlain, 0)
	require.NotEqual(t, uint64(10), obj.ID())
}

func TestWriteGrowsBlockAndLevels(t *testing.T) {
	s := setupObjectSet(t)
	obj := s.Create(KindPlain, 512)

	u := obj.Write(1, 0, 3000)
	sh := obj.Shape()
	require.Equal(t, uint64(4096), sh.DataBlockSize)
	require.Equal(t, uint64(0), sh.MaxBlockID)
	require.Equal(t, 1, sh.Levels)
	require.Equal(t, uint64(4096)+s.metaRewriteSize(), u.Written)
	require.Zero(t, u.Freed)

	// four record-sized blocks no longer fit in the descriptor's three pointers
	obj.Write(2, 0, 4*s.RecordSize())
	sh = obj.Shape()
	require.Equal(t, s.RecordSize(), sh.DataBlockSize)
	require.Equal(t, uint64(3), sh.MaxBlockID)
	require.Equal(t, 2, sh.Levels)

	bp, err := obj.BlockPointer(1, 0)
	require.NoError(t, err)
	require.False(t, bp.IsHole())
}

func TestOverwriteFreesOnlyAfterSnapshot(t *testing.T) {
	s := setupObjectSet(t)
	obj := s.Create(KindPlain, 0)
	obj.Write(1, 0, 2*s.RecordSize())

	u := obj.Write(2, 0, s.RecordSize())
	require.Equal(t, s.RecordSize()+s.metaRewriteSize(), u.Freed)

	s.Snapshot(2)
	u = obj.Write(3, 0, s.RecordSize())
	require.Zero(t, u.Freed, "blocks born before the snapshot stay referenced")
}

func TestFreeReleasesWholeBlocksOnly(t *testing.T) {
	s := setupObjectSet(t)
	obj := s.Create(KindPlain, 0)
	rs := s.RecordSize()
	obj.Write(1, 0, 3*rs)

	u := obj.Free(2, rs/2, 10*rs)
	// block 0 is rewritten, blocks 1 and 2 go away
	require.Equal(t, rs+s.metaRewriteSize(), u.Written)
	require.Equal(t, 3*rs+s.metaRewriteSize(), u.Freed)

	_, err := obj.NextAllocated(rs, 0)
	require.ErrorIs(t, err, ErrNoMoreData)
	require.Zero(t, obj.Free(3, 10*rs, rs).Written, "free past the end does nothing")
}

func TestNextAllocatedSkipsHoles(t *testing.T) {
	s := setupObjectSet(t)
	obj := s.Create(KindPlain, 0)
	rs := s.RecordSize()
	obj.Write(1, 0, rs)
	obj.Write(1, 7*rs, rs)

	off, err := obj.NextAllocated(rs, 0)
	require.NoError(t, err)
	require.Equal(t, 7*rs, off)

	off, err = obj.NextAllocated(7*rs+5, 0)
	require.NoError(t, err)
	require.Equal(t, 7*rs+5, off)

	off, err = obj.NextAllocated(0, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)
}

func TestFaultInjection(t *testing.T) {
	s := setupObjectSet(t)
	obj := s.Create(KindPlain, 0)
	rs := s.RecordSize()
	obj.Write(1, 0, 8*rs)
	obj.InjectFault(1, 0)

	_, err := obj.BlockPointer(0, 1)
	require.ErrorIs(t, err, ErrIO)
	require.ErrorIs(t, obj.ReadBlock(context.Background(), 1, 0), ErrIO)

	obj.ClearFaults()
	require.NoError(t, obj.ReadBlock(context.Background(), 1, 0))
}

func TestSpillAndBonus(t *testing.T) {
	s := setupObjectSet(t)
	obj := s.Create(KindPlain, 0)
	_, ok := obj.SpillBlockPointer()
	require.False(t, ok)

	u := obj.WriteSpill(1)
	require.Equal(t, s.cfg.SpillBlockSize, u.Written)
	bp, ok := obj.SpillBlockPointer()
	require.True(t, ok)
	require.Equal(t, uint64(1), bp.Birth)

	u = obj.WriteBonus(2)
	require.Equal(t, s.metaRewriteSize(), u.Written)
	require.Equal(t, uint64(2), obj.MetaBlockPointer().Birth)
}

func TestDirectoryUpgradeAndSplit(t *testing.T) {
	s := setupObjectSet(t)
	dir := s.Create(KindDirectory, 0)
	ctx := context.Background()
	microCap := int(s.cfg.DirBlockSize / microEntrySize)

	for i := 0; i < microCap; i++ {
		_, err := dir.AddEntry(1, fmt.Sprintf("entry-%d", i))
		require.NoError(t, err)
	}
	require.Equal(t, uint64(0), dir.Shape().MaxBlockID)

	w, ow, err := dir.CountWrite("overflow", true)
	require.NoError(t, err)
	u, err := dir.AddEntry(2, "overflow")
	require.NoError(t, err)
	require.Equal(t, uint64(2), dir.Shape().MaxBlockID)
	require.GreaterOrEqual(t, w+ow+s.metaRewriteSize(), u.Written)
	require.GreaterOrEqual(t, ow+s.metaRewriteSize(), u.Freed)

	require.NoError(t, dir.LookupEntry(ctx, "overflow"))
	require.ErrorIs(t, dir.LookupEntry(ctx, "missing"), ErrEntryMissing)

	_, err = dir.AddEntry(3, "overflow")
	require.ErrorIs(t, err, ErrEntryExists)

	for i := microCap; i < 4*microCap; i++ {
		_, err := dir.AddEntry(3, fmt.Sprintf("entry-%d", i))
		require.NoError(t, err)
	}
	require.Greater(t, dir.Shape().MaxBlockID, uint64(2))
	require.Equal(t, 4*microCap+1, dir.Entries())

	_, err = dir.RemoveEntry(4, "overflow")
	require.NoError(t, err)
	_, err = dir.RemoveEntry(4, "overflow")
	require.ErrorIs(t, err, ErrEntryMissing)

	plain := s.Create(KindPlain, 0)
	_, _, err = plain.CountWrite("x", true)
	require.ErrorIs(t, err, ErrNotDirectory)
}
