package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupPool(t *testing.T, capacity uint64) *Pool {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Capacity = capacity
	cfg.MemoryLimit = 1 << 20
	p, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.AllocationInflation = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.FailureMode = "panic"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Quota = cfg.Capacity + 1
	_, err := New(cfg, nil)
	require.Error(t, err)
}

func TestAllocatedSizeInflates(t *testing.T) {
	p := setupPool(t, 1<<20)
	require.Equal(t, uint64(4096*4), p.AllocatedSize(4096))
}

func TestReserveRetryThenNoSpace(t *testing.T) {
	p := setupPool(t, 1000)

	c1, err := p.Reserve(1, Reservation{ASize: 800})
	require.NoError(t, err)

	_, err = p.Reserve(1, Reservation{ASize: 300})
	require.ErrorIs(t, err, ErrRetry, "space is still held by an unsynced reservation")

	p.ClearReservation(c1)
	require.Equal(t, uint64(800), p.Stats().InFlight)
	require.Equal(t, 1, p.Stats().Pending)

	require.NoError(t, p.SyncHook(context.Background(), 1))
	st := p.Stats()
	require.Equal(t, uint64(0), st.InFlight)
	require.Equal(t, uint64(800), st.Used)
	require.Zero(t, st.Pending)

	_, err = p.Reserve(2, Reservation{ASize: 300})
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestNetFreeBypassesQuota(t *testing.T) {
	p := setupPool(t, 100)
	_, err := p.Reserve(1, Reservation{ASize: 500, FSize: 600})
	require.NoError(t, err)
}

func TestFreesGiveSpaceBack(t *testing.T) {
	p := setupPool(t, 1000)
	c, err := p.Reserve(1, Reservation{ASize: 900})
	require.NoError(t, err)
	p.ClearReservation(c)
	p.Settle(1)

	c, err = p.Reserve(2, Reservation{ASize: 50, FSize: 600})
	require.NoError(t, err)
	p.ClearReservation(c)
	p.ClearReservation(c)
	p.Settle(2)
	require.Equal(t, uint64(350), p.Stats().Used)
}

func TestMemoryLimit(t *testing.T) {
	p := setupPool(t, 1<<30)
	_, err := p.Reserve(1, Reservation{Memory: 2 << 20})
	require.ErrorIs(t, err, ErrNoMemory)

	c, err := p.Reserve(1, Reservation{Memory: 768 << 10})
	require.NoError(t, err)
	_, err = p.Reserve(1, Reservation{Memory: 512 << 10})
	require.ErrorIs(t, err, ErrRetry)

	p.ClearReservation(c)
	require.Zero(t, p.Stats().Memory)
	_, err = p.Reserve(1, Reservation{Memory: 512 << 10})
	require.NoError(t, err)
}

func TestSuspendBlocksSync(t *testing.T) {
	p := setupPool(t, 1<<20)
	p.Suspend()
	require.True(t, p.Suspended())
	require.ErrorIs(t, p.SyncHook(context.Background(), 1), ErrSuspended)
	p.Resume()
	require.False(t, p.Suspended())
	require.NoError(t, p.SyncHook(context.Background(), 1))
	require.Equal(t, FailWait, p.FailureMode())
}
