package dnode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClaimSharedWithinGeneration(t *testing.T) {
	var c Claim
	require.True(t, c.TryAcquire(5))
	require.True(t, c.TryAcquire(5))
	require.False(t, c.TryAcquire(6), "another generation must be refused")
	require.Equal(t, uint64(5), c.Generation())
	require.Equal(t, int64(2), c.Holds())

	c.Release(5)
	require.Equal(t, uint64(5), c.Generation())
	c.Release(5)
	require.Equal(t, uint64(0), c.Generation())
	require.Equal(t, int64(0), c.Holds())
	require.True(t, c.TryAcquire(6))
}

func TestClaimReleaseMismatchPanics(t *testing.T) {
	var c Claim
	require.True(t, c.TryAcquire(3))
	require.Panics(t, func() { c.Release(4) })
	c.Release(3)
	require.Panics(t, func() { c.Release(3) })
}

func TestClaimWaitWhileClaimedBy(t *testing.T) {
	var c Claim
	ctx := context.Background()
	require.NoError(t, c.WaitWhileClaimedBy(ctx, 7), "unclaimed object must not block")

	require.True(t, c.TryAcquire(7))
	done := make(chan error, 1)
	go func() { done <- c.WaitWhileClaimedBy(ctx, 7) }()

	select {
	case <-done:
		t.Fatal("wait returned while the claim was held")
	case <-time.After(20 * time.Millisecond):
	}
	c.Release(7)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestClaimWaitHonorsContext(t *testing.T) {
	var c Claim
	require.True(t, c.TryAcquire(2))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.WaitWhileClaimedBy(ctx, 2), context.DeadlineExceeded)
	c.Release(2)
}
