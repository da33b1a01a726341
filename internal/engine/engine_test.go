package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/dmutx/config"
	"github.com/sushant-115/dmutx/core/dnode"
	"github.com/sushant-115/dmutx/core/transaction"
	"github.com/sushant-115/dmutx/pkg/telemetry"
	"go.uber.org/zap"
)

func setupEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Txg.SyncInterval = 10 * time.Millisecond
	cfg.ShadowAccounting = true

	tel, shutdown, err := telemetry.New(telemetry.Config{Enabled: true, ServiceName: "dmutx-test"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, shutdown(context.Background())) })

	e, err := Open(cfg, zap.NewNop(), tel)
	require.NoError(t, err)
	e.Start(context.Background())
	t.Cleanup(func() { require.NoError(t, e.Close(context.Background())) })
	return e
}

func TestCommittedTransactionSyncs(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	obj := e.Objects.Create(dnode.KindPlain, 0)

	tx := e.NewTx()
	_, err := tx.HoldWrite(ctx, obj.ID(), 0, 4096)
	require.NoError(t, err)
	require.NoError(t, tx.Assign(ctx, transaction.Wait))

	u := obj.Write(tx.Generation(), 0, 4096)
	tx.WillUseSpace(int64(u.Written))

	synced := make(chan error, 1)
	require.NoError(t, tx.RegisterCallback(func(_ any, err error) { synced <- err }, nil))
	require.NoError(t, tx.Commit())

	select {
	case err := <-synced:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not sync")
	}
	require.GreaterOrEqual(t, e.Gens.LastSynced(), tx.Generation())
	require.NotZero(t, e.Pool.Stats().Used)
}

func TestCloseWithoutStart(t *testing.T) {
	e, err := Open(config.Default(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, e.Close(context.Background()))
}
