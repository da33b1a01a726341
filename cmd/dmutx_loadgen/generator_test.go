package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/dmutx/config"
	"github.com/sushant-115/dmutx/internal/engine"
	"go.uber.org/zap"
)

func setupGenerator(t *testing.T, noWait bool) (*generator, *engine.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Txg.SyncInterval = 20 * time.Millisecond
	cfg.ShadowAccounting = true
	eng, err := engine.Open(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	eng.Start(context.Background())
	t.Cleanup(func() { require.NoError(t, eng.Close(context.Background())) })

	gen := newGenerator(eng, genConfig{
		Workers:  4,
		Objects:  2,
		MaxWrite: 64 << 10,
		NoWait:   noWait,
		Seed:     42,
	}, zap.NewNop())
	return gen, eng
}

func TestGeneratorCommitsUnderContention(t *testing.T) {
	for _, noWait := range []bool{false, true} {
		t.Run(map[bool]string{false: "wait", true: "nowait"}[noWait], func(t *testing.T) {
			gen, eng := setupGenerator(t, noWait)
			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()

			res, err := gen.Run(ctx)
			require.NoError(t, err)
			require.Positive(t, res.Committed)
			require.Equal(t, 2, eng.Objects.Len())
		})
	}
}
