package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/dmutx/config"
	"github.com/sushant-115/dmutx/core/transaction"
	"github.com/sushant-115/dmutx/internal/engine"
	"go.uber.org/zap"
)

func setupShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.ShadowAccounting = true
	eng, err := engine.Open(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, eng.Close(context.Background())) })

	var out bytes.Buffer
	return newShell(eng, &out), &out
}

func TestShellWriteAssignCommit(t *testing.T) {
	sh, out := setupShell(t)
	ctx := context.Background()

	for _, line := range []string{
		"create plain",
		"fill 1 1M",
		"begin",
		"write 1 0 128K",
		"free 1 512K end",
		"assign nowait",
		"show",
		"commit",
	} {
		require.NoError(t, sh.exec(ctx, line), line)
	}
	require.Contains(t, out.String(), "object 1 (plain)")
	require.Contains(t, out.String(), "assigned to generation 1")
	require.Contains(t, out.String(), "committed in generation 1")
	require.Nil(t, sh.tx)

	require.NoError(t, sh.exec(ctx, "sync"))
	require.Equal(t, uint64(1), sh.eng.Gens.LastSynced())
}

func TestShellDirectoryAndNewObject(t *testing.T) {
	sh, out := setupShell(t)
	ctx := context.Background()

	for _, line := range []string{
		"create dir",
		"begin",
		"zap 1 add alpha",
		"newobj",
		"assign",
		"commit",
	} {
		require.NoError(t, sh.exec(ctx, line), line)
	}
	require.Contains(t, out.String(), "created object 2")
	require.Equal(t, 2, sh.eng.Objects.Len())
}

func TestShellErrors(t *testing.T) {
	sh, _ := setupShell(t)
	ctx := context.Background()

	require.ErrorContains(t, sh.exec(ctx, "write 1 0 10"), "no open transaction")
	require.ErrorContains(t, sh.exec(ctx, "frobnicate"), "unknown command")
	require.ErrorIs(t, sh.exec(ctx, "quit"), errQuit)

	require.NoError(t, sh.exec(ctx, "begin"))
	require.ErrorIs(t, sh.exec(ctx, "write 1 0 0"), transaction.ErrInvalidRange)
	require.ErrorIs(t, sh.exec(ctx, "commit"), transaction.ErrNotAssigned)
	require.NoError(t, sh.exec(ctx, "abort"))
	require.Nil(t, sh.tx)
}

func TestParseSize(t *testing.T) {
	for in, want := range map[string]uint64{
		"512":  512,
		"4K":   4 << 10,
		"128k": 128 << 10,
		"2M":   2 << 20,
		"1G":   1 << 30,
	} {
		got, err := parseSize(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := parseSize("lots")
	require.Error(t, err)
}
