package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesServiceField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dmutx.log")
	cfg := DefaultConfig()
	cfg.OutputFile = path
	cfg.Level = "debug"

	l, err := New(cfg)
	require.NoError(t, err)
	l.Debug("hold added")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"service":"dmutx"`)
	require.Contains(t, string(data), `"msg":"hold added"`)
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dmutx.log")
	l, err := New(Config{Level: "chatty", Format: "console", OutputFile: path, Service: "shell"})
	require.NoError(t, err)
	l.Debug("dropped")
	l.Info("kept")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "dropped")
	require.Contains(t, string(data), "kept")
}

func TestBadOutputFile(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "x.log")})
	require.Error(t, err)
}
