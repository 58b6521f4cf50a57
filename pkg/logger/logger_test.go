package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_FileOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.Format = "text"
	cfg.FilePath = filepath.Join(t.TempDir(), "nested", "pricer.log")

	l, err := New(cfg)
	require.NoError(t, err)
	l.Info("priced", "method", "least_squares_mc")

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "method=least_squares_mc")
}

func TestInit_SetsGlobal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "error"
	require.NoError(t, Init(cfg))

	assert.False(t, Get().Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, Get().Enabled(context.Background(), slog.LevelError))
}
