package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/spn/internal/kernel"
	"github.com/born-ml/spn/internal/op"
	"github.com/born-ml/spn/internal/sdf"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []float32{5, 5, 5}, cfg.ConvSP.KernelSize)
	assert.Equal(t, kernel.Multilinear, cfg.Derived.KernelFn)
	assert.Equal(t, op.NeighborsGrid, cfg.Derived.Neighbors)
	assert.Equal(t, sdf.Sum, cfg.Derived.Reduce)
	assert.Equal(t, slog.LevelWarn, cfg.Derived.LogLevel)
	assert.Equal(t, 16, cfg.Derived.Parallel.MinChunkSize)
	assert.Positive(t, cfg.Derived.Parallel.NumWorkers)
}

func TestLoad_Overlay(t *testing.T) {
	path := writeConfig(t, `
parallel:
  workers: 1
log:
  level: debug
convsp:
  kernel_fn: nearest
  neighbors: dense
  kernel_size: [3, 3]
  dilation: [0.5, 0.5]
convsdf:
  reduce: min
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, kernel.Nearest, cfg.Derived.KernelFn)
	assert.Equal(t, op.NeighborsDense, cfg.Derived.Neighbors)
	assert.Equal(t, sdf.Min, cfg.Derived.Reduce)
	assert.Equal(t, slog.LevelDebug, cfg.Derived.LogLevel)
	assert.False(t, cfg.Derived.Parallel.Enabled)
	assert.Equal(t, []float32{3, 3}, cfg.ConvSP.KernelSize)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, 8, cfg.ConvSP.Kernels)
	assert.Equal(t, float32(0.25), cfg.ConvSDF.MaxDistance)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"kernel fn", "convsp:\n  kernel_fn: cubic\n"},
		{"neighbors", "convsp:\n  neighbors: octree\n"},
		{"reduce", "convsdf:\n  reduce: max\n"},
		{"dilation axes", "convsdf:\n  dilation: [0.1]\n"},
		{"grid radius", "grid:\n  radius: 1\n  cell_edge: 0.5\n"},
		{"max distance", "convsdf:\n  max_distance: 0\n"},
		{"log level", "log:\n  level: loud\n"},
		{"log format", "log:\n  format: xml\n"},
		{"workers", "parallel:\n  workers: -2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "convsp: [unterminated"))
	assert.Error(t, err)
}
