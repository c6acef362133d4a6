// Package parallel provides the fan-out helpers used by the particle kernels.
package parallel

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Maximum number of concurrently running goroutines.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 16, // One particle row is already a full neighbor scan.
	}
}

// Sequential returns a config that never spawns goroutines.
func Sequential() Config {
	return Config{Enabled: false, NumWorkers: 1, MinChunkSize: 1}
}

// Chunks returns the number of chunks For splits n items into under cfg.
// Callers use it to size per-chunk scratch before the fan-out.
func Chunks(n int, cfg Config) int {
	if n <= 0 {
		return 0
	}
	if !cfg.Enabled || cfg.NumWorkers <= 1 || n < cfg.MinChunkSize {
		return 1
	}
	size := chunkSize(n, cfg)
	return (n + size - 1) / size
}

func chunkSize(n int, cfg Config) int {
	return max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize, 1)
}

// For executes f(i) for i in [0, n) with optional parallelism.
// Falls back to sequential execution if parallelism is disabled or n is too small.
func For(n int, f func(i int), cfg Config) {
	ForChunk(n, func(_, start, end int) {
		for i := start; i < end; i++ {
			f(i)
		}
	}, cfg)
}

// ForChunk splits [0, n) into contiguous ranges and calls f(chunk, start, end)
// once per range. Chunk ids are dense in [0, Chunks(n, cfg)), so f may index
// per-chunk scratch without locking.
func ForChunk(n int, f func(chunk, start, end int), cfg Config) {
	chunks := Chunks(n, cfg)
	if chunks == 0 {
		return
	}
	if chunks == 1 {
		// Sequential fallback.
		f(0, 0, n)
		return
	}

	size := chunkSize(n, cfg)
	var g errgroup.Group
	g.SetLimit(cfg.NumWorkers)
	for c := 0; c < chunks; c++ {
		c := c // per-iteration copy (pre-Go 1.22 loop semantics)
		start := c * size
		end := min(start+size, n)
		g.Go(func() error {
			f(c, start, end)
			return nil
		})
	}
	_ = g.Wait() // f never fails.
}

// ForBatch is optimized for the batch*particles iteration pattern shared by
// the convolution kernels.
func ForBatch(batch, n int, f func(b, i int), cfg Config) {
	For(batch*n, func(k int) {
		f(k/n, k%n)
	}, cfg)
}
