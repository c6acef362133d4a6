// Package cpu implements the particle operators on the CPU.
package cpu

import (
	"github.com/born-ml/spn/internal/op"
	"github.com/born-ml/spn/internal/parallel"
)

// DefaultMaxGridCells bounds the per-batch range table ConvSP allocates when it
// routes neighbor search through a spatial hash grid. Sparser batches fall back
// to the dense scan.
const DefaultMaxGridCells = 1 << 22

// CPUBackend implements op.Backend with goroutine fan-out over particles.
type CPUBackend struct {
	parallel     parallel.Config
	maxGridCells int
}

var _ op.Backend = (*CPUBackend)(nil)

// New creates a new CPU backend using every available core.
func New() *CPUBackend {
	return NewWithConfig(parallel.DefaultConfig())
}

// NewWithConfig creates a CPU backend with an explicit parallel configuration.
func NewWithConfig(cfg parallel.Config) *CPUBackend {
	return &CPUBackend{
		parallel:     cfg,
		maxGridCells: DefaultMaxGridCells,
	}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Parallel returns the parallel configuration.
func (cpu *CPUBackend) Parallel() parallel.Config {
	return cpu.parallel
}

// SetMaxGridCells changes the largest per-batch grid ConvSP builds.
func (cpu *CPUBackend) SetMaxGridCells(n int) {
	cpu.maxGridCells = n
}
