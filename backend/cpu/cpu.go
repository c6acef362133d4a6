// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	"runtime"

	"github.com/born-ml/spn"
	internalcpu "github.com/born-ml/spn/internal/backend/cpu"
	"github.com/born-ml/spn/internal/parallel"
)

// Backend represents the CPU backend implementation.
type Backend = internalcpu.CPUBackend

// Compile-time check that Backend implements spn.Backend.
var _ spn.Backend = (*Backend)(nil)

// New creates a new CPU backend using every available core.
//
// Example:
//
//	import (
//	    "github.com/born-ml/spn"
//	    "github.com/born-ml/spn/backend/cpu"
//	)
//
//	func main() {
//	    engine := spn.NewEngine(cpu.New())
//	    _ = engine.ConvSPForward(args, out)
//	}
func New() *Backend {
	return internalcpu.New()
}

// NewWithWorkers creates a CPU backend running at most workers goroutines per
// call. A value below 2 runs every operator on the calling goroutine.
func NewWithWorkers(workers int) *Backend {
	if workers < 2 {
		return internalcpu.NewWithConfig(parallel.Sequential())
	}
	cfg := parallel.DefaultConfig()
	cfg.Enabled = true
	cfg.NumWorkers = min(workers, 4*runtime.NumCPU())
	return internalcpu.NewWithConfig(cfg)
}
