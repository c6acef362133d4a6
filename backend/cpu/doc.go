// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the pure Go CPU backend for the particle operators.
//
// # Overview
//
// This package implements spn.Backend with:
//   - Pure Go implementation (no CGO)
//   - Spatial hash grid neighbor search for ConvSP
//   - Strided BLAS channel products (gonum)
//   - Goroutine fan-out over particles, bounded per call
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/spn"
//	    "github.com/born-ml/spn/backend/cpu"
//	)
//
//	func main() {
//	    engine := spn.NewEngine(cpu.NewWithWorkers(8))
//	    if err := engine.ConvSDFForward(args, out); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// # Determinism
//
// Forward passes write disjoint output rows. Backward passes sum into
// private partials that are reduced in a fixed order, so a backend with a
// given worker count always produces the same gradients.
package cpu
