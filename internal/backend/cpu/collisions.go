package cpu

import (
	"fmt"
	"time"

	"github.com/born-ml/spn/internal/grid"
	"github.com/born-ml/spn/internal/op"
)

// ComputeCollisions runs the spatial-hash broad-phase over args.
//
// It MUTATES args.Locs and args.Data, reordering both by ascending cell ID,
// and writes the cell IDs, the original index of every sorted particle, the
// cell range table and the collision lists. Collision lists hold sorted
// indices, include the particle itself and are padded with -1.
//
// It returns the number of lists that ran out of capacity. A particle outside
// its batch element's grid yields an error wrapping grid.ErrOutsideGrid, and
// the caller's buffers are left untouched.
func (cpu *CPUBackend) ComputeCollisions(args *op.CollisionArgs) (int, error) {
	start := time.Now()
	truncated, err := grid.SortInPlace(args.Grid(), args.Locs, args.Data, args.Channels, args.Output(), cpu.parallel)
	if err != nil {
		return 0, fmt.Errorf("collisions: %w", err)
	}

	if op.Debug() {
		op.Logger().Debug("collisions",
			"batch", args.Batch, "n", args.N, "cells", args.NCells,
			"max_collisions", args.MaxCollisions, "truncated", truncated, "elapsed", time.Since(start))
	}
	return truncated, nil
}
