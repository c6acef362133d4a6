package cpu

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/spn/internal/grid"
	"github.com/born-ml/spn/internal/kernel"
	"github.com/born-ml/spn/internal/op"
	"github.com/born-ml/spn/internal/parallel"
)

// neighborFunc calls fn with the original index of every particle of batch
// element b that interacts with particle i. Particle i itself is never visited.
type neighborFunc func(b, i int, fn func(j int))

// spCall holds the state of one ConvSP call that every particle shares.
type spCall struct {
	args      *op.ConvSPArgs
	binner    kernel.Binner
	neighbors neighborFunc
	source    op.Neighbors
	ncells    int
}

func (cpu *CPUBackend) prepareConvSP(name string, args *op.ConvSPArgs) *spCall {
	g, err := args.Geometry()
	if err != nil {
		panic(fmt.Sprintf("%s: %v", name, err))
	}
	binner, err := kernel.NewBinner(args.KernelFn, g)
	if err != nil {
		panic(fmt.Sprintf("%s: %v", name, err))
	}
	call := &spCall{
		args:   args,
		binner: binner,
		ncells: g.NumCells(),
	}
	call.neighbors, call.source = cpu.neighbors(args)
	return call
}

// neighbors selects the neighbor source once per call. A grid request falls
// back to the dense scan when the radius is zero, the bounding grid would be
// too large, or a location cannot be hashed.
func (cpu *CPUBackend) neighbors(args *op.ConvSPArgs) (neighborFunc, op.Neighbors) {
	switch args.Neighbors {
	case op.NeighborsList:
		return listNeighbors(args), op.NeighborsList
	case op.NeighborsDense:
		return denseNeighbors(args), op.NeighborsDense
	}

	if args.Radius <= 0 || args.N == 0 {
		return denseNeighbors(args), op.NeighborsDense
	}
	low, gridDims, ncells, err := grid.Bounds(args.Locs, args.Batch, args.N, args.Dims, args.Radius)
	if err != nil {
		op.Logger().Debug("convsp: grid bounds rejected, using dense scan", "err", err)
		return denseNeighbors(args), op.NeighborsDense
	}
	if ncells > cpu.maxGridCells {
		op.Logger().Debug("convsp: grid too large, using dense scan", "cells", ncells, "limit", cpu.maxGridCells)
		return denseNeighbors(args), op.NeighborsDense
	}
	idx, err := grid.Build(grid.Config{
		Batch:    args.Batch,
		N:        args.N,
		Dims:     args.Dims,
		Low:      low,
		GridDims: gridDims,
		NCells:   ncells,
		CellEdge: args.Radius,
		Radius:   args.Radius,
	}, args.Locs, cpu.parallel)
	if err != nil {
		op.Logger().Debug("convsp: grid build failed, using dense scan", "err", err)
		return denseNeighbors(args), op.NeighborsDense
	}

	if op.Debug() {
		st := idx.Stats()
		op.Logger().Debug("convsp: grid built",
			"cells", ncells, "occupied", st.OccupiedCells, "max_occupancy", st.MaxOccupancy)
	}

	return func(b, i int, fn func(j int)) {
		idx.ForEachNeighbor(b, i, func(j int) {
			if j != i {
				fn(j)
			}
		})
	}, op.NeighborsGrid
}

func denseNeighbors(args *op.ConvSPArgs) neighborFunc {
	n, dims := args.N, args.Dims
	r2 := args.Radius * args.Radius
	return func(b, i int, fn func(j int)) {
		p := args.Locs[(b*n+i)*dims : (b*n+i+1)*dims]
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			if dist2(args.Locs[(b*n+j)*dims:(b*n+j+1)*dims], p) <= r2 {
				fn(j)
			}
		}
	}
}

// listNeighbors reads caller collision lists. Entries beyond the radius are
// skipped, so lists built for a larger radius stay exact.
func listNeighbors(args *op.ConvSPArgs) neighborFunc {
	n, dims, maxc := args.N, args.Dims, args.MaxCollisions
	r2 := args.Radius * args.Radius
	return func(b, i int, fn func(j int)) {
		p := args.Locs[(b*n+i)*dims : (b*n+i+1)*dims]
		for _, j32 := range args.Collisions[(b*n+i)*maxc : (b*n+i+1)*maxc] {
			j := int(j32)
			if j == grid.NoCollision || j == i {
				continue
			}
			if dist2(args.Locs[(b*n+j)*dims:(b*n+j+1)*dims], p) <= r2 {
				fn(j)
			}
		}
	}
}

func dist2(q, p []float32) float32 {
	var d2 float32
	for d := range p {
		diff := q[d] - p[d]
		d2 += diff * diff
	}
	return d2
}

// offset writes the kernel-space offset from particle i to particle j into
// dst, reporting false when the pair must be skipped.
func (c *spCall) offset(b, i, j int, dst []float32) bool {
	n, dims := c.args.N, c.args.Dims
	p := c.args.Locs[(b*n+i)*dims : (b*n+i+1)*dims]
	q := c.args.Locs[(b*n+j)*dims : (b*n+j+1)*dims]
	for d := 0; d < dims; d++ {
		dst[d] = q[d] - p[d]
	}
	if !c.args.DisNorm {
		return true
	}
	norm := float32(math.Sqrt(float64(dist2(q, p))))
	if norm < kernel.MinNormDistance {
		return false
	}
	for d := 0; d < dims; d++ {
		dst[d] /= norm
	}
	return true
}

// weights returns the strided channel vector weight[k, :, cell].
func (c *spCall) weights(w []float32, k, cell int) blas32.Vector {
	ch := c.args.Channels
	start := k*ch*c.ncells + cell
	return blas32.Vector{N: ch, Inc: c.ncells, Data: w[start : start+(ch-1)*c.ncells+1]}
}

// row returns the channel vector of particle j of batch element b in buf.
func (c *spCall) row(buf []float32, b, j int) blas32.Vector {
	ch := c.args.Channels
	start := (b*c.args.N + j) * ch
	return blas32.Vector{N: ch, Inc: 1, Data: buf[start : start+ch]}
}

// ConvSP computes the smooth particle convolution.
//
//	out[b,i,k] = bias[k] + Σ_j Σ_(cell,w) w · Σ_c weight[k,c,cell] · data[b,j,c]
//
// where j ranges over the particles within Radius of particle i (i excluded)
// and (cell, w) are the kernel bins of the offset from i to j.
//
// Output rows are disjoint, so particles are processed in parallel.
func (cpu *CPUBackend) ConvSP(args *op.ConvSPArgs, out []float32) {
	if err := args.ValidateOutput(out); err != nil {
		panic(fmt.Sprintf("convsp: %v", err))
	}
	start := time.Now()
	call := cpu.prepareConvSP("convsp", args)
	nk := args.Kernels

	parallel.ForBatch(args.Batch, args.N, func(b, i int) {
		row := out[(b*args.N+i)*nk : (b*args.N+i+1)*nk]
		copy(row, args.Bias)

		var (
			o    [kernel.MaxDims]float32
			bins kernel.Bins
		)
		call.neighbors(b, i, func(j int) {
			if !call.offset(b, i, j, o[:]) {
				return
			}
			call.binner.Bin(o[:args.Dims], &bins)
			x := call.row(args.Data, b, j)
			for t := 0; t < bins.N; t++ {
				w, cell := bins.Weight[t], bins.Cell[t]
				for k := 0; k < nk; k++ {
					row[k] += w * blas32.Dot(call.weights(args.Weight, k, cell), x)
				}
			}
		})
	}, cpu.parallel)

	if op.Debug() {
		op.Logger().Debug("convsp",
			"batch", args.Batch, "n", args.N, "channels", args.Channels, "kernels", nk,
			"cells", call.ncells, "neighbors", call.source.String(), "elapsed", time.Since(start))
	}
}
