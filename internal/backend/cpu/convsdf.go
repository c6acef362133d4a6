package cpu

import (
	"fmt"
	"time"

	"github.com/born-ml/spn/internal/kernel"
	"github.com/born-ml/spn/internal/op"
	"github.com/born-ml/spn/internal/parallel"
	"github.com/born-ml/spn/internal/sdf"
)

// sdfCall holds the decoded library and scenes of one ConvSDF call.
type sdfCall struct {
	args     *op.ConvSDFArgs
	geometry kernel.Geometry
	ncells   int
	lib      *sdf.Library
	scenes   [][]*sdf.Instance // per batch element, nil for unused slots
}

func prepareConvSDF(name string, args *op.ConvSDFArgs) *sdfCall {
	g, err := args.Geometry()
	if err != nil {
		panic(fmt.Sprintf("%s: %v", name, err))
	}
	lib, err := args.Library()
	if err != nil {
		panic(fmt.Sprintf("%s: %v", name, err))
	}
	call := &sdfCall{
		args:     args,
		geometry: g,
		ncells:   g.NumCells(),
		lib:      lib,
		scenes:   make([][]*sdf.Instance, args.Batch),
	}
	for b := range call.scenes {
		call.scenes[b] = args.Scene(b)
	}
	return call
}

// sample returns the reduced scene distance at the center of kernel cell
// placed on particle i of batch element b. A batch element without instances
// samples zero.
func (c *sdfCall) sample(cache *sdf.Cache, b, i, cell int) float32 {
	dims := c.args.Dims
	loc := c.args.Locs[(b*c.args.N+i)*dims : (b*c.args.N+i+1)*dims]

	var p [kernel.MaxDims]float32
	c.geometry.CellOffset(cell, p[:])
	for d := 0; d < dims; d++ {
		p[d] += loc[d]
	}

	cache.Fill(c.lib, c.scenes[b], p[:dims], c.args.MaxDistance)
	s, ok := cache.Reduce(c.args.Reduce)
	if !ok {
		return 0
	}
	return s
}

// ConvSDF convolves a kernel over the signed distance of each particle's
// surroundings to the rigid geometry of its batch element.
//
//	out[b,i,k] = bias[k] + Σ_cell weight[k,cell] · s(b,i,cell)
//
// where s reduces the clamped distances of every used instance, sampled at
// the particle location plus the center offset of the cell. Each worker owns
// one distance cache for the duration of the call.
func (cpu *CPUBackend) ConvSDF(args *op.ConvSDFArgs, out []float32) {
	if err := args.ValidateOutput(out); err != nil {
		panic(fmt.Sprintf("convsdf: %v", err))
	}
	start := time.Now()
	call := prepareConvSDF("convsdf", args)
	nk, ncells := args.Kernels, call.ncells
	total := args.Batch * args.N

	parallel.ForChunk(total, func(_, lo, hi int) {
		cache := sdf.NewCache(args.Instances)
		for r := lo; r < hi; r++ {
			b, i := r/args.N, r%args.N
			row := out[r*nk : (r+1)*nk]
			copy(row, args.Bias)
			for cell := 0; cell < ncells; cell++ {
				s := call.sample(cache, b, i, cell)
				if s == 0 {
					continue
				}
				for k := 0; k < nk; k++ {
					row[k] += args.Weight[k*ncells+cell] * s
				}
			}
		}
	}, cpu.parallel)

	if op.Debug() {
		op.Logger().Debug("convsdf",
			"batch", args.Batch, "n", args.N, "instances", args.Instances, "kernels", nk,
			"cells", ncells, "reduce", args.Reduce.String(), "elapsed", time.Since(start))
	}
}
