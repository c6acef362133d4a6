package cpu

import (
	"fmt"
	"time"

	"github.com/born-ml/spn/internal/op"
	"github.com/born-ml/spn/internal/parallel"
	"github.com/born-ml/spn/internal/sdf"
)

// ConvSDFBackward accumulates the gradients of ConvSDF with respect to the
// weights and, when dbias is non-nil, the bias.
//
//	dweight[k,cell] += Σ_b Σ_i g[b,i,k] · s(b,i,cell)
//	dbias[k]        += Σ_b Σ_i g[b,i,k]
//
// Locations, poses and the library receive no gradient. Each chunk of
// particles sums into its own partial, and partials are added in chunk order.
func (cpu *CPUBackend) ConvSDFBackward(args *op.ConvSDFArgs, gradOut, dweight, dbias []float32) {
	if err := args.ValidateGrads(gradOut, dweight, dbias); err != nil {
		panic(fmt.Sprintf("convsdf backward: %v", err))
	}
	start := time.Now()
	call := prepareConvSDF("convsdf backward", args)
	nk, ncells := args.Kernels, call.ncells
	total := args.Batch * args.N

	partials := make([][]float32, parallel.Chunks(total, cpu.parallel))
	parallel.ForChunk(total, func(chunk, lo, hi int) {
		dw := make([]float32, len(dweight))
		partials[chunk] = dw
		cache := sdf.NewCache(args.Instances)
		for r := lo; r < hi; r++ {
			b, i := r/args.N, r%args.N
			g := gradOut[r*nk : (r+1)*nk]
			for cell := 0; cell < ncells; cell++ {
				s := call.sample(cache, b, i, cell)
				if s == 0 {
					continue
				}
				for k := 0; k < nk; k++ {
					dw[k*ncells+cell] += g[k] * s
				}
			}
		}
	}, cpu.parallel)

	for _, dw := range partials {
		for k, v := range dw {
			dweight[k] += v
		}
	}

	if dbias != nil {
		for r := 0; r < total; r++ {
			for k := 0; k < nk; k++ {
				dbias[k] += gradOut[r*nk+k]
			}
		}
	}

	if op.Debug() {
		op.Logger().Debug("convsdf backward",
			"batch", args.Batch, "n", args.N, "instances", args.Instances, "kernels", nk,
			"elapsed", time.Since(start))
	}
}
