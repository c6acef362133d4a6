package cpu

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/spn/internal/kernel"
	"github.com/born-ml/spn/internal/op"
	"github.com/born-ml/spn/internal/parallel"
)

// ConvSPBackward accumulates the gradients of ConvSP with respect to the
// particle features, the weights and, when dbias is non-nil, the bias.
//
//	ddata[b,j,c]       += Σ_i Σ_k g[b,i,k] · w · weight[k,c,cell]
//	dweight[k,c,cell]  += Σ_b Σ_i Σ_j g[b,i,k] · w · data[b,j,c]
//	dbias[k]           += Σ_b Σ_i g[b,i,k]
//
// Locations receive no gradient. Batch elements run in parallel: each writes
// its own ddata rows and a private weight partial, and the partials are added
// into dweight in batch order afterwards so results do not depend on
// scheduling.
func (cpu *CPUBackend) ConvSPBackward(args *op.ConvSPArgs, gradOut, ddata, dweight, dbias []float32) {
	if err := args.ValidateGrads(gradOut, ddata, dweight, dbias); err != nil {
		panic(fmt.Sprintf("convsp backward: %v", err))
	}
	start := time.Now()
	call := cpu.prepareConvSP("convsp backward", args)
	n, nk := args.N, args.Kernels

	partials := make([][]float32, args.Batch)
	cfg := cpu.parallel
	cfg.MinChunkSize = 1
	parallel.For(args.Batch, func(b int) {
		dw := make([]float32, len(dweight))
		partials[b] = dw

		var (
			o    [kernel.MaxDims]float32
			bins kernel.Bins
		)
		for i := 0; i < n; i++ {
			g := gradOut[(b*n+i)*nk : (b*n+i+1)*nk]
			call.neighbors(b, i, func(j int) {
				if !call.offset(b, i, j, o[:]) {
					return
				}
				call.binner.Bin(o[:args.Dims], &bins)
				x := call.row(args.Data, b, j)
				dx := call.row(ddata, b, j)
				for t := 0; t < bins.N; t++ {
					w, cell := bins.Weight[t], bins.Cell[t]
					for k := 0; k < nk; k++ {
						gw := g[k] * w
						if gw == 0 {
							continue
						}
						blas32.Axpy(gw, call.weights(args.Weight, k, cell), dx)
						blas32.Axpy(gw, x, call.weights(dw, k, cell))
					}
				}
			})
		}
	}, cfg)

	for _, dw := range partials {
		for k, v := range dw {
			dweight[k] += v
		}
	}

	if dbias != nil {
		for r := 0; r < args.Batch*n; r++ {
			for k := 0; k < nk; k++ {
				dbias[k] += gradOut[r*nk+k]
			}
		}
	}

	if op.Debug() {
		op.Logger().Debug("convsp backward",
			"batch", args.Batch, "n", n, "channels", args.Channels, "kernels", nk,
			"neighbors", call.source.String(), "elapsed", time.Since(start))
	}
}
