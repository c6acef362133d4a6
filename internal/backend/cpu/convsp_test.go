package cpu

import (
	"bytes"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/spn/internal/kernel"
	"github.com/born-ml/spn/internal/op"
	"github.com/born-ml/spn/internal/parallel"
)

func uniform(rng *rand.Rand, n int, lo, hi float32) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = lo + (hi-lo)*rng.Float32()
	}
	return v
}

// randomConvSP builds a valid ConvSP call over a cube of side extent with a
// 3^dims kernel.
func randomConvSP(rng *rand.Rand, batch, n, dims, channels, kernels int, extent, radius float32) *op.ConvSPArgs {
	size := make([]float32, dims)
	dilation := make([]float32, dims)
	ncells := 1
	for d := range size {
		size[d] = 3
		dilation[d] = radius / 2
		ncells *= 3
	}
	return &op.ConvSPArgs{
		Batch:      batch,
		N:          n,
		Dims:       dims,
		Channels:   channels,
		Kernels:    kernels,
		Locs:       uniform(rng, batch*n*dims, 0, extent),
		Data:       uniform(rng, batch*n*channels, -1, 1),
		Weight:     uniform(rng, kernels*channels*ncells, -1, 1),
		Bias:       uniform(rng, kernels, -1, 1),
		KernelSize: size,
		Dilation:   dilation,
		KernelFn:   kernel.Multilinear,
		Radius:     radius,
	}
}

func forward(t *testing.T, be *CPUBackend, args *op.ConvSPArgs) []float32 {
	t.Helper()
	require.NoError(t, args.Validate())
	out := make([]float32, args.Batch*args.N*args.Kernels)
	be.ConvSP(args, out)
	return out
}

// bruteForceLists returns every particle within radius of each particle,
// including itself, in original index order.
func bruteForceLists(args *op.ConvSPArgs, radius float32) ([]int32, int) {
	n, dims := args.N, args.Dims
	maxc := n
	lists := make([]int32, args.Batch*n*maxc)
	for i := range lists {
		lists[i] = -1
	}
	for b := 0; b < args.Batch; b++ {
		for i := 0; i < n; i++ {
			count := 0
			for j := 0; j < n; j++ {
				if dist2(args.Locs[(b*n+j)*dims:(b*n+j+1)*dims], args.Locs[(b*n+i)*dims:(b*n+i+1)*dims]) <= radius*radius {
					lists[(b*n+i)*maxc+count] = int32(j)
					count++
				}
			}
		}
	}
	return lists, maxc
}

func TestConvSP_SinglePair(t *testing.T) {
	// 1-D, kernel of 3 cells at offsets -1, 0, +1.
	args := &op.ConvSPArgs{
		Batch: 1, N: 2, Dims: 1, Channels: 2, Kernels: 1,
		Locs: []float32{0, 1},
		Data: []float32{
			1, 2, // particle 0
			3, 4, // particle 1
		},
		// weight[0, c, cell]
		Weight: []float32{
			10, 20, 30, // channel 0
			40, 50, 60, // channel 1
		},
		Bias:       []float32{0.5},
		KernelSize: []float32{3},
		Dilation:   []float32{1},
		KernelFn:   kernel.Nearest,
		Radius:     1.5,
	}

	out := forward(t, New(), args)

	// Particle 0 sees particle 1 at +1 (cell 2): 0.5 + 30*3 + 60*4.
	// Particle 1 sees particle 0 at -1 (cell 0): 0.5 + 10*1 + 40*2.
	assert.InDeltaSlice(t, []float32{330.5, 90.5}, out, 1e-4)
}

func TestConvSP_ZeroNeighborsGiveBias(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	args := randomConvSP(rng, 2, 4, 3, 2, 3, 1, 0.1)
	// Spread the particles far beyond the radius.
	for i := range args.Locs {
		args.Locs[i] = float32(i) * 10
	}

	for _, src := range []op.Neighbors{op.NeighborsGrid, op.NeighborsDense} {
		args.Neighbors = src
		out := forward(t, New(), args)
		for r := 0; r < args.Batch*args.N; r++ {
			assert.Equal(t, args.Bias, out[r*args.Kernels:(r+1)*args.Kernels], "source %v row %d", src, r)
		}
	}
}

func TestConvSP_NeighborSourcesAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for _, fn := range []kernel.Fn{kernel.Nearest, kernel.Multilinear} {
		for _, dims := range []int{1, 2, 3} {
			args := randomConvSP(rng, 2, 60, dims, 3, 2, 2, 0.45)
			args.KernelFn = fn

			args.Neighbors = op.NeighborsDense
			dense := forward(t, New(), args)

			args.Neighbors = op.NeighborsGrid
			viaGrid := forward(t, New(), args)
			assert.InDeltaSlice(t, dense, viaGrid, 1e-4, "%v dims=%d", fn, dims)

			// Lists built for a larger radius are filtered down to the exact one.
			args.Collisions, args.MaxCollisions = bruteForceLists(args, 0.9)
			args.Neighbors = op.NeighborsList
			viaList := forward(t, New(), args)
			assert.InDeltaSlice(t, dense, viaList, 1e-4, "%v dims=%d", fn, dims)
		}
	}
}

func TestConvSP_GridFallsBackToDense(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	args := randomConvSP(rng, 1, 30, 3, 2, 2, 1, 0.3)
	want := forward(t, New(), args)

	be := New()
	be.SetMaxGridCells(1)
	assert.InDeltaSlice(t, want, forward(t, be, args), 1e-4)
}

func TestConvSP_TinyRadiusFallsBackToDense(t *testing.T) {
	for _, radius := range []float32{1e-7, 2e-7, 3e-7} {
		rng := rand.New(rand.NewSource(8))
		args := randomConvSP(rng, 1, 8, 3, 2, 2, 1, radius)
		require.NoError(t, args.Validate())
		out := make([]float32, args.N*args.Kernels)
		require.NotPanics(t, func() { New().ConvSP(args, out) }, "radius %v", radius)

		dense := *args
		dense.Neighbors = op.NeighborsDense
		assert.Equal(t, forward(t, New(), &dense), out, "radius %v", radius)
	}
}

func TestConvSP_DebugRecordFollowsLevel(t *testing.T) {
	t.Cleanup(func() { op.SetLogger(nil) })
	rng := rand.New(rand.NewSource(9))
	args := randomConvSP(rng, 1, 10, 2, 1, 1, 1, 0.3)

	var buf bytes.Buffer
	op.SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	forward(t, New(), args)
	assert.Empty(t, buf.String())

	op.SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	forward(t, New(), args)
	assert.Contains(t, buf.String(), "msg=\"convsp: grid built\"")
	assert.Contains(t, buf.String(), "msg=convsp batch=1 n=10")
	assert.Contains(t, buf.String(), "neighbors=grid")
}

func TestConvSP_PermutationInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	args := randomConvSP(rng, 1, 25, 3, 2, 3, 1, 0.4)
	out := forward(t, New(), args)

	perm := rng.Perm(args.N)
	permuted := *args
	permuted.Locs = make([]float32, len(args.Locs))
	permuted.Data = make([]float32, len(args.Data))
	for dst, src := range perm {
		copy(permuted.Locs[dst*3:(dst+1)*3], args.Locs[src*3:(src+1)*3])
		copy(permuted.Data[dst*2:(dst+1)*2], args.Data[src*2:(src+1)*2])
	}
	got := forward(t, New(), &permuted)

	for dst, src := range perm {
		assert.InDeltaSlice(t, out[src*3:(src+1)*3], got[dst*3:(dst+1)*3], 1e-4, "particle %d", src)
	}
}

func TestConvSP_TranslationCovariance(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	args := randomConvSP(rng, 2, 20, 3, 2, 2, 1, 0.5)
	args.Neighbors = op.NeighborsDense
	out := forward(t, New(), args)

	shifted := *args
	shifted.Locs = make([]float32, len(args.Locs))
	shift := []float32{0.25, -0.5, 1.75}
	for i, v := range args.Locs {
		shifted.Locs[i] = v + shift[i%3]
	}
	assert.InDeltaSlice(t, out, forward(t, New(), &shifted), 1e-3)
}

func TestConvSP_DisNormSkipsCoincidentParticles(t *testing.T) {
	args := &op.ConvSPArgs{
		Batch: 1, N: 2, Dims: 2, Channels: 1, Kernels: 1,
		Locs:       []float32{0.5, 0.5, 0.5, 0.5},
		Data:       []float32{1, 1},
		Weight:     []float32{1, 1, 1, 1, 1, 1, 1, 1, 1},
		Bias:       []float32{0},
		KernelSize: []float32{3, 3},
		Dilation:   []float32{1, 1},
		KernelFn:   kernel.Multilinear,
		Radius:     1,
		Neighbors:  op.NeighborsDense,
	}

	// Without normalization the zero offset lands on the center cell.
	assert.Equal(t, []float32{1, 1}, forward(t, New(), args))

	args.DisNorm = true
	assert.Equal(t, []float32{0, 0}, forward(t, New(), args))
}

func TestConvSP_DisNormUsesDirection(t *testing.T) {
	args := &op.ConvSPArgs{
		Batch: 1, N: 2, Dims: 1, Channels: 1, Kernels: 1,
		Locs:       []float32{0, 0.3},
		Data:       []float32{1, 1},
		Weight:     []float32{1, 10, 100},
		Bias:       []float32{0},
		KernelSize: []float32{3},
		Dilation:   []float32{1},
		KernelFn:   kernel.Nearest,
		Radius:     1,
		DisNorm:    true,
	}

	// The offsets ±0.3 normalize to ±1, the outer cells.
	assert.Equal(t, []float32{100, 1}, forward(t, New(), args))
}

// convSPLoss returns Σ g · ConvSP(args) in float64.
func convSPLoss(t *testing.T, be *CPUBackend, args *op.ConvSPArgs, g []float32) float64 {
	t.Helper()
	out := forward(t, be, args)
	var l float64
	for i, v := range out {
		l += float64(v) * float64(g[i])
	}
	return l
}

func numericGrad(t *testing.T, be *CPUBackend, args *op.ConvSPArgs, g, param []float32) []float64 {
	t.Helper()
	const eps = 0.1
	grad := make([]float64, len(param))
	for i := range param {
		orig := param[i]
		param[i] = orig + eps
		lp := convSPLoss(t, be, args, g)
		param[i] = orig - eps
		lm := convSPLoss(t, be, args, g)
		param[i] = orig
		grad[i] = (lp - lm) / (2 * eps)
	}
	return grad
}

func TestConvSPBackward_GradientCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	for _, disNorm := range []bool{false, true} {
		args := randomConvSP(rng, 2, 5, 3, 2, 3, 1, 2)
		args.DisNorm = disNorm
		if disNorm {
			args.Dilation = []float32{0.6, 0.6, 0.6}
		}
		be := New()
		g := uniform(rng, args.Batch*args.N*args.Kernels, -1, 1)

		ddata := make([]float32, len(args.Data))
		dweight := make([]float32, len(args.Weight))
		dbias := make([]float32, len(args.Bias))
		require.NoError(t, args.ValidateGrads(g, ddata, dweight, dbias))
		be.ConvSPBackward(args, g, ddata, dweight, dbias)

		for i, want := range numericGrad(t, be, args, g, args.Data) {
			assert.InDelta(t, want, ddata[i], 1e-3, "ddata[%d] dis_norm=%v", i, disNorm)
		}
		for i, want := range numericGrad(t, be, args, g, args.Weight) {
			assert.InDelta(t, want, dweight[i], 1e-3, "dweight[%d] dis_norm=%v", i, disNorm)
		}
		for i, want := range numericGrad(t, be, args, g, args.Bias) {
			assert.InDelta(t, want, dbias[i], 1e-3, "dbias[%d] dis_norm=%v", i, disNorm)
		}
	}
}

func TestConvSPBackward_Accumulates(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	args := randomConvSP(rng, 2, 10, 2, 2, 2, 1, 0.5)
	g := uniform(rng, args.Batch*args.N*args.Kernels, -1, 1)
	be := New()

	once := make([]float32, len(args.Weight))
	onceData := make([]float32, len(args.Data))
	be.ConvSPBackward(args, g, onceData, once, nil)

	twice := make([]float32, len(args.Weight))
	twiceData := make([]float32, len(args.Data))
	be.ConvSPBackward(args, g, twiceData, twice, nil)
	be.ConvSPBackward(args, g, twiceData, twice, nil)

	for i := range once {
		assert.InDelta(t, 2*once[i], twice[i], 1e-4)
	}
	for i := range onceData {
		assert.InDelta(t, 2*onceData[i], twiceData[i], 1e-4)
	}
}

func TestConvSPBackward_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	args := randomConvSP(rng, 4, 30, 3, 3, 2, 1, 0.4)
	g := uniform(rng, args.Batch*args.N*args.Kernels, -1, 1)

	run := func(be *CPUBackend) ([]float32, []float32) {
		ddata := make([]float32, len(args.Data))
		dweight := make([]float32, len(args.Weight))
		be.ConvSPBackward(args, g, ddata, dweight, nil)
		return ddata, dweight
	}

	seqData, seqWeight := run(NewWithConfig(parallel.Sequential()))
	cfg := parallel.DefaultConfig()
	cfg.Enabled, cfg.NumWorkers, cfg.MinChunkSize = true, 4, 1
	parData, parWeight := run(NewWithConfig(cfg))

	assert.Equal(t, seqData, parData)
	assert.Equal(t, seqWeight, parWeight)
}

func TestConvSP_PanicsOnShortOutput(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	args := randomConvSP(rng, 1, 3, 2, 1, 1, 1, 0.5)
	assert.Panics(t, func() {
		New().ConvSP(args, make([]float32, 2))
	})
}

func BenchmarkConvSP(b *testing.B) {
	rng := rand.New(rand.NewSource(10))
	for _, src := range []op.Neighbors{op.NeighborsGrid, op.NeighborsDense} {
		args := randomConvSP(rng, 4, 2048, 3, 8, 16, 4, 0.25)
		args.Neighbors = src
		out := make([]float32, args.Batch*args.N*args.Kernels)
		be := New()
		b.Run(src.String(), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				be.ConvSP(args, out)
			}
		})
	}
}
