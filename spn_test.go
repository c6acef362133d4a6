// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package spn_test

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/spn"
	"github.com/born-ml/spn/backend/cpu"
)

func TestMaxCartesianDimension(t *testing.T) {
	assert.Equal(t, 3, spn.MaxCartesianDimension())
	assert.Equal(t, spn.MaxCartesianDim, spn.MaxCartesianDimension())
}

func TestStatus(t *testing.T) {
	err := spn.ConvSPForward(&spn.ConvSPArgs{Dims: 4, Kernels: 1}, nil)
	assert.ErrorIs(t, err, spn.ErrDims)
	assert.Equal(t, 0, spn.Status(err))
	assert.Equal(t, 1, spn.Status(nil))
}

// TestCollisionsFeedConvSP sorts a batch through the hash grid and checks that
// ConvSP over the resulting collision lists matches the dense scan, and that
// the reordered outputs are a permutation of the unsorted ones.
func TestCollisionsFeedConvSP(t *testing.T) {
	const (
		n        = 80
		dims     = 3
		channels = 2
		kernels  = 3
		edge     = 0.25
	)
	rng := rand.New(rand.NewSource(1))
	locs := make([]float32, n*dims)
	for i := range locs {
		locs[i] = rng.Float32()
	}
	data := make([]float32, n*channels)
	for i := range data {
		data[i] = 2*rng.Float32() - 1
	}

	conv := &spn.ConvSPArgs{
		Batch: 1, N: n, Dims: dims, Channels: channels, Kernels: kernels,
		Locs:       slices.Clone(locs),
		Data:       slices.Clone(data),
		Weight:     make([]float32, kernels*channels*27),
		Bias:       []float32{0.1, 0.2, 0.3},
		KernelSize: []float32{3, 3, 3},
		Dilation:   []float32{edge / 2, edge / 2, edge / 2},
		KernelFn:   spn.Multilinear,
		Radius:     edge,
	}
	for i := range conv.Weight {
		conv.Weight[i] = 2*rng.Float32() - 1
	}
	unsorted := make([]float32, n*kernels)
	require.NoError(t, spn.ConvSPForward(conv, unsorted))

	coll := &spn.CollisionArgs{
		Batch: 1, N: n, Dims: dims, Channels: channels,
		Locs:          locs,
		Data:          data,
		Low:           []float32{0, 0, 0},
		GridDims:      []int{4, 4, 4},
		NCells:        64,
		CellEdge:      edge,
		Radius:        edge,
		MaxCollisions: n,
		CellIDs:       make([]int32, n),
		Idxs:          make([]int32, n),
		CellStarts:    make([]int32, 64),
		CellEnds:      make([]int32, 64),
		Collisions:    make([]int32, n*n),
	}
	truncated, err := spn.ComputeCollisions(coll)
	require.NoError(t, err)
	assert.Zero(t, truncated)
	assert.True(t, slices.IsSorted(coll.CellIDs))

	sorted := *conv
	sorted.Locs, sorted.Data = coll.Locs, coll.Data
	sorted.Neighbors = spn.NeighborsList
	sorted.Collisions, sorted.MaxCollisions = coll.Collisions, n

	engine := spn.NewEngine(cpu.NewWithWorkers(4))
	viaLists := make([]float32, n*kernels)
	require.NoError(t, engine.ConvSPForward(&sorted, viaLists))

	sorted.Neighbors = spn.NeighborsDense
	dense := make([]float32, n*kernels)
	require.NoError(t, engine.ConvSPForward(&sorted, dense))
	assert.InDeltaSlice(t, dense, viaLists, 1e-5)

	for s, i := range coll.Idxs {
		assert.InDeltaSlice(t, unsorted[int(i)*kernels:(int(i)+1)*kernels], viaLists[s*kernels:(s+1)*kernels], 1e-4)
	}
}

func TestEngine_RejectsBeforeDispatch(t *testing.T) {
	engine := spn.NewEngine(cpu.NewWithWorkers(1))
	args := &spn.ConvSDFArgs{
		Batch: 1, N: 1, Dims: 3, Kernels: 1,
		Locs:        []float32{0, 0, 0},
		Weight:      []float32{1},
		Bias:        []float32{0},
		KernelSize:  []float32{1, 1, 1},
		Dilation:    []float32{1, 1, 1},
		MaxDistance: 1,
		PoseLen:     3,
		SDFShapes:   []float32{},
	}
	require.NoError(t, engine.ConvSDFForward(args, make([]float32, 1)))

	err := engine.ConvSDFForward(args, make([]float32, 2))
	var se *spn.ShapeError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "out", se.Buffer)

	err = engine.ConvSDFBackward(args, make([]float32, 1), make([]float32, 2), nil)
	assert.ErrorIs(t, err, spn.ErrShape)

	args.PoseLen = 5
	assert.ErrorIs(t, engine.ConvSDFForward(args, make([]float32, 1)), spn.ErrPoseLen)
}
