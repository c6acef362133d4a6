package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/spn/internal/op"
)

func collisionArgs(locs, data []float32, maxc int) *op.CollisionArgs {
	n := len(locs) / 2
	return &op.CollisionArgs{
		Batch:         1,
		N:             n,
		Dims:          2,
		Channels:      len(data) / n,
		Locs:          locs,
		Data:          data,
		Low:           []float32{0, 0},
		GridDims:      []int{4, 4},
		NCells:        16,
		CellEdge:      1,
		Radius:        1,
		MaxCollisions: maxc,
		CellIDs:       make([]int32, n),
		Idxs:          make([]int32, n),
		CellStarts:    make([]int32, 16),
		CellEnds:      make([]int32, 16),
		Collisions:    make([]int32, n*maxc),
	}
}

func TestComputeCollisions(t *testing.T) {
	locs := []float32{
		3.5, 3.5, // cell 15
		0.5, 0.5, // cell 0
		1.2, 0.5, // cell 1
	}
	data := []float32{30, 0, 10}
	args := collisionArgs(locs, data, 3)
	require.NoError(t, args.Validate())

	truncated, err := New().ComputeCollisions(args)
	require.NoError(t, err)
	assert.Zero(t, truncated)

	assert.Equal(t, []float32{0.5, 0.5, 1.2, 0.5, 3.5, 3.5}, args.Locs)
	assert.Equal(t, []float32{0, 10, 30}, args.Data)
	assert.Equal(t, []int32{0, 1, 15}, args.CellIDs)
	assert.Equal(t, []int32{1, 2, 0}, args.Idxs)
	assert.Equal(t, []int32{0, 1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, 2}, args.CellStarts)
	assert.Equal(t, []int32{1, 2, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, 3}, args.CellEnds)
	assert.Equal(t, []int32{
		0, 1, -1,
		0, 1, -1,
		2, -1, -1,
	}, args.Collisions)
}

func TestComputeCollisions_Truncates(t *testing.T) {
	locs := []float32{0.1, 0.1, 0.2, 0.2, 0.3, 0.3}
	args := collisionArgs(locs, []float32{1, 2, 3}, 2)

	truncated, err := New().ComputeCollisions(args)
	require.NoError(t, err)
	assert.Equal(t, 3, truncated)
	assert.Equal(t, []int32{0, 1, 0, 1, 0, 1}, args.Collisions)
}

func TestComputeCollisions_OutsideGrid(t *testing.T) {
	locs := []float32{0.5, 0.5, 9, 0.5}
	args := collisionArgs(locs, []float32{1, 2}, 2)

	_, err := New().ComputeCollisions(args)
	assert.ErrorIs(t, err, op.ErrOutsideGrid)
	assert.Equal(t, []float32{0.5, 0.5, 9, 0.5}, args.Locs, "buffers untouched on error")
}
