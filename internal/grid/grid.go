// Package grid implements the uniform spatial-hash broad-phase.
//
// Particles of each batch element are bucketed into a D-dimensional grid of
// cubic cells, ordered by cell ID, and indexed by a CSR-style range table
// (cellStart/cellEnd) so that every particle's neighbors within a radius can
// be found by visiting its own cell and the adjacent ones.
//
// Build is the non-mutating entry point: it never writes the caller's
// buffers and returns an Index that owns the sorted state. SortInPlace
// reproduces the classic mutating contract where locations and features are
// permuted in the caller's buffers.
package grid

import (
	"errors"
	"fmt"
	"math"

	"github.com/born-ml/spn/internal/kernel"
)

// EmptyCell marks cellStart/cellEnd entries of cells no particle hashed to.
const EmptyCell = -1

// NoCollision pads unused collision list slots.
const NoCollision = -1

// MaxCells bounds the cells of one batch element's grid so that cell IDs fit
// in the int32 range table.
const MaxCells = 1 << 30

// Errors returned by Build and Config.Validate.
var (
	ErrConfig      = errors.New("grid: invalid configuration")
	ErrOutsideGrid = errors.New("grid: particle outside grid bounds")
)

// Config describes the grid laid over a batch of particles.
type Config struct {
	Batch int // Number of batch elements.
	N     int // Particles per batch element.
	Dims  int // Location dimensionality.

	Low      []float32 // Lower grid corner, batch x Dims.
	GridDims []int     // Cells per axis, batch x Dims.
	NCells   int       // Size of the per-batch range table (>= Π GridDims).

	CellEdge      float32 // Edge length of a grid cell.
	Radius        float32 // Neighbor search radius, at most CellEdge.
	MaxCollisions int     // Capacity of each particle's collision list.
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Batch < 0 || c.N < 0 {
		return fmt.Errorf("%w: batch=%d n=%d", ErrConfig, c.Batch, c.N)
	}
	if c.Dims < 1 || c.Dims > kernel.MaxDims {
		return fmt.Errorf("%w: dims=%d not in [1, %d]", ErrConfig, c.Dims, kernel.MaxDims)
	}
	if !(c.CellEdge > 0) {
		return fmt.Errorf("%w: cell edge %v must be > 0", ErrConfig, c.CellEdge)
	}
	if c.Radius < 0 {
		return fmt.Errorf("%w: radius %v must be >= 0", ErrConfig, c.Radius)
	}
	if c.MaxCollisions < 0 {
		return fmt.Errorf("%w: max collisions %d must be >= 0", ErrConfig, c.MaxCollisions)
	}
	if len(c.Low) != c.Batch*c.Dims {
		return fmt.Errorf("%w: low has %d values, want %d", ErrConfig, len(c.Low), c.Batch*c.Dims)
	}
	if len(c.GridDims) != c.Batch*c.Dims {
		return fmt.Errorf("%w: grid dims has %d values, want %d", ErrConfig, len(c.GridDims), c.Batch*c.Dims)
	}
	if c.NCells > MaxCells {
		return fmt.Errorf("%w: %d cells exceed %d", ErrConfig, c.NCells, MaxCells)
	}
	for b := 0; b < c.Batch; b++ {
		cells := 1
		for d := 0; d < c.Dims; d++ {
			gd := c.GridDims[b*c.Dims+d]
			if gd < 1 {
				return fmt.Errorf("%w: grid dims[%d][%d] = %d must be >= 1", ErrConfig, b, d, gd)
			}
			cells = mulCells(cells, gd)
		}
		if cells > c.NCells {
			return fmt.Errorf("%w: batch %d needs %d cells, table holds %d", ErrConfig, b, cells, c.NCells)
		}
	}
	return nil
}

// Bounds derives per-batch lower corners and cell counts that enclose every
// particle for a grid with the given cell edge. It returns low (batch x dims),
// gridDims (batch x dims) and the largest per-batch cell count. A batch
// element needing more than MaxCells cells, or a location that is not finite,
// yields ErrConfig.
func Bounds(locs []float32, batch, n, dims int, cellEdge float32) ([]float32, []int, int, error) {
	low := make([]float32, batch*dims)
	gridDims := make([]int, batch*dims)
	ncells := 1
	for b := 0; b < batch; b++ {
		cells := 1
		for d := 0; d < dims; d++ {
			lo := float32(math.Inf(1))
			hi := float32(math.Inf(-1))
			for i := 0; i < n; i++ {
				v := locs[(b*n+i)*dims+d]
				lo = min(lo, v)
				hi = max(hi, v)
			}
			gd := 1
			if n == 0 {
				lo = 0
			} else {
				span := math.Floor(float64((hi-lo)/cellEdge)) + 1
				if !(span <= MaxCells) {
					return nil, nil, 0, fmt.Errorf("%w: batch %d axis %d spans [%v, %v] with cell edge %v",
						ErrConfig, b, d, lo, hi, cellEdge)
				}
				gd = int(span)
			}
			low[b*dims+d] = lo
			gridDims[b*dims+d] = gd
			cells = mulCells(cells, gd)
		}
		if cells > MaxCells {
			return nil, nil, 0, fmt.Errorf("%w: batch %d needs more than %d cells", ErrConfig, b, MaxCells)
		}
		ncells = max(ncells, cells)
	}
	return low, gridDims, ncells, nil
}

// mulCells multiplies two cell counts, saturating just above MaxCells.
func mulCells(a, b int) int {
	if a > (MaxCells+1)/b {
		return MaxCells + 1
	}
	return min(a*b, MaxCells+1)
}

// strides returns the row-major (axis 0 fastest) strides for one batch element.
func (c *Config) strides(b int) [kernel.MaxDims]int {
	var s [kernel.MaxDims]int
	acc := 1
	for d := 0; d < c.Dims; d++ {
		s[d] = acc
		acc *= c.GridDims[b*c.Dims+d]
	}
	return s
}

// coord returns the grid coordinate of a location component.
func (c *Config) coord(v float32, b, d int) int {
	return int(math.Floor(float64((v - c.Low[b*c.Dims+d]) / c.CellEdge)))
}

// cellID hashes one location to its flat cell ID, reporting whether the
// location lies inside the grid.
func (c *Config) cellID(loc []float32, b int, strides [kernel.MaxDims]int) (int, bool) {
	id := 0
	for d := 0; d < c.Dims; d++ {
		g := c.coord(loc[d], b, d)
		if g < 0 || g >= c.GridDims[b*c.Dims+d] {
			return id, false
		}
		id += g * strides[d]
	}
	return id, true
}
