// Package kernel maps continuous particle offsets onto the discrete cells of a
// convolution kernel's receptive field.
//
// A kernel with kernel_size s[d] and dilation h[d] per axis has Π s[d] cells.
// Cell (i_0, ..., i_{D-1}) is centered at offset
//
//	c[d] = (i_d - (s[d]-1)/2) * h[d]
//
// relative to the particle the kernel is placed on. Cells are flattened
// row-major with axis 0 fastest, the same layout the spatial hash grid uses
// for grid cells.
package kernel

import (
	"fmt"
	"math"
)

// MaxDims is the largest supported location dimensionality.
const MaxDims = 3

// MaxBins is the largest number of cells a single offset can spread over
// (2^MaxDims corners for multilinear binning).
const MaxBins = 1 << MaxDims

// MinNormDistance is the smallest offset length that can be normalized when
// distance normalization is on. Shorter offsets are treated as non-interacting.
const MinNormDistance = 1e-7

// Fn selects how a continuous offset is distributed over kernel cells.
type Fn int

// Binning functions.
const (
	// Nearest assigns the whole offset to the closest cell center.
	Nearest Fn = iota
	// Multilinear spreads the offset over the 2^D surrounding cell centers.
	Multilinear
)

// String returns a human-readable binning function name.
func (f Fn) String() string {
	switch f {
	case Nearest:
		return "nearest"
	case Multilinear:
		return "multilinear"
	default:
		return fmt.Sprintf("Fn(%d)", int(f))
	}
}

// ParseFn parses the names produced by Fn.String.
func ParseFn(s string) (Fn, error) {
	switch s {
	case "nearest":
		return Nearest, nil
	case "multilinear":
		return Multilinear, nil
	default:
		return 0, fmt.Errorf("kernel: unknown binning function %q", s)
	}
}

// Geometry describes a kernel's receptive field.
type Geometry struct {
	size     [MaxDims]int
	center   [MaxDims]float32 // (size-1)/2
	dilation [MaxDims]float32
	stride   [MaxDims]int
	dims     int
	ncells   int
}

// NewGeometry builds a geometry from per-axis bin counts and spacings.
// Bin counts arrive as floats because host frameworks store them in float
// tensors; they are truncated to integers.
func NewGeometry(size, dilation []float32) (Geometry, error) {
	var g Geometry
	if len(size) == 0 || len(size) > MaxDims {
		return g, fmt.Errorf("kernel: %d dimensions not in [1, %d]", len(size), MaxDims)
	}
	if len(dilation) != len(size) {
		return g, fmt.Errorf("kernel: dilation has %d axes, kernel_size has %d", len(dilation), len(size))
	}

	g.dims = len(size)
	g.ncells = 1
	for d := range size {
		s := int(size[d])
		if s < 1 {
			return g, fmt.Errorf("kernel: kernel_size[%d] = %v must be >= 1", d, size[d])
		}
		if !(dilation[d] > 0) {
			return g, fmt.Errorf("kernel: dilation[%d] = %v must be > 0", d, dilation[d])
		}
		g.size[d] = s
		g.center[d] = float32(s-1) / 2
		g.dilation[d] = dilation[d]
		g.stride[d] = g.ncells
		g.ncells *= s
	}
	return g, nil
}

// Dims returns the dimensionality of the kernel.
func (g Geometry) Dims() int { return g.dims }

// NumCells returns the number of kernel cells.
func (g Geometry) NumCells() int { return g.ncells }

// CellOffset writes the center offset of cell into dst[:Dims()].
func (g Geometry) CellOffset(cell int, dst []float32) {
	for d := 0; d < g.dims; d++ {
		i := (cell / g.stride[d]) % g.size[d]
		dst[d] = (float32(i) - g.center[d]) * g.dilation[d]
	}
}

// coord converts an offset component into continuous cell coordinates.
func (g Geometry) coord(o float32, d int) float32 {
	return o/g.dilation[d] + g.center[d]
}

// Bins holds the cells an offset falls into and the weight of each.
type Bins struct {
	N      int
	Cell   [MaxBins]int
	Weight [MaxBins]float32
}

// Binner distributes an offset over kernel cells. Implementations are chosen
// once per operator call by NewBinner.
type Binner interface {
	Bin(offset []float32, out *Bins)
}

// NewBinner returns the binner for fn over geometry g.
func NewBinner(fn Fn, g Geometry) (Binner, error) {
	switch fn {
	case Nearest:
		return nearest{g}, nil
	case Multilinear:
		return multilinear{g}, nil
	default:
		return nil, fmt.Errorf("kernel: unsupported binning function %v", fn)
	}
}

type nearest struct{ g Geometry }

func (b nearest) Bin(offset []float32, out *Bins) {
	out.N = 0
	cell := 0
	for d := 0; d < b.g.dims; d++ {
		i := int(math.Floor(float64(b.g.coord(offset[d], d)) + 0.5))
		if i < 0 || i >= b.g.size[d] {
			return
		}
		cell += i * b.g.stride[d]
	}
	out.Cell[0] = cell
	out.Weight[0] = 1
	out.N = 1
}

type multilinear struct{ g Geometry }

func (b multilinear) Bin(offset []float32, out *Bins) {
	out.N = 0
	var (
		lo   [MaxDims]int
		frac [MaxDims]float32
	)
	dims := b.g.dims
	for d := 0; d < dims; d++ {
		c := b.g.coord(offset[d], d)
		f := float32(math.Floor(float64(c)))
		lo[d] = int(f)
		frac[d] = c - f
		// Entirely outside the receptive field on this axis.
		if lo[d] < -1 || lo[d] >= b.g.size[d] {
			return
		}
	}

	for corner := 0; corner < 1<<dims; corner++ {
		cell := 0
		w := float32(1)
		ok := true
		for d := 0; d < dims; d++ {
			i := lo[d]
			if corner&(1<<d) != 0 {
				i++
				w *= frac[d]
			} else {
				w *= 1 - frac[d]
			}
			if i < 0 || i >= b.g.size[d] {
				ok = false
				break
			}
			cell += i * b.g.stride[d]
		}
		if !ok || w == 0 {
			continue
		}
		out.Cell[out.N] = cell
		out.Weight[out.N] = w
		out.N++
	}
}
