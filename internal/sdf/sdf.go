// Package sdf samples signed-distance volumes placed in a scene by rigid,
// scaled poses.
//
// A library holds any number of voxel volumes in one flat buffer. Volume s
// starts at Offsets[s] and stores Shape[s] samples in row-major order with
// axis 0 fastest. Voxel v is sampled at local position (v + 0.5) * Edge[s]
// measured from the volume's lower corner.
package sdf

import (
	"errors"
	"fmt"
	"math"

	"github.com/born-ml/spn/internal/kernel"
)

// Errors reported while assembling a library.
var (
	ErrLibrary = errors.New("sdf: invalid library")
	ErrPose    = errors.New("sdf: unsupported pose length")
)

// Volume describes one voxel grid of a library.
type Volume struct {
	Offset int
	Shape  [kernel.MaxDims]int
	Stride [kernel.MaxDims]int
	Edge   float32
}

// Library is a set of SDF volumes sharing one data buffer.
type Library struct {
	Dims    int
	Data    []float32
	Volumes []Volume
}

// NewLibrary decodes the flat library description used at the operator
// boundary: offsets holds one element offset per volume and shapes holds
// dims+1 values per volume, the voxel counts followed by the voxel edge.
func NewLibrary(dims int, data, offsets, shapes []float32) (*Library, error) {
	if dims < 1 || dims > kernel.MaxDims {
		return nil, fmt.Errorf("%w: dims=%d", ErrLibrary, dims)
	}
	if len(shapes) != len(offsets)*(dims+1) {
		return nil, fmt.Errorf("%w: %d shape values for %d volumes, want %d",
			ErrLibrary, len(shapes), len(offsets), len(offsets)*(dims+1))
	}

	lib := &Library{Dims: dims, Data: data, Volumes: make([]Volume, len(offsets))}
	for s := range offsets {
		v := &lib.Volumes[s]
		v.Offset = int(offsets[s])
		row := shapes[s*(dims+1) : (s+1)*(dims+1)]
		size := 1
		for d := 0; d < dims; d++ {
			v.Shape[d] = int(row[d])
			if v.Shape[d] < 1 {
				return nil, fmt.Errorf("%w: volume %d axis %d has %d voxels", ErrLibrary, s, d, v.Shape[d])
			}
			v.Stride[d] = size
			size *= v.Shape[d]
		}
		v.Edge = row[dims]
		if !(v.Edge > 0) {
			return nil, fmt.Errorf("%w: volume %d voxel edge %v", ErrLibrary, s, v.Edge)
		}
		if v.Offset < 0 || v.Offset+size > len(data) {
			return nil, fmt.Errorf("%w: volume %d spans [%d, %d) of %d values",
				ErrLibrary, s, v.Offset, v.Offset+size, len(data))
		}
	}
	return lib, nil
}

// Outside is the voxel reported for points outside a volume.
const Outside = -1

// Sample interpolates volume s at local position p (volume frame, unscaled).
// It returns the flat index of the base voxel of the interpolation cell, or
// Outside when p is beyond the outermost voxel centers on any axis.
func (lib *Library) Sample(s int, p []float32) (int, float32) {
	v := &lib.Volumes[s]
	dims := lib.Dims

	var (
		lo   [kernel.MaxDims]int
		frac [kernel.MaxDims]float32
	)
	base := 0
	for d := 0; d < dims; d++ {
		c := p[d]/v.Edge - 0.5
		if c < 0 || c > float32(v.Shape[d]-1) {
			return Outside, 0
		}
		f := math.Floor(float64(c))
		lo[d] = min(int(f), v.Shape[d]-1)
		frac[d] = c - float32(lo[d])
		base += lo[d] * v.Stride[d]
	}

	var dist float32
	for corner := 0; corner < 1<<dims; corner++ {
		w := float32(1)
		k := base
		for d := 0; d < dims; d++ {
			if corner&(1<<d) == 0 {
				w *= 1 - frac[d]
				continue
			}
			w *= frac[d]
			if lo[d]+1 < v.Shape[d] {
				k += v.Stride[d]
			}
		}
		if w == 0 {
			continue
		}
		dist += w * lib.Data[v.Offset+k]
	}
	return base, dist
}
