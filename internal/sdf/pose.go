package sdf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"

	"github.com/born-ml/spn/internal/kernel"
)

// Rotation encodings selected by pose length.
const (
	rotNone = iota
	rotQuat
	rotAngle
)

// PoseLayout validates a pose length for the given dimensionality.
//
// Supported layouts:
//   - dims values: translation only
//   - dims == 3, 7 values: translation followed by a quaternion (x, y, z, w)
//   - dims == 2, 3 values: translation followed by an angle in radians
func PoseLayout(dims, poseLen int) error {
	switch {
	case poseLen == dims:
	case dims == 3 && poseLen == 7:
	case dims == 2 && poseLen == 3:
	default:
		return fmt.Errorf("%w: %d values for %d dimensions", ErrPose, poseLen, dims)
	}
	return nil
}

// Instance is a library volume placed in the world.
type Instance struct {
	Volume int
	dims   int
	trans  [kernel.MaxDims]float32
	scale  [kernel.MaxDims]float32
	minS   float32

	rot int
	q   quat.Number // inverse rotation, unit length
	cos float32     // inverse 2-D rotation
	sin float32
}

// NewInstance decodes one instance from its pose and per-axis scale.
// The pose layout must have passed PoseLayout.
func NewInstance(volume, dims int, pose, scale []float32) Instance {
	in := Instance{Volume: volume, dims: dims, minS: float32(math.Inf(1))}
	for d := 0; d < dims; d++ {
		in.trans[d] = pose[d]
		in.scale[d] = scale[d]
		in.minS = min(in.minS, scale[d])
	}

	switch {
	case len(pose) == dims:
		in.rot = rotNone
	case dims == 3:
		in.rot = rotQuat
		q := quat.Number{
			Real: float64(pose[6]),
			Imag: float64(pose[3]),
			Jmag: float64(pose[4]),
			Kmag: float64(pose[5]),
		}
		if n := quat.Abs(q); n > 0 {
			q = quat.Scale(1/n, q)
		} else {
			q = quat.Number{Real: 1}
		}
		in.q = quat.Conj(q)
	default:
		in.rot = rotAngle
		theta := float64(pose[2])
		in.cos = float32(math.Cos(theta))
		in.sin = float32(-math.Sin(theta))
	}
	return in
}

// ToLocal maps world point p into the unscaled volume frame, writing dst.
func (in *Instance) ToLocal(p, dst []float32) {
	var rel [kernel.MaxDims]float32
	for d := 0; d < in.dims; d++ {
		rel[d] = p[d] - in.trans[d]
	}

	switch in.rot {
	case rotQuat:
		v := quat.Number{Imag: float64(rel[0]), Jmag: float64(rel[1]), Kmag: float64(rel[2])}
		r := quat.Mul(quat.Mul(in.q, v), quat.Conj(in.q))
		rel[0], rel[1], rel[2] = float32(r.Imag), float32(r.Jmag), float32(r.Kmag)
	case rotAngle:
		x, y := rel[0], rel[1]
		rel[0] = in.cos*x - in.sin*y
		rel[1] = in.sin*x + in.cos*y
	}

	for d := 0; d < in.dims; d++ {
		dst[d] = rel[d] / in.scale[d]
	}
}

// WorldScale converts a distance measured in the volume frame back to world
// units. Non-uniform scales use the smallest axis, which never overstates the
// distance to the surface.
func (in *Instance) WorldScale() float32 { return in.minS }
