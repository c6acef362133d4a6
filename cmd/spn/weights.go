package main

import (
	"math"
	"math/rand"
)

// xavier fills n weights from U(-sqrt(6/(fanIn+fanOut)), sqrt(6/(fanIn+fanOut))).
func xavier(rng *rand.Rand, fanIn, fanOut, n int) []float32 {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	w := make([]float32, n)
	for i := range w {
		//nolint:gosec // Using math/rand for weight initialization (not security-critical)
		w[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return w
}

// sphereVolume samples the signed distance to a sphere of the given radius on
// voxels^dims voxels spanning [0, 4*radius) per axis, sphere centered in the
// volume. It returns the library buffers for a single volume.
func sphereVolume(dims, voxels int, radius float32) (data, offsets, shapes []float32) {
	edge := 4 * radius / float32(voxels)
	total := 1
	for d := 0; d < dims; d++ {
		total *= voxels
	}
	data = make([]float32, total)
	for v := range data {
		var r2 float64
		rem := v
		for d := 0; d < dims; d++ {
			c := (float64(rem%voxels)+0.5)*float64(edge) - 2*float64(radius)
			rem /= voxels
			r2 += c * c
		}
		data[v] = float32(math.Sqrt(r2)) - radius
	}

	shapes = make([]float32, 0, dims+1)
	for d := 0; d < dims; d++ {
		shapes = append(shapes, float32(voxels))
	}
	shapes = append(shapes, edge)
	return data, []float32{0}, shapes
}

// centeredSphere returns one instance per batch element placing the sphere
// volume so that the sphere is centered at the world origin.
func centeredSphere(batch, dims, poseLen int, radius float32) (idxs, poses, scales []float32) {
	idxs = make([]float32, batch)
	poses = make([]float32, batch*poseLen)
	scales = make([]float32, batch*dims)
	for b := 0; b < batch; b++ {
		pose := poses[b*poseLen : (b+1)*poseLen]
		for d := 0; d < dims; d++ {
			pose[d] = -2 * radius
			scales[b*dims+d] = 1
		}
		if poseLen == 7 {
			pose[6] = 1 // identity quaternion (x, y, z, w)
		}
	}
	return idxs, poses, scales
}

// poseLen returns the richest pose layout for dims.
func poseLen(dims int) int {
	switch dims {
	case 3:
		return 7
	case 2:
		return 3
	default:
		return dims
	}
}
