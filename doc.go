// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package spn provides smooth particle convolutions: differentiable,
// translation-covariant and permutation-invariant operators over unordered
// point sets.
//
// # Overview
//
// The package exposes three operators on raw []float32 buffers:
//   - ConvSP convolves each particle's neighborhood of particles
//   - ConvSDF convolves each particle's surroundings against signed distance
//     fields placed in the scene by rigid, scaled poses
//   - ComputeCollisions buckets particles into a uniform spatial hash grid
//     and lists every particle's neighbors
//
// ConvSP and ConvSDF have backward passes that accumulate into caller-owned
// gradient buffers. Locations receive no gradient.
//
// # Basic Usage
//
//	args := &spn.ConvSPArgs{
//	    Batch: 1, N: n, Dims: 3, Channels: c, Kernels: k,
//	    Locs: locs, Data: data, Weight: weight, Bias: bias,
//	    KernelSize: []float32{5, 5, 5},
//	    Dilation:   []float32{0.05, 0.05, 0.05},
//	    KernelFn:   spn.Multilinear,
//	    Radius:     0.1,
//	}
//	out := make([]float32, n*k)
//	if err := spn.ConvSPForward(args, out); err != nil {
//	    return err
//	}
//
// # Buffer Layouts
//
// Every buffer is contiguous and row-major. Locations are [batch, N, dims],
// features are [batch, N, channels], ConvSP weights are
// [kernels, channels, cells] and ConvSDF weights are [kernels, cells], where
// the cells of a kernel are flattened with axis 0 fastest.
//
// # Logging
//
// Operators are silent by default. SetLogger installs a *slog.Logger that
// receives one debug record per call.
package spn
