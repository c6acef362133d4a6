// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package spn

import (
	"log/slog"
	"sync"

	"github.com/born-ml/spn/internal/backend/cpu"
	"github.com/born-ml/spn/internal/kernel"
	"github.com/born-ml/spn/internal/op"
	"github.com/born-ml/spn/internal/sdf"
)

// MaxCartesianDim is the largest location dimensionality the operators accept.
const MaxCartesianDim = op.MaxCartesianDim

// MaxCartesianDimension reports MaxCartesianDim to hosts that query it at
// runtime.
func MaxCartesianDimension() int {
	return MaxCartesianDim
}

// Backend computes the operators. See backend/cpu for the default
// implementation.
type Backend = op.Backend

// Argument descriptions. Validate checks every buffer against the declared
// shapes.
type (
	ConvSPArgs    = op.ConvSPArgs
	ConvSDFArgs   = op.ConvSDFArgs
	CollisionArgs = op.CollisionArgs
)

// ShapeError reports a buffer whose length disagrees with its declared shape.
type ShapeError = op.ShapeError

// KernelFn selects how a neighbor offset is distributed over kernel cells.
type KernelFn = kernel.Fn

// Binning functions.
const (
	Nearest     = kernel.Nearest
	Multilinear = kernel.Multilinear
)

// Neighbors selects where ConvSP finds interacting particles.
type Neighbors = op.Neighbors

// Neighbor sources.
const (
	NeighborsGrid  = op.NeighborsGrid
	NeighborsDense = op.NeighborsDense
	NeighborsList  = op.NeighborsList
)

// Reduce selects how ConvSDF combines the distances of several instances.
type Reduce = sdf.Reduce

// Reductions.
const (
	ReduceSum = sdf.Sum
	ReduceMin = sdf.Min
)

// Errors wrapped by every validation failure.
var (
	ErrShape       = op.ErrShape
	ErrDims        = op.ErrDims
	ErrRadius      = op.ErrRadius
	ErrKernel      = op.ErrKernel
	ErrOutsideGrid = op.ErrOutsideGrid
	ErrPoseLen     = op.ErrPoseLen
	ErrLibrary     = op.ErrLibrary
)

// Status maps an entry point result onto an integer status code: 1 on
// success, 0 on failure.
func Status(err error) int {
	return op.Status(err)
}

// SetLogger installs l for every operator. Nil restores the silent default.
func SetLogger(l *slog.Logger) {
	op.SetLogger(l)
}

// Engine validates operator calls and dispatches them to a backend.
type Engine struct {
	backend Backend
}

// NewEngine returns an engine running on b.
func NewEngine(b Backend) *Engine {
	return &Engine{backend: b}
}

// Backend returns the backend the engine dispatches to.
func (e *Engine) Backend() Backend {
	return e.backend
}

// ConvSPForward writes ConvSP of args into out [Batch, N, Kernels].
func (e *Engine) ConvSPForward(args *ConvSPArgs, out []float32) error {
	if err := args.Validate(); err != nil {
		return err
	}
	if err := args.ValidateOutput(out); err != nil {
		return err
	}
	e.backend.ConvSP(args, out)
	return nil
}

// ConvSPBackward accumulates the ConvSP gradients for gradOut into ddata,
// dweight and, when non-nil, dbias.
func (e *Engine) ConvSPBackward(args *ConvSPArgs, gradOut, ddata, dweight, dbias []float32) error {
	if err := args.Validate(); err != nil {
		return err
	}
	if err := args.ValidateGrads(gradOut, ddata, dweight, dbias); err != nil {
		return err
	}
	e.backend.ConvSPBackward(args, gradOut, ddata, dweight, dbias)
	return nil
}

// ConvSDFForward writes ConvSDF of args into out [Batch, N, Kernels].
func (e *Engine) ConvSDFForward(args *ConvSDFArgs, out []float32) error {
	if err := args.Validate(); err != nil {
		return err
	}
	if err := args.ValidateOutput(out); err != nil {
		return err
	}
	e.backend.ConvSDF(args, out)
	return nil
}

// ConvSDFBackward accumulates the ConvSDF gradients for gradOut into dweight
// and, when non-nil, dbias.
func (e *Engine) ConvSDFBackward(args *ConvSDFArgs, gradOut, dweight, dbias []float32) error {
	if err := args.Validate(); err != nil {
		return err
	}
	if err := args.ValidateGrads(gradOut, dweight, dbias); err != nil {
		return err
	}
	e.backend.ConvSDFBackward(args, gradOut, dweight, dbias)
	return nil
}

// ComputeCollisions reorders args.Locs and args.Data in place by grid cell
// and writes the grid state and collision lists. It returns the number of
// collision lists that ran out of capacity.
func (e *Engine) ComputeCollisions(args *CollisionArgs) (int, error) {
	if err := args.Validate(); err != nil {
		return 0, err
	}
	return e.backend.ComputeCollisions(args)
}

var defaultEngine = sync.OnceValue(func() *Engine {
	return NewEngine(cpu.New())
})

// Default returns the engine used by the package-level functions, running on
// the CPU backend.
func Default() *Engine {
	return defaultEngine()
}

// ConvSPForward runs Engine.ConvSPForward on the default engine.
func ConvSPForward(args *ConvSPArgs, out []float32) error {
	return Default().ConvSPForward(args, out)
}

// ConvSPBackward runs Engine.ConvSPBackward on the default engine.
func ConvSPBackward(args *ConvSPArgs, gradOut, ddata, dweight, dbias []float32) error {
	return Default().ConvSPBackward(args, gradOut, ddata, dweight, dbias)
}

// ConvSDFForward runs Engine.ConvSDFForward on the default engine.
func ConvSDFForward(args *ConvSDFArgs, out []float32) error {
	return Default().ConvSDFForward(args, out)
}

// ConvSDFBackward runs Engine.ConvSDFBackward on the default engine.
func ConvSDFBackward(args *ConvSDFArgs, gradOut, dweight, dbias []float32) error {
	return Default().ConvSDFBackward(args, gradOut, dweight, dbias)
}

// ComputeCollisions runs Engine.ComputeCollisions on the default engine.
func ComputeCollisions(args *CollisionArgs) (int, error) {
	return Default().ComputeCollisions(args)
}
