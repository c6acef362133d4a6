// Package op defines the operator boundary shared by the public API and the
// compute backends: argument descriptions, their validation, the Backend
// interface and the package logger.
package op

// MaxCartesianDim is the largest location dimensionality any operator accepts.
const MaxCartesianDim = 3

// Backend computes the particle operators on raw caller-owned buffers.
//
// Implementations assume their arguments passed Validate and panic on misuse.
// Backward passes accumulate into the gradient buffers; callers zero them
// first when they want a fresh gradient.
type Backend interface {
	// Name returns a human-readable backend name.
	Name() string

	// ConvSP writes the particle convolution of args into out [Batch, N, Kernels].
	ConvSP(args *ConvSPArgs, out []float32)

	// ConvSPBackward accumulates the gradients of ConvSP given gradOut.
	// dbias may be nil.
	ConvSPBackward(args *ConvSPArgs, gradOut, ddata, dweight, dbias []float32)

	// ConvSDF writes the SDF convolution of args into out [Batch, N, Kernels].
	ConvSDF(args *ConvSDFArgs, out []float32)

	// ConvSDFBackward accumulates the weight gradients of ConvSDF given
	// gradOut. dbias may be nil.
	ConvSDFBackward(args *ConvSDFArgs, gradOut, dweight, dbias []float32)

	// ComputeCollisions reorders args.Locs and args.Data by grid cell and
	// writes the grid state and collision lists. It returns the number of
	// truncated collision lists.
	ComputeCollisions(args *CollisionArgs) (int, error)
}
