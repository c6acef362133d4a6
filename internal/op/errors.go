package op

import (
	"errors"
	"fmt"

	"github.com/born-ml/spn/internal/grid"
	"github.com/born-ml/spn/internal/sdf"
)

// Boundary errors. Every validation failure wraps one of these.
var (
	ErrShape       = errors.New("spn: buffer length does not match declared shape")
	ErrDims        = errors.New("spn: unsupported dimensionality")
	ErrRadius      = errors.New("spn: invalid radius or distance bound")
	ErrKernel      = errors.New("spn: invalid kernel description")
	ErrOutsideGrid = grid.ErrOutsideGrid
	ErrPoseLen     = sdf.ErrPose
	ErrLibrary     = sdf.ErrLibrary
)

// ShapeError reports a buffer whose length disagrees with its declared shape.
type ShapeError struct {
	Op     string // Operator name (e.g., "convsp")
	Buffer string // Buffer name (e.g., "weight")
	Got    int
	Want   int
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s has %d values, want %d", e.Op, e.Buffer, e.Got, e.Want)
}

// Unwrap makes ShapeError match ErrShape.
func (e *ShapeError) Unwrap() error { return ErrShape }

func checkLen(opName, buffer string, buf []float32, want int) error {
	if len(buf) != want {
		return &ShapeError{Op: opName, Buffer: buffer, Got: len(buf), Want: want}
	}
	return nil
}

func checkLenInt32(opName, buffer string, buf []int32, want int) error {
	if len(buf) != want {
		return &ShapeError{Op: opName, Buffer: buffer, Got: len(buf), Want: want}
	}
	return nil
}

// Status maps an entry point result onto the integer status code expected by
// FFI-style hosts: 1 on success, 0 on failure.
func Status(err error) int {
	if err != nil {
		return 0
	}
	return 1
}
