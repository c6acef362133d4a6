package op

import (
	"fmt"
	"math"

	"github.com/born-ml/spn/internal/grid"
	"github.com/born-ml/spn/internal/kernel"
	"github.com/born-ml/spn/internal/sdf"
)

// Neighbors selects how ConvSP finds the particles that interact with each
// particle.
type Neighbors int

// Neighbor sources.
const (
	// NeighborsGrid buckets the batch into a spatial hash grid with cells of
	// edge Radius and scans adjacent cells.
	NeighborsGrid Neighbors = iota
	// NeighborsDense scans every pair of particles.
	NeighborsDense
	// NeighborsList reads caller-supplied collision lists.
	NeighborsList
)

// String returns the neighbor source name.
func (n Neighbors) String() string {
	switch n {
	case NeighborsGrid:
		return "grid"
	case NeighborsDense:
		return "dense"
	case NeighborsList:
		return "list"
	default:
		return fmt.Sprintf("Neighbors(%d)", int(n))
	}
}

// ParseNeighbors parses the names produced by Neighbors.String.
func ParseNeighbors(s string) (Neighbors, error) {
	for _, n := range []Neighbors{NeighborsGrid, NeighborsDense, NeighborsList} {
		if n.String() == s {
			return n, nil
		}
	}
	return 0, fmt.Errorf("spn: unknown neighbor source %q", s)
}

// ConvSPArgs describes one particle-to-particle convolution.
//
// Buffer shapes:
//
//	Locs       [Batch, N, Dims]
//	Data       [Batch, N, Channels]
//	Weight     [Kernels, Channels, NCells]   NCells = Π KernelSize
//	Bias       [Kernels]
//	Collisions [Batch, N, MaxCollisions]     NeighborsList only
//
// The output and the data gradient are [Batch, N, Kernels] and
// [Batch, N, Channels].
type ConvSPArgs struct {
	Batch    int
	N        int
	Dims     int
	Channels int
	Kernels  int

	Locs   []float32
	Data   []float32
	Weight []float32
	Bias   []float32

	KernelSize []float32
	Dilation   []float32
	KernelFn   kernel.Fn
	Radius     float32
	DisNorm    bool

	Neighbors     Neighbors
	Collisions    []int32
	MaxCollisions int
}

// Geometry returns the kernel geometry of the call.
func (a *ConvSPArgs) Geometry() (kernel.Geometry, error) {
	return geometry("convsp", a.Dims, a.KernelSize, a.Dilation)
}

// Validate checks every buffer against the declared shapes.
func (a *ConvSPArgs) Validate() error {
	const name = "convsp"
	if err := counts(name, a.Batch, a.N, a.Dims, a.Kernels); err != nil {
		return err
	}
	if a.Channels < 1 {
		return fmt.Errorf("%s: %w: channels=%d", name, ErrShape, a.Channels)
	}
	g, err := a.Geometry()
	if err != nil {
		return err
	}
	if _, err := kernel.NewBinner(a.KernelFn, g); err != nil {
		return fmt.Errorf("%s: %w: %v", name, ErrKernel, err)
	}
	if !(a.Radius >= 0) || math.IsInf(float64(a.Radius), 0) {
		return fmt.Errorf("%s: %w: radius %v", name, ErrRadius, a.Radius)
	}

	total := a.Batch * a.N
	for _, c := range []struct {
		buf  string
		v    []float32
		want int
	}{
		{"locs", a.Locs, total * a.Dims},
		{"data", a.Data, total * a.Channels},
		{"weight", a.Weight, a.Kernels * a.Channels * g.NumCells()},
		{"bias", a.Bias, a.Kernels},
	} {
		if err := checkLen(name, c.buf, c.v, c.want); err != nil {
			return err
		}
	}

	switch a.Neighbors {
	case NeighborsGrid, NeighborsDense:
	case NeighborsList:
		if a.MaxCollisions < 0 {
			return fmt.Errorf("%s: %w: max collisions %d", name, ErrShape, a.MaxCollisions)
		}
		if err := checkLenInt32(name, "collisions", a.Collisions, total*a.MaxCollisions); err != nil {
			return err
		}
		for k, j := range a.Collisions {
			if j < grid.NoCollision || int(j) >= a.N {
				return fmt.Errorf("%s: %w: collision entry %d = %d not in [-1, %d)", name, ErrShape, k, j, a.N)
			}
		}
	default:
		return fmt.Errorf("%s: %w: neighbor source %v", name, ErrKernel, a.Neighbors)
	}
	return nil
}

// ValidateOutput checks the forward output buffer.
func (a *ConvSPArgs) ValidateOutput(out []float32) error {
	return checkLen("convsp", "out", out, a.Batch*a.N*a.Kernels)
}

// ValidateGrads checks the backward buffers. dbias may be nil.
func (a *ConvSPArgs) ValidateGrads(gradOut, ddata, dweight, dbias []float32) error {
	const name = "convsp backward"
	g, err := a.Geometry()
	if err != nil {
		return err
	}
	total := a.Batch * a.N
	if err := checkLen(name, "out_grad", gradOut, total*a.Kernels); err != nil {
		return err
	}
	if err := checkLen(name, "ddata", ddata, total*a.Channels); err != nil {
		return err
	}
	if err := checkLen(name, "dweight", dweight, a.Kernels*a.Channels*g.NumCells()); err != nil {
		return err
	}
	if dbias != nil {
		return checkLen(name, "dbias", dbias, a.Kernels)
	}
	return nil
}

// ConvSDFArgs describes one particle-to-SDF convolution.
//
// Buffer shapes:
//
//	Locs       [Batch, N, Dims]
//	Idxs       [Batch, Instances]            negative entries are unused slots
//	Poses      [Batch, Instances, PoseLen]
//	Scales     [Batch, Instances, Dims]
//	SDFs       flat voxel data of every volume
//	SDFOffsets [Volumes]
//	SDFShapes  [Volumes, Dims+1]             voxel counts then voxel edge
//	Weight     [Kernels, NCells]
//	Bias       [Kernels]
//
// The output is [Batch, N, Kernels].
type ConvSDFArgs struct {
	Batch   int
	N       int
	Dims    int
	Kernels int

	Locs   []float32
	Weight []float32
	Bias   []float32

	KernelSize  []float32
	Dilation    []float32
	MaxDistance float32
	Reduce      sdf.Reduce

	Instances int
	PoseLen   int
	Idxs      []float32
	Poses     []float32
	Scales    []float32

	SDFs       []float32
	SDFOffsets []float32
	SDFShapes  []float32
}

// Geometry returns the kernel geometry of the call.
func (a *ConvSDFArgs) Geometry() (kernel.Geometry, error) {
	return geometry("convsdf", a.Dims, a.KernelSize, a.Dilation)
}

// Library decodes the SDF library buffers.
func (a *ConvSDFArgs) Library() (*sdf.Library, error) {
	lib, err := sdf.NewLibrary(a.Dims, a.SDFs, a.SDFOffsets, a.SDFShapes)
	if err != nil {
		return nil, fmt.Errorf("convsdf: %w", err)
	}
	return lib, nil
}

// Scene decodes the instances of batch element b. Unused slots are nil.
func (a *ConvSDFArgs) Scene(b int) []*sdf.Instance {
	m, dims, pl := a.Instances, a.Dims, a.PoseLen
	scene := make([]*sdf.Instance, m)
	for i := 0; i < m; i++ {
		s := a.Idxs[b*m+i]
		if s < 0 {
			continue
		}
		k := b*m + i
		in := sdf.NewInstance(int(s), dims, a.Poses[k*pl:(k+1)*pl], a.Scales[k*dims:(k+1)*dims])
		scene[i] = &in
	}
	return scene
}

// Validate checks every buffer against the declared shapes and decodes the
// library once to check it.
func (a *ConvSDFArgs) Validate() error {
	const name = "convsdf"
	if err := counts(name, a.Batch, a.N, a.Dims, a.Kernels); err != nil {
		return err
	}
	g, err := a.Geometry()
	if err != nil {
		return err
	}
	if !(a.MaxDistance > 0) || math.IsInf(float64(a.MaxDistance), 0) {
		return fmt.Errorf("%s: %w: max distance %v", name, ErrRadius, a.MaxDistance)
	}
	if a.Reduce != sdf.Sum && a.Reduce != sdf.Min {
		return fmt.Errorf("%s: %w: reduction %d", name, ErrKernel, int(a.Reduce))
	}
	if a.Instances < 0 {
		return fmt.Errorf("%s: %w: instances=%d", name, ErrShape, a.Instances)
	}
	if err := sdf.PoseLayout(a.Dims, a.PoseLen); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	slots := a.Batch * a.Instances
	for _, c := range []struct {
		buf  string
		v    []float32
		want int
	}{
		{"locs", a.Locs, a.Batch * a.N * a.Dims},
		{"weight", a.Weight, a.Kernels * g.NumCells()},
		{"bias", a.Bias, a.Kernels},
		{"idxs", a.Idxs, slots},
		{"poses", a.Poses, slots * a.PoseLen},
		{"scales", a.Scales, slots * a.Dims},
	} {
		if err := checkLen(name, c.buf, c.v, c.want); err != nil {
			return err
		}
	}

	lib, err := a.Library()
	if err != nil {
		return err
	}
	for k, s := range a.Idxs {
		if s < 0 {
			continue
		}
		if int(s) >= len(lib.Volumes) {
			return fmt.Errorf("%s: %w: instance %d uses volume %v of %d", name, ErrLibrary, k, s, len(lib.Volumes))
		}
		for d := 0; d < a.Dims; d++ {
			if sc := a.Scales[k*a.Dims+d]; !(sc > 0) {
				return fmt.Errorf("%s: %w: instance %d scale[%d] = %v must be > 0", name, ErrLibrary, k, d, sc)
			}
		}
	}
	return nil
}

// ValidateOutput checks the forward output buffer.
func (a *ConvSDFArgs) ValidateOutput(out []float32) error {
	return checkLen("convsdf", "out", out, a.Batch*a.N*a.Kernels)
}

// ValidateGrads checks the backward buffers. dbias may be nil.
func (a *ConvSDFArgs) ValidateGrads(gradOut, dweight, dbias []float32) error {
	const name = "convsdf backward"
	g, err := a.Geometry()
	if err != nil {
		return err
	}
	if err := checkLen(name, "out_grad", gradOut, a.Batch*a.N*a.Kernels); err != nil {
		return err
	}
	if err := checkLen(name, "dweight", dweight, a.Kernels*g.NumCells()); err != nil {
		return err
	}
	if dbias != nil {
		return checkLen(name, "dbias", dbias, a.Kernels)
	}
	return nil
}

// CollisionArgs describes one spatial-hash pass over a particle batch.
//
// Locs [Batch, N, Dims] and Data [Batch, N, Channels] are reordered in place.
// The outputs are CellIDs and Idxs [Batch, N], CellStarts and CellEnds
// [Batch, NCells] and Collisions [Batch, N, MaxCollisions].
type CollisionArgs struct {
	Batch    int
	N        int
	Dims     int
	Channels int

	Locs []float32
	Data []float32

	Low           []float32 // [Batch, Dims]
	GridDims      []int     // [Batch, Dims]
	NCells        int
	CellEdge      float32
	Radius        float32
	MaxCollisions int

	CellIDs    []int32
	Idxs       []int32
	CellStarts []int32
	CellEnds   []int32
	Collisions []int32
}

// Grid returns the grid configuration of the call.
func (a *CollisionArgs) Grid() grid.Config {
	return grid.Config{
		Batch:         a.Batch,
		N:             a.N,
		Dims:          a.Dims,
		Low:           a.Low,
		GridDims:      a.GridDims,
		NCells:        a.NCells,
		CellEdge:      a.CellEdge,
		Radius:        a.Radius,
		MaxCollisions: a.MaxCollisions,
	}
}

// Output returns the caller buffers the pass writes.
func (a *CollisionArgs) Output() grid.Output {
	return grid.Output{
		CellIDs:    a.CellIDs,
		Idxs:       a.Idxs,
		CellStarts: a.CellStarts,
		CellEnds:   a.CellEnds,
		Collisions: a.Collisions,
	}
}

// Validate checks every buffer against the declared shapes.
func (a *CollisionArgs) Validate() error {
	const name = "collisions"
	if a.Batch < 0 || a.N < 0 || a.Channels < 0 || a.MaxCollisions < 0 || a.NCells < 0 {
		return fmt.Errorf("%s: %w: batch=%d n=%d channels=%d max_collisions=%d ncells=%d",
			name, ErrShape, a.Batch, a.N, a.Channels, a.MaxCollisions, a.NCells)
	}
	if a.MaxCollisions < 1 {
		return fmt.Errorf("%s: %w: max_collisions=%d must be >= 1", name, ErrShape, a.MaxCollisions)
	}
	if a.Dims < 1 || a.Dims > kernel.MaxDims {
		return fmt.Errorf("%s: %w: dims=%d", name, ErrDims, a.Dims)
	}
	if !(a.CellEdge > 0) || !(a.Radius >= 0) || a.Radius > a.CellEdge {
		return fmt.Errorf("%s: %w: radius %v with cell edge %v", name, ErrRadius, a.Radius, a.CellEdge)
	}

	total := a.Batch * a.N
	if err := checkLen(name, "locs", a.Locs, total*a.Dims); err != nil {
		return err
	}
	if err := checkLen(name, "data", a.Data, total*a.Channels); err != nil {
		return err
	}
	if err := checkLen(name, "low", a.Low, a.Batch*a.Dims); err != nil {
		return err
	}
	if len(a.GridDims) != a.Batch*a.Dims {
		return &ShapeError{Op: name, Buffer: "grid_dims", Got: len(a.GridDims), Want: a.Batch * a.Dims}
	}
	for _, c := range []struct {
		buf  string
		v    []int32
		want int
	}{
		{"cellIDs", a.CellIDs, total},
		{"idxs", a.Idxs, total},
		{"cellStarts", a.CellStarts, a.Batch * a.NCells},
		{"cellEnds", a.CellEnds, a.Batch * a.NCells},
		{"collisions", a.Collisions, total * a.MaxCollisions},
	} {
		if err := checkLenInt32(name, c.buf, c.v, c.want); err != nil {
			return err
		}
	}

	cfg := a.Grid()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w: %v", name, ErrShape, err)
	}
	return nil
}

func counts(name string, batch, n, dims, kernels int) error {
	if batch < 0 || n < 0 || kernels < 1 {
		return fmt.Errorf("%s: %w: batch=%d n=%d kernels=%d", name, ErrShape, batch, n, kernels)
	}
	if dims < 1 || dims > kernel.MaxDims {
		return fmt.Errorf("%s: %w: dims=%d not in [1, %d]", name, ErrDims, dims, kernel.MaxDims)
	}
	return nil
}

func geometry(name string, dims int, size, dilation []float32) (kernel.Geometry, error) {
	if len(size) != dims {
		return kernel.Geometry{}, fmt.Errorf("%s: %w: kernel_size has %d axes, want %d", name, ErrKernel, len(size), dims)
	}
	g, err := kernel.NewGeometry(size, dilation)
	if err != nil {
		return g, fmt.Errorf("%s: %w: %v", name, ErrKernel, err)
	}
	return g, nil
}
