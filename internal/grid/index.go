package grid

import (
	"cmp"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/born-ml/spn/internal/kernel"
	"github.com/born-ml/spn/internal/parallel"
)

// Index is the sorted grid state of a particle batch.
//
// Positions in the sorted order are called sorted indices; positions in the
// caller's buffers are original indices. Order maps the former to the latter.
type Index struct {
	cfg Config

	cellIDs   []int32   // batch x N, ascending per batch element
	order     []int32   // batch x N, sorted -> original
	rank      []int32   // batch x N, original -> sorted
	sorted    []float32 // batch x N x Dims, locations in sorted order
	cellStart []int32   // batch x NCells
	cellEnd   []int32   // batch x NCells
}

// Build hashes, sorts and indexes locs (batch x N x Dims) without modifying it.
//
// Every particle must lie inside its batch element's grid; a particle outside
// [Low, Low + GridDims*CellEdge) yields ErrOutsideGrid.
func Build(cfg Config, locs []float32, par parallel.Config) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(locs) != cfg.Batch*cfg.N*cfg.Dims {
		return nil, fmt.Errorf("%w: locs has %d values, want %d", ErrConfig, len(locs), cfg.Batch*cfg.N*cfg.Dims)
	}

	total := cfg.Batch * cfg.N
	idx := &Index{
		cfg:       cfg,
		cellIDs:   make([]int32, total),
		order:     make([]int32, total),
		rank:      make([]int32, total),
		sorted:    make([]float32, total*cfg.Dims),
		cellStart: make([]int32, cfg.Batch*cfg.NCells),
		cellEnd:   make([]int32, cfg.Batch*cfg.NCells),
	}

	errs := make([]error, cfg.Batch)
	parallel.For(cfg.Batch, func(b int) {
		errs[b] = idx.buildBatch(b, locs)
	}, batchConfig(par))
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// batchConfig lets every batch element run on its own goroutine.
func batchConfig(par parallel.Config) parallel.Config {
	par.MinChunkSize = 1
	return par
}

func (idx *Index) buildBatch(b int, locs []float32) error {
	cfg := &idx.cfg
	n, dims := cfg.N, cfg.Dims
	strides := cfg.strides(b)

	// Mark each particle with its cell ID.
	ids := make([]int32, n)
	for i := 0; i < n; i++ {
		loc := locs[(b*n+i)*dims : (b*n+i+1)*dims]
		id, ok := cfg.cellID(loc, b, strides)
		if !ok {
			return fmt.Errorf("%w: batch %d particle %d at %v", ErrOutsideGrid, b, i, loc)
		}
		ids[i] = int32(id)
	}

	// Sort by cell ID; ties keep their original order.
	order := idx.order[b*n : (b+1)*n]
	for i := range order {
		order[i] = int32(i)
	}
	slices.SortStableFunc(order, func(x, y int32) int {
		return cmp.Compare(ids[x], ids[y])
	})

	cellIDs := idx.cellIDs[b*n : (b+1)*n]
	for s, i := range order {
		cellIDs[s] = ids[i]
		idx.rank[b*n+int(i)] = int32(s)
		copy(idx.sorted[(b*n+s)*dims:(b*n+s+1)*dims], locs[(b*n+int(i))*dims:(b*n+int(i)+1)*dims])
	}

	idx.fillRanges(b)
	return nil
}

// fillRanges builds the cellStart/cellEnd table of batch element b in a
// single pass over the sorted cell IDs.
func (idx *Index) fillRanges(b int) {
	n, ncells := idx.cfg.N, idx.cfg.NCells
	starts := idx.cellStart[b*ncells : (b+1)*ncells]
	ends := idx.cellEnd[b*ncells : (b+1)*ncells]
	for c := range starts {
		starts[c] = EmptyCell
		ends[c] = EmptyCell
	}

	ids := idx.cellIDs[b*n : (b+1)*n]
	for i, c := range ids {
		if i == 0 {
			starts[c] = 0
		} else if p := ids[i-1]; c != p {
			starts[c] = int32(i)
			ends[p] = int32(i)
		}
		if i == n-1 {
			ends[c] = int32(n)
		}
	}
}

// Config returns the configuration the index was built with.
func (idx *Index) Config() Config { return idx.cfg }

// CellIDs returns the sorted cell IDs (batch x N). The slice is owned by idx.
func (idx *Index) CellIDs() []int32 { return idx.cellIDs }

// Order returns the permutation from sorted to original indices (batch x N).
// The slice is owned by idx.
func (idx *Index) Order() []int32 { return idx.order }

// CellRange returns the sorted positions [start, end) of cell c in batch b.
// Empty cells return EmptyCell for both.
func (idx *Index) CellRange(b, c int) (start, end int) {
	k := b*idx.cfg.NCells + c
	return int(idx.cellStart[k]), int(idx.cellEnd[k])
}

// Ranges returns the cellStart and cellEnd tables (batch x NCells).
// The slices are owned by idx.
func (idx *Index) Ranges() (cellStart, cellEnd []int32) {
	return idx.cellStart, idx.cellEnd
}

// Gather writes src (batch x N x width, original order) into dst in sorted order.
func (idx *Index) Gather(dst, src []float32, width int) {
	n := idx.cfg.N
	for b := 0; b < idx.cfg.Batch; b++ {
		for s := 0; s < n; s++ {
			i := int(idx.order[b*n+s])
			copy(dst[(b*n+s)*width:(b*n+s+1)*width], src[(b*n+i)*width:(b*n+i+1)*width])
		}
	}
}

// visit calls fn with the sorted index of every particle within Radius of the
// sorted particle s of batch b, in cell scan order. fn returns false to stop.
func (idx *Index) visit(b, s int, fn func(t int) bool) {
	cfg := &idx.cfg
	n, dims := cfg.N, cfg.Dims
	strides := cfg.strides(b)
	r2 := cfg.Radius * cfg.Radius
	p := idx.sorted[(b*n+s)*dims : (b*n+s+1)*dims]

	var home [kernel.MaxDims]int
	for d := 0; d < dims; d++ {
		home[d] = cfg.coord(p[d], b, d)
	}

	neighborhood := 1
	for d := 0; d < dims; d++ {
		neighborhood *= 3
	}

	for k := 0; k < neighborhood; k++ {
		cell := 0
		inside := true
		rem := k
		for d := 0; d < dims; d++ {
			g := home[d] + rem%3 - 1
			rem /= 3
			if g < 0 || g >= cfg.GridDims[b*dims+d] {
				inside = false
				break
			}
			cell += g * strides[d]
		}
		if !inside {
			continue
		}

		start, end := idx.CellRange(b, cell)
		for t := start; t < end; t++ {
			q := idx.sorted[(b*n+t)*dims : (b*n+t+1)*dims]
			var d2 float32
			for d := 0; d < dims; d++ {
				diff := q[d] - p[d]
				d2 += diff * diff
			}
			if d2 <= r2 && !fn(t) {
				return
			}
		}
	}
}

// ForEachNeighbor calls fn with the original index of every particle within
// Radius of original particle i of batch b, including i itself. The
// neighborhood is one cell per axis, so Radius must not exceed CellEdge.
func (idx *Index) ForEachNeighbor(b, i int, fn func(j int)) {
	n := idx.cfg.N
	idx.visit(b, int(idx.rank[b*n+i]), func(t int) bool {
		fn(int(idx.order[b*n+t]))
		return true
	})
}

// Collisions fills dst (batch x N x MaxCollisions) with each sorted
// particle's neighbors as sorted indices, in scan order, padded with
// NoCollision. When more neighbors exist than MaxCollisions only the first
// ones found are kept. It returns the number of truncated lists; with no
// capacity there is nothing to fill or truncate.
func (idx *Index) Collisions(dst []int32, par parallel.Config) int {
	cfg := &idx.cfg
	maxc := cfg.MaxCollisions
	if maxc == 0 {
		return 0
	}
	var truncated atomic.Int64

	parallel.ForBatch(cfg.Batch, cfg.N, func(b, s int) {
		list := dst[(b*cfg.N+s)*maxc : (b*cfg.N+s+1)*maxc]
		count := 0
		full := false
		idx.visit(b, s, func(t int) bool {
			if count == maxc {
				full = true
				return false
			}
			list[count] = int32(t)
			count++
			return true
		})
		for k := count; k < maxc; k++ {
			list[k] = NoCollision
		}
		if full {
			truncated.Add(1)
		}
	}, par)

	return int(truncated.Load())
}

// Stats summarizes cell occupancy.
type Stats struct {
	OccupiedCells int // Non-empty cells summed over the batch.
	MaxOccupancy  int // Largest particle count in a single cell.
}

// Stats reports occupancy of the range table.
func (idx *Index) Stats() Stats {
	var st Stats
	for k := range idx.cellStart {
		if idx.cellStart[k] == EmptyCell {
			continue
		}
		st.OccupiedCells++
		st.MaxOccupancy = max(st.MaxOccupancy, int(idx.cellEnd[k]-idx.cellStart[k]))
	}
	return st
}
