package grid

import (
	"fmt"

	"github.com/born-ml/spn/internal/parallel"
)

// Output receives the grid state written by SortInPlace. All buffers are
// caller-allocated.
type Output struct {
	CellIDs    []int32 // batch x N
	Idxs       []int32 // batch x N, original index of each sorted particle
	CellStarts []int32 // batch x NCells
	CellEnds   []int32 // batch x NCells
	Collisions []int32 // batch x N x MaxCollisions
}

// SortInPlace MUTATES locs (batch x N x Dims) and data (batch x N x channels):
// both are reordered by ascending cell ID, keeping each location paired with
// its feature row. The remaining grid state is written to out.
//
// Callers must hold exclusive access to locs and data for the duration of the
// call; concurrent readers would observe a partially permuted batch. Use Build
// and Index.Gather to keep the input buffers untouched.
//
// It returns the number of truncated collision lists.
func SortInPlace(cfg Config, locs, data []float32, channels int, out Output, par parallel.Config) (int, error) {
	total := cfg.Batch * cfg.N
	if len(data) != total*channels {
		return 0, fmt.Errorf("%w: data has %d values, want %d", ErrConfig, len(data), total*channels)
	}
	if len(out.CellIDs) != total || len(out.Idxs) != total {
		return 0, fmt.Errorf("%w: cell id/index buffers need %d values", ErrConfig, total)
	}
	if len(out.CellStarts) != cfg.Batch*cfg.NCells || len(out.CellEnds) != cfg.Batch*cfg.NCells {
		return 0, fmt.Errorf("%w: cell range buffers need %d values", ErrConfig, cfg.Batch*cfg.NCells)
	}
	if len(out.Collisions) != total*cfg.MaxCollisions {
		return 0, fmt.Errorf("%w: collision buffer needs %d values", ErrConfig, total*cfg.MaxCollisions)
	}

	idx, err := Build(cfg, locs, par)
	if err != nil {
		return 0, err
	}

	copy(locs, idx.sorted)
	sortedData := make([]float32, len(data))
	idx.Gather(sortedData, data, channels)
	copy(data, sortedData)

	copy(out.CellIDs, idx.cellIDs)
	copy(out.Idxs, idx.order)
	starts, ends := idx.Ranges()
	copy(out.CellStarts, starts)
	copy(out.CellEnds, ends)

	return idx.Collisions(out.Collisions, par), nil
}
