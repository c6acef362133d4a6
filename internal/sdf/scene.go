package sdf

// Unused marks cache slots of instances that are not part of the scene.
const Unused = -2

// Distance returns the signed distance in world units from world point p to
// the surface of instance in, clamped to [-maxDistance, maxDistance], along
// with the base voxel sampled. Points outside the volume read maxDistance and
// report Outside.
func (lib *Library) Distance(in *Instance, p []float32, maxDistance float32) (int, float32) {
	var local [3]float32
	in.ToLocal(p, local[:])
	voxel, d := lib.Sample(in.Volume, local[:lib.Dims])
	if voxel == Outside {
		return Outside, maxDistance
	}
	d *= in.WorldScale()
	return voxel, max(-maxDistance, min(d, maxDistance))
}

// Cache memoizes the per-instance lookups of one query point so that every
// output kernel reuses the same samples. One cache serves one goroutine.
type Cache struct {
	Voxel []int32
	Dist  []float32
}

// NewCache allocates a cache with one slot per instance.
func NewCache(instances int) *Cache {
	return &Cache{
		Voxel: make([]int32, instances),
		Dist:  make([]float32, instances),
	}
}

// Fill samples every instance at p. A nil entry in instances marks an unused
// slot.
func (c *Cache) Fill(lib *Library, instances []*Instance, p []float32, maxDistance float32) {
	for m, in := range instances {
		if in == nil {
			c.Voxel[m] = Unused
			c.Dist[m] = 0
			continue
		}
		v, d := lib.Distance(in, p, maxDistance)
		c.Voxel[m] = int32(v)
		c.Dist[m] = d
	}
}

// Reduce selects how the per-instance distances of a query point combine.
type Reduce int

// Reductions.
const (
	// Sum adds the distances of all instances.
	Sum Reduce = iota
	// Min keeps the distance to the closest surface.
	Min
)

// String returns the reduction name.
func (r Reduce) String() string {
	if r == Min {
		return "min"
	}
	return "sum"
}

// Reduce combines the cached distances, skipping unused slots. ok is false
// when no instance contributed.
func (c *Cache) Reduce(r Reduce) (value float32, ok bool) {
	for m, v := range c.Voxel {
		if v == Unused {
			continue
		}
		d := c.Dist[m]
		switch {
		case !ok:
			value = d
		case r == Min:
			value = min(value, d)
		default:
			value += d
		}
		ok = true
	}
	return value, ok
}
