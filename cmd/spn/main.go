// Package main provides the spn command: spatial hashing and particle
// convolutions over CSV particle sets.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"

	"github.com/gocarina/gocsv"

	"github.com/born-ml/spn"
	"github.com/born-ml/spn/internal/backend/cpu"
	"github.com/born-ml/spn/internal/config"
	"github.com/born-ml/spn/internal/grid"
)

const version = "v0.1.0-dev"

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "spn: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "spn - smooth particle convolutions")
	fmt.Fprintf(w, "Version: %s\n\n", version)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  version    Show version")
	fmt.Fprintln(w, "  collide    Sort particles into a hash grid and list neighbors")
	fmt.Fprintln(w, "  convsp     Run a particle convolution with Xavier weights")
	fmt.Fprintln(w, "  convsdf    Convolve particles against a sphere SDF")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Run 'spn <command> -h' for command flags.")
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		usage(stdout)
		return nil
	}
	switch args[0] {
	case "version":
		fmt.Fprintf(stdout, "spn %s\n", version)
		return nil
	case "collide":
		return runCollide(args[1:], stdout)
	case "convsp":
		return runConvSP(args[1:], stdout)
	case "convsdf":
		return runConvSDF(args[1:], stdout)
	case "help", "-h", "--help":
		usage(stdout)
		return nil
	default:
		usage(os.Stderr)
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

// commonFlags are shared by every operator command.
type commonFlags struct {
	config string
	in     string
	out    string
	dims   int
}

func newFlagSet(name string, f *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&f.config, "config", "", "YAML config overriding the defaults")
	fs.StringVar(&f.in, "in", "", "particle CSV (columns batch,x,y,z,features); stdin when empty")
	fs.StringVar(&f.out, "out", "", "output CSV; stdout when empty")
	fs.IntVar(&f.dims, "dims", 3, "location dimensionality (1-3)")
	return fs
}

// setup loads the configuration, installs the logger and reads the particles.
func setup(f *commonFlags) (*config.Config, *particles, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)
	spn.SetLogger(logger)

	if f.dims < 1 || f.dims > spn.MaxCartesianDim {
		return nil, nil, fmt.Errorf("%w: -dims %d", spn.ErrDims, f.dims)
	}
	in := io.Reader(os.Stdin)
	if f.in != "" {
		file, err := os.Open(f.in)
		if err != nil {
			return nil, nil, err
		}
		defer file.Close()
		in = file
	}
	p, err := readParticles(in, f.dims)
	if err != nil {
		return nil, nil, err
	}
	return cfg, p, nil
}

func writeRecords(path string, stdout io.Writer, records any) error {
	if path == "" {
		return gocsv.Marshal(records, stdout)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := gocsv.Marshal(records, file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func engine(cfg *config.Config) *spn.Engine {
	return spn.NewEngine(cpu.NewWithConfig(cfg.Derived.Parallel))
}

func runCollide(args []string, stdout io.Writer) error {
	var f commonFlags
	fs := newFlagSet("collide", &f)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	cfg, p, err := setup(&f)
	if err != nil {
		return err
	}

	g := cfg.Grid
	low, gridDims, ncells, err := grid.Bounds(p.locs, p.batch, p.n, p.dims, g.CellEdge)
	if err != nil {
		return err
	}
	total := p.batch * p.n
	coll := &spn.CollisionArgs{
		Batch:         p.batch,
		N:             p.n,
		Dims:          p.dims,
		Channels:      p.channels,
		Locs:          p.locs,
		Data:          p.data,
		Low:           low,
		GridDims:      gridDims,
		NCells:        ncells,
		CellEdge:      g.CellEdge,
		Radius:        g.Radius,
		MaxCollisions: g.MaxCollisions,
		CellIDs:       make([]int32, total),
		Idxs:          make([]int32, total),
		CellStarts:    make([]int32, p.batch*ncells),
		CellEnds:      make([]int32, p.batch*ncells),
		Collisions:    make([]int32, total*g.MaxCollisions),
	}
	truncated, err := engine(cfg).ComputeCollisions(coll)
	if err != nil {
		return err
	}
	if truncated > 0 {
		slog.Warn("collision lists truncated", "lists", truncated, "max_collisions", g.MaxCollisions)
	}

	records := make([]*collisionRecord, 0, total)
	for b := 0; b < p.batch; b++ {
		for s := 0; s < p.n; s++ {
			r := b*p.n + s
			var xyz [3]float32
			copy(xyz[:], p.locs[r*p.dims:(r+1)*p.dims])
			records = append(records, &collisionRecord{
				Batch:     b,
				Index:     s,
				Source:    int(coll.Idxs[r]),
				Cell:      coll.CellIDs[r],
				X:         xyz[0],
				Y:         xyz[1],
				Z:         xyz[2],
				Neighbors: formatInts(coll.Collisions[r*g.MaxCollisions : (r+1)*g.MaxCollisions]),
			})
		}
	}
	return writeRecords(f.out, stdout, records)
}

func runConvSP(args []string, stdout io.Writer) error {
	var f commonFlags
	fs := newFlagSet("convsp", &f)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	cfg, p, err := setup(&f)
	if err != nil {
		return err
	}

	c := cfg.ConvSP
	conv := &spn.ConvSPArgs{
		Batch:      p.batch,
		N:          p.n,
		Dims:       p.dims,
		Channels:   p.channels,
		Kernels:    c.Kernels,
		Locs:       p.locs,
		Data:       p.data,
		Bias:       make([]float32, c.Kernels),
		KernelSize: c.KernelSize,
		Dilation:   c.Dilation,
		KernelFn:   cfg.Derived.KernelFn,
		Radius:     c.Radius,
		DisNorm:    c.DisNorm,
		Neighbors:  cfg.Derived.Neighbors,
	}
	if conv.Neighbors == spn.NeighborsList {
		// Lists come from a non-mutating grid pass over the same locations.
		lists, maxc, err := neighborLists(p, cfg)
		if err != nil {
			return err
		}
		conv.Collisions, conv.MaxCollisions = lists, maxc
	}

	ncells := 1
	for _, s := range c.KernelSize {
		ncells *= int(s)
	}
	rng := rand.New(rand.NewSource(cfg.Weights.Seed))
	conv.Weight = xavier(rng, p.channels*ncells, c.Kernels, c.Kernels*p.channels*ncells)

	out := make([]float32, p.batch*p.n*c.Kernels)
	if err := engine(cfg).ConvSPForward(conv, out); err != nil {
		return err
	}
	return writeRecords(f.out, stdout, outputRecords(out, p.batch, p.n, c.Kernels))
}

// neighborLists builds collision lists in the caller's particle order.
func neighborLists(p *particles, cfg *config.Config) ([]int32, int, error) {
	g, radius := cfg.Grid, cfg.ConvSP.Radius
	edge := max(g.CellEdge, radius)
	low, gridDims, ncells, err := grid.Bounds(p.locs, p.batch, p.n, p.dims, edge)
	if err != nil {
		return nil, 0, err
	}
	idx, err := grid.Build(grid.Config{
		Batch:         p.batch,
		N:             p.n,
		Dims:          p.dims,
		Low:           low,
		GridDims:      gridDims,
		NCells:        ncells,
		CellEdge:      edge,
		Radius:        radius,
		MaxCollisions: g.MaxCollisions,
	}, p.locs, cfg.Derived.Parallel)
	if err != nil {
		return nil, 0, err
	}

	maxc := g.MaxCollisions
	lists := make([]int32, p.batch*p.n*maxc)
	for b := 0; b < p.batch; b++ {
		for i := 0; i < p.n; i++ {
			list := lists[(b*p.n+i)*maxc : (b*p.n+i+1)*maxc]
			count := 0
			idx.ForEachNeighbor(b, i, func(j int) {
				if count < maxc {
					list[count] = int32(j)
					count++
				}
			})
			for k := count; k < maxc; k++ {
				list[k] = grid.NoCollision
			}
		}
	}
	return lists, maxc, nil
}

func runConvSDF(args []string, stdout io.Writer) error {
	var (
		f         commonFlags
		instances string
		radius    float64
		voxels    int
	)
	fs := newFlagSet("convsdf", &f)
	fs.StringVar(&instances, "instances", "", "instance CSV (columns batch,volume,pose,scale); one centered sphere per batch element when empty")
	fs.Float64Var(&radius, "sphere", 0.25, "radius of the sphere SDF")
	fs.IntVar(&voxels, "voxels", 32, "voxels per axis of the sphere SDF")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if !(radius > 0) || voxels < 2 {
		return fmt.Errorf("%w: -sphere %v -voxels %d", errUsage, radius, voxels)
	}
	cfg, p, err := setup(&f)
	if err != nil {
		return err
	}

	c := cfg.ConvSDF
	pl := poseLen(p.dims)
	sdfs, offsets, shapes := sphereVolume(p.dims, voxels, float32(radius))
	conv := &spn.ConvSDFArgs{
		Batch:       p.batch,
		N:           p.n,
		Dims:        p.dims,
		Kernels:     c.Kernels,
		Locs:        p.locs,
		Bias:        make([]float32, c.Kernels),
		KernelSize:  c.KernelSize,
		Dilation:    c.Dilation,
		MaxDistance: c.MaxDistance,
		Reduce:      cfg.Derived.Reduce,
		PoseLen:     pl,
		SDFs:        sdfs,
		SDFOffsets:  offsets,
		SDFShapes:   shapes,
	}
	if instances == "" {
		conv.Idxs, conv.Poses, conv.Scales = centeredSphere(p.batch, p.dims, pl, float32(radius))
		conv.Instances = 1
	} else {
		file, err := os.Open(instances)
		if err != nil {
			return err
		}
		conv.Idxs, conv.Poses, conv.Scales, conv.Instances, err = readInstances(file, p.batch, p.dims, pl)
		file.Close()
		if err != nil {
			return err
		}
	}

	ncells := 1
	for _, s := range c.KernelSize {
		ncells *= int(s)
	}
	rng := rand.New(rand.NewSource(cfg.Weights.Seed))
	conv.Weight = xavier(rng, ncells, c.Kernels, c.Kernels*ncells)

	out := make([]float32, p.batch*p.n*c.Kernels)
	if err := engine(cfg).ConvSDFForward(conv, out); err != nil {
		return err
	}
	return writeRecords(f.out, stdout, outputRecords(out, p.batch, p.n, c.Kernels))
}
