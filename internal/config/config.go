// Package config provides configuration loading for the spn command.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/spn/internal/kernel"
	"github.com/born-ml/spn/internal/op"
	"github.com/born-ml/spn/internal/parallel"
	"github.com/born-ml/spn/internal/sdf"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid value")

// Config holds all command configuration.
type Config struct {
	Parallel ParallelConfig `yaml:"parallel"`
	Log      LogConfig      `yaml:"log"`
	Grid     GridConfig     `yaml:"grid"`
	ConvSP   ConvSPConfig   `yaml:"convsp"`
	ConvSDF  ConvSDFConfig  `yaml:"convsdf"`
	Weights  WeightsConfig  `yaml:"weights"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// ParallelConfig controls goroutine fan-out.
type ParallelConfig struct {
	Workers  int `yaml:"workers"`   // 0 = one per CPU
	MinChunk int `yaml:"min_chunk"` // Minimum particles per goroutine
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// GridConfig holds spatial hash parameters for the collide command.
type GridConfig struct {
	CellEdge      float32 `yaml:"cell_edge"`
	Radius        float32 `yaml:"radius"`
	MaxCollisions int     `yaml:"max_collisions"`
}

// ConvSPConfig holds particle convolution parameters.
type ConvSPConfig struct {
	Kernels    int       `yaml:"kernels"`
	KernelSize []float32 `yaml:"kernel_size"`
	Dilation   []float32 `yaml:"dilation"`
	KernelFn   string    `yaml:"kernel_fn"`
	Radius     float32   `yaml:"radius"`
	DisNorm    bool      `yaml:"dis_norm"`
	Neighbors  string    `yaml:"neighbors"`
}

// ConvSDFConfig holds SDF convolution parameters.
type ConvSDFConfig struct {
	Kernels     int       `yaml:"kernels"`
	KernelSize  []float32 `yaml:"kernel_size"`
	Dilation    []float32 `yaml:"dilation"`
	MaxDistance float32   `yaml:"max_distance"`
	Reduce      string    `yaml:"reduce"`
}

// WeightsConfig controls weight initialization.
type WeightsConfig struct {
	Seed int64 `yaml:"seed"`
}

// DerivedConfig holds values parsed from the string fields.
type DerivedConfig struct {
	Parallel  parallel.Config
	LogLevel  slog.Level
	KernelFn  kernel.Fn
	Neighbors op.Neighbors
	Reduce    sdf.Reduce
}

// Load loads configuration from the embedded defaults, optionally overlaying a
// user config file. If path is empty, only defaults are used.
func Load(path string) (*Config, error) {
	// Start with embedded defaults
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	// Load user config if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.computeDerived(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// computeDerived validates the loaded values and parses the enumerations.
func (c *Config) computeDerived() error {
	var err error
	d := &c.Derived

	if err = d.LogLevel.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}

	if c.Parallel.Workers < 0 || c.Parallel.MinChunk < 1 {
		return fmt.Errorf("%w: parallel workers=%d min_chunk=%d", ErrInvalid, c.Parallel.Workers, c.Parallel.MinChunk)
	}
	workers := c.Parallel.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	d.Parallel = parallel.Config{
		Enabled:      workers > 1,
		NumWorkers:   workers,
		MinChunkSize: c.Parallel.MinChunk,
	}

	if !(c.Grid.CellEdge > 0) || c.Grid.Radius < 0 || c.Grid.Radius > c.Grid.CellEdge {
		return fmt.Errorf("%w: grid radius %v must be in [0, cell_edge=%v]", ErrInvalid, c.Grid.Radius, c.Grid.CellEdge)
	}
	if c.Grid.MaxCollisions < 1 {
		return fmt.Errorf("%w: grid.max_collisions %d", ErrInvalid, c.Grid.MaxCollisions)
	}

	if err := checkKernel("convsp", c.ConvSP.Kernels, c.ConvSP.KernelSize, c.ConvSP.Dilation); err != nil {
		return err
	}
	if d.KernelFn, err = kernel.ParseFn(c.ConvSP.KernelFn); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if d.Neighbors, err = op.ParseNeighbors(c.ConvSP.Neighbors); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.ConvSP.Radius < 0 {
		return fmt.Errorf("%w: convsp.radius %v", ErrInvalid, c.ConvSP.Radius)
	}

	if err := checkKernel("convsdf", c.ConvSDF.Kernels, c.ConvSDF.KernelSize, c.ConvSDF.Dilation); err != nil {
		return err
	}
	if !(c.ConvSDF.MaxDistance > 0) {
		return fmt.Errorf("%w: convsdf.max_distance %v", ErrInvalid, c.ConvSDF.MaxDistance)
	}
	switch c.ConvSDF.Reduce {
	case "sum":
		d.Reduce = sdf.Sum
	case "min":
		d.Reduce = sdf.Min
	default:
		return fmt.Errorf("%w: convsdf.reduce %q", ErrInvalid, c.ConvSDF.Reduce)
	}
	return nil
}

func checkKernel(section string, kernels int, size, dilation []float32) error {
	if kernels < 1 {
		return fmt.Errorf("%w: %s.kernels %d", ErrInvalid, section, kernels)
	}
	if _, err := kernel.NewGeometry(size, dilation); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, section, err)
	}
	return nil
}

// Logger builds the slog logger selected by the log section.
func (c *Config) Logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Derived.LogLevel}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
