// Package builder constructs an octree directory from a point stream in two
// passes: a streaming splitter that partitions points into leaf spill files,
// and a bottom-up finalize pass that serializes leaves and fills interior
// nodes with stratified subsamples of their children.
package builder

import (
	"runtime"

	"github.com/pkg/errors"
)

// Defaults for Config fields left zero.
const (
	DefaultResolution       = 0.001 // meters
	DefaultMaxPointsPerNode = int64(100_000)
	DefaultMaxDepth         = 20
)

// Config carries all build parameters. Zero fields are defaulted by
// Validate.
type Config struct {
	// OutputDirectory is the octree directory to create.
	OutputDirectory string
	// Resolution is the worst acceptable quantization error in meters.
	Resolution float64
	// MaxPointsPerNode is the split threshold. Only depth-limited leaves
	// may exceed it.
	MaxPointsPerNode int64
	// MaxDepth stops splitting coincident or pathologically dense data.
	MaxDepth int
	// Threads bounds build parallelism. Defaults to the core count.
	Threads int
	// Seed makes interior subsampling reproducible. Builds with the same
	// input, config and seed produce byte-identical directories.
	Seed int64
	// BatchPipeDepth is how many input batches may be buffered between
	// the reader and the splitter workers.
	BatchPipeDepth int
	// CleanOnError removes scratch files when a build fails. Default
	// keeps them for forensics.
	CleanOnError bool
}

// Validate applies defaults and rejects unusable configurations.
func (c *Config) Validate() error {
	if c.OutputDirectory == "" {
		return errors.New("config: output directory is required")
	}
	if c.Resolution == 0 {
		c.Resolution = DefaultResolution
	}
	if c.Resolution < 0 {
		return errors.Errorf("config: resolution %v must be positive", c.Resolution)
	}
	if c.MaxPointsPerNode == 0 {
		c.MaxPointsPerNode = DefaultMaxPointsPerNode
	}
	if c.MaxPointsPerNode < 1 {
		return errors.Errorf("config: max points per node %d must be at least 1", c.MaxPointsPerNode)
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.MaxDepth < 0 || c.MaxDepth > 21 {
		return errors.Errorf("config: max depth %d outside [0, 21]", c.MaxDepth)
	}
	if c.Threads == 0 {
		c.Threads = runtime.NumCPU()
	}
	if c.Threads < 1 {
		return errors.Errorf("config: thread count %d must be at least 1", c.Threads)
	}
	if c.BatchPipeDepth == 0 {
		c.BatchPipeDepth = 2 * c.Threads
	}
	if c.BatchPipeDepth < 1 {
		return errors.Errorf("config: batch pipe depth %d must be at least 1", c.BatchPipeDepth)
	}
	return nil
}
