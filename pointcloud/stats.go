package pointcloud

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// RunningStats accumulates count, mean and standard deviation of a scalar
// series in one pass (Welford's recurrence). Used for build progress and the
// benchmark tool.
type RunningStats struct {
	count int64
	mean  float64
	m2    float64
}

// Add folds one sample into the stats.
func (s *RunningStats) Add(x float64) {
	s.count++
	delta := x - s.mean
	s.mean += delta / float64(s.count)
	s.m2 += delta * (x - s.mean)
}

// Count returns the number of samples seen.
func (s *RunningStats) Count() int64 { return s.count }

// Mean returns the running mean.
func (s *RunningStats) Mean() float64 { return s.mean }

// StdDev returns the sample standard deviation.
func (s *RunningStats) StdDev() float64 {
	if s.count < 2 {
		return 0
	}
	return math.Sqrt(s.m2 / float64(s.count-1))
}

// String renders the stats as "μ±σ".
func (s *RunningStats) String() string {
	return fmt.Sprintf("%.4f±%.4f", s.Mean(), s.StdDev())
}

// VectorStats tracks per-axis running stats of point positions.
type VectorStats struct {
	X, Y, Z RunningStats
}

// Add folds one position into the per-axis stats.
func (s *VectorStats) Add(p r3.Vector) {
	s.X.Add(p.X)
	s.Y.Add(p.Y)
	s.Z.Add(p.Z)
}

// Count returns the number of positions seen.
func (s *VectorStats) Count() int64 { return s.X.Count() }

// String renders all three axes.
func (s *VectorStats) String() string {
	return fmt.Sprintf("{count: %d, x: %s, y: %s, z: %s}", s.Count(), &s.X, &s.Y, &s.Z)
}
