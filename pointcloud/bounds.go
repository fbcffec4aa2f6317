package pointcloud

import (
	"context"
	"io"

	"github.com/edaniels/golog"

	"github.com/cartographer-project/point-cloud-viewer/spatialmath"
)

// ComputeBounds scans the stream once and returns the tight bounding box of
// all points plus per-axis running stats. It is the cheap first pass of a
// build; callers reopen the input for the splitting pass.
func ComputeBounds(ctx context.Context, stream Stream, logger golog.Logger) (*spatialmath.BoundingBox, *VectorStats, error) {
	box := spatialmath.NewBoundingBox()
	stats := &VectorStats{}
	const logEvery = int64(50_000_000)
	nextLog := logEvery
	for {
		batch, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		for _, p := range batch {
			box.Grow(p.Position)
			stats.Add(p.Position)
		}
		if stats.Count() >= nextLog {
			logger.Infof("bounding box scan: %s", stats)
			nextLog += logEvery
		}
	}
	return box, stats, nil
}
