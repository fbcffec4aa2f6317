package pointcloud

import (
	"context"
	"io"
	"path/filepath"

	"github.com/edaniels/lidario"
	"github.com/pkg/errors"
)

// LASStream reads colored points out of a LAS file via lidario.
type LASStream struct {
	lf        *lidario.LasFile
	batchSize int
	pos       int
}

// NewLASStream opens a LAS file for streaming.
func NewLASStream(path string, batchSize int) (*LASStream, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	lf, err := lidario.NewLasFile(path, "r")
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %q", path)
	}
	return &LASStream{lf: lf, batchSize: batchSize}, nil
}

// NumPoints returns the point count from the LAS header.
func (s *LASStream) NumPoints() int64 { return int64(s.lf.Header.NumberPoints) }

// Next returns the next batch of points.
func (s *LASStream) Next(ctx context.Context) ([]Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	total := s.lf.Header.NumberPoints
	if s.pos >= total {
		return nil, io.EOF
	}
	end := s.pos + s.batchSize
	if end > total {
		end = total
	}
	batch := make([]Point, 0, end-s.pos)
	for ; s.pos < end; s.pos++ {
		lp, err := s.lf.LasPoint(s.pos)
		if err != nil {
			return nil, errors.Wrapf(err, "reading las point %d", s.pos)
		}
		data := lp.PointData()
		p := Point{}
		p.Position.X = data.X
		p.Position.Y = data.Y
		p.Position.Z = data.Z
		if rgb := lp.RgbData(); rgb != nil {
			p.R = uint8(rgb.Red / 256)
			p.G = uint8(rgb.Green / 256)
			p.B = uint8(rgb.Blue / 256)
		}
		if data.Intensity > 0 {
			p.Intensity = float32(data.Intensity)
			p.HasIntensity = true
		}
		batch = append(batch, p)
	}
	return batch, nil
}

// Close closes the underlying file.
func (s *LASStream) Close() error { return s.lf.Close() }

// OpenStream opens path with the reader matching its extension. Each call
// returns a fresh stream, so callers open the input once for the
// bounding-box scan and again for the build pass.
func OpenStream(path string, batchSize int) (Stream, error) {
	switch filepath.Ext(path) {
	case ".ply":
		return NewPlyStream(path, batchSize)
	case ".las":
		return NewLASStream(path, batchSize)
	default:
		return nil, errors.Errorf("do not know how to read points from %q", path)
	}
}
