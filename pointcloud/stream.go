package pointcloud

import (
	"context"
	"io"

	goutils "go.viam.com/utils"
)

// DefaultBatchSize is how many points a stream hands out per Next call
// unless configured otherwise.
const DefaultBatchSize = 500_000

// Stream yields batches of points from some input. Implementations are not
// safe for concurrent use; wrap one in a BatchPipe to fan out.
type Stream interface {
	// NumPoints returns the total number of points the stream will yield,
	// or -1 when unknown.
	NumPoints() int64

	// Next returns the next batch. It returns io.EOF when the stream is
	// exhausted and respects ctx cancellation.
	Next(ctx context.Context) ([]Point, error)

	// Close releases underlying resources.
	Close() error
}

// SliceStream adapts an in-memory slice to the Stream interface; used by
// tests and the benchmark tool.
type SliceStream struct {
	points    []Point
	batchSize int
	pos       int
}

// NewSliceStream wraps points in a Stream yielding batches of batchSize.
func NewSliceStream(points []Point, batchSize int) *SliceStream {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &SliceStream{points: points, batchSize: batchSize}
}

// NumPoints returns the slice length.
func (s *SliceStream) NumPoints() int64 { return int64(len(s.points)) }

// Next returns the next batch of points.
func (s *SliceStream) Next(ctx context.Context) ([]Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.points) {
		return nil, io.EOF
	}
	end := s.pos + s.batchSize
	if end > len(s.points) {
		end = len(s.points)
	}
	batch := s.points[s.pos:end]
	s.pos = end
	return batch, nil
}

// Close implements Stream.
func (s *SliceStream) Close() error { return nil }

// BatchPipe pulls batches from a stream on a background goroutine and
// re-exposes them on a bounded channel, decoupling input I/O from the
// consumers. The channel bound provides backpressure: the reader stalls once
// consumers fall behind by `depth` batches.
type BatchPipe struct {
	batches <-chan []Point
	errCh   <-chan error
}

// NewBatchPipe starts reading from stream until EOF, error or cancellation.
func NewBatchPipe(ctx context.Context, stream Stream, depth int) *BatchPipe {
	if depth <= 0 {
		depth = 2
	}
	batches := make(chan []Point, depth)
	errCh := make(chan error, 1)
	goutils.PanicCapturingGo(func() {
		defer close(batches)
		for {
			batch, err := stream.Next(ctx)
			if err != nil {
				if err != io.EOF {
					errCh <- err
				}
				close(errCh)
				return
			}
			select {
			case batches <- batch:
			case <-ctx.Done():
				errCh <- ctx.Err()
				close(errCh)
				return
			}
		}
	})
	return &BatchPipe{batches: batches, errCh: errCh}
}

// Batches returns the channel of point batches. It is closed when the input
// is exhausted or failed; check Err afterwards.
func (p *BatchPipe) Batches() <-chan []Point { return p.batches }

// Err returns the terminal error of the pipe, nil on clean EOF. Call only
// after Batches is closed.
func (p *BatchPipe) Err() error {
	if err, ok := <-p.errCh; ok {
		return err
	}
	return nil
}
