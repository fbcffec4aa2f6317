package pointcloud

import (
	"context"
	"image/color"
	"io"
	"testing"
	"time"

	"go.viam.com/test"
)

func makePoints(n int) []Point {
	points := make([]Point, n)
	for i := range points {
		points[i] = NewPoint(float64(i), float64(2*i), float64(3*i), color.NRGBA{R: uint8(i), A: 255})
	}
	return points
}

func TestSliceStreamBatching(t *testing.T) {
	ctx := context.Background()
	stream := NewSliceStream(makePoints(10), 4)
	test.That(t, stream.NumPoints(), test.ShouldEqual, 10)

	var got []Point
	for {
		batch, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(batch), test.ShouldBeLessThanOrEqualTo, 4)
		got = append(got, batch...)
	}
	test.That(t, got, test.ShouldHaveLength, 10)
	test.That(t, got[7].Position.Y, test.ShouldEqual, 14.0)
}

func TestBatchPipeDrains(t *testing.T) {
	ctx := context.Background()
	pipe := NewBatchPipe(ctx, NewSliceStream(makePoints(100), 7), 2)

	total := 0
	for batch := range pipe.Batches() {
		total += len(batch)
	}
	test.That(t, pipe.Err(), test.ShouldBeNil)
	test.That(t, total, test.ShouldEqual, 100)
}

func TestBatchPipeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pipe := NewBatchPipe(ctx, NewSliceStream(makePoints(1000), 1), 1)

	// Consume one batch, then walk away; the producer must not leak.
	<-pipe.Batches()
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-pipe.Batches():
			if !ok {
				test.That(t, pipe.Err(), test.ShouldBeError, context.Canceled)
				return
			}
		case <-deadline:
			t.Fatal("batch pipe did not shut down after cancellation")
		}
	}
}
