package query

import (
	"context"
	"image/color"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/cartographer-project/point-cloud-viewer/builder"
	"github.com/cartographer-project/point-cloud-viewer/octree"
	"github.com/cartographer-project/point-cloud-viewer/pointcloud"
	"github.com/cartographer-project/point-cloud-viewer/spatialmath"
	"github.com/cartographer-project/point-cloud-viewer/tile"
)

func buildOctree(t *testing.T, points []pointcloud.Point, cfg builder.Config) string {
	t.Helper()
	cfg.OutputDirectory = t.TempDir()
	logger := golog.NewTestLogger(t)
	box, _, err := pointcloud.ComputeBounds(
		context.Background(), pointcloud.NewSliceStream(points, 1000), logger)
	test.That(t, err, test.ShouldBeNil)
	_, err = builder.Build(
		context.Background(), pointcloud.NewSliceStream(points, 1000), box, cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	return cfg.OutputDirectory
}

func gridPoints(n int, spacing float64) []pointcloud.Point {
	points := make([]pointcloud.Point, 0, n*n*n)
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			for z := 0; z < n; z++ {
				points = append(points, pointcloud.NewPoint(
					float64(x)*spacing, float64(y)*spacing, float64(z)*spacing,
					color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(z), A: 255}))
			}
		}
	}
	return points
}

func viewProj(eye, center r3.Vector, far float64) mgl64.Mat4 {
	proj := mgl64.Perspective(mgl64.DegToRad(45), 1, 0.1, far)
	view := mgl64.LookAtV(
		mgl64.Vec3{eye.X, eye.Y, eye.Z},
		mgl64.Vec3{center.X, center.Y, center.Z},
		mgl64.Vec3{0, 1, 0},
	)
	return proj.Mul4(view)
}

func TestOpenMissingDirectory(t *testing.T) {
	_, err := Open(t.TempDir(), Options{}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestMetadata(t *testing.T) {
	dir := buildOctree(t, gridPoints(10, 1), builder.Config{MaxPointsPerNode: 50, Threads: 4})
	engine, err := Open(dir, Options{}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer engine.Close()

	md := engine.Metadata()
	test.That(t, md.NodeCount, test.ShouldBeGreaterThan, 8)
	test.That(t, md.RootCube.EdgeLength, test.ShouldEqual, 16.0)
	test.That(t, md.Resolution, test.ShouldEqual, builder.DefaultResolution)
	test.That(t, md.PointCount, test.ShouldBeGreaterThan, int64(1000))
}

func TestVisibleNodesZeroViewport(t *testing.T) {
	dir := buildOctree(t, gridPoints(4, 1), builder.Config{MaxPointsPerNode: 10, Threads: 2})
	engine, err := Open(dir, Options{}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer engine.Close()

	m := viewProj(r3.Vector{Z: -50}, r3.Vector{}, 1000)
	test.That(t, engine.VisibleNodes(m, 0, 0), test.ShouldHaveLength, 0)
	test.That(t, engine.VisibleNodes(m, -1, 100), test.ShouldHaveLength, 0)
}

func TestVisibleNodesLODThreshold(t *testing.T) {
	dir := buildOctree(t, gridPoints(10, 1), builder.Config{MaxPointsPerNode: 50, Threads: 4})
	engine, err := Open(dir, Options{}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer engine.Close()

	root := engine.Metadata().RootCube
	center := root.Center()

	// Zoomed far out: the root footprint is under the threshold, so the
	// root alone covers the view.
	farAway := viewProj(r3.Vector{X: center.X, Y: center.Y, Z: center.Z - 500}, center, 10000)
	got := engine.VisibleNodes(farAway, 1024, 1024)
	test.That(t, got, test.ShouldResemble, []octree.NodeId{octree.RootId()})

	// Zoomed in: descend until every returned node projects at or under
	// the threshold (or has no children to refine with).
	closeUp := viewProj(r3.Vector{X: center.X, Y: center.Y, Z: center.Z - 12}, center, 10000)
	got = engine.VisibleNodes(closeUp, 4096, 4096)
	test.That(t, len(got), test.ShouldBeGreaterThan, 1)
	seen := map[octree.NodeId]bool{}
	for _, id := range got {
		test.That(t, seen[id], test.ShouldBeFalse)
		seen[id] = true
		hasChildren := false
		for c := octree.ChildIndex(0); c < 8; c++ {
			if engine.HasNode(id.Child(c)) {
				hasChildren = true
			}
		}
		if hasChildren {
			footprint := spatialmath.ScreenFootprint(id.Cube(root), closeUp, 4096, 4096)
			test.That(t, footprint, test.ShouldBeLessThanOrEqualTo, DefaultThresholdPx)
		}
	}
}

func TestVisibleNodesCulling(t *testing.T) {
	// Two clusters far apart; the camera hovers near cluster A with a far
	// plane well short of cluster B.
	points := gridPoints(8, 0.2)
	for _, p := range gridPoints(8, 0.2) {
		p.Position = p.Position.Add(r3.Vector{X: 100, Y: 100, Z: 100})
		points = append(points, p)
	}
	dir := buildOctree(t, points, builder.Config{MaxPointsPerNode: 64, Threads: 4})
	engine, err := Open(dir, Options{}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer engine.Close()

	m := viewProj(r3.Vector{X: 1, Y: 1, Z: -10}, r3.Vector{X: 1, Y: 1, Z: 1}, 40)
	got := engine.VisibleNodes(m, 1024, 1024)
	test.That(t, len(got), test.ShouldBeGreaterThan, 0)
	root := engine.Metadata().RootCube
	for _, id := range got {
		cube := id.Cube(root)
		// Nothing from the far cluster's corner of space.
		test.That(t, cube.Min.X, test.ShouldBeLessThan, 60.0)
		test.That(t, cube.Min.Z, test.ShouldBeLessThan, 60.0)
	}

	// A camera pointed away from all data sees nothing.
	away := viewProj(r3.Vector{X: -200, Y: -200, Z: -200}, r3.Vector{X: -300, Y: -300, Z: -300}, 50)
	test.That(t, engine.VisibleNodes(away, 1024, 1024), test.ShouldHaveLength, 0)
}

func TestFetch(t *testing.T) {
	dir := buildOctree(t, gridPoints(6, 1), builder.Config{MaxPointsPerNode: 30, Threads: 2})
	engine, err := Open(dir, Options{}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer engine.Close()

	ctx := context.Background()
	til, err := engine.Fetch(ctx, octree.RootId())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(til.Points), test.ShouldBeGreaterThan, 0)
	test.That(t, til.Cube.EdgeLength, test.ShouldEqual, engine.Metadata().RootCube.EdgeLength)

	absent, err := octree.NodeIdFromString("r77777")
	test.That(t, err, test.ShouldBeNil)
	_, err = engine.Fetch(ctx, absent)
	test.That(t, errors.Is(err, ErrNodeAbsent), test.ShouldBeTrue)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = engine.Fetch(cancelled, octree.RootId())
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

func TestFetchDeduplicatesConcurrentReads(t *testing.T) {
	dir := buildOctree(t, gridPoints(6, 1), builder.Config{MaxPointsPerNode: 30, Threads: 2})
	engine, err := Open(dir, Options{}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer engine.Close()

	ctx := context.Background()
	const fetchers = 16
	tiles := make([]*tile.Tile, fetchers)
	var wg sync.WaitGroup
	wg.Add(fetchers)
	for i := 0; i < fetchers; i++ {
		i := i
		go func() {
			defer wg.Done()
			til, err := engine.Fetch(ctx, octree.RootId())
			test.That(t, err, test.ShouldBeNil)
			tiles[i] = til
		}()
	}
	wg.Wait()

	test.That(t, engine.StorageReads(), test.ShouldEqual, int64(1))
	for i := 1; i < fetchers; i++ {
		test.That(t, tiles[i], test.ShouldEqual, tiles[0])
	}

	// A later fetch is a cache hit, not another read.
	_, err = engine.Fetch(ctx, octree.RootId())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, engine.StorageReads(), test.ShouldEqual, int64(1))
}

func TestNodesInBox(t *testing.T) {
	dir := buildOctree(t, gridPoints(8, 1), builder.Config{MaxPointsPerNode: 40, Threads: 2})
	engine, err := Open(dir, Options{}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer engine.Close()

	all := engine.NodesInBox(r3.Vector{X: -100, Y: -100, Z: -100}, r3.Vector{X: 100, Y: 100, Z: 100})
	test.That(t, len(all), test.ShouldEqual, engine.Metadata().NodeCount)

	none := engine.NodesInBox(r3.Vector{X: 500, Y: 500, Z: 500}, r3.Vector{X: 600, Y: 600, Z: 600})
	test.That(t, none, test.ShouldHaveLength, 0)
}
