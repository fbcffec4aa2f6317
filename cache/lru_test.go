package cache

import (
	"testing"

	"go.viam.com/test"

	"github.com/cartographer-project/point-cloud-viewer/octree"
	"github.com/cartographer-project/point-cloud-viewer/pointcloud"
	"github.com/cartographer-project/point-cloud-viewer/tile"
)

func mustId(t *testing.T, s string) octree.NodeId {
	t.Helper()
	id, err := octree.NodeIdFromString(s)
	test.That(t, err, test.ShouldBeNil)
	return id
}

func tileWithPoints(n int) *tile.Tile {
	return &tile.Tile{Points: make([]pointcloud.Point, n)}
}

func TestLRUHitAndMiss(t *testing.T) {
	c := New(1 << 20)
	id := mustId(t, "r1")

	til, pin := c.Get(id)
	test.That(t, til, test.ShouldBeNil)
	test.That(t, pin, test.ShouldBeNil)

	added, pin := c.Add(id, tileWithPoints(10))
	pin.Release()

	got, pin := c.Get(id)
	test.That(t, got, test.ShouldEqual, added)
	pin.Release()
	test.That(t, c.Len(), test.ShouldEqual, 1)
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	one := tileWithPoints(1000)
	capacity := 3 * one.ByteSize()
	c := New(capacity)

	for _, name := range []string{"r0", "r1", "r2"} {
		_, pin := c.Add(mustId(t, name), tileWithPoints(1000))
		pin.Release()
	}
	test.That(t, c.Len(), test.ShouldEqual, 3)

	// Touch r0 so r1 is now the oldest.
	_, pin := c.Get(mustId(t, "r0"))
	pin.Release()

	_, pin = c.Add(mustId(t, "r3"), tileWithPoints(1000))
	pin.Release()

	test.That(t, c.Len(), test.ShouldEqual, 3)
	til, pin := c.Get(mustId(t, "r1"))
	test.That(t, til, test.ShouldBeNil)
	test.That(t, pin, test.ShouldBeNil)
	til, pin = c.Get(mustId(t, "r0"))
	test.That(t, til, test.ShouldNotBeNil)
	pin.Release()
}

func TestLRUPinnedEntriesSurviveEviction(t *testing.T) {
	one := tileWithPoints(1000)
	c := New(one.ByteSize()) // room for exactly one tile

	_, pinned := c.Add(mustId(t, "r0"), tileWithPoints(1000))

	// Adding more would normally evict r0, but it is pinned.
	_, pin := c.Add(mustId(t, "r1"), tileWithPoints(1000))
	pin.Release()

	til, getPin := c.Get(mustId(t, "r0"))
	test.That(t, til, test.ShouldNotBeNil)
	getPin.Release()

	// After releasing, the next insert can push r0 out.
	pinned.Release()
	_, pin = c.Add(mustId(t, "r2"), tileWithPoints(1000))
	pin.Release()
	til, _ = c.Get(mustId(t, "r0"))
	test.That(t, til, test.ShouldBeNil)

	test.That(t, c.UsedBytes(), test.ShouldBeLessThanOrEqualTo, one.ByteSize())
}

func TestLRUDoubleReleaseIsSafe(t *testing.T) {
	c := New(1 << 20)
	_, pin := c.Add(mustId(t, "r"), tileWithPoints(1))
	pin.Release()
	pin.Release()
	test.That(t, c.Len(), test.ShouldEqual, 1)
}
