package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/cartographer-project/point-cloud-viewer/octree"
	"github.com/cartographer-project/point-cloud-viewer/pointcloud"
)

func mustId(t *testing.T, s string) octree.NodeId {
	t.Helper()
	id, err := octree.NodeIdFromString(s)
	test.That(t, err, test.ShouldBeNil)
	return id
}

func TestPutGetList(t *testing.T) {
	st, err := NewStore(t.TempDir())
	test.That(t, err, test.ShouldBeNil)

	r4 := mustId(t, "r4")
	test.That(t, st.Put(r4, []byte("tile-bytes")), test.ShouldBeNil)

	data, err := st.Get(r4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "tile-bytes")

	_, err = st.Get(mustId(t, "r5"))
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)

	test.That(t, st.Put(mustId(t, "r40"), []byte("child")), test.ShouldBeNil)
	ids, err := st.List()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ids.Cardinality(), test.ShouldEqual, 2)
	test.That(t, ids.Contains(r4), test.ShouldBeTrue)
	test.That(t, ids.Contains(mustId(t, "r40")), test.ShouldBeTrue)
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, st.Put(mustId(t, "r"), []byte("root")), test.ShouldBeNil)

	entries, err := os.ReadDir(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, entries, test.ShouldHaveLength, 1)
	test.That(t, entries[0].Name(), test.ShouldEqual, "r")
}

func TestPutOverwritesAtomically(t *testing.T) {
	st, err := NewStore(t.TempDir())
	test.That(t, err, test.ShouldBeNil)
	id := mustId(t, "r42")
	test.That(t, st.Put(id, []byte("old")), test.ShouldBeNil)
	test.That(t, st.Put(id, []byte("new")), test.ShouldBeNil)
	data, err := st.Get(id)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "new")
}

func TestListIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, st.Put(mustId(t, "r1"), []byte("x")), test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(dir, "meta.bin"), []byte("m"), 0o644), test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(dir, "notes"), []byte("n"), 0o644), test.ShouldBeNil)

	ids, err := st.List()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ids.Cardinality(), test.ShouldEqual, 1)
}

func TestSpillRoundTrip(t *testing.T) {
	st, err := NewStore(t.TempDir())
	test.That(t, err, test.ShouldBeNil)
	id := mustId(t, "r27")

	points := []pointcloud.Point{
		{Position: r3.Vector{X: 1.5, Y: -2, Z: 3}, R: 10, G: 20, B: 30},
		{Position: r3.Vector{X: -0.25, Y: 0, Z: 9}, R: 1, Intensity: 700, HasIntensity: true},
	}

	w, err := st.NewSpillWriter(id)
	test.That(t, err, test.ShouldBeNil)
	for _, p := range points {
		test.That(t, w.Write(p), test.ShouldBeNil)
	}
	test.That(t, w.Close(), test.ShouldBeNil)

	// Appends accumulate across reopens.
	w, err = st.NewSpillWriter(id)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.Write(points[0]), test.ShouldBeNil)
	test.That(t, w.Close(), test.ShouldBeNil)

	got, err := st.ReadSpill(id)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldHaveLength, 3)
	test.That(t, got[0], test.ShouldResemble, points[0])
	test.That(t, got[1], test.ShouldResemble, points[1])
	test.That(t, got[2], test.ShouldResemble, points[0])

	test.That(t, st.RemoveSpill(id), test.ShouldBeNil)
	_, err = st.ReadSpill(id)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, st.RemoveScratch(), test.ShouldBeNil)
}
