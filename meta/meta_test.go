package meta

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/cartographer-project/point-cloud-viewer/spatialmath"
)

func sampleManifest() *Manifest {
	m := &Manifest{
		Resolution:       0.001,
		MaxPointsPerNode: 100_000,
		Codec: CodecDescriptor{
			SubsampleCriterion: "stratified-nmax",
			ScreenSpaceMetric:  "corner-aabb",
		},
		Nodes: []NodeRecord{
			{Id: "r4", NumPoints: 10, NumBytes: 100},
			{Id: "r", NumPoints: 20, NumBytes: 200},
			{Id: "r40", NumPoints: 5, NumBytes: 50, OverCapacity: true},
		},
	}
	m.SetRoot(spatialmath.Cube{Min: r3.Vector{X: -8, Y: -8, Z: -8}, EdgeLength: 16})
	return m
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	test.That(t, Write(dir, sampleManifest()), test.ShouldBeNil)

	got, err := Read(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Resolution, test.ShouldEqual, 0.001)
	test.That(t, got.MaxPointsPerNode, test.ShouldEqual, int64(100_000))
	test.That(t, got.Root(), test.ShouldResemble, spatialmath.Cube{Min: r3.Vector{X: -8, Y: -8, Z: -8}, EdgeLength: 16})
	test.That(t, got.NumPoints(), test.ShouldEqual, int64(35))

	// Directory comes back sorted by level then index.
	test.That(t, got.Nodes[0].Id, test.ShouldEqual, "r")
	test.That(t, got.Nodes[1].Id, test.ShouldEqual, "r4")
	test.That(t, got.Nodes[2].Id, test.ShouldEqual, "r40")
	test.That(t, got.Nodes[2].OverCapacity, test.ShouldBeTrue)
}

func TestManifestDeterministicBytes(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	test.That(t, Write(dirA, sampleManifest()), test.ShouldBeNil)
	test.That(t, Write(dirB, sampleManifest()), test.ShouldBeNil)

	a, err := os.ReadFile(filepath.Join(dirA, Filename))
	test.That(t, err, test.ShouldBeNil)
	b, err := os.ReadFile(filepath.Join(dirB, Filename))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a, test.ShouldResemble, b)
}

func TestManifestMissing(t *testing.T) {
	_, err := Read(t.TempDir())
	test.That(t, err, test.ShouldNotBeNil)
}

func TestManifestRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	test.That(t, os.WriteFile(filepath.Join(dir, Filename), []byte("definitely not a manifest"), 0o644), test.ShouldBeNil)
	_, err := Read(dir)
	test.That(t, errors.Is(err, ErrBadMagic), test.ShouldBeTrue)
}

func TestManifestRejectsFutureVersion(t *testing.T) {
	dir := t.TempDir()
	test.That(t, Write(dir, sampleManifest()), test.ShouldBeNil)

	path := filepath.Join(dir, Filename)
	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	binary.LittleEndian.PutUint32(data[4:], CurrentVersion+1)
	test.That(t, os.WriteFile(path, data, 0o644), test.ShouldBeNil)

	_, err = Read(dir)
	test.That(t, errors.Is(err, ErrVersion), test.ShouldBeTrue)
}

func TestManifestRejectsTruncatedBody(t *testing.T) {
	dir := t.TempDir()
	test.That(t, Write(dir, sampleManifest()), test.ShouldBeNil)

	path := filepath.Join(dir, Filename)
	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, os.WriteFile(path, data[:len(data)-2], 0o644), test.ShouldBeNil)

	_, err = Read(dir)
	test.That(t, err, test.ShouldNotBeNil)
}
