package pointcloud

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func writeAsciiPly(t *testing.T, points []Point) string {
	t.Helper()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "ply\nformat ascii 1.0\ncomment generated for tests\n")
	fmt.Fprintf(&buf, "element vertex %d\n", len(points))
	buf.WriteString("property double x\nproperty double y\nproperty double z\n")
	buf.WriteString("property uchar red\nproperty uchar green\nproperty uchar blue\n")
	buf.WriteString("end_header\n")
	for _, p := range points {
		fmt.Fprintf(&buf, "%v %v %v %d %d %d\n", p.Position.X, p.Position.Y, p.Position.Z, p.R, p.G, p.B)
	}
	path := filepath.Join(t.TempDir(), "cloud.ply")
	test.That(t, os.WriteFile(path, buf.Bytes(), 0o644), test.ShouldBeNil)
	return path
}

func writeBinaryPly(t *testing.T, points []Point) string {
	t.Helper()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "ply\nformat binary_little_endian 1.0\n")
	fmt.Fprintf(&buf, "element vertex %d\n", len(points))
	buf.WriteString("property float x\nproperty float y\nproperty float z\n")
	buf.WriteString("property uchar red\nproperty uchar green\nproperty uchar blue\n")
	buf.WriteString("end_header\n")
	for _, p := range points {
		var rec [15]byte
		binary.LittleEndian.PutUint32(rec[0:], math.Float32bits(float32(p.Position.X)))
		binary.LittleEndian.PutUint32(rec[4:], math.Float32bits(float32(p.Position.Y)))
		binary.LittleEndian.PutUint32(rec[8:], math.Float32bits(float32(p.Position.Z)))
		rec[12], rec[13], rec[14] = p.R, p.G, p.B
		buf.Write(rec[:])
	}
	path := filepath.Join(t.TempDir(), "cloud.ply")
	test.That(t, os.WriteFile(path, buf.Bytes(), 0o644), test.ShouldBeNil)
	return path
}

func readAll(t *testing.T, s Stream) []Point {
	t.Helper()
	ctx := context.Background()
	var out []Point
	for {
		batch, err := s.Next(ctx)
		if err == io.EOF {
			break
		}
		test.That(t, err, test.ShouldBeNil)
		out = append(out, batch...)
	}
	test.That(t, s.Close(), test.ShouldBeNil)
	return out
}

func TestPlyStreamAscii(t *testing.T) {
	want := makePoints(23)
	path := writeAsciiPly(t, want)

	stream, err := NewPlyStream(path, 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stream.NumPoints(), test.ShouldEqual, 23)

	got := readAll(t, stream)
	test.That(t, got, test.ShouldHaveLength, 23)
	test.That(t, got[11].Position, test.ShouldResemble, want[11].Position)
	test.That(t, got[11].R, test.ShouldEqual, want[11].R)
}

func TestPlyStreamBinary(t *testing.T) {
	want := makePoints(9)
	path := writeBinaryPly(t, want)

	stream, err := NewPlyStream(path, 4)
	test.That(t, err, test.ShouldBeNil)

	got := readAll(t, stream)
	test.That(t, got, test.ShouldHaveLength, 9)
	for i := range got {
		test.That(t, got[i].Position.X, test.ShouldAlmostEqual, want[i].Position.X, 1e-3)
		test.That(t, got[i].B, test.ShouldEqual, want[i].B)
	}
}

func TestPlyStreamRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ply")
	test.That(t, os.WriteFile(path, []byte("not a ply at all\n"), 0o644), test.ShouldBeNil)
	_, err := NewPlyStream(path, 0)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestOpenStreamUnknownExtension(t *testing.T) {
	_, err := OpenStream("points.xyz", 0)
	test.That(t, err, test.ShouldNotBeNil)
}
