package store

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/cartographer-project/point-cloud-viewer/octree"
	"github.com/cartographer-project/point-cloud-viewer/pointcloud"
)

// spillRecordSize is the fixed width of one point in a scratch file:
// 3x f64 position, rgb, intensity-present flag, f32 intensity.
const spillRecordSize = 24 + 3 + 1 + 4

const scratchSubdir = "scratch"

// ScratchDir returns the directory holding the builder's interim spill
// files.
func (s *Store) ScratchDir() string {
	return filepath.Join(s.dir, scratchSubdir)
}

// RemoveScratch deletes all spill files; called after a successful pass 2,
// or on failure when the build is configured to clean up after itself.
func (s *Store) RemoveScratch() error {
	return os.RemoveAll(s.ScratchDir())
}

func (s *Store) spillPath(id octree.NodeId) string {
	return filepath.Join(s.ScratchDir(), id.String()+".spill")
}

// SpillWriter appends points to a node's scratch file during pass 1. It is
// not safe for concurrent use; the builder serializes access per node.
type SpillWriter struct {
	f   *os.File
	buf *bufio.Writer
}

// NewSpillWriter opens (or creates) the append-only spill file for a node.
func (s *Store) NewSpillWriter(id octree.NodeId) (*SpillWriter, error) {
	if err := os.MkdirAll(s.ScratchDir(), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating scratch directory")
	}
	//nolint:gosec
	f, err := os.OpenFile(s.spillPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening spill for %s", id)
	}
	return &SpillWriter{f: f, buf: bufio.NewWriterSize(f, 1<<16)}, nil
}

// Write appends one point.
func (w *SpillWriter) Write(p pointcloud.Point) error {
	var rec [spillRecordSize]byte
	le := binary.LittleEndian
	le.PutUint64(rec[0:], math.Float64bits(p.Position.X))
	le.PutUint64(rec[8:], math.Float64bits(p.Position.Y))
	le.PutUint64(rec[16:], math.Float64bits(p.Position.Z))
	rec[24], rec[25], rec[26] = p.R, p.G, p.B
	if p.HasIntensity {
		rec[27] = 1
	}
	le.PutUint32(rec[28:], math.Float32bits(p.Intensity))
	_, err := w.buf.Write(rec[:])
	return err
}

// Close flushes and closes the spill file.
func (w *SpillWriter) Close() error {
	return multierr.Combine(w.buf.Flush(), w.f.Close())
}

// ReadSpill loads every point from a node's scratch file. Spill files are
// bounded in practice: a node is split shortly after it crosses the
// points-per-node cap.
func (s *Store) ReadSpill(id octree.NodeId) (points []pointcloud.Point, err error) {
	//nolint:gosec
	f, err := os.Open(s.spillPath(id))
	if err != nil {
		return nil, errors.Wrapf(err, "opening spill for %s", id)
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size()%spillRecordSize != 0 {
		return nil, errors.Errorf("spill for %s is %d bytes, not a record multiple", id, info.Size())
	}
	points = make([]pointcloud.Point, 0, info.Size()/spillRecordSize)
	in := bufio.NewReaderSize(f, 1<<16)
	le := binary.LittleEndian
	var rec [spillRecordSize]byte
	for {
		if _, err := io.ReadFull(in, rec[:]); err != nil {
			if err == io.EOF {
				return points, nil
			}
			return nil, errors.Wrapf(err, "reading spill for %s", id)
		}
		p := pointcloud.Point{}
		p.Position.X = math.Float64frombits(le.Uint64(rec[0:]))
		p.Position.Y = math.Float64frombits(le.Uint64(rec[8:]))
		p.Position.Z = math.Float64frombits(le.Uint64(rec[16:]))
		p.R, p.G, p.B = rec[24], rec[25], rec[26]
		if rec[27] != 0 {
			p.HasIntensity = true
			p.Intensity = math.Float32frombits(le.Uint32(rec[28:]))
		}
		points = append(points, p)
	}
}

// RemoveSpill deletes one node's scratch file; the builder calls it after
// redistributing a split node's points to its children.
func (s *Store) RemoveSpill(id octree.NodeId) error {
	err := os.Remove(s.spillPath(id))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing spill for %s", id)
	}
	return nil
}
