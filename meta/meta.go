// Package meta defines the octree manifest: the single record that declares
// a directory to be a complete octree and enumerates its nodes. It is
// written last during a build and acts as the commit marker; a directory
// without one is a partial or corrupt build.
package meta

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/geo/r3"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/cartographer-project/point-cloud-viewer/octree"
	"github.com/cartographer-project/point-cloud-viewer/spatialmath"
)

// Filename is the manifest's name inside an octree directory.
const Filename = "meta.bin"

// CurrentVersion is the schema version this code writes. Readers reject
// anything else.
const CurrentVersion = uint32(1)

var magic = [4]byte{'O', 'C', 'T', 'M'}

var (
	// ErrBadMagic means the file is not a manifest at all.
	ErrBadMagic = errors.New("not an octree manifest")
	// ErrVersion means the manifest was written by an incompatible
	// schema version.
	ErrVersion = errors.New("unsupported manifest version")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CodecDescriptor pins the build-time choices that affect how tiles are
// produced and interpreted, so behavior stays reproducible across versions
// of this code.
type CodecDescriptor struct {
	// SubsampleCriterion names how interior nodes draw points from their
	// children. The only value written today is "stratified-nmax".
	SubsampleCriterion string `json:"subsample_criterion"`
	// ScreenSpaceMetric names the footprint metric used by LOD
	// selection. The only value written today is "corner-aabb".
	ScreenSpaceMetric string `json:"screen_space_metric"`
	// HasIntensity says tiles carry the byte intensity channel.
	HasIntensity bool `json:"has_intensity,omitempty"`
	// IntensityMapping documents the raw-to-byte intensity mapping.
	IntensityMapping string `json:"intensity_mapping,omitempty"`
}

// NodeRecord is one entry of the node directory.
type NodeRecord struct {
	Id        string `json:"id"`
	NumPoints int64  `json:"num_points"`
	NumBytes  int64  `json:"num_bytes"`
	// OverCapacity flags a depth-limited leaf allowed to exceed the
	// points-per-node cap because its points could not be split apart.
	OverCapacity bool `json:"over_capacity,omitempty"`
}

// Cube is the JSON form of a bounding cube.
type Cube struct {
	MinX       float64 `json:"min_x"`
	MinY       float64 `json:"min_y"`
	MinZ       float64 `json:"min_z"`
	EdgeLength float64 `json:"edge_length"`
}

// Manifest is the full manifest contents.
type Manifest struct {
	RootCube         Cube            `json:"root_cube"`
	Resolution       float64         `json:"resolution"`
	MaxPointsPerNode int64           `json:"max_points_per_node"`
	Codec            CodecDescriptor `json:"codec"`
	Nodes            []NodeRecord    `json:"nodes"`
}

// Root returns the root cube in its geometric form.
func (m *Manifest) Root() spatialmath.Cube {
	return spatialmath.Cube{
		Min:        r3.Vector{X: m.RootCube.MinX, Y: m.RootCube.MinY, Z: m.RootCube.MinZ},
		EdgeLength: m.RootCube.EdgeLength,
	}
}

// SetRoot stores the root cube.
func (m *Manifest) SetRoot(c spatialmath.Cube) {
	m.RootCube = Cube{MinX: c.Min.X, MinY: c.Min.Y, MinZ: c.Min.Z, EdgeLength: c.EdgeLength}
}

// NumPoints sums the node directory's point counts.
func (m *Manifest) NumPoints() int64 {
	var total int64
	for _, n := range m.Nodes {
		total += n.NumPoints
	}
	return total
}

// sortNodes puts the directory in level-then-index order so that manifests
// are byte-identical across builds.
func (m *Manifest) sortNodes() error {
	type keyed struct {
		id  octree.NodeId
		rec NodeRecord
	}
	nodes := make([]keyed, len(m.Nodes))
	for i, n := range m.Nodes {
		id, err := octree.NodeIdFromString(n.Id)
		if err != nil {
			return err
		}
		nodes[i] = keyed{id: id, rec: n}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].id.Less(nodes[j].id) })
	for i, n := range nodes {
		m.Nodes[i] = n.rec
	}
	return nil
}

// Write serializes the manifest to dir atomically. The body is JSON inside
// a binary envelope: magic, version, body length, body.
func Write(dir string, m *Manifest) (err error) {
	if err := m.sortNodes(); err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encoding manifest")
	}
	var buf bytes.Buffer
	buf.Write(magic[:])
	var header [12]byte
	binary.LittleEndian.PutUint32(header[0:], CurrentVersion)
	binary.LittleEndian.PutUint64(header[4:], uint64(len(body)))
	buf.Write(header[:])
	buf.Write(body)

	f, err := os.CreateTemp(dir, ".tmp-meta-*")
	if err != nil {
		return errors.Wrap(err, "creating temp manifest")
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			err = multierr.Append(err, os.Remove(tmp))
		}
	}()
	if _, err = f.Write(buf.Bytes()); err != nil {
		return multierr.Append(errors.Wrap(err, "writing manifest"), f.Close())
	}
	if err = f.Sync(); err != nil {
		return multierr.Append(errors.Wrap(err, "fsync manifest"), f.Close())
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "closing manifest")
	}
	return os.Rename(tmp, filepath.Join(dir, Filename))
}

// Read loads and validates the manifest from dir.
func Read(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, Filename))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "%q has no manifest; partial or corrupt build", dir)
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading manifest")
	}
	if len(data) < 16 || !bytes.Equal(data[:4], magic[:]) {
		return nil, ErrBadMagic
	}
	version := binary.LittleEndian.Uint32(data[4:])
	if version != CurrentVersion {
		return nil, errors.Wrapf(ErrVersion, "version %d", version)
	}
	bodyLen := binary.LittleEndian.Uint64(data[8:])
	if uint64(len(data)-16) != bodyLen {
		return nil, errors.Errorf("manifest body is %d bytes, header says %d", len(data)-16, bodyLen)
	}
	var m Manifest
	if err := json.Unmarshal(data[16:], &m); err != nil {
		return nil, errors.Wrap(err, "decoding manifest body")
	}
	return &m, nil
}
