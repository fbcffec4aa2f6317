// Package store lays out octree tiles on disk: one immutable file per node,
// named by its NodeId, written atomically so readers never observe a torn
// tile. It also owns the append-only scratch files the builder spills points
// into between passes.
package store

import (
	"os"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/cartographer-project/point-cloud-viewer/octree"
)

var (
	// ErrNotFound means no tile exists for the requested node.
	ErrNotFound = errors.New("node not found in store")
	// ErrPartial means an atomic put could not be completed; the target
	// file was left untouched.
	ErrPartial = errors.New("tile write could not be completed atomically")
)

// Store is a directory of per-node tile files.
type Store struct {
	dir string
}

// NewStore opens (creating if needed) the octree directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "cannot create octree directory %q", dir)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the octree directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the on-disk path of a node's tile.
func (s *Store) Path(id octree.NodeId) string {
	return filepath.Join(s.dir, id.String())
}

// Put writes a tile through a temp file, fsyncs it and renames it into
// place. A crash mid-put leaves at worst a stray temp file, never a torn
// tile.
func (s *Store) Put(id octree.NodeId, data []byte) (err error) {
	f, err := os.CreateTemp(s.dir, ".tmp-"+id.String()+"-*")
	if err != nil {
		return errors.Wrapf(err, "creating temp tile for %s", id)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			err = multierr.Append(err, os.Remove(tmp))
		}
	}()
	if _, err = f.Write(data); err != nil {
		err = multierr.Append(errors.Wrapf(err, "writing tile %s", id), f.Close())
		return err
	}
	if err = f.Sync(); err != nil {
		err = multierr.Append(errors.Wrapf(ErrPartial, "fsync %s: %v", id, err), f.Close())
		return err
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(ErrPartial, "close %s: %v", id, err)
	}
	if err = os.Rename(tmp, s.Path(id)); err != nil {
		return errors.Wrapf(ErrPartial, "rename %s: %v", id, err)
	}
	return nil
}

// Get returns a node's raw tile bytes.
func (s *Store) Get(id octree.NodeId) ([]byte, error) {
	data, err := os.ReadFile(s.Path(id))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading tile %s", id)
	}
	return data, nil
}

// List enumerates every node with a tile on disk.
func (s *Store) List() (mapset.Set[octree.NodeId], error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %q", s.dir)
	}
	ids := mapset.NewSet[octree.NodeId]()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.ContainsRune(name, '.') {
			continue
		}
		id, err := octree.NodeIdFromString(name)
		if err != nil {
			continue
		}
		ids.Add(id)
	}
	return ids, nil
}
