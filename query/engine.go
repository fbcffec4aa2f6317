// Package query is the read side of an octree directory: it loads the
// manifest, selects the nodes a camera needs at adequate screen-space
// density, and streams decoded tiles with caching and request
// deduplication.
package query

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/cartographer-project/point-cloud-viewer/cache"
	"github.com/cartographer-project/point-cloud-viewer/meta"
	"github.com/cartographer-project/point-cloud-viewer/octree"
	"github.com/cartographer-project/point-cloud-viewer/spatialmath"
	"github.com/cartographer-project/point-cloud-viewer/store"
	"github.com/cartographer-project/point-cloud-viewer/tile"
	"github.com/cartographer-project/point-cloud-viewer/utils"
)

// ErrNodeAbsent means the requested id is not in the manifest. Clients
// racing against eviction treat this as an expected condition.
var ErrNodeAbsent = errors.New("node not in manifest")

// DefaultThresholdPx is the screen footprint below which LOD descent stops.
const DefaultThresholdPx = 512.0

// Options tunes an Engine.
type Options struct {
	// CacheBytes bounds the decoded tile cache.
	CacheBytes int64
	// ThresholdPx overrides the LOD stop threshold.
	ThresholdPx float64
	// PrefetchWorkers sizes the background prefetch pool. Zero disables
	// prefetching.
	PrefetchWorkers int
}

// Metadata summarizes an open octree.
type Metadata struct {
	RootCube   spatialmath.Cube
	Resolution float64
	NodeCount  int
	PointCount int64
}

// Engine answers visibility and tile queries against one octree directory.
// It is safe for concurrent use; the manifest is immutable after Open.
type Engine struct {
	logger    golog.Logger
	manifest  *meta.Manifest
	root      spatialmath.Cube
	nodes     map[octree.NodeId]meta.NodeRecord
	childMask map[octree.NodeId]uint8
	threshold float64

	store *store.Store
	cache *cache.LRU
	group singleflight.Group
	pool  *utils.TaskPool

	storageReads atomic.Int64
}

// Open loads and validates the manifest and builds the in-memory frustum
// index. If Open succeeds, every node in the directory has a readable tile.
func Open(dir string, opts Options, logger golog.Logger) (*Engine, error) {
	m, err := meta.Read(dir)
	if err != nil {
		return nil, err
	}
	st, err := store.NewStore(dir)
	if err != nil {
		return nil, err
	}
	threshold := opts.ThresholdPx
	if threshold <= 0 {
		threshold = DefaultThresholdPx
	}
	e := &Engine{
		logger:    logger,
		manifest:  m,
		root:      m.Root(),
		nodes:     make(map[octree.NodeId]meta.NodeRecord, len(m.Nodes)),
		childMask: map[octree.NodeId]uint8{},
		threshold: threshold,
		store:     st,
		cache:     cache.New(opts.CacheBytes),
	}
	for _, rec := range m.Nodes {
		id, err := octree.NodeIdFromString(rec.Id)
		if err != nil {
			return nil, errors.Wrap(err, "manifest node directory")
		}
		e.nodes[id] = rec
	}
	for id := range e.nodes {
		if parent, ok := id.Parent(); ok {
			e.childMask[parent] |= 1 << uint8(id.IndexInParent())
		}
	}
	if opts.PrefetchWorkers > 0 {
		e.pool = utils.NewTaskPool(opts.PrefetchWorkers, 0)
	}
	logger.Debugf("opened octree %q: %d nodes, %d points", dir, len(e.nodes), m.NumPoints())
	return e, nil
}

// Close releases background resources.
func (e *Engine) Close() {
	if e.pool != nil {
		e.pool.Stop()
	}
}

// Metadata returns summary information about the octree.
func (e *Engine) Metadata() Metadata {
	return Metadata{
		RootCube:   e.root,
		Resolution: e.manifest.Resolution,
		NodeCount:  len(e.nodes),
		PointCount: e.manifest.NumPoints(),
	}
}

// HasNode reports whether the id is in the manifest.
func (e *Engine) HasNode(id octree.NodeId) bool {
	_, ok := e.nodes[id]
	return ok
}

// StorageReads returns how many tile reads actually hit storage, as opposed
// to being served from cache or deduplicated onto an in-flight load.
func (e *Engine) StorageReads() int64 {
	return e.storageReads.Load()
}

// RawTile returns a node's tile bytes exactly as stored, for transports
// that relay tiles without decoding them.
func (e *Engine) RawTile(ctx context.Context, id octree.NodeId) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !e.HasNode(id) {
		return nil, errors.Wrapf(ErrNodeAbsent, "%s", id)
	}
	e.storageReads.Inc()
	return e.store.Get(id)
}

// Fetch returns a node's decoded tile. Concurrent fetches of the same node
// share one storage read; repeated fetches are served from the LRU cache.
func (e *Engine) Fetch(ctx context.Context, id octree.NodeId) (*tile.Tile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !e.HasNode(id) {
		return nil, errors.Wrapf(ErrNodeAbsent, "%s", id)
	}
	if til, pin := e.cache.Get(id); til != nil {
		pin.Release()
		return til, nil
	}

	resCh := e.group.DoChan(id.String(), func() (interface{}, error) {
		til, err := e.load(id)
		if err != nil {
			return nil, err
		}
		cached, pin := e.cache.Add(id, til)
		pin.Release()
		return cached, nil
	})
	select {
	case res := <-resCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*tile.Tile), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load reads and decodes one tile from storage, cross-checking the header
// against the cube derived from the manifest.
func (e *Engine) load(id octree.NodeId) (*tile.Tile, error) {
	e.storageReads.Inc()
	data, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	til, err := tile.Deserialize(data, e.manifest.Codec.HasIntensity)
	if err != nil {
		return nil, errors.Wrapf(err, "node %s", id)
	}
	want := id.Cube(e.root)
	if float32(want.Min.X) != float32(til.Cube.Min.X) ||
		float32(want.Min.Y) != float32(til.Cube.Min.Y) ||
		float32(want.Min.Z) != float32(til.Cube.Min.Z) ||
		float32(want.EdgeLength) != float32(til.Cube.EdgeLength) {
		return nil, errors.Wrapf(tile.ErrCodecCorrupt, "node %s header cube does not match manifest", id)
	}
	if rec := e.nodes[id]; int64(len(til.Points)) != rec.NumPoints {
		return nil, errors.Wrapf(tile.ErrCodecCorrupt,
			"node %s has %d points, manifest says %d", id, len(til.Points), rec.NumPoints)
	}
	return til, nil
}

// Prefetch warms the cache for the given nodes in the background. Errors
// are logged, not returned; a later Fetch will surface them.
func (e *Engine) Prefetch(ctx context.Context, ids []octree.NodeId) {
	if e.pool == nil {
		return
	}
	for _, id := range ids {
		id := id
		if _, err := e.pool.Submit(ctx, func(taskCtx context.Context) error {
			if _, err := e.Fetch(taskCtx, id); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Debugw("prefetch failed", "node", id.String(), "error", err)
			}
			return nil
		}); err != nil {
			return
		}
	}
}

// stopDescent decides whether LOD selection refines past a node.
func (e *Engine) stopDescent(footprintPx float64, hasChildren bool) bool {
	return !hasChildren || footprintPx <= e.threshold || math.IsNaN(footprintPx)
}
