package builder

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/cartographer-project/point-cloud-viewer/meta"
	"github.com/cartographer-project/point-cloud-viewer/octree"
	"github.com/cartographer-project/point-cloud-viewer/pointcloud"
	"github.com/cartographer-project/point-cloud-viewer/spatialmath"
	"github.com/cartographer-project/point-cloud-viewer/store"
)

// openNode is a node currently accepting points in pass 1. Exactly one of
// the states holds at any time: open (accepting), or closed (split, its
// points redistributed to children).
type openNode struct {
	mu     sync.Mutex
	node   octree.Node
	writer *store.SpillWriter
	count  int64
	open   bool
}

// Builder runs one build. It is single-use.
type Builder struct {
	cfg    Config
	logger golog.Logger
	store  *store.Store
	root   spatialmath.Cube

	// Open-node table. The map itself is guarded by mu; per-node state by
	// each node's own lock.
	mu     sync.RWMutex
	nodes  map[octree.NodeId]*openNode
	closed map[octree.NodeId]bool

	routed       atomic.Int64
	hasIntensity atomic.Bool
}

// Build streams all points into a fresh octree at cfg.OutputDirectory. The
// bounding box must cover every point in the stream; callers usually obtain
// it from pointcloud.ComputeBounds over a first scan of the input.
func Build(
	ctx context.Context,
	stream pointcloud.Stream,
	box *spatialmath.BoundingBox,
	cfg Config,
	logger golog.Logger,
) (*meta.Manifest, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if box.IsEmpty() {
		return nil, errors.New("input contains no points")
	}
	st, err := store.NewStore(cfg.OutputDirectory)
	if err != nil {
		return nil, err
	}
	b := &Builder{
		cfg:    cfg,
		logger: logger,
		store:  st,
		root:   box.BoundingCube(),
		nodes:  map[octree.NodeId]*openNode{},
		closed: map[octree.NodeId]bool{},
	}
	manifest, err := b.run(ctx, stream)
	if err != nil && cfg.CleanOnError {
		if cerr := st.RemoveScratch(); cerr != nil {
			logger.Warnf("could not clean scratch files: %v", cerr)
		}
	}
	return manifest, err
}

func (b *Builder) run(ctx context.Context, stream pointcloud.Stream) (*meta.Manifest, error) {
	b.logger.Infof("building octree in %q, root cube min %v edge %v",
		b.cfg.OutputDirectory, b.root.Min, b.root.EdgeLength)

	if err := b.splitPass(ctx, stream); err != nil {
		return nil, err
	}
	records, err := b.finalizePass(ctx)
	if err != nil {
		return nil, err
	}

	m := &meta.Manifest{
		Resolution:       b.cfg.Resolution,
		MaxPointsPerNode: b.cfg.MaxPointsPerNode,
		Codec: meta.CodecDescriptor{
			SubsampleCriterion: "stratified-nmax",
			ScreenSpaceMetric:  "corner-aabb",
			HasIntensity:       b.hasIntensity.Load(),
		},
		Nodes: records,
	}
	if m.Codec.HasIntensity {
		m.Codec.IntensityMapping = "round(raw/256)"
	}
	m.SetRoot(b.root)
	if err := meta.Write(b.cfg.OutputDirectory, m); err != nil {
		return nil, errors.Wrap(err, "committing manifest")
	}
	if err := b.store.RemoveScratch(); err != nil {
		b.logger.Warnf("octree is complete but scratch files remain: %v", err)
	}
	b.logger.Infof("octree complete: %d nodes, %d points", len(m.Nodes), m.NumPoints())
	return m, nil
}

// splitPass partitions the input stream into leaf spill files, splitting any
// node that outgrows the per-node cap.
func (b *Builder) splitPass(ctx context.Context, stream pointcloud.Stream) error {
	b.nodes[octree.RootId()] = &openNode{node: octree.Root(b.root), open: true}

	pipeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pipe := pointcloud.NewBatchPipe(pipeCtx, stream, b.cfg.BatchPipeDepth)

	group, groupCtx := errgroup.WithContext(pipeCtx)
	for i := 0; i < b.cfg.Threads; i++ {
		group.Go(func() error {
			for batch := range pipe.Batches() {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				for _, p := range batch {
					if err := b.route(p); err != nil {
						return err
					}
				}
				if n := b.routed.Add(int64(len(batch))); n%50_000_000 < int64(len(batch)) {
					b.logger.Infof("split pass: %d points routed, %d open nodes", n, b.numOpen())
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if err := pipe.Err(); err != nil {
		return errors.Wrap(err, "reading input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.closeSpills()
}

// route walks p down through closed nodes until it reaches an open node and
// appends it there, possibly triggering a split.
func (b *Builder) route(p pointcloud.Point) error {
	if p.HasIntensity {
		b.hasIntensity.Store(true)
	}
	node := octree.Root(b.root)
	for {
		b.mu.RLock()
		on := b.nodes[node.Id]
		isClosed := b.closed[node.Id]
		b.mu.RUnlock()

		if on != nil {
			on.mu.Lock()
			if on.open {
				err := b.appendLocked(on, p)
				on.mu.Unlock()
				return err
			}
			on.mu.Unlock()
			// Closed between lookup and lock; descend.
		} else if !isClosed {
			return errors.Errorf("point %v routed to unknown node %s", p.Position, node.Id)
		}
		node = node.Child(octree.ChildIndexFromPoint(node.Cube, p.Position))
	}
}

// appendLocked writes p into an open node's spill, splitting the node once
// it outgrows the cap. The node lock is held.
func (b *Builder) appendLocked(on *openNode, p pointcloud.Point) error {
	if on.writer == nil {
		w, err := b.store.NewSpillWriter(on.node.Id)
		if err != nil {
			return err
		}
		on.writer = w
	}
	if err := on.writer.Write(p); err != nil {
		return errors.Wrapf(err, "spilling to %s", on.node.Id)
	}
	on.count++
	if on.count > b.cfg.MaxPointsPerNode && b.canSplit(on.node) {
		return b.splitLocked(on)
	}
	return nil
}

// canSplit rejects splits past the depth limit or below the resolution
// floor; such nodes become over-capacity leaves instead.
func (b *Builder) canSplit(node octree.Node) bool {
	if node.Id.Level() >= b.cfg.MaxDepth {
		return false
	}
	return node.Cube.EdgeLength > b.cfg.Resolution
}

// splitLocked closes a node, publishes its eight children as open nodes and
// redistributes the spilled points locally. The node lock is held.
func (b *Builder) splitLocked(on *openNode) error {
	id := on.node.Id
	b.logger.Debugf("splitting %s at %d points", id, on.count)
	if err := on.writer.Close(); err != nil {
		return errors.Wrapf(err, "closing spill for %s", id)
	}
	on.writer = nil
	on.open = false

	b.mu.Lock()
	delete(b.nodes, id)
	b.closed[id] = true
	for c := octree.ChildIndex(0); c < 8; c++ {
		child := on.node.Child(c)
		b.nodes[child.Id] = &openNode{node: child, open: true}
	}
	b.mu.Unlock()

	points, err := b.store.ReadSpill(id)
	if err != nil {
		return err
	}
	for _, p := range points {
		if err := b.route(p); err != nil {
			return err
		}
	}
	return b.store.RemoveSpill(id)
}

func (b *Builder) numOpen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes)
}

// closeSpills flushes every live spill writer and drops empty open nodes,
// leaving exactly the leaves.
func (b *Builder) closeSpills() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, on := range b.nodes {
		on.mu.Lock()
		if on.writer != nil {
			if err := on.writer.Close(); err != nil {
				on.mu.Unlock()
				return errors.Wrapf(err, "closing spill for %s", id)
			}
			on.writer = nil
		}
		if on.count == 0 {
			delete(b.nodes, id)
		}
		on.mu.Unlock()
	}
	return nil
}
