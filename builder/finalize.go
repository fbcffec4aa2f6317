package builder

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/cartographer-project/point-cloud-viewer/meta"
	"github.com/cartographer-project/point-cloud-viewer/octree"
	"github.com/cartographer-project/point-cloud-viewer/pointcloud"
	"github.com/cartographer-project/point-cloud-viewer/tile"
	"github.com/cartographer-project/point-cloud-viewer/utils"
)

// finalizePass walks the tree bottom-up: leaves are serialized from their
// spill files, interior nodes from stratified subsamples of their already
// final children. Siblings at a level are independent and run in parallel.
func (b *Builder) finalizePass(ctx context.Context) ([]meta.NodeRecord, error) {
	leaves := make([]octree.NodeId, 0, len(b.nodes))
	maxLevel := 0
	for id := range b.nodes {
		leaves = append(leaves, id)
		if id.Level() > maxLevel {
			maxLevel = id.Level()
		}
	}
	if len(leaves) == 0 {
		return nil, errors.New("input contains no points")
	}

	// Interior nodes are exactly the strict ancestors of leaves.
	interior := map[octree.NodeId]bool{}
	for _, id := range leaves {
		for _, anc := range id.Ancestors() {
			interior[anc] = true
		}
	}
	byLevel := make([][]octree.NodeId, maxLevel+1)
	for _, id := range leaves {
		byLevel[id.Level()] = append(byLevel[id.Level()], id)
	}
	for id := range interior {
		byLevel[id.Level()] = append(byLevel[id.Level()], id)
	}

	var recordsMu sync.Mutex
	records := make(map[octree.NodeId]meta.NodeRecord, len(leaves)+len(interior))
	addRecord := func(id octree.NodeId, rec meta.NodeRecord) {
		recordsMu.Lock()
		records[id] = rec
		recordsMu.Unlock()
	}
	numPointsOf := func(id octree.NodeId) int64 {
		recordsMu.Lock()
		defer recordsMu.Unlock()
		return records[id].NumPoints
	}

	pool := utils.NewTaskPool(b.cfg.Threads, 2*b.cfg.Threads)
	defer pool.Stop()
	for level := maxLevel; level >= 0; level-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(byLevel[level]) == 0 {
			continue
		}
		b.logger.Infof("finalizing level %d: %d nodes", level, len(byLevel[level]))
		futures := make([]*utils.Future, 0, len(byLevel[level]))
		for _, id := range byLevel[level] {
			id := id
			future, err := pool.Submit(ctx, func(taskCtx context.Context) error {
				if err := taskCtx.Err(); err != nil {
					return err
				}
				if interior[id] {
					return b.subsampleInterior(id, numPointsOf, addRecord)
				}
				return b.finalizeLeaf(id, addRecord)
			})
			if err != nil {
				return nil, err
			}
			futures = append(futures, future)
		}
		// Each level is a barrier: parents need every child finalized.
		var levelErr error
		for _, future := range futures {
			if err := future.Wait(ctx); err != nil && levelErr == nil {
				levelErr = err
			}
		}
		if levelErr != nil {
			return nil, levelErr
		}
	}

	out := make([]meta.NodeRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	return out, nil
}

// finalizeLeaf turns a leaf's spill file into its tile. Points are sorted
// before serialization so the output does not depend on pass-1 worker
// interleaving.
func (b *Builder) finalizeLeaf(id octree.NodeId, addRecord func(octree.NodeId, meta.NodeRecord)) error {
	points, err := b.store.ReadSpill(id)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return errors.Errorf("leaf %s has an empty spill", id)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Less(points[j]) })

	over := int64(len(points)) > b.cfg.MaxPointsPerNode
	if over {
		b.logger.Warnf("node %s is too small to split and keeps all %d points", id, len(points))
	}
	numBytes, err := b.writeTile(id, points)
	if err != nil {
		return err
	}
	addRecord(id, meta.NodeRecord{
		Id:           id.String(),
		NumPoints:    int64(len(points)),
		NumBytes:     numBytes,
		OverCapacity: over,
	})
	return nil
}

// subsampleInterior draws up to MaxPointsPerNode points from the node's
// children, each child contributing in proportion to its size, chosen
// uniformly at random without replacement under a per-node seed.
func (b *Builder) subsampleInterior(
	id octree.NodeId,
	numPointsOf func(octree.NodeId) int64,
	addRecord func(octree.NodeId, meta.NodeRecord),
) error {
	var childIds []octree.NodeId
	var counts []int64
	var total int64
	for c := octree.ChildIndex(0); c < 8; c++ {
		childId := id.Child(c)
		if n := numPointsOf(childId); n > 0 {
			childIds = append(childIds, childId)
			counts = append(counts, n)
			total += n
		}
	}
	if total == 0 {
		return errors.Errorf("interior node %s has no finalized children", id)
	}

	quotas := stratifiedQuotas(counts, b.cfg.MaxPointsPerNode)
	rng := rand.New(rand.NewSource(subsampleSeed(id, b.cfg.Seed)))

	points := make([]pointcloud.Point, 0, b.cfg.MaxPointsPerNode)
	for i, childId := range childIds {
		data, err := b.store.Get(childId)
		if err != nil {
			return errors.Wrapf(err, "reading child of %s", id)
		}
		childTile, err := tile.Deserialize(data, b.hasIntensity.Load())
		if err != nil {
			return errors.Wrapf(err, "decoding child %s", childId)
		}
		points = append(points, samplePoints(childTile.Points, int(quotas[i]), rng)...)
	}

	numBytes, err := b.writeTile(id, points)
	if err != nil {
		return err
	}
	addRecord(id, meta.NodeRecord{
		Id:        id.String(),
		NumPoints: int64(len(points)),
		NumBytes:  numBytes,
	})
	return nil
}

// writeTile serializes points against the node's cube and stores the tile.
func (b *Builder) writeTile(id octree.NodeId, points []pointcloud.Point) (int64, error) {
	cube := id.Cube(b.root)
	enc := tile.EncodingFor(cube, b.cfg.Resolution)
	data, err := tile.Serialize(points, cube, enc, b.hasIntensity.Load())
	if err != nil {
		return 0, errors.Wrapf(err, "serializing %s", id)
	}
	if err := b.store.Put(id, data); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// stratifiedQuotas allocates up to budget samples across children proportional
// to their sizes. Every non-empty child keeps at least one point; overshoot
// from rounding is shaved off the largest allocations.
func stratifiedQuotas(counts []int64, budget int64) []int64 {
	var total int64
	for _, c := range counts {
		total += c
	}
	quotas := make([]int64, len(counts))
	if total <= budget {
		copy(quotas, counts)
		return quotas
	}
	var sum int64
	for i, c := range counts {
		q := int64(math.Round(float64(budget) * float64(c) / float64(total)))
		if q < 1 {
			q = 1
		}
		if q > c {
			q = c
		}
		quotas[i] = q
		sum += q
	}
	for sum > budget {
		largest := 0
		for i := range quotas {
			if quotas[i] > quotas[largest] {
				largest = i
			}
		}
		quotas[largest]--
		sum--
	}
	return quotas
}

// samplePoints picks n points uniformly without replacement, preserving
// tile order so output bytes are reproducible.
func samplePoints(points []pointcloud.Point, n int, rng *rand.Rand) []pointcloud.Point {
	if n >= len(points) {
		out := make([]pointcloud.Point, len(points))
		copy(out, points)
		return out
	}
	picked := rng.Perm(len(points))[:n]
	sort.Ints(picked)
	out := make([]pointcloud.Point, 0, n)
	for _, idx := range picked {
		out = append(out, points[idx])
	}
	return out
}

// subsampleSeed derives a node's sampling seed from its id and the build
// seed.
func subsampleSeed(id octree.NodeId, buildSeed int64) int64 {
	h := fnv.New64a()
	h.Write([]byte(id.String()))
	return int64(h.Sum64()) ^ buildSeed
}
