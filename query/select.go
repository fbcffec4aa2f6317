package query

import (
	"sort"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"

	"github.com/cartographer-project/point-cloud-viewer/octree"
	"github.com/cartographer-project/point-cloud-viewer/spatialmath"
)

// VisibleNodes selects the nodes needed to cover the frustum of the given
// view-projection matrix at adequate screen-space density. Descent stops at
// nodes whose screen footprint is at most the engine threshold or that have
// no children; only those stop nodes are returned. Output is depth-first
// with closer siblings first, deterministic for identical inputs, and free
// of duplicates. An empty result is legal: the camera may see no data.
func (e *Engine) VisibleNodes(viewProj mgl64.Mat4, widthPx, heightPx int) []octree.NodeId {
	visible := []octree.NodeId{}
	if widthPx <= 0 || heightPx <= 0 {
		return visible
	}
	if !e.HasNode(octree.RootId()) {
		return visible
	}
	frustum := spatialmath.NewFrustum(viewProj)
	camera, haveCamera := spatialmath.CameraProxy(viewProj)

	root := octree.Root(e.root)
	rel := frustum.ContainsCube(root.Cube)
	if rel == spatialmath.RelationOut {
		return visible
	}

	var visit func(n octree.Node, rel spatialmath.Relation)
	visit = func(n octree.Node, rel spatialmath.Relation) {
		mask := e.childMask[n.Id]
		footprint := spatialmath.ScreenFootprint(n.Cube, viewProj, widthPx, heightPx)
		if e.stopDescent(footprint, mask != 0) {
			visible = append(visible, n.Id)
			return
		}

		type openChild struct {
			node octree.Node
			rel  spatialmath.Relation
			dist float64
		}
		children := make([]openChild, 0, 8)
		for c := octree.ChildIndex(0); c < 8; c++ {
			if mask&(1<<uint8(c)) == 0 {
				continue
			}
			child := n.Child(c)
			childRel := rel
			if rel == spatialmath.RelationCross {
				childRel = frustum.ContainsCube(child.Cube)
				if childRel == spatialmath.RelationOut {
					continue
				}
			}
			dist := float64(c)
			if haveCamera {
				dist = child.Cube.Center().Sub(camera).Norm2()
			}
			children = append(children, openChild{node: child, rel: childRel, dist: dist})
		}
		sort.SliceStable(children, func(i, j int) bool { return children[i].dist < children[j].dist })
		for _, child := range children {
			visit(child.node, child.rel)
		}
	}
	visit(root, rel)
	return visible
}

// NodesInBox returns every node whose cube intersects the axis-aligned box,
// in depth-first order with each node before its descendants. It backs spatial queries that are not tied to a camera.
func (e *Engine) NodesInBox(min, max r3.Vector) []octree.NodeId {
	var out []octree.NodeId
	var visit func(n octree.Node)
	visit = func(n octree.Node) {
		cmax := n.Cube.Max()
		if n.Cube.Min.X > max.X || cmax.X < min.X ||
			n.Cube.Min.Y > max.Y || cmax.Y < min.Y ||
			n.Cube.Min.Z > max.Z || cmax.Z < min.Z {
			return
		}
		out = append(out, n.Id)
		mask := e.childMask[n.Id]
		for c := octree.ChildIndex(0); c < 8; c++ {
			if mask&(1<<uint8(c)) != 0 {
				visit(n.Child(c))
			}
		}
	}
	if e.HasNode(octree.RootId()) {
		visit(octree.Root(e.root))
	}
	return out
}
