// Package octree defines node identifiers and the arithmetic that relates a
// node to its parent, children and bounding cube. The tree itself is never
// materialized with pointers; everything is derivable from a NodeId and the
// root cube.
package octree

import (
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/cartographer-project/point-cloud-viewer/spatialmath"
)

// MaxLevel is the deepest level a NodeId can address. Three bits per level
// must fit the index word.
const MaxLevel = 21

// ChildIndex addresses one of the eight children of a node. Bit 0 selects
// the +x half, bit 1 +y, bit 2 +z.
type ChildIndex uint8

// ChildIndexFromPoint returns the octant of cube that contains p. Points on
// a midpoint plane go to the + octant; the builder and any later classifier
// must agree on this.
func ChildIndexFromPoint(cube spatialmath.Cube, p r3.Vector) ChildIndex {
	center := cube.Center()
	var idx ChildIndex
	if p.X >= center.X {
		idx |= 1
	}
	if p.Y >= center.Y {
		idx |= 2
	}
	if p.Z >= center.Z {
		idx |= 4
	}
	return idx
}

// NodeId identifies a node by its octant path from the root. The root is
// level 0. Two nodes can share an index but never an index and a level.
type NodeId struct {
	level uint8
	index uint64
}

// RootId returns the id of the root node.
func RootId() NodeId {
	return NodeId{}
}

// NodeIdFromString parses the canonical "r4027" form.
func NodeIdFromString(s string) (NodeId, error) {
	if !strings.HasPrefix(s, "r") {
		return NodeId{}, errors.Errorf("node id %q does not start with r", s)
	}
	digits := s[1:]
	if len(digits) > MaxLevel {
		return NodeId{}, errors.Errorf("node id %q deeper than %d levels", s, MaxLevel)
	}
	if digits == "" {
		return RootId(), nil
	}
	index, err := strconv.ParseUint(digits, 8, 64)
	if err != nil {
		return NodeId{}, errors.Wrapf(err, "node id %q has non-octant digits", s)
	}
	return NodeId{level: uint8(len(digits)), index: index}, nil
}

// String renders the id as "r" followed by one octal digit per level.
func (id NodeId) String() string {
	if id.level == 0 {
		return "r"
	}
	digits := strconv.FormatUint(id.index, 8)
	var b strings.Builder
	b.Grow(1 + int(id.level))
	b.WriteByte('r')
	for i := len(digits); i < int(id.level); i++ {
		b.WriteByte('0')
	}
	b.WriteString(digits)
	return b.String()
}

// Level returns the depth of the node, 0 being the root.
func (id NodeId) Level() int {
	return int(id.level)
}

// IsRoot reports whether this is the root id.
func (id NodeId) IsRoot() bool {
	return id.level == 0
}

// Child returns the id of the given child.
func (id NodeId) Child(c ChildIndex) NodeId {
	return NodeId{level: id.level + 1, index: id.index<<3 | uint64(c&7)}
}

// Parent returns the parent id. The second return is false for the root.
func (id NodeId) Parent() (NodeId, bool) {
	if id.level == 0 {
		return NodeId{}, false
	}
	return NodeId{level: id.level - 1, index: id.index >> 3}, true
}

// IndexInParent returns which child of its parent this node is.
func (id NodeId) IndexInParent() ChildIndex {
	return ChildIndex(id.index & 7)
}

// Ancestors returns every strict prefix of the id, nearest parent first.
func (id NodeId) Ancestors() []NodeId {
	out := make([]NodeId, 0, id.level)
	for cur, ok := id.Parent(); ok; cur, ok = cur.Parent() {
		out = append(out, cur)
	}
	return out
}

// Cube derives the node's bounding cube from the root cube by walking the
// octant path from the top.
func (id NodeId) Cube(root spatialmath.Cube) spatialmath.Cube {
	cube := root
	for level := int(id.level) - 1; level >= 0; level-- {
		octant := uint8(id.index>>(3*uint(level))) & 7
		cube = cube.Child(octant)
	}
	return cube
}

// Less orders ids level first, then by index; used to keep manifests and
// traversal output deterministic.
func (id NodeId) Less(other NodeId) bool {
	if id.level != other.level {
		return id.level < other.level
	}
	return id.index < other.index
}
