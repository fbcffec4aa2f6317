package octree

import (
	"github.com/cartographer-project/point-cloud-viewer/spatialmath"
)

// Node pairs an id with its bounding cube so that traversals do not rederive
// the cube from the root at every step.
type Node struct {
	Id   NodeId
	Cube spatialmath.Cube
}

// Root returns the root node for the given bounding cube.
func Root(cube spatialmath.Cube) Node {
	return Node{Id: RootId(), Cube: cube}
}

// Child returns the child node in the given octant, halving the cube.
func (n Node) Child(c ChildIndex) Node {
	return Node{Id: n.Id.Child(c), Cube: n.Cube.Child(uint8(c))}
}
