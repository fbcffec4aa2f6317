// Package spatialmath provides the geometric primitives used by the octree:
// axis-aligned cubes, view frusta and screen-space projection. All math in
// this package is done in float64; only tile payloads are narrower.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Cube is an axis-aligned cube described by its minimum corner and edge length.
type Cube struct {
	Min        r3.Vector
	EdgeLength float64
}

// NewCube creates a cube from a minimum corner and an edge length.
func NewCube(min r3.Vector, edgeLength float64) (Cube, error) {
	if edgeLength <= 0 || math.IsNaN(edgeLength) || math.IsInf(edgeLength, 0) {
		return Cube{}, errors.Errorf("invalid cube edge length %v", edgeLength)
	}
	return Cube{Min: min, EdgeLength: edgeLength}, nil
}

// Max returns the maximum corner of the cube.
func (c Cube) Max() r3.Vector {
	return r3.Vector{X: c.Min.X + c.EdgeLength, Y: c.Min.Y + c.EdgeLength, Z: c.Min.Z + c.EdgeLength}
}

// Center returns the midpoint of the cube.
func (c Cube) Center() r3.Vector {
	half := c.EdgeLength / 2
	return r3.Vector{X: c.Min.X + half, Y: c.Min.Y + half, Z: c.Min.Z + half}
}

// Contains reports whether p lies inside the cube, expanded by tol on every
// face. The max faces are inclusive so that points on the root boundary are
// not lost.
func (c Cube) Contains(p r3.Vector, tol float64) bool {
	max := c.Max()
	return p.X >= c.Min.X-tol && p.X <= max.X+tol &&
		p.Y >= c.Min.Y-tol && p.Y <= max.Y+tol &&
		p.Z >= c.Min.Z-tol && p.Z <= max.Z+tol
}

// Child returns the octant'th sub-cube. Bit 0 selects +x, bit 1 +y and
// bit 2 +z.
func (c Cube) Child(octant uint8) Cube {
	half := c.EdgeLength / 2
	min := c.Min
	if octant&1 != 0 {
		min.X += half
	}
	if octant&2 != 0 {
		min.Y += half
	}
	if octant&4 != 0 {
		min.Z += half
	}
	return Cube{Min: min, EdgeLength: half}
}

// Corners returns the eight corners of the cube.
func (c Cube) Corners() [8]r3.Vector {
	min, max := c.Min, c.Max()
	return [8]r3.Vector{
		{X: min.X, Y: min.Y, Z: min.Z},
		{X: max.X, Y: min.Y, Z: min.Z},
		{X: min.X, Y: max.Y, Z: min.Z},
		{X: max.X, Y: max.Y, Z: min.Z},
		{X: min.X, Y: min.Y, Z: max.Z},
		{X: max.X, Y: min.Y, Z: max.Z},
		{X: min.X, Y: max.Y, Z: max.Z},
		{X: max.X, Y: max.Y, Z: max.Z},
	}
}

// BoundingBox is a float64 axis-aligned box accumulated over an input stream.
type BoundingBox struct {
	Min, Max r3.Vector
	inited   bool
}

// NewBoundingBox returns an empty box ready to grow.
func NewBoundingBox() *BoundingBox {
	return &BoundingBox{}
}

// Grow expands the box to include p.
func (b *BoundingBox) Grow(p r3.Vector) {
	if !b.inited {
		b.Min, b.Max = p, p
		b.inited = true
		return
	}
	b.Min.X = math.Min(b.Min.X, p.X)
	b.Min.Y = math.Min(b.Min.Y, p.Y)
	b.Min.Z = math.Min(b.Min.Z, p.Z)
	b.Max.X = math.Max(b.Max.X, p.X)
	b.Max.Y = math.Max(b.Max.Y, p.Y)
	b.Max.Z = math.Max(b.Max.Z, p.Z)
}

// IsEmpty reports whether the box has seen no points.
func (b *BoundingBox) IsEmpty() bool {
	return !b.inited
}

// BoundingCube returns the smallest cube with a power-of-two edge length that
// contains the box, centered on the box. Children of such a cube subdivide on
// clean binary fractions. A degenerate box (a single point) yields an edge
// length of one.
func (b *BoundingBox) BoundingCube() Cube {
	dim := math.Max(b.Max.X-b.Min.X, math.Max(b.Max.Y-b.Min.Y, b.Max.Z-b.Min.Z))
	edge := 1.0
	if dim > 0 {
		edge = math.Pow(2, math.Ceil(math.Log2(dim)))
		// Guard against log2 rounding leaving the box poking out.
		if edge < dim {
			edge *= 2
		}
	}
	center := r3.Vector{
		X: (b.Min.X + b.Max.X) / 2,
		Y: (b.Min.Y + b.Max.Y) / 2,
		Z: (b.Min.Z + b.Max.Z) / 2,
	}
	half := edge / 2
	return Cube{
		Min:        r3.Vector{X: center.X - half, Y: center.Y - half, Z: center.Z - half},
		EdgeLength: edge,
	}
}
