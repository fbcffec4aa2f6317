// Package pointcloud defines the point record flowing through the build
// pipeline and the streams that produce it from input files.
package pointcloud

import (
	"image/color"

	"github.com/golang/geo/r3"
)

// Point is one colored sample in the global metric frame. Intensity is
// optional; HasIntensity says whether the field carries data.
type Point struct {
	Position     r3.Vector
	R, G, B      uint8
	Intensity    float32
	HasIntensity bool
}

// NewPoint is a convenience constructor for a colored point.
func NewPoint(x, y, z float64, c color.NRGBA) Point {
	return Point{Position: r3.Vector{X: x, Y: y, Z: z}, R: c.R, G: c.G, B: c.B}
}

// Color returns the point's color as a color.NRGBA.
func (p Point) Color() color.NRGBA {
	return color.NRGBA{R: p.R, G: p.G, B: p.B, A: 255}
}

// Less orders points by position, then color. Leaf tiles are sorted with it
// before serialization so that builds are reproducible regardless of worker
// interleaving.
func (p Point) Less(other Point) bool {
	if p.Position.X != other.Position.X {
		return p.Position.X < other.Position.X
	}
	if p.Position.Y != other.Position.Y {
		return p.Position.Y < other.Position.Y
	}
	if p.Position.Z != other.Position.Z {
		return p.Position.Z < other.Position.Z
	}
	if p.R != other.R {
		return p.R < other.R
	}
	if p.G != other.G {
		return p.G < other.G
	}
	if p.B != other.B {
		return p.B < other.B
	}
	return p.Intensity < other.Intensity
}
