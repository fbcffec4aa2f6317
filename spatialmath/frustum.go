package spatialmath

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// Relation describes how a cube relates to a frustum.
type Relation int

const (
	// RelationOut means the cube is fully outside the frustum.
	RelationOut = Relation(iota)
	// RelationCross means the cube straddles at least one frustum plane.
	RelationCross
	// RelationIn means the cube is fully inside the frustum.
	RelationIn
)

// plane is a half space n·p + d >= 0.
type plane struct {
	n r3.Vector
	d float64
}

// Frustum is the six planes of a view volume, extracted from a combined
// view-projection matrix. Culling near the root of very wide scenes has been
// observed to miss when done in float32, so the planes are kept in float64.
type Frustum struct {
	planes [6]plane
}

// NewFrustum extracts the six clip planes from a column-major view-projection
// matrix (Gribb/Hartmann). Plane normals point into the view volume.
func NewFrustum(m mgl64.Mat4) Frustum {
	row := func(i int) mgl64.Vec4 {
		return mgl64.Vec4{m.At(i, 0), m.At(i, 1), m.At(i, 2), m.At(i, 3)}
	}
	r0, r1, r2, r3v := row(0), row(1), row(2), row(3)

	var f Frustum
	for i, v := range []mgl64.Vec4{
		r3v.Add(r0), // left
		r3v.Sub(r0), // right
		r3v.Add(r1), // bottom
		r3v.Sub(r1), // top
		r3v.Add(r2), // near
		r3v.Sub(r2), // far
	} {
		f.planes[i] = plane{
			n: r3.Vector{X: v.X(), Y: v.Y(), Z: v.Z()},
			d: v.W(),
		}
	}
	return f
}

// ContainsCube classifies the cube against all six planes using the
// positive/negative vertex test.
func (f Frustum) ContainsCube(c Cube) Relation {
	min, max := c.Min, c.Max()
	rel := RelationIn
	for _, pl := range f.planes {
		// Farthest corner along the plane normal.
		pv := r3.Vector{X: min.X, Y: min.Y, Z: min.Z}
		nv := r3.Vector{X: max.X, Y: max.Y, Z: max.Z}
		if pl.n.X >= 0 {
			pv.X, nv.X = max.X, min.X
		}
		if pl.n.Y >= 0 {
			pv.Y, nv.Y = max.Y, min.Y
		}
		if pl.n.Z >= 0 {
			pv.Z, nv.Z = max.Z, min.Z
		}
		if pl.n.Dot(pv)+pl.d < 0 {
			return RelationOut
		}
		if pl.n.Dot(nv)+pl.d < 0 {
			rel = RelationCross
		}
	}
	return rel
}

// ProjectPoint runs p through the view-projection matrix and returns
// normalized device coordinates. The boolean is false when the point is on or
// behind the camera plane (w <= 0), where the projection is meaningless.
func ProjectPoint(m mgl64.Mat4, p r3.Vector) (mgl64.Vec3, bool) {
	v := m.Mul4x1(mgl64.Vec4{p.X, p.Y, p.Z, 1})
	if v.W() <= 0 {
		return mgl64.Vec3{}, false
	}
	return mgl64.Vec3{v.X() / v.W(), v.Y() / v.W(), v.Z() / v.W()}, true
}

// ScreenFootprint projects the cube's eight corners and returns the larger
// extent, in pixels, of their axis-aligned screen bounding box. Cubes with a
// corner behind the camera report +Inf so that callers keep descending.
func ScreenFootprint(c Cube, m mgl64.Mat4, widthPx, heightPx int) float64 {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, corner := range c.Corners() {
		ndc, ok := ProjectPoint(m, corner)
		if !ok {
			return math.Inf(1)
		}
		x := (ndc.X() + 1) / 2 * float64(widthPx)
		y := (ndc.Y() + 1) / 2 * float64(heightPx)
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	return math.Max(maxX-minX, maxY-minY)
}

// CameraProxy returns a world-space point representative of the camera: the
// center of the near plane pushed back through the inverse view-projection.
// It is used to order siblings front to back without needing the camera pose
// as a separate argument.
func CameraProxy(m mgl64.Mat4) (r3.Vector, bool) {
	inv := m.Inv()
	if inv == (mgl64.Mat4{}) {
		return r3.Vector{}, false
	}
	v := inv.Mul4x1(mgl64.Vec4{0, 0, -1, 1})
	if v.W() == 0 {
		return r3.Vector{}, false
	}
	return r3.Vector{X: v.X() / v.W(), Y: v.Y() / v.W(), Z: v.Z() / v.W()}, true
}
