package tile

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/cartographer-project/point-cloud-viewer/spatialmath"
)

var (
	// ErrCodecRange means a position fell outside its node cube by more
	// than half a quantization step. The builder treats this as a bug.
	ErrCodecRange = errors.New("position out of cube range")
	// ErrCodecCorrupt means a tile's header or payload is inconsistent.
	ErrCodecCorrupt = errors.New("corrupt tile")
)

// encodeCoord quantizes one coordinate relative to [min, min+edge]. The
// input may exceed the cube by up to half an ulp of the encoding; anything
// beyond that is a range error.
func encodeCoord(v, min, edge float64, e PositionEncoding) (uint32, error) {
	rel := (v - min) / edge
	tol := 1 / (2 * e.maxCode())
	if rel < -tol || rel > 1+tol {
		return 0, errors.Wrapf(ErrCodecRange, "coordinate %v outside [%v, %v]", v, min, min+edge)
	}
	code := math.Round(rel * e.maxCode())
	if code < 0 {
		code = 0
	}
	if code > e.maxCode() {
		code = e.maxCode()
	}
	return uint32(code), nil
}

// decodeCoord reverses encodeCoord.
func decodeCoord(code uint32, min, edge float64, e PositionEncoding) float64 {
	return min + edge*float64(code)/e.maxCode()
}

// encodePosition quantizes a point position against the cube. For the
// float32 encoding the raw coordinates are returned bit-cast, still subject
// to the cube containment check.
func encodePosition(p r3.Vector, cube spatialmath.Cube, e PositionEncoding) ([3]uint32, error) {
	var out [3]uint32
	if e == EncodingFloat32 {
		if !cube.Contains(p, float32Ulp(cube)) {
			return out, errors.Wrapf(ErrCodecRange, "position %v outside cube", p)
		}
		out[0] = math.Float32bits(float32(p.X))
		out[1] = math.Float32bits(float32(p.Y))
		out[2] = math.Float32bits(float32(p.Z))
		return out, nil
	}
	var err error
	if out[0], err = encodeCoord(p.X, cube.Min.X, cube.EdgeLength, e); err != nil {
		return out, err
	}
	if out[1], err = encodeCoord(p.Y, cube.Min.Y, cube.EdgeLength, e); err != nil {
		return out, err
	}
	out[2], err = encodeCoord(p.Z, cube.Min.Z, cube.EdgeLength, e)
	return out, err
}

// decodePosition reverses encodePosition.
func decodePosition(codes [3]uint32, cube spatialmath.Cube, e PositionEncoding) r3.Vector {
	if e == EncodingFloat32 {
		return r3.Vector{
			X: float64(math.Float32frombits(codes[0])),
			Y: float64(math.Float32frombits(codes[1])),
			Z: float64(math.Float32frombits(codes[2])),
		}
	}
	return r3.Vector{
		X: decodeCoord(codes[0], cube.Min.X, cube.EdgeLength, e),
		Y: decodeCoord(codes[1], cube.Min.Y, cube.EdgeLength, e),
		Z: decodeCoord(codes[2], cube.Min.Z, cube.EdgeLength, e),
	}
}

// float32Ulp is the containment slack for the raw-float32 encoding: one ulp
// at the magnitude of the cube's extremes.
func float32Ulp(cube spatialmath.Cube) float64 {
	max := cube.Max()
	m := math.Max(math.Abs(cube.Min.X), math.Abs(max.X))
	m = math.Max(m, math.Max(math.Abs(cube.Min.Y), math.Abs(max.Y)))
	m = math.Max(m, math.Max(math.Abs(cube.Min.Z), math.Abs(max.Z)))
	return float64(math.Nextafter32(float32(m), float32(math.Inf(1))) - float32(m))
}

// EncodeIntensityByte maps a raw intensity sample to the tile's byte
// channel; the mapping is recorded in the manifest codec descriptor.
func EncodeIntensityByte(intensity float32) uint8 {
	v := math.Round(float64(intensity) / 256)
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	return uint8(v)
}
