// Package tile implements the per-node payload: position quantization and
// the bit-exact on-disk tile format.
package tile

import (
	"github.com/pkg/errors"

	"github.com/cartographer-project/point-cloud-viewer/spatialmath"
)

// PositionEncoding is the number of bytes used per position coordinate.
// One- and two-byte encodings are uniform quantizations over the node cube;
// four bytes stores raw float32 coordinates.
type PositionEncoding uint8

const (
	// EncodingUint8 quantizes each coordinate to one byte.
	EncodingUint8 = PositionEncoding(1)
	// EncodingUint16 quantizes each coordinate to two bytes.
	EncodingUint16 = PositionEncoding(2)
	// EncodingFloat32 stores raw float32 coordinates.
	EncodingFloat32 = PositionEncoding(4)
)

// BytesPerCoordinate returns the storage width of one coordinate.
func (e PositionEncoding) BytesPerCoordinate() int { return int(e) }

// maxCode returns the largest quantized value, 2^(8*bpc)-1.
func (e PositionEncoding) maxCode() float64 {
	switch e {
	case EncodingUint8:
		return 255
	case EncodingUint16:
		return 65535
	default:
		return 0
	}
}

// StepSize returns the width of one quantization step over a cube of the
// given edge length; zero for the raw-float32 encoding.
func (e PositionEncoding) StepSize(edgeLength float64) float64 {
	if e == EncodingFloat32 {
		return 0
	}
	return edgeLength / e.maxCode()
}

// MaxError returns the worst-case quantization error for this encoding over
// a cube of the given edge length: half a step. Float32 is treated as exact
// here; its error is the float32 ulp of the coordinates, far below any
// practical resolution target.
func (e PositionEncoding) MaxError(edgeLength float64) float64 {
	return e.StepSize(edgeLength) / 2
}

// EncodingFor picks the narrowest encoding whose quantization step over the
// cube fits the resolution target, so positions come back within half the
// target of where they went in. Small leaf cubes end up with one byte per
// coordinate; the root usually needs two or four.
func EncodingFor(cube spatialmath.Cube, resolution float64) PositionEncoding {
	for _, e := range []PositionEncoding{EncodingUint8, EncodingUint16} {
		if e.StepSize(cube.EdgeLength) <= resolution {
			return e
		}
	}
	return EncodingFloat32
}

// ParseEncoding validates a bytes-per-coordinate value read from a tile
// header.
func ParseEncoding(bpc uint8) (PositionEncoding, error) {
	switch PositionEncoding(bpc) {
	case EncodingUint8, EncodingUint16, EncodingFloat32:
		return PositionEncoding(bpc), nil
	default:
		return 0, errors.Wrapf(ErrCodecCorrupt, "bytes_per_coord %d", bpc)
	}
}
