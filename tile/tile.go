package tile

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/cartographer-project/point-cloud-viewer/pointcloud"
	"github.com/cartographer-project/point-cloud-viewer/spatialmath"
)

// Tile is a node's decoded payload: its cube, encoding and points with
// positions already mapped back to the metric frame.
type Tile struct {
	Cube         spatialmath.Cube
	Encoding     PositionEncoding
	Points       []pointcloud.Point
	HasIntensity bool
}

// ByteSize returns the resident size of the decoded tile, used for cache
// accounting.
func (t *Tile) ByteSize() int64 {
	const bytesPerPoint = 8*3 + 4 + 4 // position + color word + intensity
	return int64(len(t.Points))*bytesPerPoint + 64
}

func pad4(n int) int {
	return (4 - n%4) % 4
}

// Serialize encodes points into the on-disk tile layout:
//
//	f32   min_x, min_y, min_z, edge_length
//	u32   num_points
//	u8    bytes_per_coord
//	pad   to 4
//	bytes positions[num_points*3*bytes_per_coord], pad to 4
//	u8    rgb[num_points*3], pad to 4
//	u8    intensity[num_points], pad to 4   (only with the intensity channel)
//
// Everything is little-endian. Empty tiles are never written.
func Serialize(points []pointcloud.Point, cube spatialmath.Cube, enc PositionEncoding, withIntensity bool) ([]byte, error) {
	if len(points) == 0 {
		return nil, errors.New("refusing to serialize an empty tile")
	}
	var buf bytes.Buffer
	le := binary.LittleEndian

	var header [21]byte
	le.PutUint32(header[0:], math.Float32bits(float32(cube.Min.X)))
	le.PutUint32(header[4:], math.Float32bits(float32(cube.Min.Y)))
	le.PutUint32(header[8:], math.Float32bits(float32(cube.Min.Z)))
	le.PutUint32(header[12:], math.Float32bits(float32(cube.EdgeLength)))
	le.PutUint32(header[16:], uint32(len(points)))
	header[20] = uint8(enc)
	buf.Write(header[:])
	buf.Write(make([]byte, pad4(buf.Len())))

	bpc := enc.BytesPerCoordinate()
	var scratch [4]byte
	for i, p := range points {
		codes, err := encodePosition(p.Position, cube, enc)
		if err != nil {
			return nil, errors.Wrapf(err, "point %d", i)
		}
		for _, code := range codes {
			le.PutUint32(scratch[:], code)
			buf.Write(scratch[:bpc])
		}
	}
	buf.Write(make([]byte, pad4(buf.Len())))

	for _, p := range points {
		buf.Write([]byte{p.R, p.G, p.B})
	}
	buf.Write(make([]byte, pad4(buf.Len())))

	if withIntensity {
		for _, p := range points {
			buf.WriteByte(EncodeIntensityByte(p.Intensity))
		}
		buf.Write(make([]byte, pad4(buf.Len())))
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a tile payload. withIntensity must match the codec
// descriptor under which the octree was built; the payload length is
// validated against it.
func Deserialize(data []byte, withIntensity bool) (*Tile, error) {
	le := binary.LittleEndian
	if len(data) < 24 {
		return nil, errors.Wrap(ErrCodecCorrupt, "short header")
	}
	cube := spatialmath.Cube{
		Min: r3.Vector{
			X: float64(math.Float32frombits(le.Uint32(data[0:]))),
			Y: float64(math.Float32frombits(le.Uint32(data[4:]))),
			Z: float64(math.Float32frombits(le.Uint32(data[8:]))),
		},
		EdgeLength: float64(math.Float32frombits(le.Uint32(data[12:]))),
	}
	numPoints := int(le.Uint32(data[16:]))
	enc, err := ParseEncoding(data[20])
	if err != nil {
		return nil, err
	}
	if cube.EdgeLength <= 0 || numPoints == 0 {
		return nil, errors.Wrap(ErrCodecCorrupt, "empty or degenerate tile header")
	}

	posLen := numPoints * 3 * enc.BytesPerCoordinate()
	rgbLen := numPoints * 3
	rgbOff := 24 + posLen + pad4(24+posLen)
	intensityOff := rgbOff + rgbLen + pad4(rgbOff+rgbLen)
	want := intensityOff
	if withIntensity {
		want += numPoints + pad4(intensityOff+numPoints)
	}
	if len(data) != want {
		return nil, errors.Wrapf(ErrCodecCorrupt, "payload is %d bytes, header implies %d", len(data), want)
	}

	points := make([]pointcloud.Point, numPoints)
	bpc := enc.BytesPerCoordinate()
	for i := 0; i < numPoints; i++ {
		var codes [3]uint32
		off := 24 + i*3*bpc
		for c := 0; c < 3; c++ {
			switch enc {
			case EncodingUint8:
				codes[c] = uint32(data[off])
			case EncodingUint16:
				codes[c] = uint32(le.Uint16(data[off:]))
			default:
				codes[c] = le.Uint32(data[off:])
			}
			off += bpc
		}
		points[i].Position = decodePosition(codes, cube, enc)
		points[i].R = data[rgbOff+i*3]
		points[i].G = data[rgbOff+i*3+1]
		points[i].B = data[rgbOff+i*3+2]
		if withIntensity {
			points[i].Intensity = float32(data[intensityOff+i]) * 256
			points[i].HasIntensity = true
		}
	}
	return &Tile{Cube: cube, Encoding: enc, Points: points, HasIntensity: withIntensity}, nil
}
