package pointcloud

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// plyProperty is a single scalar property of the vertex element.
type plyProperty struct {
	name string
	size int
	kind byte // 'i' signed, 'u' unsigned, 'f' float
}

var plyScalarTypes = map[string]plyProperty{
	"char":    {size: 1, kind: 'i'},
	"int8":    {size: 1, kind: 'i'},
	"uchar":   {size: 1, kind: 'u'},
	"uint8":   {size: 1, kind: 'u'},
	"short":   {size: 2, kind: 'i'},
	"int16":   {size: 2, kind: 'i'},
	"ushort":  {size: 2, kind: 'u'},
	"uint16":  {size: 2, kind: 'u'},
	"int":     {size: 4, kind: 'i'},
	"int32":   {size: 4, kind: 'i'},
	"uint":    {size: 4, kind: 'u'},
	"uint32":  {size: 4, kind: 'u'},
	"float":   {size: 4, kind: 'f'},
	"float32": {size: 4, kind: 'f'},
	"double":  {size: 8, kind: 'f'},
	"float64": {size: 8, kind: 'f'},
}

type plyHeader struct {
	ascii       bool
	numVertices int64
	props       []plyProperty
	stride      int
	x, y, z     int // property indices
	r, g, b     int
	intensity   int
}

func parsePlyHeader(in *bufio.Reader) (*plyHeader, error) {
	magic, err := in.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(magic) != "ply" {
		return nil, errors.New("not a ply file")
	}

	h := &plyHeader{x: -1, y: -1, z: -1, r: -1, g: -1, b: -1, intensity: -1}
	inVertex := false
	for {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrap(err, "unterminated ply header")
		}
		tokens := strings.Fields(line)
		if len(tokens) == 0 || tokens[0] == "comment" {
			continue
		}
		switch tokens[0] {
		case "format":
			if len(tokens) < 2 {
				return nil, errors.New("malformed format line")
			}
			switch tokens[1] {
			case "ascii":
				h.ascii = true
			case "binary_little_endian":
				h.ascii = false
			default:
				return nil, errors.Errorf("unsupported ply format %q", tokens[1])
			}
		case "element":
			if len(tokens) != 3 {
				return nil, errors.New("malformed element line")
			}
			if tokens[1] == "vertex" {
				h.numVertices, err = strconv.ParseInt(tokens[2], 10, 64)
				if err != nil {
					return nil, errors.Wrap(err, "bad vertex count")
				}
				inVertex = true
			} else {
				if inVertex && h.numVertices >= 0 {
					inVertex = false
				}
				if h.x < 0 {
					// Non-vertex data before the vertices would need
					// skipping logic we do not have.
					return nil, errors.Errorf("element %q precedes vertex data", tokens[1])
				}
			}
		case "property":
			if !inVertex {
				continue
			}
			if tokens[1] == "list" {
				return nil, errors.New("list properties are not supported on vertices")
			}
			if len(tokens) != 3 {
				return nil, errors.New("malformed property line")
			}
			prop, ok := plyScalarTypes[tokens[1]]
			if !ok {
				return nil, errors.Errorf("unknown property type %q", tokens[1])
			}
			prop.name = tokens[2]
			idx := len(h.props)
			switch prop.name {
			case "x":
				h.x = idx
			case "y":
				h.y = idx
			case "z":
				h.z = idx
			case "red", "r":
				h.r = idx
			case "green", "g":
				h.g = idx
			case "blue", "b":
				h.b = idx
			case "intensity":
				h.intensity = idx
			}
			h.stride += prop.size
			h.props = append(h.props, prop)
		case "end_header":
			if h.x < 0 || h.y < 0 || h.z < 0 {
				return nil, errors.New("vertex element is missing x, y or z")
			}
			return h, nil
		}
	}
}

// PlyStream reads colored points out of an ASCII or binary little-endian PLY
// file. Only the vertex element is consumed.
type PlyStream struct {
	f         *os.File
	in        *bufio.Reader
	header    *plyHeader
	batchSize int
	read      int64
}

// NewPlyStream opens a PLY file for streaming.
func NewPlyStream(path string, batchSize int) (*PlyStream, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %q", path)
	}
	in := bufio.NewReaderSize(f, 1<<20)
	header, err := parsePlyHeader(in)
	if err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "parsing %q", path), f.Close())
	}
	return &PlyStream{f: f, in: in, header: header, batchSize: batchSize}, nil
}

// NumPoints returns the vertex count from the header.
func (s *PlyStream) NumPoints() int64 { return s.header.numVertices }

// Next returns the next batch of points.
func (s *PlyStream) Next(ctx context.Context) ([]Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	remaining := s.header.numVertices - s.read
	if remaining <= 0 {
		return nil, io.EOF
	}
	n := int64(s.batchSize)
	if n > remaining {
		n = remaining
	}
	batch := make([]Point, 0, n)
	values := make([]float64, len(s.header.props))
	for i := int64(0); i < n; i++ {
		var err error
		if s.header.ascii {
			err = s.readAsciiVertex(values)
		} else {
			err = s.readBinaryVertex(values)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading vertex %d", s.read)
		}
		batch = append(batch, s.header.toPoint(values))
		s.read++
	}
	return batch, nil
}

func (h *plyHeader) toPoint(values []float64) Point {
	p := Point{}
	p.Position.X = values[h.x]
	p.Position.Y = values[h.y]
	p.Position.Z = values[h.z]
	if h.r >= 0 {
		p.R = uint8(values[h.r])
	}
	if h.g >= 0 {
		p.G = uint8(values[h.g])
	}
	if h.b >= 0 {
		p.B = uint8(values[h.b])
	}
	if h.intensity >= 0 {
		p.Intensity = float32(values[h.intensity])
		p.HasIntensity = true
	}
	return p
}

func (s *PlyStream) readAsciiVertex(values []float64) error {
	line, err := s.in.ReadString('\n')
	if err != nil && (err != io.EOF || strings.TrimSpace(line) == "") {
		return err
	}
	tokens := strings.Fields(line)
	if len(tokens) < len(s.header.props) {
		return errors.Errorf("expected %d values, got %d", len(s.header.props), len(tokens))
	}
	for i := range s.header.props {
		values[i], err = strconv.ParseFloat(tokens[i], 64)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PlyStream) readBinaryVertex(values []float64) error {
	buf := make([]byte, s.header.stride)
	if _, err := io.ReadFull(s.in, buf); err != nil {
		return err
	}
	off := 0
	for i, prop := range s.header.props {
		var v float64
		switch {
		case prop.kind == 'f' && prop.size == 4:
			v = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])))
		case prop.kind == 'f' && prop.size == 8:
			v = math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
		case prop.size == 1 && prop.kind == 'u':
			v = float64(buf[off])
		case prop.size == 1:
			v = float64(int8(buf[off]))
		case prop.size == 2 && prop.kind == 'u':
			v = float64(binary.LittleEndian.Uint16(buf[off:]))
		case prop.size == 2:
			v = float64(int16(binary.LittleEndian.Uint16(buf[off:])))
		case prop.size == 4 && prop.kind == 'u':
			v = float64(binary.LittleEndian.Uint32(buf[off:]))
		default:
			v = float64(int32(binary.LittleEndian.Uint32(buf[off:])))
		}
		values[i] = v
		off += prop.size
	}
	return nil
}

// Close closes the underlying file.
func (s *PlyStream) Close() error { return s.f.Close() }
