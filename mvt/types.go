// Package mvt decodes Mapbox Vector Tiles (versions 1 and 2) into typed,
// immutable geometry in tile-local integer coordinates.
//
// Decoding is strict about structure and lenient about content: a corrupt
// or truncated message fails the whole tile with an error matching
// ErrMalformed, while undersized geometry is dropped with a warning.
package mvt

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformed is matched by every structural decode error.
var ErrMalformed = errors.New("mvt: malformed tile")

// DefaultExtent is the layer extent used when the field is absent.
const DefaultExtent = 4096

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// GeomType is the declared geometry type of a feature.
type GeomType uint8

const (
	Unknown GeomType = iota
	Point
	LineString
	Polygon
)

func (t GeomType) String() string {
	switch t {
	case Point:
		return "Point"
	case LineString:
		return "LineString"
	case Polygon:
		return "Polygon"
	default:
		return "Unknown"
	}
}

// Coord is a position in tile-local units, y pointing down.
type Coord struct {
	X, Y int32
}

// Ring is a closed ring without the repeated closing coordinate.
type Ring []Coord

// Poly is an exterior ring followed by its holes.
type Poly []Ring

// Geometry holds the decoded shapes of one feature. Only the field matching
// Type is set; multi-geometries are simply longer slices.
type Geometry struct {
	Type     GeomType
	Points   []Coord
	Lines    [][]Coord
	Polygons []Poly
}

// Empty reports whether no shape survived decoding.
func (g *Geometry) Empty() bool {
	return len(g.Points) == 0 && len(g.Lines) == 0 && len(g.Polygons) == 0
}

// Feature is one decoded feature.
type Feature struct {
	ID         uint64
	HasID      bool
	Type       GeomType
	Geometry   Geometry
	Properties map[string]Value
}

// Layer is a named group of features sharing an extent.
type Layer struct {
	Name     string
	Version  uint32
	Extent   uint32
	Features []Feature
}

// Tile is the decoded content of one vector tile.
type Tile struct {
	Layers []Layer
}

// Layer returns the layer named name.
func (t *Tile) Layer(name string) (*Layer, bool) {
	for i := range t.Layers {
		if t.Layers[i].Name == name {
			return &t.Layers[i], true
		}
	}
	return nil, false
}

// Size estimates the memory held by the tile in bytes.
func (t *Tile) Size() int64 {
	var n int64 = 64
	for _, l := range t.Layers {
		n += int64(len(l.Name)) + 48
		for _, f := range l.Features {
			n += 96
			n += int64(len(f.Geometry.Points)) * 8
			for _, ln := range f.Geometry.Lines {
				n += 24 + int64(len(ln))*8
			}
			for _, p := range f.Geometry.Polygons {
				for _, r := range p {
					n += 24 + int64(len(r))*8
				}
			}
			for k, v := range f.Properties {
				n += int64(len(k)+len(v.Str)) + 48
			}
		}
	}
	return n
}

// ValueKind tells which field of a Value is set.
type ValueKind uint8

const (
	StringValue ValueKind = iota + 1
	FloatValue
	DoubleValue
	IntValue
	UintValue
	SintValue
	BoolValue
)

// Value is a typed feature property.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Int  int64
	Uint uint64
	Bool bool
}

// Float returns numeric values as float64. Strings and bools report false.
func (v Value) Float() (float64, bool) {
	switch v.Kind {
	case FloatValue, DoubleValue:
		return v.Num, true
	case IntValue, SintValue:
		return float64(v.Int), true
	case UintValue:
		return float64(v.Uint), true
	default:
		return 0, false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case StringValue:
		return v.Str
	case FloatValue:
		return strconv.FormatFloat(v.Num, 'g', -1, 32)
	case DoubleValue:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case IntValue, SintValue:
		return strconv.FormatInt(v.Int, 10)
	case UintValue:
		return strconv.FormatUint(v.Uint, 10)
	case BoolValue:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}
