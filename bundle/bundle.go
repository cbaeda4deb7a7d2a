// Package bundle turns decoded tiles into GPU-ready geometry.
//
// A Bundle holds packed little-endian vertex, index and instance buffers
// for one (tile, layer, style) combination. Positions are stored relative
// to the tile's minimum corner in map units, so one bundle can be drawn at
// any world copy by translation alone.
package bundle

import (
	"fmt"

	"github.com/gogpu/tilemap/tile"
)

// Kind is the draw pipeline a Part belongs to.
type Kind uint8

// Draw kinds. The order is the draw order within a layer.
const (
	Fill Kind = iota
	Line
	Point
	Image
	Screen
)

// Kinds lists every Kind in draw order.
var Kinds = [...]Kind{Fill, Line, Point, Image, Screen}

func (k Kind) String() string {
	switch k {
	case Fill:
		return "fill"
	case Line:
		return "line"
	case Point:
		return "point"
	case Image:
		return "image"
	case Screen:
		return "screen"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Vertex and instance strides in bytes.
const (
	FillStride   = 12 // pos vec2f, color rgba8
	LineStride   = 24 // pos vec2f, normal vec2f, width f32, color rgba8
	PointStride  = 16 // pos vec2f, size f32, color rgba8 (per instance)
	ImageStride  = 16 // pos vec2f, uv vec2f
	ScreenStride = 28 // anchor vec2f, offset vec2f, uv vec2f, color rgba8
)

// Stride returns the size of one vertex, or one instance for Point.
func (k Kind) Stride() int {
	switch k {
	case Fill:
		return FillStride
	case Line:
		return LineStride
	case Point:
		return PointStride
	case Image:
		return ImageStride
	case Screen:
		return ScreenStride
	default:
		return 0
	}
}

// Texture is RGBA8 pixel data attached to a part. Shared textures (the
// glyph atlas, icon sheets) are referenced by many bundles and keyed by
// Key; the GPU cache uploads each shared key once.
type Texture struct {
	Key    string
	Width  int
	Height int
	Pixels []byte
	Shared bool
}

// Part is the geometry of one Kind.
type Part struct {
	Kind      Kind
	Vertices  []byte
	Indices   []byte // uint32
	Instances []byte
	Texture   *Texture
}

// VertexCount returns the number of vertices in the part.
func (p *Part) VertexCount() int {
	if p.Kind == Point {
		return 0
	}
	return len(p.Vertices) / p.Kind.Stride()
}

// IndexCount returns the number of indices in the part.
func (p *Part) IndexCount() int { return len(p.Indices) / 4 }

// InstanceCount returns the number of point instances.
func (p *Part) InstanceCount() int {
	if p.Kind != Point {
		return 0
	}
	return len(p.Instances) / PointStride
}

// SourceKey identifies the content of a bundle.
type SourceKey struct {
	Key   tile.Key
	Layer string
}

func (k SourceKey) String() string { return k.Key.String() + "#" + k.Layer }

// FeatureRef names a feature hit by Query.
type FeatureRef struct {
	Layer string
	Index int
	ID    uint64
	HasID bool
}

type featureBox struct {
	ref                    FeatureRef
	minX, minY, maxX, maxY float32
}

// Bundle is the render-ready content of one tile layer.
type Bundle struct {
	Key SourceKey

	// Origin is the minimum corner of the wrapped tile in map units.
	Origin [2]float64
	// Span is the tile width and height in map units.
	Span [2]float64

	Parts   []Part
	Opacity float32
	// Offset is added to every draw of the bundle. The third component
	// is a stacking depth.
	Offset [3]float32

	features []featureBox
}

// Empty reports whether the bundle has nothing to draw.
func (b *Bundle) Empty() bool { return len(b.Parts) == 0 }

// Part returns the first part of kind k.
func (b *Bundle) Part(k Kind) (*Part, bool) {
	for i := range b.Parts {
		if b.Parts[i].Kind == k {
			return &b.Parts[i], true
		}
	}
	return nil, false
}

// Size returns the bytes the bundle occupies once uploaded. Shared
// textures are not counted.
func (b *Bundle) Size() int64 {
	var n int64
	for i := range b.Parts {
		p := &b.Parts[i]
		n += int64(len(p.Vertices) + len(p.Indices) + len(p.Instances))
		if p.Texture != nil && !p.Texture.Shared {
			n += int64(len(p.Texture.Pixels))
		}
	}
	return n
}

// Query returns the features whose bounding box lies within tolerance of
// (x, y). Coordinates are map units in the wrapped world.
func (b *Bundle) Query(x, y, tolerance float64) []FeatureRef {
	lx := float32(x - b.Origin[0])
	ly := float32(y - b.Origin[1])
	tol := float32(tolerance)
	var out []FeatureRef
	for _, fb := range b.features {
		if lx >= fb.minX-tol && lx <= fb.maxX+tol && ly >= fb.minY-tol && ly <= fb.maxY+tol {
			out = append(out, fb.ref)
		}
	}
	return out
}

// UnitQuad is the shared quad every point instance is expanded from.
var UnitQuad = struct {
	Vertices []byte // vec2f corners
	Indices  []byte // uint32
}{
	Vertices: func() []byte {
		var w writer
		for _, c := range [4][2]float32{{-0.5, -0.5}, {0.5, -0.5}, {0.5, 0.5}, {-0.5, 0.5}} {
			w.vec2(c[0], c[1])
		}
		return w.b
	}(),
	Indices: func() []byte {
		var w writer
		for _, i := range []uint32{0, 1, 2, 0, 2, 3} {
			w.u32(i)
		}
		return w.b
	}(),
}
