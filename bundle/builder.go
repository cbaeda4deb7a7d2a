package bundle

import (
	"errors"
	"math"

	"github.com/paulmach/orb"

	"github.com/gogpu/tilemap/internal/logging"
	"github.com/gogpu/tilemap/mvt"
	"github.com/gogpu/tilemap/style"
	"github.com/gogpu/tilemap/tile"
)

// ErrBadBounds is returned when the tile bounds are empty.
var ErrBadBounds = errors.New("bundle: empty tile bounds")

// Builder tessellates decoded layers. Text and Icons are optional; a
// builder without them omits labels and icons. Builders hold no mutable
// state and are safe for concurrent use.
type Builder struct {
	Shaper *Shaper
	Atlas  GlyphAtlas
	Icons  IconSet
}

// NewBuilder returns a builder using the default Go Regular text stack.
func NewBuilder(icons IconSet) (*Builder, error) {
	sh, atlas, err := DefaultText()
	if err != nil {
		return nil, err
	}
	return &Builder{Shaper: sh, Atlas: atlas, Icons: icons}, nil
}

func newBundle(key SourceKey, bounds orb.Bound) *Bundle {
	return &Bundle{
		Key:     key,
		Origin:  [2]float64{bounds.Min[0], bounds.Min[1]},
		Span:    [2]float64{bounds.Max[0] - bounds.Min[0], bounds.Max[1] - bounds.Min[1]},
		Opacity: 1,
	}
}

// BuildTile builds one bundle per layer, in tile order.
func (bl *Builder) BuildTile(key tile.Key, t *mvt.Tile, st style.Style, bounds orb.Bound) ([]*Bundle, error) {
	out := make([]*Bundle, 0, len(t.Layers))
	for i := range t.Layers {
		b, err := bl.Build(key, &t.Layers[i], st, bounds)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Build tessellates one layer. Equal inputs give byte-identical output.
func (bl *Builder) Build(key tile.Key, layer *mvt.Layer, st style.Style, bounds orb.Bound) (*Bundle, error) {
	if bounds.Max[0] <= bounds.Min[0] || bounds.Max[1] <= bounds.Min[1] {
		return nil, ErrBadBounds
	}
	b := newBundle(SourceKey{Key: key, Layer: layer.Name}, bounds)
	extent := float64(layer.Extent)
	if extent == 0 {
		extent = mvt.DefaultExtent
	}
	sx, sy := b.Span[0]/extent, b.Span[1]/extent
	local := func(c mvt.Coord) vec {
		return vec{float64(c.X) * sx, (extent - float64(c.Y)) * sy}
	}

	var (
		fv, fi     writer
		fillCount  uint32
		lines      stroker
		points     writer
		labels     screenWriter
		icons      screenWriter
		missingIco int
	)

	for fidx := range layer.Features {
		f := &layer.Features[fidx]
		attrs := st.Evaluate(layer.Name, f)
		if !attrs.Visible {
			continue
		}
		box := newBox(FeatureRef{Layer: layer.Name, Index: fidx, ID: f.ID, HasID: f.HasID})

		switch f.Type {
		case mvt.Polygon:
			for _, poly := range f.Geometry.Polygons {
				rings := make([][]vec, len(poly))
				for ri, ring := range poly {
					rings[ri] = make([]vec, len(ring))
					for k, c := range ring {
						p := local(c)
						rings[ri][k] = p
						box.add(p)
					}
				}
				if !attrs.Fill.Transparent() {
					verts, idx := triangulate(rings)
					for _, p := range verts {
						fv.vec2(float32(p.x), float32(p.y))
						fv.color(attrs.Fill)
					}
					for _, x := range idx {
						fi.u32(fillCount + x)
					}
					fillCount += uint32(len(verts))
				}
				if attrs.StrokeWidth > 0 && !attrs.Stroke.Transparent() {
					for _, r := range rings {
						lines.stroke(r, true, attrs.StrokeWidth, attrs.Stroke)
					}
				}
			}

		case mvt.LineString:
			for _, l := range f.Geometry.Lines {
				pts := make([]vec, len(l))
				for k, c := range l {
					pts[k] = local(c)
					box.add(pts[k])
				}
				if attrs.StrokeWidth > 0 && !attrs.Stroke.Transparent() {
					lines.stroke(pts, false, attrs.StrokeWidth, attrs.Stroke)
				}
			}

		case mvt.Point:
			for _, c := range f.Geometry.Points {
				p := local(c)
				box.add(p)
				if attrs.PointSize > 0 && !attrs.PointColor.Transparent() {
					points.vec2(float32(p.x), float32(p.y))
					points.f32(attrs.PointSize)
					points.color(attrs.PointColor)
				}
				if attrs.Icon != "" {
					if !icons.icon(bl.Icons, attrs.Icon, p) {
						missingIco++
					}
				}
				if attrs.Label != "" && bl.Shaper != nil && bl.Atlas != nil {
					size := attrs.LabelSize
					if size <= 0 {
						size = 12
					}
					labels.label(bl.Shaper, bl.Atlas, attrs.Label, size, attrs.LabelColor, p)
				}
			}
		}
		if box.valid() {
			b.features = append(b.features, box.fb)
		}
	}

	if fv.len() > 0 && fi.len() > 0 {
		b.Parts = append(b.Parts, Part{Kind: Fill, Vertices: fv.b, Indices: fi.b})
	}
	if lines.count > 0 {
		b.Parts = append(b.Parts, Part{Kind: Line, Vertices: lines.v.b, Indices: lines.i.b})
	}
	if points.len() > 0 {
		b.Parts = append(b.Parts, Part{Kind: Point, Instances: points.b})
	}
	if icons.count > 0 {
		b.Parts = append(b.Parts, Part{Kind: Screen, Vertices: icons.v.b, Indices: icons.i.b, Texture: bl.Icons.Texture()})
	}
	if labels.count > 0 {
		b.Parts = append(b.Parts, Part{Kind: Screen, Vertices: labels.v.b, Indices: labels.i.b, Texture: bl.Atlas.Texture()})
	}
	if missingIco > 0 {
		logging.L().Debug("tilemap: icons not found", "bundle", b.Key.String(), "count", missingIco)
	}
	return b, nil
}

type boxBuilder struct {
	fb featureBox
}

func newBox(ref FeatureRef) *boxBuilder {
	inf := float32(math.Inf(1))
	return &boxBuilder{fb: featureBox{ref: ref, minX: inf, minY: inf, maxX: -inf, maxY: -inf}}
}

func (b *boxBuilder) add(p vec) {
	x, y := float32(p.x), float32(p.y)
	b.fb.minX = min(b.fb.minX, x)
	b.fb.minY = min(b.fb.minY, y)
	b.fb.maxX = max(b.fb.maxX, x)
	b.fb.maxY = max(b.fb.maxY, y)
}

func (b *boxBuilder) valid() bool { return b.fb.minX <= b.fb.maxX }

// screenWriter accumulates quads anchored in map units with pixel
// offsets (y down).
type screenWriter struct {
	v, i  writer
	count uint32
}

func (s *screenWriter) quad(anchor vec, box, uv [4]float32, c [4]uint8) {
	ax, ay := float32(anchor.x), float32(anchor.y)
	corners := [4][4]float32{
		{box[0], box[1], uv[0], uv[1]},
		{box[2], box[1], uv[2], uv[1]},
		{box[2], box[3], uv[2], uv[3]},
		{box[0], box[3], uv[0], uv[3]},
	}
	for _, k := range corners {
		s.v.vec2(ax, ay)
		s.v.vec2(k[0], k[1])
		s.v.vec2(k[2], k[3])
		s.v.b = append(s.v.b, c[0], c[1], c[2], c[3])
	}
	base := s.count
	for _, x := range []uint32{0, 1, 2, 0, 2, 3} {
		s.i.u32(base + x)
	}
	s.count += 4
}

func (s *screenWriter) icon(set IconSet, name string, anchor vec) bool {
	if set == nil {
		return false
	}
	ic, ok := set.Icon(name)
	if !ok {
		return false
	}
	hw, hh := ic.Width/2, ic.Height/2
	s.quad(anchor, [4]float32{-hw, -hh, hw, hh}, ic.UV, [4]uint8{255, 255, 255, 255})
	return true
}

// label centers shaped text on anchor.
func (s *screenWriter) label(sh *Shaper, atlas GlyphAtlas, text string, size float32, c style.Color, anchor vec) {
	glyphs, advance := sh.Shape(text, size)
	if len(glyphs) == 0 {
		return
	}
	k := size / atlas.EmSize()
	x0 := -advance / 2
	y0 := size * 0.35
	for _, g := range glyphs {
		gl, ok := atlas.Glyph(g.ID)
		if !ok {
			continue
		}
		px, py := x0+g.X, y0+g.Y
		box := [4]float32{px + gl.Box[0]*k, py + gl.Box[1]*k, px + gl.Box[2]*k, py + gl.Box[3]*k}
		s.quad(anchor, box, gl.UV, [4]uint8{c.R, c.G, c.B, c.A})
	}
}
