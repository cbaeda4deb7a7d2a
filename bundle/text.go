package bundle

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"sync"

	"github.com/go-text/typesetting/di"
	"github.com/go-text/typesetting/font"
	"github.com/go-text/typesetting/language"
	"github.com/go-text/typesetting/shaping"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"
	"golang.org/x/text/unicode/bidi"
	"golang.org/x/text/unicode/norm"
)

// ShapedGlyph is a positioned glyph in pixels, relative to the start of
// the line on its baseline.
type ShapedGlyph struct {
	ID uint32
	X  float32
	Y  float32
}

// Shaper lays out label text with HarfBuzz shaping. It is safe for
// concurrent use.
type Shaper struct {
	font *font.Font
	pool sync.Pool
}

// NewShaper parses a TrueType or OpenType font.
func NewShaper(ttf []byte) (*Shaper, error) {
	face, err := font.ParseTTF(bytes.NewReader(ttf))
	if err != nil {
		return nil, fmt.Errorf("bundle: parse font: %w", err)
	}
	s := &Shaper{font: face.Font}
	s.pool.New = func() any { return &shaping.HarfbuzzShaper{} }
	return s, nil
}

// Shape normalizes text to NFC, splits it into bidi runs and shapes each
// run. Glyphs are returned in visual order together with the total
// advance.
func (s *Shaper) Shape(text string, size float32) ([]ShapedGlyph, float32) {
	text = norm.NFC.String(text)
	if text == "" || size <= 0 {
		return nil, 0
	}
	runes := []rune(text)

	var p bidi.Paragraph
	if _, err := p.SetString(text, bidi.DefaultDirection(bidi.Neutral)); err != nil {
		return s.shapeRun(runes, 0, len(runes), di.DirectionLTR, size, nil, 0)
	}
	ordering, err := p.Order()
	if err != nil {
		return s.shapeRun(runes, 0, len(runes), di.DirectionLTR, size, nil, 0)
	}

	var out []ShapedGlyph
	var pen float32
	for i := range ordering.NumRuns() {
		run := ordering.Run(i)
		start, end := run.Pos()
		if end >= len(runes) {
			end = len(runes) - 1
		}
		dir := di.DirectionLTR
		if run.Direction() == bidi.RightToLeft {
			dir = di.DirectionRTL
		}
		out, pen = s.shapeRun(runes, start, end+1, dir, size, out, pen)
	}
	return out, pen
}

func (s *Shaper) shapeRun(runes []rune, start, end int, dir di.Direction, size float32, out []ShapedGlyph, pen float32) ([]ShapedGlyph, float32) {
	if start >= end {
		return out, pen
	}
	in := shaping.Input{
		Text:      runes,
		RunStart:  start,
		RunEnd:    end,
		Direction: dir,
		Face:      font.NewFace(s.font),
		Size:      fixed.Int26_6(size * 64),
		Script:    scriptOf(runes[start:end]),
		Language:  language.NewLanguage("en"),
	}
	hb := s.pool.Get().(*shaping.HarfbuzzShaper)
	glyphs := hb.Shape(in).Glyphs
	s.pool.Put(hb)

	for _, g := range glyphs {
		out = append(out, ShapedGlyph{
			ID: uint32(g.GlyphID),
			X:  pen + float32(g.XOffset)/64,
			Y:  -float32(g.YOffset) / 64,
		})
		pen += float32(g.Advance) / 64
	}
	return out, pen
}

func scriptOf(runes []rune) language.Script {
	for _, r := range runes {
		if r == ' ' || r == '\t' {
			continue
		}
		return language.LookupScript(r)
	}
	return language.Latin
}

// Glyph locates one glyph in an atlas texture.
type Glyph struct {
	// UV is the texture rectangle (u0, v0, u1, v1).
	UV [4]float32
	// Box is the quad in pixels at the atlas em size, relative to the
	// pen position on the baseline (x0, y0, x1, y1), y down.
	Box [4]float32
}

// GlyphAtlas provides rasterized glyphs for label quads.
type GlyphAtlas interface {
	Glyph(id uint32) (Glyph, bool)
	EmSize() float32
	Texture() *Texture
}

// GridAtlas rasterizes every glyph of a font into fixed cells. A glyph's
// cell depends only on its ID, so atlases built from the same font are
// identical.
type GridAtlas struct {
	em, cell, cols int
	pad, baseline  int
	glyphs         int
	tex            *Texture
}

const gridColumns = 64

// NewGridAtlas rasterizes ttf at em pixels per em.
func NewGridAtlas(key string, ttf []byte, em int) (*GridAtlas, error) {
	f, err := sfnt.Parse(ttf)
	if err != nil {
		return nil, fmt.Errorf("bundle: parse font: %w", err)
	}
	a := &GridAtlas{
		em:       em,
		cell:     em * 3 / 2,
		cols:     gridColumns,
		pad:      em / 4,
		baseline: em * 9 / 8,
		glyphs:   f.NumGlyphs(),
	}
	rows := (a.glyphs + a.cols - 1) / a.cols
	w, h := a.cols*a.cell, rows*a.cell
	a.tex = &Texture{Key: key, Width: w, Height: h, Pixels: make([]byte, w*h*4), Shared: true}

	var buf sfnt.Buffer
	mask := image.NewAlpha(image.Rect(0, 0, a.cell, a.cell))
	for gid := range a.glyphs {
		segs, err := f.LoadGlyph(&buf, sfnt.GlyphIndex(gid), fixed.I(em), nil)
		if err != nil || len(segs) == 0 {
			continue
		}
		clear(mask.Pix)
		a.rasterize(segs, mask)
		cx, cy := (gid%a.cols)*a.cell, (gid/a.cols)*a.cell
		for y := range a.cell {
			for x := range a.cell {
				alpha := mask.Pix[y*mask.Stride+x]
				o := ((cy+y)*w + cx + x) * 4
				a.tex.Pixels[o], a.tex.Pixels[o+1], a.tex.Pixels[o+2], a.tex.Pixels[o+3] = 255, 255, 255, alpha
			}
		}
	}
	return a, nil
}

func (a *GridAtlas) rasterize(segs sfnt.Segments, dst *image.Alpha) {
	r := vector.NewRasterizer(a.cell, a.cell)
	r.DrawOp = draw.Src
	ox, oy := float32(a.pad), float32(a.baseline)
	pt := func(p fixed.Point26_6) (float32, float32) {
		return ox + float32(p.X)/64, oy + float32(p.Y)/64
	}
	started := false
	for _, s := range segs {
		switch s.Op {
		case sfnt.SegmentOpMoveTo:
			if started {
				r.ClosePath()
			}
			r.MoveTo(pt(s.Args[0]))
			started = true
		case sfnt.SegmentOpLineTo:
			r.LineTo(pt(s.Args[0]))
		case sfnt.SegmentOpQuadTo:
			x0, y0 := pt(s.Args[0])
			x1, y1 := pt(s.Args[1])
			r.QuadTo(x0, y0, x1, y1)
		case sfnt.SegmentOpCubeTo:
			x0, y0 := pt(s.Args[0])
			x1, y1 := pt(s.Args[1])
			x2, y2 := pt(s.Args[2])
			r.CubeTo(x0, y0, x1, y1, x2, y2)
		}
	}
	if started {
		r.ClosePath()
	}
	r.Draw(dst, dst.Bounds(), image.Opaque, image.Point{})
}

// Glyph implements GlyphAtlas.
func (a *GridAtlas) Glyph(id uint32) (Glyph, bool) {
	if int(id) >= a.glyphs {
		return Glyph{}, false
	}
	w, h := float32(a.tex.Width), float32(a.tex.Height)
	cx, cy := float32(int(id)%a.cols*a.cell), float32(int(id)/a.cols*a.cell)
	c := float32(a.cell)
	return Glyph{
		UV:  [4]float32{cx / w, cy / h, (cx + c) / w, (cy + c) / h},
		Box: [4]float32{-float32(a.pad), -float32(a.baseline), c - float32(a.pad), c - float32(a.baseline)},
	}, true
}

// EmSize implements GlyphAtlas.
func (a *GridAtlas) EmSize() float32 { return float32(a.em) }

// Texture implements GlyphAtlas.
func (a *GridAtlas) Texture() *Texture { return a.tex }

var defaultText struct {
	once   sync.Once
	shaper *Shaper
	atlas  *GridAtlas
	err    error
}

// DefaultText returns the shaper and atlas for Go Regular, built once.
func DefaultText() (*Shaper, *GridAtlas, error) {
	defaultText.once.Do(func() {
		defaultText.shaper, defaultText.err = NewShaper(goregular.TTF)
		if defaultText.err != nil {
			return
		}
		defaultText.atlas, defaultText.err = NewGridAtlas("glyphs/goregular", goregular.TTF, 24)
	})
	return defaultText.shaper, defaultText.atlas, defaultText.err
}
