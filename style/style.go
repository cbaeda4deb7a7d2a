// Package style maps vector tile features to draw attributes.
//
// The renderer only depends on the Style interface. Rules is the bundled
// implementation: an ordered list of rules matched by layer name and
// property values, loaded from JSON.
package style

import (
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/gogpu/tilemap/mvt"
)

// DrawAttributes is what a style decides for one feature. Zero-alpha
// colors and zero sizes disable the corresponding part.
type DrawAttributes struct {
	Visible bool

	Fill        Color
	Stroke      Color
	StrokeWidth float32

	PointColor Color
	PointSize  float32

	Icon string

	Label      string
	LabelSize  float32
	LabelColor Color
}

// Style evaluates features. Version changes whenever the output of
// Evaluate may change; it is part of every render cache key.
type Style interface {
	Evaluate(layer string, f *mvt.Feature) DrawAttributes
	Version() uint32
}

// PointSymbol draws points as screen-sized squares.
type PointSymbol struct {
	Size  float32 `json:"size"`
	Color Color   `json:"color"`
}

// LineSymbol strokes lines with a width in pixels.
type LineSymbol struct {
	Width float32 `json:"width"`
	Color Color   `json:"stroke_color"`
}

// PolygonSymbol fills polygons and optionally strokes their outline.
type PolygonSymbol struct {
	FillColor   Color   `json:"fill_color"`
	StrokeColor Color   `json:"stroke_color,omitempty"`
	StrokeWidth float32 `json:"stroke_width,omitempty"`
}

// LabelSymbol draws the value of a property as text.
type LabelSymbol struct {
	Field string  `json:"field"`
	Size  float32 `json:"size"`
	Color Color   `json:"color"`
}

// Symbol holds the parts used for each geometry type.
type Symbol struct {
	Point   *PointSymbol   `json:"point,omitempty"`
	Line    *LineSymbol    `json:"line,omitempty"`
	Polygon *PolygonSymbol `json:"polygon,omitempty"`
	Label   *LabelSymbol   `json:"label,omitempty"`
	Icon    string         `json:"icon,omitempty"`
}

// Rule applies Symbol to features of Layer whose properties match every
// entry of Properties. An empty Layer matches all layers.
type Rule struct {
	Layer      string            `json:"layer_name,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Symbol     Symbol            `json:"symbol"`
}

func (r *Rule) matches(layer string, f *mvt.Feature) bool {
	if r.Layer != "" && r.Layer != layer {
		return false
	}
	for k, want := range r.Properties {
		v, ok := f.Properties[k]
		if !ok || v.String() != want {
			return false
		}
	}
	return true
}

// Rules is a first-match rule list.
type Rules struct {
	Rules      []Rule `json:"rules"`
	Default    Symbol `json:"default_symbol"`
	Background Color  `json:"background"`

	version uint32
}

// Parse decodes a JSON rule set.
func Parse(data []byte) (*Rules, error) {
	var r Rules
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("style: parse: %w", err)
	}
	if err := r.Compile(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Compile validates the rules and computes their version. Call it after
// building Rules in code.
func (r *Rules) Compile() error {
	check := func(s *Symbol, where string) error {
		if s.Line != nil && s.Line.Width < 0 {
			return fmt.Errorf("style: %s: negative line width", where)
		}
		if s.Point != nil && s.Point.Size < 0 {
			return fmt.Errorf("style: %s: negative point size", where)
		}
		if s.Label != nil && s.Label.Field == "" {
			return fmt.Errorf("style: %s: label without field", where)
		}
		return nil
	}
	for i := range r.Rules {
		if err := check(&r.Rules[i].Symbol, fmt.Sprintf("rule %d", i)); err != nil {
			return err
		}
	}
	if err := check(&r.Default, "default symbol"); err != nil {
		return err
	}

	canonical, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("style: %w", err)
	}
	h := fnv.New32a()
	_, _ = h.Write(canonical)
	r.version = h.Sum32()
	if r.version == 0 {
		r.version = 1 // 0 is reserved for style-independent content
	}
	return nil
}

// Version returns the content hash computed by Compile.
func (r *Rules) Version() uint32 { return r.version }

// Evaluate returns the attributes of the first matching rule, or of the
// default symbol.
func (r *Rules) Evaluate(layer string, f *mvt.Feature) DrawAttributes {
	sym := &r.Default
	for i := range r.Rules {
		if r.Rules[i].matches(layer, f) {
			sym = &r.Rules[i].Symbol
			break
		}
	}
	return sym.attributes(f)
}

func (s *Symbol) attributes(f *mvt.Feature) DrawAttributes {
	var a DrawAttributes
	switch f.Type {
	case mvt.Point:
		if s.Point != nil {
			a.PointColor, a.PointSize = s.Point.Color, s.Point.Size
		}
		a.Icon = s.Icon
		if s.Label != nil {
			if v, ok := f.Properties[s.Label.Field]; ok {
				a.Label, a.LabelSize, a.LabelColor = v.String(), s.Label.Size, s.Label.Color
			}
		}
		a.Visible = a.PointSize > 0 || a.Icon != "" || a.Label != ""
	case mvt.LineString:
		if s.Line != nil {
			a.Stroke, a.StrokeWidth = s.Line.Color, s.Line.Width
		}
		a.Visible = a.StrokeWidth > 0 && !a.Stroke.Transparent()
	case mvt.Polygon:
		if s.Polygon != nil {
			a.Fill = s.Polygon.FillColor
			a.Stroke, a.StrokeWidth = s.Polygon.StrokeColor, s.Polygon.StrokeWidth
		}
		a.Visible = !a.Fill.Transparent() || (a.StrokeWidth > 0 && !a.Stroke.Transparent())
	}
	return a
}
