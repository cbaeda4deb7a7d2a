package style

import (
	"testing"

	"github.com/gogpu/tilemap/mvt"
)

const rulesJSON = `{
  "rules": [
    {"layer_name": "water", "symbol": {"polygon": {"fill_color": "#3070c0"}}},
    {"layer_name": "roads", "properties": {"class": "motorway"},
     "symbol": {"line": {"width": 4, "stroke_color": "#e08030"}}},
    {"layer_name": "roads", "symbol": {"line": {"width": 1.5, "stroke_color": "#ffffff"}}},
    {"layer_name": "places", "symbol": {
      "point": {"size": 6, "color": "#202020"},
      "label": {"field": "name", "size": 14, "color": "#000"},
      "icon": "town"}}
  ],
  "default_symbol": {},
  "background": "#f0ebe3"
}`

func feature(typ mvt.GeomType, props map[string]string) *mvt.Feature {
	f := &mvt.Feature{Type: typ, Properties: map[string]mvt.Value{}}
	for k, v := range props {
		f.Properties[k] = mvt.Value{Kind: mvt.StringValue, Str: v}
	}
	return f
}

func TestRulesEvaluate(t *testing.T) {
	r, err := Parse([]byte(rulesJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := []struct {
		name  string
		layer string
		f     *mvt.Feature
		check func(DrawAttributes) bool
	}{
		{"water fill", "water", feature(mvt.Polygon, nil), func(a DrawAttributes) bool {
			return a.Visible && a.Fill == Color{0x30, 0x70, 0xc0, 0xff}
		}},
		{"motorway", "roads", feature(mvt.LineString, map[string]string{"class": "motorway"}), func(a DrawAttributes) bool {
			return a.Visible && a.StrokeWidth == 4
		}},
		{"minor road", "roads", feature(mvt.LineString, map[string]string{"class": "path"}), func(a DrawAttributes) bool {
			return a.Visible && a.StrokeWidth == 1.5
		}},
		{"labelled place", "places", feature(mvt.Point, map[string]string{"name": "Oslo"}), func(a DrawAttributes) bool {
			return a.Visible && a.Label == "Oslo" && a.Icon == "town" && a.PointSize == 6
		}},
		{"unstyled layer", "buildings", feature(mvt.Polygon, nil), func(a DrawAttributes) bool {
			return !a.Visible
		}},
		{"line rule on polygon", "roads", feature(mvt.Polygon, nil), func(a DrawAttributes) bool {
			return !a.Visible
		}},
	}
	for _, tt := range tests {
		if got := r.Evaluate(tt.layer, tt.f); !tt.check(got) {
			t.Errorf("%s: unexpected attributes %+v", tt.name, got)
		}
	}
}

func TestRulesVersion(t *testing.T) {
	a, err := Parse([]byte(rulesJSON))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Parse([]byte(rulesJSON))
	if a.Version() == 0 || a.Version() != b.Version() {
		t.Errorf("versions %d and %d should be equal and non-zero", a.Version(), b.Version())
	}

	a.Rules[0].Symbol.Polygon.FillColor = Color{1, 2, 3, 255}
	if err := a.Compile(); err != nil {
		t.Fatal(err)
	}
	if a.Version() == b.Version() {
		t.Error("changing a rule should change the version")
	}
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in   string
		want Color
		ok   bool
	}{
		{"#fff", Color{255, 255, 255, 255}, true},
		{"#102030", Color{0x10, 0x20, 0x30, 0xff}, true},
		{"#10203040", Color{0x10, 0x20, 0x30, 0x40}, true},
		{"102030", Color{}, false},
		{"#12345", Color{}, false},
		{"#gggggg", Color{}, false},
	}
	for _, tt := range tests {
		got, err := ParseColor(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseColor(%q) = %v, %v; want %v, ok %v", tt.in, got, err, tt.want, tt.ok)
		}
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	for _, in := range []string{
		`{"rules": [{"symbol": {"line": {"width": -1}}}]}`,
		`{"rules": [{"symbol": {"label": {"size": 3}}}]}`,
		`{"background": "blue"}`,
		`not json`,
	} {
		if _, err := Parse([]byte(in)); err == nil {
			t.Errorf("Parse(%s) should fail", in)
		}
	}
}
