package mvt_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	orbmvt "github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"

	"github.com/gogpu/tilemap/mvt"
)

// TestDecodeOrbEncoded decodes a tile produced by an independent encoder.
func TestDecodeOrbEncoded(t *testing.T) {
	poi := geojson.NewFeature(orb.Point{10, 20})
	poi.Properties["name"] = "cafe"
	road := geojson.NewFeature(orb.LineString{{0, 0}, {50, 0}, {50, 80}})

	layers := orbmvt.Layers{
		{Name: "pois", Version: 2, Extent: 4096, Features: []*geojson.Feature{poi}},
		{Name: "roads", Version: 2, Extent: 4096, Features: []*geojson.Feature{road}},
	}
	data, err := orbmvt.Marshal(layers)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	tile, err := mvt.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(tile.Layers) != 2 {
		t.Fatalf("expected 2 layers, got %d", len(tile.Layers))
	}

	pois, ok := tile.Layer("pois")
	if !ok || len(pois.Features) != 1 {
		t.Fatalf("pois layer: %+v", pois)
	}
	if diff := cmp.Diff([]mvt.Coord{{10, 20}}, pois.Features[0].Geometry.Points); diff != "" {
		t.Errorf("point (-want +got):\n%s", diff)
	}
	if got := pois.Features[0].Properties["name"].String(); got != "cafe" {
		t.Errorf("name = %q, want cafe", got)
	}

	roads, ok := tile.Layer("roads")
	if !ok || len(roads.Features) != 1 {
		t.Fatalf("roads layer: %+v", roads)
	}
	want := [][]mvt.Coord{{{0, 0}, {50, 0}, {50, 80}}}
	if diff := cmp.Diff(want, roads.Features[0].Geometry.Lines); diff != "" {
		t.Errorf("line (-want +got):\n%s", diff)
	}
}
