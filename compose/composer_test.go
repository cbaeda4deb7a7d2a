// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compose

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"

	"github.com/gogpu/tilemap/bundle"
	"github.com/gogpu/tilemap/gpubundle"
	"github.com/gogpu/tilemap/tile"
)

type nullBuffer uint64

func (b nullBuffer) Size() uint64 { return uint64(b) }

// nullDevice accepts every upload.
type nullDevice struct{ live int }

func (d *nullDevice) CreateBuffer(_ string, _ gpubundle.BufferUsage, data []byte) (gpubundle.Buffer, error) {
	d.live++
	return nullBuffer(len(data)), nil
}
func (d *nullDevice) DestroyBuffer(gpubundle.Buffer) { d.live-- }
func (d *nullDevice) CreateTexture(_ string, w, h int, _ []byte) (gpubundle.Texture, error) {
	d.live++
	return nullBuffer(w * h * 4), nil
}
func (d *nullDevice) DestroyTexture(gpubundle.Texture) { d.live-- }

type inline struct{}

func (inline) Submit(fn func()) bool { fn(); return true }

// fakeSource serves synthetic bundles with one part per kind.
type fakeSource struct {
	scheme   *tile.Scheme
	kinds    []bundle.Kind
	status   func(tile.Key) Status
	loads    map[tile.Key]int
	builds   map[tile.Key]int
	retained map[tile.Key]struct{}
}

func newSource(kinds ...bundle.Kind) *fakeSource {
	return &fakeSource{
		scheme: tile.WebMercatorScheme("osm"),
		kinds:  kinds,
		status: func(tile.Key) Status { return Ready },
		loads:  map[tile.Key]int{},
		builds: map[tile.Key]int{},
	}
}

func (s *fakeSource) Scheme() *tile.Scheme { return s.scheme }
func (s *fakeSource) StyleVersion() uint32 { return 1 }
func (s *fakeSource) Retain(keep map[tile.Key]struct{}) { s.retained = keep }

func (s *fakeSource) Load(key tile.Key) Status {
	s.loads[key]++
	return s.status(key)
}

func (s *fakeSource) Bundles(key tile.Key, bounds orb.Bound) []BundleSpec {
	sk := bundle.SourceKey{Key: key, Layer: "l"}
	return []BundleSpec{{Key: sk, Build: func() (*bundle.Bundle, error) {
		s.builds[key]++
		b := &bundle.Bundle{
			Key:     sk,
			Origin:  [2]float64{bounds.Min[0], bounds.Min[1]},
			Span:    [2]float64{bounds.Max[0] - bounds.Min[0], bounds.Max[1] - bounds.Min[1]},
			Opacity: 1,
		}
		for _, k := range s.kinds {
			b.Parts = append(b.Parts, bundle.Part{Kind: k, Vertices: make([]byte, 4*k.Stride()), Indices: make([]byte, 24)})
		}
		return b, nil
	}}}
}

// viewAt returns a viewport showing bound at exactly the resolution of z.
func viewAt(s *tile.Scheme, bound orb.Bound, z uint8) Viewport {
	res, _ := s.Resolution(z)
	return Viewport{
		Bounds:     bound,
		Resolution: res,
		Width:      int(math.Round((bound.Max[0] - bound.Min[0]) / res)),
		Height:     int(math.Round((bound.Max[1] - bound.Min[1]) / res)),
	}
}

// inset shrinks b by d on every side so it does not touch tile edges.
func inset(b orb.Bound, d float64) orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.Min[0] + d, b.Min[1] + d},
		Max: orb.Point{b.Max[0] - d, b.Max[1] - d},
	}
}

func newComposer(layers ...Layer) (*Composer, *gpubundle.Cache, *nullDevice) {
	dev := &nullDevice{}
	gpu := gpubundle.New(dev, gpubundle.Options{Executor: inline{}})
	return New(gpu, layers, Options{}), gpu, dev
}

func TestComposeAntimeridianSharesBundle(t *testing.T) {
	src := newSource(bundle.Fill)
	c, gpu, _ := newComposer(Layer{Name: "base", Source: src, Opacity: 1})
	geo := orb.Bound{Min: orb.Point{-175, 10}, Max: orb.Point{185, 40}}
	vp := viewAt(src.scheme, tile.ProjectBound(tile.WebMercator, geo), 2)

	first, err := c.Compose(vp)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if first.Stats.Visible != 5 || first.Stats.Missing != 5 {
		t.Errorf("first frame stats = %+v, want 5 visible and missing", first.Stats)
	}
	f, err := c.Compose(vp)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if f.Stats.Ready != 5 {
		t.Errorf("Ready = %d, want 5", f.Stats.Ready)
	}
	if f.Zoom[0] != 2 {
		t.Errorf("Zoom = %d, want 2", f.Zoom[0])
	}

	shared := tile.NewKey("osm", tile.Index{Z: 2, X: 0, Y: 1}, 1)
	var copies []Draw
	for _, d := range f.Draws {
		if d.Key.Key == shared {
			copies = append(copies, d)
		}
	}
	if len(copies) != 2 {
		t.Fatalf("draws of %v = %d, want 2", shared, len(copies))
	}
	if copies[0].Part != copies[1].Part {
		t.Errorf("copies use different GPU parts")
	}
	if copies[0].Uniforms.M0[2] == copies[1].Uniforms.M0[2] {
		t.Errorf("copies share the same translation")
	}
	if src.builds[shared] != 1 {
		t.Errorf("builds of shared key = %d, want 1", src.builds[shared])
	}
	if st := gpu.Stats(); st.Slots != 4 {
		t.Errorf("GPU slots = %d, want 4 distinct keys", st.Slots)
	}
	if gpu.Refs(bundle.SourceKey{Key: shared, Layer: "l"}) != 1 {
		t.Errorf("shared slot refs = %d, want 1", gpu.Refs(bundle.SourceKey{Key: shared, Layer: "l"}))
	}
}

func TestComposeReleasesTilesLeavingView(t *testing.T) {
	src := newSource(bundle.Fill)
	c, gpu, _ := newComposer(Layer{Name: "base", Source: src, Opacity: 1})
	s := src.scheme
	span := s.TileSpan(4)
	west := inset(orb.Bound{Min: orb.Point{s.Origin[0], s.Origin[1] - span}, Max: orb.Point{s.Origin[0] + span, s.Origin[1]}}, span/4)
	east := inset(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{span, span}}, span/4)

	if _, err := c.Compose(viewAt(s, west, 4)); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	old := bundle.SourceKey{Key: tile.NewKey("osm", tile.Index{Z: 4, X: 0, Y: 0}, 1), Layer: "l"}
	if gpu.Refs(old) != 1 {
		t.Fatalf("Refs(%v) = %d, want 1", old, gpu.Refs(old))
	}

	if _, err := c.Compose(viewAt(s, east, 4)); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if gpu.Refs(old) != 0 {
		t.Errorf("Refs after panning away = %d, want 0", gpu.Refs(old))
	}
	if _, ok := src.retained[old.Key]; ok {
		t.Errorf("Retain still keeps %v", old.Key)
	}
	if len(src.retained) != 1 {
		t.Errorf("retained %d keys, want 1", len(src.retained))
	}
}

func TestComposeLoadsOncePerVisibleTile(t *testing.T) {
	src := newSource(bundle.Fill)
	c, _, _ := newComposer(Layer{Source: src, Opacity: 1})
	s := src.scheme
	span := s.TileSpan(3)
	vp := viewAt(s, inset(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{2 * span, span}}, span/4), 3)
	for range 5 {
		if _, err := c.Compose(vp); err != nil {
			t.Fatalf("Compose: %v", err)
		}
	}
	for k, n := range src.loads {
		if n != 1 {
			t.Errorf("Load(%v) called %d times, want 1", k, n)
		}
	}
}

func TestComposeSubstitutesAncestor(t *testing.T) {
	src := newSource(bundle.Fill)
	c, _, _ := newComposer(Layer{Source: src, Opacity: 1})
	s := src.scheme
	span := s.TileSpan(1)
	bound := inset(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{span, span}}, span/100)

	// Warm the parent level.
	for range 2 {
		if _, err := c.Compose(viewAt(s, bound, 1)); err != nil {
			t.Fatalf("Compose: %v", err)
		}
	}

	src.status = func(k tile.Key) Status {
		if k.Index.Z == 2 {
			return Pending
		}
		return Ready
	}
	f, err := c.Compose(viewAt(s, bound, 2))
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if f.Stats.Visible != 4 || f.Stats.Substituted != 4 {
		t.Fatalf("stats = %+v, want 4 visible, 4 substituted", f.Stats)
	}
	if len(f.Draws) != 1 {
		t.Fatalf("draws = %d, want the parent drawn once", len(f.Draws))
	}
	if !f.Draws[0].Substitute || f.Draws[0].Key.Key.Index.Z != 1 {
		t.Errorf("draw = %+v, want substituted parent", f.Draws[0])
	}

	// Without an uploaded ancestor the tiles are missing.
	c2, _, _ := newComposer(Layer{Source: src, Opacity: 1})
	f, _ = c2.Compose(viewAt(s, bound, 2))
	if f.Stats.Missing != 4 {
		t.Errorf("Missing = %d, want 4", f.Stats.Missing)
	}
}

func TestComposeDrawOrder(t *testing.T) {
	vector := newSource(bundle.Fill, bundle.Line, bundle.Screen)
	raster := newSource(bundle.Image)
	c, _, _ := newComposer(
		Layer{Name: "roads", Source: vector, Opacity: 1},
		Layer{Name: "satellite", Source: raster, Opacity: 0.5},
	)
	s := vector.scheme
	span := s.TileSpan(0)
	vp := viewAt(s, inset(orb.Bound{Min: orb.Point{-span / 2, -span / 2}, Max: orb.Point{span / 2, span / 2}}, span/4), 0)
	c.Compose(vp)
	f, _ := c.Compose(vp)

	type step struct {
		layer int
		kind  bundle.Kind
	}
	var got []step
	for _, d := range f.Draws {
		got = append(got, step{d.Layer, d.Part.Kind})
	}
	want := []step{{0, bundle.Fill}, {0, bundle.Line}, {1, bundle.Image}, {0, bundle.Screen}}
	if len(got) != len(want) {
		t.Fatalf("draws = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("draw %d = %v, want %v", i, got[i], want[i])
		}
	}
	for _, d := range f.Draws {
		if d.Layer == 1 && d.Uniforms.PX[3] != 0.5 {
			t.Errorf("raster opacity = %v, want 0.5", d.Uniforms.PX[3])
		}
	}
}

func TestComposeRasterBelowVector(t *testing.T) {
	raster := newSource(bundle.Image)
	vector := newSource(bundle.Fill, bundle.Line, bundle.Screen)
	c, _, _ := newComposer(
		Layer{Name: "satellite", Source: raster, Opacity: 1},
		Layer{Name: "roads", Source: vector, Opacity: 1},
	)
	s := raster.scheme
	span := s.TileSpan(0)
	vp := viewAt(s, inset(orb.Bound{Min: orb.Point{-span / 2, -span / 2}, Max: orb.Point{span / 2, span / 2}}, span/4), 0)
	c.Compose(vp)
	f, _ := c.Compose(vp)

	type step struct {
		layer int
		kind  bundle.Kind
	}
	var got []step
	for _, d := range f.Draws {
		got = append(got, step{d.Layer, d.Part.Kind})
	}
	want := []step{{0, bundle.Image}, {1, bundle.Fill}, {1, bundle.Line}, {1, bundle.Screen}}
	if len(got) != len(want) {
		t.Fatalf("draws = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("draw %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestComposeHiddenLayer(t *testing.T) {
	src := newSource(bundle.Fill)
	c, gpu, _ := newComposer(Layer{Source: src, Opacity: 1})
	s := src.scheme
	span := s.TileSpan(0)
	vp := viewAt(s, inset(orb.Bound{Min: orb.Point{-span / 2, -span / 2}, Max: orb.Point{span / 2, span / 2}}, span/4), 0)
	c.Compose(vp)
	c.Compose(vp)

	c.SetHidden(0, true)
	f, _ := c.Compose(vp)
	if len(f.Draws) != 0 || f.Zoom[0] != -1 {
		t.Errorf("hidden layer drew %d parts at zoom %d", len(f.Draws), f.Zoom[0])
	}
	k := bundle.SourceKey{Key: tile.NewKey("osm", tile.Index{}, 1), Layer: "l"}
	if gpu.Refs(k) != 0 {
		t.Errorf("Refs = %d after hiding", gpu.Refs(k))
	}
}

func TestComposeRejectsBadViewport(t *testing.T) {
	src := newSource(bundle.Fill)
	c, _, _ := newComposer(Layer{Source: src, Opacity: 1})
	if _, err := c.Compose(Viewport{}); !errors.Is(err, ErrBadViewport) {
		t.Errorf("err = %v, want ErrBadViewport", err)
	}

	// The whole world at street level would need about 2^40 tiles.
	res, _ := src.scheme.Resolution(20)
	world := Viewport{Bounds: src.scheme.Bounds, Resolution: res, Width: 1024, Height: 768}
	if _, err := c.Compose(world); !errors.Is(err, ErrBadViewport) {
		t.Errorf("err = %v, want ErrBadViewport", err)
	}
	if len(src.loads) != 0 {
		t.Errorf("loaded %d tiles for a rejected viewport", len(src.loads))
	}
}

func TestCloseReleasesAll(t *testing.T) {
	src := newSource(bundle.Fill)
	c, gpu, dev := newComposer(Layer{Source: src, Opacity: 1})
	s := src.scheme
	span := s.TileSpan(1)
	vp := viewAt(s, inset(orb.Bound{Min: orb.Point{-span, -span}, Max: orb.Point{span, span}}, span/2), 1)
	c.Compose(vp)
	c.Compose(vp)
	c.Close()
	gpu.SetBudget(1)
	gpu.Flush()
	// Only the unit quad survives.
	if dev.live != 2 {
		t.Errorf("live resources = %d, want 2", dev.live)
	}
}
