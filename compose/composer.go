// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package compose assembles the draw list of a frame from the layers'
// tile caches and the shared GPU bundle cache. Compose never blocks on
// loading: tiles that are not ready are skipped or stood in for by an
// already uploaded ancestor.
package compose

import (
	"time"

	"github.com/paulmach/orb"

	"github.com/gogpu/tilemap/bundle"
	"github.com/gogpu/tilemap/gpubundle"
	"github.com/gogpu/tilemap/internal/logging"
	"github.com/gogpu/tilemap/metrics"
	"github.com/gogpu/tilemap/tile"
)

// DefaultMaxAncestorDepth bounds the levels searched for a stand-in tile.
const DefaultMaxAncestorDepth = 4

// Status is the load state of a tile as seen by the composer.
type Status uint8

// Tile statuses.
const (
	Pending Status = iota
	Ready
	Failed
)

// BundleSpec names one bundle of a ready tile and how to build it.
type BundleSpec struct {
	Key   bundle.SourceKey
	Build gpubundle.BuildFunc
}

// Source is the tile pipeline behind one map layer.
type Source interface {
	Scheme() *tile.Scheme
	StyleVersion() uint32
	// Load starts loading key if needed and reports its status. It must
	// not block.
	Load(key tile.Key) Status
	// Bundles lists the bundles of a Ready tile covering bounds.
	Bundles(key tile.Key, bounds orb.Bound) []BundleSpec
	// Retain cancels pending loads outside keep.
	Retain(keep map[tile.Key]struct{})
}

// Layer is a map layer drawn by the composer, bottom first.
type Layer struct {
	Name    string
	Source  Source
	Opacity float32
	// Offset is added to every draw of the layer; the third component is
	// a stacking depth.
	Offset [3]float32
	Hidden bool
}

// Options configures a Composer.
type Options struct {
	MaxAncestorDepth int
	Metrics          *metrics.Metrics
}

// Uniforms is the per-draw uniform block, laid out for the shaders.
type Uniforms struct {
	M0, M1 [4]float32
	// PX holds 2/width, 2/height, map units per pixel and opacity.
	PX [4]float32
}

// Draw is one draw call.
type Draw struct {
	Layer      int
	Key        bundle.SourceKey
	Part       *gpubundle.Part
	Uniforms   Uniforms
	Substitute bool
	Depth      float32
}

// Stats counts the tiles of a frame.
type Stats struct {
	Visible     int
	Ready       int
	Substituted int
	Missing     int
}

// Frame is the output of Compose. It stays valid until the next Compose
// or Close.
type Frame struct {
	Viewport Viewport
	View     Matrix
	Zoom     []int // level per layer, -1 when nothing is drawn
	Draws    []Draw
	Stats    Stats
}

type heldTile struct {
	handles []*gpubundle.Handle
	built   bool
}

type layerState struct {
	held  map[tile.Key]*heldTile
	known map[tile.Key][]bundle.SourceKey
}

// Composer keeps the handles of visible tiles between frames. It is used
// from the render thread only.
type Composer struct {
	gpu    *gpubundle.Cache
	layers []Layer
	state  []layerState
	opts   Options

	// stand-ins peeked for the previous frame
	borrowed []*gpubundle.Handle
}

// New creates a composer drawing layers through gpu.
func New(gpu *gpubundle.Cache, layers []Layer, opts Options) *Composer {
	if opts.MaxAncestorDepth <= 0 {
		opts.MaxAncestorDepth = DefaultMaxAncestorDepth
	}
	c := &Composer{gpu: gpu, layers: layers, opts: opts}
	c.state = make([]layerState, len(layers))
	for i := range c.state {
		c.state[i] = layerState{
			held:  make(map[tile.Key]*heldTile),
			known: make(map[tile.Key][]bundle.SourceKey),
		}
	}
	return c
}

// Layers returns the composer's layers.
func (c *Composer) Layers() []Layer { return c.layers }

// SetHidden toggles a layer. Hidden layers release their tiles on the
// next Compose.
func (c *Composer) SetHidden(i int, hidden bool) {
	if i >= 0 && i < len(c.layers) {
		c.layers[i].Hidden = hidden
	}
}

type drawList struct {
	geometry, images, screen []Draw
}

// frameDraws collects a frame. Layers stack in order, each one's geometry
// below its images; screen-space draws of every layer go on top.
type frameDraws struct {
	layered, screen []Draw
}

// Compose flushes pending GPU work and builds the draw list for vp.
func (c *Composer) Compose(vp Viewport) (*Frame, error) {
	if err := vp.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	c.gpu.Flush()

	for _, h := range c.borrowed {
		c.gpu.Release(h)
	}
	c.borrowed = c.borrowed[:0]

	f := &Frame{Viewport: vp, View: vp.View(), Zoom: make([]int, len(c.layers))}
	var fd frameDraws
	cover := vp.CoverBounds()
	for li := range c.layers {
		f.Zoom[li] = c.composeLayer(li, vp, cover, f, &fd)
	}

	f.Draws = make([]Draw, 0, len(fd.layered)+len(fd.screen))
	f.Draws = append(f.Draws, fd.layered...)
	f.Draws = append(f.Draws, fd.screen...)

	if m := c.opts.Metrics; m != nil {
		m.FrameTiles.WithLabelValues("visible").Set(float64(f.Stats.Visible))
		m.FrameTiles.WithLabelValues("ready").Set(float64(f.Stats.Ready))
		m.FrameTiles.WithLabelValues("substituted").Set(float64(f.Stats.Substituted))
		m.FrameTiles.WithLabelValues("missing").Set(float64(f.Stats.Missing))
		m.FrameDuration.Observe(time.Since(start).Seconds())
	}
	return f, nil
}

func (c *Composer) composeLayer(li int, vp Viewport, cover orb.Bound, f *Frame, fd *frameDraws) int {
	layer := &c.layers[li]
	st := &c.state[li]
	if layer.Hidden || layer.Source == nil {
		c.releaseExcept(li, nil)
		if layer.Source != nil {
			layer.Source.Retain(nil)
		}
		return -1
	}
	src := layer.Source
	scheme := src.Scheme()
	z, ok := scheme.SelectLOD(vp.Resolution)
	if !ok {
		c.releaseExcept(li, nil)
		src.Retain(nil)
		return -1
	}
	placements := scheme.CoverLevel(cover, z, src.StyleVersion())

	visible := make(map[tile.Key]struct{}, len(placements))
	for _, p := range placements {
		visible[p.Key] = struct{}{}
	}
	c.releaseExcept(li, visible)
	src.Retain(visible)
	for k := range st.known {
		if k.Index.Z > z || int(k.Index.Z) < int(z)-c.opts.MaxAncestorDepth {
			delete(st.known, k)
		}
	}

	// Stand-ins are drawn below the layer's own tiles.
	var own, subs drawList
	drawn := make(map[substituteKey]bool)
	for _, p := range placements {
		f.Stats.Visible++
		ht := st.held[p.Key]
		if ht == nil {
			ht = &heldTile{}
			st.held[p.Key] = ht
		}
		if !ht.built && src.Load(p.Key) == Ready {
			c.acquire(scheme, src, st, p.Key, ht)
		}

		switch {
		case ht.built && allReady(ht.handles):
			f.Stats.Ready++
		case c.substitute(li, vp, f.View, st, p, drawn, &subs):
			f.Stats.Substituted++
		default:
			f.Stats.Missing++
		}
		// Parts already uploaded draw even while siblings are pending.
		for _, h := range ht.handles {
			if h.Ready() {
				c.emit(li, vp, f.View, h, p.Offset, false, &own)
			}
		}
	}
	fd.layered = append(fd.layered, subs.geometry...)
	fd.layered = append(fd.layered, own.geometry...)
	fd.layered = append(fd.layered, subs.images...)
	fd.layered = append(fd.layered, own.images...)
	fd.screen = append(append(fd.screen, subs.screen...), own.screen...)
	return int(z)
}

func allReady(hs []*gpubundle.Handle) bool {
	for _, h := range hs {
		if !h.Ready() {
			return false
		}
	}
	return true
}

func (c *Composer) acquire(scheme *tile.Scheme, src Source, st *layerState, key tile.Key, ht *heldTile) {
	bounds, ok := scheme.TileBounds(key.Index)
	if !ok {
		return
	}
	specs := src.Bundles(key, bounds)
	keys := make([]bundle.SourceKey, len(specs))
	for i, s := range specs {
		ht.handles = append(ht.handles, c.gpu.Acquire(s.Key, s.Build))
		keys[i] = s.Key
	}
	ht.built = true
	st.known[key] = keys
}

type substituteKey struct {
	key    tile.Key
	offset float64
}

// substitute looks for an uploaded ancestor of p and queues its draws.
func (c *Composer) substitute(li int, vp Viewport, view Matrix, st *layerState, p tile.Placement, drawn map[substituteKey]bool, out *drawList) bool {
	k := p.Key
	for range c.opts.MaxAncestorDepth {
		if k.Index.Z == 0 {
			return false
		}
		k.Index = k.Index.Parent()
		sk := substituteKey{key: k, offset: p.Offset}
		if drawn[sk] {
			return true
		}
		keys, ok := st.known[k]
		if !ok {
			continue
		}
		var hs []*gpubundle.Handle
		for _, bk := range keys {
			if h, ok := c.gpu.Peek(bk); ok {
				hs = append(hs, h)
			}
		}
		if len(hs) == 0 {
			delete(st.known, k)
			continue
		}
		drawn[sk] = true
		c.borrowed = append(c.borrowed, hs...)
		for _, h := range hs {
			c.emit(li, vp, view, h, p.Offset, true, out)
		}
		return true
	}
	return false
}

func (c *Composer) emit(li int, vp Viewport, view Matrix, h *gpubundle.Handle, worldOffset float64, sub bool, dl *drawList) {
	b := h.Bundle()
	if b == nil {
		return
	}
	layer := &c.layers[li]
	model := Translate(
		b.Origin[0]+worldOffset+float64(b.Offset[0])+float64(layer.Offset[0]),
		b.Origin[1]+float64(b.Offset[1])+float64(layer.Offset[1]),
	)
	m0, m1 := view.Multiply(model).rows()
	u := Uniforms{
		M0: m0,
		M1: m1,
		PX: [4]float32{
			2 / float32(vp.Width),
			2 / float32(vp.Height),
			float32(vp.Resolution),
			b.Opacity * layer.Opacity,
		},
	}
	parts := h.Parts()
	for i := range parts {
		d := Draw{
			Layer:      li,
			Key:        h.Key(),
			Part:       &parts[i],
			Uniforms:   u,
			Substitute: sub,
			Depth:      b.Offset[2] + layer.Offset[2],
		}
		switch parts[i].Kind {
		case bundle.Fill, bundle.Line, bundle.Point:
			dl.geometry = append(dl.geometry, d)
		case bundle.Image:
			dl.images = append(dl.images, d)
		case bundle.Screen:
			dl.screen = append(dl.screen, d)
		}
	}
}

// releaseExcept drops the handles of tiles of layer li not in keep.
func (c *Composer) releaseExcept(li int, keep map[tile.Key]struct{}) {
	st := &c.state[li]
	for k, ht := range st.held {
		if _, ok := keep[k]; ok {
			continue
		}
		for _, h := range ht.handles {
			c.gpu.Release(h)
		}
		delete(st.held, k)
	}
}

// Query returns the features under the pixel (px, py) of the last
// composed viewport, top layer first.
func (c *Composer) Query(vp Viewport, px, py, tolerancePx float64) []Hit {
	pt, ok := vp.ScreenToMap(px, py)
	if !ok {
		return nil
	}
	tol := tolerancePx * vp.Resolution
	var hits []Hit
	for li := len(c.layers) - 1; li >= 0; li-- {
		if c.layers[li].Hidden || c.layers[li].Source == nil {
			continue
		}
		world := c.layers[li].Source.Scheme().WorldWidth()
		for _, ht := range c.state[li].held {
			for _, h := range ht.handles {
				b := h.Bundle()
				if b == nil {
					continue
				}
				// Bring the point into the wrapped world copy of the bundle.
				x := pt[0]
				if world > 0 {
					for x < b.Origin[0] {
						x += world
					}
					for x >= b.Origin[0]+b.Span[0] && x-world >= b.Origin[0] {
						x -= world
					}
				}
				for _, ref := range b.Query(x, pt[1], tol) {
					hits = append(hits, Hit{Layer: c.layers[li].Name, Feature: ref})
				}
			}
		}
	}
	return hits
}

// Hit is a feature found by Query.
type Hit struct {
	Layer   string
	Feature bundle.FeatureRef
}

// Close releases every handle held by the composer.
func (c *Composer) Close() {
	for li := range c.layers {
		c.releaseExcept(li, nil)
	}
	for _, h := range c.borrowed {
		c.gpu.Release(h)
	}
	c.borrowed = nil
	logging.L().Debug("compose: closed", "layers", len(c.layers))
}
