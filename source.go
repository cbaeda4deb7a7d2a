package tilemap

import (
	"image"
	"maps"

	"github.com/paulmach/orb"

	"github.com/gogpu/tilemap/bundle"
	"github.com/gogpu/tilemap/compose"
	"github.com/gogpu/tilemap/loader"
	"github.com/gogpu/tilemap/mvt"
	"github.com/gogpu/tilemap/style"
	"github.com/gogpu/tilemap/tile"
	"github.com/gogpu/tilemap/tilecache"
)

// Source is a tile endpoint. Layers that share a Source share its loader
// and memory cache, so a tile is fetched and decoded once for all of them.
type Source struct {
	Scheme  *tile.Scheme
	Fetcher loader.Fetcher
	// Raster sources serve PNG, JPEG or WebP images instead of vector
	// tiles.
	Raster bool
}

// Layer is one drawn map layer.
type Layer struct {
	Name   string
	Source *Source
	// Style is required for vector sources and ignored for raster ones.
	Style   style.Style
	Opacity float32
	Offset  [3]float32
	Hidden  bool
}

// rasterLayerName names the single bundle of a raster tile.
const rasterLayerName = "raster"

func decodeVector(_ tile.Key, data []byte) (*mvt.Tile, int64, error) {
	t, err := mvt.Decode(data)
	if err != nil {
		return nil, 0, err
	}
	return t, t.Size(), nil
}

func decodeRaster(_ tile.Key, data []byte) (*image.NRGBA, int64, error) {
	img, err := bundle.DecodeImage(data)
	if err != nil {
		return nil, 0, err
	}
	return img, int64(len(img.Pix)), nil
}

// pipeline is the loader and memory cache of one Source.
type pipeline[T any] struct {
	src   *Source
	ld    *loader.Loader
	cache *tilecache.Cache[T]
	// keeps holds the visible content keys of each layer reading the
	// pipeline. Pending loads outside their union are cancelled.
	keeps []map[tile.Key]struct{}
}

func (p *pipeline[T]) attach() int {
	p.keeps = append(p.keeps, nil)
	return len(p.keeps) - 1
}

func (p *pipeline[T]) retain(slot int, keep map[tile.Key]struct{}) {
	p.keeps[slot] = keep
	union := make(map[tile.Key]struct{})
	for _, k := range p.keeps {
		maps.Copy(union, k)
	}
	p.cache.Retain(union)
}

func (p *pipeline[T]) stats() tilecache.Stats { return p.cache.Stats() }
func (p *pipeline[T]) inFlight() int { return p.ld.InFlight() }
func (p *pipeline[T]) close() { p.cache.Close() }

// layerSource adapts a pipeline to compose.Source for one layer. Ready
// entries stay pinned while their tile is visible.
type layerSource[T any] struct {
	p       *pipeline[T]
	slot    int
	version uint32
	pinned  map[tile.Key]*tilecache.Entry[T]
	bundles func(key tile.Key, v T, bounds orb.Bound) []compose.BundleSpec
}

func newLayerSource[T any](p *pipeline[T], version uint32, bundles func(tile.Key, T, orb.Bound) []compose.BundleSpec) *layerSource[T] {
	return &layerSource[T]{
		p:       p,
		slot:    p.attach(),
		version: version,
		pinned:  make(map[tile.Key]*tilecache.Entry[T]),
		bundles: bundles,
	}
}

func (l *layerSource[T]) Scheme() *tile.Scheme { return l.p.src.Scheme }

func (l *layerSource[T]) StyleVersion() uint32 { return l.version }

func (l *layerSource[T]) Load(key tile.Key) compose.Status {
	ck := key.Content()
	if _, ok := l.pinned[ck]; ok {
		return compose.Ready
	}
	e := l.p.cache.GetOrLoad(ck)
	switch s := e.State(); {
	case s == tilecache.Ready:
		e.Acquire()
		l.pinned[ck] = e
		return compose.Ready
	case s.Pending(), s == tilecache.Evicted:
		return compose.Pending
	default:
		return compose.Failed
	}
}

func (l *layerSource[T]) Bundles(key tile.Key, bounds orb.Bound) []compose.BundleSpec {
	e, ok := l.pinned[key.Content()]
	if !ok {
		return nil
	}
	v, ok := e.Value()
	if !ok {
		return nil
	}
	return l.bundles(key, v, bounds)
}

func (l *layerSource[T]) Retain(keep map[tile.Key]struct{}) {
	content := make(map[tile.Key]struct{}, len(keep))
	for k := range keep {
		content[k.Content()] = struct{}{}
	}
	for k, e := range l.pinned {
		if _, ok := content[k]; !ok {
			e.Release()
			delete(l.pinned, k)
		}
	}
	l.p.retain(l.slot, content)
}

func (l *layerSource[T]) release() {
	for k, e := range l.pinned {
		e.Release()
		delete(l.pinned, k)
	}
}

// vectorBundles builds one bundle per tile layer.
func vectorBundles(b *bundle.Builder, st style.Style) func(tile.Key, *mvt.Tile, orb.Bound) []compose.BundleSpec {
	return func(key tile.Key, t *mvt.Tile, bounds orb.Bound) []compose.BundleSpec {
		specs := make([]compose.BundleSpec, 0, len(t.Layers))
		for i := range t.Layers {
			ml := &t.Layers[i]
			specs = append(specs, compose.BundleSpec{
				Key: bundle.SourceKey{Key: key, Layer: ml.Name},
				Build: func() (*bundle.Bundle, error) {
					return b.Build(key, ml, st, bounds)
				},
			})
		}
		return specs
	}
}

func rasterBundles(key tile.Key, img *image.NRGBA, bounds orb.Bound) []compose.BundleSpec {
	sk := bundle.SourceKey{Key: key, Layer: rasterLayerName}
	return []compose.BundleSpec{{
		Key: sk,
		Build: func() (*bundle.Bundle, error) {
			return bundle.BuildImage(sk, img, bounds), nil
		},
	}}
}
