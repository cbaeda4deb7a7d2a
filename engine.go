// Package tilemap is the tile and render pipeline of a slippy map.
//
// An Engine turns a viewport into an ordered list of GPU draw calls. Tiles
// are fetched, decoded and tessellated on a worker pool; the render thread
// only uploads finished bundles and assembles the frame, so Compose never
// waits for the network.
//
// # Quick Start
//
//	osm := &tilemap.Source{
//	    Scheme:  tile.WebMercatorScheme("osm"),
//	    Fetcher: loader.NewHTTPFetcher("https://tiles.example.com/{z}/{x}/{y}.pbf", "myapp/1.0"),
//	}
//	eng, err := tilemap.New(
//	    tilemap.WithDeviceProvider(app),
//	    tilemap.WithLayers(tilemap.Layer{Name: "base", Source: osm, Style: rules, Opacity: 1}),
//	)
//	...
//	frame, err := eng.Compose(vp) // on the render thread, once per frame
//	...
//	eng.Shutdown(ctx)
//
// # Architecture
//
//   - tile: tile addressing, schemes and viewport coverage
//   - loader: deduplicated, retried fetching
//   - tilecache: memory cache with a persistent tier (store)
//   - mvt: vector tile decoding
//   - bundle: tessellation into GPU-ready buffers
//   - gpubundle: the reference-counted GPU bundle cache
//   - compose: frame assembly
package tilemap

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/gogpu/tilemap/bundle"
	"github.com/gogpu/tilemap/compose"
	"github.com/gogpu/tilemap/config"
	"github.com/gogpu/tilemap/gpubundle"
	"github.com/gogpu/tilemap/internal/logging"
	"github.com/gogpu/tilemap/internal/worker"
	"github.com/gogpu/tilemap/loader"
	"github.com/gogpu/tilemap/metrics"
	"github.com/gogpu/tilemap/mvt"
	"github.com/gogpu/tilemap/store"
	"github.com/gogpu/tilemap/tilecache"
)

var (
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("tilemap: engine closed")

	// ErrNoDevice is returned by New without WithDevice or
	// WithDeviceProvider.
	ErrNoDevice = errors.New("tilemap: no GPU device")

	// ErrInvalidLayer is returned by New for a layer without a source, or a
	// vector layer without a style.
	ErrInvalidLayer = errors.New("tilemap: invalid layer")
)

type pipe interface {
	stats() tilecache.Stats
	inFlight() int
	close()
}

type releaser interface {
	release()
}

// Engine owns every cache and pool of one map view.
//
// Compose, Query and Shutdown must be called from the render thread.
// Stats is safe from any goroutine.
type Engine struct {
	id       uuid.UUID
	pool     *worker.Pool
	gpu      *gpubundle.Cache
	composer *compose.Composer
	metrics  *metrics.Metrics

	pipes      []pipe
	layers     []releaser
	storeClose io.Closer

	mu     sync.Mutex
	closed bool
}

// New creates an engine.
func New(opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg

	dev := o.device
	if dev == nil && o.provider != nil {
		hd, err := gpubundle.NewHALDevice(o.provider)
		if err != nil {
			return nil, fmt.Errorf("tilemap: %w", err)
		}
		dev = hd
	}
	if dev == nil {
		return nil, ErrNoDevice
	}
	for i, l := range o.layers {
		if l.Source == nil || l.Source.Scheme == nil || l.Source.Fetcher == nil {
			return nil, fmt.Errorf("%w: layer %d (%q) has no source", ErrInvalidLayer, i, l.Name)
		}
		if !l.Source.Raster && l.Style == nil {
			return nil, fmt.Errorf("%w: vector layer %d (%q) has no style", ErrInvalidLayer, i, l.Name)
		}
	}

	builder, err := bundle.NewBuilder(o.icons)
	if err != nil {
		return nil, fmt.Errorf("tilemap: %w", err)
	}

	st, closer := o.store, io.Closer(nil)
	if st == nil {
		st, closer, err = store.Open(context.Background(), cfg.StoreOptions())
		if err != nil {
			return nil, fmt.Errorf("tilemap: persistent tier: %w", err)
		}
	}

	e := &Engine{
		id:         uuid.New(),
		pool:       worker.New(cfg.Workers),
		metrics:    metrics.New(o.registerer),
		storeClose: closer,
	}
	e.gpu = gpubundle.New(dev, gpubundle.Options{
		BudgetBytes: cfg.GPU.BudgetBytes,
		Executor:    e.pool,
		Metrics:     e.metrics,
	})

	vectors := make(map[*Source]*pipeline[*mvt.Tile])
	rasters := make(map[*Source]*pipeline[*image.NRGBA])
	layers := make([]compose.Layer, len(o.layers))
	for i, l := range o.layers {
		cl := compose.Layer{Name: l.Name, Opacity: l.Opacity, Offset: l.Offset, Hidden: l.Hidden}
		if l.Source.Raster {
			p, ok := rasters[l.Source]
			if !ok {
				p = newPipeline[*image.NRGBA](e, l.Source, cfg, st, o, decodeRaster)
				rasters[l.Source] = p
			}
			ls := newLayerSource(p, 0, rasterBundles)
			cl.Source, e.layers = ls, append(e.layers, ls)
		} else {
			p, ok := vectors[l.Source]
			if !ok {
				p = newPipeline[*mvt.Tile](e, l.Source, cfg, st, o, decodeVector)
				vectors[l.Source] = p
			}
			ls := newLayerSource(p, l.Style.Version(), vectorBundles(builder, l.Style))
			cl.Source, e.layers = ls, append(e.layers, ls)
		}
		layers[i] = cl
	}
	e.composer = compose.New(e.gpu, layers, compose.Options{
		MaxAncestorDepth: o.ancestors,
		Metrics:          e.metrics,
	})

	logging.L().Info("tilemap: engine started",
		"id", e.id.String(), "layers", len(layers), "sources", len(e.pipes),
		"workers", e.pool.Workers(), "gpu_budget", cfg.GPU.BudgetBytes)
	return e, nil
}

func newPipeline[T any](e *Engine, src *Source, cfg *config.Config, st store.Store, o engineOptions, decode tilecache.Decoder[T]) *pipeline[T] {
	lopts := []loader.Option{
		loader.WithRetry(cfg.RetryPolicy()),
		loader.WithAttemptTimeout(cfg.Loader.Timeout),
		loader.WithMetrics(e.metrics),
	}
	if o.tracer != nil {
		lopts = append(lopts, loader.WithTracerProvider(o.tracer))
	}
	ld := loader.New(src.Fetcher, lopts...)
	cache := tilecache.New(ld, decode, e.pool, tilecache.Options{
		CapacityBytes: cfg.Cache.CapacityBytes,
		RetryAfter:    cfg.Cache.RetryAfter,
		MaxRefetch:    cfg.Cache.MaxRefetch,
		Store:         st,
		Metrics:       e.metrics,
	})
	ld.SetOrphanHandler(cache.Adopt)
	p := &pipeline[T]{src: src, ld: ld, cache: cache}
	e.pipes = append(e.pipes, p)
	return p
}

// ID identifies the engine in logs.
func (e *Engine) ID() uuid.UUID { return e.id }

// Compose uploads finished bundles and returns the draw list for vp.
func (e *Engine) Compose(vp compose.Viewport) (*compose.Frame, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	return e.composer.Compose(vp)
}

// Query returns the features under pixel (px, py) of vp, top layer first.
func (e *Engine) Query(vp compose.Viewport, px, py, tolerancePx float64) []compose.Hit {
	if e.isClosed() {
		return nil
	}
	return e.composer.Query(vp, px, py, tolerancePx)
}

// SetHidden shows or hides layer i from the next Compose on.
func (e *Engine) SetHidden(i int, hidden bool) {
	e.composer.SetHidden(i, hidden)
}

// Bundles returns the GPU bundle cache, whose UnitQuad and shared state
// the renderer binds.
func (e *Engine) Bundles() *gpubundle.Cache { return e.gpu }

// Stats is a snapshot of the engine's caches.
type Stats struct {
	ID       string            `json:"id"`
	GPU      gpubundle.Stats   `json:"gpu"`
	Tiles    []tilecache.Stats `json:"tiles"`
	InFlight int               `json:"in_flight"`
	Pending  int               `json:"pending_jobs"`
}

// Stats returns a snapshot of the engine's caches.
func (e *Engine) Stats() Stats {
	s := Stats{ID: e.id.String(), GPU: e.gpu.Stats(), Pending: e.pool.Pending()}
	for _, p := range e.pipes {
		s.Tiles = append(s.Tiles, p.stats())
		s.InFlight += p.inFlight()
	}
	return s
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Shutdown cancels pending loads, waits for running jobs until ctx is
// done and frees every GPU resource. It is idempotent.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.composer.Close()
	for _, l := range e.layers {
		l.release()
	}
	for _, p := range e.pipes {
		p.close()
	}

	idle := make(chan struct{})
	go func() {
		e.pool.Wait()
		close(idle)
	}()
	var err error
	select {
	case <-idle:
		e.pool.Close()
	case <-ctx.Done():
		err = fmt.Errorf("tilemap: shutdown: %w", ctx.Err())
		// Stragglers finish in the background; their results are dropped.
		go e.pool.Close()
	}
	e.gpu.Close()
	if e.storeClose != nil {
		if cerr := e.storeClose.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("tilemap: closing persistent tier: %w", cerr)
		}
	}
	logging.L().Info("tilemap: engine stopped", "id", e.id.String())
	return err
}
