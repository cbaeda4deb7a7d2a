package tilemap

import (
	"github.com/gogpu/gpucontext"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/gogpu/tilemap/bundle"
	"github.com/gogpu/tilemap/config"
	"github.com/gogpu/tilemap/gpubundle"
	"github.com/gogpu/tilemap/store"
)

// Option configures an Engine during creation.
//
// Example:
//
//	eng, err := tilemap.New(
//	    tilemap.WithDeviceProvider(app),
//	    tilemap.WithLayers(tilemap.Layer{Name: "base", Source: osm, Style: rules}),
//	)
type Option func(*engineOptions)

type engineOptions struct {
	cfg        *config.Config
	device     gpubundle.Device
	provider   gpucontext.DeviceProvider
	layers     []Layer
	store      store.Store
	registerer prometheus.Registerer
	tracer     trace.TracerProvider
	icons      bundle.IconSet
	ancestors  int
}

func defaultOptions() engineOptions {
	return engineOptions{cfg: config.Default()}
}

// WithConfig sets capacities, retry policy, worker count and the
// persistent tier. Without it the built-in defaults apply.
func WithConfig(cfg *config.Config) Option {
	return func(o *engineOptions) {
		if cfg != nil {
			o.cfg = cfg
		}
	}
}

// WithDevice uploads bundles through dev.
func WithDevice(dev gpubundle.Device) Option {
	return func(o *engineOptions) { o.device = dev }
}

// WithDeviceProvider uploads bundles through the HAL device of a host
// application. WithDevice takes precedence.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(o *engineOptions) { o.provider = p }
}

// WithLayers appends map layers, bottom first.
func WithLayers(layers ...Layer) Option {
	return func(o *engineOptions) { o.layers = append(o.layers, layers...) }
}

// WithStore sets the persistent tier, overriding the one named by the
// configuration.
func WithStore(s store.Store) Option {
	return func(o *engineOptions) { o.store = s }
}

// WithRegisterer registers the engine's Prometheus collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *engineOptions) { o.registerer = reg }
}

// WithTracerProvider sets where fetch spans go.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *engineOptions) { o.tracer = tp }
}

// WithIcons sets the icon sheet used by point symbols.
func WithIcons(icons bundle.IconSet) Option {
	return func(o *engineOptions) { o.icons = icons }
}

// WithMaxAncestorDepth bounds how many levels up a stand-in is searched
// for while a tile loads.
func WithMaxAncestorDepth(n int) Option {
	return func(o *engineOptions) { o.ancestors = n }
}
