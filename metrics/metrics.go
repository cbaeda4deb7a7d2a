// Package metrics defines the Prometheus collectors of the tile pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tilemap"

// Metrics groups every collector. Build it with New; a zero Metrics is not
// usable.
type Metrics struct {
	FetchAttempts *prometheus.CounterVec
	FetchJoined   prometheus.Counter
	FetchInFlight prometheus.Gauge
	FetchDuration *prometheus.HistogramVec

	CacheLookups   *prometheus.CounterVec
	CacheEvictions prometheus.Counter
	CacheBytes     prometheus.Gauge
	StoreErrors    *prometheus.CounterVec
	Transitions    *prometheus.CounterVec

	GPUUploads   prometheus.Counter
	GPUEvictions prometheus.Counter
	GPUBytes     prometheus.Gauge

	FrameTiles    *prometheus.GaugeVec
	FrameDuration prometheus.Histogram
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests and embedders without Prometheus
// want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FetchAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Tile fetch attempts by result",
		}, []string{"result"}),
		FetchJoined: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_joined_total",
			Help:      "Requests that joined an in-flight fetch",
		}),
		FetchInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fetch_in_flight",
			Help:      "Distinct tile fetches in flight",
		}),
		FetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of a deduplicated tile fetch including retries",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"result"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Tile cache lookups by tier and outcome",
		}, []string{"tier", "outcome"}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Tile cache entries evicted from memory",
		}),
		CacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes",
			Help:      "Bytes held by the in-memory tile cache",
		}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Persistent tier errors by operation",
		}, []string{"op"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_transitions_total",
			Help:      "Tile entry state transitions by target state",
		}, []string{"state"}),

		GPUUploads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gpu_uploads_total",
			Help:      "Render bundles uploaded to the GPU",
		}),
		GPUEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gpu_evictions_total",
			Help:      "Render bundles freed from the GPU",
		}),
		GPUBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gpu_bytes",
			Help:      "Bytes of GPU memory held by render bundles",
		}),

		FrameTiles: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_tiles",
			Help:      "Tiles in the last composed frame by state",
		}, []string{"state"}),
		FrameDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_compose_seconds",
			Help:      "Time spent composing a frame",
			Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05},
		}),
	}
}
