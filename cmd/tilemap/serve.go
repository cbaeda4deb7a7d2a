package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gogpu/tilemap"
	"github.com/gogpu/tilemap/bundle"
	"github.com/gogpu/tilemap/compose"
	"github.com/gogpu/tilemap/tile"
)

type serveCmd struct {
	addr   string
	scheme string
	style  string
	raster bool
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run a headless engine with metrics and debug endpoints" }
func (*serveCmd) Usage() string {
	return "tilemap serve [-addr :9090] [-style <path>] [-raster]\n"
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.addr, "addr", "", "Listen address (default TILEMAP_METRICS_ADDR)")
	f.StringVar(&c.scheme, "scheme", "osm", "Scheme name used in cache keys")
	f.StringVar(&c.style, "style", "", "Style rules JSON (default: built-in)")
	f.BoolVar(&c.raster, "raster", false, "Treat the tile source as raster images")
}

// server plans frames on request. The engine is single-threaded, so
// requests take turns.
type server struct {
	mu  sync.Mutex
	eng *tilemap.Engine
	dev *hostDevice
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, log, err := setup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer func() { _ = log.Sync() }()

	fetcher, err := cfg.Fetcher()
	if err != nil {
		log.Error("building fetcher", zap.Error(err))
		return subcommands.ExitFailure
	}
	layer := tilemap.Layer{
		Name:    "base",
		Source:  &tilemap.Source{Scheme: tile.WebMercatorScheme(c.scheme), Fetcher: fetcher, Raster: c.raster},
		Opacity: 1,
	}
	if !c.raster {
		rules, err := loadStyle(c.style)
		if err != nil {
			log.Error("loading style", zap.Error(err))
			return subcommands.ExitFailure
		}
		layer.Style = rules
	}

	dev := &hostDevice{}
	opts := []tilemap.Option{
		tilemap.WithConfig(cfg),
		tilemap.WithDevice(dev),
		tilemap.WithLayers(layer),
		tilemap.WithRegisterer(prometheus.DefaultRegisterer),
	}
	if cfg.TraceEndpoint != "" {
		tp, stopTracing, err := newTracerProvider(ctx, cfg.TraceEndpoint)
		if err != nil {
			log.Error("starting trace exporter", zap.Error(err))
			return subcommands.ExitFailure
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := stopTracing(sctx); err != nil {
				log.Warn("trace exporter shutdown", zap.Error(err))
			}
		}()
		opts = append(opts, tilemap.WithTracerProvider(tp))
	}
	eng, err := tilemap.New(opts...)
	if err != nil {
		log.Error("starting engine", zap.Error(err))
		return subcommands.ExitFailure
	}
	s := &server{eng: eng, dev: dev}

	addr := c.addr
	if addr == "" {
		addr = cfg.MetricsAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router(log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", addr), zap.String("engine", eng.ID().String()))
		errc <- srv.ListenAndServe()
	}()

	status := subcommands.ExitSuccess
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", zap.Error(err))
			status = subcommands.ExitFailure
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Warn("engine shutdown", zap.Error(err))
	}
	return status
}

func (s *server) router(log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), ginZapLogger(log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/debug/stats", s.stats)
	r.GET("/frame", s.frame)
	return r
}

func ginZapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
			zap.Int("size", c.Writer.Size()),
		)
	}
}

func (s *server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"engine":       s.eng.Stats(),
		"device_bytes": s.dev.bytes.Load(),
	})
}

// frameQuery is a viewport in degrees and pixels.
type frameQuery struct {
	BBox     string  `form:"bbox" binding:"required"`
	Width    int     `form:"width" binding:"required,gt=0,lte=16384"`
	Height   int     `form:"height" binding:"required,gt=0,lte=16384"`
	Rotation float64 `form:"rotation"`
}

// frame composes one frame for the requested viewport and reports what
// would be drawn.
func (s *server) frame(c *gin.Context) {
	var q frameQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	geo, err := parseBBox(q.BBox)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bound := tile.ProjectBound(tile.WebMercator, geo)
	vp := compose.FitViewport(bound, q.Width, q.Height, q.Rotation)

	s.mu.Lock()
	f, err := s.eng.Compose(vp)
	s.mu.Unlock()
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	kinds := make(map[string]int, len(bundle.Kinds))
	for _, d := range f.Draws {
		kinds[d.Part.Kind.String()]++
	}
	c.JSON(http.StatusOK, gin.H{
		"zoom":        f.Zoom,
		"resolution":  strconv.FormatFloat(vp.Resolution, 'f', 3, 64),
		"draws":       len(f.Draws),
		"draws_kind":  kinds,
		"visible":     f.Stats.Visible,
		"ready":       f.Stats.Ready,
		"substituted": f.Stats.Substituted,
		"missing":     f.Stats.Missing,
	})
}
