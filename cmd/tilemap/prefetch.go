package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/google/subcommands"
	"github.com/paulmach/orb"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/tilemap/loader"
	"github.com/gogpu/tilemap/store"
	"github.com/gogpu/tilemap/tile"
)

type prefetchCmd struct {
	bbox       string
	minZ, maxZ int
	scheme     string
	jobs       int
}

func (*prefetchCmd) Name() string     { return "prefetch" }
func (*prefetchCmd) Synopsis() string { return "download a bbox into the persistent tile cache" }
func (*prefetchCmd) Usage() string {
	return "tilemap prefetch -bbox <minLon,minLat,maxLon,maxLat> [-minz 0 -maxz 14 -scheme osm -j 8]\n"
}

func (c *prefetchCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.bbox, "bbox", "", "Area to fetch in degrees")
	f.IntVar(&c.minZ, "minz", 0, "First zoom level")
	f.IntVar(&c.maxZ, "maxz", 14, "Last zoom level")
	f.StringVar(&c.scheme, "scheme", "osm", "Scheme name used in cache keys")
	f.IntVar(&c.jobs, "j", 8, "Concurrent downloads")
}

// keys lists the wrapped tiles covering bound on every level.
func (c *prefetchCmd) keys(s *tile.Scheme, geo orb.Bound) []tile.Key {
	bound := tile.ProjectBound(tile.WebMercator, geo)
	seen := make(map[tile.Key]bool)
	var out []tile.Key
	for z := c.minZ; z <= c.maxZ; z++ {
		for _, p := range s.CoverLevel(bound, uint8(z), 0) {
			if !seen[p.Key] {
				seen[p.Key] = true
				out = append(out, p.Key)
			}
		}
	}
	return out
}

func (c *prefetchCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, log, err := setup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer func() { _ = log.Sync() }()

	geo, err := parseBBox(c.bbox)
	if err != nil || c.minZ < 0 || c.maxZ > tile.WebMercatorLevels-1 || c.minZ > c.maxZ {
		log.Error("invalid arguments", zap.Error(err), zap.Int("minz", c.minZ), zap.Int("maxz", c.maxZ))
		return subcommands.ExitUsageError
	}
	if cfg.Cache.Store == store.KindNone {
		log.Error("prefetch needs a persistent tier: set TILEMAP_CACHE_STORE")
		return subcommands.ExitUsageError
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	st, closer, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		log.Error("opening store", zap.Error(err))
		return subcommands.ExitFailure
	}
	defer closer.Close()

	fetcher, err := cfg.Fetcher()
	if err != nil {
		log.Error("building fetcher", zap.Error(err))
		return subcommands.ExitFailure
	}
	ld := loader.New(fetcher, loader.WithRetry(cfg.RetryPolicy()), loader.WithAttemptTimeout(cfg.Loader.Timeout))

	keys := c.keys(tile.WebMercatorScheme(c.scheme), geo)
	log.Info("prefetching", zap.Int("tiles", len(keys)), zap.String("store", cfg.Cache.Store))

	bar := progressbar.NewOptions(len(keys),
		progressbar.OptionSetDescription("prefetch"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
	)
	var cached, fetched, missing, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.jobs, 1))
	for _, key := range keys {
		g.Go(func() error {
			defer bar.Add(1)
			if _, ok, err := st.Get(gctx, key); err == nil && ok {
				cached.Add(1)
				return nil
			}
			data, err := ld.Request(gctx, key)
			switch {
			case errors.Is(err, loader.ErrNotFound):
				missing.Add(1)
				return nil
			case loader.KindOf(err) == loader.KindCancelled:
				return err
			case err != nil:
				failed.Add(1)
				log.Warn("fetch failed", zap.Stringer("key", key), zap.Error(err))
				return nil
			}
			if err := st.Put(gctx, key, data); err != nil {
				failed.Add(1)
				log.Warn("store failed", zap.Stringer("key", key), zap.Error(err))
				return nil
			}
			fetched.Add(1)
			return nil
		})
	}
	err = g.Wait()
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)

	log.Info("prefetch done",
		zap.Int64("fetched", fetched.Load()),
		zap.Int64("cached", cached.Load()),
		zap.Int64("missing", missing.Load()),
		zap.Int64("failed", failed.Load()),
	)
	if err != nil {
		log.Error("prefetch interrupted", zap.Error(err))
		return subcommands.ExitFailure
	}
	if failed.Load() > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
