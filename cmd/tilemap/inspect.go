package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/gogpu/tilemap/bundle"
	"github.com/gogpu/tilemap/mvt"
	"github.com/gogpu/tilemap/style"
	"github.com/gogpu/tilemap/tile"
)

type inspectCmd struct {
	z, x, y int
	scheme  string
	file    string
	style   string
}

func (*inspectCmd) Name() string     { return "inspect" }
func (*inspectCmd) Synopsis() string { return "decode one vector tile and tessellate it" }
func (*inspectCmd) Usage() string {
	return "tilemap inspect -z <z> -x <x> -y <y> [-file <path>] [-style <path>]\n"
}

func (c *inspectCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.z, "z", 0, "Zoom level")
	f.IntVar(&c.x, "x", 0, "Column")
	f.IntVar(&c.y, "y", 0, "Row")
	f.StringVar(&c.scheme, "scheme", "osm", "Scheme name used in cache keys")
	f.StringVar(&c.file, "file", "", "Read the tile from a file instead of fetching it")
	f.StringVar(&c.style, "style", "", "Style rules JSON (default: built-in)")
}

func (c *inspectCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, log, err := setup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer func() { _ = log.Sync() }()

	scheme := tile.WebMercatorScheme(c.scheme)
	idx := tile.Index{Z: uint8(c.z), X: int64(c.x), Y: int64(c.y)}
	if c.z < 0 || c.z >= len(scheme.Resolutions) || !idx.Valid() {
		log.Error("invalid tile", zap.Stringer("index", idx))
		return subcommands.ExitUsageError
	}
	key := tile.NewKey(c.scheme, idx, 0)

	var data []byte
	if c.file != "" {
		data, err = os.ReadFile(c.file)
	} else {
		f, ferr := cfg.Fetcher()
		if ferr != nil {
			log.Error("building fetcher", zap.Error(ferr))
			return subcommands.ExitFailure
		}
		ctx, cancel := context.WithTimeout(ctx, cfg.Loader.Timeout)
		defer cancel()
		data, err = f.Fetch(ctx, key)
	}
	if err != nil {
		log.Error("reading tile", zap.Stringer("key", key), zap.Error(err))
		return subcommands.ExitFailure
	}

	t, err := mvt.Decode(data)
	if err != nil {
		log.Error("decoding tile", zap.Stringer("key", key), zap.Error(err))
		return subcommands.ExitFailure
	}
	rules, err := loadStyle(c.style)
	if err != nil {
		log.Error("loading style", zap.Error(err))
		return subcommands.ExitFailure
	}
	bounds, _ := scheme.TileBounds(idx.Wrapped())
	b, err := bundle.NewBuilder(nil)
	if err != nil {
		log.Error("creating builder", zap.Error(err))
		return subcommands.ExitFailure
	}

	fmt.Printf("tile %v: %d bytes, %d layers, ~%d bytes decoded\n\n", key, len(data), len(t.Layers), t.Size())
	if err := c.report(os.Stdout, key, t, b, rules, bounds); err != nil {
		log.Error("tessellating", zap.Error(err))
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *inspectCmd) report(out io.Writer, key tile.Key, t *mvt.Tile, b *bundle.Builder, st style.Style, bounds orb.Bound) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LAYER\tEXTENT\tPOINTS\tLINES\tPOLYGONS\tPART\tVERTICES\tINDICES\tINSTANCES\tBYTES")
	for i := range t.Layers {
		l := &t.Layers[i]
		var counts [4]int
		for _, f := range l.Features {
			counts[f.Type]++
		}
		bd, err := b.Build(key.Content(), l, st, bounds)
		if err != nil {
			return fmt.Errorf("layer %s: %w", l.Name, err)
		}
		prefix := fmt.Sprintf("%s\t%d\t%d\t%d\t%d", l.Name, l.Extent, counts[mvt.Point], counts[mvt.LineString], counts[mvt.Polygon])
		if bd.Empty() {
			fmt.Fprintf(tw, "%s\t-\t\t\t\t\n", prefix)
			continue
		}
		for _, p := range bd.Parts {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n", prefix, p.Kind, p.VertexCount(), p.IndexCount(), p.InstanceCount(),
				len(p.Vertices)+len(p.Indices)+len(p.Instances))
			prefix = "\t\t\t\t"
		}
	}
	return tw.Flush()
}
