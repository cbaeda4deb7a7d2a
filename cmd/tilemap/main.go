// Command tilemap prefetches, inspects and serves map tiles with the
// tilemap engine. Settings come from TILEMAP_* environment variables.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&prefetchCmd{}, "")
	subcommands.Register(&inspectCmd{}, "")
	subcommands.Register(&serveCmd{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
