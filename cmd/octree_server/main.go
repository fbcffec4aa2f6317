// octree_server serves an octree's query API over HTTP.
package main

import (
	"context"
	"fmt"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"github.com/cartographer-project/point-cloud-viewer/query"
	"github.com/cartographer-project/point-cloud-viewer/web"
)

var logger = golog.NewDevelopmentLogger("octree_server")

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	app := &cli.App{
		Name:      "octree_server",
		Usage:     "serve visible_nodes and nodes_data for an octree",
		ArgsUsage: "<octree directory>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Usage: "listen port",
				Value: 5433,
			},
			&cli.Int64Flag{
				Name:  "cache-bytes",
				Usage: "decoded tile cache capacity",
			},
			&cli.IntFlag{
				Name:  "prefetch-workers",
				Usage: "background prefetch parallelism (0 disables)",
				Value: 4,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("exactly one octree directory is required")
			}
			engine, err := query.Open(c.Args().First(), query.Options{
				CacheBytes:      c.Int64("cache-bytes"),
				PrefetchWorkers: c.Int("prefetch-workers"),
			}, logger)
			if err != nil {
				return err
			}
			defer engine.Close()
			server := web.NewServer(engine, fmt.Sprintf(":%d", c.Int("port")), logger)
			return server.Serve(c.Context)
		},
	}
	return app.RunContext(ctx, args)
}
