// octree_benchmark streams points out of an octree and prints running
// per-axis statistics, exercising the full read path.
package main

import (
	"context"
	"fmt"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"github.com/cartographer-project/point-cloud-viewer/octree"
	"github.com/cartographer-project/point-cloud-viewer/pointcloud"
	"github.com/cartographer-project/point-cloud-viewer/query"
)

var logger = golog.NewDevelopmentLogger("octree_benchmark")

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	app := &cli.App{
		Name:      "octree_benchmark",
		Usage:     "stream points out of an octree and print running stats",
		ArgsUsage: "<octree directory>",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:  "num-points",
				Usage: "stop after this many points",
				Value: 1_000_000,
			},
			&cli.BoolFlag{
				Name:  "no-client",
				Usage: "decode tiles but skip the per-point client accounting",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("exactly one octree directory is required")
			}
			return runBenchmark(c.Context, c.Args().First(), c.Int64("num-points"), c.Bool("no-client"))
		},
	}
	return app.RunContext(ctx, args)
}

func runBenchmark(ctx context.Context, dir string, numPoints int64, noClient bool) error {
	engine, err := query.Open(dir, query.Options{}, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	md := engine.Metadata()
	logger.Infof("octree has %d nodes, %d points", md.NodeCount, md.PointCount)

	stats := &pointcloud.VectorStats{}
	var streamed int64

	// Breadth-first over live nodes: coarse levels stream first, the way a
	// viewer would consume them.
	queue := []octree.NodeId{octree.RootId()}
	for len(queue) > 0 && streamed < numPoints {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := queue[0]
		queue = queue[1:]
		if !engine.HasNode(id) {
			continue
		}
		til, err := engine.Fetch(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "fetching %s", id)
		}
		for _, p := range til.Points {
			if streamed >= numPoints {
				break
			}
			streamed++
			if !noClient {
				stats.Add(p.Position)
			}
		}
		for c := octree.ChildIndex(0); c < 8; c++ {
			queue = append(queue, id.Child(c))
		}
	}

	if noClient {
		fmt.Printf("{count: %d}\n", streamed)
		return nil
	}
	fmt.Printf("%s\n", stats)
	return nil
}
