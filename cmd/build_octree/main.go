// build_octree constructs an octree directory from a PLY or LAS point cloud.
package main

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"github.com/cartographer-project/point-cloud-viewer/builder"
	"github.com/cartographer-project/point-cloud-viewer/meta"
	"github.com/cartographer-project/point-cloud-viewer/octree"
	"github.com/cartographer-project/point-cloud-viewer/pointcloud"
	"github.com/cartographer-project/point-cloud-viewer/store"
)

var logger = golog.NewDevelopmentLogger("build_octree")

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	app := &cli.App{
		Name:      "build_octree",
		Usage:     "partition a point cloud into an octree of tiles",
		ArgsUsage: "<input.ply|input.las>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "output_directory",
				Usage:    "octree directory to create",
				Required: true,
			},
			&cli.Float64Flag{
				Name:  "resolution",
				Usage: "worst acceptable quantization error in meters",
				Value: builder.DefaultResolution,
			},
			&cli.Int64Flag{
				Name:  "max-points-per-node",
				Usage: "split threshold per node",
				Value: builder.DefaultMaxPointsPerNode,
			},
			&cli.IntFlag{
				Name:  "max-depth",
				Usage: "deepest level before coincident points stop splitting",
				Value: builder.DefaultMaxDepth,
			},
			&cli.IntFlag{
				Name:  "threads",
				Usage: "worker parallelism (0 = all cores)",
			},
			&cli.Int64Flag{
				Name:  "seed",
				Usage: "subsampling seed; identical seeds give identical output",
			},
			&cli.BoolFlag{
				Name:  "clean-on-error",
				Usage: "remove scratch files when the build fails",
			},
			&cli.BoolFlag{
				Name:  "verify",
				Usage: "after building, check every manifest entry has a readable tile",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("exactly one input file is required")
			}
			return runBuild(c.Context, c.Args().First(), builder.Config{
				OutputDirectory:  c.String("output_directory"),
				Resolution:       c.Float64("resolution"),
				MaxPointsPerNode: c.Int64("max-points-per-node"),
				MaxDepth:         c.Int("max-depth"),
				Threads:          c.Int("threads"),
				Seed:             c.Int64("seed"),
				CleanOnError:     c.Bool("clean-on-error"),
			}, c.Bool("verify"))
		},
	}
	return app.RunContext(ctx, args)
}

func runBuild(ctx context.Context, input string, cfg builder.Config, verify bool) error {
	scan, err := pointcloud.OpenStream(input, 0)
	if err != nil {
		return err
	}
	logger.Infof("scanning %q (%d points) for its bounding box", input, scan.NumPoints())
	box, stats, err := pointcloud.ComputeBounds(ctx, scan, logger)
	if cerr := scan.Close(); cerr != nil {
		logger.Warnf("closing bounds scan: %v", cerr)
	}
	if err != nil {
		return errors.Wrap(err, "bounding box scan")
	}
	logger.Infof("input stats: %s", stats)

	stream, err := pointcloud.OpenStream(input, 0)
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(stream.Close)

	m, err := builder.Build(ctx, stream, box, cfg, logger)
	if err != nil {
		return err
	}
	if verify {
		return verifyOctree(cfg.OutputDirectory, m)
	}
	return nil
}

// verifyOctree cross-checks the manifest's node directory against the tiles
// actually on disk, in both directions.
func verifyOctree(dir string, m *meta.Manifest) error {
	st, err := store.NewStore(dir)
	if err != nil {
		return err
	}
	onDisk, err := st.List()
	if err != nil {
		return err
	}
	inManifest := map[octree.NodeId]bool{}
	for _, rec := range m.Nodes {
		id, err := octree.NodeIdFromString(rec.Id)
		if err != nil {
			return err
		}
		inManifest[id] = true
		if !onDisk.Contains(id) {
			return errors.Errorf("manifest lists %s but no tile exists", id)
		}
		if _, err := st.Get(id); err != nil {
			return errors.Wrapf(err, "manifest lists %s but its tile cannot be read", id)
		}
	}
	for _, id := range onDisk.ToSlice() {
		if !inManifest[id] {
			return errors.Errorf("tile %s on disk is not in the manifest", id)
		}
	}
	logger.Infof("verified %d nodes", len(m.Nodes))
	return nil
}
