package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/repodata-tools/pkg/mirror"
	"github.com/kalbasit/repodata-tools/pkg/shard"
	"github.com/kalbasit/repodata-tools/pkg/shardstore"
	"github.com/kalbasit/repodata-tools/pkg/undistrib"
)

// undistribSweepCommand walks the shard store rewriting shards whose
// package has become undistributable, supplementing the feature dropped
// from the distillation (see pkg/undistrib, grounded on
// original_source/repodata_tools/remove_undistrib.py).
func undistribSweepCommand(flagSources flagSourcesFn) *cli.Command {
	flags := append([]cli.Flag{
		&cli.StringSliceFlag{
			Name:     "undistributable",
			Usage:    "Package name that must not be redistributed from the mirror; may be given multiple times",
			Sources:  flagSources("undistrib.packages", "UNDISTRIBUTABLE_PACKAGES"),
			Required: true,
		},
		&cli.StringFlag{
			Name:    "mirror-bucket",
			Usage:   "S3 bucket the sweep deletes mirrored undistributable blobs from; omit to skip blob deletion",
			Sources: flagSources("mirror.bucket", "MIRROR_BUCKET"),
		},
		&cli.StringFlag{
			Name:    "mirror-region",
			Usage:   "S3 region of the mirror bucket",
			Sources: flagSources("mirror.region", "MIRROR_REGION"),
		},
		&cli.StringFlag{
			Name:    "mirror-endpoint",
			Usage:   "S3-compatible endpoint URL of the mirror bucket",
			Sources: flagSources("mirror.endpoint", "MIRROR_ENDPOINT"),
		},
		&cli.BoolFlag{
			Name:    "mirror-force-path-style",
			Usage:   "Use path-style S3 addressing for the mirror bucket",
			Sources: flagSources("mirror.force-path-style", "MIRROR_FORCE_PATH_STYLE"),
		},
	}, commonFlags(flagSources)...)

	return &cli.Command{
		Name:   "undistrib-sweep",
		Usage:  "rewrite shards whose package has become undistributable",
		Flags:  flags,
		Action: undistribSweepAction(),
	}
}

func undistribSweepAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "undistrib-sweep").Logger()
		ctx = logger.WithContext(ctx)

		shardRepo, err := openShardRepo(ctx, cmd)
		if err != nil {
			return fmt.Errorf("cmd: opening shard-store repo: %w", err)
		}

		store := shardstore.New(shardRepo.Path())

		var mirrorStore *mirror.Store

		if bucket := cmd.String("mirror-bucket"); bucket != "" {
			mirrorStore, err = mirror.New(ctx, mirror.Config{
				Bucket:         bucket,
				Region:         cmd.String("mirror-region"),
				Endpoint:       cmd.String("mirror-endpoint"),
				ForcePathStyle: cmd.Bool("mirror-force-path-style"),
			})
			if err != nil {
				return fmt.Errorf("cmd: building mirror store: %w", err)
			}
		}

		list := undistrib.NewList(cmd.StringSlice("undistributable"))
		sweeper := undistrib.NewSweeper(list, mirrorStore)

		var touched int

		for _, subdir := range cmd.StringSlice("subdir") {
			shards, err := store.Read(ctx, subdir)
			if err != nil {
				return fmt.Errorf("cmd: reading shards for subdir %q: %w", subdir, err)
			}

			for _, sh := range shards {
				if !sweeper.NeedsReconciliation(sh, sh.Package) {
					continue
				}

				if err := sweeper.Reconcile(ctx, sh, sh.Key()); err != nil {
					return fmt.Errorf("cmd: reconciling %q: %w", sh.Key(), err)
				}

				if err := store.Write(ctx, sh); err != nil {
					return fmt.Errorf("cmd: writing %q: %w", sh.Key(), err)
				}

				relPath, err := shard.Path(sh.Subdir, sh.Package)
				if err != nil {
					return fmt.Errorf("cmd: resolving path for %q: %w", sh.Key(), err)
				}

				if err := shardRepo.Stage(relPath); err != nil {
					logger.Warn().Err(err).Str("shard", sh.Key()).Msg("failed to stage reconciled shard")
				}

				touched++
			}
		}

		logger.Info().Int("shards_touched", touched).Msg("undistributable sweep complete")

		if touched == 0 {
			return nil
		}

		if err := shardRepo.CommitAndPush(
			ctx, fmt.Sprintf("undistrib-sweep: reconcile %d shard(s)", touched), commitAuthor(cmd),
		); err != nil {
			return fmt.Errorf("cmd: committing undistrib sweep: %w", err)
		}

		return nil
	}
}
