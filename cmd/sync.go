package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/repodata-tools/pkg/metrics"
	"github.com/kalbasit/repodata-tools/pkg/shardbuilder"
	"github.com/kalbasit/repodata-tools/pkg/shardstore"
	"github.com/kalbasit/repodata-tools/pkg/upstreamcatalog"
	"github.com/kalbasit/repodata-tools/pkg/upstreamsync"
)

// syncCommand runs one Upstream Sync pass (spec §4.3): walking upstream
// catalogs, building shards for unknown packages, and committing the
// result in batches bounded by a time budget.
func syncCommand(flagSources flagSourcesFn) *cli.Command {
	flags := append([]cli.Flag{
		&cli.IntFlag{
			Name:    "rank",
			Usage:   "This process's rank out of n-ranks, for horizontal partitioning",
			Sources: flagSources("sync.rank", "SYNC_RANK"),
			Value:   0,
		},
		&cli.IntFlag{
			Name:    "n-ranks",
			Usage:   "Total number of Upstream Sync ranks sharing the work",
			Sources: flagSources("sync.n-ranks", "SYNC_N_RANKS"),
			Value:   1,
		},
		&cli.StringFlag{
			Name:    "indexer-bin",
			Usage:   "Name of the external conda-index-compatible indexer command",
			Sources: flagSources("sync.indexer-bin", "SYNC_INDEXER_BIN"),
			Value:   "conda-index",
		},
		&cli.StringSliceFlag{
			Name:    "unindexable",
			Usage:   "\"<subdir>/<package>\" entries the indexer is known to fail on; degrades to a null-repodata shard",
			Sources: flagSources("sync.unindexable", "SYNC_UNINDEXABLE"),
		},
		&cli.StringFlag{
			Name:    "upstream-base-url",
			Usage:   "Base URL of the upstream channel",
			Sources: flagSources("sync.upstream-base-url", "SYNC_UPSTREAM_BASE_URL"),
		},
		&cli.StringFlag{
			Name:    "upstream-token",
			Usage:   "Bearer credential for the upstream channel-labels endpoint",
			Sources: flagSources("sync.upstream-token", "BINSTAR_TOKEN"),
		},
		&cli.StringFlag{
			Name:    "memory-budget",
			Usage:   "Per-chunk memory budget sizing the parallel build pool (\"<n><B|K|M|G|T>\", e.g. \"2G\")",
			Sources: flagSources("sync.memory-budget", "SYNC_MEMORY_BUDGET"),
			Value:   "1G",
		},
		&cli.DurationFlag{
			Name:    "time-limit",
			Usage:   "Wall-clock budget for this pass",
			Sources: flagSources("sync.time-limit", "SYNC_TIME_LIMIT"),
			Value:   0,
		},
	}, commonFlags(flagSources)...)

	return &cli.Command{
		Name:   "sync",
		Usage:  "run one Upstream Sync pass against the shard store",
		Flags:  flags,
		Action: syncAction(),
	}
}

func syncAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "sync").Logger()
		ctx = logger.WithContext(ctx)

		shardRepo, err := openShardRepo(ctx, cmd)
		if err != nil {
			return fmt.Errorf("cmd: opening shard-store repo: %w", err)
		}

		store := shardstore.New(shardRepo.Path())

		var catalogOpts []upstreamcatalog.Option
		if u := cmd.String("upstream-base-url"); u != "" {
			catalogOpts = append(catalogOpts, upstreamcatalog.WithBaseURL(u))
		}

		if t := cmd.String("upstream-token"); t != "" {
			catalogOpts = append(catalogOpts, upstreamcatalog.WithToken(t))
		}

		catalog := upstreamcatalog.New(catalogOpts...)

		builder := shardbuilder.New(
			catalog,
			shardbuilder.WithIndexerBin(cmd.String("indexer-bin")),
			shardbuilder.WithUnindexable(cmd.StringSlice("unindexable")),
		)

		rec, err := metrics.New()
		if err != nil {
			return fmt.Errorf("cmd: building metrics recorder: %w", err)
		}

		syncer, err := upstreamsync.New(
			upstreamsync.Config{
				Labels:       cmd.StringSlice("label"),
				Subdirs:      cmd.StringSlice("subdir"),
				Rank:         int(cmd.Int("rank")),
				NRanks:       int(cmd.Int("n-ranks")),
				Author:       commitAuthor(cmd),
				MemoryBudget: cmd.String("memory-budget"),
			},
			shardRepo,
			store,
			catalog,
			builder,
			rec,
		)
		if err != nil {
			return fmt.Errorf("cmd: building syncer: %w", err)
		}

		timedOut, err := syncer.Run(ctx, cmd.Duration("time-limit"))
		if err != nil {
			return fmt.Errorf("upstream sync: %w", err)
		}

		if timedOut {
			logger.Info().Msg("upstream sync pass stopped on its time budget")
		}

		return nil
	}
}
