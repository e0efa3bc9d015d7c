package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/repodata-tools/pkg/analytics"
	"github.com/kalbasit/repodata-tools/pkg/linktable"
	"github.com/kalbasit/repodata-tools/pkg/metrics"
	"github.com/kalbasit/repodata-tools/pkg/patchset"
	"github.com/kalbasit/repodata-tools/pkg/shardstore"
	"github.com/kalbasit/repodata-tools/pkg/state"
	"github.com/kalbasit/repodata-tools/pkg/telemetry"
	"github.com/kalbasit/repodata-tools/pkg/worker"
)

// workerCommand runs the Worker Loop: fold, patch, and republish the
// channel for TIME_LIMIT seconds (spec §4.6, §6 "Worker CLI").
func workerCommand(flagSources flagSourcesFn) *cli.Command {
	flags := append([]cli.Flag{
		&cli.BoolFlag{
			Name:    "make-releases",
			Usage:   "Publish release artifacts; without this the fold/patch pipeline runs without publishing",
			Sources: flagSources("worker.make-releases", "WORKER_MAKE_RELEASES"),
		},
		&cli.BoolFlag{
			Name:    "main-only",
			Usage:   "Restrict folding, patching, and publishing to the main label",
			Sources: flagSources("worker.main-only", "WORKER_MAIN_ONLY"),
		},
		&cli.BoolFlag{
			Name:    "allow-unsafe",
			Usage:   "Permit starting from an empty Link Table when none can be found and releases are enabled",
			Sources: flagSources("worker.allow-unsafe", "WORKER_ALLOW_UNSAFE"),
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "Dump the full in-memory repodata/channeldata/revision state after the run ends",
			Sources: flagSources("worker.debug", "WORKER_DEBUG"),
		},
		&cli.StringFlag{
			Name:    "debug-dir",
			Usage:   "Directory debug dumps are written to",
			Sources: flagSources("worker.debug-dir", "WORKER_DEBUG_DIR"),
			Value:   ".",
		},
		&cli.BoolFlag{
			Name:    "analytics-reporting-enabled",
			Usage:   "Report anonymous shard-store size metrics to the project maintainers",
			Sources: flagSources("worker.analytics-reporting-enabled", "ANALYTICS_REPORTING_ENABLED"),
		},
	}, commonFlags(flagSources)...)
	flags = append(flags, lockFlags(flagSources)...)

	return &cli.Command{
		Name:      "worker",
		Usage:     "fold, patch, and republish the channel for TIME_LIMIT seconds",
		ArgsUsage: "TIME_LIMIT",
		Flags:     flags,
		Action:    workerAction(),
	}
}

func workerAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "worker").Logger()
		ctx = logger.WithContext(ctx)

		timeLimit, err := parseTimeLimit(cmd.Args().First())
		if err != nil {
			return err
		}

		shardRepo, err := openShardRepo(ctx, cmd)
		if err != nil {
			return fmt.Errorf("cmd: opening shard-store repo: %w", err)
		}

		patchRepo, err := openPatchRepo(ctx, cmd)
		if err != nil {
			return fmt.Errorf("cmd: opening patch-repo: %w", err)
		}

		store := shardstore.New(shardRepo.Path())
		patches := patchset.NewLoader(patchRepo, cmd.String("patch-bin"))
		releases := openReleaseStore(cmd)

		analyticsReporter := analytics.Ctx(ctx) // no-op until enabled below

		if cmd.Bool("analytics-reporting-enabled") {
			res, err := telemetry.NewResource(ctx, cmd.Root().Name, Version)
			if err != nil {
				return fmt.Errorf("cmd: building analytics resource: %w", err)
			}

			analyticsReporter, err = analytics.New(ctx, store.Root(), res)
			if err != nil {
				return fmt.Errorf("cmd: building analytics reporter: %w", err)
			}
			defer func() {
				if err := analyticsReporter.Shutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("error shutting down analytics reporter")
				}
			}()
		}

		ctx = analyticsReporter.WithContext(ctx)

		db, err := state.Open(ctx, cmd.String("state-db-path"))
		if err != nil {
			return fmt.Errorf("cmd: opening state db: %w", err)
		}
		defer db.Close()

		table, found, err := loadLinkTable(ctx, releases)
		if err != nil {
			return err
		}

		makeReleases := cmd.Bool("make-releases")
		allowUnsafe := cmd.Bool("allow-unsafe")

		if err := worker.RequireLinkTable(found, makeReleases, allowUnsafe); err != nil {
			return err
		}

		if table == nil {
			table = linktable.New()
		}

		relLock, err := openLocker(ctx, cmd)
		if err != nil {
			return err
		}

		rec, err := metrics.New()
		if err != nil {
			return fmt.Errorf("cmd: building metrics recorder: %w", err)
		}

		loop := worker.New(
			worker.Config{
				MakeReleases: makeReleases,
				MainOnly:     cmd.Bool("main-only"),
				AllowUnsafe:  allowUnsafe,
				Subdirs:      cmd.StringSlice("subdir"),
				Labels:       cmd.StringSlice("label"),
				Author:       commitAuthor(cmd),
				Debug:        cmd.Bool("debug"),
				DebugDir:     cmd.String("debug-dir"),
			},
			shardRepo,
			store,
			patches,
			releases,
			db,
			linktable.NewHolder(table),
			relLock,
			rec,
		)

		if err := loop.Run(ctx, timeLimit); err != nil {
			return fmt.Errorf("worker loop: %w", err)
		}

		return nil
	}
}

// parseTimeLimit parses the positional TIME_LIMIT argument as a whole
// number of seconds (spec §6 "Worker CLI": "invoked with a TIME_LIMIT").
func parseTimeLimit(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, fmt.Errorf("cmd: TIME_LIMIT argument is required")
	}

	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("cmd: parsing TIME_LIMIT %q: %w", raw, err)
	}

	return time.Duration(seconds) * time.Second, nil
}
