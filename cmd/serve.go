package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/kalbasit/repodata-tools/pkg/linktable"
	"github.com/kalbasit/repodata-tools/pkg/prometheus"
	"github.com/kalbasit/repodata-tools/pkg/redirect"
)

// serveCommand runs the Redirect Frontend (spec §4.7, §6): a read-only HTTP
// surface over the current Link Table, with a webhook endpoint that
// reloads it on demand.
func serveCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "serve the redirect frontend over http",
		Action:  serveAction(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "github-token",
				Usage:    "GitHub token used to read published releases",
				Sources:  flagSources("release-store.github-token", "GITHUB_TOKEN"),
				Required: true,
			},
			&cli.StringFlag{
				Name:     "github-owner",
				Usage:    "GitHub repository owner the release store is read from",
				Sources:  flagSources("release-store.github-owner", "GITHUB_OWNER"),
				Required: true,
			},
			&cli.StringFlag{
				Name:     "github-repo",
				Usage:    "GitHub repository name the release store is read from",
				Sources:  flagSources("release-store.github-repo", "GITHUB_REPO"),
				Required: true,
			},
			&cli.StringFlag{
				Name:    "webhook-secret",
				Usage:   "Shared secret authenticating POST /update-links; an empty value rejects every webhook request",
				Sources: flagSources("server.webhook-secret", "WEBHOOK_SECRET"),
			},
			&cli.StringFlag{
				Name:    "server-addr",
				Usage:   "The address of the server",
				Sources: flagSources("server.addr", "SERVER_ADDR"),
				Value:   ":8502",
			},
		},
	}
}

func serveAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "serve").Logger()
		ctx = logger.WithContext(ctx)

		ctx, cancel := context.WithCancel(ctx)

		g, ctx := errgroup.WithContext(ctx)

		defer func() {
			if err := g.Wait(); err != nil {
				logger.Error().Err(err).Msg("error returned from g.Wait()")
			}
		}()

		defer cancel()

		g.Go(func() error {
			return autoMaxProcs(ctx)
		})

		releases := openReleaseStore(cmd)

		table, _, err := loadLinkTable(ctx, releases)
		if err != nil {
			return err
		}

		if table == nil {
			table = linktable.New()
		}

		holder := linktable.NewHolder(table)

		reload := func() (*linktable.Table, error) {
			t, found, err := loadLinkTable(ctx, releases)
			if err != nil {
				return nil, err
			}

			if !found {
				return linktable.New(), nil
			}

			return t, nil
		}

		srv := redirect.New(holder, reload, cmd.String("webhook-secret"))

		mux := http.NewServeMux()
		mux.Handle("/", srv)

		if cmd.Root().Bool("prometheus-enabled") {
			gatherer, shutdown, err := prometheus.SetupPrometheusMetrics(ctx, cmd.Root().Name, Version)
			if err != nil {
				return fmt.Errorf("error setting up Prometheus metrics: %w", err)
			}

			defer func() {
				if err := shutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("error shutting down Prometheus metrics")
				}
			}()

			mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

			logger.Info().Msg("Prometheus metrics enabled at /metrics")
		}

		server := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Addr:              cmd.String("server-addr"),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		logger.Info().Str("server_addr", cmd.String("server-addr")).Msg("server started")

		if err := server.ListenAndServe(); err != nil {
			return fmt.Errorf("error starting the HTTP listener: %w", err)
		}

		return nil
	}
}
