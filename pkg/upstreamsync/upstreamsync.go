// Package upstreamsync implements the Upstream Sync component (spec §4.3):
// walking upstream (label, subdir) catalogs, diffing against the shard
// store, building shards for unknown packages, reconciling legacy paths and
// canonical URLs for known ones, and committing/pushing the result in
// batches bounded by a shard count and a wall-clock time budget. Grounded
// directly on original_source/repodata_tools/anaconda_sync.py's
// update_shards, translated from its subprocess-git/joblib shape into
// vcsrepo commits and a bounded errgroup pool.
package upstreamsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kalbasit/repodata-tools/pkg/errkind"
	"github.com/kalbasit/repodata-tools/pkg/helper"
	"github.com/kalbasit/repodata-tools/pkg/metrics"
	"github.com/kalbasit/repodata-tools/pkg/rank"
	"github.com/kalbasit/repodata-tools/pkg/shard"
	"github.com/kalbasit/repodata-tools/pkg/shardbuilder"
	"github.com/kalbasit/repodata-tools/pkg/shardstore"
	"github.com/kalbasit/repodata-tools/pkg/upstreamcatalog"
	"github.com/kalbasit/repodata-tools/pkg/vcsrepo"
)

const otelPackageName = "github.com/kalbasit/repodata-tools/pkg/upstreamsync"

// chunkSize is the number of packages considered together before sizing the
// parallel build pool, matching anaconda_sync.py's chunk_iterable(..., 64).
const chunkSize = 64

// commitThreshold is the number of modified shards that forces an
// intermediate commit+push, matching anaconda_sync.py's
// len(shards_to_write) >= 64 check.
const commitThreshold = 64

// maxParallelBuilds caps the per-chunk build pool regardless of how small
// the largest package in the chunk is (anaconda_sync.py's n_jobs upper
// bound of 16).
const maxParallelBuilds = 16

// mainURLPrefix is the canonical download URL prefix main-label packages
// are rewritten to once known (anaconda_sync.py's main_url).
const mainURLPrefix = "https://conda.anaconda.org/conda-forge"

// defaultMemoryBudget is the per-chunk memory budget assumed when
// Config.MemoryBudget is unset, matching anaconda_sync.py's hardcoded
// 1.0 GB numerator in n_jobs = min(max(int(1.0 / max_gb), 1), 16).
const defaultMemoryBudget = "1G"

//nolint:gochecknoglobals
var tracer = otel.Tracer(otelPackageName)

// Config parameterizes a Syncer.
type Config struct {
	// Labels is the set of distribution labels to walk, "main" first.
	Labels []string
	// Subdirs is the set of architecture/OS buckets to walk, operator
	// configured because the upstream subdir list is itself data
	// (original_source derives it from a metadata document, not a
	// hardcoded constant).
	Subdirs []string
	// Rank and NRanks implement the horizontal partitioning described in
	// spec §3/§4.3/§5: this process only considers (label,subdir) pairs
	// and packages owned by Rank out of NRanks total.
	Rank, NRanks int
	// Author stamps the commits this pass makes.
	Author object.Signature
	// MemoryBudget sizes the per-chunk build pool ("<n><B|K|M|G|T>", e.g.
	// "2G"); the pool shrinks as the largest package in a chunk grows, so
	// a larger budget buys more parallelism at a higher peak memory cost.
	// Empty defaults to defaultMemoryBudget.
	MemoryBudget string
}

// Syncer drives one Upstream Sync pass over a shard-store working copy.
type Syncer struct {
	cfg          Config
	repo         *vcsrepo.Repo
	store        *shardstore.Store
	catalog      *upstreamcatalog.Fetcher
	builder      *shardbuilder.Builder
	metrics      *metrics.Recorder
	memoryBudget int64
}

// New builds a Syncer over an already-open working copy.
func New(
	cfg Config,
	repo *vcsrepo.Repo,
	store *shardstore.Store,
	catalog *upstreamcatalog.Fetcher,
	builder *shardbuilder.Builder,
	rec *metrics.Recorder,
) (*Syncer, error) {
	budgetStr := cfg.MemoryBudget
	if budgetStr == "" {
		budgetStr = defaultMemoryBudget
	}

	budget, err := helper.ParseSize(budgetStr)
	if err != nil {
		return nil, fmt.Errorf("upstreamsync: parsing memory budget %q: %w", budgetStr, err)
	}

	return &Syncer{
		cfg:          cfg,
		repo:         repo,
		store:        store,
		catalog:      catalog,
		builder:      builder,
		metrics:      rec,
		memoryBudget: int64(budget),
	}, nil
}

// Run walks every (label, subdir) pair this rank owns, building shards for
// packages not yet in the store and reconciling ones that are, stopping
// (returning true) once timeLimit has elapsed (spec §4.3).
func (s *Syncer) Run(ctx context.Context, timeLimit time.Duration) (timedOut bool, err error) {
	start := time.Now()

	dirty := 0

	loopIndex := 0

	for _, label := range s.cfg.Labels {
		for _, subdir := range s.cfg.Subdirs {
			idx := loopIndex
			loopIndex++

			if s.cfg.NRanks > 1 && idx%s.cfg.NRanks != s.cfg.Rank {
				continue
			}

			stop, passDirty, err := s.syncPass(ctx, label, subdir, start, timeLimit, dirty)
			dirty = passDirty

			if err != nil {
				return false, err
			}

			if stop {
				if dirty > 0 {
					if err := s.commit(ctx, fmt.Sprintf("time budget reached during %s/%s", label, subdir)); err != nil {
						return true, err
					}
				}

				return true, nil
			}
		}
	}

	if dirty > 0 {
		if err := s.commit(ctx, "final chunk"); err != nil {
			return false, err
		}
	}

	return false, nil
}

// syncPass walks one (label, subdir) catalog in chunks of chunkSize,
// returning whether the time budget was exhausted mid-pass.
func (s *Syncer) syncPass(
	ctx context.Context, label, subdir string, start time.Time, timeLimit time.Duration, dirty int,
) (stop bool, newDirty int, err error) {
	ctx, span := tracer.Start(ctx, "upstreamsync.syncPass", trace.WithAttributes(
		attribute.String("label", label), attribute.String("subdir", subdir),
	))
	defer span.End()

	log := zerolog.Ctx(ctx).With().Str("label", label).Str("subdir", subdir).Logger()

	cat, err := s.catalog.Fetch(ctx, label, subdir)
	if err != nil {
		if errors.Is(err, upstreamcatalog.ErrNotAvailable) {
			log.Info().Msg("catalog not available upstream, skipping")
			s.metrics.SyncPass(ctx, label, subdir, "not_available")

			return false, dirty, nil
		}

		return false, dirty, fmt.Errorf("upstreamsync: fetching catalog for %s/%s: %w", label, subdir, err)
	}

	pkgs := make([]string, 0, len(cat.Packages)+len(cat.PackagesConda))
	for fn := range cat.Packages {
		pkgs = append(pkgs, fn)
	}

	for fn := range cat.PackagesConda {
		pkgs = append(pkgs, fn)
	}

	sort.Strings(pkgs)

	owned := make([]string, 0, len(pkgs))

	for _, fn := range pkgs {
		if rank.Owns(subdir, fn, s.cfg.NRanks, s.cfg.Rank) {
			owned = append(owned, fn)
		}
	}

	for i := 0; i < len(owned); i += chunkSize {
		end := i + chunkSize
		if end > len(owned) {
			end = len(owned)
		}

		chunkDirty, err := s.syncChunk(ctx, label, subdir, owned[i:end], cat)
		if err != nil {
			return false, dirty, err
		}

		dirty += chunkDirty

		if dirty >= commitThreshold {
			if err := s.commit(ctx, fmt.Sprintf("chunk ending %d of %s/%s", end, label, subdir)); err != nil {
				return false, dirty, err
			}

			dirty = 0
		}

		if time.Since(start) > timeLimit {
			s.metrics.SyncPass(ctx, label, subdir, "aborted")

			return true, dirty, nil
		}
	}

	s.metrics.SyncPass(ctx, label, subdir, "ok")

	return false, dirty, nil
}

// syncChunk reconciles or builds every package in one chunk, returning the
// number of shards it modified.
func (s *Syncer) syncChunk(
	ctx context.Context, label, subdir string, pkgs []string, cat *upstreamcatalog.Catalog,
) (int, error) {
	type toBuild struct {
		pkg       string
		sizeBytes int64
	}

	var (
		dirty int
		build []toBuild
	)

	for _, pkg := range pkgs {
		sh, err := s.store.Get(ctx, subdir, pkg)

		switch {
		case err == nil:
			changed := s.reconcile(sh, label, subdir, pkg)
			if changed {
				if err := s.store.Write(ctx, sh); err != nil {
					return dirty, err
				}

				dirty++
			}
		case errors.Is(err, shardstore.ErrNotFound):
			size := cat.Packages[pkg].Size
			if size == 0 {
				size = cat.PackagesConda[pkg].Size
			}

			build = append(build, toBuild{pkg: pkg, sizeBytes: size})
		default:
			return dirty, err
		}
	}

	if len(build) == 0 {
		return dirty, nil
	}

	var maxBytes int64
	for _, b := range build {
		if b.sizeBytes > maxBytes {
			maxBytes = b.sizeBytes
		}
	}

	nJobs := s.parallelJobs(maxBytes, len(build))

	sem := make(chan struct{}, nJobs)

	g, gctx := errgroup.WithContext(ctx)

	for _, b := range build {
		b := b

		sem <- struct{}{}

		g.Go(func() error {
			defer func() { <-sem }()

			req := shardbuilder.Request{
				Subdir: subdir,
				Package: b.pkg,
				Label:   label,
				URL:     packageURL(label, subdir, b.pkg),
			}

			var sh *shard.Shard

			err := errkind.Do(gctx, errkind.DownloadRetryConfig(), func(int) error {
				built, err := s.builder.Build(gctx, req)
				if err != nil {
					return err
				}

				sh = built

				return nil
			})
			if err != nil {
				kindName := "unknown"
				if kind, ok := errkind.Kind(err); ok {
					kindName = kind.Error()
				}

				s.metrics.ShardBuildFailed(gctx, subdir, kindName)

				return fmt.Errorf("upstreamsync: building %s/%s: %w", subdir, b.pkg, err)
			}

			if err := s.store.Write(gctx, sh); err != nil {
				return err
			}

			s.metrics.ShardBuilt(gctx, subdir)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return dirty, err
	}

	return dirty + len(build), nil
}

// reconcile merges label into sh's label set and rewrites its canonical URL
// for the main label, reporting whether anything changed
// (anaconda_sync.py's label-append and main_url rewrite).
func (s *Syncer) reconcile(sh *shard.Shard, label, subdir, pkg string) bool {
	changed := false

	if !sh.HasLabel(label) {
		sh.AddLabel(label)

		changed = true
	}

	if label == shard.MainLabel {
		mainURL := packageURL(shard.MainLabel, subdir, pkg)
		if sh.URL != mainURL && containsConda(sh.URL) {
			sh.URL = mainURL
			changed = true
		}
	}

	return changed
}

// commit stages the shards directory (each Write already wrote its file into
// the working copy) and asks vcsrepo to commit+push it.
func (s *Syncer) commit(ctx context.Context, message string) error {
	if err := s.repo.Stage("shards"); err != nil {
		return err
	}

	return s.repo.CommitAndPush(ctx, message, s.cfg.Author)
}

// packageURL returns the canonical download URL for (label, subdir, pkg)
// (anaconda_sync.py's _build_shard URL construction).
func packageURL(label, subdir, pkg string) string {
	if label == shard.MainLabel {
		return fmt.Sprintf("%s/%s/%s", mainURLPrefix, subdir, pkg)
	}

	return fmt.Sprintf("%s/label/%s/%s/%s", mainURLPrefix, label, subdir, pkg)
}

// parallelJobs sizes the per-chunk build pool from the largest package in
// the chunk and the configured memory budget, matching anaconda_sync.py's
// n_jobs = min(max(int(budget_gb / max_gb), 1), 16).
func (s *Syncer) parallelJobs(maxBytes int64, jobCount int) int {
	if maxBytes <= 0 {
		return min(jobCount, maxParallelBuilds)
	}

	n := int(s.memoryBudget / maxBytes)
	if n < 1 {
		n = 1
	}

	if n > maxParallelBuilds {
		n = maxParallelBuilds
	}

	if n > jobCount {
		n = jobCount
	}

	return n
}

func containsConda(url string) bool {
	return strings.Contains(url, "conda.anaconda.org")
}

