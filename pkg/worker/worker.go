// Package worker implements the Worker Loop (spec §4.6): a single-process
// event loop with a bounded wall clock that drives incremental repodata
// rebuilds from a shard-store revision diff and a patch-set revision diff,
// coordinates artifact uploads, and maintains the Link Table. Grounded on
// cmd/serve.go's top-level errgroup+cron orchestration shape, narrowed to a
// single bounded iteration loop rather than an always-on HTTP server.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-github/v56/github"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/kalbasit/repodata-tools/pkg/errkind"
	"github.com/kalbasit/repodata-tools/pkg/helper"
	"github.com/kalbasit/repodata-tools/pkg/linktable"
	"github.com/kalbasit/repodata-tools/pkg/lock"
	"github.com/kalbasit/repodata-tools/pkg/metrics"
	"github.com/kalbasit/repodata-tools/pkg/patchset"
	"github.com/kalbasit/repodata-tools/pkg/releasestore"
	"github.com/kalbasit/repodata-tools/pkg/repodata"
	"github.com/kalbasit/repodata-tools/pkg/shard"
	"github.com/kalbasit/repodata-tools/pkg/shardstore"
	"github.com/kalbasit/repodata-tools/pkg/state"
	"github.com/kalbasit/repodata-tools/pkg/vcsrepo"
)

const otelPackageName = "github.com/kalbasit/repodata-tools/pkg/worker"

// MinUpdateTime is the minimum wall-clock duration an iteration must span
// before the Worker Loop sleeps and starts the next one (spec §4.6 step g).
const MinUpdateTime = 30 * time.Second

// uploadPoolSize is the fixed upload concurrency used for Worker Loop
// publication, chosen because uploads are network-bound and idempotent
// (spec §5).
const uploadPoolSize = 8

// releaseLockKey is the distributed lock key guarding draft-release
// creation when multiple Worker Loop replicas run against the same
// release store (spec §4.6, §5).
const releaseLockKey = "repodata-tools:worker:release"

//nolint:gochecknoglobals
var tracer = otel.Tracer(otelPackageName)

// Artifact is one named payload produced for a (subdir,label) pair or for
// the channel as a whole, ready for upload (spec §6 "Published artifacts").
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}

// Config parameterizes a Loop.
type Config struct {
	// MakeReleases gates whether publication (Release Store interaction)
	// happens at all; a false value runs the fold/patch pipeline without
	// publishing, useful for dry runs (spec §6 --make-releases).
	MakeReleases bool
	// MainOnly restricts folding/patching/publishing to the "main" label
	// (spec §6 --main-only).
	MainOnly bool
	// AllowUnsafe permits starting with an empty Link Table when none can
	// be found and releases are enabled (spec §7 Fatal, §4.6 step 2).
	AllowUnsafe bool
	// Subdirs is the fixed enumeration of architecture/OS buckets folded
	// every iteration.
	Subdirs []string
	// Labels is every label the shard store may carry; MainOnly narrows
	// this at fold/publish time without requiring the caller to filter it.
	Labels []string
	// Author stamps commits this process makes.
	Author object.Signature
	// Debug enables dumping the full in-memory repodata/channeldata/revision
	// state to DebugDir after the run ends, mirroring repoworker.py's
	// `if debug:` dump of all_repodata.json/all_channeldata.json/
	// current_shas.json (spec §6 --debug).
	Debug bool
	// DebugDir is the directory Debug dumps are written to; defaults to the
	// current working directory when empty.
	DebugDir string
}

// Loop drives the Worker Loop: clone/pull, diff-driven incremental rebuild,
// per-subdir retry-as-full-rebuild, upload pool, and link-table update
// ordering (spec §4.6).
type Loop struct {
	cfg Config

	shardRepo *vcsrepo.Repo
	store     *shardstore.Store
	patches   *patchset.Loader
	releases  *releasestore.Store
	db        *state.DB
	links     *linktable.Holder
	relLock   lock.Locker
	metrics   *metrics.Recorder

	builder *repodata.Builder
}

// New builds a Loop. links may hold an empty *linktable.Table when none was
// found and cfg.AllowUnsafe is true; callers must enforce the §7 Fatal
// condition (no prior table, releases enabled, not allow-unsafe) before
// calling New, via RequireLinkTable.
func New(
	cfg Config,
	shardRepo *vcsrepo.Repo,
	store *shardstore.Store,
	patches *patchset.Loader,
	releases *releasestore.Store,
	db *state.DB,
	links *linktable.Holder,
	relLock lock.Locker,
	rec *metrics.Recorder,
) *Loop {
	return &Loop{
		cfg:       cfg,
		shardRepo: shardRepo,
		store:     store,
		patches:   patches,
		releases:  releases,
		db:        db,
		links:     links,
		relLock:   relLock,
		metrics:   rec,
		builder:   repodata.New(nil),
	}
}

// Run executes iterations until timeLimit has elapsed since start, sleeping
// between iterations so each spans at least MinUpdateTime (spec §4.6 step
// g). It returns cleanly (nil) on a time-budget exit; only context
// cancellation propagates.
func (l *Loop) Run(ctx context.Context, timeLimit time.Duration) error {
	deadline := time.Now().Add(timeLimit)

	for time.Now().Before(deadline) {
		iterStart := time.Now()

		if err := l.iterate(ctx); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("worker loop iteration failed, continuing")
		}

		l.metrics.IterationDuration(ctx, time.Since(iterStart).Seconds())

		if elapsed := time.Since(iterStart); elapsed < MinUpdateTime {
			select {
			case <-ctx.Done():
				return fmt.Errorf("worker: %w", ctx.Err())
			case <-time.After(MinUpdateTime - elapsed):
			}
		}
	}

	if l.cfg.Debug {
		if err := l.DumpDebug(ctx); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("debug dump failed")
		}
	}

	return nil
}

// DumpDebug writes the full in-memory repodata/channeldata/revision state to
// cfg.DebugDir as all_repodata.json, all_channeldata.json, and
// current_shas.json, the Go equivalent of repoworker.py's end-of-run
// `if debug:` dump (spec §6 --debug).
func (l *Loop) DumpDebug(ctx context.Context) error {
	dir := l.cfg.DebugDir
	if dir == "" {
		dir = "."
	}

	labels := l.cfg.Labels
	if l.cfg.MainOnly {
		labels = []string{shard.MainLabel}
	}

	allRepodata := map[string]map[string]*repodata.Document{}
	allChanneldata := map[string]*repodata.ChannelData{}

	for _, subdir := range l.cfg.Subdirs {
		for _, label := range labels {
			if doc := l.builder.Patched(subdir, label); doc != nil {
				if allRepodata[subdir] == nil {
					allRepodata[subdir] = map[string]*repodata.Document{}
				}

				allRepodata[subdir][label] = doc
			}
		}
	}

	for _, label := range labels {
		allChanneldata[label] = l.builder.Channel(label)
	}

	shardRev, patchRev, err := l.db.LastRevision(ctx)
	if err != nil {
		return fmt.Errorf("worker: reading revision for debug dump: %w", err)
	}

	currentShas := map[string]string{"shard_store": shardRev, "patch_set": patchRev}

	for name, v := range map[string]any{
		"all_repodata.json":   allRepodata,
		"all_channeldata.json": allChanneldata,
		"current_shas.json":   currentShas,
	} {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("worker: marshaling %s: %w", name, err)
		}

		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("worker: writing %s: %w", name, err)
		}
	}

	return nil
}

// iterate runs exactly one Worker Loop iteration (spec §4.6 steps a-f).
func (l *Loop) iterate(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "worker.iterate")
	defer span.End()

	if err := l.shardRepo.Pull(ctx); err != nil {
		return fmt.Errorf("worker: pulling shard store: %w", err)
	}

	lastShardRev, lastPatchRev, err := l.db.LastRevision(ctx)
	if err != nil {
		return fmt.Errorf("worker: reading last revision: %w", err)
	}

	newShardRev, err := l.shardRepo.Head(ctx)
	if err != nil {
		return fmt.Errorf("worker: resolving shard store head: %w", err)
	}

	var addedOrModified, removed []string

	fullRebuild := lastShardRev == ""

	if !fullRebuild {
		addedOrModified, removed, err = l.shardRepo.Diff(ctx, lastShardRev, newShardRev)
		if err != nil {
			return fmt.Errorf("worker: diffing shard store: %w", err)
		}
	}

	_, patchRevChanged, err := l.patches.Reload(ctx)
	if err != nil {
		return fmt.Errorf("worker: reloading patch set: %w", err)
	}

	repatchAll := patchRevChanged || lastPatchRev == ""

	if len(addedOrModified) == 0 && len(removed) == 0 && !fullRebuild && !repatchAll {
		zerolog.Ctx(ctx).Debug().Msg("nothing changed, skipping iteration")

		return nil
	}

	labels := l.cfg.Labels
	if l.cfg.MainOnly {
		labels = []string{shard.MainLabel}
	}

	rawUpdated, err := l.fold(ctx, addedOrModified, removed, fullRebuild, labels)
	if err != nil {
		return err
	}

	patchedUpdated, err := l.repatch(ctx, rawUpdated, repatchAll)
	if err != nil {
		return err
	}

	if err := l.foldChannelData(patchedUpdated); err != nil {
		return err
	}

	if l.cfg.MakeReleases {
		if err := l.publish(ctx, patchedUpdated, rawUpdated); err != nil {
			return err
		}
	}

	if err := l.db.RecordRevision(ctx, newShardRev, l.patches.Revision()); err != nil {
		return fmt.Errorf("worker: recording revision: %w", err)
	}

	return nil
}

// fold loads the shards touched this iteration and folds them into the raw
// repodata maps, applying removals for the main label and recording every
// package URL observed into the Link Table (spec §4.6 step d "fold").
func (l *Loop) fold(
	ctx context.Context, addedOrModified, removed []string, fullRebuild bool, labels []string,
) (map[repodata.SubdirLabel]bool, error) {
	updated := map[repodata.SubdirLabel]bool{}

	table := l.links.Load().Clone()

	onLink := func(subdirPackage, url string) { table.Packages[subdirPackage] = url }

	if fullRebuild {
		for _, subdir := range l.cfg.Subdirs {
			shards, err := l.store.Read(ctx, subdir)
			if err != nil {
				return nil, fmt.Errorf("worker: reading all shards for %s: %w", subdir, err)
			}

			u, err := l.builder.Fold(ctx, mapValues(shards), onLink)
			if err != nil {
				return nil, fmt.Errorf("worker: folding %s: %w", subdir, err)
			}

			mergeSubdirLabelSets(updated, u)
		}
	} else {
		shards, err := l.store.ReadPaths(ctx, addedOrModified)
		if err != nil {
			return nil, fmt.Errorf("worker: reading modified shards: %w", err)
		}

		u, err := l.builder.Fold(ctx, shards, onLink)
		if err != nil {
			return nil, fmt.Errorf("worker: folding modified shards: %w", err)
		}

		mergeSubdirLabelSets(updated, u)
	}

	for _, label := range labels {
		table.AddLabel(label)

		for _, subdir := range l.cfg.Subdirs {
			removedPkgs, err := l.removedForSubdir(ctx, subdir, removed)
			if err != nil {
				return nil, err
			}

			if label == shard.MainLabel && l.builder.ApplyRemovals(subdir, removedPkgs) {
				updated[repodata.SubdirLabel{Subdir: subdir, Label: shard.MainLabel}] = true
			}
		}
	}

	l.links.Store(table)

	return updated, nil
}

// removedForSubdir resolves the cumulative removed-package list for subdir,
// recording newly observed removals from this iteration's diff into the
// state ledger (spec §4.5 "Removals"): the shard store itself carries no
// tombstones, so the removed set must survive a restart.
func (l *Loop) removedForSubdir(ctx context.Context, subdir string, removedPaths []string) ([]string, error) {
	var newlyRemoved []string

	prefix := "shards/" + subdir + "/"

	for _, p := range removedPaths {
		if pkg, ok := packageFromPath(p, prefix); ok {
			newlyRemoved = append(newlyRemoved, pkg)
		}
	}

	if len(newlyRemoved) > 0 {
		if err := l.db.RecordRemoved(ctx, subdir, newlyRemoved); err != nil {
			return nil, err
		}
	}

	all, err := l.db.RemovedPackages(ctx, subdir)
	if err != nil {
		return nil, fmt.Errorf("worker: reading removed packages for %s: %w", subdir, err)
	}

	sort.Strings(all)

	return all, nil
}

// repatch applies the patch set to every updated (subdir,label) pair, in
// full mode when repatchAll is set (spec §4.5 "Patch application", §9
// "removed list" ambiguity resolved per DESIGN.md: full mode always resets
// removed). It returns the superset of pairs whose patched/current-repodata
// views were (re)rendered this iteration, which is rawUpdated itself plus,
// in full mode, every other pair carrying raw data; rawUpdated is never
// mutated, since raw artifacts must only be rebuilt when raw itself changed
// (spec §8 scenario 3).
func (l *Loop) repatch(
	ctx context.Context, rawUpdated map[repodata.SubdirLabel]bool, repatchAll bool,
) (map[repodata.SubdirLabel]bool, error) {
	patcher, _, err := l.patches.Reload(ctx)
	if err != nil {
		return nil, fmt.Errorf("worker: loading patcher: %w", err)
	}

	targets := rawUpdated
	if repatchAll {
		targets = l.allSubdirLabels()
	}

	patchedUpdated := make(map[repodata.SubdirLabel]bool, len(targets))

	for sl := range targets {
		if l.builder.Raw(sl.Subdir, sl.Label) == nil {
			continue
		}

		if err := l.retrySubdir(ctx, sl.Subdir, func() error {
			return l.builder.Patch(ctx, patcher, sl.Subdir, sl.Label, repatchAll)
		}); err != nil {
			return nil, err
		}

		patchedUpdated[sl] = true
	}

	return patchedUpdated, nil
}

// foldChannelData folds every updated (subdir,label) pair's raw repodata
// into its label's running channeldata, reading each surviving candidate's
// shard channeldata payload back out of the shard store (spec §4.5 "Channel
// data fold").
func (l *Loop) foldChannelData(updated map[repodata.SubdirLabel]bool) error {
	fetch := func(subdir, filename string) (json.RawMessage, int, error) {
		sh, err := l.store.Get(context.Background(), subdir, filename)

		switch {
		case err == nil:
			if sh.Channeldata == nil || sh.ChanneldataVersion == nil {
				return nil, 0, nil
			}

			return sh.Channeldata, *sh.ChanneldataVersion, nil
		case errors.Is(err, shardstore.ErrNotFound):
			return nil, 0, nil
		default:
			return nil, 0, fmt.Errorf("worker: reading shard %s/%s: %w", subdir, filename, err)
		}
	}

	for sl := range updated {
		if l.builder.Raw(sl.Subdir, sl.Label) == nil {
			continue
		}

		if err := l.builder.FoldChannelData(sl.Subdir, sl.Label, fetch); err != nil {
			return fmt.Errorf("worker: folding channeldata for %s/%s: %w", sl.Subdir, sl.Label, err)
		}
	}

	return nil
}

// retrySubdir runs fn once; on failure it re-folds the whole subdir from
// scratch and retries fn, surfacing the error only if that retry also fails
// (spec §4.6 step d "If any step throws, retry... once; if still failing,
// surface error and move on").
func (l *Loop) retrySubdir(ctx context.Context, subdir string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}

	zerolog.Ctx(ctx).Warn().Err(err).Str("subdir", subdir).Msg("subdir step failed, retrying in full-rebuild mode")

	shards, readErr := l.store.Read(ctx, subdir)
	if readErr != nil {
		return fmt.Errorf("worker: re-reading %s for retry: %w", subdir, readErr)
	}

	table := l.links.Load().Clone()
	onLink := func(subdirPackage, url string) { table.Packages[subdirPackage] = url }

	if _, foldErr := l.builder.Fold(ctx, mapValues(shards), onLink); foldErr != nil {
		return fmt.Errorf("worker: %s retry fold failed: %w", subdir, foldErr)
	}

	l.links.Store(table)

	if retryErr := fn(); retryErr != nil {
		return fmt.Errorf("worker: %s failed after full-rebuild retry: %w", subdir, retryErr)
	}

	return nil
}

func (l *Loop) allSubdirLabels() map[repodata.SubdirLabel]bool {
	out := map[repodata.SubdirLabel]bool{}

	labels := l.cfg.Labels
	if l.cfg.MainOnly {
		labels = []string{shard.MainLabel}
	}

	for _, subdir := range l.cfg.Subdirs {
		for _, label := range labels {
			if l.builder.Raw(subdir, label) != nil {
				out[repodata.SubdirLabel{Subdir: subdir, Label: label}] = true
			}
		}
	}

	return out
}

// publish derives current-repodata, uploads every artifact touched this
// iteration through a fixed upload pool, and publishes a release, with
// links.json.bz2 uploaded last (spec §4.6 steps c-f, §5 upload ordering).
// updated is the patched-updated superset driving which (subdir,label)
// pairs get patched/current-repodata artifacts; rawUpdated additionally
// gates which of those pairs also get a raw repodata_from_packages_*
// rebuild (spec §8 scenario 3: a patch-only revision bump must not rewrite
// raw artifacts).
func (l *Loop) publish(
	ctx context.Context, updated, rawUpdated map[repodata.SubdirLabel]bool,
) error {
	if len(updated) == 0 {
		return nil
	}

	if err := l.relLock.Lock(ctx, releaseLockKey, 5*time.Minute); err != nil {
		return fmt.Errorf("worker: acquiring release lock: %w", err)
	}
	defer func() {
		if err := l.relLock.Unlock(ctx, releaseLockKey); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to release worker release lock")
		}
	}()

	suffix, err := helper.RandString(8, nil)
	if err != nil {
		return fmt.Errorf("worker: generating release tag suffix: %w", err)
	}

	tag := time.Now().UTC().Format("2006.01.02.15.04.05") + "-" + suffix

	head, err := l.shardRepo.Head(ctx)
	if err != nil {
		return fmt.Errorf("worker: resolving head for release: %w", err)
	}

	draft, err := l.releases.CreateDraft(ctx, tag, head)
	if err != nil {
		return fmt.Errorf("worker: creating draft release: %w", err)
	}

	artifacts, err := l.buildArtifacts(updated, rawUpdated)
	if err != nil {
		return err
	}

	table := l.links.Load().Clone()

	if err := l.uploadAll(ctx, draft, artifacts, table); err != nil {
		return err
	}

	if err := l.uploadLinksLast(ctx, draft, table); err != nil {
		return err
	}

	if err := l.releases.Publish(ctx, draft); err != nil {
		return fmt.Errorf("worker: publishing release %q: %w", tag, err)
	}

	l.metrics.Published(ctx)

	n, err := l.releases.GC(ctx, table)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("release gc failed")
	} else {
		l.metrics.ReleasesGCed(ctx, n)
	}

	return nil
}

// buildArtifacts renders every named artifact file touched this iteration
// (spec §6 "Published artifacts per release"). The raw repodata_from_packages_*
// artifact is only rebuilt for pairs present in rawUpdated; every pair in
// updated still gets its patched and current-repodata artifacts rebuilt,
// since repatchAll re-renders those regardless of whether raw changed.
func (l *Loop) buildArtifacts(
	updated, rawUpdated map[repodata.SubdirLabel]bool,
) ([]Artifact, error) {
	var artifacts []Artifact

	channelLabels := map[string]bool{}

	for sl := range updated {
		channelLabels[sl.Label] = true

		patched := l.builder.Patched(sl.Subdir, sl.Label)
		if patched == nil {
			continue
		}

		current, err := l.builder.CurrentRepodata(sl.Subdir, sl.Label)
		if err != nil {
			return nil, fmt.Errorf("worker: deriving current-repodata for %s/%s: %w", sl.Subdir, sl.Label, err)
		}

		patchedArtifacts, err := docArtifacts(fmt.Sprintf("repodata_%s_%s", sl.Subdir, sl.Label), patched)
		if err != nil {
			return nil, err
		}

		currentArtifacts, err := docArtifacts(fmt.Sprintf("current_repodata_%s_%s", sl.Subdir, sl.Label), current)
		if err != nil {
			return nil, err
		}

		artifacts = append(artifacts, patchedArtifacts...)
		artifacts = append(artifacts, currentArtifacts...)

		if rawUpdated[sl] {
			raw := l.builder.Raw(sl.Subdir, sl.Label)

			rawArtifacts, err := docArtifacts(fmt.Sprintf("repodata_from_packages_%s_%s", sl.Subdir, sl.Label), raw)
			if err != nil {
				return nil, err
			}

			artifacts = append(artifacts, rawArtifacts...)
		}
	}

	for label := range channelLabels {
		cd := l.builder.Channel(label)

		data, err := cd.Marshal()
		if err != nil {
			return nil, fmt.Errorf("worker: marshaling channeldata for %s: %w", label, err)
		}

		artifacts = append(artifacts, Artifact{
			Name:        fmt.Sprintf("channeldata_%s.json", label),
			ContentType: "application/json",
			Data:        data,
		})
	}

	return artifacts, nil
}

func docArtifacts(base string, doc *repodata.Document) ([]Artifact, error) {
	data, err := doc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("worker: marshaling %s: %w", base, err)
	}

	bz2, err := doc.CompressBzip2()
	if err != nil {
		return nil, fmt.Errorf("worker: compressing %s: %w", base, err)
	}

	return []Artifact{
		{Name: base + ".json", ContentType: "application/json", Data: data},
		{Name: base + ".json.bz2", ContentType: "application/x-bzip2", Data: bz2},
	}, nil
}

// uploadAll uploads every artifact except links.json.bz2 through a fixed
// pool of uploadPoolSize goroutines, recording each returned URL into table
// (spec §5 "Worker Loop uploads use a fixed pool (default 8)").
func (l *Loop) uploadAll(
	ctx context.Context, draft *github.RepositoryRelease, artifacts []Artifact, table *linktable.Table,
) error {
	sem := make(chan struct{}, uploadPoolSize)

	g, gctx := errgroup.WithContext(ctx)

	type uploaded struct {
		name string
		url  string
	}

	results := make(chan uploaded, len(artifacts))

	for _, a := range artifacts {
		a := a

		sem <- struct{}{}

		g.Go(func() error {
			defer func() { <-sem }()

			url, err := l.releases.Upload(gctx, draft, a.Name, a.ContentType, bytes.NewReader(a.Data), int64(len(a.Data)))
			if err != nil {
				return fmt.Errorf("worker: uploading %q: %w", a.Name, err)
			}

			results <- uploaded{name: a.Name, url: url}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	close(results)

	for r := range results {
		table.AppendServerdata(r.name, r.url)
	}

	return nil
}

// uploadLinksLast uploads links.json.bz2 after every other artifact, before
// the draft is published, per the §5 ordering guarantee.
func (l *Loop) uploadLinksLast(ctx context.Context, draft *github.RepositoryRelease, table *linktable.Table) error {
	table.UpdatedAt = time.Now().UTC()
	table.CurrentShas["patch_set"] = l.patches.Revision()

	if head, err := l.shardRepo.Head(ctx); err == nil {
		table.CurrentShas["shard_store"] = head
	}

	data, err := table.CompressBzip2()
	if err != nil {
		return fmt.Errorf("worker: compressing links.json.bz2: %w", err)
	}

	url, err := l.releases.Upload(
		ctx, draft, "links.json.bz2", "application/x-bzip2", bytes.NewReader(data), int64(len(data)),
	)
	if err != nil {
		return fmt.Errorf("worker: uploading links.json.bz2: %w", err)
	}

	table.AppendServerdata("links.json.bz2", url)
	l.links.Store(table)

	return nil
}

func mapValues(m map[string]*shard.Shard) []*shard.Shard {
	out := make([]*shard.Shard, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}

	return out
}

func mergeSubdirLabelSets(dst, src map[repodata.SubdirLabel]bool) {
	for k := range src {
		dst[k] = true
	}
}

func packageFromPath(relPath, prefix string) (string, bool) {
	if len(relPath) <= len(prefix) || relPath[:len(prefix)] != prefix {
		return "", false
	}

	const suffix = ".json"

	name := relPath[len(prefix):]

	idx := lastSlash(name)
	if idx < 0 {
		return "", false
	}

	name = name[idx+1:]

	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return "", false
	}

	return name[:len(name)-len(suffix)], true
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}

	return -1
}

// ErrFatalNoLinkTable is returned by RequireLinkTable when releases are
// enabled, no prior Link Table can be found, and --allow-unsafe was not
// given (spec §7 Fatal).
var ErrFatalNoLinkTable = errors.New("worker: no prior link table found and --allow-unsafe was not given")

// RequireLinkTable enforces the §7 Fatal startup condition.
func RequireLinkTable(found bool, makeReleases, allowUnsafe bool) error {
	if found || !makeReleases || allowUnsafe {
		return nil
	}

	return errkind.Wrap(errkind.Fatal, "startup", ErrFatalNoLinkTable)
}
