// Package shardbuilder implements the Shard Builder (spec §4.2): given a
// (subdir, package, label, url) tuple, download the archive, invoke the
// external indexer, and project its output into a Shard.
package shardbuilder

import (
	"context"
	"crypto/md5" //nolint:gosec // content checksum, not a security boundary
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalbasit/repodata-tools/pkg/errkind"
	"github.com/kalbasit/repodata-tools/pkg/shard"
	"github.com/kalbasit/repodata-tools/pkg/upstreamcatalog"
)

const otelPackageName = "github.com/kalbasit/repodata-tools/pkg/shardbuilder"

// ErrIndexerFailed is the base error wrapped by a failed indexer
// invocation that is not on the UNINDEXABLE allow-list.
var ErrIndexerFailed = errors.New("shardbuilder: external indexer failed")

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Builder produces Shards by downloading archives and invoking an external
// conda-index-compatible command against a scratch directory.
type Builder struct {
	httpClient *http.Client
	indexerBin string
	catalog    *upstreamcatalog.Fetcher
	// Unindexable is the allow-list of "<subdir>/<package>" entries the
	// indexer is known to choke on; a failure on these degrades to a
	// null-repodata shard instead of erroring (spec §4.2 step 5).
	Unindexable map[string]bool
	// ShowProgress enables a progress bar on archive downloads, mirroring
	// the --debug flag described in §6.
	ShowProgress bool
}

// Option configures a Builder.
type Option func(*Builder)

// WithIndexerBin overrides the indexer executable name (default "conda-index").
func WithIndexerBin(bin string) Option {
	return func(b *Builder) { b.indexerBin = bin }
}

// WithUnindexable sets the UNINDEXABLE allow-list.
func WithUnindexable(entries []string) Option {
	return func(b *Builder) {
		b.Unindexable = make(map[string]bool, len(entries))
		for _, e := range entries {
			b.Unindexable[e] = true
		}
	}
}

// WithProgress enables the download progress bar.
func WithProgress(enabled bool) Option {
	return func(b *Builder) { b.ShowProgress = enabled }
}

// New builds a Builder backed by catalog for backfill lookups.
func New(catalog *upstreamcatalog.Fetcher, opts ...Option) *Builder {
	b := &Builder{
		httpClient:  http.DefaultClient,
		indexerBin:  "conda-index",
		catalog:     catalog,
		Unindexable: map[string]bool{},
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Request describes one shard-build job.
type Request struct {
	Subdir      string
	Package     string
	Label       string
	Feedstock   string
	URL         string
	ExpectedMD5 string
}

// Build downloads the archive, invokes the indexer, and produces a Shard,
// following spec §4.2 steps 1-6. Transient failures at the download step
// are the caller's responsibility to retry (see errkind.DownloadRetryConfig
// via errkind.Do).
func (b *Builder) Build(ctx context.Context, req Request) (*shard.Shard, error) {
	ctx, span := tracer.Start(ctx, "shardbuilder.Build", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("subdir", req.Subdir),
			attribute.String("package", req.Package),
			attribute.String("label", req.Label),
		))
	defer span.End()

	log := zerolog.Ctx(ctx).With().Str("subdir", req.Subdir).Str("package", req.Package).Logger()

	tmpDir, err := os.MkdirTemp("", "shardbuilder-*")
	if err != nil {
		return nil, fmt.Errorf("shardbuilder: creating scratch dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	subdirDir := filepath.Join(tmpDir, req.Subdir)
	if err := os.MkdirAll(subdirDir, 0o755); err != nil {
		return nil, fmt.Errorf("shardbuilder: creating subdir scratch: %w", err)
	}

	// noarch must always exist for the indexer to produce a valid channel.
	if req.Subdir != "noarch" {
		if err := os.MkdirAll(filepath.Join(tmpDir, "noarch"), 0o755); err != nil {
			return nil, fmt.Errorf("shardbuilder: creating noarch scratch: %w", err)
		}
	}

	archivePath := filepath.Join(subdirDir, req.Package)

	resolvedURL, err := b.resolveURL(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := b.download(ctx, resolvedURL, archivePath); err != nil {
		return nil, err
	}

	if req.ExpectedMD5 != "" {
		if err := verifyMD5(archivePath, req.ExpectedMD5); err != nil {
			return nil, err
		}
	}

	rd, cd, err := b.runIndexer(ctx, tmpDir, req)
	if err != nil {
		subdirPkg := req.Subdir + "/" + req.Package

		if b.Unindexable[subdirPkg] {
			log.Warn().Err(err).Msg("indexer failed on allow-listed package, degrading to null repodata")

			rd, cd = nil, nil
		} else {
			// Not allow-listed: this is a genuine indexer failure, retried by
			// the caller via errkind.Do (spec §4.2 "Failures are retried ...
			// at the download and indexer steps"), not the never-an-error
			// Unindexable classification.
			return nil, errkind.Wrap(errkind.Transient, "indexing "+subdirPkg, err)
		}
	}

	sh := &shard.Shard{
		Subdir:    req.Subdir,
		Package:   req.Package,
		Labels:    []string{req.Label},
		URL:       resolvedURL,
		Feedstock: req.Feedstock,
	}

	var repodataName string

	if rd != nil {
		if pkgRecord, ok := rd.Packages[req.Package]; ok {
			raw, err := json.Marshal(pkgRecord)
			if err != nil {
				return nil, fmt.Errorf("shardbuilder: marshaling repodata record: %w", err)
			}

			version := rd.RepodataVersion
			sh.RepodataVersion = &version
			sh.Repodata = raw
			repodataName = pkgRecord.Name
		}
	}

	if sh.Repodata == nil {
		if name, err := b.backfill(ctx, sh, req); err != nil {
			log.Warn().Err(err).Msg("backfill from upstream catalog failed")
		} else {
			repodataName = name
		}
	}

	if cd != nil && repodataName != "" {
		if pkgCD, ok := cd.Packages[repodataName]; ok {
			raw, err := json.Marshal(pkgCD)
			if err != nil {
				return nil, fmt.Errorf("shardbuilder: marshaling channeldata record: %w", err)
			}

			version := cd.ChanneldataVersion
			sh.ChanneldataVersion = &version
			sh.Channeldata = raw
		}
	}

	if err := sh.Validate(); err != nil {
		return nil, fmt.Errorf("shardbuilder: built an invalid shard: %w", err)
	}

	return sh, nil
}

// resolveURL performs the HEAD fallback described in §4.2 step 1: if the
// given URL doesn't respond to HEAD, fall back to the download URL pattern
// served by the web UI.
func (b *Builder) resolveURL(ctx context.Context, req Request) (string, error) {
	headReq, err := http.NewRequestWithContext(ctx, http.MethodHead, req.URL, nil)
	if err != nil {
		return "", fmt.Errorf("shardbuilder: building HEAD request: %w", err)
	}

	resp, err := b.httpClient.Do(headReq)
	if err == nil {
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			return req.URL, nil
		}
	}

	name, version, _, ok := splitPackage(req.Subdir, req.Package)
	if !ok {
		return req.URL, nil
	}

	return fmt.Sprintf("https://anaconda.org/conda-forge/%s/%s/download/%s/%s",
		name, version, req.Subdir, req.Package), nil
}

func (b *Builder) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("shardbuilder: building download request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.Transient, "downloading "+url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= http.StatusInternalServerError {
			return errkind.Wrap(errkind.Transient, "downloading "+url, fmt.Errorf("status %s", resp.Status))
		}

		return fmt.Errorf("shardbuilder: unexpected status %s downloading %q", resp.Status, url)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("shardbuilder: creating %q: %w", dest, err)
	}
	defer f.Close()

	var w io.Writer = f

	if b.ShowProgress {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(dest))
		w = io.MultiWriter(f, bar)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return errkind.Wrap(errkind.Transient, "writing "+dest, err)
	}

	return nil
}

func verifyMD5(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("shardbuilder: opening %q for checksum: %w", path, err)
	}
	defer f.Close()

	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("shardbuilder: hashing %q: %w", path, err)
	}

	actual := hex.EncodeToString(h.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return errkind.Wrap(errkind.ChecksumMismatch, path, fmt.Errorf("expected %s got %s", expected, actual))
	}

	return nil
}

// runIndexer invokes the external indexer against dir and parses its
// repodata.json/channeldata.json output (§4.2 step 3).
func (b *Builder) runIndexer(ctx context.Context, dir string, req Request) (*upstreamcatalog.Catalog, *upstreamcatalog.ChannelData, error) {
	cmd := exec.CommandContext(ctx, b.indexerBin, "--no-progress", dir) //nolint:gosec // indexerBin is operator-configured

	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %s", ErrIndexerFailed, err, strings.TrimSpace(string(out)))
	}

	rdFile, err := os.Open(filepath.Join(dir, req.Subdir, "repodata.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("shardbuilder: opening indexer repodata output: %w", err)
	}
	defer rdFile.Close()

	var rd upstreamcatalog.Catalog
	if err := json.NewDecoder(rdFile).Decode(&rd); err != nil {
		return nil, nil, fmt.Errorf("shardbuilder: parsing indexer repodata output: %w", err)
	}

	cdFile, err := os.Open(filepath.Join(dir, "channeldata.json"))
	if err != nil {
		return &rd, nil, fmt.Errorf("shardbuilder: opening indexer channeldata output: %w", err)
	}
	defer cdFile.Close()

	var cd upstreamcatalog.ChannelData
	if err := json.NewDecoder(cdFile).Decode(&cd); err != nil {
		return &rd, nil, fmt.Errorf("shardbuilder: parsing indexer channeldata output: %w", err)
	}

	return &rd, &cd, nil
}

// backfill seeds repodata from the upstream catalog when the indexer
// produced nulls (§4.2 step 6), returning the package name so the caller
// can chain a channeldata backfill.
func (b *Builder) backfill(ctx context.Context, sh *shard.Shard, req Request) (string, error) {
	if b.catalog == nil {
		return "", nil
	}

	cat, err := b.catalog.Fetch(ctx, req.Label, req.Subdir)
	if err != nil {
		return "", err
	}

	rec, ok := cat.Packages[req.Package]
	if !ok {
		return "", nil
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("shardbuilder: re-marshaling backfilled record: %w", err)
	}

	version := cat.RepodataVersion
	sh.RepodataVersion = &version
	sh.Repodata = raw

	return rec.Name, nil
}

// splitPackage mirrors original_source's split_pkg: "<subdir>/<name>-<ver>-
// <build>.tar.bz2" -> (name, version, build).
func splitPackage(subdir, pkg string) (name, version, build string, ok bool) {
	const suffix = ".tar.bz2"
	if !strings.HasSuffix(pkg, suffix) {
		return "", "", "", false
	}

	stem := strings.TrimSuffix(pkg, suffix)

	lastDash := strings.LastIndex(stem, "-")
	if lastDash < 0 {
		return "", "", "", false
	}

	build = stem[lastDash+1:]
	nameVer := stem[:lastDash]

	secondDash := strings.LastIndex(nameVer, "-")
	if secondDash < 0 {
		return "", "", "", false
	}

	name = nameVer[:secondDash]
	version = nameVer[secondDash+1:]

	_ = subdir

	return name, version, build, true
}
