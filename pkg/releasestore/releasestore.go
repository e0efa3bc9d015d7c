// Package releasestore implements the Release Store (spec §4.4): GitHub
// Releases as the versioned-artifact backend, with idempotent-by-filename
// uploads and retention GC driven by the Link Table.
package releasestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/go-github/v56/github"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalbasit/repodata-tools/pkg/errkind"
	"github.com/kalbasit/repodata-tools/pkg/linktable"
)

const otelPackageName = "github.com/kalbasit/repodata-tools/pkg/releasestore"

// ErrReleaseNotFound is returned when an operation needs an existing
// release that cannot be found.
var ErrReleaseNotFound = errors.New("releasestore: release not found")

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Store publishes versioned artifacts as GitHub Releases in owner/repo.
type Store struct {
	client *github.Client
	owner  string
	repo   string
}

// New builds a Store authenticated with token against owner/repo.
func New(token, owner, repo string) *Store {
	return &Store{
		client: github.NewClient(nil).WithAuthToken(token),
		owner:  owner,
		repo:   repo,
	}
}

// CreateDraft creates a draft release tagged tag, pointing at commitish
// (spec §4.4 create_draft, §4.6 step c). The Worker Loop tags releases with
// the iteration's UTC timestamp formatted %Y.%m.%d.%H.%M.%S followed by "-"
// and an 8-character random suffix.
func (s *Store) CreateDraft(ctx context.Context, tag, commitish string) (*github.RepositoryRelease, error) {
	ctx, span := tracer.Start(ctx, "releasestore.CreateDraft", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("tag", tag)))
	defer span.End()

	rel, resp, err := s.client.Repositories.CreateRelease(ctx, s.owner, s.repo, &github.RepositoryRelease{
		TagName:         github.String(tag),
		TargetCommitish: github.String(commitish),
		Draft:           github.Bool(true),
		Name:            github.String(tag),
	})
	if err != nil {
		return nil, classifyError(resp, fmt.Errorf("creating draft release %q: %w", tag, err))
	}

	return rel, nil
}

// Upload uploads file under name with contentType to release, reusing an
// existing asset of the same name if one is present (spec §4.4 upload,
// idempotent by filename). Returns the asset's browser download URL.
func (s *Store) Upload(ctx context.Context, release *github.RepositoryRelease, name, contentType string, body io.Reader, size int64) (string, error) {
	ctx, span := tracer.Start(ctx, "releasestore.Upload", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("name", name), attribute.Int64("release_id", release.GetID())))
	defer span.End()

	assets, resp, err := s.client.Repositories.ListReleaseAssets(ctx, s.owner, s.repo, release.GetID(), nil)
	if err != nil {
		return "", classifyError(resp, fmt.Errorf("listing assets for release %q: %w", release.GetTagName(), err))
	}

	for _, a := range assets {
		if a.GetName() == name {
			zerolog.Ctx(ctx).Debug().Str("name", name).Msg("asset already uploaded, reusing")

			return a.GetBrowserDownloadURL(), nil
		}
	}

	asset, resp, err := s.client.Repositories.UploadReleaseAsset(ctx, s.owner, s.repo, release.GetID(), &github.UploadOptions{
		Name:      name,
		MediaType: contentType,
	}, readCloserFrom(body))
	if err != nil {
		return "", classifyError(resp, fmt.Errorf("uploading asset %q: %w", name, err))
	}

	return asset.GetBrowserDownloadURL(), nil
}

// LatestPublished returns the most recently published (non-draft) release,
// or (nil, nil) if the repository has none yet (spec §4.6 step 2 "load
// prior state").
func (s *Store) LatestPublished(ctx context.Context) (*github.RepositoryRelease, error) {
	ctx, span := tracer.Start(ctx, "releasestore.LatestPublished", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	rel, resp, err := s.client.Repositories.GetLatestRelease(ctx, s.owner, s.repo)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}

		return nil, classifyError(resp, fmt.Errorf("getting latest release: %w", err))
	}

	return rel, nil
}

// DownloadAsset fetches the content of release's asset named name, or
// (nil, nil) if no such asset exists.
func (s *Store) DownloadAsset(ctx context.Context, release *github.RepositoryRelease, name string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "releasestore.DownloadAsset", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("name", name)))
	defer span.End()

	var assetID int64

	found := false

	for _, a := range release.Assets {
		if a.GetName() == name {
			assetID = a.GetID()
			found = true

			break
		}
	}

	if !found {
		return nil, nil
	}

	rc, _, err := s.client.Repositories.DownloadReleaseAsset(ctx, s.owner, s.repo, assetID, http.DefaultClient)
	if err != nil {
		return nil, classifyError(nil, fmt.Errorf("downloading asset %q: %w", name, err))
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("releasestore: reading asset %q: %w", name, err)
	}

	return data, nil
}

// Publish flips a draft release to published.
func (s *Store) Publish(ctx context.Context, release *github.RepositoryRelease) error {
	ctx, span := tracer.Start(ctx, "releasestore.Publish", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int64("release_id", release.GetID())))
	defer span.End()

	_, resp, err := s.client.Repositories.EditRelease(ctx, s.owner, s.repo, release.GetID(), &github.RepositoryRelease{
		Draft: github.Bool(false),
	})
	if err != nil {
		return classifyError(resp, fmt.Errorf("publishing release %q: %w", release.GetTagName(), err))
	}

	return nil
}

// GC deletes every release whose tag is not referenced by any URL in
// table.Serverdata, along with its tag ref (spec §4.4 gc, §8 property).
func (s *Store) GC(ctx context.Context, table *linktable.Table) (int, error) {
	ctx, span := tracer.Start(ctx, "releasestore.GC", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	referenced := referencedTagSubstrings(table)

	opts := &github.ListOptions{PerPage: 100}

	deleted := 0

	for {
		releases, resp, err := s.client.Repositories.ListReleases(ctx, s.owner, s.repo, opts)
		if err != nil {
			return deleted, classifyError(resp, fmt.Errorf("listing releases: %w", err))
		}

		for _, rel := range releases {
			tag := rel.GetTagName()
			if tag == "" || isReferenced(tag, referenced) {
				continue
			}

			if err := s.deleteRelease(ctx, rel); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("tag", tag).Msg("failed to delete unreferenced release")

				continue
			}

			deleted++
		}

		if resp.NextPage == 0 {
			break
		}

		opts.Page = resp.NextPage
	}

	return deleted, nil
}

func (s *Store) deleteRelease(ctx context.Context, rel *github.RepositoryRelease) error {
	_, err := s.client.Repositories.DeleteRelease(ctx, s.owner, s.repo, rel.GetID())
	if err != nil {
		return fmt.Errorf("deleting release %q: %w", rel.GetTagName(), err)
	}

	_, err = s.client.Git.DeleteRef(ctx, s.owner, s.repo, "tags/"+rel.GetTagName())
	if err != nil {
		return fmt.Errorf("deleting tag ref %q: %w", rel.GetTagName(), err)
	}

	return nil
}

// referencedTagSubstrings collects every distinct URL string recorded in
// serverdata; GC keeps a release whose tag appears as a substring of any of
// them (spec §8 "substring-referenced").
func referencedTagSubstrings(table *linktable.Table) []string {
	urls := make([]string, 0)

	for _, versions := range table.Serverdata {
		urls = append(urls, versions...)
	}

	return urls
}

func isReferenced(tag string, urls []string) bool {
	for _, u := range urls {
		if strings.Contains(u, tag) {
			return true
		}
	}

	return false
}

func classifyError(resp *github.Response, err error) error {
	if resp == nil {
		return errkind.Wrap(errkind.Transient, "release store request", err)
	}

	switch {
	case resp.StatusCode == http.StatusForbidden && resp.Rate.Remaining == 0:
		return errkind.Wrap(errkind.RateLimited, "release store request", err)
	case resp.StatusCode >= http.StatusInternalServerError:
		return errkind.Wrap(errkind.Transient, "release store request", err)
	default:
		return err
	}
}

type nopReadCloser struct{ io.Reader }

func (nopReadCloser) Close() error { return nil }

func readCloserFrom(r io.Reader) io.ReadCloser {
	if rc, ok := r.(io.ReadCloser); ok {
		return rc
	}

	return nopReadCloser{r}
}
