// Package upstreamcatalog fetches and caches the upstream per-(label,subdir)
// package catalogs that Upstream Sync diffs against the shard store
// (spec §4.3 step 1).
package upstreamcatalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalbasit/repodata-tools/pkg/errkind"
)

const (
	otelPackageName = "github.com/kalbasit/repodata-tools/pkg/upstreamcatalog"

	defaultHTTPTimeout = 30 * time.Second
	defaultCacheSize   = 32

	// MainLabel is the default distribution label.
	MainLabel = "main"

	baseURL = "https://conda.anaconda.org/conda-forge"
)

// ErrNotAvailable is returned when the upstream responds with a status other
// than 200, 429 or 5xx for a (label, subdir) catalog (429 and 5xx are
// classified as errkind.RateLimited and errkind.Transient); per §4.3 step 1 this
// aborts the pass for that pair without being a hard error.
var ErrNotAvailable = errors.New("upstreamcatalog: catalog not available upstream")

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// PackageRecord is the subset of an upstream repodata package record this
// system projects into a Shard.
type PackageRecord struct {
	Name       string         `json:"name"`
	Version    string         `json:"version"`
	Size       int64          `json:"size"`
	MD5        string         `json:"md5"`
	Timestamp  float64        `json:"timestamp"`
	RunExports map[string]any `json:"run_exports,omitempty"`
}

// Catalog is a parsed upstream repodata document, keyed by package filename.
type Catalog struct {
	RepodataVersion int                      `json:"repodata_version"`
	Packages        map[string]PackageRecord `json:"packages"`
	PackagesConda   map[string]PackageRecord `json:"packages.conda"`
}

// ChannelData is the upstream channeldata.json document, keyed by package
// name, used by the Shard Builder's backfill step (§4.2 step 6).
type ChannelData struct {
	ChanneldataVersion int            `json:"channeldata_version"`
	Packages           map[string]any `json:"packages"`
}

// channelAPIURL is the upstream channel-metadata endpoint original_source's
// make_anaconda_shards.py reads to discover every label and its package
// count, gated by the BINSTAR_TOKEN bearer credential (spec §6 Environment
// "upstream catalog API token").
const channelAPIURL = "https://api.anaconda.org/channels/conda-forge"

// Fetcher retrieves and caches upstream catalogs over HTTP.
type Fetcher struct {
	httpClient *http.Client
	baseURL    string
	token      string
	cache      *lru.Cache[string, *Catalog]
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithBaseURL overrides the upstream channel base URL, for tests.
func WithBaseURL(u string) Option {
	return func(f *Fetcher) { f.baseURL = u }
}

// WithCacheSize overrides the number of parsed catalogs kept in memory.
func WithCacheSize(n int) Option {
	return func(f *Fetcher) {
		c, err := lru.New[string, *Catalog](n)
		if err == nil {
			f.cache = c
		}
	}
}

// WithToken sets the bearer credential sent as "Authorization: token <t>" on
// the channel-labels endpoint, the Go equivalent of
// make_anaconda_shards.py's os.environ["BINSTAR_TOKEN"] header. An empty
// token disables the header entirely rather than erroring (spec §6
// Environment: "absent credentials disable the corresponding operation").
func WithToken(token string) Option {
	return func(f *Fetcher) { f.token = token }
}

// New builds a Fetcher against the upstream channel.
func New(opts ...Option) *Fetcher {
	cache, _ := lru.New[string, *Catalog](defaultCacheSize)

	f := &Fetcher{
		httpClient: &http.Client{
			Timeout:   defaultHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport.(*http.Transport).Clone()),
		},
		baseURL: baseURL,
		cache:   cache,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// catalogURL returns the URL of the (label, subdir) repodata document, per
// §4.3 step 1: main uses repodata_from_packages.json, other labels use
// repodata.json under /label/<L>/.
func (f *Fetcher) catalogURL(label, subdir string) string {
	if label == MainLabel {
		return fmt.Sprintf("%s/%s/repodata_from_packages.json", f.baseURL, subdir)
	}

	return fmt.Sprintf("%s/label/%s/%s/repodata.json", f.baseURL, label, subdir)
}

// Fetch returns the parsed catalog for (label, subdir), serving from the
// in-memory cache when a prior call already fetched this exact pair.
func (f *Fetcher) Fetch(ctx context.Context, label, subdir string) (*Catalog, error) {
	cacheKey := label + "/" + subdir

	if cached, ok := f.cache.Get(cacheKey); ok {
		return cached, nil
	}

	ctx, span := tracer.Start(ctx, "upstreamcatalog.Fetch", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("label", label), attribute.String("subdir", subdir)))
	defer span.End()

	u := f.catalogURL(label, subdir)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("upstreamcatalog: building request for %q: %w", u, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, errkind.Wrap(errkind.Transient, "fetching "+u, err)
		}

		return nil, errkind.Wrap(errkind.Transient, "fetching "+u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		//nolint:errcheck
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, errkind.Wrap(errkind.RateLimited, u, errors.New(resp.Status))
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, errkind.Wrap(errkind.Transient, u, errors.New(resp.Status))
		}

		zerolog.Ctx(ctx).Warn().Str("url", u).Int("status", resp.StatusCode).Msg("upstream catalog not available")

		return nil, ErrNotAvailable
	}

	var cat Catalog
	if err := json.NewDecoder(resp.Body).Decode(&cat); err != nil {
		return nil, fmt.Errorf("upstreamcatalog: decoding %q: %w", u, err)
	}

	f.cache.Add(cacheKey, &cat)

	return &cat, nil
}

// FetchChannelData returns the channel-wide channeldata.json document used
// for the backfill step of shard building.
func (f *Fetcher) FetchChannelData(ctx context.Context) (*ChannelData, error) {
	ctx, span := tracer.Start(ctx, "upstreamcatalog.FetchChannelData", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	u := f.baseURL + "/channeldata.json"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("upstreamcatalog: building request for %q: %w", u, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, "fetching "+u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		//nolint:errcheck
		io.Copy(io.Discard, resp.Body)

		return nil, fmt.Errorf("upstreamcatalog: unexpected status %s fetching %q", resp.Status, u)
	}

	var cd ChannelData
	if err := json.NewDecoder(resp.Body).Decode(&cd); err != nil {
		return nil, fmt.Errorf("upstreamcatalog: decoding %q: %w", u, err)
	}

	return &cd, nil
}

// LabelInfo is one entry of the channel-labels endpoint: a label name and
// how many packages it carries, used to rank labels by popularity the same
// way make_anaconda_shards.py sorts them before walking each one.
type LabelInfo struct {
	Name  string
	Count int
}

// FetchLabels returns every label conda-forge publishes, sorted by package
// count descending (ties broken by name), mirroring
// make_anaconda_shards.py's label_info handling. Labels containing "/" (the
// API's per-platform pseudo-labels) are excluded, matching the original's
// `"/" not in label` filter.
func (f *Fetcher) FetchLabels(ctx context.Context) ([]LabelInfo, error) {
	ctx, span := tracer.Start(ctx, "upstreamcatalog.FetchLabels", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, channelAPIURL, nil)
	if err != nil {
		return nil, fmt.Errorf("upstreamcatalog: building request for %q: %w", channelAPIURL, err)
	}

	if f.token != "" {
		req.Header.Set("Authorization", "token "+f.token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, "fetching "+channelAPIURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		//nolint:errcheck
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, errkind.Wrap(errkind.RateLimited, channelAPIURL, errors.New(resp.Status))
		}

		return nil, fmt.Errorf("upstreamcatalog: unexpected status %s fetching %q", resp.Status, channelAPIURL)
	}

	var raw map[string]struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("upstreamcatalog: decoding %q: %w", channelAPIURL, err)
	}

	labels := make([]LabelInfo, 0, len(raw))

	for name, v := range raw {
		if strings.Contains(name, "/") {
			continue
		}

		labels = append(labels, LabelInfo{Name: name, Count: v.Count})
	}

	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Count != labels[j].Count {
			return labels[i].Count > labels[j].Count
		}

		return labels[i].Name < labels[j].Name
	})

	return labels, nil
}
