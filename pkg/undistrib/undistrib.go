// Package undistrib implements the undistributable sweep named in spec §3's
// Lifecycle: shards whose package is on the undistributable allow-list have
// their URL rewritten back to the upstream source and their mirrored blob
// dropped, supplementing the feature dropped from the distillation (see
// original_source/repodata_tools/remove_undistrib.py).
package undistrib

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalbasit/repodata-tools/pkg/mirror"
	"github.com/kalbasit/repodata-tools/pkg/shard"
)

const otelPackageName = "github.com/kalbasit/repodata-tools/pkg/undistrib"

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// List is an undistributable-package allow-list. Hash identifies a
// particular version of the list so shards can record which version they
// were last reconciled against.
type List struct {
	names map[string]bool
	hash  string
}

// NewList builds a List from package names, computing its content hash the
// same way original_source does: sha256 of the sorted, concatenated names,
// truncated to 6 hex characters.
func NewList(names []string) *List {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(strings.Join(sorted, "")))

	l := &List{
		names: make(map[string]bool, len(sorted)),
		hash:  hex.EncodeToString(sum[:])[:6],
	}

	for _, n := range sorted {
		l.names[n] = true
	}

	return l
}

// Hash is the short content hash of this list, stored on a reconciled
// shard's undistributable_hash field.
func (l *List) Hash() string { return l.hash }

// Has reports whether name is on the allow-list.
func (l *List) Has(name string) bool { return l.names[name] }

// Sweeper rewrites shards whose package is undistributable.
type Sweeper struct {
	list   *List
	mirror *mirror.Store
}

// NewSweeper builds a Sweeper. mirrorStore may be nil if no blobs are
// mirrored, in which case the blob-delete step is skipped.
func NewSweeper(list *List, mirrorStore *mirror.Store) *Sweeper {
	return &Sweeper{list: list, mirror: mirrorStore}
}

// NeedsReconciliation reports whether sh's package is undistributable and
// has not yet been reconciled against the current list.
func (s *Sweeper) NeedsReconciliation(sh *shard.Shard, packageName string) bool {
	return s.list.Has(packageName) && sh.UndistributableHash != s.list.Hash()
}

// Reconcile rewrites sh in place: URL back to the upstream source, mirrored
// blob (if any) dropped, and undistributable_hash stamped with the current
// list hash.
func (s *Sweeper) Reconcile(ctx context.Context, sh *shard.Shard, mirrorKey string) error {
	ctx, span := tracer.Start(ctx, "undistrib.Reconcile", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("subdir", sh.Subdir), attribute.String("package", sh.Package)))
	defer span.End()

	upstreamURL := fmt.Sprintf("https://conda.anaconda.org/conda-forge/%s/%s", sh.Subdir, sh.Package)

	if s.mirror != nil && mirrorKey != "" {
		if err := s.mirror.Delete(ctx, mirrorKey); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("key", mirrorKey).Msg("failed to delete mirrored undistributable blob")
		}
	}

	sh.URL = upstreamURL
	sh.UndistributableHash = s.list.Hash()

	return nil
}
