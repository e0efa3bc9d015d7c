// Package patchset models the externally maintained patch function (spec
// §4.5 Patch application, §9 "runtime reload of a patch module" redesign)
// as a Go interface plus a vcsrepo-backed loader that re-reads the patch
// artifact whenever the patch repo's revision changes.
//
// The patch function's own implementation is an external collaborator per
// spec §1 — this package only defines the call-site contract and the
// reload mechanism around it.
package patchset

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalbasit/repodata-tools/pkg/vcsrepo"
)

const otelPackageName = "github.com/kalbasit/repodata-tools/pkg/patchset"

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// PackageRecord is a single entry of a repodata's "packages"/"packages.conda"
// map, opaque to this package beyond needing to round-trip through JSON.
type PackageRecord = json.RawMessage

// Repodata is the subset of the Repodata Document a patch function reads
// and rewrites (spec §3 Repodata Document).
type Repodata struct {
	Info     map[string]any           `json:"info"`
	Packages map[string]PackageRecord `json:"packages"`
	Conda    map[string]PackageRecord `json:"packages.conda"`
}

// Patcher is the loadable patch set contract from spec §4.5/§9: a function
// producing a corrected index from raw repodata, plus a removal list.
type Patcher interface {
	// GenNewIndex returns a corrected repodata document for subdir, derived
	// from raw.
	GenNewIndex(ctx context.Context, raw Repodata, subdir string) (Repodata, error)

	// GenRemovals returns the sorted list of filenames to remove from
	// subdir's patched repodata.
	GenRemovals(ctx context.Context, subdir string) ([]string, error)
}

// CommandPatcher invokes an external command (the loaded patch module) once
// per call, exchanging JSON over stdin/stdout — the Go-native equivalent of
// "reload means re-reading the module artifact from the patch repo working
// copy" (spec §9).
type CommandPatcher struct {
	// WorkingDir is the patch repo's working copy; Bin is resolved relative
	// to it.
	WorkingDir string
	Bin        string
}

type genNewIndexRequest struct {
	Subdir   string   `json:"subdir"`
	Repodata Repodata `json:"repodata"`
}

// GenNewIndex shells out to "<Bin> gen-new-index" with the raw repodata on
// stdin, expecting a Repodata document on stdout.
func (p *CommandPatcher) GenNewIndex(ctx context.Context, raw Repodata, subdir string) (Repodata, error) {
	ctx, span := tracer.Start(ctx, "patchset.GenNewIndex", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("subdir", subdir)))
	defer span.End()

	reqBody, err := json.Marshal(genNewIndexRequest{Subdir: subdir, Repodata: raw})
	if err != nil {
		return Repodata{}, fmt.Errorf("patchset: marshaling gen-new-index request: %w", err)
	}

	out, err := p.run(ctx, reqBody, "gen-new-index")
	if err != nil {
		return Repodata{}, err
	}

	var rd Repodata
	if err := json.Unmarshal(out, &rd); err != nil {
		return Repodata{}, fmt.Errorf("patchset: parsing gen-new-index output: %w", err)
	}

	return rd, nil
}

// GenRemovals shells out to "<Bin> gen-removals <subdir>", expecting a
// sorted JSON array of filenames on stdout.
func (p *CommandPatcher) GenRemovals(ctx context.Context, subdir string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "patchset.GenRemovals", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("subdir", subdir)))
	defer span.End()

	out, err := p.run(ctx, nil, "gen-removals", subdir)
	if err != nil {
		return nil, err
	}

	var removals []string
	if err := json.Unmarshal(out, &removals); err != nil {
		return nil, fmt.Errorf("patchset: parsing gen-removals output: %w", err)
	}

	return removals, nil
}

func (p *CommandPatcher) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	bin := p.Bin
	if !filepath.IsAbs(bin) {
		bin = filepath.Join(p.WorkingDir, bin)
	}

	cmd := exec.CommandContext(ctx, bin, args...) //nolint:gosec // operator-configured patch module entrypoint
	cmd.Dir = p.WorkingDir

	if stdin != nil {
		cmd.Stdin = strings.NewReader(string(stdin))
	}

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("patchset: running %q %v: %w", bin, args, err)
	}

	return out, nil
}

// Loader tracks the patch repo's revision and produces a Patcher, re-reading
// the working copy whenever the revision has advanced (spec §9).
type Loader struct {
	repo    *vcsrepo.Repo
	bin     string
	lastRev string
}

// NewLoader builds a Loader over repo's working copy, invoking binName
// (relative to the working copy root) as the patch module entrypoint.
func NewLoader(repo *vcsrepo.Repo, binName string) *Loader {
	return &Loader{repo: repo, bin: binName}
}

// Reload pulls the patch repo and returns (patcher, revisionChanged). A
// changed revision is the caller's signal to force full-mode patching for
// every (subdir, label) pair (spec §4.6 step b, §9 repatch_all).
func (l *Loader) Reload(ctx context.Context) (Patcher, bool, error) {
	if err := l.repo.Pull(ctx); err != nil {
		return nil, false, fmt.Errorf("patchset: pulling patch repo: %w", err)
	}

	head, err := l.repo.Head(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("patchset: reading patch repo head: %w", err)
	}

	changed := head != l.lastRev
	l.lastRev = head

	return &CommandPatcher{WorkingDir: l.repo.Path(), Bin: l.bin}, changed, nil
}

// Revision returns the last-seen patch repo revision.
func (l *Loader) Revision() string { return l.lastRev }
