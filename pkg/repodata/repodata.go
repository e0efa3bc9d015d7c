// Package repodata implements the Repodata Builder (spec §4.5): folding
// shards into per-(subdir,label) repodata documents, patch application in
// incremental and full modes, and current-repodata derivation. The
// channeldata fold lives in channeldata.go, grounded directly on
// original_source/repodata_tools/index.py's build_or_update_channeldata /
// original_source/scripts/make_channeldata.py.
package repodata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dsnet/compress/bzip2"

	"github.com/kalbasit/repodata-tools/pkg/patchset"
	"github.com/kalbasit/repodata-tools/pkg/shard"
)

// Version is the repodata_version stamped on every document this package
// produces.
const Version = 1

// Document is a single subdir/label repodata.json (spec §3 Repodata
// Document).
type Document struct {
	Info            map[string]any             `json:"info"`
	Packages        map[string]json.RawMessage `json:"packages"`
	PackagesConda   map[string]json.RawMessage `json:"packages.conda"`
	Removed         []string                   `json:"removed"`
	RepodataVersion int                        `json:"repodata_version"`
}

// newDocument returns an empty Document for subdir, matching
// original_source's INIT_REPODATA.
func newDocument(subdir string) *Document {
	return &Document{
		Info:            map[string]any{"subdir": subdir},
		Packages:        map[string]json.RawMessage{},
		PackagesConda:   map[string]json.RawMessage{},
		Removed:         []string{},
		RepodataVersion: Version,
	}
}

// Marshal renders doc as the canonical on-disk JSON representation: UTF-8,
// 2-space indent, top-level fields in declaration order and filename keys
// sorted; each package record keeps the key order it was stored with.
func (doc *Document) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("repodata: marshaling document: %w", err)
	}

	return data, nil
}

// CompressBzip2 renders doc as JSON and bzip2-compresses it, the transport
// format for every "*.json.bz2" artifact named in spec §6.
func (doc *Document) CompressBzip2() ([]byte, error) {
	data, err := doc.Marshal()
	if err != nil {
		return nil, err
	}

	return compressBzip2(data)
}

func compressBzip2(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: 9})
	if err != nil {
		return nil, fmt.Errorf("repodata: creating bzip2 writer: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("repodata: compressing: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("repodata: closing bzip2 writer: %w", err)
	}

	return buf.Bytes(), nil
}

// SubdirLabel identifies one fold target.
type SubdirLabel struct {
	Subdir string
	Label  string
}

// FetchFunc loads a previously published Document for (subdir,label), used
// to seed the in-memory fold the first time a label is seen this process
// (spec §4.6 step b "load prior state"). It may return (nil, nil) when none
// exists yet.
type FetchFunc func(ctx context.Context, subdir, label string) (*Document, error)

// Builder holds the three maps the spec names: raw and patched repodata,
// keyed by subdir and label, and channeldata, keyed by label.
type Builder struct {
	raw     map[string]map[string]*Document
	patched map[string]map[string]*Document
	channel map[string]*ChannelData

	fetch FetchFunc
}

// New returns an empty Builder. fetch may be nil, in which case every label
// folded for the first time starts from an empty Document.
func New(fetch FetchFunc) *Builder {
	return &Builder{
		raw:     map[string]map[string]*Document{},
		patched: map[string]map[string]*Document{},
		channel: map[string]*ChannelData{},
		fetch:   fetch,
	}
}

// Raw returns the current raw repodata Document for (subdir,label), or nil.
func (b *Builder) Raw(subdir, label string) *Document {
	if m := b.raw[subdir]; m != nil {
		return m[label]
	}

	return nil
}

// Patched returns the current patched repodata Document for (subdir,label),
// or nil.
func (b *Builder) Patched(subdir, label string) *Document {
	if m := b.patched[subdir]; m != nil {
		return m[label]
	}

	return nil
}

// Channel returns the current ChannelData for label, creating an empty one
// on first access.
func (b *Builder) Channel(label string) *ChannelData {
	cd, ok := b.channel[label]
	if !ok {
		cd = &ChannelData{Packages: map[string]*PackageRecord{}}
		b.channel[label] = cd
	}

	return cd
}

// FoldChannelData folds subdir's raw repodata into label's running
// ChannelData (spec §4.5 "Channel data fold"), using fetch to load each
// surviving candidate's shard channeldata payload.
func (b *Builder) FoldChannelData(subdir, label string, fetch ShardChannelFetch) error {
	doc := b.Raw(subdir, label)
	if doc == nil {
		return fmt.Errorf("repodata: no raw document for %s/%s", subdir, label)
	}

	return FoldChannelData(b.Channel(label), doc, subdir, fetch)
}

// LinkTableUpdater receives a "<subdir>/<package>" -> url pair for every
// shard folded, so the caller can mirror it into the Link Table without this
// package importing pkg/linktable (spec §4.5 fold, "linkTable.packages").
type LinkTableUpdater func(subdirPackage, url string)

// Fold applies shards to the raw repodata maps, returning the set of
// (subdir,label) pairs touched (spec §4.5 "Fold shards → repodata").
func (b *Builder) Fold(ctx context.Context, shards []*shard.Shard, onLink LinkTableUpdater) (map[SubdirLabel]bool, error) {
	updated := map[SubdirLabel]bool{}

	for _, sh := range shards {
		if _, ok := b.raw[sh.Subdir]; !ok {
			b.raw[sh.Subdir] = map[string]*Document{}
		}

		for _, label := range sh.Labels {
			doc, err := b.labelDoc(ctx, sh.Subdir, label)
			if err != nil {
				return nil, err
			}

			if sh.Repodata != nil {
				if strings.HasSuffix(sh.Package, ".conda") {
					doc.PackagesConda[sh.Package] = sh.Repodata
				} else {
					doc.Packages[sh.Package] = sh.Repodata
				}
			}

			if onLink != nil {
				onLink(sh.Key(), sh.URL)
			}

			updated[SubdirLabel{Subdir: sh.Subdir, Label: label}] = true
		}
	}

	return updated, nil
}

func (b *Builder) labelDoc(ctx context.Context, subdir, label string) (*Document, error) {
	if _, ok := b.raw[subdir][label]; !ok {
		doc, err := b.seedDocument(ctx, subdir, label)
		if err != nil {
			return nil, err
		}

		b.raw[subdir][label] = doc
	}

	return b.raw[subdir][label], nil
}

func (b *Builder) seedDocument(ctx context.Context, subdir, label string) (*Document, error) {
	if b.fetch != nil {
		doc, err := b.fetch(ctx, subdir, label)
		if err != nil {
			return nil, fmt.Errorf("repodata: fetching prior %s/%s: %w", subdir, label, err)
		}

		if doc != nil {
			return doc, nil
		}
	}

	return newDocument(subdir), nil
}

// ApplyRemovals replaces the "main" label's removed list for subdir and
// drops any now-removed package from its packages map (spec §4.5
// "Removals"). It reports whether anything changed.
func (b *Builder) ApplyRemovals(subdir string, removed []string) bool {
	doc := b.Raw(subdir, shard.MainLabel)
	if doc == nil {
		return false
	}

	sorted := append([]string(nil), removed...)
	sort.Strings(sorted)

	if equalStrings(doc.Removed, sorted) {
		return false
	}

	doc.Removed = sorted

	for _, fn := range sorted {
		delete(doc.Packages, fn)
		delete(doc.PackagesConda, fn)
	}

	return true
}

func equalStrings(a, b []string) bool {
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)

	if len(as) != len(bs) {
		return false
	}

	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}

	return true
}

// Patch runs the patch set over raw repodata for (subdir,label), merging the
// result into the patched map (spec §4.5 "Patch application"). full forces
// full-mode (re-derive from the complete raw document); otherwise only
// packages newly present in raw are patched incrementally.
func (b *Builder) Patch(ctx context.Context, p patchset.Patcher, subdir, label string, full bool) error {
	raw := b.Raw(subdir, label)
	if raw == nil {
		return fmt.Errorf("repodata: no raw document for %s/%s", subdir, label)
	}

	if _, ok := b.patched[subdir]; !ok {
		b.patched[subdir] = map[string]*Document{}
	}

	patched, ok := b.patched[subdir][label]
	if !ok || full {
		patched = newDocument(subdir)
	}

	toPatch := toPatchsetRepodata(raw)
	if !full {
		toPatch = incrementalSubset(toPatch, patched)
	}

	result, err := p.GenNewIndex(ctx, toPatch, subdir)
	if err != nil {
		return fmt.Errorf("repodata: gen_new_index for %s/%s: %w", subdir, label, err)
	}

	mergeInto(patched, result)

	removals, err := p.GenRemovals(ctx, subdir)
	if err != nil {
		return fmt.Errorf("repodata: gen_removals for %s/%s: %w", subdir, label, err)
	}

	sorted := append([]string(nil), removals...)
	sort.Strings(sorted)
	patched.Removed = sorted

	for _, fn := range sorted {
		delete(patched.Packages, fn)
		delete(patched.PackagesConda, fn)
	}

	b.patched[subdir][label] = patched

	return nil
}

func toPatchsetRepodata(doc *Document) patchset.Repodata {
	return patchset.Repodata{
		Info:     doc.Info,
		Packages: doc.Packages,
		Conda:    doc.PackagesConda,
	}
}

// incrementalSubset restricts raw to packages present in raw but absent from
// patched, minus nothing else (the removal list is applied after the patch
// call returns) (spec §4.5 "Incremental mode").
func incrementalSubset(raw patchset.Repodata, patched *Document) patchset.Repodata {
	sub := patchset.Repodata{
		Info:     raw.Info,
		Packages: map[string]json.RawMessage{},
		Conda:    map[string]json.RawMessage{},
	}

	for fn, rec := range raw.Packages {
		if _, ok := patched.Packages[fn]; !ok {
			sub.Packages[fn] = rec
		}
	}

	for fn, rec := range raw.Conda {
		if _, ok := patched.PackagesConda[fn]; !ok {
			sub.Conda[fn] = rec
		}
	}

	return sub
}

func mergeInto(patched *Document, result patchset.Repodata) {
	for fn, rec := range result.Packages {
		patched.Packages[fn] = rec
	}

	for fn, rec := range result.Conda {
		patched.PackagesConda[fn] = rec
	}
}

// currentPackageRecord is the subset of fields CurrentRepodata inspects to
// find the newest version per package name and its dependency pins.
type currentPackageRecord struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Depends   []string `json:"depends"`
	Timestamp float64  `json:"timestamp"`
}

// CurrentRepodata derives the "current_repodata.json" reduction for
// (subdir,label): the newest version of every package name plus the
// transitive set of packages any kept record depends on by name (spec §4.5
// "Current-repodata derivation").
func (b *Builder) CurrentRepodata(subdir, label string) (*Document, error) {
	patched := b.Patched(subdir, label)
	if patched == nil {
		return nil, fmt.Errorf("repodata: no patched document for %s/%s", subdir, label)
	}

	type entry struct {
		fn    string
		conda bool
		rec   currentPackageRecord
		raw   json.RawMessage
	}

	all := make([]entry, 0, len(patched.Packages)+len(patched.PackagesConda))

	decode := func(fn string, raw json.RawMessage, conda bool) error {
		var rec currentPackageRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("repodata: decoding %s: %w", fn, err)
		}

		all = append(all, entry{fn: fn, conda: conda, rec: rec, raw: raw})

		return nil
	}

	for fn, raw := range patched.Packages {
		if err := decode(fn, raw, false); err != nil {
			return nil, err
		}
	}

	for fn, raw := range patched.PackagesConda {
		if err := decode(fn, raw, true); err != nil {
			return nil, err
		}
	}

	newest := map[string]entry{}

	for _, e := range all {
		cur, ok := newest[e.rec.Name]
		if !ok || Compare(e.rec.Version, cur.rec.Version) > 0 {
			newest[e.rec.Name] = e
		}
	}

	keepNames := map[string]bool{}
	for name := range newest {
		keepNames[name] = true
	}

	for grew := true; grew; {
		grew = false

		for name := range keepNames {
			e, ok := newest[name]
			if !ok {
				continue
			}

			for _, dep := range e.rec.Depends {
				fields := strings.Fields(dep)
				if len(fields) == 0 {
					continue
				}

				if depName := fields[0]; !keepNames[depName] {
					keepNames[depName] = true
					grew = true
				}
			}
		}
	}

	cur := newDocument(subdir)
	cur.Info = patched.Info

	for _, e := range all {
		if !keepNames[e.rec.Name] {
			continue
		}

		best := newest[e.rec.Name]
		if e.fn != best.fn {
			continue
		}

		if e.conda {
			cur.PackagesConda[e.fn] = e.raw
		} else {
			cur.Packages[e.fn] = e.raw
		}
	}

	cur.Removed = append([]string(nil), patched.Removed...)

	return cur, nil
}
