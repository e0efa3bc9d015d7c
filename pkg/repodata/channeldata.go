package repodata

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ChannelDataVersion is the channeldata_version stamped on every channeldata
// document this package produces.
const ChannelDataVersion = 1

// ChannelData is the channel-level aggregate across subdirs (spec §3
// Channeldata Document).
type ChannelData struct {
	ChannelDataVersion int                       `json:"channeldata_version"`
	Subdirs            []string                  `json:"subdirs"`
	Packages           map[string]*PackageRecord `json:"packages"`
}

// PackageRecord is one channeldata package entry (spec §4.5 "Channel data
// fold" per-field rules).
type PackageRecord struct {
	Name         string            `json:"name,omitempty"`
	Version      string            `json:"version,omitempty"`
	Description  string            `json:"description,omitempty"`
	DevURL       string            `json:"dev_url,omitempty"`
	DocURL       string            `json:"doc_url,omitempty"`
	DocSourceURL string            `json:"doc_source_url,omitempty"`
	Home         string            `json:"home,omitempty"`
	License      string            `json:"license,omitempty"`
	SourceURL    string            `json:"source_url,omitempty"`
	SourceGitURL string            `json:"source_git_url,omitempty"`
	Summary      string            `json:"summary,omitempty"`
	IconURL      string            `json:"icon_url,omitempty"`
	IconHash     string            `json:"icon_hash,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Identifiers  []string          `json:"identifiers,omitempty"`
	Keywords     []string          `json:"keywords,omitempty"`
	RecipeOrigin string            `json:"recipe_origin,omitempty"`
	BinaryPrefix bool              `json:"binary_prefix,omitempty"`
	TextPrefix   bool              `json:"text_prefix,omitempty"`
	ActivateD    bool              `json:"activate.d,omitempty"`
	DeactivateD  bool              `json:"deactivate.d,omitempty"`
	PreLink      bool              `json:"pre_link,omitempty"`
	PostLink     bool              `json:"post_link,omitempty"`
	PreUnlink    bool              `json:"pre_unlink,omitempty"`
	Subdirs      []string          `json:"subdirs,omitempty"`
	RunExports   map[string]any    `json:"run_exports,omitempty"`
	Timestamp    float64           `json:"timestamp,omitempty"`
}

// Marshal renders cd as the canonical on-disk JSON representation: UTF-8,
// 2-space indent, struct fields in declaration order and map keys sorted.
// channeldata_<label>.json has no
// bzip2-compressed counterpart (spec §6 published artifact list).
func (cd *ChannelData) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(cd, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("repodata: marshaling channeldata: %w", err)
	}

	return data, nil
}

// shardChannelRecord is the shape of a shard's channeldata payload: the
// per-package metadata the indexer produced, merged with the matching
// repodata record's name/version/timestamp fields before folding (spec
// §4.5, mirroring index.py's "data.update(fn_dict)").
type shardChannelRecord struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Timestamp    float64        `json:"timestamp"`
	Description  string         `json:"description"`
	DevURL       string         `json:"dev_url"`
	DocURL       string         `json:"doc_url"`
	DocSourceURL string         `json:"doc_source_url"`
	Home         string         `json:"home"`
	License      string         `json:"license"`
	SourceURL    string         `json:"source_url"`
	SourceGitURL string         `json:"source_git_url"`
	Summary      string         `json:"summary"`
	IconURL      string         `json:"icon_url"`
	IconHash     string         `json:"icon_hash"`
	Tags         []string       `json:"tags"`
	Identifiers  []string       `json:"identifiers"`
	Keywords     []string       `json:"keywords"`
	RecipeOrigin string         `json:"recipe_origin"`
	BinaryPrefix bool           `json:"binary_prefix"`
	TextPrefix   bool           `json:"text_prefix"`
	ActivateD    bool           `json:"activate.d"`
	DeactivateD  bool           `json:"deactivate.d"`
	PreLink      bool           `json:"pre_link"`
	PostLink     bool           `json:"post_link"`
	PreUnlink    bool           `json:"pre_unlink"`
	RunExports   map[string]any `json:"run_exports"`
}

// repodataRecord is the subset of a repodata package entry consulted during
// the channeldata candidate-group selection.
type repodataRecord struct {
	Name      string  `json:"name"`
	Version   string  `json:"version"`
	Timestamp float64 `json:"timestamp"`
}

// ShardChannelFetch loads a shard's (channeldata, channeldata_version) pair
// for (subdir, filename), so FoldChannelData can read channeldata payloads
// that were already folded out of the raw Documents (spec §4.5 "Channel
// data fold" reads from the shard store directly, not from repodata).
type ShardChannelFetch func(subdir, filename string) (json.RawMessage, int, error)

// makeSeconds normalizes a millisecond-resolution timestamp to seconds, a
// bug carried from upstream package-building tools (spec §4.5, conda-build
// issue #1988): any value beyond 9999-12-31T23:59:59Z is assumed to be in
// milliseconds.
func makeSeconds(ts float64) float64 {
	const maxSeconds = 253_402_300_799

	if ts > maxSeconds {
		return float64(int64(ts) / 1000)
	}

	return ts
}

// FoldChannelData aggregates subdir's raw repodata into cd, following
// original_source's build_or_update_channeldata / make_channeldata.py
// exactly: group by package name (and, for names carrying run_exports, by
// version too), keep the newest-timestamped candidate per group, then merge
// each survivor's shard channeldata into the running per-name record.
func FoldChannelData(cd *ChannelData, doc *Document, subdir string, fetch ShardChannelFetch) error {
	if cd.Packages == nil {
		cd.Packages = map[string]*PackageRecord{}
	}

	allPackages := mergedPackages(doc)

	records := make(map[string]repodataRecord, len(allPackages))

	for fn, raw := range allPackages {
		var rec repodataRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("repodata: decoding %s for channeldata fold: %w", fn, err)
		}

		records[fn] = rec
	}

	byName := map[string][]string{}
	for fn, rec := range records {
		byName[rec.Name] = append(byName[rec.Name], fn)
	}

	var groups []string

	for name, fns := range byName {
		existing, hasExisting := cd.Packages[name]

		if !hasExisting || len(existing.RunExports) > 0 {
			byVersion := map[string][]string{}
			for _, fn := range fns {
				byVersion[records[fn].Version] = append(byVersion[records[fn].Version], fn)
			}

			for _, vfns := range byVersion {
				candidate := newestByTimestamp(vfns, records)
				if shouldAppendGroup(cd, subdir, records[candidate], candidate, existing) {
					groups = append(groups, candidate)
				}
			}
		} else {
			candidate := newestByTimestamp(fns, records)
			if shouldAppendGroup(cd, subdir, records[candidate], candidate, existing) {
				groups = append(groups, candidate)
			}
		}
	}

	sort.Strings(groups)

	for _, fn := range groups {
		raw, version, err := fetch(subdir, fn)
		if err != nil {
			return fmt.Errorf("repodata: fetching shard channeldata for %s/%s: %w", subdir, fn, err)
		}

		if raw == nil {
			continue
		}

		if version != ChannelDataVersion {
			return fmt.Errorf("repodata: %s/%s channeldata_version %d != %d", subdir, fn, version, ChannelDataVersion)
		}

		var data shardChannelRecord
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("repodata: decoding shard channeldata for %s/%s: %w", subdir, fn, err)
		}

		rec := records[fn]
		data.Name = rec.Name
		data.Version = rec.Version
		data.Timestamp = rec.Timestamp

		mergeChannelRecord(cd, subdir, data)
	}

	cd.ChannelDataVersion = ChannelDataVersion
	cd.Subdirs = sortedUnion(cd.Subdirs, subdir)

	return nil
}

func mergedPackages(doc *Document) map[string]json.RawMessage {
	merged := make(map[string]json.RawMessage, len(doc.Packages)+len(doc.PackagesConda))

	condaStems := map[string]bool{}

	for fn := range doc.PackagesConda {
		merged[fn] = doc.PackagesConda[fn]

		if len(fn) > len(".conda") {
			condaStems[fn[:len(fn)-len(".conda")]] = true
		}
	}

	for fn, raw := range doc.Packages {
		if condaStems[fn[:max(0, len(fn)-len(".tar.bz2"))]] {
			continue
		}

		merged[fn] = raw
	}

	return merged
}

// newestByTimestamp picks the newest-timestamped filename among fns,
// matching original_source's "sorted(..., reverse=True)[0]" tie-break: the
// first candidate encountered in iteration order wins ties.
func newestByTimestamp(fns []string, records map[string]repodataRecord) string {
	best := fns[0]

	for _, fn := range fns[1:] {
		if makeSeconds(records[fn].Timestamp) > makeSeconds(records[best].Timestamp) {
			best = fn
		}
	}

	return best
}

func shouldAppendGroup(cd *ChannelData, subdir string, rec repodataRecord, fn string, existing *PackageRecord) bool {
	if existing == nil {
		return true
	}

	hasSubdir := false

	for _, s := range existing.Subdirs {
		if s == subdir {
			hasSubdir = true

			break
		}
	}

	if !hasSubdir {
		return true
	}

	if existing.Timestamp < makeSeconds(rec.Timestamp) {
		return true
	}

	if len(existing.RunExports) > 0 {
		if _, ok := existing.RunExports[rec.Version]; !ok {
			return true
		}
	}

	return false
}

func mergeChannelRecord(cd *ChannelData, subdir string, data shardChannelRecord) {
	name := data.Name

	erec, ok := cd.Packages[name]
	if !ok {
		erec = &PackageRecord{}
	}

	dataVersion := data.Version
	if dataVersion == "" {
		dataVersion = "0"
	}

	erecVersion := erec.Version
	if erecVersion == "" {
		erecVersion = "0"
	}

	newer := Compare(dataVersion, erecVersion) > 0

	replaceIfNewerAndPresent(&erec.Description, data.Description, erec.Description, newer)
	replaceIfNewerAndPresent(&erec.DevURL, data.DevURL, erec.DevURL, newer)
	replaceIfNewerAndPresent(&erec.DocURL, data.DocURL, erec.DocURL, newer)
	replaceIfNewerAndPresent(&erec.DocSourceURL, data.DocSourceURL, erec.DocSourceURL, newer)
	replaceIfNewerAndPresent(&erec.Home, data.Home, erec.Home, newer)
	replaceIfNewerAndPresent(&erec.License, data.License, erec.License, newer)
	replaceIfNewerAndPresent(&erec.SourceURL, data.SourceURL, erec.SourceURL, newer)
	replaceIfNewerAndPresent(&erec.SourceGitURL, data.SourceGitURL, erec.SourceGitURL, newer)
	replaceIfNewerAndPresent(&erec.Summary, data.Summary, erec.Summary, newer)
	replaceIfNewerAndPresent(&erec.IconURL, data.IconURL, erec.IconURL, newer)
	replaceIfNewerAndPresent(&erec.IconHash, data.IconHash, erec.IconHash, newer)
	replaceIfNewerAndPresent(&erec.RecipeOrigin, data.RecipeOrigin, erec.RecipeOrigin, newer)
	replaceIfNewerAndPresent(&erec.Version, data.Version, erec.Version, newer)

	if len(data.Tags) > 0 && (newer || len(erec.Tags) == 0) {
		erec.Tags = data.Tags
	}

	if len(data.Identifiers) > 0 && (newer || len(erec.Identifiers) == 0) {
		erec.Identifiers = data.Identifiers
	}

	if len(data.Keywords) > 0 && (newer || len(erec.Keywords) == 0) {
		erec.Keywords = data.Keywords
	}

	erec.Name = name
	erec.BinaryPrefix = erec.BinaryPrefix || data.BinaryPrefix
	erec.TextPrefix = erec.TextPrefix || data.TextPrefix
	erec.ActivateD = erec.ActivateD || data.ActivateD
	erec.DeactivateD = erec.DeactivateD || data.DeactivateD
	erec.PreLink = erec.PreLink || data.PreLink
	erec.PostLink = erec.PostLink || data.PostLink
	erec.PreUnlink = erec.PreUnlink || data.PreUnlink

	erec.Subdirs = sortedUnion(erec.Subdirs, subdir)

	if erec.RunExports == nil {
		erec.RunExports = map[string]any{}
	}

	if len(data.RunExports) > 0 {
		erec.RunExports[dataVersion] = data.RunExports
	}

	erec.Timestamp = makeSeconds(maxFloat(data.Timestamp, erec.Timestamp))

	cd.Packages[name] = erec
}

func replaceIfNewerAndPresent(dst *string, candidate, existing string, newer bool) {
	if candidate != "" && (newer || existing == "") {
		*dst = candidate
	} else {
		*dst = existing
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}

	return b
}

func sortedUnion(existing []string, add string) []string {
	set := map[string]bool{add: true}
	for _, s := range existing {
		set[s] = true
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}

	sort.Strings(out)

	return out
}
