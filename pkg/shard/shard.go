// Package shard defines the per-package metadata atom mirrored from the
// upstream channel and the invariants that every Shard must satisfy.
package shard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrSubdirRequired is returned when a Shard has no subdir set.
	ErrSubdirRequired = errors.New("shard: subdir is required")

	// ErrPackageRequired is returned when a Shard has no package filename set.
	ErrPackageRequired = errors.New("shard: package is required")

	// ErrLabelsEmpty is returned when a Shard carries no labels.
	ErrLabelsEmpty = errors.New("shard: labels must not be empty")

	// ErrLabelInvalid is returned when a label contains a path separator.
	ErrLabelInvalid = errors.New("shard: label must not contain '/'")

	// ErrRepodataInconsistent is returned when repodata and repodata_version
	// disagree on nullness.
	ErrRepodataInconsistent = errors.New("shard: repodata and repodata_version must both be null or both be set")

	// ErrChanneldataInconsistent is returned when channeldata and
	// channeldata_version disagree on nullness.
	ErrChanneldataInconsistent = errors.New(
		"shard: channeldata and channeldata_version must both be null or both be set",
	)
)

// MainLabel is the default distribution label.
const MainLabel = "main"

// Shard is the per-package atom of the shard store (spec §3).
type Shard struct {
	Subdir  string `json:"subdir"`
	Package string `json:"package"`

	Labels []string `json:"labels"`
	URL    string   `json:"url"`

	Feedstock string `json:"feedstock,omitempty"`

	RepodataVersion *int            `json:"repodata_version"`
	Repodata        json.RawMessage `json:"repodata"`

	ChanneldataVersion *int            `json:"channeldata_version"`
	Channeldata        json.RawMessage `json:"channeldata"`

	UndistributableHash string `json:"undistributable_hash,omitempty"`
}

// Key returns the "<subdir>/<package>" key used in the Link Table and
// channeldata fold.
func (s *Shard) Key() string {
	return s.Subdir + "/" + s.Package
}

// HasLabel reports whether the shard carries the given label.
func (s *Shard) HasLabel(label string) bool {
	for _, l := range s.Labels {
		if l == label {
			return true
		}
	}

	return false
}

// AddLabel merges label into Labels, keeping the set sorted and unique.
// It reports whether the label set changed.
func (s *Shard) AddLabel(label string) bool {
	if s.HasLabel(label) {
		return false
	}

	s.Labels = append(s.Labels, label)
	sort.Strings(s.Labels)

	return true
}

// Validate checks the invariants from spec §3.
func (s *Shard) Validate() error {
	if s.Subdir == "" {
		return ErrSubdirRequired
	}

	if s.Package == "" {
		return ErrPackageRequired
	}

	if len(s.Labels) == 0 {
		return ErrLabelsEmpty
	}

	for _, l := range s.Labels {
		if strings.Contains(l, "/") {
			return fmt.Errorf("%w: %q", ErrLabelInvalid, l)
		}
	}

	if (s.Repodata == nil) != (s.RepodataVersion == nil) {
		return ErrRepodataInconsistent
	}

	if (s.Channeldata == nil) != (s.ChanneldataVersion == nil) {
		return ErrChanneldataInconsistent
	}

	return nil
}

// Marshal renders the shard as the canonical on-disk JSON representation:
// UTF-8, sorted keys, 2-space indent.
func (s *Shard) Marshal() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}

	// Decoding into generic maps makes MarshalIndent sort every object's keys;
	// UseNumber keeps numbers as written.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	return json.MarshalIndent(v, "", "  ")
}

// Unmarshal parses the canonical on-disk JSON representation into s.
func Unmarshal(data []byte) (*Shard, error) {
	var s Shard
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("shard: error unmarshalling: %w", err)
	}

	return &s, nil
}
