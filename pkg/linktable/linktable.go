// Package linktable implements the Link Table (spec §3, §6, §9): the
// published URL index, plus the atomic-pointer reload pattern that replaces
// the source's process-wide mutable LINKS global.
package linktable

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dsnet/compress/bzip2"
)

// MaxServerdataVersions is the number of newest URLs retained per artifact
// filename (spec §3, §8: |serverdata[fn]| <= 3).
const MaxServerdataVersions = 3

// Table is the published URL index (spec §3).
type Table struct {
	// Packages maps "<subdir>/<package>" to the currently canonical
	// download URL.
	Packages map[string]string `json:"packages"`

	// Serverdata maps artifact filename to an ordered list of at most
	// MaxServerdataVersions published URLs, newest last.
	Serverdata map[string][]string `json:"serverdata"`

	// CurrentShas carries opaque revision pointers for incremental diffing
	// next cycle: "shard_store" and "patch_set".
	CurrentShas map[string]string `json:"current-shas"`

	// Labels is the sorted list of every label ever observed.
	Labels []string `json:"labels"`

	// UpdatedAt is the UTC timestamp of the most recent publication.
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns an empty Table, used when no prior table exists and the
// operator has allowed an unsafe cold start (spec §7 Fatal).
func New() *Table {
	return &Table{
		Packages:    map[string]string{},
		Serverdata:  map[string][]string{},
		CurrentShas: map[string]string{},
	}
}

// Clone returns a deep copy of t, so a writer can build a new revision
// without mutating the one readers currently see.
func (t *Table) Clone() *Table {
	c := &Table{
		Packages:    make(map[string]string, len(t.Packages)),
		Serverdata:  make(map[string][]string, len(t.Serverdata)),
		CurrentShas: make(map[string]string, len(t.CurrentShas)),
		Labels:      append([]string(nil), t.Labels...),
		UpdatedAt:   t.UpdatedAt,
	}

	for k, v := range t.Packages {
		c.Packages[k] = v
	}

	for k, v := range t.Serverdata {
		c.Serverdata[k] = append([]string(nil), v...)
	}

	for k, v := range t.CurrentShas {
		c.CurrentShas[k] = v
	}

	return c
}

// AddLabel merges label into the sorted Labels set.
func (t *Table) AddLabel(label string) {
	for _, l := range t.Labels {
		if l == label {
			return
		}
	}

	t.Labels = append(t.Labels, label)
	sort.Strings(t.Labels)
}

// AppendServerdata appends url to filename's version list, keeping only
// the MaxServerdataVersions newest entries (spec §4.6 step e, §8 property).
func (t *Table) AppendServerdata(filename, url string) {
	versions := append(t.Serverdata[filename], url)
	if len(versions) > MaxServerdataVersions {
		versions = versions[len(versions)-MaxServerdataVersions:]
	}

	t.Serverdata[filename] = versions
}

// Marshal renders t as the canonical links.json representation: UTF-8,
// 2-space indent, top-level keys in struct field order and map keys sorted.
func (t *Table) Marshal() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// Unmarshal parses a links.json document into a Table.
func Unmarshal(data []byte) (*Table, error) {
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("linktable: unmarshalling: %w", err)
	}

	return &t, nil
}

// CompressBzip2 renders t as links.json and bzip2-compresses it, the
// transport format for links.json.bz2 (spec §6).
func (t *Table) CompressBzip2() ([]byte, error) {
	data, err := t.Marshal()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer

	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: 9})
	if err != nil {
		return nil, fmt.Errorf("linktable: creating bzip2 writer: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("linktable: compressing: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("linktable: closing bzip2 writer: %w", err)
	}

	return buf.Bytes(), nil
}

// DecompressBzip2 parses a links.json.bz2 payload into a Table.
func DecompressBzip2(data []byte) (*Table, error) {
	r, err := bzip2.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return nil, fmt.Errorf("linktable: creating bzip2 reader: %w", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("linktable: decompressing: %w", err)
	}

	return Unmarshal(raw)
}

// Holder provides lock-free, atomic-pointer-swapped access to the current
// Table, replacing the source's process-wide mutable LINKS global (spec §9).
// Readers call Load; a single writer (the webhook handler or the Worker
// Loop) calls Store with a freshly built immutable Table. The table the
// reader holds is never mutated after Store returns, so in-flight requests
// safely finish against the old value.
type Holder struct {
	ptr atomic.Pointer[Table]
}

// NewHolder wraps an initial Table.
func NewHolder(t *Table) *Holder {
	h := &Holder{}
	h.ptr.Store(t)

	return h
}

// Load returns the current Table.
func (h *Holder) Load() *Table { return h.ptr.Load() }

// Store atomically swaps in a new Table.
func (h *Holder) Store(t *Table) { h.ptr.Store(t) }
