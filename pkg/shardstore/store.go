// Package shardstore implements the on-disk content-addressed store of
// per-package metadata shards described in spec §4.1: canonical path
// derivation, tolerant enumeration across legacy layouts, and
// write/stage operations that leave the surrounding vcsrepo.Repo commit
// as the persistence boundary.
package shardstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalbasit/repodata-tools/pkg/shard"
)

const (
	fileMode = 0o644
	dirMode  = 0o755

	otelPackageName = "github.com/kalbasit/repodata-tools/pkg/shardstore"
)

// ErrNotFound is returned when no shard exists (canonically or at any
// legacy path) for the given key.
var ErrNotFound = errors.New("shardstore: shard not found")

//nolint:gochecknoglobals
var tracer = otel.Tracer(otelPackageName)

// Store is a working-copy-rooted shard store (spec §4.1).
type Store struct {
	root string
}

// New returns a Store rooted at root, which must be the root of a vcsrepo
// working copy (or any directory for tests).
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the working-copy-relative root directory.
func (s *Store) Root() string { return s.root }

// Path returns the canonical absolute path for (subdir, package).
func (s *Store) Path(subdir, pkg string) (string, error) {
	rel, err := shard.Path(subdir, pkg)
	if err != nil {
		return "", err
	}

	return filepath.Join(s.root, rel), nil
}

// Get reads a single shard, tolerating legacy paths, migrating it to
// canonical if found at one (spec §4.1 Migration).
func (s *Store) Get(ctx context.Context, subdir, pkg string) (*shard.Shard, error) {
	ctx, span := tracer.Start(ctx, "shardstore.Get", trace.WithAttributes(
		attribute.String("subdir", subdir),
		attribute.String("package", pkg),
	))
	defer span.End()

	canonicalRel, legacyRel, err := shard.Locate(subdir, pkg)
	if err != nil {
		return nil, err
	}

	canonical := filepath.Join(s.root, canonicalRel)

	if data, err := os.ReadFile(canonical); err == nil {
		return shard.Unmarshal(data)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("shardstore: reading %q: %w", canonical, err)
	}

	for _, rel := range legacyRel {
		legacyPath := filepath.Join(s.root, rel)

		data, err := os.ReadFile(legacyPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return nil, fmt.Errorf("shardstore: reading %q: %w", legacyPath, err)
		}

		sh, err := shard.Unmarshal(data)
		if err != nil {
			return nil, err
		}

		if err := s.migrate(ctx, legacyPath, canonical, sh); err != nil {
			return nil, err
		}

		return sh, nil
	}

	return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, subdir, pkg)
}

// migrate moves a shard found at a legacy path to its canonical location,
// deleting the legacy copy (spec §4.1).
func (s *Store) migrate(ctx context.Context, legacyPath, canonicalPath string, sh *shard.Shard) error {
	zerolog.Ctx(ctx).Info().Str("from", legacyPath).Str("to", canonicalPath).Msg("migrating legacy shard path")

	if err := s.writeAt(canonicalPath, sh); err != nil {
		return err
	}

	if err := os.Remove(legacyPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shardstore: removing legacy path %q: %w", legacyPath, err)
	}

	return nil
}

// Write atomically persists sh at its canonical path, creating parent
// directories as needed. The caller is responsible for staging and
// committing the change via vcsrepo.
func (s *Store) Write(ctx context.Context, sh *shard.Shard) error {
	_, span := tracer.Start(ctx, "shardstore.Write", trace.WithAttributes(
		attribute.String("subdir", sh.Subdir),
		attribute.String("package", sh.Package),
	))
	defer span.End()

	p, err := s.Path(sh.Subdir, sh.Package)
	if err != nil {
		return err
	}

	return s.writeAt(p, sh)
}

// Stage is an alias for Write: the canonical location doubles as vcsrepo's
// staging area (the working copy IS the store), so there is no separate
// temp-file-then-rename-into-store step at this layer.
func (s *Store) Stage(ctx context.Context, sh *shard.Shard) error {
	return s.Write(ctx, sh)
}

func (s *Store) writeAt(path string, sh *shard.Shard) error {
	if err := sh.Validate(); err != nil {
		return fmt.Errorf("shardstore: refusing to write invalid shard: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("shardstore: creating directory for %q: %w", path, err)
	}

	data, err := sh.Marshal()
	if err != nil {
		return fmt.Errorf("shardstore: marshalling shard: %w", err)
	}

	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return fmt.Errorf("shardstore: writing temp file %q: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("shardstore: renaming %q to %q: %w", tmp, path, err)
	}

	return nil
}

// Read enumerates every shard for subdir, tolerating legacy layouts.
// Reads run in parallel because the store is append-mostly (spec §4.1).
func (s *Store) Read(ctx context.Context, subdir string) (map[string]*shard.Shard, error) {
	ctx, span := tracer.Start(ctx, "shardstore.Read", trace.WithAttributes(
		attribute.String("subdir", subdir),
	))
	defer span.End()

	paths, err := s.walkSubdir(subdir)
	if err != nil {
		return nil, err
	}

	return s.readPaths(ctx, paths)
}

// ReadPaths reads exactly the shards at the given canonical on-disk paths
// (relative to the store root), for diff-driven incremental updates.
func (s *Store) ReadPaths(ctx context.Context, relPaths []string) ([]*shard.Shard, error) {
	abs := make([]string, len(relPaths))
	for i, p := range relPaths {
		abs[i] = filepath.Join(s.root, p)
	}

	m, err := s.readPaths(ctx, abs)
	if err != nil {
		return nil, err
	}

	out := make([]*shard.Shard, 0, len(m))
	for _, sh := range m {
		out = append(out, sh)
	}

	return out, nil
}

func (s *Store) readPaths(_ context.Context, paths []string) (map[string]*shard.Shard, error) {
	const maxParallel = 32

	type result struct {
		sh  *shard.Shard
		err error
	}

	results := make(chan result, len(paths))
	sem := make(chan struct{}, maxParallel)

	for _, p := range paths {
		sem <- struct{}{}

		go func(p string) {
			defer func() { <-sem }()

			data, err := os.ReadFile(p)
			if err != nil {
				results <- result{err: fmt.Errorf("shardstore: reading %q: %w", p, err)}

				return
			}

			sh, err := shard.Unmarshal(data)
			results <- result{sh: sh, err: err}
		}(p)
	}

	out := make(map[string]*shard.Shard, len(paths))

	for range paths {
		r := <-results
		if r.err != nil {
			return nil, r.err
		}

		out[r.sh.Key()] = r.sh
	}

	return out, nil
}

// walkSubdir returns every shard path (canonical and legacy) under subdir.
func (s *Store) walkSubdir(subdir string) ([]string, error) {
	root := filepath.Join(s.root, "shards", subdir)

	var paths []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if d.IsDir() {
			return nil
		}

		if filepath.Ext(path) == ".json" {
			paths = append(paths, path)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("shardstore: walking %q: %w", root, err)
	}

	return paths, nil
}
