// Package state is the local progress ledger the Worker Loop and Upstream
// Sync use to resume a time-budgeted pass cleanly (spec §4.3 time budget,
// §4.6 step a revision tracking, §7 error propagation): the last revision
// pair diffed, per-(label,subdir) rate-limit windows, and per-package build
// attempt counters. It is local process state, never the persistence
// boundary — the git-backed shard/patch/release stores are (spec §9).
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Revision is the singleton row tracking the last shard-store/patch-set
// commits a Worker Loop iteration diffed from (spec §4.6 step a).
type Revision struct {
	bun.BaseModel `bun:"table:revisions"`

	ID          int64     `bun:"id,pk,autoincrement"`
	ShardStore  string    `bun:"shard_store,notnull"`
	PatchSet    string    `bun:"patch_set,notnull"`
	UpdatedAt   time.Time `bun:"updated_at,notnull"`
}

// RateLimitWindow records the most recent rate-limit backoff observed for a
// (label, subdir) pair, so a restarted pass doesn't immediately re-hammer an
// upstream that just rate-limited it (spec §7 RateLimited).
type RateLimitWindow struct {
	bun.BaseModel `bun:"table:rate_limit_windows"`

	Label     string    `bun:"label,pk"`
	Subdir    string    `bun:"subdir,pk"`
	UntilAt   time.Time `bun:"until_at,notnull"`
}

// BuildAttempt counts consecutive Shard Builder failures for a
// (subdir, package), so repeated non-transient failures on the same
// package can be distinguished from a first attempt (spec §7
// ChecksumMismatch/Unindexable/Inconsistent are not retried by policy, but
// the attempt count is still useful operational signal).
type BuildAttempt struct {
	bun.BaseModel `bun:"table:build_attempts"`

	Subdir    string    `bun:"subdir,pk"`
	Package   string    `bun:"package,pk"`
	Attempts  int       `bun:"attempts,notnull"`
	LastKind  string    `bun:"last_kind,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// RemovedPackage records one package ever removed from a subdir, so the
// Worker Loop can reconstruct the cumulative, monotonically-growing
// "removed" list a Repodata Document carries (spec §4.5 "Removals") across
// restarts, since the shard store itself holds no tombstones.
type RemovedPackage struct {
	bun.BaseModel `bun:"table:removed_packages"`

	Subdir  string `bun:"subdir,pk"`
	Package string `bun:"package,pk"`
}

// DB wraps a bun.DB over a sqlite-backed ledger.
type DB struct {
	bun *bun.DB
}

// Open opens (creating if necessary) the sqlite ledger at path, wrapping the
// driver with otelsql the same way the database dispatch in the pack does
// for its sqlite backend.
func Open(ctx context.Context, path string) (*DB, error) {
	sqlDB, err := otelsql.Open("sqlite3", path, otelsql.WithAttributes())
	if err != nil {
		return nil, fmt.Errorf("state: opening sqlite database at %q: %w", path, err)
	}

	// A single writer per process; avoid "database is locked" under
	// concurrent access the same way the pack's sqlite backend does.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{bun: bun.NewDB(sqlDB, sqlitedialect.New())}

	if err := db.createTables(ctx); err != nil {
		_ = sqlDB.Close()

		return nil, err
	}

	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.bun.Close()
}

func (db *DB) createTables(ctx context.Context) error {
	models := []any{
		(*Revision)(nil),
		(*RateLimitWindow)(nil),
		(*BuildAttempt)(nil),
		(*RemovedPackage)(nil),
	}

	for _, model := range models {
		if _, err := db.bun.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("state: creating table for %T: %w", model, err)
		}
	}

	return nil
}

// LastRevision returns the most recently recorded shard-store/patch-set
// revision pair, or ("", "", nil) if none has been recorded yet.
func (db *DB) LastRevision(ctx context.Context) (shardStore, patchSet string, err error) {
	var rev Revision

	err = db.bun.NewSelect().Model(&rev).Order("id DESC").Limit(1).Scan(ctx)

	switch {
	case err == nil:
		return rev.ShardStore, rev.PatchSet, nil
	case err == sql.ErrNoRows:
		return "", "", nil
	default:
		return "", "", fmt.Errorf("state: reading last revision: %w", err)
	}
}

// RecordRevision appends a new revision row, marking shardStore/patchSet as
// the last pair this process has fully processed.
func (db *DB) RecordRevision(ctx context.Context, shardStore, patchSet string) error {
	rev := &Revision{ShardStore: shardStore, PatchSet: patchSet, UpdatedAt: time.Now().UTC()}

	if _, err := db.bun.NewInsert().Model(rev).Exec(ctx); err != nil {
		return fmt.Errorf("state: recording revision: %w", err)
	}

	return nil
}

// RateLimitedUntil returns the time a (label, subdir) pair is rate-limited
// until, or the zero time if it isn't currently rate-limited.
func (db *DB) RateLimitedUntil(ctx context.Context, label, subdir string) (time.Time, error) {
	var w RateLimitWindow

	err := db.bun.NewSelect().Model(&w).
		Where("label = ? AND subdir = ?", label, subdir).
		Scan(ctx)

	switch {
	case err == nil:
		return w.UntilAt, nil
	case err == sql.ErrNoRows:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("state: reading rate-limit window for %s/%s: %w", label, subdir, err)
	}
}

// SetRateLimitedUntil records that (label, subdir) should not be hit again
// until untilAt.
func (db *DB) SetRateLimitedUntil(ctx context.Context, label, subdir string, untilAt time.Time) error {
	w := &RateLimitWindow{Label: label, Subdir: subdir, UntilAt: untilAt}

	_, err := db.bun.NewInsert().Model(w).
		On("CONFLICT (label, subdir) DO UPDATE").
		Set("until_at = EXCLUDED.until_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("state: setting rate-limit window for %s/%s: %w", label, subdir, err)
	}

	return nil
}

// RecordBuildAttempt increments the attempt counter for (subdir, package)
// and stamps the error kind name of the most recent failure.
func (db *DB) RecordBuildAttempt(ctx context.Context, subdir, pkg, kind string) error {
	a := &BuildAttempt{Subdir: subdir, Package: pkg, Attempts: 1, LastKind: kind, UpdatedAt: time.Now().UTC()}

	_, err := db.bun.NewInsert().Model(a).
		On("CONFLICT (subdir, package) DO UPDATE").
		Set("attempts = build_attempts.attempts + 1").
		Set("last_kind = EXCLUDED.last_kind").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("state: recording build attempt for %s/%s: %w", subdir, pkg, err)
	}

	return nil
}

// BuildAttempts returns the recorded attempt count and last error kind for
// (subdir, package), or (0, "", nil) if none has been recorded.
func (db *DB) BuildAttempts(ctx context.Context, subdir, pkg string) (int, string, error) {
	var a BuildAttempt

	err := db.bun.NewSelect().Model(&a).
		Where("subdir = ? AND package = ?", subdir, pkg).
		Scan(ctx)

	switch {
	case err == nil:
		return a.Attempts, a.LastKind, nil
	case err == sql.ErrNoRows:
		return 0, "", nil
	default:
		return 0, "", fmt.Errorf("state: reading build attempts for %s/%s: %w", subdir, pkg, err)
	}
}

// RecordRemoved marks pkgs as removed from subdir, growing the cumulative
// removed set. Re-recording an already-removed package is a harmless no-op.
func (db *DB) RecordRemoved(ctx context.Context, subdir string, pkgs []string) error {
	if len(pkgs) == 0 {
		return nil
	}

	rows := make([]*RemovedPackage, len(pkgs))
	for i, pkg := range pkgs {
		rows[i] = &RemovedPackage{Subdir: subdir, Package: pkg}
	}

	_, err := db.bun.NewInsert().Model(&rows).
		On("CONFLICT (subdir, package) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("state: recording removed packages for %s: %w", subdir, err)
	}

	return nil
}

// RemovedPackages returns the full cumulative removed set for subdir. The
// order of the returned names is not defined.
func (db *DB) RemovedPackages(ctx context.Context, subdir string) ([]string, error) {
	var rows []RemovedPackage

	err := db.bun.NewSelect().Model(&rows).Where("subdir = ?", subdir).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("state: reading removed packages for %s: %w", subdir, err)
	}

	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Package
	}

	return out, nil
}

// ClearBuildAttempts drops the attempt counter for (subdir, package) after a
// successful build.
func (db *DB) ClearBuildAttempts(ctx context.Context, subdir, pkg string) error {
	_, err := db.bun.NewDelete().Model((*BuildAttempt)(nil)).
		Where("subdir = ? AND package = ?", subdir, pkg).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("state: clearing build attempts for %s/%s: %w", subdir, pkg, err)
	}

	return nil
}
