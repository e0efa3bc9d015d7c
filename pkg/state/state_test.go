package state_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kalbasit/repodata-tools/pkg/state"
)

func openTestDB(t *testing.T) *state.DB {
	t.Helper()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	db, err := state.Open(ctx, path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestRevision_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)

	shardStore, patchSet, err := db.LastRevision(ctx)
	require.NoError(t, err)
	require.Empty(t, shardStore)
	require.Empty(t, patchSet)

	require.NoError(t, db.RecordRevision(ctx, "deadbeef", "cafebabe"))

	shardStore, patchSet, err = db.LastRevision(ctx)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", shardStore)
	require.Equal(t, "cafebabe", patchSet)

	// A second recording supersedes the first.
	require.NoError(t, db.RecordRevision(ctx, "f00d", "1234"))

	shardStore, patchSet, err = db.LastRevision(ctx)
	require.NoError(t, err)
	require.Equal(t, "f00d", shardStore)
	require.Equal(t, "1234", patchSet)
}

func TestRateLimitWindow_SetAndRead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)

	until, err := db.RateLimitedUntil(ctx, "main", "linux-64")
	require.NoError(t, err)
	require.True(t, until.IsZero())

	want := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	require.NoError(t, db.SetRateLimitedUntil(ctx, "main", "linux-64", want))

	got, err := db.RateLimitedUntil(ctx, "main", "linux-64")
	require.NoError(t, err)
	require.True(t, got.Equal(want), "got %s want %s", got, want)

	// Updating an existing window replaces it rather than erroring.
	want2 := want.Add(time.Minute)
	require.NoError(t, db.SetRateLimitedUntil(ctx, "main", "linux-64", want2))

	got, err = db.RateLimitedUntil(ctx, "main", "linux-64")
	require.NoError(t, err)
	require.True(t, got.Equal(want2))
}

func TestRemovedPackages_AccumulateAndDedupe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)

	removed, err := db.RemovedPackages(ctx, "linux-64")
	require.NoError(t, err)
	require.Empty(t, removed)

	require.NoError(t, db.RecordRemoved(ctx, "linux-64", []string{"foo-1.0-0.tar.bz2", "bar-2.0-0.tar.bz2"}))
	// Re-recording one already-removed package alongside a new one must not error.
	require.NoError(t, db.RecordRemoved(ctx, "linux-64", []string{"bar-2.0-0.tar.bz2", "baz-3.0-0.tar.bz2"}))

	removed, err = db.RemovedPackages(ctx, "linux-64")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"foo-1.0-0.tar.bz2", "bar-2.0-0.tar.bz2", "baz-3.0-0.tar.bz2"}, removed)

	// A different subdir's removed set stays independent.
	removedOther, err := db.RemovedPackages(ctx, "osx-64")
	require.NoError(t, err)
	require.Empty(t, removedOther)
}

func TestBuildAttempts_IncrementAndClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)

	attempts, kind, err := db.BuildAttempts(ctx, "linux-64", "foo-1.0-0.tar.bz2")
	require.NoError(t, err)
	require.Equal(t, 0, attempts)
	require.Empty(t, kind)

	require.NoError(t, db.RecordBuildAttempt(ctx, "linux-64", "foo-1.0-0.tar.bz2", "transient"))
	require.NoError(t, db.RecordBuildAttempt(ctx, "linux-64", "foo-1.0-0.tar.bz2", "transient"))
	require.NoError(t, db.RecordBuildAttempt(ctx, "linux-64", "foo-1.0-0.tar.bz2", "checksum_mismatch"))

	attempts, kind, err = db.BuildAttempts(ctx, "linux-64", "foo-1.0-0.tar.bz2")
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.Equal(t, "checksum_mismatch", kind)

	require.NoError(t, db.ClearBuildAttempts(ctx, "linux-64", "foo-1.0-0.tar.bz2"))

	attempts, kind, err = db.BuildAttempts(ctx, "linux-64", "foo-1.0-0.tar.bz2")
	require.NoError(t, err)
	require.Equal(t, 0, attempts)
	require.Empty(t, kind)
}
