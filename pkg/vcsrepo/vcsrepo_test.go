package vcsrepo_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/repodata-tools/pkg/vcsrepo"
)

// initRemote creates a local non-bare git repo with one commit, usable
// as a vcsrepo.Open URL (go-git clones/pushes over local filesystem paths
// without any network).
func initRemote(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "shards", "linux-64"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shards", "linux-64", "seed.json"), []byte(`{}`), 0o644))

	_, err = wt.Add("shards/linux-64/seed.json")
	require.NoError(t, err)

	_, err = wt.Commit("seed", &git.CommitOptions{Author: testSig()})
	require.NoError(t, err)

	return dir
}

func testSig() *object.Signature {
	return &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()}
}

func TestOpen_ClonesAndReopens(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	remote := initRemote(t)
	workdir := filepath.Join(t.TempDir(), "work")

	repo, err := vcsrepo.Open(ctx, workdir, remote, vcsrepo.Auth{})
	require.NoError(t, err)

	head, err := repo.Head(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, head)

	require.FileExists(t, filepath.Join(workdir, "shards", "linux-64", "seed.json"))

	// Reopening an existing working copy pulls instead of cloning.
	repo2, err := vcsrepo.Open(ctx, workdir, remote, vcsrepo.Auth{})
	require.NoError(t, err)

	head2, err := repo2.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, head, head2)
}

func TestCommitAndPush_StageAndDiff(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	remote := initRemote(t)
	workdir := filepath.Join(t.TempDir(), "work")

	repo, err := vcsrepo.Open(ctx, workdir, remote, vcsrepo.Auth{})
	require.NoError(t, err)

	before, err := repo.Head(ctx)
	require.NoError(t, err)

	newPath := filepath.Join(workdir, "shards", "linux-64", "new-pkg.json")
	require.NoError(t, os.WriteFile(newPath, []byte(`{"subdir":"linux-64"}`), 0o644))
	require.NoError(t, repo.Stage("shards/linux-64/new-pkg.json"))
	require.NoError(t, os.Remove(filepath.Join(workdir, "shards", "linux-64", "seed.json")))
	require.NoError(t, repo.Stage("shards/linux-64/seed.json"))

	require.NoError(t, repo.CommitAndPush(ctx, "add new-pkg, drop seed", *testSig()))

	after, err := repo.Head(ctx)
	require.NoError(t, err)
	require.NotEqual(t, before, after)

	added, removed, err := repo.Diff(ctx, before, after)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"shards/linux-64/new-pkg.json"}, added)
	require.ElementsMatch(t, []string{"shards/linux-64/seed.json"}, removed)

	// A no-op commit attempt (nothing staged) is a harmless no-op.
	require.NoError(t, repo.CommitAndPush(ctx, "nothing to do", *testSig()))
}
