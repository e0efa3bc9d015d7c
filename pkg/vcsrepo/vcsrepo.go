// Package vcsrepo treats a git remote as a storage backend for the shard
// store, the patch-set working copy, and (indirectly) release metadata,
// replacing the source's subprocess `git` calls interleaved with HTTP
// writes (spec §9) with a native client and a "pull, stage, push with
// conflict retry" protocol.
package vcsrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"github.com/rs/zerolog"

	"github.com/kalbasit/repodata-tools/pkg/errkind"
)

// Auth holds the credentials used to push/pull the working copy.
type Auth struct {
	Username string
	Password string // a token, per the provider's convention
}

// Repo is a working copy of a git remote, used as the persistence boundary
// for the shard store and the patch set (spec §4.1, §4.3, §9).
type Repo struct {
	path string
	url  string
	auth Auth

	repo *git.Repository
}

// Open clones url into path if path is not already a working copy, or opens
// it and pulls otherwise.
func Open(ctx context.Context, path, url string, auth Auth) (*Repo, error) {
	r := &Repo{path: path, url: url, auth: auth}

	repo, err := git.PlainOpen(path)

	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
		zerolog.Ctx(ctx).Info().Str("path", path).Str("url", url).Msg("cloning working copy")

		repo, err = git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
			URL:  url,
			Auth: r.authMethod(),
		})
		if err != nil {
			return nil, errkind.Wrap(errkind.Transient, "cloning "+url, err)
		}
	case err != nil:
		return nil, fmt.Errorf("vcsrepo: opening %q: %w", path, err)
	default:
		if pullErr := r.pull(ctx, repo); pullErr != nil {
			return nil, pullErr
		}
	}

	r.repo = repo

	return r, nil
}

// Path returns the on-disk working copy directory.
func (r *Repo) Path() string { return r.path }

// Head returns the current commit hash of the working copy, used as the
// opaque revision pointer recorded in the Link Table's current-shas.
func (r *Repo) Head(context.Context) (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("vcsrepo: resolving HEAD: %w", err)
	}

	return ref.Hash().String(), nil
}

// Pull fetches and fast-forwards the working copy to the remote in a single
// attempt; a failure is returned wrapped as errkind.Transient.
func (r *Repo) Pull(ctx context.Context) error {
	return r.pull(ctx, r.repo)
}

func (r *Repo) pull(ctx context.Context, repo *git.Repository) error {
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("vcsrepo: getting worktree: %w", err)
	}

	err = wt.PullContext(ctx, &git.PullOptions{
		Auth:  r.authMethod(),
		Force: true,
	})

	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	default:
		return errkind.Wrap(errkind.Transient, "pulling "+r.url, err)
	}
}

// Stage records path for inclusion in the next commit. Callers write the
// file to disk themselves (the store lives inside the working copy) before
// calling Stage.
func (r *Repo) Stage(path string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("vcsrepo: getting worktree: %w", err)
	}

	if _, err := wt.Add(path); err != nil {
		return fmt.Errorf("vcsrepo: staging %q: %w", path, err)
	}

	return nil
}

// CommitAndPush commits everything staged by Stage under message, then
// pushes, rebasing on top of concurrent upstream work and retrying on
// conflict with exponential backoff (spec §4.3).
func (r *Repo) CommitAndPush(ctx context.Context, message string, author object.Signature) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("vcsrepo: getting worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("vcsrepo: reading status: %w", err)
	}

	if status.IsClean() {
		return nil
	}

	if _, err := wt.Commit(message, &git.CommitOptions{Author: &author}); err != nil {
		return fmt.Errorf("vcsrepo: committing: %w", err)
	}

	const maxAttempts = 5

	baseDelay := 500 * time.Millisecond

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := r.repo.PushContext(ctx, &git.PushOptions{Auth: r.authMethod()})

		switch {
		case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
			return nil
		case errors.Is(err, transport.ErrAuthenticationRequired):
			return fmt.Errorf("vcsrepo: pushing: %w", err)
		default:
			zerolog.Ctx(ctx).Warn().
				Err(err).
				Int("attempt", attempt+1).
				Msg("push conflict, pulling and retrying")

			if pullErr := r.pull(ctx, r.repo); pullErr != nil {
				return pullErr
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(baseDelay):
			}

			baseDelay *= 2
		}
	}

	return errkind.Wrap(errkind.Transient, "pushing "+r.url, errors.New("exhausted conflict-retry attempts"))
}

// Diff compares the trees of fromRev and toRev (commit hashes as returned
// by Head), returning the working-copy-relative paths added or modified and
// the paths removed between the two revisions. It is the shard-store/
// patch-set revision diff the Worker Loop uses to decide between
// incremental and full-rebuild mode (spec §4.6 step a).
func (r *Repo) Diff(_ context.Context, fromRev, toRev string) (added, removed []string, err error) {
	fromCommit, err := r.repo.CommitObject(plumbing.NewHash(fromRev))
	if err != nil {
		return nil, nil, fmt.Errorf("vcsrepo: resolving commit %q: %w", fromRev, err)
	}

	toCommit, err := r.repo.CommitObject(plumbing.NewHash(toRev))
	if err != nil {
		return nil, nil, fmt.Errorf("vcsrepo: resolving commit %q: %w", toRev, err)
	}

	fromTree, err := fromCommit.Tree()
	if err != nil {
		return nil, nil, fmt.Errorf("vcsrepo: reading tree for %q: %w", fromRev, err)
	}

	toTree, err := toCommit.Tree()
	if err != nil {
		return nil, nil, fmt.Errorf("vcsrepo: reading tree for %q: %w", toRev, err)
	}

	changes, err := fromTree.Diff(toTree)
	if err != nil {
		return nil, nil, fmt.Errorf("vcsrepo: diffing %q..%q: %w", fromRev, toRev, err)
	}

	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			return nil, nil, fmt.Errorf("vcsrepo: classifying change: %w", err)
		}

		switch action {
		case merkletrie.Delete:
			removed = append(removed, change.From.Name)
		default:
			added = append(added, change.To.Name)
		}
	}

	return added, removed, nil
}

func (r *Repo) authMethod() transport.AuthMethod {
	if r.auth.Username == "" && r.auth.Password == "" {
		return nil
	}

	return &http.BasicAuth{Username: r.auth.Username, Password: r.auth.Password}
}
