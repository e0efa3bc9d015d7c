package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sysbot/go-netrc"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/repodata-tools/pkg/linktable"
	"github.com/kalbasit/repodata-tools/pkg/lock"
	"github.com/kalbasit/repodata-tools/pkg/lock/local"
	"github.com/kalbasit/repodata-tools/pkg/lock/redis"
	"github.com/kalbasit/repodata-tools/pkg/releasestore"
	"github.com/kalbasit/repodata-tools/pkg/vcsrepo"
)

// linksArtifactName is the Release Store asset name the Link Table is
// published under (spec §5 upload ordering: "links.json.bz2 uploaded last").
const linksArtifactName = "links.json.bz2"

// loadLinkTable downloads and decompresses the Link Table from the latest
// published release, returning (nil, false, nil) when no published release
// carries one yet (spec §7 Fatal / §4.6 step 2 "none can be found").
func loadLinkTable(ctx context.Context, releases *releasestore.Store) (*linktable.Table, bool, error) {
	release, err := releases.LatestPublished(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("cmd: finding latest published release: %w", err)
	}

	if release == nil {
		return nil, false, nil
	}

	data, err := releases.DownloadAsset(ctx, release, linksArtifactName)
	if err != nil {
		return nil, false, fmt.Errorf("cmd: downloading %s: %w", linksArtifactName, err)
	}

	if data == nil {
		return nil, false, nil
	}

	table, err := linktable.DecompressBzip2(data)
	if err != nil {
		return nil, false, fmt.Errorf("cmd: decompressing %s: %w", linksArtifactName, err)
	}

	return table, true, nil
}

// commonFlags returns the flags shared by the subcommands that walk a
// shard-store working copy: where to clone it, which repo holds the
// external patch command, and who to author commits as.
func commonFlags(flagSources flagSourcesFn) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "shard-store-url",
			Usage:    "Git URL of the shard-store repository",
			Sources:  flagSources("shard-store.url", "SHARD_STORE_URL"),
			Required: true,
		},
		&cli.StringFlag{
			Name:    "shard-store-path",
			Usage:   "Local working copy path for the shard-store repository",
			Sources: flagSources("shard-store.path", "SHARD_STORE_PATH"),
			Value:   "shard-store",
		},
		&cli.StringFlag{
			Name:    "shard-store-username",
			Usage:   "Username for shard-store git authentication",
			Sources: flagSources("shard-store.username", "SHARD_STORE_USERNAME"),
		},
		&cli.StringFlag{
			Name:    "shard-store-password",
			Usage:   "Password or token for shard-store git authentication",
			Sources: flagSources("shard-store.password", "SHARD_STORE_PASSWORD"),
		},
		&cli.StringFlag{
			Name:    "netrc-file",
			Usage:   "Path to a netrc file supplying shard-store/patch-repo git credentials when the explicit flags are unset",
			Sources: flagSources("shard-store.netrc-file", "NETRC_FILE"),
			Value:   defaultNetrcPath(),
		},
		&cli.StringFlag{
			Name:    "patch-repo-url",
			Usage:   "Git URL of the repository carrying the external patch command (defaults to the shard-store repository)",
			Sources: flagSources("patch-repo.url", "PATCH_REPO_URL"),
		},
		&cli.StringFlag{
			Name:    "patch-repo-path",
			Usage:   "Local working copy path for the patch-repo repository",
			Sources: flagSources("patch-repo.path", "PATCH_REPO_PATH"),
			Value:   "patch-repo",
		},
		&cli.StringFlag{
			Name:    "patch-bin",
			Usage:   "Name of the external patch-generating command, resolved from patch-repo-path/bin",
			Sources: flagSources("patch-repo.bin", "PATCH_REPO_BIN"),
			Value:   "repodata-patch",
		},
		&cli.StringFlag{
			Name:    "commit-author-name",
			Usage:   "Name used to author commits made by this process",
			Sources: flagSources("commit.author-name", "COMMIT_AUTHOR_NAME"),
			Value:   "repodata-tools",
		},
		&cli.StringFlag{
			Name:    "commit-author-email",
			Usage:   "Email used to author commits made by this process",
			Sources: flagSources("commit.author-email", "COMMIT_AUTHOR_EMAIL"),
			Value:   "repodata-tools@localhost",
		},
		&cli.StringSliceFlag{
			Name:     "subdir",
			Usage:    "Architecture/OS bucket to operate on; may be given multiple times",
			Sources:  flagSources("channel.subdirs", "SUBDIRS"),
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:    "label",
			Usage:   "Distribution label to operate on; may be given multiple times (defaults to [\"main\"])",
			Sources: flagSources("channel.labels", "LABELS"),
			Value:   []string{"main"},
		},
		&cli.StringFlag{
			Name:    "state-db-path",
			Usage:   "Path to the local sqlite state ledger",
			Sources: flagSources("state.db-path", "STATE_DB_PATH"),
			Value:   "state.db",
		},
		&cli.StringFlag{
			Name:     "github-token",
			Usage:    "GitHub token used to create and publish releases",
			Sources:  flagSources("release-store.github-token", "GITHUB_TOKEN"),
			Required: true,
		},
		&cli.StringFlag{
			Name:     "github-owner",
			Usage:    "GitHub repository owner the release store publishes to",
			Sources:  flagSources("release-store.github-owner", "GITHUB_OWNER"),
			Required: true,
		},
		&cli.StringFlag{
			Name:     "github-repo",
			Usage:    "GitHub repository name the release store publishes to",
			Sources:  flagSources("release-store.github-repo", "GITHUB_REPO"),
			Required: true,
		},
	}
}

// defaultNetrcPath mirrors cmd/serve.go's userDirs.homeDir/.netrc default
// without requiring a dedicated userDirectories lookup.
func defaultNetrcPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return home + "/.netrc"
}

// parseNetrcFile parses the netrc file at path, tolerating a missing file
// (netrc authentication is opportunistic, not required).
func parseNetrcFile(path string) (*netrc.Netrc, error) {
	if path == "" {
		return nil, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}
	defer file.Close()

	n, err := netrc.Parse(file)
	if err != nil {
		return nil, fmt.Errorf("error parsing netrc file: %w", err)
	}

	return n, nil
}

// gitAuth resolves credentials for gitURL: explicit --shard-store-username/
// password flags take precedence, falling back to a netrc entry matching
// the URL's host (spec's ambient git-auth story, grounded on cmd/serve.go's
// upstream-cache netrc handling).
func gitAuth(cmd *cli.Command, gitURL string) vcsrepo.Auth {
	auth := vcsrepo.Auth{
		Username: cmd.String("shard-store-username"),
		Password: cmd.String("shard-store-password"),
	}

	if auth.Username != "" || auth.Password != "" {
		return auth
	}

	netrcData, err := parseNetrcFile(cmd.String("netrc-file"))
	if err != nil || netrcData == nil {
		return auth
	}

	u, err := url.Parse(gitURL)
	if err != nil {
		return auth
	}

	machine := netrcData.FindMachine(u.Hostname())
	if machine == nil {
		return auth
	}

	return vcsrepo.Auth{Username: machine.Login, Password: machine.Password}
}

// openShardRepo clones/pulls the shard-store working copy described by cmd's
// common flags.
func openShardRepo(ctx context.Context, cmd *cli.Command) (*vcsrepo.Repo, error) {
	url := cmd.String("shard-store-url")

	return vcsrepo.Open(ctx, cmd.String("shard-store-path"), url, gitAuth(cmd, url))
}

// openPatchRepo clones/pulls the repository carrying the external patch
// command, defaulting to the shard-store repository when no dedicated URL
// was configured (spec §4.4 "patch program lives alongside the channel").
func openPatchRepo(ctx context.Context, cmd *cli.Command) (*vcsrepo.Repo, error) {
	url := cmd.String("patch-repo-url")
	if url == "" {
		url = cmd.String("shard-store-url")
	}

	return vcsrepo.Open(ctx, cmd.String("patch-repo-path"), url, gitAuth(cmd, url))
}

// commitAuthor builds the object.Signature commits made by this process are
// stamped with.
func commitAuthor(cmd *cli.Command) object.Signature {
	return object.Signature{
		Name:  cmd.String("commit-author-name"),
		Email: cmd.String("commit-author-email"),
		When:  time.Now(),
	}
}

// openReleaseStore builds the release store from the common GitHub flags.
func openReleaseStore(cmd *cli.Command) *releasestore.Store {
	return releasestore.New(cmd.String("github-token"), cmd.String("github-owner"), cmd.String("github-repo"))
}

// lockFlags returns the flags selecting between the local, single-process
// lock backend and the Redis-backed distributed one (spec §4.6, §5: the
// release lock must be distributed once more than one Worker Loop replica
// runs against the same release store).
func lockFlags(flagSources flagSourcesFn) []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "redis-addr",
			Usage:   "Redis address for the distributed release lock; omit to use an in-process lock",
			Sources: flagSources("lock.redis.addrs", "REDIS_ADDRS"),
		},
		&cli.StringFlag{
			Name:    "redis-password",
			Usage:   "Redis password",
			Sources: flagSources("lock.redis.password", "REDIS_PASSWORD"),
		},
		&cli.BoolFlag{
			Name:    "redis-tls",
			Usage:   "Use TLS when connecting to Redis",
			Sources: flagSources("lock.redis.tls", "REDIS_TLS"),
		},
		&cli.BoolFlag{
			Name:    "lock-degraded-mode",
			Usage:   "Fall back to an in-process lock when Redis is unavailable, instead of failing",
			Sources: flagSources("lock.redis.degraded-mode", "LOCK_DEGRADED_MODE"),
		},
	}
}

// openLocker builds the release Locker described by cmd's lock flags.
func openLocker(ctx context.Context, cmd *cli.Command) (lock.Locker, error) {
	addrs := cmd.StringSlice("redis-addr")
	if len(addrs) == 0 {
		return local.NewLocker(), nil
	}

	cfg := redis.Config{
		Addrs:    addrs,
		Password: cmd.String("redis-password"),
		UseTLS:   cmd.Bool("redis-tls"),
	}

	locker, err := redis.NewLocker(ctx, cfg, redis.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
	}, cmd.Bool("lock-degraded-mode"))
	if err != nil {
		return nil, fmt.Errorf("cmd: building redis locker: %w", err)
	}

	return locker, nil
}
