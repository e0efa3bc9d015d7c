package upstreamsync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kalbasit/repodata-tools/pkg/shard"
)

func TestPackageURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"https://conda.anaconda.org/conda-forge/linux-64/foo-1.0-0.tar.bz2",
		packageURL("main", "linux-64", "foo-1.0-0.tar.bz2"),
	)

	assert.Equal(t,
		"https://conda.anaconda.org/conda-forge/label/rc/linux-64/foo-1.0-0.tar.bz2",
		packageURL("rc", "linux-64", "foo-1.0-0.tar.bz2"),
	)
}

func TestParallelJobs(t *testing.T) {
	t.Parallel()

	// A 1GB budget (the default), matching anaconda_sync.py's 1.0 GB numerator.
	s := &Syncer{memoryBudget: 1024 * 1024 * 1024}

	// A 100MB package implies plenty of headroom, capped at
	// maxParallelBuilds and at the number of jobs actually queued.
	assert.Equal(t, 3, s.parallelJobs(100*1000*1000, 3))

	// A package at or above the budget forces single-file-at-a-time builds.
	assert.Equal(t, 1, s.parallelJobs(2*1024*1024*1024, 5))

	// Unknown size (0 bytes) falls back to job-count-bounded parallelism.
	assert.Equal(t, maxParallelBuilds, s.parallelJobs(0, 100))
	assert.Equal(t, 2, s.parallelJobs(0, 2))

	// A larger budget buys more parallelism for the same package size.
	big := &Syncer{memoryBudget: 4 * 1024 * 1024 * 1024}
	assert.Equal(t, 4, big.parallelJobs(1024*1024*1024, 10))
}

func TestContainsConda(t *testing.T) {
	t.Parallel()

	assert.True(t, containsConda("https://conda.anaconda.org/conda-forge/linux-64/foo.tar.bz2"))
	assert.False(t, containsConda("https://example.invalid/mirror/foo.tar.bz2"))
}

func TestReconcile_AddsLabelAndRewritesMainURL(t *testing.T) {
	t.Parallel()

	s := &Syncer{}

	sh := &shard.Shard{
		Subdir:  "linux-64",
		Package: "foo-1.0-0.tar.bz2",
		Labels:  []string{"rc"},
		URL:     "https://conda.anaconda.org/label/rc/linux-64/foo-1.0-0.tar.bz2",
	}

	changed := s.reconcile(sh, "main", "linux-64", "foo-1.0-0.tar.bz2")
	assert.True(t, changed)
	assert.True(t, sh.HasLabel("main"))
	assert.Equal(t, "https://conda.anaconda.org/conda-forge/linux-64/foo-1.0-0.tar.bz2", sh.URL)

	// A second reconcile against the same label is a no-op.
	changed = s.reconcile(sh, "main", "linux-64", "foo-1.0-0.tar.bz2")
	assert.False(t, changed)
}

func TestReconcile_LeavesForeignMirrorURLAlone(t *testing.T) {
	t.Parallel()

	s := &Syncer{}

	sh := &shard.Shard{
		Subdir:  "linux-64",
		Package: "foo-1.0-0.tar.bz2",
		Labels:  []string{"main"},
		URL:     "https://mirror.example.invalid/linux-64/foo-1.0-0.tar.bz2",
	}

	changed := s.reconcile(sh, "main", "linux-64", "foo-1.0-0.tar.bz2")
	assert.False(t, changed)
	assert.Equal(t, "https://mirror.example.invalid/linux-64/foo-1.0-0.tar.bz2", sh.URL)
}
