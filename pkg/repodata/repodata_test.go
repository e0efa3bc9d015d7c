package repodata_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/repodata-tools/pkg/patchset"
	"github.com/kalbasit/repodata-tools/pkg/repodata"
	"github.com/kalbasit/repodata-tools/pkg/shard"
)

func newShard(t *testing.T, subdir, pkg, url string, labels []string, repodataJSON string) *shard.Shard {
	t.Helper()

	one := 1

	return &shard.Shard{
		Subdir:          subdir,
		Package:         pkg,
		Labels:          labels,
		URL:             url,
		RepodataVersion: &one,
		Repodata:        json.RawMessage(repodataJSON),
	}
}

func TestBuilder_Fold(t *testing.T) {
	t.Parallel()

	b := repodata.New(nil)

	sh := newShard(t, "linux-64", "foo-1.0-0.tar.bz2", "https://example.invalid/foo-1.0-0.tar.bz2",
		[]string{"main"}, `{"name":"foo","version":"1.0","build":"0","timestamp":1000}`)

	var links []string

	updated, err := b.Fold(context.Background(), []*shard.Shard{sh}, func(key, url string) {
		links = append(links, key+"="+url)
	})
	require.NoError(t, err)

	assert.True(t, updated[repodata.SubdirLabel{Subdir: "linux-64", Label: "main"}])
	assert.Equal(t, []string{"linux-64/foo-1.0-0.tar.bz2=https://example.invalid/foo-1.0-0.tar.bz2"}, links)

	doc := b.Raw("linux-64", "main")
	require.NotNil(t, doc)
	assert.Contains(t, doc.Packages, "foo-1.0-0.tar.bz2")
}

func TestBuilder_ApplyRemovals(t *testing.T) {
	t.Parallel()

	b := repodata.New(nil)

	sh := newShard(t, "linux-64", "bar-1.0-0.tar.bz2", "https://example.invalid/bar-1.0-0.tar.bz2",
		[]string{shard.MainLabel}, `{"name":"bar","version":"1.0","build":"0","timestamp":1000}`)

	_, err := b.Fold(context.Background(), []*shard.Shard{sh}, nil)
	require.NoError(t, err)

	changed := b.ApplyRemovals("linux-64", []string{"bar-1.0-0.tar.bz2"})
	assert.True(t, changed)

	doc := b.Raw("linux-64", shard.MainLabel)
	require.NotNil(t, doc)
	assert.Equal(t, []string{"bar-1.0-0.tar.bz2"}, doc.Removed)
	assert.NotContains(t, doc.Packages, "bar-1.0-0.tar.bz2")

	// Applying the same removal set again is a no-op.
	assert.False(t, b.ApplyRemovals("linux-64", []string{"bar-1.0-0.tar.bz2"}))
}

type fakePatcher struct {
	removals []string
}

func (p *fakePatcher) GenNewIndex(_ context.Context, raw patchset.Repodata, _ string) (patchset.Repodata, error) {
	return raw, nil
}

func (p *fakePatcher) GenRemovals(_ context.Context, _ string) ([]string, error) {
	return p.removals, nil
}

func TestBuilder_CurrentRepodata(t *testing.T) {
	t.Parallel()

	b := repodata.New(nil)

	shards := []*shard.Shard{
		newShard(t, "linux-64", "foo-1.0-0.tar.bz2", "u1", []string{shard.MainLabel},
			`{"name":"foo","version":"1.0","build":"0","timestamp":1000,"depends":["bar >=1.0"]}`),
		newShard(t, "linux-64", "foo-2.0-0.tar.bz2", "u2", []string{shard.MainLabel},
			`{"name":"foo","version":"2.0","build":"0","timestamp":2000,"depends":["bar >=1.0"]}`),
		newShard(t, "linux-64", "bar-1.0-0.tar.bz2", "u3", []string{shard.MainLabel},
			`{"name":"bar","version":"1.0","build":"0","timestamp":1500}`),
	}

	_, err := b.Fold(context.Background(), shards, nil)
	require.NoError(t, err)

	// fakePatcher copies raw straight through, so the patched map holds the
	// folded records and CurrentRepodata's reduction is what is checked here.
	raw := b.Raw("linux-64", shard.MainLabel)
	require.NotNil(t, raw)

	require.NoError(t, b.Patch(context.Background(), &fakePatcher{}, "linux-64", shard.MainLabel, true))

	cur, err := b.CurrentRepodata("linux-64", shard.MainLabel)
	require.NoError(t, err)

	assert.Contains(t, cur.Packages, "foo-2.0-0.tar.bz2")
	assert.NotContains(t, cur.Packages, "foo-1.0-0.tar.bz2")
	assert.Contains(t, cur.Packages, "bar-1.0-0.tar.bz2")
}
