package rank_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kalbasit/repodata-tools/pkg/rank"
)

func TestOf_singleRank(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, rank.Of("linux-64", "foo-1.0-0.tar.bz2", 1))
	assert.Equal(t, 0, rank.Of("linux-64", "foo-1.0-0.tar.bz2", 0))
}

func TestOf_stable(t *testing.T) {
	t.Parallel()

	r1 := rank.Of("linux-64", "foo-1.0-0.tar.bz2", 8)
	r2 := rank.Of("linux-64", "foo-1.0-0.tar.bz2", 8)
	assert.Equal(t, r1, r2)
	assert.GreaterOrEqual(t, r1, 0)
	assert.Less(t, r1, 8)
}

func TestOwns_exactlyOneRankOwnsAKey(t *testing.T) {
	t.Parallel()

	const n = 4

	owners := 0

	for r := range n {
		if rank.Owns("noarch", "bar-2.0-1.tar.bz2", n, r) {
			owners++
		}
	}

	assert.Equal(t, 1, owners)
}
