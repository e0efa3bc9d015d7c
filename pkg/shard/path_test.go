package shard_test

import (
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/repodata-tools/pkg/shard"
)

func TestPath(t *testing.T) {
	t.Parallel()

	const pkg = "foo-1.0-0.tar.bz2"

	sum := sha1.Sum([]byte(pkg)) //nolint:gosec
	hexSum := hex.EncodeToString(sum[:])

	p, err := shard.Path("linux-64", pkg)
	require.NoError(t, err)
	assert.Equal(
		t,
		"shards/linux-64/"+string(hexSum[0])+"/"+string(hexSum[1])+"/"+string(hexSum[2])+"/"+pkg+".json",
		p,
	)
}

func TestPath_knownVector(t *testing.T) {
	t.Parallel()

	// SHA1("foo-1.0-0.tar.bz2") = 7a3dbae0ca0aba465154b9c7d0995c601e48afe8.
	p, err := shard.Path("linux-64", "foo-1.0-0.tar.bz2")
	require.NoError(t, err)
	assert.Equal(t, "shards/linux-64/7/a/3/foo-1.0-0.tar.bz2.json", p)
}

func TestPath_requiresPackage(t *testing.T) {
	t.Parallel()

	_, err := shard.Path("linux-64", "")
	require.ErrorIs(t, err, shard.ErrPackageRequiredForPath)
}

func TestLocate(t *testing.T) {
	t.Parallel()

	// Alphanumeric characters of "foo-1.0-0.tar.bz2" are exactly
	// "foo100tarbz2" (12 characters), so no "z" padding is needed.
	canonical, legacy, err := shard.Locate("linux-64", "foo-1.0-0.tar.bz2")
	require.NoError(t, err)
	assert.Equal(t, "shards/linux-64/7/a/3/foo-1.0-0.tar.bz2.json", canonical)
	require.Len(t, legacy, 1)
	assert.Equal(
		t,
		"shards/linux-64/f/o/o/1/0/0/t/a/r/b/z/2/foo-1.0-0.tar.bz2.json",
		legacy[0],
	)
}

func TestLocate_shortNamePadding(t *testing.T) {
	t.Parallel()

	// Package "ab" has 2 alphanumeric characters, padded with "z" up to 12.
	_, legacy, err := shard.Locate("noarch", "ab")
	require.NoError(t, err)
	require.Len(t, legacy, 1)
	assert.Equal(
		t,
		"shards/noarch/a/b/z/z/z/z/z/z/z/z/z/z/ab.json",
		legacy[0],
	)
}

func TestParsePackageFromPath(t *testing.T) {
	t.Parallel()

	pkg, err := shard.ParsePackageFromPath("shards/linux-64/7/a/3/foo-1.0-0.tar.bz2.json")
	require.NoError(t, err)
	assert.Equal(t, "foo-1.0-0.tar.bz2", pkg)

	_, err = shard.ParsePackageFromPath("shards/linux-64/7/a/3/foo-1.0-0.tar.bz2")
	require.Error(t, err)
}
