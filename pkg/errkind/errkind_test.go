package errkind_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/repodata-tools/pkg/errkind"
)

func TestWrapAndKind(t *testing.T) {
	t.Parallel()

	underlying := errors.New("boom")
	err := errkind.Wrap(errkind.Transient, "fetching catalog", underlying)

	assert.ErrorIs(t, err, errkind.Transient)
	assert.ErrorIs(t, err, underlying)

	kind, ok := errkind.Kind(err)
	require.True(t, ok)
	assert.Same(t, errkind.Transient, kind)
}

func TestKind_noMatch(t *testing.T) {
	t.Parallel()

	_, ok := errkind.Kind(errors.New("unrelated"))
	assert.False(t, ok)
}

func TestDo_retriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	cfg := errkind.RetryConfig{MaxAttempts: 3}

	var calls int

	err := errkind.Do(context.Background(), cfg, func(attempt int) error {
		calls++
		if attempt < 2 {
			return errkind.Wrap(errkind.Transient, "flaky", nil)
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_checksumMismatchNeverRetries(t *testing.T) {
	t.Parallel()

	cfg := errkind.RetryConfig{MaxAttempts: 5}

	var calls int

	err := errkind.Do(context.Background(), cfg, func(int) error {
		calls++

		return errkind.Wrap(errkind.ChecksumMismatch, "bad md5", nil)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errkind.ChecksumMismatch)
	assert.Equal(t, 1, calls)
}

func TestDo_nonTaxonomyErrorNeverRetries(t *testing.T) {
	t.Parallel()

	cfg := errkind.RetryConfig{MaxAttempts: 5}

	var calls int

	err := errkind.Do(context.Background(), cfg, func(int) error {
		calls++

		return errors.New("unexpected")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_exhaustsAttempts(t *testing.T) {
	t.Parallel()

	cfg := errkind.RetryConfig{MaxAttempts: 3}

	var calls int

	err := errkind.Do(context.Background(), cfg, func(int) error {
		calls++

		return errkind.Wrap(errkind.Transient, "always fails", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}
