//nolint:testpackage
package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	root := New()
	require.NotNil(t, root)

	names := make([]string, 0, len(root.Commands))
	for _, c := range root.Commands {
		names = append(names, c.Name)
	}

	assert.Contains(t, names, "worker")
	assert.Contains(t, names, "sync")
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "undistrib-sweep")
}

func TestOtelWriterFor_noURL(t *testing.T) {
	t.Parallel()

	w, err := otelWriterFor("")
	require.NoError(t, err)
	assert.NotNil(t, w)
}

func TestParseTimeLimit(t *testing.T) {
	t.Parallel()

	d, err := parseTimeLimit("30")
	require.NoError(t, err)
	assert.Equal(t, int64(30), int64(d.Seconds()))

	_, err = parseTimeLimit("")
	require.Error(t, err)

	_, err = parseTimeLimit("not-a-number")
	require.Error(t, err)
}
