package worker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/repodata-tools/pkg/errkind"
	"github.com/kalbasit/repodata-tools/pkg/worker"
)

func TestRequireLinkTable(t *testing.T) {
	t.Parallel()

	require.NoError(t, worker.RequireLinkTable(true, true, false))
	require.NoError(t, worker.RequireLinkTable(false, false, false))
	require.NoError(t, worker.RequireLinkTable(false, true, true))

	err := worker.RequireLinkTable(false, true, false)
	require.Error(t, err)
	require.ErrorIs(t, err, worker.ErrFatalNoLinkTable)

	kind, ok := errkind.Kind(err)
	require.True(t, ok)
	assert.ErrorIs(t, kind, errkind.Fatal)
}
