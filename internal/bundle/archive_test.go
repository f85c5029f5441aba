package bundle

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexfrei/go-aviatrix/internal/staging"
)

// brokenWriter accepts nothing. zip.Writer buffers small entries, so the
// failure only surfaces when the archive is finalized.
type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestWriteArchive_FinalizeFailureReportsEverythingMissing(t *testing.T) {
	t.Parallel()

	area, err := staging.New(t.TempDir())
	require.NoError(t, err)
	_, err = area.StageBytes("firewall.tf", staging.KindExtracted, []byte("fw"))
	require.NoError(t, err)
	_, err = area.StageBytes("fqdn.tf", staging.KindExtracted, []byte("fqdn"))
	require.NoError(t, err)

	written, err := writeArchive(brokenWriter{}, area.Artifacts(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to finalize archive")
	assert.Empty(t, written)

	assert.Equal(t, []string{"firewall.tf", "fqdn.tf"}, missing([]string{"firewall.tf", "fqdn.tf"}, written))
}
