package migrations

import (
	"io/fs"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(files, ".")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	assert.Equal(t, []string{
		"001_create_checkpoints.down.sql",
		"001_create_checkpoints.up.sql",
		"002_create_failed_records.down.sql",
		"002_create_failed_records.up.sql",
		"003_add_records_synced.down.sql",
		"003_add_records_synced.up.sql",
	}, names)
}

func TestEmbeddedMigrationsAreNonEmpty(t *testing.T) {
	entries, err := fs.ReadDir(files, ".")
	require.NoError(t, err)
	for _, e := range entries {
		b, err := fs.ReadFile(files, e.Name())
		require.NoError(t, err)
		assert.NotEmpty(t, b, "%s should not be empty", e.Name())
	}
}
