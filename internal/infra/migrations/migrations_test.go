package migrations

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrdersAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"010_late.sql":     {Data: []byte("SELECT 10")},
		"002_messages.sql": {Data: []byte("SELECT 2")},
		"001_members.sql":  {Data: []byte("SELECT 1")},
		"README.md":        {Data: []byte("ignored")},
		"notes.sql":        {Data: []byte("ignored")},
	}

	got, err := Load(fsys)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, 1, got[0].Version)
	assert.Equal(t, "members", got[0].Name)
	assert.Equal(t, 2, got[1].Version)
	assert.Equal(t, 10, got[2].Version)
	assert.Equal(t, "SELECT 10", got[2].SQL)
}

func TestLoadRejectsDuplicateVersions(t *testing.T) {
	_, err := Load(fstest.MapFS{
		"001_a.sql": {Data: []byte("")},
		"1_b.sql":   {Data: []byte("")},
	})
	assert.Error(t, err)
}

func TestEmbeddedMigrationsParse(t *testing.T) {
	got, err := Load(files)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, 1, got[0].Version)
}
