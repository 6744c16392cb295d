package checklist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
generic:
  - id: G-1
    title: Reentrancy
    description: external calls before state updates
  - id: G-2
    title: Unchecked returns
    description: ignored low-level call results
access:
  - id: A-1
    title: Missing access control
    description: privileged function callable by anyone
`

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checklists.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	lib, err := Load(path, nil, hclog.NewNullLogger())
	require.NoError(t, err)

	items := lib.Items("generic")
	require.Len(t, items, 2)
	assert.Equal(t, "G-1", items[0].ID)
	assert.Equal(t, "Reentrancy", items[0].Title)

	assert.Len(t, lib.Items("access"), 1)
	assert.Nil(t, lib.Items("unknown"))
	assert.ElementsMatch(t, []string{"generic", "access"}, lib.RuleKeys())
}

func TestLoadEmptySource(t *testing.T) {
	lib, err := Load("", nil, hclog.NewNullLogger())
	require.NoError(t, err)
	assert.Nil(t, lib.Items("generic"))
	assert.Empty(t, lib.RuleKeys())
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yml"), nil, hclog.NewNullLogger())
		assert.Error(t, err)
	})
	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yml")
		require.NoError(t, os.WriteFile(path, []byte("generic: {broken"), 0o644))
		_, err := Load(path, nil, hclog.NewNullLogger())
		assert.Error(t, err)
	})
}
