package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditpipe/auditpipe/pkg/shared/errors"
)

func writeManifest(t *testing.T, base string, manifest map[string]ManifestEntry) {
	t.Helper()
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(base, ManifestFileName), raw, 0o644))
}

func TestResolveHappyPath(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "projects", "p1"), 0o755))
	writeManifest(t, base, map[string]ManifestEntry{
		"p1": {Path: "projects/p1"},
	})

	r, err := NewResolver(base, hclog.NewNullLogger())
	require.NoError(t, err)

	root, err := r.Resolve("p1")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(root))

	rel, err := filepath.Rel(r.DatasetBase(), root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("projects", "p1"), rel)
}

func TestResolveRejectsEscape(t *testing.T) {
	base := t.TempDir()
	writeManifest(t, base, map[string]ManifestEntry{
		"p1": {Path: "../../../etc"},
	})

	r, err := NewResolver(base, hclog.NewNullLogger())
	require.NoError(t, err)

	_, err = r.Resolve("p1")
	require.Error(t, err)
	var wsErr *errors.WorkspaceError
	assert.ErrorAs(t, err, &wsErr)
}

func TestResolveErrors(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "not-a-dir"), []byte("x"), 0o644))
	writeManifest(t, base, map[string]ManifestEntry{
		"missing-dir": {Path: "nope"},
		"empty-path":  {Path: "  "},
		"file":        {Path: "not-a-dir"},
	})

	r, err := NewResolver(base, hclog.NewNullLogger())
	require.NoError(t, err)

	tests := []struct {
		name      string
		projectID string
	}{
		{"unknown project", "ghost"},
		{"missing directory", "missing-dir"},
		{"empty manifest path", "empty-path"},
		{"regular file", "file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(tt.projectID)
			var wsErr *errors.WorkspaceError
			assert.ErrorAs(t, err, &wsErr)
		})
	}
}

func TestNewResolverRequiresManifest(t *testing.T) {
	base := t.TempDir()
	_, err := NewResolver(base, hclog.NewNullLogger())
	var wsErr *errors.WorkspaceError
	assert.ErrorAs(t, err, &wsErr)
}

func TestProjects(t *testing.T) {
	base := t.TempDir()
	writeManifest(t, base, map[string]ManifestEntry{
		"p1": {Path: "a"},
		"p2": {Path: "b"},
	})

	r, err := NewResolver(base, hclog.NewNullLogger())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2"}, r.Projects())
}
