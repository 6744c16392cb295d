package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/auditpipe/auditpipe/pkg/shared/errors"
)

// ManifestFileName is the dataset manifest mapping project ids to relative paths.
const ManifestFileName = "datasets.json"

// ManifestEntry describes one project in the dataset manifest.
type ManifestEntry struct {
	Path string `json:"path"`
}

// Resolver computes and validates sandbox roots for projects under a dataset base.
type Resolver struct {
	datasetBase string
	manifest    map[string]ManifestEntry
	logger      hclog.Logger
}

// NewResolver loads the dataset manifest from datasetBase and returns a
// Resolver. The dataset base must be an existing directory.
func NewResolver(datasetBase string, logger hclog.Logger) (*Resolver, error) {
	abs, err := filepath.Abs(datasetBase)
	if err != nil {
		return nil, errors.NewWorkspaceError("", datasetBase, fmt.Sprintf("cannot canonicalize dataset base: %v", err))
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, errors.NewWorkspaceError("", datasetBase, fmt.Sprintf("dataset base does not resolve: %v", err))
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, errors.NewWorkspaceError("", abs, "dataset base is not a directory")
	}

	manifestPath := filepath.Join(abs, ManifestFileName)
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, errors.NewWorkspaceError("", manifestPath, fmt.Sprintf("cannot read manifest: %v", err))
	}
	manifest := map[string]ManifestEntry{}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, errors.NewWorkspaceError("", manifestPath, fmt.Sprintf("malformed manifest: %v", err))
	}

	return &Resolver{datasetBase: abs, manifest: manifest, logger: logger}, nil
}

// DatasetBase returns the canonical dataset base path.
func (r *Resolver) DatasetBase() string {
	return r.datasetBase
}

// Projects returns the project ids present in the manifest, in no particular order.
func (r *Resolver) Projects() []string {
	ids := make([]string, 0, len(r.manifest))
	for id := range r.manifest {
		ids = append(ids, id)
	}
	return ids
}

// Resolve returns the canonical absolute workspace root for projectID. The
// root must exist, be a directory and be contained in the dataset base.
func (r *Resolver) Resolve(projectID string) (string, error) {
	entry, ok := r.manifest[projectID]
	if !ok {
		return "", errors.NewWorkspaceError(projectID, "", "project not present in manifest")
	}
	rel := strings.TrimSpace(entry.Path)
	if rel == "" {
		return "", errors.NewWorkspaceError(projectID, "", "manifest entry has empty path")
	}

	root := filepath.Join(r.datasetBase, rel)
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", errors.NewWorkspaceError(projectID, root, fmt.Sprintf("cannot canonicalize: %v", err))
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return "", errors.NewWorkspaceError(projectID, root, fmt.Sprintf("workspace does not resolve: %v", err))
	}

	if !isContained(r.datasetBase, abs) {
		return "", errors.NewWorkspaceError(projectID, abs, "workspace escapes the dataset base")
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", errors.NewWorkspaceError(projectID, abs, fmt.Sprintf("workspace not accessible: %v", err))
	}
	if !info.IsDir() {
		return "", errors.NewWorkspaceError(projectID, abs, "workspace is not a directory")
	}

	if r.logger != nil {
		r.logger.Debug("resolved workspace", "project", projectID, "root", abs)
	}
	return abs, nil
}

// isContained reports whether path is base itself or a descendant of base,
// compared on canonical path components.
func isContained(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
