package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gitsight/go-vcsurl"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/hashicorp/go-hclog"

	"github.com/auditpipe/auditpipe/internal/workspace"
	"github.com/auditpipe/auditpipe/pkg/shared/files"
)

// Fetcher clones audit targets into the dataset base and registers them in
// the dataset manifest so the pipeline can resolve their workspaces.
type Fetcher struct {
	datasetBase string
	logger      hclog.Logger
}

// NewFetcher creates a fetcher rooted at datasetBase.
func NewFetcher(datasetBase string, logger hclog.Logger) *Fetcher {
	return &Fetcher{datasetBase: datasetBase, logger: logger}
}

// Options controls a single fetch.
type Options struct {
	CloneURL  string
	Branch    string
	ProjectID string // defaults to the repository name from the URL
	Username  string
	Token     string
}

// Fetch clones the repository shallowly into the dataset base and adds the
// project to the manifest. An existing target directory is left untouched and
// only registered.
func (f *Fetcher) Fetch(ctx context.Context, opts Options) (string, error) {
	info, err := vcsurl.Parse(opts.CloneURL)
	if err != nil {
		return "", fmt.Errorf("unable to parse clone URL %q: %w", opts.CloneURL, err)
	}

	projectID := opts.ProjectID
	if projectID == "" {
		projectID = info.Name
	}
	relPath := filepath.Join(projectID)
	targetFolder := filepath.Join(f.datasetBase, relPath)

	cloneOptions := &git.CloneOptions{
		URL:   opts.CloneURL,
		Depth: 1,
		Progress: f.logger.StandardWriter(&hclog.StandardLoggerOptions{
			InferLevels: true,
			ForceLevel:  hclog.Debug,
		}),
	}
	if opts.Branch != "" {
		cloneOptions.ReferenceName = plumbing.ReferenceName(fmt.Sprintf("refs/heads/%s", opts.Branch))
	}
	if opts.Token != "" {
		username := opts.Username
		if username == "" {
			username = "git"
		}
		cloneOptions.Auth = &http.BasicAuth{Username: username, Password: opts.Token}
	}

	f.logger.Debug("fetching repository", "repo", info.Name, "branch", opts.Branch, "targetFolder", targetFolder)
	_, err = git.PlainCloneContext(ctx, targetFolder, false, cloneOptions)
	if err == git.ErrRepositoryAlreadyExists {
		f.logger.Warn("repository already exists on disk, registering only", "targetFolder", targetFolder)
	} else if err != nil {
		return "", fmt.Errorf("clone of %q failed: %w", opts.CloneURL, err)
	}

	if err := f.register(projectID, relPath); err != nil {
		return "", err
	}
	f.logger.Info("project fetched", "project", projectID, "path", relPath)
	return projectID, nil
}

// register adds or updates the manifest entry for the project.
func (f *Fetcher) register(projectID, relPath string) error {
	manifestPath := filepath.Join(f.datasetBase, workspace.ManifestFileName)

	manifest := map[string]workspace.ManifestEntry{}
	if raw, err := os.ReadFile(manifestPath); err == nil {
		if err := json.Unmarshal(raw, &manifest); err != nil {
			return fmt.Errorf("existing manifest is malformed: %w", err)
		}
	}

	manifest[projectID] = workspace.ManifestEntry{Path: relPath}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return files.WriteFileSynced(manifestPath, raw)
}
