package fetch

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/auditpipe/auditpipe/internal/fetcher"
	"github.com/auditpipe/auditpipe/pkg/shared/config"
	"github.com/auditpipe/auditpipe/pkg/shared/logger"
)

// RunOptionsFetch holds the arguments for the fetch command.
type RunOptionsFetch struct {
	DatasetBase string
	Branch      string
	ProjectID   string
}

var (
	AppConfig         *config.Config
	fetchOptions      RunOptionsFetch
	exampleFetchUsage = `  # Fetching an audit target into the dataset base
  auditpipe fetch --dataset-base /data/audits https://github.com/org/vault-contracts

  # Fetching a specific branch under a custom project id
  auditpipe fetch --dataset-base /data/audits --branch audit-freeze --project-id vault-v2 https://github.com/org/vault-contracts`
)

// FetchCmd represents the fetch command.
var FetchCmd = &cobra.Command{
	Use:                   "fetch --dataset-base PATH [--branch NAME] [--project-id ID] CLONE_URL",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Example:               exampleFetchUsage,
	Short:                 "Clones an audit target into the dataset base and registers it in the manifest",
	RunE:                  runFetchCommand,
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config) {
	AppConfig = cfg
}

// runFetchCommand executes the fetch command.
func runFetchCommand(cmd *cobra.Command, args []string) error {
	log := logger.NewLogger(AppConfig, "core-fetch")

	if err := validateFetchArgs(AppConfig, &fetchOptions, args); err != nil {
		log.Error("invalid fetch arguments", "error", err)
		return err
	}

	f := fetcher.NewFetcher(fetchOptions.DatasetBase, log)
	projectID, err := f.Fetch(cmd.Context(), fetcher.Options{
		CloneURL:  args[0],
		Branch:    fetchOptions.Branch,
		ProjectID: fetchOptions.ProjectID,
		Username:  os.Getenv("AUDITPIPE_GIT_USERNAME"),
		Token:     os.Getenv("AUDITPIPE_GIT_TOKEN"),
	})
	if err != nil {
		log.Error("fetch command failed", "error", err)
		return err
	}

	log.Info("fetch command completed successfully", "project", projectID)
	return nil
}

// Initialize flags for the fetch command.
func init() {
	FetchCmd.Flags().StringVarP(&fetchOptions.DatasetBase, "dataset-base", "d", "", "Absolute path of the dataset base receiving the clone.")
	FetchCmd.Flags().StringVarP(&fetchOptions.Branch, "branch", "b", "", "Branch to fetch; the default branch when omitted.")
	FetchCmd.Flags().StringVarP(&fetchOptions.ProjectID, "project-id", "p", "", "Project id registered in the manifest; derived from the URL when omitted.")
	FetchCmd.Flags().BoolP("help", "h", false, "Show help for the fetch command.")
}
