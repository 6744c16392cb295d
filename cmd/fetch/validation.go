package fetch

import (
	"fmt"

	"github.com/auditpipe/auditpipe/pkg/shared/config"
)

// validateFetchArgs validates the arguments provided to the fetch command.
func validateFetchArgs(cfg *config.Config, options *RunOptionsFetch, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("exactly one clone URL must be specified")
	}
	if options.DatasetBase == "" {
		options.DatasetBase = cfg.Auditpipe.DatasetBase
	}
	if options.DatasetBase == "" {
		return fmt.Errorf("the 'dataset-base' flag or DATASET_BASE must be specified")
	}
	return nil
}
