package run

import (
	"fmt"
	"os"

	"github.com/auditpipe/auditpipe/internal/pipeline"
	"github.com/auditpipe/auditpipe/pkg/shared/config"
)

// validateRunArgs validates the arguments provided to the run command.
func validateRunArgs(cfg *config.Config, options *RunOptionsRun) error {
	if options.DatasetBase == "" {
		options.DatasetBase = cfg.Auditpipe.DatasetBase
	}
	if options.DatasetBase == "" {
		return fmt.Errorf("the 'dataset-base' flag or DATASET_BASE must be specified")
	}
	if _, err := os.Stat(options.DatasetBase); os.IsNotExist(err) {
		return fmt.Errorf("the dataset base does not exist: %v", options.DatasetBase)
	}

	if !pipeline.ValidStage(options.Stage) {
		return fmt.Errorf("unknown stage %q: must be plan, reason, validate or all", options.Stage)
	}

	if options.MaxParallel < 0 {
		return fmt.Errorf("the 'max-parallel' flag must not be negative")
	}
	if options.TimeoutSec < 0 {
		return fmt.Errorf("the 'timeout-sec' flag must not be negative")
	}
	return nil
}
