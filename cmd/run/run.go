package run

import (
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/auditpipe/auditpipe/internal/checklist"
	"github.com/auditpipe/auditpipe/internal/executor"
	"github.com/auditpipe/auditpipe/internal/pipeline"
	"github.com/auditpipe/auditpipe/internal/store"
	"github.com/auditpipe/auditpipe/internal/workspace"
	"github.com/auditpipe/auditpipe/pkg/shared/config"
	"github.com/auditpipe/auditpipe/pkg/shared/errors"
	"github.com/auditpipe/auditpipe/pkg/shared/httpclient"
	"github.com/auditpipe/auditpipe/pkg/shared/logger"
)

// RunOptionsRun holds the arguments for the run command.
type RunOptionsRun struct {
	ProjectIDs  []string
	DatasetBase string
	Stage       string
	MaxParallel int
	TimeoutSec  int
}

// Global variables for configuration and command arguments
var (
	AppConfig      *config.Config
	runOptions     RunOptionsRun
	exampleRunUsage = `  # Running the full pipeline for one project
  auditpipe run --project-id demo-vault --dataset-base /data/audits --stage all

  # Planning only, for every project in the dataset manifest
  auditpipe run --dataset-base /data/audits --stage plan

  # Re-running validation with a shorter agent timeout
  auditpipe run --project-id demo-vault --dataset-base /data/audits --stage validate --timeout-sec 600

  # Bounding inter-project parallelism
  auditpipe run --dataset-base /data/audits --stage all --max-parallel 2`
)

// RunCmd represents the run command.
var RunCmd = &cobra.Command{
	Use:                   "run --dataset-base PATH [--project-id ID]... [--stage {plan|reason|validate|all}] [--max-parallel N] [--timeout-sec N]",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Example:               exampleRunUsage,
	Short:                 "Drives the planning, reasoning and validation stages over a batch of projects",
	RunE:                  runRunCommand,
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config) {
	AppConfig = cfg
}

// runRunCommand executes the run command.
func runRunCommand(cmd *cobra.Command, args []string) error {
	log := logger.NewLogger(AppConfig, "core-run")

	if err := validateRunArgs(AppConfig, &runOptions); err != nil {
		log.Error("invalid run arguments", "error", err)
		return err
	}
	if runOptions.TimeoutSec > 0 {
		AppConfig.Agent.TimeoutSec = runOptions.TimeoutSec
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver, err := workspace.NewResolver(runOptions.DatasetBase, log)
	if err != nil {
		log.Error("failed to open dataset", "error", err)
		return errors.NewCommandError(nil, err, errors.ExitWorkspace)
	}

	projectIDs := runOptions.ProjectIDs
	if len(projectIDs) == 0 {
		projectIDs = resolver.Projects()
	}
	if len(projectIDs) == 0 {
		err := fmt.Errorf("dataset manifest contains no projects")
		log.Error("nothing to run", "error", err)
		return errors.NewCommandError(nil, err, errors.ExitWorkspace)
	}

	st, err := store.NewStore(AppConfig, log)
	if err != nil {
		log.Error("failed to open store", "error", err)
		return err
	}
	defer st.Close()

	restyClient := httpclient.InitializeRestyClient(log, AppConfig)
	checklists, err := checklist.Load(AppConfig.Planning.ChecklistSource, restyClient, log)
	if err != nil {
		log.Error("failed to load checklists", "error", err)
		return err
	}

	exec := executor.New(AppConfig, log)
	driver := pipeline.NewDriver(AppConfig, st, exec, resolver, checklists, log, runOptions.MaxParallel)

	counts, runErr := driver.Run(ctx, projectIDs, runOptions.Stage)
	log.Info("run finished",
		"planned", counts.Planned,
		"reasoned", counts.Reasoned,
		"validated", counts.Validated,
		"errors", counts.Errors,
	)

	if runErr != nil {
		var wsErr *errors.WorkspaceError
		var execErr *errors.ExecError
		switch {
		case stderrors.As(runErr, &wsErr):
			return errors.NewCommandError(counts.Map(), runErr, errors.ExitWorkspace)
		case stderrors.As(runErr, &execErr):
			return errors.NewCommandError(counts.Map(), runErr, errors.ExitExecutor)
		default:
			return errors.NewCommandError(counts.Map(), runErr, errors.ExitPartialDone)
		}
	}
	if counts.Errors > 0 {
		return errors.NewCommandError(counts.Map(),
			fmt.Errorf("run completed partially with %d errors", counts.Errors), errors.ExitPartialDone)
	}

	log.Info("run command completed successfully")
	return nil
}

// Initialize flags for the run command.
func init() {
	RunCmd.Flags().StringSliceVarP(&runOptions.ProjectIDs, "project-id", "p", nil, "Project id from the dataset manifest. Repeatable; all manifest projects when omitted.")
	RunCmd.Flags().StringVarP(&runOptions.DatasetBase, "dataset-base", "d", "", "Absolute path of the dataset base holding the manifest and project workspaces.")
	RunCmd.Flags().StringVarP(&runOptions.Stage, "stage", "s", "all", "Pipeline stage to execute: plan, reason, validate or all.")
	RunCmd.Flags().IntVarP(&runOptions.MaxParallel, "max-parallel", "j", 0, "Number of projects processed concurrently.")
	RunCmd.Flags().IntVarP(&runOptions.TimeoutSec, "timeout-sec", "t", 0, "Per-call agent timeout in seconds, overriding the configuration.")
	RunCmd.Flags().BoolP("help", "h", false, "Show help for the run command.")
}
