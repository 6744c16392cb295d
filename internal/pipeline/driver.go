package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/auditpipe/auditpipe/internal/catalog"
	"github.com/auditpipe/auditpipe/internal/checklist"
	"github.com/auditpipe/auditpipe/internal/dedup"
	"github.com/auditpipe/auditpipe/internal/executor"
	"github.com/auditpipe/auditpipe/internal/export"
	"github.com/auditpipe/auditpipe/internal/planning"
	"github.com/auditpipe/auditpipe/internal/reasoning"
	"github.com/auditpipe/auditpipe/internal/store"
	"github.com/auditpipe/auditpipe/internal/validating"
	"github.com/auditpipe/auditpipe/internal/workspace"
	"github.com/auditpipe/auditpipe/pkg/shared"
	"github.com/auditpipe/auditpipe/pkg/shared/config"
	sharederrors "github.com/auditpipe/auditpipe/pkg/shared/errors"
	"github.com/auditpipe/auditpipe/pkg/shared/files"
)

// Pipeline stages selectable from the CLI.
const (
	StagePlan     = "plan"
	StageReason   = "reason"
	StageValidate = "validate"
	StageAll      = "all"
)

// DefaultProjectParallel bounds the inter-project worker pool.
const DefaultProjectParallel = 4

// Counts aggregates per-stage progress across projects.
type Counts struct {
	mu        sync.Mutex
	Planned   int
	Reasoned  int
	Validated int
	Errors    int
}

func (c *Counts) add(planned, reasoned, validated, errs int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Planned += planned
	c.Reasoned += reasoned
	c.Validated += validated
	c.Errors += errs
}

// Map returns the counters as a plain map for reporting.
func (c *Counts) Map() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]int{
		"planned":   c.Planned,
		"reasoned":  c.Reasoned,
		"validated": c.Validated,
		"errors":    c.Errors,
	}
}

// Driver sequences the pipeline stages per project with bounded inter-project
// parallelism and a single cancellation root. A workspace failure aborts only
// the affected project.
type Driver struct {
	cfg             *config.Config
	store           *store.Store
	exec            *executor.Executor
	resolver        *workspace.Resolver
	checklists      *checklist.Library
	logger          hclog.Logger
	projectParallel int
}

// NewDriver wires a pipeline driver.
func NewDriver(cfg *config.Config, st *store.Store, exec *executor.Executor, resolver *workspace.Resolver, lib *checklist.Library, logger hclog.Logger, projectParallel int) *Driver {
	if projectParallel <= 0 {
		projectParallel = DefaultProjectParallel
	}
	return &Driver{
		cfg:             cfg,
		store:           st,
		exec:            exec,
		resolver:        resolver,
		checklists:      lib,
		logger:          logger.Named("pipeline"),
		projectParallel: projectParallel,
	}
}

// Run executes the selected stage for every project. It returns the stage
// counters and a non-nil error when a store failure stopped the run, when ctx
// was cancelled, or when every project failed and all failures were workspace
// rejections or at least one was an executor failure.
func (d *Driver) Run(ctx context.Context, projectIDs []string, stage string) (*Counts, error) {
	counts := &Counts{}
	var mu sync.Mutex
	var workspaceFailures, projectFailures int
	var firstExecErr, storeFailure error

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	shared.ForEveryWithBoundedGoroutines(runCtx, d.projectParallel, projectIDs, func(i int, projectID string) {
		if err := d.runProject(runCtx, projectID, stage, counts); err != nil {
			var wsErr *sharederrors.WorkspaceError
			var execErr *sharederrors.ExecError
			var stErr *sharederrors.StoreError
			mu.Lock()
			projectFailures++
			switch {
			case stderrors.As(err, &wsErr):
				d.logger.Error("workspace rejected, skipping project", "project", projectID, "error", err)
				workspaceFailures++
			case stderrors.As(err, &stErr):
				// a store failure that survived the retry stops the whole run
				d.logger.Error("store failure, stopping driver", "project", projectID, "error", err)
				if storeFailure == nil {
					storeFailure = err
				}
				cancel()
			case stderrors.As(err, &execErr):
				d.logger.Error("executor failed for project", "project", projectID, "error", err)
				if firstExecErr == nil {
					firstExecErr = err
				}
			case !stderrors.Is(err, context.Canceled):
				d.logger.Error("project failed", "project", projectID, "error", err)
			}
			mu.Unlock()
			counts.add(0, 0, 0, 1)
		}
	})

	if storeFailure != nil {
		return counts, storeFailure
	}
	if err := ctx.Err(); err != nil {
		return counts, &sharederrors.CancelError{Stage: stage}
	}
	// a non-nil error means the stage produced nothing anywhere
	if projectFailures == len(projectIDs) && len(projectIDs) > 0 {
		if workspaceFailures == len(projectIDs) {
			return counts, sharederrors.NewWorkspaceError("", d.resolver.DatasetBase(), "every project workspace was rejected")
		}
		if firstExecErr != nil {
			return counts, firstExecErr
		}
	}
	return counts, nil
}

// runProject sequences parse → plan → reason → validate → export for one
// project, honoring the stage selection and the resume semantics of each
// stage.
func (d *Driver) runProject(ctx context.Context, projectID, stage string, counts *Counts) error {
	root, err := d.resolver.Resolve(projectID)
	if err != nil {
		return err
	}
	log := d.logger.With("project", projectID)

	if stage == StagePlan || stage == StageAll {
		cat, err := catalog.Load(projectID, root)
		if err != nil {
			return err
		}
		engine := planning.NewEngine(d.cfg, cat, d.exec, d.store, d.checklists, log, projectID, root)
		planRes, err := engine.Plan(ctx)
		if err != nil {
			return err
		}
		counts.add(planRes.TasksPlanned, 0, 0, 0)
		log.Info("planning finished", "tasks", planRes.TasksPlanned, "coverage", fmt.Sprintf("%.2f", planRes.Coverage), "resumed", planRes.Resumed)
	}

	if stage == StageReason || stage == StageAll {
		loop := reasoning.NewLoop(d.cfg, d.exec, d.store, log, projectID, root)
		reasonRes, err := loop.RunProject(ctx)
		if err != nil {
			return err
		}
		counts.add(0, reasonRes.TasksProcessed, 0, reasonRes.Errors)
		log.Info("reasoning finished", "processed", reasonRes.TasksProcessed, "skipped", reasonRes.TasksSkipped, "errors", reasonRes.Errors)
	}

	if stage == StageValidate || stage == StageAll {
		marker := dedup.NewMarker(d.store, log)
		if _, _, err := marker.MarkProject(ctx, projectID); err != nil {
			return err
		}
		validator := validating.NewValidator(d.cfg, d.exec, d.store, log, projectID, root)
		valRes, err := validator.RunProject(ctx)
		if err != nil {
			return err
		}
		counts.add(0, 0, valRes.Validated, valRes.Errors)
		log.Info("validation finished", "validated", valRes.Validated, "errors", valRes.Errors)
	}

	if stage == StageAll {
		if err := d.exportProject(ctx, projectID, log); err != nil {
			return err
		}
	}
	return nil
}

// exportProject writes the SARIF report for one project into the results folder.
func (d *Driver) exportProject(ctx context.Context, projectID string, log hclog.Logger) error {
	findings, err := d.store.ListFindingsForExport(ctx, projectID)
	if err != nil {
		return err
	}
	resultsFolder := filepath.Join(d.cfg.Auditpipe.HomeFolder, "results", projectID)
	if err := files.CreateFolderIfNotExists(resultsFolder); err != nil {
		return err
	}
	outputPath := filepath.Join(resultsFolder, "auditpipe-report.sarif")
	return export.WriteSarifReport(findings, outputPath, log)
}

// ValidStage reports whether the stage flag selects a known stage.
func ValidStage(stage string) bool {
	switch stage {
	case StagePlan, StageReason, StageValidate, StageAll:
		return true
	}
	return false
}
