package reasoning

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/auditpipe/auditpipe/internal/executor"
	"github.com/auditpipe/auditpipe/internal/store"
	"github.com/auditpipe/auditpipe/pkg/shared"
	"github.com/auditpipe/auditpipe/pkg/shared/config"
	sharederrors "github.com/auditpipe/auditpipe/pkg/shared/errors"
)

// Loop drives the bounded reasoner/watcher/ideator rounds for the tasks of
// one project. It is the only writer of a task's result, short_result and
// scan_record columns.
type Loop struct {
	cfg           *config.Config
	exec          *executor.Executor
	store         *store.Store
	logger        hclog.Logger
	projectID     string
	workspaceRoot string
}

// NewLoop wires the reasoning loop for one project.
func NewLoop(cfg *config.Config, exec *executor.Executor, st *store.Store, logger hclog.Logger, projectID, workspaceRoot string) *Loop {
	return &Loop{
		cfg:           cfg,
		exec:          exec,
		store:         st,
		logger:        logger.Named("reasoning"),
		projectID:     projectID,
		workspaceRoot: workspaceRoot,
	}
}

// Result summarizes a reasoning run over a project.
type Result struct {
	TasksProcessed int
	TasksSkipped   int
	Errors         int
}

// RunProject executes all tasks of the project. Tasks sharing a group run
// serially in insertion order; distinct groups run in parallel up to the
// configured limit.
func (l *Loop) RunProject(ctx context.Context) (*Result, error) {
	tasks, err := l.store.ListTasks(ctx, l.projectID)
	if err != nil {
		return nil, err
	}

	groups := map[string][]store.Task{}
	var order []string
	for _, t := range tasks {
		if _, seen := groups[t.Group]; !seen {
			order = append(order, t.Group)
		}
		groups[t.Group] = append(groups[t.Group], t)
	}
	sort.Strings(order)

	results := make([]Result, len(order))
	var mu sync.Mutex
	var storeFailure error
	shared.ForEveryWithBoundedGoroutines(ctx, l.cfg.Reasoning.MaxParallel, order, func(i int, group string) {
		for _, task := range groups[group] {
			if ctx.Err() != nil {
				return
			}
			if task.ShortResult == store.SplitDone {
				results[i].TasksSkipped++
				continue
			}
			task := task
			err := l.RunTask(ctx, &task)
			switch {
			case err == nil:
				results[i].TasksProcessed++
			case isCancel(err):
				return
			case isStoreError(err):
				// the store already retried once; give up on the whole run
				mu.Lock()
				if storeFailure == nil {
					storeFailure = err
				}
				mu.Unlock()
				return
			default:
				l.logger.Error("task failed", "task", task.ID, "group", group, "error", err)
				results[i].Errors++
			}
		}
	})

	total := &Result{}
	for _, r := range results {
		total.TasksProcessed += r.TasksProcessed
		total.TasksSkipped += r.TasksSkipped
		total.Errors += r.Errors
	}
	if storeFailure != nil {
		return total, storeFailure
	}
	return total, ctx.Err()
}

// trace is the scan_record document.
type trace struct {
	SchemaVersion string       `json:"schema_version"`
	ProjectID     string       `json:"project_id"`
	TaskID        int64        `json:"task_id"`
	TaskUUID      string       `json:"task_uuid"`
	Rounds        []traceRound `json:"rounds"`
}

type traceRound struct {
	Round            int    `json:"round"`
	Instruction      string `json:"instruction,omitempty"`
	ReasonerArtifact string `json:"reasoner_artifact,omitempty"`
	WatcherArtifact  string `json:"watcher_artifact,omitempty"`
	IdeatorArtifact  string `json:"ideator_artifact,omitempty"`
	NewFindings      int    `json:"new_findings"`
	Decision         string `json:"decision,omitempty"`
	DecisionReason   string `json:"decision_reason,omitempty"`
	Error            string `json:"error,omitempty"`
	StartedAt        string `json:"started_at"`
}

// RunTask executes the task state machine. Resume semantics: an empty result
// enters reasoning; a parseable stored result without the split marker
// re-enters the split only; an unparseable stored result re-enters reasoning;
// a completed split is a no-op.
func (l *Loop) RunTask(ctx context.Context, task *store.Task) error {
	if task.ShortResult == store.SplitDone {
		return nil
	}

	if task.Result != "" {
		if out, err := parseReasonerOutput(task.Result); err == nil {
			l.logger.Info("resuming interrupted split", "task", task.ID)
			return l.split(ctx, task, out.Vulnerabilities)
		}
		// stored raw text from a malformed round: reasoning re-attempts
		l.logger.Warn("stored result unparseable, re-entering reasoning", "task", task.ID)
	}

	return l.reason(ctx, task)
}

// reason runs the bounded multi-round loop.
func (l *Loop) reason(ctx context.Context, task *store.Task) error {
	roundsLeft := l.cfg.Reasoning.MaxRounds
	instruction := ""
	tr := &trace{
		SchemaVersion: TraceSchemaVersion,
		ProjectID:     l.projectID,
		TaskID:        task.ID,
		TaskUUID:      task.UUID,
		Rounds:        []traceRound{},
	}

	// watcher initializes the budget and the first instruction
	if init, artifact, err := l.callWatcher(ctx, watcherInitPrompt(task.Name, task.RuleKey, roundsLeft), task.ID); err == nil {
		instruction = init.WatcherInstruction
		if init.BudgetNext.MaxMoreRounds > 0 && init.BudgetNext.MaxMoreRounds < roundsLeft {
			roundsLeft = init.BudgetNext.MaxMoreRounds
		}
		tr.Rounds = append(tr.Rounds, traceRound{Round: 0, Decision: DecisionContinue, DecisionReason: init.Reason, WatcherArtifact: artifact, StartedAt: now()})
	} else if isCancel(err) {
		return err
	}

	agg := make([]Vulnerability, 0)
	seen := map[string]bool{}
	var pending, explored []string
	noProgress := 0

	for round := 1; roundsLeft > 0; round++ {
		roundsLeft--
		rec := traceRound{Round: round, Instruction: instruction, StartedAt: now()}

		newCount, err := l.reasonRound(ctx, task, round, instruction, &agg, seen, &rec)
		if err != nil {
			if isCancel(err) {
				return err
			}
			// per-round failure: the watcher records it and decides per budget
			rec.Error = err.Error()
		}
		rec.NewFindings = newCount
		if newCount == 0 {
			noProgress++
			explored = append(explored, pending...)
			pending = pending[:0]
		} else {
			noProgress = 0
		}

		decision := l.decide(ctx, task, tr, roundsLeft, noProgress, newCount, len(pending), instruction, &rec)
		if decision.WatcherInstruction != "" {
			instruction = decision.WatcherInstruction
		}
		if decision.BudgetNext.MaxMoreRounds > 0 && decision.BudgetNext.MaxMoreRounds < roundsLeft {
			roundsLeft = decision.BudgetNext.MaxMoreRounds
		}

		if decision.Decision == DecisionPivot && roundsLeft > 0 {
			ideas, artifact, ideaErr := l.callIdeator(ctx, task.ID, decision.Reason, instruction, descriptions(agg), explored, pending)
			if isCancel(ideaErr) {
				return ideaErr
			}
			rec.IdeatorArtifact = artifact
			if ideaErr == nil {
				pending = append(pending, ideas.NewHypotheses...)
				instruction = mergeInstruction(instruction, ideas)
			}
		}

		tr.Rounds = append(tr.Rounds, rec)
		l.writeTrace(ctx, task.ID, tr)

		if decision.Decision == DecisionStop {
			break
		}
	}

	return nil
}

// reasonRound executes one reasoner call and, on a valid answer, persists the
// aggregated result and re-splits the findings. The result write strictly
// precedes the split so a crash leaves a recoverable state.
func (l *Loop) reasonRound(ctx context.Context, task *store.Task, round int, instruction string, agg *[]Vulnerability, seen map[string]bool, rec *traceRound) (int, error) {
	prompt := reasonerPrompt(task.BusinessFlowCode, task.RuleKey, task.Rule, instruction)
	res, err := l.exec.Run(ctx, l.request(fmt.Sprintf("task%d/round%d/reasoner", task.ID, round), prompt))
	if res != nil {
		rec.ReasonerArtifact = res.ArtifactDir
	}
	if err != nil {
		return 0, err
	}

	out, parseErr := parseReasonerOutput(res.Stdout)
	if parseErr != nil {
		// a malformed round with no prior aggregate stores the raw text so
		// the next run re-attempts
		if len(*agg) == 0 {
			if storeErr := l.store.UpdateTaskResult(ctx, task.ID, res.Stdout); storeErr != nil {
				return 0, storeErr
			}
			task.Result = res.Stdout
		}
		return 0, parseErr
	}

	newCount := 0
	for _, v := range out.Vulnerabilities {
		key := strings.TrimSpace(v.Description)
		if seen[key] {
			continue
		}
		seen[key] = true
		*agg = append(*agg, v)
		newCount++
	}

	resultJSON, err := json.Marshal(ReasonerOutput{SchemaVersion: ReasoningSchemaVersion, Vulnerabilities: *agg})
	if err != nil {
		return newCount, err
	}
	if err := l.store.UpdateTaskResult(ctx, task.ID, string(resultJSON)); err != nil {
		return newCount, err
	}
	task.Result = string(resultJSON)

	return newCount, l.split(ctx, task, *agg)
}

// split atomically replaces the task's findings with one row per
// vulnerability. The marker lands only after the replacement committed.
func (l *Loop) split(ctx context.Context, task *store.Task, vulns []Vulnerability) error {
	findings := make([]*store.Finding, 0, len(vulns))
	for _, v := range vulns {
		single, err := json.Marshal(ReasonerOutput{SchemaVersion: ReasoningSchemaVersion, Vulnerabilities: []Vulnerability{v}})
		if err != nil {
			return l.markSplitFailed(ctx, task, err)
		}
		findings = append(findings, &store.Finding{
			ProjectID:            task.ProjectID,
			TaskID:               task.ID,
			TaskUUID:             task.UUID,
			RuleKey:              task.RuleKey,
			FindingJSON:          string(single),
			TaskName:             task.Name,
			TaskContent:          task.Content,
			TaskBusinessFlowCode: task.BusinessFlowCode,
			TaskContractCode:     task.ContractCode,
			TaskStartLine:        task.StartLine,
			TaskEndLine:          task.EndLine,
			TaskRelativeFilePath: task.RelativeFilePath,
			TaskAbsoluteFilePath: task.AbsoluteFilePath,
			TaskRule:             task.Rule,
			TaskGroup:            task.Group,
			DedupStatus:          store.DedupKept,
			ValidationStatus:     store.ValidationPending,
		})
	}

	if err := l.store.ReplaceTaskFindings(ctx, task.ID, findings); err != nil {
		return l.markSplitFailed(ctx, task, err)
	}
	if err := l.store.SetTaskShortResult(ctx, task.ID, store.SplitDone); err != nil {
		return err
	}
	task.ShortResult = store.SplitDone
	return nil
}

func (l *Loop) markSplitFailed(ctx context.Context, task *store.Task, cause error) error {
	if err := l.store.SetTaskShortResult(ctx, task.ID, store.SplitFailed); err != nil {
		l.logger.Error("cannot record split failure", "task", task.ID, "error", err)
	}
	task.ShortResult = store.SplitFailed
	return cause
}

// decide asks the watcher for the next decision and enforces the hard rules
// of the decision table locally, falling back to them entirely when the
// watcher output is unusable.
func (l *Loop) decide(ctx context.Context, task *store.Task, tr *trace, roundsLeft, noProgress, newCount, pendingCount int, instruction string, rec *traceRound) *WatcherOutput {
	traceJSON, _ := json.Marshal(tr)
	decision, artifact, err := l.callWatcher(ctx,
		watcherPrompt(task.Name, string(traceJSON), roundsLeft, noProgress, newCount, instruction), task.ID)
	rec.WatcherArtifact = artifact
	if err != nil || decision == nil {
		decision = &WatcherOutput{
			Decision: defaultDecision(newCount, noProgress, roundsLeft, pendingCount),
			Reason:   "watcher unavailable, default decision table applied",
		}
	}

	// hard rules win over the agent's answer
	switch {
	case roundsLeft <= 0:
		decision.Decision = DecisionStop
	case noProgress >= 2 && decision.Decision == DecisionContinue:
		decision.Decision = DecisionPivot
	case newCount == 0 && pendingCount == 0 && noProgress >= 1 && decision.Decision == DecisionContinue:
		decision.Decision = DecisionStop
	}

	rec.Decision = decision.Decision
	rec.DecisionReason = decision.Reason
	return decision
}

// defaultDecision is the deterministic decision table.
func defaultDecision(newCount, noProgress, roundsLeft, pendingCount int) string {
	switch {
	case roundsLeft <= 0:
		return DecisionStop
	case noProgress >= 2:
		return DecisionPivot
	case newCount > 0:
		return DecisionContinue
	case pendingCount == 0:
		return DecisionStop
	default:
		return DecisionContinue
	}
}

func (l *Loop) callWatcher(ctx context.Context, prompt string, taskID int64) (*WatcherOutput, string, error) {
	res, err := l.exec.Run(ctx, l.request(fmt.Sprintf("task%d/watcher", taskID), prompt))
	artifact := ""
	if res != nil {
		artifact = res.ArtifactDir
	}
	if err != nil {
		return nil, artifact, err
	}
	out, err := parseWatcherOutput(res.Stdout)
	return out, artifact, err
}

func (l *Loop) callIdeator(ctx context.Context, taskID int64, reason, instruction string, confirmed, refuted, pending []string) (*IdeatorOutput, string, error) {
	res, err := l.exec.Run(ctx, l.request(fmt.Sprintf("task%d/ideator", taskID), ideatorPrompt(reason, instruction, confirmed, refuted, pending)))
	artifact := ""
	if res != nil {
		artifact = res.ArtifactDir
	}
	if err != nil {
		return nil, artifact, err
	}
	out, err := parseIdeatorOutput(res.Stdout)
	return out, artifact, err
}

func (l *Loop) writeTrace(ctx context.Context, taskID int64, tr *trace) {
	raw, err := json.Marshal(tr)
	if err != nil {
		l.logger.Error("cannot marshal trace", "task", taskID, "error", err)
		return
	}
	if err := l.store.UpdateTaskScanRecord(ctx, taskID, string(raw)); err != nil {
		l.logger.Error("cannot persist trace", "task", taskID, "error", err)
	}
}

func (l *Loop) request(scope, prompt string) executor.Request {
	sandbox := executor.SandboxReadOnly
	if l.cfg.Reasoning.EnablePoC {
		sandbox = executor.SandboxWorkspaceWrite
	}
	return executor.Request{
		ProjectID:     l.projectID,
		Stage:         "reason",
		Scope:         scope,
		WorkspaceRoot: l.workspaceRoot,
		Prompt:        prompt,
		Sandbox:       sandbox,
	}
}

func mergeInstruction(current string, ideas *IdeatorOutput) string {
	var parts []string
	if current != "" {
		parts = append(parts, current)
	}
	if len(ideas.SuggestedProbes) > 0 {
		parts = append(parts, "Probe next: "+strings.Join(ideas.SuggestedProbes, "; "))
	}
	if len(ideas.ExpectedEvidence) > 0 {
		parts = append(parts, "Expected evidence: "+strings.Join(ideas.ExpectedEvidence, "; "))
	}
	return strings.Join(parts, "\n")
}

func descriptions(vulns []Vulnerability) []string {
	out := make([]string, 0, len(vulns))
	for _, v := range vulns {
		out = append(out, v.Description)
	}
	return out
}

func isCancel(err error) bool {
	if err == nil {
		return false
	}
	var cancel *sharederrors.CancelError
	return stderrors.As(err, &cancel) || stderrors.Is(err, context.Canceled)
}

func isStoreError(err error) bool {
	var storeErr *sharederrors.StoreError
	return stderrors.As(err, &storeErr)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
