package planning

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/auditpipe/auditpipe/internal/catalog"
	"github.com/auditpipe/auditpipe/internal/checklist"
	"github.com/auditpipe/auditpipe/internal/executor"
	"github.com/auditpipe/auditpipe/internal/store"
	"github.com/auditpipe/auditpipe/pkg/shared/config"
	sharederrors "github.com/auditpipe/auditpipe/pkg/shared/errors"
)

// BodyDelimiter joins function bodies into the scannable code bundle.
const BodyDelimiter = "\n\n"

// JoinBodies concatenates function bodies in ref order.
func JoinBodies(entries []catalog.FunctionEntry) string {
	bodies := make([]string, 0, len(entries))
	for _, e := range entries {
		bodies = append(bodies, e.Body)
	}
	return strings.Join(bodies, BodyDelimiter)
}

// ResolvedFlow is a flow with its references classified against the catalog.
// Ambiguous and missing refs are kept for diagnostics but never contribute to
// coverage or the code bundle.
type ResolvedFlow struct {
	Flow      Flow
	Matched   []catalog.FunctionEntry
	Ambiguous []string
	Missing   []string
}

// Result summarizes a planning run.
type Result struct {
	TasksPlanned int
	Coverage     float64
	RepairRounds int
	Partial      bool
	Resumed      bool
}

// Engine drives the forward extraction (P0-P2) and coverage repair (P3-P5)
// phases and finally emits one task per flow and rule key.
type Engine struct {
	cfg           *config.Config
	catalog       *catalog.Catalog
	exec          *executor.Executor
	store         *store.Store
	checklists    *checklist.Library
	logger        hclog.Logger
	projectID     string
	workspaceRoot string
}

// NewEngine wires a planning engine for one project.
func NewEngine(cfg *config.Config, cat *catalog.Catalog, exec *executor.Executor, st *store.Store, lib *checklist.Library, logger hclog.Logger, projectID, workspaceRoot string) *Engine {
	return &Engine{
		cfg:           cfg,
		catalog:       cat,
		exec:          exec,
		store:         st,
		checklists:    lib,
		logger:        logger.Named("planning"),
		projectID:     projectID,
		workspaceRoot: workspaceRoot,
	}
}

// Plan runs both phases and persists the task rows. Re-running against a
// project whose tasks already exist is a no-op.
func (e *Engine) Plan(ctx context.Context) (*Result, error) {
	existing, err := e.store.CountTasks(ctx, e.projectID)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		e.logger.Info("tasks already planned, skipping", "project", e.projectID, "tasks", existing)
		return &Result{Resumed: true}, nil
	}

	doc, partial, err := e.extract(ctx)
	if err != nil {
		return nil, err
	}

	flows := e.resolveFlows(doc)
	coverage := e.coverage(flows)
	e.logger.Info("forward extraction done", "project", e.projectID, "flows", len(flows), "coverage", fmt.Sprintf("%.2f", coverage))

	rounds := 0
	for coverage < e.cfg.Planning.CoverageTarget && rounds < e.cfg.Planning.MaxRepairRounds {
		rounds++
		repaired, repairErr := e.repairRound(ctx, doc, flows, rounds)
		if repairErr != nil {
			e.logger.Warn("repair round failed, keeping current plan", "round", rounds, "error", repairErr)
			partial = true
			break
		}
		if !repaired {
			break
		}
		flows = e.resolveFlows(doc)
		coverage = e.coverage(flows)
		e.logger.Info("repair round done", "round", rounds, "coverage", fmt.Sprintf("%.2f", coverage))
	}

	tasks := e.finalize(flows)
	if len(tasks) == 0 {
		return nil, &sharederrors.PromptAssemblyError{Stage: "plan-finalize", Reason: "no JSON-valid flows produced any task"}
	}
	if err := e.store.BulkInsertTasks(ctx, tasks); err != nil {
		return nil, err
	}

	return &Result{
		TasksPlanned: len(tasks),
		Coverage:     coverage,
		RepairRounds: rounds,
		Partial:      partial,
	}, nil
}

// extract runs P0, P1 and the P2 convergence with a single retry. P2 output
// that still fails to parse after the retry fails the planning run; the free-form
// P0/P1 output is not used as a fallback snapshot.
func (e *Engine) extract(ctx context.Context) (*Document, bool, error) {
	p0Res, err := e.exec.Run(ctx, e.request("p0", p0Initial(e.catalog.Identities())))
	if err != nil {
		return nil, false, err
	}
	p1Res, err := e.exec.Run(ctx, e.request("p1", p1Incremental(p0Res.Stdout)))
	if err != nil {
		return nil, false, err
	}

	doc, err := e.converge(ctx, "p2", p2FinalJSON(p0Res.Stdout, p1Res.Stdout))
	if err != nil {
		return nil, false, err
	}
	return doc, false, nil
}

// converge runs a convergence prompt and retries once with a stricter
// reminder on parse failure.
func (e *Engine) converge(ctx context.Context, scope, prompt string) (*Document, error) {
	res, err := e.exec.Run(ctx, e.request(scope, prompt))
	if err != nil {
		return nil, err
	}
	doc, parseErr := parseDocument(scope, res.Stdout)
	if parseErr == nil {
		return doc, nil
	}
	e.logger.Warn("convergence output unparseable, retrying with reminder", "scope", scope, "error", parseErr)

	res, err = e.exec.Run(ctx, e.request(scope+"_retry", prompt+strictReminder))
	if err != nil {
		return nil, err
	}
	return parseDocument(scope, res.Stdout)
}

// repairRound batches the uncovered set, runs P3/P4 per batch and merges the
// P5 delta. Returns false when nothing was merged.
func (e *Engine) repairRound(ctx context.Context, doc *Document, flows []ResolvedFlow, round int) (bool, error) {
	uncovered := e.uncovered(flows)
	if len(uncovered) == 0 {
		return false, nil
	}

	merged := false
	maxGroup, maxFlow := maxIDs(doc)
	allowRewrite := e.cfg.Planning.AllowFlowRewrite

	for bi, batch := range e.batches(uncovered) {
		scope := func(stage string) string {
			return fmt.Sprintf("repair%d/%s_batch%d", round, stage, bi)
		}

		p3Res, err := e.exec.Run(ctx, e.request(scope("p3"), p3RepairBatch(batch, maxGroup, maxFlow, allowRewrite)))
		if err != nil {
			return merged, err
		}
		p4Res, err := e.exec.Run(ctx, e.request(scope("p4"), p4RepairIncremental(p3Res.Stdout, batch)))
		if err != nil {
			return merged, err
		}

		delta, err := e.converge(ctx, scope("p5"), p5ConvergeDelta(p3Res.Stdout, p4Res.Stdout, maxGroup, maxFlow))
		if err != nil {
			// an unparseable delta falls back to the current snapshot
			e.logger.Warn("repair delta unparseable, skipping batch", "batch", bi, "error", err)
			continue
		}
		mergeDelta(doc, delta, allowRewrite)
		maxGroup, maxFlow = maxIDs(doc)
		merged = true
	}
	return merged, nil
}

// resolveFlows classifies every flow ref as matched, ambiguous or missing.
func (e *Engine) resolveFlows(doc *Document) []ResolvedFlow {
	out := make([]ResolvedFlow, 0, len(doc.Flows))
	for _, f := range doc.Flows {
		rf := ResolvedFlow{Flow: f}
		for _, ref := range f.FunctionRefs {
			res := e.catalog.Resolve(ref)
			switch {
			case res.Entry == nil:
				rf.Missing = append(rf.Missing, ref)
			case res.Ambiguous:
				rf.Ambiguous = append(rf.Ambiguous, ref)
			default:
				rf.Matched = append(rf.Matched, *res.Entry)
			}
		}
		out = append(out, rf)
	}
	return out
}

// coverage is the fraction of catalog functions referenced by at least one
// flow through a matched ref.
func (e *Engine) coverage(flows []ResolvedFlow) float64 {
	if e.catalog.Len() == 0 {
		return 0
	}
	covered := map[string]bool{}
	for _, rf := range flows {
		for _, entry := range rf.Matched {
			covered[entry.Identity()] = true
		}
	}
	return float64(len(covered)) / float64(e.catalog.Len())
}

// uncovered returns catalog identities not matched by any flow, in catalog order.
func (e *Engine) uncovered(flows []ResolvedFlow) []string {
	covered := map[string]bool{}
	for _, rf := range flows {
		for _, entry := range rf.Matched {
			covered[entry.Identity()] = true
		}
	}
	var out []string
	for _, entry := range e.catalog.List() {
		if !covered[entry.Identity()] {
			out = append(out, entry.Identity())
		}
	}
	return out
}

// batches partitions refs into batches sized by the catalog scale. Refs are
// sorted by identity first, so functions of the same container stay together
// where possible.
func (e *Engine) batches(refs []string) [][]string {
	size := 150
	switch {
	case e.catalog.Len() > 2000:
		size = 400
	case e.catalog.Len() > 800:
		size = 250
	}

	sorted := make([]string, len(refs))
	copy(sorted, refs)
	sort.Strings(sorted)

	var out [][]string
	for len(sorted) > 0 {
		n := size
		if n > len(sorted) {
			n = len(sorted)
		}
		out = append(out, sorted[:n])
		sorted = sorted[n:]
	}
	return out
}

// ruleDocument is the JSON persisted into the task's rule column.
type ruleDocument struct {
	FlowID               string           `json:"flow_id"`
	FlowName             string           `json:"flow_name"`
	GroupIDs             []string         `json:"group_ids"`
	FunctionRefs         []string         `json:"function_refs"`
	MissingFunctionRefs  []string         `json:"missing_function_refs"`
	AmbiguousFunctionRef []string         `json:"ambiguous_function_refs"`
	PlanningStage        string           `json:"planning_stage"`
	RuleKey              string           `json:"rule_key"`
	Checklist            []checklist.Item `json:"checklist"`
}

// finalize emits one task row per (flow × rule_key). Flows with no matched
// refs produce no tasks.
func (e *Engine) finalize(flows []ResolvedFlow) []*store.Task {
	var tasks []*store.Task
	for _, rf := range flows {
		if len(rf.Matched) == 0 {
			continue
		}

		code := JoinBodies(rf.Matched)
		refs := make([]string, 0, len(rf.Matched))
		for _, m := range rf.Matched {
			refs = append(refs, m.Identity())
		}
		first := rf.Matched[0]

		for _, ruleKey := range e.cfg.Planning.RuleKeys {
			rule := ruleDocument{
				FlowID:               rf.Flow.FlowID,
				FlowName:             rf.Flow.FlowName,
				GroupIDs:             rf.Flow.GroupIDs,
				FunctionRefs:         refs,
				MissingFunctionRefs:  rf.Missing,
				AmbiguousFunctionRef: rf.Ambiguous,
				PlanningStage:        "finalize",
				RuleKey:              ruleKey,
				Checklist:            e.checklists.Items(ruleKey),
			}
			ruleJSON, err := json.Marshal(rule)
			if err != nil {
				e.logger.Error("cannot marshal rule document", "flow", rf.Flow.FlowID, "error", err)
				continue
			}

			tasks = append(tasks, &store.Task{
				ProjectID:        e.projectID,
				Name:             fmt.Sprintf("Fi:%s %s [%s]", rf.Flow.FlowID, rf.Flow.FlowName, ruleKey),
				Content:          strings.Join(refs, ", "),
				Rule:             string(ruleJSON),
				RuleKey:          ruleKey,
				BusinessFlowCode: code,
				ContractCode:     first.Body,
				StartLine:        strconv.Itoa(first.StartLine),
				EndLine:          strconv.Itoa(first.EndLine),
				RelativeFilePath: first.FilePath,
				AbsoluteFilePath: filepath.Join(e.workspaceRoot, first.FilePath),
				Group:            rf.Flow.FlowID,
			})
		}
	}
	return tasks
}

func (e *Engine) request(scope, prompt string) executor.Request {
	return executor.Request{
		ProjectID:     e.projectID,
		Stage:         "plan",
		Scope:         scope,
		WorkspaceRoot: e.workspaceRoot,
		Prompt:        prompt,
		Sandbox:       executor.SandboxReadOnly,
	}
}
