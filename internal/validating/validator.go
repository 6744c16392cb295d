package validating

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/auditpipe/auditpipe/internal/executor"
	"github.com/auditpipe/auditpipe/internal/store"
	"github.com/auditpipe/auditpipe/pkg/shared"
	"github.com/auditpipe/auditpipe/pkg/shared/config"
	sharederrors "github.com/auditpipe/auditpipe/pkg/shared/errors"
)

// Validator re-confirms findings with evidence-based agentic search. It is
// the only writer of a finding's validation columns.
type Validator struct {
	cfg           *config.Config
	exec          *executor.Executor
	store         *store.Store
	logger        hclog.Logger
	projectID     string
	workspaceRoot string
}

// NewValidator wires the validator for one project.
func NewValidator(cfg *config.Config, exec *executor.Executor, st *store.Store, logger hclog.Logger, projectID, workspaceRoot string) *Validator {
	return &Validator{
		cfg:           cfg,
		exec:          exec,
		store:         st,
		logger:        logger.Named("validating"),
		projectID:     projectID,
		workspaceRoot: workspaceRoot,
	}
}

// Result summarizes a validation run.
type Result struct {
	Validated int
	Errors    int
}

// record is the structured validation_record persisted per finding.
type record struct {
	SchemaVersion string          `json:"schema_version"`
	WorkspaceRoot string          `json:"workspace_root"`
	PromptHash    string          `json:"prompt_hash"`
	StartedAt     string          `json:"started_at"`
	FinishedAt    string          `json:"finished_at"`
	DurationMS    int64           `json:"duration_ms"`
	ExitMode      string          `json:"exit_mode"`
	RawFinalText  string          `json:"raw_final_text"`
	Parsed        json.RawMessage `json:"parsed,omitempty"`
	ParseError    string          `json:"parse_error,omitempty"`
	ArtifactDir   string          `json:"artifact_dir,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// RunProject validates all pending findings of the project with bounded
// parallelism. Findings whose status is already final are not selected.
func (v *Validator) RunProject(ctx context.Context) (*Result, error) {
	findings, err := v.store.ListFindingsForValidation(ctx, v.projectID)
	if err != nil {
		return nil, err
	}
	v.logger.Info("validation starting", "project", v.projectID, "pending", len(findings))
	if len(findings) == 0 {
		return &Result{}, nil
	}

	outcomes := make([]string, len(findings))
	storeFailures := make([]error, len(findings))
	shared.ForEveryWithBoundedGoroutines(ctx, v.cfg.Validation.MaxParallel, findings, func(i int, f store.Finding) {
		if ctx.Err() != nil {
			return
		}
		outcomes[i], storeFailures[i] = v.validateOne(ctx, &f)
	})

	res := &Result{}
	for i, status := range outcomes {
		if storeFailures[i] != nil {
			// the store already retried once; give up on the whole run
			return res, storeFailures[i]
		}
		switch status {
		case "":
		case store.ValidationError:
			res.Errors++
		default:
			res.Validated++
		}
	}
	return res, ctx.Err()
}

// validateOne runs the agent once for a finding and writes the enumerated
// status plus the audit record. It returns the status written (empty when
// cancelled before any write) and any store failure that survived the retry.
func (v *Validator) validateOne(ctx context.Context, f *store.Finding) (string, error) {
	prompt := validationPrompt(f.FindingJSON, f.RuleKey, f.TaskRelativeFilePath, f.TaskName)
	hash := sha256.Sum256([]byte(prompt))

	started := time.Now()
	rec := record{
		SchemaVersion: RecordSchemaVersion,
		WorkspaceRoot: v.workspaceRoot,
		PromptHash:    hex.EncodeToString(hash[:]),
		StartedAt:     started.UTC().Format(time.RFC3339),
	}

	res, err := v.exec.Run(ctx, executor.Request{
		ProjectID:     v.projectID,
		Stage:         "validate",
		Scope:         fmt.Sprintf("finding%d", f.ID),
		WorkspaceRoot: v.workspaceRoot,
		Prompt:        prompt,
		Sandbox:       v.sandbox(),
		TimeoutSec:    v.cfg.Validation.TimeoutSec,
	})
	if res != nil {
		rec.ArtifactDir = res.ArtifactDir
		rec.RawFinalText = res.Stdout
	}
	rec.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	rec.DurationMS = time.Since(started).Milliseconds()

	status := store.ValidationError
	switch {
	case err == nil:
		rec.ExitMode = "ok"
		status = v.parseStatus(res.Stdout, &rec)
	case isTimeout(err):
		rec.ExitMode = "timeout"
		rec.Error = err.Error()
	case isCancel(err):
		// cancelled before completion: leave the finding pending
		return "", nil
	default:
		rec.ExitMode = "error"
		rec.Error = err.Error()
	}

	recJSON, marshalErr := json.Marshal(rec)
	if marshalErr != nil {
		v.logger.Error("cannot marshal validation record", "finding", f.ID, "error", marshalErr)
		recJSON = []byte(fmt.Sprintf(`{"schema_version":%q,"error":"record marshal failed"}`, RecordSchemaVersion))
	}
	if err := v.store.UpdateFindingValidation(ctx, f.ID, status, string(recJSON)); err != nil {
		v.logger.Error("cannot persist validation outcome", "finding", f.ID, "error", err)
		return store.ValidationError, err
	}
	v.logger.Debug("finding validated", "finding", f.ID, "status", status)
	return status, nil
}

// parseStatus maps the agent's single JSON object onto the closed status
// enum. Any parse failure maps to not_sure.
func (v *Validator) parseStatus(stdout string, rec *record) string {
	candidate := extractJSONObject(stdout)
	if candidate == "" {
		rec.ParseError = "no_json_object_found"
		return store.ValidationNotSure
	}

	var parsed struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		rec.ParseError = fmt.Sprintf("json_parse_error: %v", err)
		return store.ValidationNotSure
	}
	rec.Parsed = json.RawMessage(candidate)

	status := strings.TrimSpace(parsed.Status)
	if !store.AllowedValidationStatuses[status] || status == store.ValidationError {
		rec.ParseError = fmt.Sprintf("invalid_status: %s", status)
		return store.ValidationNotSure
	}
	return status
}

func (v *Validator) sandbox() string {
	if v.cfg.Reasoning.EnablePoC {
		return executor.SandboxWorkspaceWrite
	}
	return executor.SandboxReadOnly
}

// extractJSONObject returns the outermost {...} span of text, or empty.
func extractJSONObject(text string) string {
	s := strings.TrimSpace(text)
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		return s
	}
	l := strings.Index(s, "{")
	r := strings.LastIndex(s, "}")
	if l == -1 || r == -1 || r <= l {
		return ""
	}
	return s[l : r+1]
}

func isTimeout(err error) bool {
	var t *sharederrors.TimeoutError
	return stderrors.As(err, &t)
}

func isCancel(err error) bool {
	if err == nil {
		return false
	}
	var c *sharederrors.CancelError
	return stderrors.As(err, &c) || stderrors.Is(err, context.Canceled)
}
