package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/auditpipe/auditpipe/pkg/shared/config"
	"github.com/auditpipe/auditpipe/pkg/shared/errors"
	"github.com/auditpipe/auditpipe/pkg/shared/files"
)

// Sandbox modes for the external agent. The workspace is writable only when
// PoC execution is enabled.
const (
	SandboxReadOnly       = "read-only"
	SandboxWorkspaceWrite = "workspace-write"
)

// Request describes one agent invocation. Stage and Scope select the artifact
// directory; Scope may contain path separators for per-round layouts.
type Request struct {
	ProjectID     string
	Stage         string
	Scope         string
	WorkspaceRoot string
	Prompt        string
	Sandbox       string
	TimeoutSec    int
	Env           []string
}

// Result carries the decoded outcome of a completed agent call.
type Result struct {
	Stdout      string
	Stderr      string
	ExitCode    int
	StartedAt   time.Time
	FinishedAt  time.Time
	ArtifactDir string
}

// Executor launches the external analysis agent as a sandboxed subprocess with
// its working directory fixed to the request's workspace root. Each call
// spawns exactly one subprocess, reaped before return. Concurrent calls are
// permitted; every call writes to its own artifact directory.
type Executor struct {
	cfg      *config.Config
	logsHome string
	logger   hclog.Logger
	seq      atomic.Uint64
}

// New creates an Executor writing artifacts under the configured logs folder.
func New(cfg *config.Config, logger hclog.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		logsHome: config.GetLogsHome(cfg),
		logger:   logger,
	}
}

// Run executes the agent once. On deadline breach the subprocess receives a
// terminate signal, then a kill after the configured grace period, and the
// call returns a TimeoutError with the partial captured output. A non-zero
// exit or I/O failure returns an ExecError with captured streams. The
// returned ArtifactDir is always populated once the prompt has been persisted.
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Sandbox == "" {
		req.Sandbox = SandboxReadOnly
	}
	if req.TimeoutSec <= 0 {
		req.TimeoutSec = e.cfg.Agent.TimeoutSec
	}

	artifactDir, err := e.makeArtifactDir(req)
	if err != nil {
		return nil, &errors.ExecError{Cause: fmt.Errorf("cannot create artifact dir: %w", err)}
	}

	if err := files.WriteFileSynced(filepath.Join(artifactDir, "prompt"), []byte(req.Prompt)); err != nil {
		return nil, &errors.ExecError{Cause: fmt.Errorf("cannot persist prompt: %w", err)}
	}

	timeout := time.Duration(req.TimeoutSec) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"--ask-for-approval", "never",
		"exec",
		"-s", req.Sandbox,
		"--skip-git-repo-check",
		"--cd", req.WorkspaceRoot,
	}
	if e.cfg.Agent.Model != "" {
		args = append(args, "-m", e.cfg.Agent.Model)
	}
	for _, c := range e.cfg.Agent.ExtraConfigs {
		args = append(args, "--config", c)
	}

	cmd := exec.CommandContext(runCtx, e.cfg.Agent.Binary, args...)
	cmd.Dir = req.WorkspaceRoot
	cmd.Stdin = strings.NewReader(req.Prompt)
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// terminate first, kill after the grace period
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.cfg.Agent.GracePeriod

	started := time.Now()
	runErr := cmd.Run()
	finished := time.Now()

	res := &Result{
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
		StartedAt:   started,
		FinishedAt:  finished,
		ArtifactDir: artifactDir,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	e.persistStreams(artifactDir, res)

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		e.logger.Warn("agent call timed out", "project", req.ProjectID, "stage", req.Stage, "scope", req.Scope, "timeout_sec", req.TimeoutSec)
		return res, &errors.TimeoutError{TimeoutSec: req.TimeoutSec, Stdout: res.Stdout, Stderr: res.Stderr}
	}
	if ctx.Err() != nil {
		return res, &errors.CancelError{Stage: req.Stage}
	}
	if runErr != nil {
		e.logger.Error("agent call failed", "project", req.ProjectID, "stage", req.Stage, "scope", req.Scope, "exit_code", res.ExitCode, "error", runErr)
		return res, &errors.ExecError{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr, Cause: runErr}
	}

	e.logger.Debug("agent call finished", "project", req.ProjectID, "stage", req.Stage, "scope", req.Scope, "duration", finished.Sub(started))
	return res, nil
}

// makeArtifactDir builds logs/<stage>_<project>_<ts>/<scope>/ with a sequence
// suffix keeping concurrent calls apart.
func (e *Executor) makeArtifactDir(req Request) (string, error) {
	ts := time.Now().UTC().Format("20060102T150405")
	seq := e.seq.Add(1)
	runDir := fmt.Sprintf("%s_%s_%s", req.Stage, sanitizePathComponent(req.ProjectID), ts)
	scope := req.Scope
	if scope == "" {
		scope = fmt.Sprintf("call_%d", seq)
	} else {
		scope = fmt.Sprintf("%s_%d", scope, seq)
	}
	dir := filepath.Join(e.logsHome, runDir, filepath.FromSlash(scope))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (e *Executor) persistStreams(dir string, res *Result) {
	if err := files.WriteFileSynced(filepath.Join(dir, "stdout"), []byte(res.Stdout)); err != nil {
		e.logger.Warn("cannot persist stdout", "dir", dir, "error", err)
	}
	if err := files.WriteFileSynced(filepath.Join(dir, "stderr"), []byte(res.Stderr)); err != nil {
		e.logger.Warn("cannot persist stderr", "dir", dir, "error", err)
	}
}

func sanitizePathComponent(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, s)
}
