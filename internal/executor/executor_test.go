package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditpipe/auditpipe/pkg/shared/config"
	"github.com/auditpipe/auditpipe/pkg/shared/errors"
)

// writeAgentScript installs a fake agent binary for the test.
func writeAgentScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func testConfig(t *testing.T, binary string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Auditpipe.HomeFolder = t.TempDir()
	cfg.Auditpipe.LogsFolder = "logs"
	cfg.Agent.Binary = binary
	cfg.Agent.TimeoutSec = 30
	cfg.Agent.GracePeriod = 200 * time.Millisecond
	return cfg
}

func TestRunCapturesStreamsAndArtifacts(t *testing.T) {
	script := writeAgentScript(t, `cat > /dev/null
echo "agent answer"
echo "diagnostics" 1>&2`)
	workspace := t.TempDir()
	cfg := testConfig(t, script)
	e := New(cfg, hclog.NewNullLogger())

	res, err := e.Run(context.Background(), Request{
		ProjectID:     "p1",
		Stage:         "plan",
		Scope:         "p0",
		WorkspaceRoot: workspace,
		Prompt:        "list the business flows",
	})
	require.NoError(t, err)
	assert.Equal(t, "agent answer\n", res.Stdout)
	assert.Equal(t, "diagnostics\n", res.Stderr)
	assert.Zero(t, res.ExitCode)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	prompt, readErr := os.ReadFile(filepath.Join(res.ArtifactDir, "prompt"))
	require.NoError(t, readErr)
	assert.Equal(t, "list the business flows", string(prompt))

	stdout, readErr := os.ReadFile(filepath.Join(res.ArtifactDir, "stdout"))
	require.NoError(t, readErr)
	assert.Equal(t, res.Stdout, string(stdout))

	rel, relErr := filepath.Rel(config.GetLogsHome(cfg), res.ArtifactDir)
	require.NoError(t, relErr)
	assert.Contains(t, rel, "plan_p1_")
}

func TestRunNonZeroExit(t *testing.T) {
	script := writeAgentScript(t, `cat > /dev/null
echo "partial output"
exit 3`)
	cfg := testConfig(t, script)
	e := New(cfg, hclog.NewNullLogger())

	res, err := e.Run(context.Background(), Request{
		ProjectID:     "p1",
		Stage:         "reason",
		WorkspaceRoot: t.TempDir(),
		Prompt:        "prompt",
	})
	require.Error(t, err)

	var execErr *errors.ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Equal(t, "partial output\n", execErr.Stdout)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunTimeoutReapsSubprocess(t *testing.T) {
	script := writeAgentScript(t, `cat > /dev/null
echo "before sleeping"
exec sleep 30`)
	cfg := testConfig(t, script)
	e := New(cfg, hclog.NewNullLogger())

	started := time.Now()
	res, err := e.Run(context.Background(), Request{
		ProjectID:     "p1",
		Stage:         "validate",
		WorkspaceRoot: t.TempDir(),
		Prompt:        "prompt",
		TimeoutSec:    1,
	})
	elapsed := time.Since(started)

	var timeoutErr *errors.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 1, timeoutErr.TimeoutSec)
	// partial capture survives the kill
	assert.Contains(t, timeoutErr.Stdout, "before sleeping")
	assert.Contains(t, res.Stdout, "before sleeping")
	// Run only returns once the subprocess is reaped
	assert.Less(t, elapsed, 5*time.Second)
}

func TestRunCancelled(t *testing.T) {
	script := writeAgentScript(t, `cat > /dev/null`)
	cfg := testConfig(t, script)
	e := New(cfg, hclog.NewNullLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, Request{
		ProjectID:     "p1",
		Stage:         "reason",
		WorkspaceRoot: t.TempDir(),
		Prompt:        "prompt",
	})
	var cancelErr *errors.CancelError
	require.ErrorAs(t, err, &cancelErr)
}

func TestRepeatedCallsGetDistinctArtifactDirs(t *testing.T) {
	script := writeAgentScript(t, `cat > /dev/null
echo ok`)
	cfg := testConfig(t, script)
	e := New(cfg, hclog.NewNullLogger())

	req := Request{
		ProjectID:     "p1",
		Stage:         "plan",
		Scope:         "p0",
		WorkspaceRoot: t.TempDir(),
		Prompt:        "prompt",
	}
	a, err := e.Run(context.Background(), req)
	require.NoError(t, err)
	b, err := e.Run(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, a.ArtifactDir, b.ArtifactDir)
}
