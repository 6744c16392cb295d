package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditpipe/auditpipe/internal/checklist"
	"github.com/auditpipe/auditpipe/internal/executor"
	"github.com/auditpipe/auditpipe/internal/store"
	"github.com/auditpipe/auditpipe/internal/workspace"
	"github.com/auditpipe/auditpipe/pkg/shared/config"
)

// scriptedAgent installs a fake agent answering call N with response file N.
func scriptedAgent(t *testing.T, responses []string) (string, func() int) {
	t.Helper()
	dir := t.TempDir()
	for i, response := range responses {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("response%d", i+1)), []byte(response), 0o644))
	}
	script := `#!/bin/sh
dir="$(dirname "$0")"
cat > /dev/null
n=$(cat "$dir/count" 2>/dev/null || echo 0)
n=$((n+1))
echo "$n" > "$dir/count"
cat "$dir/response$n"
`
	path := filepath.Join(dir, "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	callCount := func() int {
		raw, err := os.ReadFile(filepath.Join(dir, "count"))
		if err != nil {
			return 0
		}
		n, _ := strconv.Atoi(strings.TrimSpace(string(raw)))
		return n
	}
	return path, callCount
}

func driverConfig(t *testing.T, agentBinary string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Auditpipe.HomeFolder = t.TempDir()
	cfg.Auditpipe.LogsFolder = "logs"
	cfg.Agent.Binary = agentBinary
	cfg.Agent.TimeoutSec = 30
	cfg.Agent.GracePeriod = 200 * time.Millisecond
	cfg.Database.Driver = "sqlite3"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "pipeline.db")
	cfg.Planning.CoverageTarget = 0.9
	cfg.Planning.MaxRepairRounds = 1
	cfg.Planning.RuleKeys = []string{"generic"}
	cfg.Reasoning.MaxRounds = 3
	cfg.Reasoning.MaxParallel = 1
	cfg.Validation.MaxParallel = 1
	cfg.Validation.TimeoutSec = 30
	return cfg
}

// setupDataset builds a dataset base with one valid project carrying a
// tree-sitter extraction document and one project escaping the base.
func setupDataset(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	projectDir := filepath.Join(base, "good")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))

	functions := `{"functions":[{"container":"A","name":"f","file_path":"src/A.sol","start_line":1,"end_line":5,"body":"function f() { enter(); }"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "functions.json"), []byte(functions), 0o644))

	manifest := map[string]workspace.ManifestEntry{
		"good":   {Path: "good"},
		"escape": {Path: "../../../etc"},
	}
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(base, workspace.ManifestFileName), raw, 0o644))
	return base
}

func TestDriverPlanStageSkipsEscapingProject(t *testing.T) {
	p2JSON := `{"schema_version":"business_flow_planning_v1",
		"groups":[{"group_id":"G1","group_name":"core","functions":["A.f"]}],
		"flows":[{"flow_id":"F1","flow_name":"trade","group_ids":["G1"],"function_refs":["A.f"]}]}`
	agent, callCount := scriptedAgent(t, []string{"P0 output", "P1 output", p2JSON})

	cfg := driverConfig(t, agent)
	st, err := store.NewStore(cfg, hclog.NewNullLogger())
	require.NoError(t, err)
	defer st.Close()

	base := setupDataset(t)
	resolver, err := workspace.NewResolver(base, hclog.NewNullLogger())
	require.NoError(t, err)
	lib, err := checklist.Load("", nil, hclog.NewNullLogger())
	require.NoError(t, err)

	driver := NewDriver(cfg, st, executor.New(cfg, hclog.NewNullLogger()), resolver, lib, hclog.NewNullLogger(), 2)
	counts, err := driver.Run(context.Background(), []string{"good", "escape"}, StagePlan)
	require.NoError(t, err)

	// the valid project planned its task, the escaping one was skipped
	assert.Equal(t, 1, counts.Planned)
	assert.Equal(t, 1, counts.Errors)
	// no agent call happened on behalf of the rejected workspace
	assert.Equal(t, 3, callCount())

	n, err := st.CountTasks(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = st.CountTasks(context.Background(), "escape")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDriverAllWorkspacesRejected(t *testing.T) {
	cfg := driverConfig(t, "/nonexistent/agent")
	st, err := store.NewStore(cfg, hclog.NewNullLogger())
	require.NoError(t, err)
	defer st.Close()

	base := setupDataset(t)
	resolver, err := workspace.NewResolver(base, hclog.NewNullLogger())
	require.NoError(t, err)
	lib, err := checklist.Load("", nil, hclog.NewNullLogger())
	require.NoError(t, err)

	driver := NewDriver(cfg, st, executor.New(cfg, hclog.NewNullLogger()), resolver, lib, hclog.NewNullLogger(), 1)
	_, err = driver.Run(context.Background(), []string{"escape"}, StagePlan)
	assert.Error(t, err)
}

func TestValidStage(t *testing.T) {
	assert.True(t, ValidStage(StagePlan))
	assert.True(t, ValidStage(StageReason))
	assert.True(t, ValidStage(StageValidate))
	assert.True(t, ValidStage(StageAll))
	assert.False(t, ValidStage("export"))
	assert.False(t, ValidStage(""))
}

func TestCountsMap(t *testing.T) {
	c := &Counts{}
	c.add(2, 3, 4, 1)
	assert.Equal(t, map[string]int{"planned": 2, "reasoned": 3, "validated": 4, "errors": 1}, c.Map())
}
