package planning

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditpipe/auditpipe/internal/catalog"
	"github.com/auditpipe/auditpipe/internal/checklist"
	"github.com/auditpipe/auditpipe/internal/executor"
	"github.com/auditpipe/auditpipe/internal/store"
	"github.com/auditpipe/auditpipe/pkg/shared/config"
)

// scriptedAgent installs a fake agent that answers call N with the content of
// response file N, tracking the call count on disk.
func scriptedAgent(t *testing.T, responses []string) string {
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
	return path
}

func planningConfig(t *testing.T, agentBinary string, ruleKeys []string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Auditpipe.HomeFolder = t.TempDir()
	cfg.Auditpipe.LogsFolder = "logs"
	cfg.Agent.Binary = agentBinary
	cfg.Agent.TimeoutSec = 30
	cfg.Agent.GracePeriod = 200 * time.Millisecond
	cfg.Database.Driver = "sqlite3"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "plan.db")
	cfg.Planning.CoverageTarget = 0.9
	cfg.Planning.MaxRepairRounds = 3
	cfg.Planning.RuleKeys = ruleKeys
	cfg.Reasoning.MaxRounds = 3
	cfg.Reasoning.MaxParallel = 1
	cfg.Validation.MaxParallel = 1
	cfg.Validation.TimeoutSec = 30
	return cfg
}

func planningCatalog() *catalog.Catalog {
	return catalog.New([]catalog.FunctionEntry{
		{Container: "A", Name: "f", FilePath: "src/A.sol", StartLine: 1, EndLine: 5, Body: "function f() { enter(); }"},
		{Container: "A", Name: "g", FilePath: "src/A.sol", StartLine: 7, EndLine: 12, Body: "function g() { settle(); }"},
		{Container: "B", Name: "h", FilePath: "src/B.sol", StartLine: 3, EndLine: 9, Body: "function h() { claim(); }"},
	})
}

func TestPlanHappyPathWithCoverageRepair(t *testing.T) {
	p2JSON := `{"schema_version":"business_flow_planning_v1",
		"groups":[{"group_id":"G1","group_name":"core","functions":["A.f","A.g"]}],
		"flows":[{"flow_id":"F1","flow_name":"trade","group_ids":["G1"],"function_refs":["A.f","A.g"]}]}`
	p5JSON := `{"schema_version":"business_flow_planning_v1",
		"groups":[{"group_id":"G2","group_name":"claims","functions":["B.h"]}],
		"flows":[{"flow_id":"F2","flow_name":"claim","group_ids":["G2"],"function_refs":["B.h"]}]}`

	agent := scriptedAgent(t, []string{
		"G1 core: A.f, A.g\nF1 trade (groups: G1): A.f, A.g", // P0
		"+ nothing further",  // P1
		p2JSON,               // P2: coverage 2/3, below target
		"G2 claims: B.h\nF2 claim (groups: G2): B.h", // P3 on the uncovered batch
		"+ nothing further",  // P4
		p5JSON,               // P5 delta closes the gap
	})

	cfg := planningConfig(t, agent, []string{"k1", "k2", "k3"})
	st, err := store.NewStore(cfg, hclog.NewNullLogger())
	require.NoError(t, err)
	defer st.Close()

	lib, err := checklist.Load("", nil, hclog.NewNullLogger())
	require.NoError(t, err)

	cat := planningCatalog()
	engine := NewEngine(cfg, cat, executor.New(cfg, hclog.NewNullLogger()), st, lib, hclog.NewNullLogger(), "p1", t.TempDir())

	res, err := engine.Plan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.TasksPlanned)
	assert.InDelta(t, 1.0, res.Coverage, 0.001)
	assert.Equal(t, 1, res.RepairRounds)
	assert.False(t, res.Partial)

	tasks, err := st.ListTasks(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, tasks, 6)

	// one task per (flow × rule_key), grouped by flow
	byGroup := map[string]int{}
	for _, task := range tasks {
		byGroup[task.Group]++
	}
	assert.Equal(t, map[string]int{"F1": 3, "F2": 3}, byGroup)

	// the code bundle byte-equals the concatenated bodies in ref order
	for _, task := range tasks {
		switch task.Group {
		case "F1":
			assert.Equal(t, "function f() { enter(); }\n\nfunction g() { settle(); }", task.BusinessFlowCode)
			assert.Equal(t, "Fi:F1 trade ["+task.RuleKey+"]", task.Name)
		case "F2":
			assert.Equal(t, "function h() { claim(); }", task.BusinessFlowCode)
		}
		assert.Contains(t, task.Rule, `"planning_stage":"finalize"`)
	}
}

func TestPlanSkipsWhenTasksExist(t *testing.T) {
	cfg := planningConfig(t, "/nonexistent/agent", []string{"k1"})
	st, err := store.NewStore(cfg, hclog.NewNullLogger())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.InsertTask(context.Background(), &store.Task{ProjectID: "p1", Name: "existing", Group: "F1"}))

	lib, err := checklist.Load("", nil, hclog.NewNullLogger())
	require.NoError(t, err)
	engine := NewEngine(cfg, planningCatalog(), executor.New(cfg, hclog.NewNullLogger()), st, lib, hclog.NewNullLogger(), "p1", t.TempDir())

	// the agent binary does not exist; a non-resumed run would fail
	res, err := engine.Plan(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Zero(t, res.TasksPlanned)

	n, err := st.CountTasks(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPlanRetriesConvergenceOnceWithReminder(t *testing.T) {
	p2JSON := `{"schema_version":"business_flow_planning_v1",
		"groups":[{"group_id":"G1","group_name":"core","functions":["A.f","A.g","B.h"]}],
		"flows":[{"flow_id":"F1","flow_name":"trade","group_ids":["G1"],"function_refs":["A.f","A.g","B.h"]}]}`

	agent := scriptedAgent(t, []string{
		"P0 output",       // P0
		"P1 output",       // P1
		"this is not json", // P2 first attempt fails
		p2JSON,            // P2 retry with the strict reminder succeeds
	})

	cfg := planningConfig(t, agent, []string{"k1"})
	st, err := store.NewStore(cfg, hclog.NewNullLogger())
	require.NoError(t, err)
	defer st.Close()

	lib, err := checklist.Load("", nil, hclog.NewNullLogger())
	require.NoError(t, err)
	engine := NewEngine(cfg, planningCatalog(), executor.New(cfg, hclog.NewNullLogger()), st, lib, hclog.NewNullLogger(), "p1", t.TempDir())

	res, err := engine.Plan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.TasksPlanned)
	assert.InDelta(t, 1.0, res.Coverage, 0.001)
}

func TestJoinBodies(t *testing.T) {
	entries := []catalog.FunctionEntry{
		{Body: "function a() {}"},
		{Body: "function b() {}"},
	}
	assert.Equal(t, "function a() {}\n\nfunction b() {}", JoinBodies(entries))
	assert.Equal(t, "", JoinBodies(nil))
}
