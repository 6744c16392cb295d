package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditpipe/auditpipe/pkg/shared/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite3"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "test.db")

	s, err := NewStore(cfg, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTask(projectID, name, group string) *Task {
	return &Task{
		ProjectID:        projectID,
		Name:             name,
		RuleKey:          "generic",
		BusinessFlowCode: "function f() {}",
		Group:            group,
	}
}

func TestInsertAndListTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("p1", "Fi:F1 trade [generic]", "F1")
	require.NoError(t, s.InsertTask(ctx, task))
	assert.NotZero(t, task.ID)
	assert.NotEmpty(t, task.UUID)

	tasks, err := s.ListTasks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.UUID, tasks[0].UUID)
	assert.Equal(t, "F1", tasks[0].Group)

	n, err := s.CountTasks(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountTasks(ctx, "other")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBulkInsertTasksPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tasks := []*Task{
		newTask("p1", "Fi:F1 trade [k1]", "F1"),
		newTask("p1", "Fi:F1 trade [k2]", "F1"),
		newTask("p1", "Fi:F2 claim [k1]", "F2"),
	}
	require.NoError(t, s.BulkInsertTasks(ctx, tasks))

	listed, err := s.ListTasks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i := range listed {
		assert.Equal(t, tasks[i].Name, listed[i].Name)
	}
}

func TestTaskMutations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("p1", "Fi:F1 trade [generic]", "F1")
	require.NoError(t, s.InsertTask(ctx, task))

	require.NoError(t, s.UpdateTaskResult(ctx, task.ID, `{"schema_version":"1.0","vulnerabilities":[]}`))
	require.NoError(t, s.SetTaskShortResult(ctx, task.ID, SplitDone))
	require.NoError(t, s.UpdateTaskScanRecord(ctx, task.ID, `{"schema_version":"reasoning_trace_v1"}`))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, SplitDone, got.ShortResult)
	assert.Contains(t, got.Result, "vulnerabilities")
	assert.Contains(t, got.ScanRecord, "reasoning_trace_v1")
}

func makeFinding(task *Task, desc string) *Finding {
	return &Finding{
		ProjectID:        task.ProjectID,
		TaskID:           task.ID,
		TaskUUID:         task.UUID,
		RuleKey:          task.RuleKey,
		FindingJSON:      `{"schema_version":"1.0","vulnerabilities":[{"description":"` + desc + `"}]}`,
		TaskName:         task.Name,
		DedupStatus:      DedupKept,
		ValidationStatus: ValidationPending,
	}
}

func TestReplaceTaskFindingsIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("p1", "Fi:F1 trade [generic]", "F1")
	require.NoError(t, s.InsertTask(ctx, task))

	first := []*Finding{makeFinding(task, "D1"), makeFinding(task, "D2")}
	require.NoError(t, s.ReplaceTaskFindings(ctx, task.ID, first))

	// re-running the split replaces the rows with an identical set
	second := []*Finding{makeFinding(task, "D1"), makeFinding(task, "D2")}
	require.NoError(t, s.ReplaceTaskFindings(ctx, task.ID, second))

	findings, err := s.ListTaskFindings(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Contains(t, findings[0].FindingJSON, "D1")
	assert.Contains(t, findings[1].FindingJSON, "D2")

	// a zero-vulnerability split deletes everything
	require.NoError(t, s.ReplaceTaskFindings(ctx, task.ID, nil))
	findings, err = s.ListTaskFindings(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestListFindingsForValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("p1", "Fi:F1 trade [generic]", "F1")
	require.NoError(t, s.InsertTask(ctx, task))

	pending := makeFinding(task, "D1")
	empty := makeFinding(task, "D2")
	empty.ValidationStatus = ""
	deleted := makeFinding(task, "D3")
	deleted.DedupStatus = DedupDelete
	final := makeFinding(task, "D4")
	final.ValidationStatus = ValidationFalsePositive

	require.NoError(t, s.ReplaceTaskFindings(ctx, task.ID, []*Finding{pending, empty, deleted, final}))

	selected, err := s.ListFindingsForValidation(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, selected, 2)
	assert.Contains(t, selected[0].FindingJSON, "D1")
	assert.Contains(t, selected[1].FindingJSON, "D2")
}

func TestUpdateFindingValidationRejectsUnknownStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("p1", "Fi:F1 trade [generic]", "F1")
	require.NoError(t, s.InsertTask(ctx, task))
	require.NoError(t, s.ReplaceTaskFindings(ctx, task.ID, []*Finding{makeFinding(task, "D1")}))

	findings, err := s.ListTaskFindings(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	assert.Error(t, s.UpdateFindingValidation(ctx, findings[0].ID, "maybe", "{}"))
	require.NoError(t, s.UpdateFindingValidation(ctx, findings[0].ID, ValidationIntendedDesign, `{"schema_version":"validation_codex_v1"}`))

	selected, err := s.ListFindingsForValidation(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, selected)
}

func TestListFindingsForExportSkipsDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("p1", "Fi:F1 trade [generic]", "F1")
	require.NoError(t, s.InsertTask(ctx, task))

	kept := makeFinding(task, "D1")
	deleted := makeFinding(task, "D2")
	deleted.DedupStatus = DedupDelete
	require.NoError(t, s.ReplaceTaskFindings(ctx, task.ID, []*Finding{kept, deleted}))

	findings, err := s.ListFindingsForExport(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0].FindingJSON, "D1")
}
