package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/auditpipe/auditpipe/pkg/shared/config"
	"github.com/auditpipe/auditpipe/pkg/shared/errors"
)

const retryBackoff = 500 * time.Millisecond

// Store is the durable persistence layer for tasks and findings. The database
// row is the single source of truth across pipeline stages; no transaction is
// held across an agent call.
type Store struct {
	db     *sqlx.DB
	logger hclog.Logger
}

// NewStore opens the configured database and ensures the schema exists.
func NewStore(cfg *config.Config, logger hclog.Logger) (*Store, error) {
	db, err := sqlx.Connect(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, &errors.StoreError{Op: "connect", Cause: err}
	}
	// sqlite serializes writers; a single connection avoids busy errors
	// under concurrent goroutines.
	if cfg.Database.Driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, &errors.StoreError{Op: "migrate", Cause: err}
	}
	logger.Debug("store initialized", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry runs op once and retries a single time with backoff on failure,
// per the store error policy.
func (s *Store) withRetry(op string, f func() error) error {
	err := f()
	if err == nil {
		return nil
	}
	s.logger.Warn("store operation failed, retrying once", "op", op, "error", err)
	time.Sleep(retryBackoff)
	if err = f(); err != nil {
		return &errors.StoreError{Op: op, Cause: err}
	}
	return nil
}

const taskInsertSQL = `INSERT INTO project_task
	(uuid, project_id, name, content, rule, rule_key, result, contract_code,
	 start_line, end_line, relative_file_path, absolute_file_path,
	 recommendation, business_flow_code, scan_record, short_result, "group")
	VALUES
	(:uuid, :project_id, :name, :content, :rule, :rule_key, :result, :contract_code,
	 :start_line, :end_line, :relative_file_path, :absolute_file_path,
	 :recommendation, :business_flow_code, :scan_record, :short_result, :group)`

// InsertTask persists one task, assigning its uuid and surrogate id.
func (s *Store) InsertTask(ctx context.Context, task *Task) error {
	return s.withRetry("insert_task", func() error {
		if task.UUID == "" {
			task.UUID = uuid.NewString()
		}
		res, err := s.db.NamedExecContext(ctx, taskInsertSQL, task)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		task.ID = id
		return nil
	})
}

// BulkInsertTasks persists tasks atomically. Either all rows land or none.
func (s *Store) BulkInsertTasks(ctx context.Context, tasks []*Task) error {
	return s.withRetry("bulk_insert_tasks", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, task := range tasks {
			if task.UUID == "" {
				task.UUID = uuid.NewString()
			}
			res, err := tx.NamedExecContext(ctx, taskInsertSQL, task)
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			task.ID = id
		}
		return tx.Commit()
	})
}

// UpdateTaskResult writes the aggregated reasoning JSON for a task.
func (s *Store) UpdateTaskResult(ctx context.Context, taskID int64, resultJSON string) error {
	return s.withRetry("update_task_result", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE project_task SET result = ? WHERE id = ?`, resultJSON, taskID)
		return err
	})
}

// SetTaskShortResult writes the split marker for a task.
func (s *Store) SetTaskShortResult(ctx context.Context, taskID int64, value string) error {
	return s.withRetry("set_task_short_result", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE project_task SET short_result = ? WHERE id = ?`, value, taskID)
		return err
	})
}

// UpdateTaskScanRecord writes the reasoning trace for a task.
func (s *Store) UpdateTaskScanRecord(ctx context.Context, taskID int64, record string) error {
	return s.withRetry("update_task_scan_record", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE project_task SET scan_record = ? WHERE id = ?`, record, taskID)
		return err
	})
}

// ListTasks returns all tasks of a project in insertion order.
func (s *Store) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	var tasks []Task
	err := s.withRetry("list_tasks", func() error {
		tasks = tasks[:0]
		return s.db.SelectContext(ctx, &tasks,
			`SELECT * FROM project_task WHERE project_id = ? ORDER BY id`, projectID)
	})
	return tasks, err
}

// CountTasks returns the number of task rows for a project.
func (s *Store) CountTasks(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.withRetry("count_tasks", func() error {
		return s.db.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM project_task WHERE project_id = ?`, projectID)
	})
	return n, err
}

const findingInsertSQL = `INSERT INTO project_finding
	(uuid, project_id, task_id, task_uuid, rule_key, finding_json,
	 task_name, task_content, task_business_flow_code, task_contract_code,
	 task_start_line, task_end_line, task_relative_file_path,
	 task_absolute_file_path, task_rule, task_group,
	 dedup_status, validation_status, validation_record)
	VALUES
	(:uuid, :project_id, :task_id, :task_uuid, :rule_key, :finding_json,
	 :task_name, :task_content, :task_business_flow_code, :task_contract_code,
	 :task_start_line, :task_end_line, :task_relative_file_path,
	 :task_absolute_file_path, :task_rule, :task_group,
	 :dedup_status, :validation_status, :validation_record)`

// ReplaceTaskFindings atomically deletes all findings of a task and inserts
// the given ones. Running it in one transaction keeps the task→finding split
// idempotent: partial writes cannot survive a crash.
func (s *Store) ReplaceTaskFindings(ctx context.Context, taskID int64, findings []*Finding) error {
	return s.withRetry("replace_task_findings", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM project_finding WHERE task_id = ?`, taskID); err != nil {
			return err
		}
		for _, f := range findings {
			if f.UUID == "" {
				f.UUID = uuid.NewString()
			}
			res, err := tx.NamedExecContext(ctx, findingInsertSQL, f)
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			f.ID = id
		}
		return tx.Commit()
	})
}

// ListTaskFindings returns the findings of one task in insertion order.
func (s *Store) ListTaskFindings(ctx context.Context, taskID int64) ([]Finding, error) {
	var findings []Finding
	err := s.withRetry("list_task_findings", func() error {
		findings = findings[:0]
		return s.db.SelectContext(ctx, &findings,
			`SELECT * FROM project_finding WHERE task_id = ? ORDER BY id`, taskID)
	})
	return findings, err
}

// ListFindingsForValidation selects findings pending validation: not
// soft-deleted by dedup and with an empty or pending validation status.
func (s *Store) ListFindingsForValidation(ctx context.Context, projectID string) ([]Finding, error) {
	var findings []Finding
	err := s.withRetry("list_findings_for_validation", func() error {
		findings = findings[:0]
		return s.db.SelectContext(ctx, &findings,
			`SELECT * FROM project_finding
			 WHERE project_id = ?
			   AND COALESCE(dedup_status, '') != ?
			   AND COALESCE(validation_status, '') IN ('', ?)
			 ORDER BY id`, projectID, DedupDelete, ValidationPending)
	})
	return findings, err
}

// UpdateFindingValidation writes the validation outcome for one finding.
func (s *Store) UpdateFindingValidation(ctx context.Context, findingID int64, status, record string) error {
	if !AllowedValidationStatuses[status] {
		return &errors.StoreError{Op: "update_finding_validation", Cause: fmt.Errorf("status %q outside the validation enum", status)}
	}
	return s.withRetry("update_finding_validation", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE project_finding SET validation_status = ?, validation_record = ? WHERE id = ?`,
			status, record, findingID)
		return err
	})
}

// UpdateFindingDedupStatus marks a finding kept or deleted.
func (s *Store) UpdateFindingDedupStatus(ctx context.Context, findingID int64, status string) error {
	return s.withRetry("update_finding_dedup_status", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE project_finding SET dedup_status = ? WHERE id = ?`, status, findingID)
		return err
	})
}

// ListFindingsForExport returns all non-deleted findings of a project.
func (s *Store) ListFindingsForExport(ctx context.Context, projectID string) ([]Finding, error) {
	var findings []Finding
	err := s.withRetry("list_findings_for_export", func() error {
		findings = findings[:0]
		return s.db.SelectContext(ctx, &findings,
			`SELECT * FROM project_finding
			 WHERE project_id = ? AND COALESCE(dedup_status, '') != ?
			 ORDER BY id`, projectID, DedupDelete)
	})
	return findings, err
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	var task Task
	err := s.withRetry("get_task", func() error {
		err := s.db.GetContext(ctx, &task, `SELECT * FROM project_task WHERE id = ?`, taskID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("task %d not found", taskID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}
