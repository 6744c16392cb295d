package store

// schemaSQL is the single source of truth for the task and finding tables.
// "group" is quoted everywhere since it is a reserved word in SQL.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS project_task (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT UNIQUE,
	project_id TEXT,
	name TEXT,
	content TEXT DEFAULT '',
	rule TEXT DEFAULT '',
	rule_key TEXT DEFAULT '',
	result TEXT DEFAULT '',
	contract_code TEXT DEFAULT '',
	start_line TEXT DEFAULT '',
	end_line TEXT DEFAULT '',
	relative_file_path TEXT DEFAULT '',
	absolute_file_path TEXT DEFAULT '',
	recommendation TEXT DEFAULT '',
	business_flow_code TEXT DEFAULT '',
	scan_record TEXT DEFAULT '',
	short_result TEXT DEFAULT '',
	"group" TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_project_task_project_id ON project_task(project_id);
CREATE INDEX IF NOT EXISTS idx_project_task_group ON project_task("group");

CREATE TABLE IF NOT EXISTS project_finding (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT UNIQUE,
	project_id TEXT,
	task_id INTEGER,
	task_uuid TEXT,
	rule_key TEXT DEFAULT '',
	finding_json TEXT DEFAULT '',
	task_name TEXT DEFAULT '',
	task_content TEXT DEFAULT '',
	task_business_flow_code TEXT DEFAULT '',
	task_contract_code TEXT DEFAULT '',
	task_start_line TEXT DEFAULT '',
	task_end_line TEXT DEFAULT '',
	task_relative_file_path TEXT DEFAULT '',
	task_absolute_file_path TEXT DEFAULT '',
	task_rule TEXT DEFAULT '',
	task_group TEXT DEFAULT '',
	dedup_status TEXT DEFAULT '',
	validation_status TEXT DEFAULT '',
	validation_record TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_project_finding_project_id ON project_finding(project_id);
CREATE INDEX IF NOT EXISTS idx_project_finding_task_id ON project_finding(task_id);
CREATE INDEX IF NOT EXISTS idx_project_finding_validation_status ON project_finding(validation_status);
`
