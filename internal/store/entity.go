package store

// Task is one unit of reasoning work: one (flow × rule_key) bound to the
// concatenated function bodies. Rows are created by planning and mutated only
// by the reasoning loop.
type Task struct {
	ID               int64  `db:"id"`
	UUID             string `db:"uuid"`
	ProjectID        string `db:"project_id"`
	Name             string `db:"name"`
	Content          string `db:"content"`
	Rule             string `db:"rule"`
	RuleKey          string `db:"rule_key"`
	Result           string `db:"result"`
	ContractCode     string `db:"contract_code"`
	StartLine        string `db:"start_line"`
	EndLine          string `db:"end_line"`
	RelativeFilePath string `db:"relative_file_path"`
	AbsoluteFilePath string `db:"absolute_file_path"`
	Recommendation   string `db:"recommendation"`
	BusinessFlowCode string `db:"business_flow_code"`
	ScanRecord       string `db:"scan_record"`
	ShortResult      string `db:"short_result"`
	Group            string `db:"group"`
}

// Task short_result states.
const (
	SplitDone   = "split_done"
	SplitFailed = "split_failed"
)

// Finding is a single-vulnerability record split out of a task result. The
// task snapshot columns make the row self-contained for dedup, validation and
// export; the task remains the lineage anchor via TaskID.
type Finding struct {
	ID                   int64  `db:"id"`
	UUID                 string `db:"uuid"`
	ProjectID            string `db:"project_id"`
	TaskID               int64  `db:"task_id"`
	TaskUUID             string `db:"task_uuid"`
	RuleKey              string `db:"rule_key"`
	FindingJSON          string `db:"finding_json"`
	TaskName             string `db:"task_name"`
	TaskContent          string `db:"task_content"`
	TaskBusinessFlowCode string `db:"task_business_flow_code"`
	TaskContractCode     string `db:"task_contract_code"`
	TaskStartLine        string `db:"task_start_line"`
	TaskEndLine          string `db:"task_end_line"`
	TaskRelativeFilePath string `db:"task_relative_file_path"`
	TaskAbsoluteFilePath string `db:"task_absolute_file_path"`
	TaskRule             string `db:"task_rule"`
	TaskGroup            string `db:"task_group"`
	DedupStatus          string `db:"dedup_status"`
	ValidationStatus     string `db:"validation_status"`
	ValidationRecord     string `db:"validation_record"`
}

// Dedup states. Empty and kept are equivalent "not deleted" for all queries.
const (
	DedupKept   = "kept"
	DedupDelete = "delete"
)

// Validation states form a closed enum; only these values ever reach the
// validation_status column.
const (
	ValidationPending        = "pending"
	ValidationIntendedDesign = "intended_design"
	ValidationFalsePositive  = "false_positive"
	ValidationVulnerability  = "vulnerability"
	ValidationVulnHighCost   = "vuln_high_cost"
	ValidationVulnLowImpact  = "vuln_low_impact"
	ValidationNotSure        = "not_sure"
	ValidationError          = "error"
)

// AllowedValidationStatuses is the closed set accepted from the validation agent.
var AllowedValidationStatuses = map[string]bool{
	ValidationPending:        true,
	ValidationIntendedDesign: true,
	ValidationFalsePositive:  true,
	ValidationVulnerability:  true,
	ValidationVulnHighCost:   true,
	ValidationVulnLowImpact:  true,
	ValidationNotSure:        true,
	ValidationError:          true,
}
