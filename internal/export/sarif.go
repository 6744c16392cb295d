package export

import (
	"encoding/json"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"github.com/owenrumney/go-sarif/v2/sarif"

	"github.com/auditpipe/auditpipe/internal/store"
)

const (
	toolName = "auditpipe"
	toolURI  = "https://github.com/auditpipe/auditpipe"
)

// WriteSarifReport renders the given findings into a SARIF 2.1.0 report at
// outputPath. It does not filter by dedup status; every finding passed in
// becomes one result. The finding rows are self-contained, so no task data is
// needed.
func WriteSarifReport(findings []store.Finding, outputPath string, logger hclog.Logger) error {
	report, err := sarif.New(sarif.Version210)
	if err != nil {
		return err
	}

	run := sarif.NewRunWithInformationURI(toolName, toolURI)
	seenRules := map[string]bool{}

	for _, f := range findings {
		if !seenRules[f.RuleKey] {
			run.AddRule(f.RuleKey).
				WithDescription("auditpipe checklist category " + f.RuleKey)
			seenRules[f.RuleKey] = true
		}

		result := run.CreateResultForRule(f.RuleKey).
			WithLevel(sarifLevel(f.ValidationStatus)).
			WithMessage(sarif.NewTextMessage(findingMessage(f)))

		if f.TaskRelativeFilePath != "" {
			start, startErr := strconv.Atoi(f.TaskStartLine)
			end, endErr := strconv.Atoi(f.TaskEndLine)
			if startErr != nil {
				start = 1
			}
			if endErr != nil {
				end = start
			}
			result.AddLocation(
				sarif.NewLocationWithPhysicalLocation(
					sarif.NewPhysicalLocation().
						WithArtifactLocation(sarif.NewSimpleArtifactLocation(f.TaskRelativeFilePath)).
						WithRegion(sarif.NewSimpleRegion(start, end)),
				),
			)
		}

		props := sarif.NewPropertyBag()
		props.Add("finding_uuid", f.UUID)
		props.Add("task_uuid", f.TaskUUID)
		props.Add("validation_status", f.ValidationStatus)
		result.AttachPropertyBag(props)
	}

	report.AddRun(run)
	if err := report.WriteFile(outputPath); err != nil {
		return err
	}
	logger.Info("SARIF report written", "path", outputPath, "results", len(findings))
	return nil
}

// findingMessage extracts the single vulnerability description from the
// finding JSON, falling back to the raw payload when unparseable.
func findingMessage(f store.Finding) string {
	var doc struct {
		Vulnerabilities []struct {
			Description string `json:"description"`
		} `json:"vulnerabilities"`
	}
	if err := json.Unmarshal([]byte(f.FindingJSON), &doc); err == nil && len(doc.Vulnerabilities) == 1 {
		return doc.Vulnerabilities[0].Description
	}
	return f.FindingJSON
}

// sarifLevel maps validation outcomes onto SARIF levels. Unvalidated and
// uncertain findings surface as notes.
func sarifLevel(validationStatus string) string {
	switch validationStatus {
	case store.ValidationVulnerability, store.ValidationVulnHighCost:
		return "error"
	case store.ValidationVulnLowImpact:
		return "warning"
	default:
		return "note"
	}
}
