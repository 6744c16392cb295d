package validating

import (
	"fmt"
	"strings"
)

// RecordSchemaVersion identifies the validation_record layout.
const RecordSchemaVersion = "validation_codex_v1"

// validationPrompt builds the strict JSON-only re-check prompt for one
// finding. The agent searches the workspace for evidence confirming or
// refuting the claim before answering.
func validationPrompt(findingJSON, ruleKey, hintFile, hintFunction string) string {
	var b strings.Builder
	b.WriteString(`You are re-validating one previously mined smart-contract vulnerability
candidate against the repository you have access to. Search the code for
concrete evidence before deciding; do not rely on the claim text alone.

Candidate finding (JSON):
`)
	b.WriteString(findingJSON)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Checklist category: %s\n", ruleKey)
	if hintFile != "" {
		fmt.Fprintf(&b, "Hint, likely file: %s\n", hintFile)
	}
	if hintFunction != "" {
		fmt.Fprintf(&b, "Hint, likely function: %s\n", hintFunction)
	}
	b.WriteString(`
Output EXACTLY one JSON object, no other text:
{
  "schema_version": "validation_codex_v1",
  "status": "pending|intended_design|false_positive|vulnerability|vuln_high_cost|vuln_low_impact|not_sure",
  "confidence": "high|medium|low",
  "exists": true,
  "classification": "string",
  "impact": "high|medium|low|unknown",
  "exploit_difficulty": "easy|medium|hard|unknown",
  "reason": "string",
  "evidence": [{"file":"string","locator":"string","snippet":"string","why":"string"}],
  "doc_references": [],
  "attack_preconditions": [],
  "attack_path": "string",
  "mitigation": "string",
  "unknowns": []
}`)
	return b.String()
}
