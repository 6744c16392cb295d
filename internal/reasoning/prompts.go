package reasoning

import (
	"fmt"
	"strings"
)

// ReasoningSchemaVersion is the strict output schema of the reasoner role.
const ReasoningSchemaVersion = "1.0"

// TraceSchemaVersion identifies the scan_record layout.
const TraceSchemaVersion = "reasoning_trace_v1"

// reasonerPrompt builds the per-round vulnerability mining prompt. The
// reasoner keeps a neutral auditing stance; zero findings is a legal output.
func reasonerPrompt(businessFlowCode, ruleKey, ruleJSON, watcherInstruction string) string {
	var b strings.Builder
	b.WriteString(`You are a smart-contract security auditor examining one business flow. Keep a
neutral stance: report only vulnerabilities you can support with concrete
evidence from the code, and report none if none exist.

Every vulnerability description must embed:
- the trigger conditions,
- the impact,
- concrete evidence locators (function, file, key statement),
- a rebuttal of the most plausible false-positive interpretation.

Output EXACTLY one JSON object, no other text:
{"schema_version":"1.0","vulnerabilities":[{"description":"..."}]}
The vulnerabilities array may be empty.

`)
	fmt.Fprintf(&b, "Checklist category: %s\nChecklist and flow context (JSON):\n%s\n\n", ruleKey, ruleJSON)
	if watcherInstruction != "" {
		fmt.Fprintf(&b, "Focus instruction for this round:\n%s\n\n", watcherInstruction)
	}
	b.WriteString("Business flow code:\n")
	b.WriteString(businessFlowCode)
	return b.String()
}

// watcherPrompt builds the budget-and-direction evaluation prompt. The
// decision table mirrors the loop's hard rules so that the watcher's answer
// and the local enforcement agree.
func watcherPrompt(taskName string, trace string, roundsLeft, noProgressRounds, newFindings int, lastInstruction string) string {
	return fmt.Sprintf(`You are the watcher of a bounded vulnerability-mining loop. Evaluate progress
and decide how to proceed.

Task: %s
Remaining rounds: %d
Consecutive rounds without new findings: %d
New non-duplicate findings this round: %d
Last instruction issued: %q

Rolling trace (JSON):
%s

Decision rules:
- "continue" when the last round produced new non-duplicate findings and
  remaining rounds > 0.
- "pivot" when two consecutive rounds produced zero new findings, or when
  instructions repeat.
- "stop" when the budget is exhausted, or no pending hypotheses remain and no
  new findings appeared.

Output EXACTLY one JSON object:
{"decision":"continue|pivot|stop","reason":"...","budget_next":{"max_more_rounds":N,"time_limit_sec":N,"no_progress_rounds":N},"watcher_instruction":"..."}`,
		taskName, roundsLeft, noProgressRounds, newFindings, lastInstruction, trace)
}

// watcherInitPrompt asks for the opening budget and the first instruction.
func watcherInitPrompt(taskName, ruleKey string, maxRounds int) string {
	return fmt.Sprintf(`You are the watcher of a bounded vulnerability-mining loop that is about to
start. Initialize the budget and issue the first focus instruction for the
reasoner.

Task: %s
Checklist category: %s
Hard cap on rounds: %d

Output EXACTLY one JSON object:
{"decision":"continue","reason":"init","budget_next":{"max_more_rounds":N,"time_limit_sec":N,"no_progress_rounds":0},"watcher_instruction":"..."}`,
		taskName, ruleKey, maxRounds)
}

// ideatorPrompt builds the pivot-time hypothesis generation prompt. Every
// suggested item must be executable: a concrete keyword, file or variable.
func ideatorPrompt(decisionReason, lastInstruction string, confirmed, refuted, pending []string) string {
	joinOr := func(items []string) string {
		if len(items) == 0 {
			return "(none)"
		}
		return strings.Join(items, "\n")
	}
	return fmt.Sprintf(`You are the ideator of a vulnerability-mining loop that has stalled. Produce
fresh, concrete attack hypotheses and probes. Every item must be directly
executable: name a concrete keyword to search, a file to open or a variable to
trace. No generic advice.

Watcher decision reason: %s
Last instruction: %q

Confirmed hypotheses:
%s

Refuted hypotheses:
%s

Pending hypotheses:
%s

Output EXACTLY one JSON object:
{"new_hypotheses":["..."],"suggested_probes":["..."],"expected_evidence":["..."]}`,
		decisionReason, lastInstruction, joinOr(confirmed), joinOr(refuted), joinOr(pending))
}
