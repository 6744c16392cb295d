package planning

import (
	"fmt"
	"strings"
)

// SchemaVersion of the converged planning document.
const SchemaVersion = "business_flow_planning_v1"

const catalogRules = `Function naming rules:
- Use Container.name for every reference (for example Vault.withdraw).
- Overloads must carry the parameter type signature: Container.name(type1,type2).
- constructor/receive/fallback are written Container.constructor / Container.receive / Container.fallback.
- Every reference MUST be drawn verbatim from the catalog below. Do not invent
  external interfaces, bare function names, constants, state variables or events.`

// p0Initial is the first extraction round: groups (Gi), flows (Fi) and a
// completeness checklist, with stable iterable IDs.
func p0Initial(identities []string) string {
	var b strings.Builder
	b.WriteString(`You are a business-flow extraction assistant. Based on the repository you
have access to, extract the business flows and business-flow groups of this
project, referencing functions as comma-separated "Container.name" lists.
Different flows may live in the same file; one function may belong to several
groups.

Output must be iterable:
- Give every group a stable ID: G1, G2, ...
- Give every flow a stable ID: F1, F2, ...
- Later rounds must reference these IDs; never reorder already assigned IDs.

`)
	b.WriteString(catalogRules)
	b.WriteString(`

First round output:
1) Groups, one line per group:
   Gi group-name: ContainerA.func1, ContainerA.func2, ContainerB.func3 ...
   Include external entry points, shared internal pipeline functions and
   cross-contract dependency points.
2) Flows, one line per flow:
   Fi flow-name (groups: Gx,...): ContainerA.func1, ContainerB.func2 ...
   A flow crossing several contracts must list all of them on the same line.
3) Completeness self-check: a checklist over create/update, start/stop,
   single/batch, deposits/withdrawals, verification (signature/merkle/access),
   time windows, caps, indexing/pagination, events, upgrade/initialization,
   cross-chain assumptions. Mark every uncovered item "needs a second pass".

Available function catalog (use these names verbatim):
`)
	for _, id := range identities {
		b.WriteString(id)
		b.WriteString("\n")
	}
	return b.String()
}

// p1Incremental asks for additions and corrections only, preserving all
// previously assigned IDs.
func p1Incremental(previousOutput string) string {
	return fmt.Sprintf(`Based on your previous Gi/Fi output, perform an incremental completion pass.
Output only added or corrected lines, never repeat lines that are already
complete.

1) Prioritize the highest-risk gaps: access control and governance
   (set*/role/upgrade), whitelists, signature and merkle management, time
   windows and caps, indexing and query flows, refunds and fee routing,
   events, cross-chain assumptions.

2) Output format (must reference existing IDs; additions with +, corrections with ~):
- + Gi group-name: Container.func, Container.func ...
- ~ Fi flow-name (groups: Gx,...): Container.func, Container.func ...

3) If a function belongs to more Gi/Fi than currently recorded, correct the
   affected line with ~ and change only that line.

4) Finish with the completeness checklist, marking what is still uncovered.

====================
Previous round output:
%s`, previousOutput)
}

// p2FinalJSON converges the free-form rounds into one strict JSON document.
func p2FinalJSON(p0Output, p1Delta string) string {
	return fmt.Sprintf(`Produce the final full list of business flows as a single strict JSON object
so it can be parsed and persisted. Output ONLY the JSON object, no other text.

Input 1, first round (P0):
%s

Input 2, incremental pass (P1, only +/~ lines):
%s

Required output shape:
{
  "schema_version": "%s",
  "groups": [{"group_id":"G1","group_name":"string","functions":["Container.func"]}],
  "flows": [
    {
      "flow_id": "F1",
      "flow_name": "string",
      "group_ids": ["G1"],
      "function_refs": ["Container.func", "Container._internal", "Other.dep"]
    }
  ]
}`, p0Output, p1Delta, SchemaVersion)
}

// strictReminder is appended when a convergence round returned unparseable output.
const strictReminder = `

REMINDER: the previous attempt was not valid JSON. Respond with EXACTLY one
JSON object matching the required shape. No markdown fences, no commentary.`

// p3RepairBatch asks for new groups and flows covering only functions from
// the uncovered batch. Modifications to existing flows are emitted only when
// rewrite is enabled.
func p3RepairBatch(batch []string, maxGroupID, maxFlowID int, allowRewrite bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, `The following catalog functions are not yet covered by any business flow.
Create NEW groups and flows that cover them. Use only functions from this
batch. Prefer coarser flows: fewer flows, each covering more functions.

ID discipline: already assigned IDs run up to G%d and F%d. New groups start at
G%d, new flows at F%d, strictly increasing, never reuse or reorder existing IDs.
`, maxGroupID, maxFlowID, maxGroupID+1, maxFlowID+1)
	if allowRewrite {
		b.WriteString("You may also emit ~ corrections to existing flows when a batch function\nclearly belongs to one.\n")
	} else {
		b.WriteString("Do not modify existing flows; only add new ones.\n")
	}
	b.WriteString("\n")
	b.WriteString(catalogRules)
	b.WriteString("\n\nUncovered functions:\n")
	for _, ref := range batch {
		b.WriteString(ref)
		b.WriteString("\n")
	}
	b.WriteString(`
Output one line per new group and flow:
   Gi group-name: Container.func, ...
   Fi flow-name (groups: Gx,...): Container.func, ...`)
	return b.String()
}

// p4RepairIncremental does another incremental pass over the residual
// uncovered set.
func p4RepairIncremental(previousOutput string, residual []string) string {
	var b strings.Builder
	b.WriteString(`These functions are still uncovered after your previous repair output.
Extend your repair with additional + lines covering as many of them as
sensibly possible; skip functions that genuinely belong to no business flow
(pure helpers, view-only accessors) and say so.

Still uncovered:
`)
	for _, ref := range residual {
		b.WriteString(ref)
		b.WriteString("\n")
	}
	b.WriteString("\n====================\nPrevious repair output:\n")
	b.WriteString(previousOutput)
	return b.String()
}

// p5ConvergeDelta converges the repair rounds into a strict JSON delta.
func p5ConvergeDelta(p3Output, p4Output string, maxGroupID, maxFlowID int) string {
	return fmt.Sprintf(`Converge your repair output into a single strict JSON object holding ONLY the
new groups and flows (plus any permitted corrections). Output ONLY the JSON.

Repair round 1:
%s

Repair round 2:
%s

Required shape (same as %s). New group_ids must start above G%d and new
flow_ids above F%d, strictly increasing:
{
  "schema_version": "%s",
  "groups": [{"group_id":"G%d","group_name":"string","functions":["Container.func"]}],
  "flows": [{"flow_id":"F%d","flow_name":"string","group_ids":["G%d"],"function_refs":["Container.func"]}]
}`, p3Output, p4Output, SchemaVersion, maxGroupID, maxFlowID, SchemaVersion, maxGroupID+1, maxFlowID+1, maxGroupID+1)
}
