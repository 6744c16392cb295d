package planning

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/auditpipe/auditpipe/pkg/shared/errors"
)

// Group is a named capability bucket grouping related flows.
type Group struct {
	GroupID   string   `json:"group_id"`
	GroupName string   `json:"group_name"`
	Functions []string `json:"functions"`
}

// Flow is an ordered list of function references forming one business flow.
type Flow struct {
	FlowID       string   `json:"flow_id"`
	FlowName     string   `json:"flow_name"`
	GroupIDs     []string `json:"group_ids"`
	FunctionRefs []string `json:"function_refs"`
}

// Document is the converged planning result, as produced by the P2 and P5
// convergence rounds.
type Document struct {
	SchemaVersion string  `json:"schema_version"`
	Groups        []Group `json:"groups"`
	Flows         []Flow  `json:"flows"`
}

// parseDocument decodes a strict planning JSON object from agent output. The
// output may carry stray text around the object; the outermost braces are
// located before decoding.
func parseDocument(stage, raw string) (*Document, error) {
	candidate := extractJSONObject(raw)
	if candidate == "" {
		return nil, &errors.ParseError{Stage: stage, Reason: "no JSON object found", Raw: raw}
	}

	var doc Document
	if err := json.Unmarshal([]byte(candidate), &doc); err != nil {
		return nil, &errors.ParseError{Stage: stage, Reason: fmt.Sprintf("invalid JSON: %v", err), Raw: raw}
	}
	if doc.SchemaVersion != SchemaVersion {
		return nil, &errors.ParseError{Stage: stage, Reason: fmt.Sprintf("unexpected schema_version %q", doc.SchemaVersion), Raw: raw}
	}
	if len(doc.Flows) == 0 {
		return nil, &errors.ParseError{Stage: stage, Reason: "document contains no flows", Raw: raw}
	}
	for i, f := range doc.Flows {
		if f.FlowID == "" || len(f.GroupIDs) == 0 {
			return nil, &errors.ParseError{Stage: stage, Reason: fmt.Sprintf("flow %d lacks id or group_ids", i), Raw: raw}
		}
	}
	return &doc, nil
}

// extractJSONObject returns the outermost {...} span of text, or empty.
func extractJSONObject(text string) string {
	s := strings.TrimSpace(text)
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		return s
	}
	l := strings.Index(s, "{")
	r := strings.LastIndex(s, "}")
	if l == -1 || r == -1 || r <= l {
		return ""
	}
	return s[l : r+1]
}

// idNumber extracts the numeric part of a G<N>/F<N> identifier, 0 when malformed.
func idNumber(id string) int {
	if len(id) < 2 {
		return 0
	}
	n, err := strconv.Atoi(id[1:])
	if err != nil {
		return 0
	}
	return n
}

// maxIDs returns the highest group and flow numbers present in the document.
func maxIDs(doc *Document) (maxGroup, maxFlow int) {
	for _, g := range doc.Groups {
		if n := idNumber(g.GroupID); n > maxGroup {
			maxGroup = n
		}
	}
	for _, f := range doc.Flows {
		if n := idNumber(f.FlowID); n > maxFlow {
			maxFlow = n
		}
	}
	return maxGroup, maxFlow
}

// mergeDelta merges a repair delta into the base document. IDs never recycle:
// a delta group or flow whose ID collides with an existing one is renumbered
// onto the next free ID, unless it is a flow rewrite and rewrites are allowed,
// in which case only its function_refs replace the existing flow's.
func mergeDelta(base, delta *Document, allowRewrite bool) {
	maxGroup, maxFlow := maxIDs(base)

	knownGroups := make(map[string]bool, len(base.Groups))
	for _, g := range base.Groups {
		knownGroups[g.GroupID] = true
	}
	renamedGroups := map[string]string{}

	for _, g := range delta.Groups {
		if knownGroups[g.GroupID] {
			maxGroup++
			newID := fmt.Sprintf("G%d", maxGroup)
			renamedGroups[g.GroupID] = newID
			g.GroupID = newID
		} else if idNumber(g.GroupID) > maxGroup {
			maxGroup = idNumber(g.GroupID)
		}
		knownGroups[g.GroupID] = true
		base.Groups = append(base.Groups, g)
	}

	knownFlows := make(map[string]int, len(base.Flows))
	for i, f := range base.Flows {
		knownFlows[f.FlowID] = i
	}

	for _, f := range delta.Flows {
		for i, gid := range f.GroupIDs {
			if renamed, ok := renamedGroups[gid]; ok {
				f.GroupIDs[i] = renamed
			}
		}
		if idx, exists := knownFlows[f.FlowID]; exists {
			if allowRewrite {
				base.Flows[idx].FunctionRefs = f.FunctionRefs
				continue
			}
			maxFlow++
			f.FlowID = fmt.Sprintf("F%d", maxFlow)
		} else if idNumber(f.FlowID) > maxFlow {
			maxFlow = idNumber(f.FlowID)
		}
		knownFlows[f.FlowID] = len(base.Flows)
		base.Flows = append(base.Flows, f)
	}
}
