package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/auditpipe/auditpipe/pkg/shared/errors"
)

// Vulnerability is one mined finding candidate.
type Vulnerability struct {
	Description string `json:"description"`
}

// ReasonerOutput is the strict multi-vulnerability JSON of one reasoner round.
type ReasonerOutput struct {
	SchemaVersion   string          `json:"schema_version"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
}

// Watcher decisions.
const (
	DecisionContinue = "continue"
	DecisionPivot    = "pivot"
	DecisionStop     = "stop"
)

// Budget carries the watcher-adjustable loop limits.
type Budget struct {
	MaxMoreRounds    int `json:"max_more_rounds"`
	TimeLimitSec     int `json:"time_limit_sec"`
	NoProgressRounds int `json:"no_progress_rounds"`
}

// WatcherOutput is the evaluation result of one watcher call.
type WatcherOutput struct {
	Decision           string `json:"decision"`
	Reason             string `json:"reason"`
	BudgetNext         Budget `json:"budget_next"`
	WatcherInstruction string `json:"watcher_instruction"`
}

// IdeatorOutput carries pivot-time hypotheses; each item is expected to be
// directly executable.
type IdeatorOutput struct {
	NewHypotheses    []string `json:"new_hypotheses"`
	SuggestedProbes  []string `json:"suggested_probes"`
	ExpectedEvidence []string `json:"expected_evidence"`
}

// parseReasonerOutput validates the strict reasoning schema. Agent output may
// carry stray text around the object.
func parseReasonerOutput(raw string) (*ReasonerOutput, error) {
	candidate := extractJSONObject(raw)
	if candidate == "" {
		return nil, &errors.ParseError{Stage: "reasoner", Reason: "no JSON object found", Raw: raw}
	}
	var out ReasonerOutput
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return nil, &errors.ParseError{Stage: "reasoner", Reason: fmt.Sprintf("invalid JSON: %v", err), Raw: raw}
	}
	if out.SchemaVersion != ReasoningSchemaVersion {
		return nil, &errors.ParseError{Stage: "reasoner", Reason: fmt.Sprintf("unexpected schema_version %q", out.SchemaVersion), Raw: raw}
	}
	for i, v := range out.Vulnerabilities {
		if strings.TrimSpace(v.Description) == "" {
			return nil, &errors.ParseError{Stage: "reasoner", Reason: fmt.Sprintf("vulnerability %d has an empty description", i), Raw: raw}
		}
	}
	return &out, nil
}

// parseWatcherOutput validates a watcher decision.
func parseWatcherOutput(raw string) (*WatcherOutput, error) {
	candidate := extractJSONObject(raw)
	if candidate == "" {
		return nil, &errors.ParseError{Stage: "watcher", Reason: "no JSON object found", Raw: raw}
	}
	var out WatcherOutput
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return nil, &errors.ParseError{Stage: "watcher", Reason: fmt.Sprintf("invalid JSON: %v", err), Raw: raw}
	}
	switch out.Decision {
	case DecisionContinue, DecisionPivot, DecisionStop:
	default:
		return nil, &errors.ParseError{Stage: "watcher", Reason: fmt.Sprintf("unknown decision %q", out.Decision), Raw: raw}
	}
	return &out, nil
}

// parseIdeatorOutput validates an ideator proposal.
func parseIdeatorOutput(raw string) (*IdeatorOutput, error) {
	candidate := extractJSONObject(raw)
	if candidate == "" {
		return nil, &errors.ParseError{Stage: "ideator", Reason: "no JSON object found", Raw: raw}
	}
	var out IdeatorOutput
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return nil, &errors.ParseError{Stage: "ideator", Reason: fmt.Sprintf("invalid JSON: %v", err), Raw: raw}
	}
	return &out, nil
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
