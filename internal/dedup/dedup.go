package dedup

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/auditpipe/auditpipe/internal/store"
)

// Marker soft-deletes duplicate findings of a project. Correlation here is
// deliberately shallow: two findings duplicate each other when their rule key
// and normalized description fingerprint agree. Scoring-based deduplication
// lives outside this system.
type Marker struct {
	store  *store.Store
	logger hclog.Logger
}

// NewMarker creates a dedup marker.
func NewMarker(st *store.Store, logger hclog.Logger) *Marker {
	return &Marker{store: st, logger: logger.Named("dedup")}
}

// MarkProject walks the project's findings in insertion order, keeps the
// first finding of every fingerprint and marks later ones delete. Already
// deleted findings keep their status.
func (m *Marker) MarkProject(ctx context.Context, projectID string) (kept, deleted int, err error) {
	findings, err := m.store.ListFindingsForExport(ctx, projectID)
	if err != nil {
		return 0, 0, err
	}

	seen := map[string]bool{}
	for _, f := range findings {
		fp := fingerprint(f)
		if !seen[fp] {
			seen[fp] = true
			kept++
			continue
		}
		if err := m.store.UpdateFindingDedupStatus(ctx, f.ID, store.DedupDelete); err != nil {
			return kept, deleted, err
		}
		deleted++
	}

	m.logger.Info("dedup pass finished", "project", projectID, "kept", kept, "deleted", deleted)
	return kept, deleted, nil
}

// fingerprint hashes the rule key and the normalized vulnerability description.
func fingerprint(f store.Finding) string {
	desc := f.FindingJSON
	var doc struct {
		Vulnerabilities []struct {
			Description string `json:"description"`
		} `json:"vulnerabilities"`
	}
	if err := json.Unmarshal([]byte(f.FindingJSON), &doc); err == nil && len(doc.Vulnerabilities) == 1 {
		desc = doc.Vulnerabilities[0].Description
	}
	normalized := strings.Join(strings.Fields(strings.ToLower(desc)), " ")
	sum := md5.Sum([]byte(f.RuleKey + "|" + normalized))
	return hex.EncodeToString(sum[:])
}
