package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/auditpipe/auditpipe/pkg/shared/errors"
)

// FunctionsFileName is the tree-sitter extraction output consumed by the catalog.
const FunctionsFileName = "functions.json"

// FunctionEntry is one function identity extracted by the tree-sitter toolchain.
// The canonical identity is "Container.name" with an optional "(sig)" suffix
// for overloads.
type FunctionEntry struct {
	Container  string `json:"container"`
	Name       string `json:"name"`
	Signature  string `json:"signature,omitempty"`
	FilePath   string `json:"file_path"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
	Visibility string `json:"visibility,omitempty"`
	Body       string `json:"body"`
}

// Identity returns the canonical identity string including the signature when present.
func (e FunctionEntry) Identity() string {
	if e.Signature != "" {
		return fmt.Sprintf("%s.%s(%s)", e.Container, e.Name, e.Signature)
	}
	return fmt.Sprintf("%s.%s", e.Container, e.Name)
}

// ShortIdentity returns "Container.name" without the signature.
func (e FunctionEntry) ShortIdentity() string {
	return fmt.Sprintf("%s.%s", e.Container, e.Name)
}

// Resolution is the outcome of resolving a textual function reference.
type Resolution struct {
	Entry     *FunctionEntry
	Ambiguous bool
}

// Catalog exposes the function identities of one project. The set is built
// once at planning start and immutable for the remainder of the run.
type Catalog struct {
	entries []FunctionEntry
	// byShort maps "Container.name" to candidate indexes, deterministically
	// ordered by file path then start line.
	byShort map[string][]int
	byFull  map[string]int
}

// Load reads the tree-sitter extraction document from the workspace root.
func Load(projectID, workspaceRoot string) (*Catalog, error) {
	path := filepath.Join(workspaceRoot, FunctionsFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.CatalogError{ProjectID: projectID, Reason: fmt.Sprintf("cannot read %s: %v", FunctionsFileName, err)}
	}
	return Parse(projectID, raw)
}

// Parse builds a catalog from raw tree-sitter extraction JSON.
func Parse(projectID string, raw []byte) (*Catalog, error) {
	var doc struct {
		Functions []FunctionEntry `json:"functions"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &errors.CatalogError{ProjectID: projectID, Reason: fmt.Sprintf("malformed extraction document: %v", err)}
	}
	if len(doc.Functions) == 0 {
		return nil, &errors.CatalogError{ProjectID: projectID, Reason: "extraction document contains no functions"}
	}
	for i, fn := range doc.Functions {
		if fn.Container == "" || fn.Name == "" {
			return nil, &errors.CatalogError{ProjectID: projectID, Reason: fmt.Sprintf("function entry %d has no identity", i)}
		}
	}
	return New(doc.Functions), nil
}

// New builds a catalog from already-decoded entries.
func New(entries []FunctionEntry) *Catalog {
	sorted := make([]FunctionEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].FilePath != sorted[j].FilePath {
			return sorted[i].FilePath < sorted[j].FilePath
		}
		return sorted[i].StartLine < sorted[j].StartLine
	})

	c := &Catalog{
		entries: sorted,
		byShort: make(map[string][]int),
		byFull:  make(map[string]int),
	}
	for i, e := range sorted {
		short := e.ShortIdentity()
		c.byShort[short] = append(c.byShort[short], i)
		if _, seen := c.byFull[e.Identity()]; !seen {
			c.byFull[e.Identity()] = i
		}
	}
	return c
}

// List returns all entries ordered by file path then start line.
func (c *Catalog) List() []FunctionEntry {
	out := make([]FunctionEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len returns the catalog size.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Identities returns all canonical identities in catalog order.
func (c *Catalog) Identities() []string {
	out := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Identity())
	}
	return out
}

// Contains reports whether ref resolves to at least one entry.
func (c *Catalog) Contains(ref string) bool {
	res := c.Resolve(ref)
	return res.Entry != nil
}

// Resolve maps an external textual reference to an entry. Normalization:
// whitespace is stripped, constructor/receive/fallback are mapped to canonical
// names, a signature-exact match wins, otherwise the short identity matches.
// On multi-match the first deterministic candidate is returned with
// Ambiguous=true. An unresolved ref returns a zero Resolution.
func (c *Catalog) Resolve(ref string) Resolution {
	norm := normalizeRef(ref)
	if norm == "" {
		return Resolution{}
	}

	if i, ok := c.byFull[norm]; ok {
		return Resolution{Entry: &c.entries[i]}
	}

	short := norm
	if p := strings.Index(norm, "("); p != -1 {
		short = norm[:p]
	}
	candidates, ok := c.byShort[short]
	if !ok || len(candidates) == 0 {
		return Resolution{}
	}
	return Resolution{
		Entry:     &c.entries[candidates[0]],
		Ambiguous: len(candidates) > 1,
	}
}

// normalizeRef strips whitespace and maps special member names to their
// canonical forms.
func normalizeRef(ref string) string {
	var b strings.Builder
	for _, r := range ref {
		switch r {
		case ' ', '\t', '\n', '\r':
			continue
		}
		b.WriteRune(r)
	}
	norm := b.String()
	norm = strings.TrimSuffix(norm, "(interface)")

	for _, special := range []string{"constructor", "receive", "fallback"} {
		suffix := "." + special
		if strings.HasSuffix(norm, suffix) {
			return norm
		}
		// drop any trailing signature on special members
		if idx := strings.Index(norm, suffix+"("); idx != -1 {
			return norm[:idx] + suffix
		}
	}
	return norm
}
