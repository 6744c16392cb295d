package checklist

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-hclog"
	yaml "gopkg.in/yaml.v2"
)

// Item is one checklist entry scanned under a rule key.
type Item struct {
	ID          string `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description" json:"description"`
}

// Library maps rule keys to their checklist items. Checklist text content is
// authored outside this system; the library only loads and serves it.
type Library struct {
	items map[string][]Item
}

// Load reads a checklist library from source: an http(s) URL fetched with the
// provided client, or a local YAML file path. An empty source yields an empty
// library; unknown rule keys then scan with no checklist items attached.
func Load(source string, client *resty.Client, logger hclog.Logger) (*Library, error) {
	if strings.TrimSpace(source) == "" {
		return &Library{items: map[string][]Item{}}, nil
	}

	var raw []byte
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		resp, err := client.R().Get(source)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch checklist source %q: %w", source, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("checklist source %q returned status %d", source, resp.StatusCode())
		}
		raw = resp.Body()
	} else {
		var err error
		raw, err = os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("failed to read checklist source %q: %w", source, err)
		}
	}

	parsed := map[string][]Item{}
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("malformed checklist source %q: %w", source, err)
	}

	logger.Debug("checklist library loaded", "source", source, "rule_keys", len(parsed))
	return &Library{items: parsed}, nil
}

// Items returns the checklist items for a rule key, nil when none are defined.
func (l *Library) Items(ruleKey string) []Item {
	return l.items[ruleKey]
}

// RuleKeys returns all rule keys present in the library.
func (l *Library) RuleKeys() []string {
	keys := make([]string, 0, len(l.items))
	for k := range l.items {
		keys = append(keys, k)
	}
	return keys
}
