package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv masks the documented environment variables for the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"DATASET_BASE", "MAX_REASONING_PARALLEL", "MAX_VALIDATION_PARALLEL",
		"AGENT_TIMEOUT_SEC", "BUSINESS_FLOW_RULE_KEYS", "REASONING_MAX_ROUNDS", "COVERAGE_TARGET",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, DefaultAgentBinary, cfg.Agent.Binary)
	assert.Equal(t, DefaultAgentTimeoutSec, cfg.Agent.TimeoutSec)
	assert.Equal(t, DefaultCoverageTarget, cfg.Planning.CoverageTarget)
	assert.Equal(t, []string{"generic"}, cfg.Planning.RuleKeys)
	assert.Equal(t, DefaultReasoningRounds, cfg.Reasoning.MaxRounds)
	assert.Equal(t, DefaultDatabaseDriver, cfg.Database.Driver)
	assert.NotEmpty(t, cfg.Database.DSN)
	assert.NoError(t, ValidateConfig(cfg))
}

func TestLoadConfigFromYAML(t *testing.T) {
	content := `
auditpipe:
  dataset_base: /data/audits
logger:
  level: debug
agent:
  binary: /usr/local/bin/codex
  timeout_sec: 900
planning:
  coverage_target: 0.8
  rule_keys: [generic, access]
reasoning:
  max_rounds: 4
  max_parallel: 2
validation:
  max_parallel: 3
  timeout_sec: 600
`
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/audits", cfg.Auditpipe.DatasetBase)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "/usr/local/bin/codex", cfg.Agent.Binary)
	assert.Equal(t, 900, cfg.Agent.TimeoutSec)
	assert.Equal(t, 0.8, cfg.Planning.CoverageTarget)
	assert.Equal(t, []string{"generic", "access"}, cfg.Planning.RuleKeys)
	assert.Equal(t, 4, cfg.Reasoning.MaxRounds)
	assert.Equal(t, 600, cfg.Validation.TimeoutSec)
}

func TestEnvironmentOverlay(t *testing.T) {
	t.Setenv("DATASET_BASE", "/env/audits")
	t.Setenv("MAX_REASONING_PARALLEL", "7")
	t.Setenv("MAX_VALIDATION_PARALLEL", "2")
	t.Setenv("AGENT_TIMEOUT_SEC", "120")
	t.Setenv("REASONING_MAX_ROUNDS", "6")
	t.Setenv("COVERAGE_TARGET", "0.75")
	t.Setenv("BUSINESS_FLOW_RULE_KEYS", "generic, access , math")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "/env/audits", cfg.Auditpipe.DatasetBase)
	assert.Equal(t, 7, cfg.Reasoning.MaxParallel)
	assert.Equal(t, 2, cfg.Validation.MaxParallel)
	assert.Equal(t, 120, cfg.Agent.TimeoutSec)
	assert.Equal(t, 6, cfg.Reasoning.MaxRounds)
	assert.Equal(t, 0.75, cfg.Planning.CoverageTarget)
	assert.Equal(t, []string{"generic", "access", "math"}, cfg.Planning.RuleKeys)
}

func TestEnvironmentIgnoresGarbage(t *testing.T) {
	t.Setenv("MAX_REASONING_PARALLEL", "lots")
	t.Setenv("COVERAGE_TARGET", "most of it")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultReasoningParallel, cfg.Reasoning.MaxParallel)
	assert.Equal(t, DefaultCoverageTarget, cfg.Planning.CoverageTarget)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "nil agent binary",
			mutate:  func(c *Config) { c.Agent.Binary = "" },
			wantErr: "agent binary must be set",
		},
		{
			name:    "bad coverage target",
			mutate:  func(c *Config) { c.Planning.CoverageTarget = 1.5 },
			wantErr: "coverage_target",
		},
		{
			name:    "no rule keys",
			mutate:  func(c *Config) { c.Planning.RuleKeys = nil },
			wantErr: "rule key",
		},
		{
			name:    "retry count out of range",
			mutate:  func(c *Config) { c.HttpClient.RetryCount = 100 },
			wantErr: "retry_count",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig("")
			require.NoError(t, err)
			tt.mutate(cfg)
			err = ValidateConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
