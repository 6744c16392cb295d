package config

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when neither the YAML file nor the environment sets a value.
const (
	DefaultAgentBinary       = "codex"
	DefaultAgentTimeoutSec   = 1800
	DefaultAgentGracePeriod  = 10 * time.Second
	DefaultCoverageTarget    = 0.90
	DefaultMaxRepairRounds   = 3
	DefaultReasoningRounds   = 5
	DefaultReasoningParallel = 4
	DefaultValidateParallel  = 3
	DefaultValidateTimeout   = 1200
	DefaultDatabaseDriver    = "sqlite3"
)

// applyEnvironment overlays the documented environment variables onto the
// configuration. Environment values win over the YAML file.
func applyEnvironment(cfg *Config) {
	if v := os.Getenv("DATASET_BASE"); v != "" {
		cfg.Auditpipe.DatasetBase = v
	}
	if v, ok := envInt("MAX_REASONING_PARALLEL"); ok {
		cfg.Reasoning.MaxParallel = v
	}
	if v, ok := envInt("MAX_VALIDATION_PARALLEL"); ok {
		cfg.Validation.MaxParallel = v
	}
	if v, ok := envInt("AGENT_TIMEOUT_SEC"); ok {
		cfg.Agent.TimeoutSec = v
	}
	if v, ok := envInt("REASONING_MAX_ROUNDS"); ok {
		cfg.Reasoning.MaxRounds = v
	}
	if v := os.Getenv("COVERAGE_TARGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Planning.CoverageTarget = f
		}
	}
	if v := os.Getenv("BUSINESS_FLOW_RULE_KEYS"); v != "" {
		var keys []string
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		if len(keys) > 0 {
			cfg.Planning.RuleKeys = keys
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Auditpipe.HomeFolder == "" {
		cfg.Auditpipe.HomeFolder = GetAuditpipeHome()
	}
	if cfg.Auditpipe.LogsFolder == "" {
		cfg.Auditpipe.LogsFolder = "logs"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DefaultDatabaseDriver
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = filepath.Join(cfg.Auditpipe.HomeFolder, "auditpipe.db")
	}
	if cfg.Agent.Binary == "" {
		cfg.Agent.Binary = DefaultAgentBinary
	}
	if cfg.Agent.TimeoutSec <= 0 {
		cfg.Agent.TimeoutSec = DefaultAgentTimeoutSec
	}
	if cfg.Agent.GracePeriod <= 0 {
		cfg.Agent.GracePeriod = DefaultAgentGracePeriod
	}
	if cfg.Planning.CoverageTarget <= 0 || cfg.Planning.CoverageTarget > 1 {
		cfg.Planning.CoverageTarget = DefaultCoverageTarget
	}
	if cfg.Planning.MaxRepairRounds <= 0 {
		cfg.Planning.MaxRepairRounds = DefaultMaxRepairRounds
	}
	if len(cfg.Planning.RuleKeys) == 0 {
		cfg.Planning.RuleKeys = []string{"generic"}
	}
	if cfg.Reasoning.MaxRounds <= 0 {
		cfg.Reasoning.MaxRounds = DefaultReasoningRounds
	}
	if cfg.Reasoning.MaxParallel <= 0 {
		cfg.Reasoning.MaxParallel = DefaultReasoningParallel
	}
	if cfg.Validation.MaxParallel <= 0 {
		cfg.Validation.MaxParallel = DefaultValidateParallel
	}
	if cfg.Validation.TimeoutSec <= 0 {
		cfg.Validation.TimeoutSec = DefaultValidateTimeout
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// GetAuditpipeHome returns the application home folder.
func GetAuditpipeHome() string {
	if env := os.Getenv("AUDITPIPE_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		panic("unable to get home folder")
	}
	return filepath.Join(home, ".auditpipe")
}

// GetLogsHome returns the root folder for agent artifact directories.
func GetLogsHome(cfg *Config) string {
	if filepath.IsAbs(cfg.Auditpipe.LogsFolder) {
		return cfg.Auditpipe.LogsFolder
	}
	return filepath.Join(cfg.Auditpipe.HomeFolder, cfg.Auditpipe.LogsFolder)
}

// BaseHTTPConfig holds common HTTP client configuration settings.
type BaseHTTPConfig struct {
	RetryCount       int
	RetryWaitTime    time.Duration
	RetryMaxWaitTime time.Duration
	Timeout          time.Duration
	TLSClientConfig  *tls.Config
	Proxy            string
}

// RestyHttpClientConfig holds additional configuration settings for the resty http client.
type RestyHttpClientConfig struct {
	BaseHTTPConfig
	Debug bool
}

// General base configuration applicable to all HTTP clients.
func DefaultHttpConfig() BaseHTTPConfig {
	return BaseHTTPConfig{
		RetryCount:       5,
		RetryWaitTime:    1 * time.Second,
		RetryMaxWaitTime: 2 * time.Second,
		Timeout:          10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		Proxy: "",
	}
}

// DefaultRestyConfig returns a specific http config for Resty.
func DefaultRestyConfig() RestyHttpClientConfig {
	baseConfig := DefaultHttpConfig()
	return RestyHttpClientConfig{
		BaseHTTPConfig: baseConfig,
		Debug:          false,
	}
}
